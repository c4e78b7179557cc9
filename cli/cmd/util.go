package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/custody/internal/crypto"
)

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".custody.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

var configKeyDescriptions = map[string]string{
	"keyring.store_type":           "Keyring backend (file, s3, badger)",
	"keyring.path":                 "Base directory for the keyring, blobs and local audit log",
	"keyring.profile":              "Keyring profile name",
	"keyring.kdf":                  "Passphrase KDF for new envelopes (pbkdf2, argon2id)",
	"keyring.cipher":               "AEAD for new envelopes (A256GCM, C20P)",
	"keyring.unlock_ttl":           "Lifetime of an unlocked key handle",
	"keyring.lock_memory":          "Keep process memory out of swap",
	"keyring.s3.endpoint":          "S3 endpoint",
	"keyring.s3.region":            "S3 region",
	"keyring.s3.bucket":            "S3 bucket",
	"keyring.s3.prefix":            "S3 key prefix",
	"keyring.s3.access_key_id":     "S3 access key id",
	"keyring.s3.secret_access_key": "S3 secret access key",
	"keyring.s3.use_ssl":           "Use TLS for S3",
	"records.mongo_uri":            "MongoDB URI of the record store",
	"records.database":             "MongoDB database",
	"records.collection":           "MongoDB collection",
	"records.blob_store":           "Ciphertext store (file, s3)",
	"records.blob_path":            "Directory of the file blob store",
	"audit.log.type":               "Off-chain log (file, sqlite, none)",
	"audit.log.path":               "Off-chain log file or sqlite database",
	"audit.window":                 "Ledger/log deduplication window",
	"audit.directory":              "YAML identity directory",
	"ledger.endpoint":              "Ledger JSON-RPC endpoint",
	"ledger.timeout":               "Timeout of a single ledger call",
	"ledger.rate":                  "Ledger requests per second, 0 for unlimited",
	"ledger.burst":                 "Ledger request burst",
	"identity.actor":               "Actor reference recorded in audit events",
	"log.level":                    "Log level (debug, info, warn, error)",
}

func getConfigKeyDescriptions() map[string]string {
	return configKeyDescriptions
}

func isValidConfigKey(key string) bool {
	_, ok := configKeyDescriptions[key]
	return ok
}

func getConfigTemplate(template string) (map[string]interface{}, error) {
	keyring := map[string]interface{}{
		"store_type": "file",
		"path":       ".custody",
		"profile":    "default",
	}
	switch template {
	case "minimal":
		return map[string]interface{}{"keyring": keyring}, nil
	case "default":
		return map[string]interface{}{
			"keyring": keyring,
			"audit": map[string]interface{}{
				"log":    map[string]interface{}{"type": "sqlite"},
				"window": "5m",
			},
		}, nil
	case "full":
		keyring["kdf"] = "pbkdf2"
		keyring["cipher"] = string(crypto.SuiteAES256GCM)
		keyring["unlock_ttl"] = "5m"
		keyring["s3"] = map[string]interface{}{
			"endpoint": "",
			"bucket":   "",
			"region":   "us-east-1",
			"prefix":   "custody/",
			"use_ssl":  true,
		}
		return map[string]interface{}{
			"keyring": keyring,
			"records": map[string]interface{}{
				"mongo_uri":  "mongodb://localhost:27017",
				"database":   "custody",
				"collection": "records",
				"blob_store": "file",
			},
			"audit": map[string]interface{}{
				"log":       map[string]interface{}{"type": "sqlite", "path": ""},
				"window":    "5m",
				"directory": "",
			},
			"ledger": map[string]interface{}{
				"endpoint": "http://127.0.0.1:8545",
				"timeout":  "10s",
				"rate":     0,
				"burst":    1,
			},
			"log": map[string]interface{}{"level": "warn"},
		}, nil
	default:
		return nil, fmt.Errorf("unknown template: %s (default, minimal, full)", template)
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("keyring.store_type")
	switch storeType {
	case "file", "badger":
	case "s3":
		if err := validateS3Config(s3Config()); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: file, s3, badger)", storeType))
	}

	if opts, err := keyringOptions(); err != nil {
		problems = append(problems, err.Error())
	} else if err = opts.Cipher.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	switch logType := viper.GetString("audit.log.type"); logType {
	case "file", "sqlite", "none":
	default:
		problems = append(problems, fmt.Sprintf("invalid audit log type: %s (must be one of: file, sqlite, none)", logType))
	}
	for _, key := range []string{"audit.window", "ledger.timeout", "keyring.unlock_ttl"} {
		if _, err := time.ParseDuration(viper.GetString(key)); err != nil {
			problems = append(problems, fmt.Sprintf("%s is not a duration: %v", key, err))
		}
	}
	if dir := viper.GetString("audit.directory"); dir != "" && !fileExists(dir) {
		problems = append(problems, fmt.Sprintf("identity directory not found: %s", dir))
	}
	return problems
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("CUSTODY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printJSON(config)
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)
	for _, key := range sorted {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"passphrase", "password", "secret", "token", "mongo_uri"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

func validateConfigValue(key string, value interface{}) error {
	str, _ := value.(string)
	switch key {
	case "keyring.store_type":
		if !contains([]string{"file", "s3", "badger"}, str) {
			return fmt.Errorf("invalid store type: %v (valid: file, s3, badger)", value)
		}
	case "audit.log.type":
		if !contains([]string{"file", "sqlite", "none"}, str) {
			return fmt.Errorf("invalid audit log type: %v (valid: file, sqlite, none)", value)
		}
	case "keyring.cipher":
		if err := crypto.CipherSuite(str).Validate(); err != nil {
			return err
		}
	case "audit.window", "ledger.timeout", "keyring.unlock_ttl":
		if _, err := time.ParseDuration(str); err != nil {
			return fmt.Errorf("%s must be a duration such as 5m: %w", key, err)
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
