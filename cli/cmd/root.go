package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/custody"
	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/internal/crypto"
	"southwinds.dev/custody/ledger"
	"southwinds.dev/custody/persist"
)

var (
	cfgFile    string
	log        = logrus.New()
	cliContext *CLIContext
)

type CLIContext struct {
	User      string
	SessionID string
	Host      string
	StartTime time.Time
}

var rootCmd = &cobra.Command{
	Use:   "custody",
	Short: "Encrypted health record custody with a reconciled audit trail",
	Long: `custody keeps a passphrase protected RSA keyring, encrypts records under per-record keys
and reconciles the blockchain ledger with the off-chain access log into one audit trail.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initializeCLI,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", custody.UserMessage(err))
		log.WithError(err).Debug("command failed")
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.custody.yaml)")
	rootCmd.PersistentFlags().String("passphrase", "", "keyring passphrase (or use CUSTODY_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("profile", "", "keyring profile")
	rootCmd.PersistentFlags().StringP("keyring-path", "p", "", "path to keyring storage")
	rootCmd.PersistentFlags().String("store-type", "", "keyring backend type (file, s3, badger)")
	rootCmd.PersistentFlags().String("actor", "", "actor reference recorded in the audit trail")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	bindFlagOrPanic("passphrase", "passphrase")
	bindFlagOrPanic("keyring.profile", "profile")
	bindFlagOrPanic("keyring.path", "keyring-path")
	bindFlagOrPanic("keyring.store_type", "store-type")
	bindFlagOrPanic("identity.actor", "actor")
	bindFlagOrPanic("log.level", "log-level")

	rootCmd.PersistentFlags().String("ledger-endpoint", "", "ledger JSON-RPC endpoint")
	rootCmd.PersistentFlags().String("audit-log-type", "", "off-chain log type (file, sqlite, none)")
	rootCmd.PersistentFlags().String("audit-log-path", "", "off-chain log file or sqlite database")

	bindFlagOrPanic("ledger.endpoint", "ledger-endpoint")
	bindFlagOrPanic("audit.log.type", "audit-log-type")
	bindFlagOrPanic("audit.log.path", "audit-log-path")

	registerCompletion(rootCmd, "store-type", "file", "s3", "badger")
	registerCompletion(rootCmd, "audit-log-type", "file", "sqlite", "none")
}

// normalizeFlagName accepts --keyring_path for --keyring-path
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/custody")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".custody")
	}

	viper.SetEnvPrefix("CUSTODY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else {
		log.WithField("file", viper.ConfigFileUsed()).Debug("using config file")
	}
}

func setDefaults() {
	viper.SetDefault("keyring.store_type", "file")
	viper.SetDefault("keyring.path", ".custody")
	viper.SetDefault("keyring.profile", "default")
	viper.SetDefault("keyring.kdf", "pbkdf2")
	viper.SetDefault("keyring.cipher", string(crypto.SuiteAES256GCM))
	viper.SetDefault("keyring.unlock_ttl", "5m")
	viper.SetDefault("keyring.lock_memory", false)

	viper.SetDefault("keyring.s3.region", "us-east-1")
	viper.SetDefault("keyring.s3.prefix", "custody/")
	viper.SetDefault("keyring.s3.use_ssl", true)

	viper.SetDefault("records.blob_store", "file")
	viper.SetDefault("records.database", "custody")
	viper.SetDefault("records.collection", "records")

	viper.SetDefault("audit.log.type", "sqlite")
	viper.SetDefault("audit.log.path", "")
	viper.SetDefault("audit.window", "5m")

	viper.SetDefault("ledger.timeout", "10s")
	viper.SetDefault("ledger.rate", 0)
	viper.SetDefault("ledger.burst", 1)

	viper.SetDefault("log.level", "warn")
}

func initializeCLI(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	cliContext = &CLIContext{
		User:      getCurrentUser(),
		SessionID: uuid.NewString(),
		Host:      getHostname(),
		StartTime: time.Now(),
	}
	log.WithFields(logrus.Fields{
		"command":    cmd.CommandPath(),
		"session_id": cliContext.SessionID,
		"user":       cliContext.User,
	}).Debug("command started")
	return nil
}

func passphraseFromConfig(key string) (string, error) {
	value := viper.GetString(key)
	if value == "" {
		env := "CUSTODY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		return "", fmt.Errorf("%s is required: use the --%s flag or the %s environment variable",
			strings.ReplaceAll(key, "_", " "), strings.ReplaceAll(key, "_", "-"), env)
	}
	return value, nil
}

func keyringOptions() (custody.Options, error) {
	opts := custody.DefaultOptions()
	switch strings.ToLower(viper.GetString("keyring.kdf")) {
	case "pbkdf2", "":
	case "argon2id":
		opts.KDF = crypto.DefaultArgon2id()
	default:
		return opts, fmt.Errorf("unsupported kdf: %s (pbkdf2, argon2id)", viper.GetString("keyring.kdf"))
	}
	opts.Cipher = crypto.CipherSuite(viper.GetString("keyring.cipher"))
	opts.UnlockTTL = viper.GetDuration("keyring.unlock_ttl")
	opts.LockMemory = viper.GetBool("keyring.lock_memory")
	opts.Logger = log
	return opts, nil
}

func s3Config() persist.S3Config {
	return persist.S3Config{
		Endpoint:        viper.GetString("keyring.s3.endpoint"),
		AccessKeyID:     viper.GetString("keyring.s3.access_key_id"),
		SecretAccessKey: viper.GetString("keyring.s3.secret_access_key"),
		Bucket:          viper.GetString("keyring.s3.bucket"),
		KeyPrefix:       viper.GetString("keyring.s3.prefix"),
		UseSSL:          viper.GetBool("keyring.s3.use_ssl"),
		Region:          viper.GetString("keyring.s3.region"),
	}
}

func createKeyringStore() (persist.KeyringStore, error) {
	profile := viper.GetString("keyring.profile")
	path := viper.GetString("keyring.path")

	switch strings.ToLower(viper.GetString("keyring.store_type")) {
	case "file":
		return persist.NewFileSystemStore(path, profile)
	case "badger":
		return persist.NewBadgerStore(filepath.Join(path, "badger"), profile)
	case "s3":
		config := s3Config()
		if err := validateS3Config(config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(config, profile)
	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3, badger", viper.GetString("keyring.store_type"))
	}
}

func openKeyring() (*custody.Keyring, error) {
	store, err := createKeyringStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring store: %w", err)
	}
	opts, err := keyringOptions()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	k, err := custody.NewKeyring(store, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return k, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "keyring.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "keyring.s3.region")
	}
	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "keyring.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "keyring.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// logStorePath defaults the off-chain log next to the keyring
func logStorePath(logType string) string {
	if p := viper.GetString("audit.log.path"); p != "" {
		return p
	}
	if logType == string(audit.FileLogType) {
		return filepath.Join(viper.GetString("keyring.path"), "audit", "trail.jsonl")
	}
	return filepath.Join(viper.GetString("keyring.path"), "audit.db")
}

func openLogStore() (audit.LogStore, error) {
	logType := strings.ToLower(viper.GetString("audit.log.type"))
	config := &audit.Config{Enabled: logType != string(audit.NoOp), Type: audit.ConfigType(logType)}
	switch audit.ConfigType(logType) {
	case audit.FileLogType:
		config.Options = map[string]interface{}{"file_path": logStorePath(logType)}
	case audit.SQLiteLogType:
		config.Options = map[string]interface{}{"dsn": logStorePath(logType)}
	}
	return audit.NewLogStore(config)
}

// openLedger returns nil when no endpoint is configured
func openLedger() (*ledger.RPCClient, error) {
	endpoint := viper.GetString("ledger.endpoint")
	if endpoint == "" {
		return nil, nil
	}
	return ledger.NewRPCClient(ledger.RPCConfig{
		Endpoint: endpoint,
		Timeout:  viper.GetDuration("ledger.timeout"),
		Rate:     viper.GetFloat64("ledger.rate"),
		Burst:    viper.GetInt("ledger.burst"),
	})
}

// openDirectory returns nil when no directory file is configured
func openDirectory() (*audit.StaticDirectory, error) {
	path := viper.GetString("audit.directory")
	if path == "" {
		return nil, nil
	}
	return audit.LoadDirectory(path)
}

func openBlobStore() (persist.BlobStore, error) {
	switch strings.ToLower(viper.GetString("records.blob_store")) {
	case "file":
		dir := viper.GetString("records.blob_path")
		if dir == "" {
			dir = filepath.Join(viper.GetString("keyring.path"), "blobs")
		}
		return persist.NewFileBlobStore(dir)
	case "s3":
		config := s3Config()
		if err := validateS3Config(config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3BlobStore(config)
	default:
		return nil, fmt.Errorf("unsupported blob store: %s. Supported types: file, s3", viper.GetString("records.blob_store"))
	}
}

// session bundles the stores a record or audit command works with
type session struct {
	committer *custody.Committer
	records   *persist.MongoRecordStore
	logs      audit.LogStore
	ledger    *ledger.RPCClient
}

// openSession connects to every configured sink. The record store is only required when
// withRecords is set.
func openSession(ctx context.Context, withRecords bool) (*session, error) {
	s := &session{committer: &custody.Committer{Log: log}}

	logs, err := openLogStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	s.logs = logs
	if _, disabled := logs.(*audit.NoOpLogStore); !disabled {
		s.committer.Logs = logs
	}

	if s.ledger, err = openLedger(); err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("failed to configure ledger client: %w", err)
	}
	if s.ledger != nil {
		s.committer.Ledger = s.ledger
	}

	if withRecords {
		uri := viper.GetString("records.mongo_uri")
		if uri == "" {
			s.close(ctx)
			return nil, errors.New("records.mongo_uri is required to store records")
		}
		if s.records, err = persist.NewMongoRecordStore(ctx, uri, viper.GetString("records.database"), viper.GetString("records.collection")); err != nil {
			s.close(ctx)
			return nil, err
		}
		s.committer.Records = s.records
		if s.committer.Blobs, err = openBlobStore(); err != nil {
			s.close(ctx)
			return nil, err
		}
	}
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if s.logs != nil {
		if err := s.logs.Close(); err != nil {
			log.WithError(err).Warn("failed to close audit log")
		}
	}
	if s.records != nil {
		if err := s.records.Close(ctx); err != nil {
			log.WithError(err).Warn("failed to close record store")
		}
	}
}

func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

// actorRef is the identity recorded for audit events, defaulting to user@host
func actorRef() string {
	if a := viper.GetString("identity.actor"); a != "" {
		return a
	}
	return cliContext.User + "@" + cliContext.Host
}
