package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage custody configuration",
	Long:  `Manage custody configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration from all sources (config file, environment variables, flags).`,
	RunE:  runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., keyring.store_type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	RunE:  runConfigList,
}

var (
	configForce    bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "force set value even if key is unknown")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")
	configListCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON()
	case "yaml":
		return printConfigYAML()
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)
	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	converted := convertValue(value)
	if err := validateConfigValue(key, converted); err != nil {
		return err
	}
	viper.Set(key, converted)

	configFile := getConfigFilePath()
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, converted)
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()
	if fileExists(configFile) && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	config, err := getConfigTemplate(configTemplate)
	if err != nil {
		return err
	}
	if err = ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	fmt.Printf("Template used: %s\n", configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Println("✓ Configuration is valid")
		return nil
	}

	fmt.Println("✗ Configuration validation failed:")
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := getConfigKeyDescriptions()
	switch configFormat {
	case "table":
		return printConfigKeysTable(keys)
	case "yaml":
		return printConfigKeysYAML(keys)
	case "json":
		return printJSON(keys)
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}
