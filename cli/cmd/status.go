package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/custody"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keyring status",
	Long:  "Display the keyring store, the active key fingerprint, memory protection and the configured audit sources.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	fmt.Println("Custody Status")
	fmt.Println("==============")
	fmt.Printf("Keyring Store: %s (profile %s)\n", viper.GetString("keyring.store_type"), viper.GetString("keyring.profile"))
	fmt.Printf("Memory Protection: %s\n", k.MemoryProtection())

	info, err := k.PublicInfo(cmd.Context())
	switch {
	case err != nil:
		fmt.Printf("Active Key: ERROR - %v\n", custody.UserMessage(err))
	case info == nil:
		fmt.Println("Active Key: none (run 'custody keyring setup')")
	default:
		fmt.Printf("Active Key: %s (created %s)\n", info.Fingerprint, info.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Envelope: %s / %s\n", info.KDF.Algorithm, info.Cipher)
	}

	fmt.Printf("Audit Log: %s\n", viper.GetString("audit.log.type"))
	if endpoint := viper.GetString("ledger.endpoint"); endpoint != "" {
		fmt.Printf("Ledger: %s\n", endpoint)
	} else {
		fmt.Println("Ledger: not configured")
	}
	if uri := viper.GetString("records.mongo_uri"); uri != "" {
		fmt.Println("Record Store: mongodb")
	} else {
		fmt.Println("Record Store: not configured")
	}
	return nil
}
