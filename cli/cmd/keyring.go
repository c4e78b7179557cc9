package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/custody"
	"southwinds.dev/custody/audit"
)

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the owner keyring",
	Long:  `Manage the passphrase protected RSA key pair that content keys of owner-wrapped records are wrapped to.`,
}

var keyringSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the keyring",
	Long:  `Generate a key pair and store the private key wrapped under the passphrase. An existing keyring is only replaced with --replace.`,
	Args:  cobra.NoArgs,
	RunE:  runKeyringSetup,
}

var keyringUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check that the passphrase opens the keyring",
	Args:  cobra.NoArgs,
	RunE:  runKeyringUnlock,
}

var keyringRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the key pair",
	Long: `Generate a new key pair protected by the new passphrase. With --rewrap, the content keys of the
owner's stored records are re-wrapped from the previous key to the new one.`,
	Args: cobra.NoArgs,
	RunE: runKeyringRotate,
}

var keyringDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete the keyring",
	Long:  `Permanently delete the keyring. Records wrapped to its key become unrecoverable.`,
	Args:  cobra.NoArgs,
	RunE:  runKeyringDestroy,
}

var keyringInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the public half of the keyring",
	Args:  cobra.NoArgs,
	RunE:  runKeyringInfo,
}

var (
	replaceKeyring bool
	rewrapRecords  bool
	forceDestroy   bool
	jsonOutput     bool
)

func init() {
	rootCmd.AddCommand(keyringCmd)

	keyringCmd.AddCommand(keyringSetupCmd)
	keyringCmd.AddCommand(keyringUnlockCmd)
	keyringCmd.AddCommand(keyringRotateCmd)
	keyringCmd.AddCommand(keyringDestroyCmd)
	keyringCmd.AddCommand(keyringInfoCmd)

	keyringSetupCmd.Flags().BoolVar(&replaceKeyring, "replace", false, "replace an existing keyring")
	keyringSetupCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	keyringRotateCmd.Flags().String("new-passphrase", "", "passphrase of the new keyring (or use CUSTODY_NEW_PASSPHRASE)")
	keyringRotateCmd.Flags().BoolVar(&rewrapRecords, "rewrap", false, "re-wrap the content keys of stored records")
	if err := viper.BindPFlag("new_passphrase", keyringRotateCmd.Flags().Lookup("new-passphrase")); err != nil {
		panic(fmt.Sprintf("failed to bind new-passphrase flag: %v", err))
	}

	keyringDestroyCmd.Flags().BoolVar(&forceDestroy, "force", false, "destroy without confirmation")

	keyringInfoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runKeyringSetup(cmd *cobra.Command, args []string) error {
	passphrase, err := passphraseFromConfig("passphrase")
	if err != nil {
		return err
	}
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	var options []custody.SetupOption
	if replaceKeyring {
		options = append(options, custody.ReplaceExisting())
	}
	res, err := k.Setup(cmd.Context(), passphrase, options...)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}

	fmt.Println("Keyring created.")
	printPublicInfo(&res.PublicInfo)
	if res.Notice != nil {
		printRotationNotice(res.Notice)
	}
	return nil
}

func runKeyringUnlock(cmd *cobra.Command, args []string) error {
	passphrase, err := passphraseFromConfig("passphrase")
	if err != nil {
		return err
	}
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	h, err := k.Unlock(cmd.Context(), passphrase)
	if err != nil {
		return err
	}
	defer h.Close()

	fmt.Println("Keyring unlocked.")
	fmt.Printf("Fingerprint:       %s\n", h.Fingerprint())
	fmt.Printf("Handle expires:    %s\n", h.ExpiresAt().Format(time.RFC3339))
	fmt.Printf("Memory protection: %s\n", k.MemoryProtection())
	return nil
}

func runKeyringRotate(cmd *cobra.Command, args []string) error {
	current, err := passphraseFromConfig("passphrase")
	if err != nil {
		return err
	}
	next, err := passphraseFromConfig("new_passphrase")
	if err != nil {
		return err
	}
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	info, notice, err := k.Rotate(cmd.Context(), current, next)
	if err != nil {
		return err
	}
	defer notice.Previous.Close()

	fmt.Println("Keyring rotated.")
	printPublicInfo(info)
	printRotationNotice(notice)

	if !rewrapRecords {
		return nil
	}
	moved, err := rewrapStoredRecords(cmd.Context(), notice.Previous, info)
	if err != nil {
		return fmt.Errorf("keyring rotated but re-wrapping failed after %d records: %w", moved, err)
	}
	fmt.Printf("Re-wrapped %d records to %s\n", moved, info.Fingerprint)
	return nil
}

// rewrapStoredRecords moves the owner's records from the previous key to info. Only the
// envelope rows change; blobs are untouched.
func rewrapStoredRecords(ctx context.Context, previous *custody.PrivateKeyHandle, info *custody.PublicInfo) (int, error) {
	s, err := openSession(ctx, true)
	if err != nil {
		return 0, err
	}
	defer s.close(ctx)

	pipeline, err := custody.NewPipeline(custody.WithLogger(log))
	if err != nil {
		return 0, err
	}
	rows, err := s.records.List(ctx, audit.NormalizeActorRef(actorRef()))
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	moved := 0
	for _, row := range rows {
		if row.KeyFingerprint != previous.Fingerprint() {
			continue
		}
		rec, err := custody.RecordFromEnvelope(row.Envelope, nil)
		if err != nil {
			return moved, err
		}
		rewrapped, err := pipeline.Rewrap(rec, previous, info)
		if err != nil {
			return moved, fmt.Errorf("record %s: %w", row.ID, err)
		}
		if row.Envelope, err = rewrapped.Envelope(); err != nil {
			return moved, err
		}
		row.KeyFingerprint = rewrapped.KeyFingerprint
		if err = s.records.Save(ctx, row); err != nil {
			return moved, fmt.Errorf("failed to save record %s: %w", row.ID, err)
		}
		moved++
	}
	return moved, nil
}

func runKeyringDestroy(cmd *cobra.Command, args []string) error {
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	info, err := k.PublicInfo(cmd.Context())
	if err != nil {
		return err
	}
	if info == nil {
		return custody.ErrNoKeyring
	}

	if !forceDestroy {
		fmt.Printf("WARNING: This will permanently destroy keyring %s (profile %s)\n", info.Fingerprint, viper.GetString("keyring.profile"))
		fmt.Printf("Records whose content keys are wrapped to it become unrecoverable.\n")
		fmt.Print("Are you absolutely sure? Type 'DESTROY' to confirm: ")

		var confirmation string
		_, _ = fmt.Scanln(&confirmation)
		if confirmation != "DESTROY" {
			fmt.Println("Keyring destruction cancelled.")
			return nil
		}
	}

	if err = k.Destroy(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("Keyring %s has been permanently destroyed.\n", info.Fingerprint)
	return nil
}

func runKeyringInfo(cmd *cobra.Command, args []string) error {
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	info, err := k.PublicInfo(cmd.Context())
	if err != nil {
		return err
	}
	if info == nil {
		return custody.ErrNoKeyring
	}
	if jsonOutput {
		return printJSON(info)
	}
	printPublicInfo(info)
	return nil
}

func printPublicInfo(info *custody.PublicInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Fingerprint:\t%s\n", info.Fingerprint)
	fmt.Fprintf(w, "Created:\t%s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "KDF:\t%s (%d iterations)\n", info.KDF.Algorithm, info.KDF.Iterations)
	fmt.Fprintf(w, "Cipher:\t%s\n", info.Cipher)
	fmt.Fprintf(w, "Store:\t%s\n", viper.GetString("keyring.store_type"))
}

func printRotationNotice(notice *custody.RotationNotice) {
	fmt.Println()
	fmt.Println(strings.Repeat("!", 60))
	fmt.Println(notice.Message)
	fmt.Println(strings.Repeat("!", 60))
}
