package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"southwinds.dev/custody"
	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/internal/crypto"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Encrypt, decrypt and verify records",
}

var recordEncryptCmd = &cobra.Command{
	Use:   "encrypt <file>",
	Short: "Encrypt a file into a record",
	Long: `Encrypt a file under a fresh per-record key. In passphrase mode the key is derived from the
passphrase; in owner mode a random content key is wrapped to the keyring's public key.
The ciphertext and its envelope are written to --out, and with --commit the record is stored
and anchored on the ledger.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordEncrypt,
}

var recordDecryptCmd = &cobra.Command{
	Use:   "decrypt <envelope>",
	Short: "Decrypt a record",
	Long: `Decrypt a record from its envelope file and ciphertext, or from the record store with --id.
Owner-wrapped records are opened by unlocking the keyring.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecordDecrypt,
}

var recordVerifyCmd = &cobra.Command{
	Use:   "verify <envelope>",
	Short: "Check a record's ciphertext against its integrity hash",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRecordVerify,
}

var (
	recordMode       string
	recordOutDir     string
	recordCommit     bool
	recordCiphertext string
	recordID         string
	recordOutFile    string
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.AddCommand(recordEncryptCmd)
	recordCmd.AddCommand(recordDecryptCmd)
	recordCmd.AddCommand(recordVerifyCmd)

	recordEncryptCmd.Flags().StringVar(&recordMode, "mode", "owner", "key custody (owner, passphrase)")
	registerCompletion(recordEncryptCmd, "mode", "owner", "passphrase")
	recordEncryptCmd.Flags().StringVarP(&recordOutDir, "out", "o", ".", "directory for the ciphertext and envelope")
	recordEncryptCmd.Flags().BoolVar(&recordCommit, "commit", false, "store the record and anchor it on the ledger")

	for _, c := range []*cobra.Command{recordDecryptCmd, recordVerifyCmd} {
		c.Flags().StringVar(&recordCiphertext, "ciphertext", "", "ciphertext file (default <envelope>.enc)")
		c.Flags().StringVar(&recordID, "id", "", "load the record from the record store")
	}
	recordDecryptCmd.Flags().StringVarP(&recordOutFile, "out", "o", "", "plaintext output file (default stdout)")
}

func runRecordEncrypt(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	rec, err := encryptRecord(ctx, data, filepath.Base(args[0]))
	if err != nil {
		return err
	}

	envelopePath, err := writeRecordFiles(rec, recordOutDir)
	if err != nil {
		return err
	}
	fmt.Printf("Record:         %s\n", rec.ID)
	fmt.Printf("Custody:        %s\n", rec.Custody)
	fmt.Printf("Integrity hash: %s\n", rec.IntegrityHash)
	fmt.Printf("Envelope:       %s\n", envelopePath)

	if !recordCommit {
		return nil
	}
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	receipt, err := s.committer.Commit(ctx, rec, actorRef())
	if err != nil {
		return err
	}
	fmt.Printf("Blob:           %s\n", receipt.BlobURL)
	printAuditReceipt(&receipt.AuditReceipt)
	return nil
}

func encryptRecord(ctx context.Context, data []byte, filename string) (*custody.EncryptedRecord, error) {
	switch recordMode {
	case "passphrase":
		passphrase, err := passphraseFromConfig("passphrase")
		if err != nil {
			return nil, err
		}
		pipeline, err := newPipeline()
		if err != nil {
			return nil, err
		}
		return pipeline.EncryptRecord(data, filename, custody.Passphrase(passphrase))

	case "owner":
		k, err := openKeyring()
		if err != nil {
			return nil, err
		}
		defer k.Close()
		info, err := k.PublicInfo(ctx)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, custody.ErrNoKeyring
		}
		pipeline, err := newPipeline(custody.WithRecipient(info))
		if err != nil {
			return nil, err
		}
		ck, err := custody.NewContentKey()
		if err != nil {
			return nil, err
		}
		return pipeline.EncryptRecord(data, filename, ck)

	default:
		return nil, fmt.Errorf("unsupported mode: %s (owner, passphrase)", recordMode)
	}
}

func newPipeline(options ...custody.PipelineOption) (*custody.Pipeline, error) {
	opts, err := keyringOptions()
	if err != nil {
		return nil, err
	}
	options = append([]custody.PipelineOption{
		custody.WithKDF(opts.KDF),
		custody.WithCipherSuite(opts.Cipher),
		custody.WithLogger(log),
	}, options...)
	return custody.NewPipeline(options...)
}

// writeRecordFiles writes <dir>/<id>.enc and <dir>/<id>.json and returns the envelope path
func writeRecordFiles(rec *custody.EncryptedRecord, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	envelope, err := rec.Envelope()
	if err != nil {
		return "", err
	}
	base := filepath.Join(dir, rec.ID)
	if err = os.WriteFile(base+".enc", rec.Ciphertext, 0600); err != nil {
		return "", fmt.Errorf("failed to write ciphertext: %w", err)
	}
	if err = os.WriteFile(base+".json", envelope, 0600); err != nil {
		return "", fmt.Errorf("failed to write envelope: %w", err)
	}
	return base + ".json", nil
}

// loadRecord reads a record from --id or from an envelope file and its ciphertext
func loadRecord(ctx context.Context, args []string, s *session) (*custody.EncryptedRecord, error) {
	if recordID != "" {
		if s == nil || s.committer.Records == nil {
			return nil, errors.New("record store is not configured")
		}
		return s.committer.Load(ctx, recordID)
	}
	if len(args) == 0 {
		return nil, errors.New("an envelope file or --id is required")
	}

	envelope, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	ciphertextPath := recordCiphertext
	if ciphertextPath == "" {
		ciphertextPath = trimExt(args[0]) + ".enc"
	}
	ciphertext, err := os.ReadFile(ciphertextPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ciphertext: %w", err)
	}
	return custody.RecordFromEnvelope(envelope, ciphertext)
}

func runRecordDecrypt(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, recordID != "")
	if err != nil {
		return err
	}
	defer s.close(ctx)

	rec, err := loadRecord(ctx, args, s)
	if err != nil {
		return err
	}
	passphrase, err := passphraseFromConfig("passphrase")
	if err != nil {
		return err
	}
	pipeline, err := newPipeline()
	if err != nil {
		return err
	}

	var cred custody.Credential = custody.Passphrase(passphrase)
	if rec.Custody == custody.CustodyOwnerWrapped {
		k, err := openKeyring()
		if err != nil {
			return err
		}
		defer k.Close()
		h, err := k.Unlock(ctx, passphrase)
		if err != nil {
			return err
		}
		defer h.Close()
		cred = h
	}

	plaintext, err := pipeline.DecryptRecord(rec, cred)
	if err != nil {
		return err
	}

	if recordOutFile == "" {
		_, err = os.Stdout.Write(plaintext)
	} else {
		err = os.WriteFile(recordOutFile, plaintext, 0600)
	}
	if err != nil {
		return fmt.Errorf("failed to write plaintext: %w", err)
	}

	if s.committer.Ledger != nil || s.committer.Logs != nil {
		actor := actorRef()
		receipt, err := s.committer.Emit(ctx, audit.ActionDownload, custody.AccessEvent{
			RecordRef: rec.IntegrityHash,
			RecordID:  rec.ID,
			Actor:     actor,
			Owner:     actor,
			Note:      rec.OriginalFilename,
		})
		if err != nil {
			log.WithError(err).Warn("download was not recorded in the audit trail")
		} else if recordOutFile != "" {
			printAuditReceipt(receipt)
		}
	}
	return nil
}

func runRecordVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var s *session
	if recordID != "" {
		var err error
		if s, err = openSession(ctx, true); err != nil {
			return err
		}
		defer s.close(ctx)
	}

	rec, err := loadRecord(ctx, args, s)
	if err != nil {
		return err
	}
	if err = custody.VerifyIntegrity(rec); err != nil {
		return err
	}
	fmt.Printf("Record %s is intact (%s)\n", rec.ID, crypto.CalculateChecksum(rec.Ciphertext))
	return nil
}

func printAuditReceipt(r *custody.AuditReceipt) {
	if r.Transaction != nil {
		fmt.Printf("Ledger tx:      %s (block %d)\n", r.Transaction.TxHash, r.Transaction.BlockNumber)
	} else if r.LedgerError != nil {
		fmt.Printf("Ledger:         not anchored (%s)\n", custody.UserMessage(r.LedgerError))
	}
	if r.LogID != "" {
		fmt.Printf("Log entry:      %s\n", r.LogID)
	} else if r.LogError != nil {
		fmt.Printf("Log:            not recorded (%v)\n", r.LogError)
	}
}

func trimExt(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}

