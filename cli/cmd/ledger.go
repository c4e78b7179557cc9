package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/custody/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Talk to the audit ledger",
}

var ledgerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory development ledger node",
	Long: `Run a development ledger node that keeps its chain in memory and answers the JSON-RPC
methods the ledger client uses. Point ledger.endpoint at it to exercise the full trail locally.`,
	Args: cobra.NoArgs,
	RunE: runLedgerServe,
}

var ledgerAccessCmd = &cobra.Command{
	Use:   "access <record-ref> <grantee>",
	Short: "Ask the ledger whether a grantee may read a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerAccess,
}

var ledgerListenAddr string

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerServeCmd)
	ledgerCmd.AddCommand(ledgerAccessCmd)

	ledgerServeCmd.Flags().StringVar(&ledgerListenAddr, "listen", "127.0.0.1:8545", "address to listen on")
	ledgerAccessCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runLedgerServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ledgerListenAddr,
		Handler:           ledger.NewHandler(ledger.NewMemory(), log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", ledgerListenAddr).Info("development ledger listening")
		errCh <- srv.ListenAndServe()
	}()
	fmt.Printf("Development ledger listening on http://%s\n", ledgerListenAddr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ledger server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runLedgerAccess(cmd *cobra.Command, args []string) error {
	client, err := openLedger()
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("ledger.endpoint is not configured")
	}

	access, err := client.AccessInfo(cmd.Context(), actorRef(), args[1], args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(access)
	}
	if !access.HasAccess {
		fmt.Printf("%s has no access to %s\n", args[1], args[0])
		return nil
	}
	expires := "never"
	if access.Expiry != nil {
		expires = access.Expiry.Format(time.RFC3339)
	}
	fmt.Printf("%s has access to %s (expires %s)\n", args[1], args[0], expires)
	return nil
}
