package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sentinel/internal/display"
	mailsync "github.com/Martian-dev/inbox-sentinel/internal/sync"
)

var (
	syncTenant string
	jsonOutput bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long:  "Run one sync pass over every due integration, or over all of one tenant's integrations with --tenant.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var summary *mailsync.RunSummary
		if syncTenant != "" {
			summary, err = a.manager.RunTenant(ctx, syncTenant, mailsync.TriggerCLI)
		} else {
			summary, err = a.manager.RunDue(ctx, mailsync.TriggerCLI)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		display.Summary(os.Stdout, summary)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "only sync this tenant's integrations")
	syncCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the run summary as JSON")
}
