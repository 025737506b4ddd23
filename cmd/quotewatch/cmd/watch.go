package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quotewatch/quotewatch/internal/progress"
	"github.com/quotewatch/quotewatch/internal/tracker"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor the active batch for supplier replies",
	Long: `Recovers the most recent batch from disk and polls the mailbox until
every RFQ is answered and filed, the watch budget runs out, or the watch
is interrupted. Progress is printed as counts change; interrupting keeps
the last snapshot so a later watch resumes from it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		gw, err := newGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		tr := newTracker(gw, store)
		report, h, err := tr.Recover()
		if err != nil {
			return err
		}
		if msg := report.Message(); msg != "" {
			fmt.Println(msg)
		}
		if h == nil {
			return fmt.Errorf("no recent batch to watch; run 'quotewatch send' first")
		}

		return runWatch(ctx, tr, h)
	},
}

// runWatch monitors until the poller reaches a terminal state or the
// context is cancelled. Cancellation retains the last snapshot.
func runWatch(ctx context.Context, tr *tracker.Tracker, h *tracker.Handle) error {
	err := tr.StartMonitoring(ctx, h, func(s progress.Snapshot) {
		fmt.Printf("sent %d  scheduled %d  received %d  filed %d\n",
			s.SentCount, s.ScheduledCount, s.ReceivedCount, s.FiledCount)
	})
	if err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}

	if err := tr.Wait(ctx); err != nil {
		// Interrupted: stop the poller cleanly and keep what we learned.
		if cerr := tr.CancelMonitoring(h); cerr != nil {
			logger.Warn("cancel monitoring", "error", cerr)
		}
		fmt.Println("watch interrupted; progress saved")
		return err
	}

	snap := tr.Snapshot()
	state := tr.PollerState()
	fmt.Printf("watch %s: %d sent, %d received, %d filed\n",
		state, snap.SentCount, snap.ReceivedCount, snap.FiledCount)
	return nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
