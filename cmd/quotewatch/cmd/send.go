package cmd

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	sendDraftsFile string
	sendThenWatch  bool
)

// draftsFile is the TOML manifest naming the prepared drafts to send.
//
//	[[draft]]
//	id = "r-8841"
//	key = "MAT-1001"
//	subject = "RFQ MAT-1001 carbon steel plate"
type draftsFile struct {
	Draft []draftEntry `toml:"draft"`
}

type draftEntry struct {
	ID      string `toml:"id"`
	Key     string `toml:"key"`
	Subject string `toml:"subject"`
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a batch of RFQ drafts",
	Long: `Starts a new batch from a drafts manifest and sends each draft through
the mail provider. Sends are paced; failed sends are counted and the batch
proceeds with the remainder. After the last send the reply baseline is
established so reconciliation can tell fresh replies from pre-existing mail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var manifest draftsFile
		if _, err := toml.DecodeFile(sendDraftsFile, &manifest); err != nil {
			return fmt.Errorf("read drafts manifest %s: %w", sendDraftsFile, err)
		}
		if len(manifest.Draft) == 0 {
			return fmt.Errorf("drafts manifest %s names no drafts", sendDraftsFile)
		}
		for i, d := range manifest.Draft {
			if d.ID == "" || d.Key == "" {
				return fmt.Errorf("draft %d in %s: id and key are required", i+1, sendDraftsFile)
			}
		}

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
		if report, _, err := tr.Recover(); err == nil {
			if msg := report.Message(); msg != "" {
				fmt.Println(msg)
			}
		}

		keys := make([]string, len(manifest.Draft))
		for i, d := range manifest.Draft {
			keys[i] = d.Key
		}

		h, err := tr.StartBatch(keys)
		if err != nil {
			return err
		}
		if err := tr.BeginSending(h, len(manifest.Draft)); err != nil {
			logger.Warn("write in-flight marker", "error", err)
		}

		// Outbound pacing is independent of the query rate bucket: drafts go
		// out slowly even while reconciliation queries run at full budget.
		limiter := rate.NewLimiter(rate.Limit(cfg.Provider.SendQPS), 1)

		sent, failed := 0, 0
		for _, d := range manifest.Draft {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			msg, err := gw.SendDraft(ctx, d.ID)
			if err != nil {
				failed++
				logger.Warn("send failed", "draft", d.ID, "key", d.Key, "error", err)
				if rerr := tr.RecordSendFailure(h); rerr != nil {
					return rerr
				}
				continue
			}

			sent++
			fmt.Printf("sent %s (%d/%d)\n", d.Key, sent, len(manifest.Draft))
			if err := tr.RecordSend(h, msg, d.Subject, d.Key); err != nil {
				return err
			}
		}

		if err := tr.FinishSending(h, len(manifest.Draft)); err != nil {
			logger.Warn("update in-flight marker", "error", err)
		}

		fmt.Printf("batch started: %d sent, %d failed\n", sent, failed)
		if sent == 0 {
			return fmt.Errorf("no drafts were sent")
		}

		if _, err := tr.EstablishBaseline(ctx, h); err != nil {
			return fmt.Errorf("establish baseline: %w", err)
		}

		if sendThenWatch {
			return runWatch(ctx, tr, h)
		}
		fmt.Println("run 'quotewatch watch' to monitor replies")
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendDraftsFile, "drafts", "", "TOML manifest of draft ids and correlation keys (required)")
	sendCmd.Flags().BoolVar(&sendThenWatch, "watch", false, "monitor replies immediately after sending")
	_ = sendCmd.MarkFlagRequired("drafts")
	rootCmd.AddCommand(sendCmd)
}
