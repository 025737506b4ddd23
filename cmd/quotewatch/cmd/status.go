package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/quotewatch/quotewatch/internal/progress"
)

var (
	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Italic(true)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the four-stage progress of the most recent batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		// Status is a read-only view over persisted state; it never
		// touches the mail provider.
		tr := newTracker(nil, store)
		report, h, err := tr.Recover()
		if err != nil {
			return err
		}
		if msg := report.Message(); msg != "" {
			fmt.Println(bannerStyle.Render(msg))
		}
		if h == nil && !report.Stale {
			fmt.Println("no batch tracked; run 'quotewatch send' to start one")
			return nil
		}

		snap := report.Snapshot
		fmt.Println(renderStages(snap))
		return nil
	},
}

// renderStages draws the stage list with glyphs and per-stage counts.
func renderStages(snap progress.Snapshot) string {
	states := progress.States(snap)
	counts := [4]string{
		fmt.Sprintf("%d", snap.SentCount),
		fmt.Sprintf("%d", snap.ScheduledCount),
		fmt.Sprintf("%d/%d (%d%%)", snap.ReceivedCount, snap.SentCount,
			progress.Percent(snap.ReceivedCount, snap.SentCount)),
		fmt.Sprintf("%d/%d (%d%%)", snap.FiledCount, snap.SentCount,
			progress.Percent(snap.FiledCount, snap.SentCount)),
	}

	var b strings.Builder
	for i, state := range states {
		stage := progress.Stage(i)
		var line string
		switch state {
		case progress.Done:
			line = doneStyle.Render("✓ " + stage.String() + "  " + counts[i])
		case progress.Active:
			line = activeStyle.Render("◌ " + stage.String() + "  " + counts[i])
		default:
			line = pendingStyle.Render("· " + stage.String())
		}
		b.WriteString(line)
		if i < len(states)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
