package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/link-tracker/internal/scheduler"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

func newBatchCmd() *cobra.Command {
	var (
		timing string
		hash   string
		stale  bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Runs one batch in the foreground and prints its summary",
		Long: `Runs one batch immediately, without going through the job queue.
The batch covers every active link of the timing tier, a single link when
--hash is set, or only links without a recent capture when --stale is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker.ParseTiming(timing)
			if err != nil {
				return err
			}
			if _, err := scheduler.QueueForTiming(t); err != nil {
				return err
			}
			req := scheduler.BatchRequest{Timing: t, Hash: hash, Stale: stale}
			return withApp(cmd, func(ctx context.Context, app App) error {
				summary, err := app.RunBatch(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().StringVar(&timing, "timing", string(tracker.TimingDaily), "timing tier: DAILY, WEEKLY or MONTHLY")
	cmd.Flags().StringVar(&hash, "hash", "", "limit the batch to the link with this hash")
	cmd.Flags().BoolVar(&stale, "stale", false, "limit the batch to links without a recent capture")
	cmd.MarkFlagsMutuallyExclusive("hash", "stale")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
