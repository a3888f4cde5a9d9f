package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

func newScrapeCmd() *cobra.Command {
	var (
		url           string
		includeParams bool
		timing        string
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Captures a single URL and prints the stored artifact keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker.ParseTiming(timing)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app App) error {
				completion, err := app.ScrapeURL(ctx, url, includeParams, t)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), completion); err != nil {
					return err
				}
				if !completion.Success {
					return fmt.Errorf("scrape %s failed: %s", completion.URL, completion.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "URL to capture")
	cmd.Flags().BoolVar(&includeParams, "include-params", false, "keep query parameters in the link identity")
	cmd.Flags().StringVar(&timing, "timing", string(tracker.TimingOnDemand), "timing tier used in the object keys")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
