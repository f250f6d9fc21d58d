package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/spf13/cobra"

	"github.com/rcourtman/tiergate/internal/config"
	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

func newFeaturesCmd(load appLoader) *cobra.Command {
	var match string
	var watch bool
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Show what each plan includes",
		Example: `  tiergate features
  tiergate features --match 'ai_*'

  # Reprint whenever TIERGATE_QUOTA_FILE changes
  tiergate features --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if err := printPlanTable(out, a.engine.Table(), match); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			if a.cfg.QuotaFile == "" {
				return fmt.Errorf("--watch requires TIERGATE_QUOTA_FILE")
			}

			watcher, err := config.NewQuotaWatcher(a.cfg.QuotaFile, logging.Component("quota"), func(table licensing.QuotaTable) {
				if err := a.engine.SetTable(table); err != nil {
					a.logger.Error().Err(err).Msg("Rejected reloaded quota table")
					return
				}
				fmt.Fprintln(out)
				_ = printPlanTable(out, a.engine.Table(), match)
			})
			if err != nil {
				return fmt.Errorf("watch quota file: %w", err)
			}
			if err := watcher.Start(); err != nil {
				watcher.Stop()
				return fmt.Errorf("watch quota file: %w", err)
			}
			defer watcher.Stop()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigChan)
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case sig := <-sigChan:
					if sig == syscall.SIGHUP {
						watcher.Reload()
						continue
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&match, "match", "", "only show features matching a wildcard pattern, e.g. 'ai_*'")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and reprint when the quota file changes")
	return cmd
}

func printPlanTable(out io.Writer, table licensing.QuotaTable, match string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprint(w, "FEATURE")
	for _, tier := range licensing.OrderedTiers {
		fmt.Fprintf(w, "\t%s ¥%d", licensing.TierDisplayName(tier), licensing.TierMonthlyPriceJPY[tier])
	}
	fmt.Fprintln(w)

	shown := 0
	for _, feature := range licensing.AllFeatures {
		if match != "" && !wildcard.Match(match, string(feature)) {
			continue
		}
		shown++
		fmt.Fprint(w, licensing.FeatureDisplayName(feature))
		for _, tier := range licensing.OrderedTiers {
			limit, _ := table.Lookup(tier, feature)
			fmt.Fprintf(w, "\t%s", limitLabel(feature, limit))
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintf(out, "no features match %q\n", match)
	}
	return nil
}

func limitLabel(feature licensing.Feature, limit licensing.Limit) string {
	switch limit.Kind {
	case licensing.KindUnlimited:
		return "unlimited"
	case licensing.KindCapability:
		return yesNo(limit.Enabled)
	case licensing.KindCount:
		if feature == licensing.FeatureSearchHistoryRetention {
			return fmt.Sprintf("%d days", limit.Count)
		}
		return fmt.Sprintf("%d / period", limit.Count)
	default:
		return "-"
	}
}
