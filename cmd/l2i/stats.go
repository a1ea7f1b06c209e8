package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/takaaki-s/l2i/internal/store"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := storePaths()
			if err != nil {
				return err
			}

			stats, err := store.OpenStatsStore(paths.StatsDB())
			if err != nil {
				return err
			}
			defer stats.Close()

			summary, err := stats.Summary()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sessions:   %d\n", summary.Sessions)
			fmt.Fprintf(out, "Total time: %s\n", summary.TotalTime)
			if !summary.LastStarted.IsZero() {
				fmt.Fprintf(out, "Last run:   %s\n", summary.LastStarted.Local().Format(time.RFC1123))
			}
			printCounts(cmd, "Tunnels by provider:", summary.ByProvider)
			printCounts(cmd, "Sessions by backend:", summary.ByBackend)
			return nil
		},
	}
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-11s %d\n", k, counts[k])
	}
}
