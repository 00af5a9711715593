package main

import (
	"fmt"
	"sort"

	"github.com/md-rashed-zaman/eventorder/libs/runtime"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one buffer sweep pass and print the events applied per aggregate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)

			b, err := openBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.close()

			sweeper := ordering.NewSweeper(b.store, b.applier(cfg, logger), logger, ordering.SweeperConfig{})
			counts, sweepErr := sweeper.SweepOnce(cmd.Context())

			ids := make([]string, 0, len(counts))
			for id := range counts {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintf(out, "%s\t%d\n", id, counts[id])
			}
			if len(ids) == 0 {
				fmt.Fprintln(out, "no buffered aggregates")
			}
			return sweepErr
		},
	}
}
