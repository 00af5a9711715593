package main

import (
	"context"
	"fmt"
	"os"

	"github.com/md-rashed-zaman/eventorder/libs/runtime"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ordering-service",
		Short:         "Applies per-order events in sequence order regardless of delivery order",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return root
}

func main() {
	ctx, stop := runtime.SignalContext(context.Background())
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
