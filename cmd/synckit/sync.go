package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/rosewoodhq/synckit/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending action queue once",
	Long: `Drain all currently pending actions against the shared store.

Each action is applied in capture order: the entity lease is acquired,
the server version checked, and the domain apply endpoint called.
Conflicts go to the resolver; transient failures are retried on later
drains up to the configured maximum.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		rt, err := openRuntime(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.close()

		if err := rt.coord.Recover(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error recovering queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Draining queue...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		result, err := rt.coord.Drain(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during drain: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Drain complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		fmt.Printf("   Synced:     %d\n", result.Synced)
		fmt.Printf("   Deferred:   %d (leased elsewhere)\n", result.Skipped)
		fmt.Printf("   Retrying:   %d\n", result.Retried)
		fmt.Printf("   Conflicted: %d\n", result.Conflicted)
		fmt.Printf("   Failed:     %d\n", result.Failed)

		if result.Conflicted > 0 || result.Failed > 0 {
			fmt.Printf("\n%s Actions need review: run 'synckit actions list'\n", ui.RenderWarn("⚠"))
		}
	},
}
