package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rosewoodhq/synckit/internal/ui"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue status",
	Long: `Display the current state of the local action queue.

Shows pending, failed, and conflicted counts plus the time of the last
successful sync. Use --format json or --format yaml for scripting.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		logger := log.New(os.Stderr, "[status] ", 0)
		rt, err := openRuntime(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.close()

		st, err := rt.coord.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		switch statusFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(st)
		case "yaml":
			_ = yaml.NewEncoder(os.Stdout).Encode(st)
		default:
			fmt.Printf("\n%s Sync queue status\n", ui.RenderAccent("●"))
			fmt.Printf("   Pending:    %d\n", st.PendingCount)
			fmt.Printf("   Failed:     %d\n", st.FailedCount)
			fmt.Printf("   Conflicted: %d\n", st.ConflictedCount)
			if st.LastSyncAt != nil {
				fmt.Printf("   Last sync:  %s\n", st.LastSyncAt.Local().Format(time.RFC1123))
			} else {
				fmt.Printf("   Last sync:  %s\n", ui.RenderDim("never"))
			}

			if st.FailedCount > 0 || st.ConflictedCount > 0 {
				fmt.Printf("\n%s %d actions need operator review\n",
					ui.RenderWarn("⚠"), st.FailedCount+st.ConflictedCount)
			} else if st.PendingCount == 0 {
				fmt.Printf("\n%s Queue fully synced\n", ui.RenderPass("✓"))
			}
			fmt.Println()
		}
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text, json, or yaml")
}
