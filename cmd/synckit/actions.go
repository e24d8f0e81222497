package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rosewoodhq/synckit/internal/action"
	"github.com/rosewoodhq/synckit/internal/ui"
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect and manage queued actions",
}

var actionsListStatus string

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Long: `List actions in the local queue.

By default shows actions needing attention (conflicted and failed).
Use --status to list a specific state, or --status all for everything.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, rt := mustOpen(cmd)
		defer rt.close()

		var statuses []action.Status
		switch actionsListStatus {
		case "", "review":
			statuses = []action.Status{action.StatusConflicted, action.StatusFailed}
		case "all":
			statuses = []action.Status{action.StatusPending, action.StatusSyncing,
				action.StatusSynced, action.StatusConflicted, action.StatusFailed}
		default:
			st := action.Status(actionsListStatus)
			if !st.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", actionsListStatus)
				os.Exit(1)
			}
			statuses = []action.Status{st}
		}

		total := 0
		for _, st := range statuses {
			list, err := rt.queue.ListByStatus(ctx, st)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing actions: %v\n", err)
				os.Exit(1)
			}
			for _, a := range list {
				printAction(a)
				total++
			}
		}

		if total == 0 {
			fmt.Printf("%s No matching actions\n", ui.RenderPass("✓"))
		}
	},
}

var actionsRetryCmd = &cobra.Command{
	Use:   "retry <action-id>",
	Short: "Requeue a conflicted action against the current server version",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, rt := mustOpen(cmd)
		defer rt.close()

		if err := rt.coord.Requeue(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Requeued %s\n", ui.RenderPass("✓"), args[0])
	},
}

var actionsDiscardCmd = &cobra.Command{
	Use:   "discard <action-id>",
	Short: "Discard a conflicted or failed action",
	Long: `Permanently discard an action after review.

Only conflicted and failed actions can be discarded; live queue state
must run to a terminal state first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, rt := mustOpen(cmd)
		defer rt.close()

		if err := rt.coord.Discard(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Discarded %s\n", ui.RenderPass("✓"), args[0])
	},
}

var actionsCancelCmd = &cobra.Command{
	Use:   "cancel <action-id>",
	Short: "Cancel a pending action before it is attempted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, rt := mustOpen(cmd)
		defer rt.close()

		if err := rt.coord.Cancel(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cancelled %s\n", ui.RenderPass("✓"), args[0])
	},
}

var actionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove synced actions from the local queue",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, rt := mustOpen(cmd)
		defer rt.close()

		n, err := rt.queue.Prune(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Pruned %d synced actions\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	actionsListCmd.Flags().StringVar(&actionsListStatus, "status", "", "filter by status (pending, syncing, synced, conflicted, failed, all)")
	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsRetryCmd)
	actionsCmd.AddCommand(actionsDiscardCmd)
	actionsCmd.AddCommand(actionsCancelCmd)
	actionsCmd.AddCommand(actionsPruneCmd)
}

// mustOpen wires the runtime or exits.
func mustOpen(cmd *cobra.Command) (context.Context, *runtime) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := log.New(os.Stderr, "[actions] ", 0)
	rt, err := openRuntime(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return ctx, rt
}

func printAction(a *action.QueuedAction) {
	marker := ui.RenderDim("·")
	switch a.Status {
	case action.StatusSynced:
		marker = ui.RenderPass("✓")
	case action.StatusConflicted:
		marker = ui.RenderWarn("⚠")
	case action.StatusFailed:
		marker = ui.RenderFail("✗")
	}

	fmt.Printf("%s %s  %-10s %s %s/%s (v%d, captured %s)\n",
		marker, a.ID, a.Status, a.Op, a.EntityType, a.EntityID,
		a.ClientVersion, a.CapturedAt.Local().Format(time.RFC822))

	if a.LastError != "" {
		fmt.Printf("    %s %s\n", ui.RenderDim("last error:"), a.LastError)
	}
	if a.RetryCount > 0 {
		fmt.Printf("    %s %d\n", ui.RenderDim("attempts:"), a.RetryCount)
	}
}
