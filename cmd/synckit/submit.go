package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rosewoodhq/synckit/internal/action"
	"github.com/rosewoodhq/synckit/internal/ui"
)

var (
	submitOp      string
	submitVersion uint64
	submitPayload string
)

var submitCmd = &cobra.Command{
	Use:   "submit <entity-type> <entity-id>",
	Short: "Queue an action for later sync",
	Long: `Capture a mutation into the durable local queue.

Submission always succeeds, online or offline; the action is applied on
the next drain. The payload is opaque JSON passed through to the domain
apply endpoint.

Example:
  synckit submit medication-administration mar-42 \
      --op update --client-version 3 \
      --payload '{"dose_given":true,"given_at":"2026-08-28T09:00:00Z"}'`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, rt := mustOpen(cmd)
		defer rt.close()

		op := action.Operation(submitOp)
		if !op.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown operation %q (create, update, delete)\n", submitOp)
			os.Exit(1)
		}

		var payload json.RawMessage
		if submitPayload != "" {
			if !json.Valid([]byte(submitPayload)) {
				fmt.Fprintf(os.Stderr, "Error: payload is not valid JSON\n")
				os.Exit(1)
			}
			payload = json.RawMessage(submitPayload)
		}

		id, err := rt.coord.Submit(ctx, args[0], args[1], op, payload, submitVersion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued %s\n", ui.RenderPass("✓"), id)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitOp, "op", "update", "operation: create, update, or delete")
	submitCmd.Flags().Uint64Var(&submitVersion, "client-version", 0, "entity version the edit was made against")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "opaque JSON payload")
}
