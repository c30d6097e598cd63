package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

func registerTriggerCommand(root *cobra.Command, c *cli) {
	cmd := &cobra.Command{
		Use:   "trigger <workflow-id> [payload-json]",
		Short: "Run a workflow once in-process and print its run record",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return schema.ValidationError("payload must be a JSON object: %s", err.Error())
				}
			}
			byName, _ := cmd.Flags().GetBool("by-name")
			return c.trigger(cmd, args[0], payload, byName)
		},
	}
	cmd.Flags().Bool("by-name", false, "Treat the argument as a workflow name")
	root.AddCommand(cmd)
}

func (c *cli) trigger(cmd *cobra.Command, ref string, payload map[string]any, byName bool) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())
	if err := rt.start(ctx, startOptions{}); err != nil {
		return err
	}

	workflowID := ref
	if byName {
		wfs, err := rt.engine.Workflows(ctx, store.WorkflowFilter{})
		if err != nil {
			return err
		}
		workflowID = ""
		for _, wf := range wfs {
			if wf.Name == ref {
				workflowID = wf.ID
				break
			}
		}
		if workflowID == "" {
			return schema.NewErrorf(schema.ErrCodeNotFound, "workflow named %q not found", ref)
		}
	}

	rec, err := rt.engine.Execute(ctx, workflowID, payload)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
		return err
	}
	if rec.Status != schema.RunCompleted {
		return fmt.Errorf("run %s ended %s", rec.RunID, rec.Status)
	}
	return nil
}
