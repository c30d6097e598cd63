package main

import (
	"github.com/spf13/cobra"
)

func registerDefineCommand(root *cobra.Command, c *cli) {
	root.AddCommand(&cobra.Command{
		Use:   "define <workflow.json>",
		Short: "Store a workflow definition, replacing one with the same id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := readWorkflow(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			out, err := rt.engine.Define(cmd.Context(), wf)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
}
