package main

import (
	"github.com/spf13/cobra"
)

func registerMaintainCommand(root *cobra.Command, c *cli) {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Purge expired persisted values and optionally compact the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			purged, err := rt.db.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			if vacuum {
				if err := rt.db.Vacuum(ctx); err != nil {
					return err
				}
			}
			version, err := rt.db.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"purged_values":  purged,
				"vacuumed":       vacuum,
				"schema_version": version,
			})
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "run VACUUM after purging")
	root.AddCommand(cmd)
}
