package main

import (
	"context"

	"github.com/spf13/cobra"

	spiralmcp "github.com/rendis/spiral/pkg/mcp"
)

func registerMCPCommand(root *cobra.Command, c *cli) {
	var owner bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serveMCP(cmd.Context(), owner)
		},
	}
	cmd.Flags().BoolVar(&owner, "owner", false,
		"recover interrupted runs and deliveries and run the scheduler; only when no spiral serve shares the database")
	root.AddCommand(cmd)
}

func (c *cli) serveMCP(ctx context.Context, owner bool) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()
	if err := rt.start(ctx, startOptions{recover: owner, scheduler: owner}); err != nil {
		return err
	}

	srv := spiralmcp.NewSpiralServer(spiralmcp.SpiralServerDeps{
		Engine:   rt.engine,
		Webhooks: rt.webhooks,
		Logger:   c.logger,
	})
	rt.engine.Subscribe(srv.Notifier().Observe)

	c.logger.Info("spiral mcp server ready")
	err = srv.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

