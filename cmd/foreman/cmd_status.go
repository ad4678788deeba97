package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"foreman/pkg/config"
	"foreman/pkg/coordinator"
	"foreman/pkg/events"
)

// newStatusCmd creates the "foreman status" subcommand: per-workspace entity
// counts and recent audit events.
func newStatusCmd() *cobra.Command {
	var (
		configPath string
		eventLimit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspaces, entity counts, and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := cmd.Context()
			coord := coordinator.New(db, coordinator.Config{MaxSpawnDepth: cfg.MaxSpawnDepth})

			wss, err := coord.ListWorkspaces(ctx)
			if err != nil {
				return err
			}
			if len(wss) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workspaces")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, ws := range wss {
				state := "open"
				if ws.ClosedAt != nil {
					state = "closed"
				}
				fmt.Fprintf(out, "workspace %s (%s, %s)\n", ws.ID, ws.Name, state)

				for _, table := range []string{"agents", "beads", "messages", "merge_requests"} {
					n, err := countRows(ctx, db, table, ws.ID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "  %-15s %d\n", table, n)
				}

				evs, err := coord.Events.Query(ctx, ws.ID, events.QueryOpts{Limit: eventLimit})
				if err != nil {
					return err
				}
				for _, ev := range evs {
					fmt.Fprintf(out, "  %s  %-22s %s %s\n",
						ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type, ev.Source, ev.EntityID)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "foreman.toml", "config file to load")
	cmd.Flags().IntVar(&eventLimit, "events", 10, "recent audit events to show per workspace")
	return cmd
}

func countRows(ctx context.Context, db *sql.DB, table, workspaceID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE workspace_id=?`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
