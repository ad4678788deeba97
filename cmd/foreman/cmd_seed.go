package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"foreman/pkg/config"
	"foreman/pkg/coordinator"
	"foreman/pkg/manifest"
)

// newSeedCmd creates the "foreman seed" subcommand: apply a YAML workspace
// manifest (agent tree and bead backlog) to the database.
func newSeedCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "seed <manifest.yaml>",
		Short: "Apply a workspace seed manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := applySchema(db); err != nil {
				return err
			}

			coord := coordinator.New(db, coordinator.Config{MaxSpawnDepth: cfg.MaxSpawnDepth})
			ws, err := m.Apply(cmd.Context(), coord)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded workspace %s from %s\n", ws.ID, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "foreman.toml", "config file to load")
	return cmd
}
