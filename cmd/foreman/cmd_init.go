package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"foreman/pkg/config"
)

// newInitCmd creates the "foreman init" subcommand: write the default config
// file and create the database with the schema applied.
func newInitCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				if !confirmOverwrite(cmd, configPath) {
					return fmt.Errorf("%s exists; rerun with --force to overwrite", configPath)
				}
			}

			cfg := config.Default()
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if err := config.Save(configPath, cfg); err != nil {
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

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, database at %s\n", configPath, cfg.DBPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "foreman.toml", "config file to write")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file without asking")
	return cmd
}

// confirmOverwrite asks on the terminal before clobbering an existing file.
// Non-interactive runs never overwrite implicitly.
func confirmOverwrite(cmd *cobra.Command, path string) bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s exists. Overwrite? [y/N] ", path)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
