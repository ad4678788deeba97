package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foreman/pkg/config"
	"foreman/pkg/coordinator"
	"foreman/pkg/httpapi"
	"foreman/pkg/patrol"
)

// newServeCmd creates the "foreman serve" subcommand: run the HTTP API and
// the patrol loop until interrupted.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator API and health monitor",
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
			if err := applySchema(db); err != nil {
				return err
			}

			coord := coordinator.New(db, coordinator.Config{MaxSpawnDepth: cfg.MaxSpawnDepth})
			p := patrol.New(coord, patrolConfig(cfg))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go p.Run(ctx)
			go func() {
				// Tuning changes apply without a restart.
				if err := config.Watch(ctx, configPath, func(c config.Config) {
					p.Retune(patrolConfig(c))
					log.Printf("config reloaded from %s", configPath)
				}); err != nil {
					log.Printf("config watch disabled: %v", err)
				}
			}()

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           httpapi.NewServer(coord),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Printf("foreman listening on %s (db %s)", cfg.ListenAddr, cfg.DBPath)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "foreman.toml", "config file to load")
	return cmd
}

func patrolConfig(c config.Config) patrol.Config {
	return patrol.Config{
		Interval:           c.Patrol.Interval.Std(),
		LivenessWindow:     c.Patrol.LivenessWindow.Std(),
		EscalateAfter:      c.Patrol.EscalateAfter,
		EscalationCooldown: c.Patrol.EscalationCooldown.Std(),
		MergeStaleAfter:    c.Patrol.MergeStaleAfter.Std(),
		AgentName:          c.Patrol.AgentName,
	}
}
