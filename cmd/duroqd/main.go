// Command duroqd runs one engine instance as a standalone daemon,
// loading its configuration from a YAML file and hot-reloading it on
// change. Cobra wiring follows the same one-*cobra.Command-per-subcommand
// pattern as the rest of this CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/duroq/internal/config"
	"github.com/nextlevelbuilder/duroq/internal/engine"
	"github.com/nextlevelbuilder/duroq/internal/executor"
	"github.com/nextlevelbuilder/duroq/internal/registry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duroqd",
		Short: "Run a duroq job-processing engine instance",
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "duroq.yaml", "path to the engine config file")
	return cmd
}

// serve builds one engine instance from configPath, starts it, watches
// the file for changes, and blocks until SIGINT/SIGTERM. Workers are
// registered by the embedding application; a bare daemon run has none,
// so any inserted job whose worker isn't known is discarded.
func serve(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	workers := executor.Registry{}

	e, err := buildAndStart(ctx, cfg, workers)
	if err != nil {
		return err
	}
	reg.Register(cfg.Instance, e)

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("duroqd: config watcher: %w", err)
	}
	watcher.OnChange(func(newCfg *config.Config) {
		slog.Info("duroqd: reloading engine", "instance", newCfg.Instance)
		next, err := buildAndStart(ctx, newCfg, workers)
		if err != nil {
			slog.Error("duroqd: reload failed, keeping previous engine", "err", err)
			return
		}
		if old, ok := reg.Lookup(newCfg.Instance); ok {
			old.Stop()
		}
		reg.Register(newCfg.Instance, next)
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("duroqd: start config watcher: %w", err)
	}
	defer watcher.Stop()

	slog.Info("duroqd: running", "instance", cfg.Instance, "node", cfg.Node)
	<-ctx.Done()
	slog.Info("duroqd: shutting down")
	reg.StopAll()
	return nil
}

func buildAndStart(ctx context.Context, cfg *config.Config, workers executor.Registry) (*engine.Engine, error) {
	ecfg, err := cfg.ToEngineConfig()
	if err != nil {
		return nil, err
	}
	e, err := engine.New(ctx, ecfg, workers)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	return e, nil
}
