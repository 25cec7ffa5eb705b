// Package cmd defines and implements the CLI commands for the scraperd
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/scraper-runtime/internal/config"
	"github.com/JakeFAU/scraper-runtime/internal/server"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scraperd",
		Short: "Runs scraper plugins on Lua, Wasm, and headless backends.",
		Long: `scraperd loads scraper plugins from a directory, binds each one to a
Lua, Wasm, or headless browser backend, and runs their operations either
one-shot from the command line or through a prioritized retry queue behind
an ops HTTP API.`,
		SilenceUsage: true,

		// Config is loaded once, after flags parse and before any RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml); SCRAPER_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPluginsCmd())
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// openApp builds the runtime for one-shot commands. They never serve
// /metrics, so their collectors go to a private registry.
func openApp(cmd *cobra.Command) (*server.App, error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	// One-shot commands do not watch or serve.
	cfg.Plugins.Watch = false
	app, err := server.Build(cmd.Context(), cfg, server.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}
