package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspects the plugin directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists every plugin that loads, with its bound backend",
		Args:  cobra.NoArgs,
		RunE:  runPluginsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "info <id>",
		Short: "Prints the metadata of one plugin",
		Args:  cobra.ExactArgs(1),
		RunE:  runPluginsInfo,
	})
	return cmd
}

func runPluginsList(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(cmd.Context())) //nolint:errcheck // Close never fails
	return writeJSON(cmd.OutOrStdout(), map[string]any{"plugins": app.Host().List()})
}

func runPluginsInfo(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(cmd.Context())) //nolint:errcheck // Close never fails
	info, err := app.Host().GetInfo(args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), info)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
