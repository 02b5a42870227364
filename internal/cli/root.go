// Package cli implements the arena operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"aipilot/internal/arena/app"
	"aipilot/pkg/utils/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/arena.yaml"

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string
}

// NewRootCommand builds the arena-cli command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "arena-cli",
		Short: "Operate the AI pilot arena",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewFightCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewNextPairCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewRunLoopCommand(opts))

	return cmd
}

// withArena loads the config, builds the arena and closes it after fn returns.
func withArena(ctx context.Context, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := app.LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	// Command output owns stdout.
	if cfg.Logger.OutputPath == "" || cfg.Logger.OutputPath == "stdout" {
		cfg.Logger.OutputPath = "stderr"
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	// A registration wakes the loop; the long-running service picks the match up instead.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
		defer cancel()
		a.Shutdown(shutdownCtx)
	}()
	return fn(ctx, a)
}

// emit writes v as indented JSON, or calls text for the text format.
func emit(w io.Writer, opts *RootOptions, v interface{}, text func(w io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
