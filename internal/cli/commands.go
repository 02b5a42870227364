package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"aipilot/internal/arena/app"
	"aipilot/internal/arena/scheduler"
	"aipilot/internal/arena/service"

	"github.com/spf13/cobra"
)

// NewFightCommand runs a manual match and packages its replay.
func NewFightCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fight <pilot-a> <pilot-b>",
		Short: "Run a manual match between two pilots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArena(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if a.Fight == nil {
					return errors.New("fight needs converter.tool to be configured")
				}
				out, err := a.Fight.Run(ctx, args[0], args[1])
				if err != nil {
					if out != nil && out.Execution != nil && out.Execution.LogPath != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "match log: %s\n", out.Execution.LogPath)
					}
					return err
				}
				return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) { printFight(w, out) })
			})
		},
	}
}

func printFight(w io.Writer, out *service.FightOutcome) {
	winner := string(out.Execution.Result.Winner)
	if out.Winner != nil {
		winner = out.Winner.Name
	}
	fmt.Fprintf(w, "%s winner: %s\n", out.Execution.NormalizedName, winner)
	if out.ReplayPath != "" {
		fmt.Fprintf(w, "replay: %s\n", out.ReplayPath)
	} else {
		fmt.Fprintln(w, "replay: unavailable")
	}
	fmt.Fprintf(w, "bundle: %s\n", out.BundlePath)
}

// NewStatsCommand prints win and loss statistics.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <pilot>",
		Short: "Show pilot statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArena(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				st, err := a.Stats.PilotStats(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
					fmt.Fprintf(w, "%s v%d: %d wins, %d losses (%.1f%%)\n", st.Name, st.CurrentVersion, st.Wins, st.Losses, st.WinRate*100)
					fmt.Fprintf(w, "current version: %d wins, %d losses, %d failures", st.CurrentWins, st.CurrentLosses, st.FailCount)
					if st.Disabled {
						fmt.Fprint(w, " (disabled)")
					}
					fmt.Fprintln(w)
					for _, o := range st.Opponents {
						fmt.Fprintf(w, "  vs %s: %d-%d\n", o.Name, o.Wins, o.Losses)
					}
				})
			})
		},
	}
}

type pairView struct {
	Found  bool   `json:"found"`
	PilotA string `json:"pilotA,omitempty"`
	PilotB string `json:"pilotB,omitempty"`
}

// NewNextPairCommand shows what the scheduler would run next without running it.
func NewNextPairCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "next-pair",
		Short: "Show the next scheduled pairing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArena(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				pa, pb, ok, err := a.Selector.SelectNextPair(ctx)
				if err != nil {
					return err
				}
				view := pairView{Found: ok}
				if ok {
					view.PilotA, view.PilotB = pa.Name, pb.Name
				}
				return emit(cmd.OutOrStdout(), opts, view, func(w io.Writer) {
					if !ok {
						fmt.Fprintln(w, "no pair needs a match")
						return
					}
					fmt.Fprintf(w, "%s vs %s\n", pa.Name, pb.Name)
				})
			})
		},
	}
}

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Owner string
	File  string
}

// NewRegisterCommand imports a pilot bundle as a new version.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register <pilot>",
		Short: "Register a new pilot version from a zip bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArena(cmd.Context(), opts.RootOptions, func(ctx context.Context, a *app.App) error {
				res, err := a.Registry.ImportArtifact(ctx, args[0], opts.Owner, opts.File)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.RootOptions, res, func(w io.Writer) {
					verb := "updated"
					if res.Created {
						verb = "created"
					}
					fmt.Fprintf(w, "%s %s version %d (artifact %s)\n", verb, res.Pilot.Name, res.Version.Version, res.Version.ArtifactID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id of the pilot (required)")
	cmd.Flags().StringVar(&opts.File, "file", "", "path to the pilot zip bundle (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewRunLoopCommand runs scheduled matches until every pair is covered.
func NewRunLoopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-loop",
		Short: "Run scheduled matches until no pairing is left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withArena(ctx, opts, func(ctx context.Context, a *app.App) error {
				a.Loop.Start()
				done := make(chan struct{})
				go func() {
					a.Loop.Wait()
					close(done)
				}()
				select {
				case <-done:
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
					defer cancel()
					a.Shutdown(shutdownCtx)
				}
				st := a.Loop.Stats()
				return emit(cmd.OutOrStdout(), opts, st, func(w io.Writer) { printLoopStats(w, st) })
			})
		},
	}
}

func printLoopStats(w io.Writer, st scheduler.Stats) {
	fmt.Fprintf(w, "passes: %d, persisted: %d, failed: %d\n", st.Passes, st.Persisted, st.Failed)
}
