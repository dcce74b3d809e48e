package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readaloud/internal/bootstrap"
	"readaloud/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "readaloud",
	Short: "Record read-aloud sentences for a speech corpus",
	Long: `readaloud records spoken renditions of a fixed sentence script and uploads
each clip to the corpus store.
- Identity: every recording is attributed to a contributor name (letters, digits, underscores).
- Record: one sentence at a time, up to the configured time limit, then submit, re-record or discard.
- Stats: global progress and your own recording count come from the store.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("READALOUD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: readaloud/config.yaml in the user config dir)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(contributorsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(recordCmd())
}

func withServices(cmd *cobra.Command, fn func(ctx context.Context, s bootstrap.Services, console *consoleSink) error) error {
	console := newConsoleSink(cmd.ErrOrStderr())
	services, err := bootstrap.Build(viper.GetString("config"), console)
	if err != nil {
		return err
	}
	defer func() { _ = services.Logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, services, console)
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the contributor name recordings are attributed to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s bootstrap.Services, _ *consoleSink) error {
				identity, ok := s.Identity.Current()
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"bound": ok, "identity": identity})
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no contributor identity set; run `readaloud identity set NAME`")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (since %s)\n", identity.Name, identity.BoundAt.Local().Format("2006-01-02 15:04"))
				return nil
			})
		},
	}
	cmd.AddCommand(identitySetCmd())
	return cmd
}

func identitySetCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Set or change the contributor name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s bootstrap.Services, _ *consoleSink) error {
				identity, err := claimIdentity(ctx, s, args[0], resume)
				if err != nil {
					var collision *domain.CollisionError
					if errors.As(err, &collision) {
						return fmt.Errorf("%w\nif this is you, rerun with --resume to continue as %q", err, collision.Existing.Name)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recording as %s\n", identity.Name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "continue as an existing contributor with the same name")
	return cmd
}

func claimIdentity(ctx context.Context, s bootstrap.Services, name string, resume bool) (domain.ContributorIdentity, error) {
	_, wasBound := s.Identity.Current()
	if wasBound {
		s.Identity.BeginEdit()
	}
	identity, err := s.Identity.Claim(ctx, name, resume)
	if err != nil {
		if wasBound {
			s.Identity.CancelEdit()
		}
		return domain.ContributorIdentity{}, err
	}
	return identity, nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show corpus progress and your recording count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s bootstrap.Services, _ *consoleSink) error {
				snapshot := s.Progress.Refresh(ctx)
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), snapshot)
				}
				renderStats(cmd.OutOrStdout(), snapshot)
				if snapshot.Stale {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: the store could not be reached; counters may be out of date")
				}
				return nil
			})
		},
	}
}

func renderStats(out io.Writer, snapshot domain.ProgressSnapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRow(table.Row{"Sentences", snapshot.Global.TotalCount})
	tw.AppendRow(table.Row{"Recorded", snapshot.Global.RecordedCount})
	tw.AppendRow(table.Row{"Remaining", snapshot.Global.RemainingCount})
	tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%.1f%%", snapshot.Global.ProgressPercent)})
	if snapshot.Personal.Name != "" {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"Recordings by " + snapshot.Personal.Name, snapshot.Personal.RecordingCount})
	}
	tw.Render()
}

func contributorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contributors",
		Short: "List contributors known to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s bootstrap.Services, _ *consoleSink) error {
				entries, err := s.Remote.ListContributors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Contributor", "Recordings"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Name, entry.Count})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the corpus store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s bootstrap.Services, _ *consoleSink) error {
				health, err := s.Remote.Health(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), health)
				}
				if !health.Healthy {
					return fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, health.Detail)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", s.Config.Remote.BaseURL)
				return nil
			})
		},
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
