// Package cli builds the idleload command tree.
//
//	idleload                 # root command
//	├── run                  # interactive shell; typing interrupts loading
//	├── load                 # headless; run until drained or aborted
//	├── units                # list known units
//	└── config               # print the effective configuration
//
// Global flags: --config/-c, --log-level, --debug.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/idleload/internal/app"
	"github.com/dshills/idleload/internal/config/loader"
	"github.com/dshills/idleload/internal/logging"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	debug      bool
}

func (g *globalFlags) options() app.Options {
	return app.Options{
		ConfigPath: g.configPath,
		LogLevel:   g.logLevel,
		Debug:      g.debug,
	}
}

// BuildCLI returns the root command. units are Go units available to every
// command.
func BuildCLI(version string, units ...app.GoUnit) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "idleload",
		Short: "Load units in the background while the user is idle",
		Long: `idleload queues named units and loads them one at a time once the
user has been idle long enough. Input interrupts the current load, which is
retried later; a failing load abandons the rest of the queue.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.logLevel != "" && !logging.ValidLevel(g.logLevel) {
				return fmt.Errorf("invalid log level %q (use debug, info, warn, or error)", g.logLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default ~/.config/idleload/config.toml)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand(g, units))
	rootCmd.AddCommand(buildLoadCommand(g, units))
	rootCmd.AddCommand(buildUnitsCommand(g, units))
	rootCmd.AddCommand(buildConfigCommand(g))

	return rootCmd
}

func buildRunCommand(g *globalFlags, units []app.GoUnit) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the interactive shell and load units while idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := g.options()
			opts.Units = units
			opts.Watch = watch
			opts.LogOutput = io.Discard

			application, err := app.New(opts)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.RunInteractive(ctx)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

func buildLoadCommand(g *globalFlags, units []app.GoUnit) *cobra.Command {
	var (
		now     bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load the queued units without a terminal",
		Long: `Run the scheduler with no input source until the queue drains or
aborts. Exits with status 1 when loading was aborted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := g.options()
			opts.Units = units
			opts.Eager = now
			opts.LogOutput = cmd.ErrOrStderr()

			application, err := app.New(opts)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			snap, runErr := application.RunHeadless(ctx)
			st := snap.Stats
			fmt.Fprintf(cmd.OutOrStdout(), "%s: loaded %d, skipped %d, interrupted %d, errors %d\n",
				snap.State, st.Loaded, st.Skipped, st.Interruptions, st.Errors)
			if loaded := application.Registry().Loaded(); len(loaded) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "units: %s\n", strings.Join(loaded, " "))
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&now, "now", false, "load immediately instead of waiting for idle time")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func buildUnitsCommand(g *globalFlags, units []app.GoUnit) *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List the units idleload knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := g.options()
			opts.Units = units
			opts.LogOutput = cmd.ErrOrStderr()

			application, err := app.New(opts)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			statuses, err := application.Registry().Units()
			if err != nil {
				return err
			}

			queued := make(map[string]string)
			for _, grp := range application.Config().Incremental.Groups {
				for _, u := range grp.Units {
					if _, ok := queued[u]; !ok {
						queued[u] = grp.Name
					}
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSOURCE\tGROUP\tREQUIRES\tPATH")
			for _, st := range statuses {
				group := queued[st.Name]
				if group == "" {
					group = "-"
				}
				delete(queued, st.Name)

				path := st.Path
				if st.Error != nil {
					path = "error: " + st.Error.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.Source, group, joinOrDash(st.Requires), orDash(path))
			}
			for _, grp := range application.Config().Incremental.Groups {
				for _, u := range grp.Units {
					if name, ok := queued[u]; ok {
						fmt.Fprintf(tw, "%s\tmissing\t%s\t-\t-\n", u, name)
						delete(queued, u)
					}
				}
			}
			return tw.Flush()
		},
	}
}

func buildConfigCommand(g *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f loader.Format
			switch format {
			case "toml":
				f = loader.FormatTOML
			case "yaml", "yml":
				f = loader.FormatYAML
			default:
				return fmt.Errorf("unknown format %q (use toml or yaml)", format)
			}

			opts := g.options()
			opts.LogOutput = cmd.ErrOrStderr()
			application, err := app.New(opts)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			return application.Config().Encode(cmd.OutOrStdout(), f)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "toml", "output format: toml or yaml")
	return cmd
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
