// Package cli defines the transcriptd command tree.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"transcript-server/internal/bootstrap"
	"transcript-server/internal/config"
	"transcript-server/internal/diagnostics"
	"transcript-server/internal/domain"
	"transcript-server/internal/logging"
)

// ErrChecksFailed is returned by check when any diagnostic fails.
var ErrChecksFailed = errors.New("diagnostics reported failures")

type options struct {
	configFile string
	envFile    string
	version    string
}

func (o *options) store() *config.Store {
	return config.NewStore(o.configFile).WithEnvFile(o.envFile)
}

// NewRootCmd creates the root command.
func NewRootCmd(version string) *cobra.Command {
	opts := &options{version: version}

	rootCmd := &cobra.Command{
		Use:           "transcriptd",
		Short:         "Media transcription server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newCheckCommand(opts),
		newModelsCommand(opts),
		newVersionCommand(opts),
	)
	return rootCmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(version string) int {
	cmd := NewRootCmd(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func newServeCommand(opts *options) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.store().Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			log, err := logging.New(cfg.Logger, opts.version)
			if err != nil {
				return err
			}

			app, err := bootstrap.New(cfg, opts.version, log)
			if err != nil {
				return fmt.Errorf("failed to build server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, overrides server.port")
	return cmd
}

func newCheckCommand(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Args:  cobra.NoArgs,
		Short: "Check external tools, model and directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.store().Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			report := diagnostics.NewChecker().Run(cfg)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				writeReport(cmd.OutOrStdout(), report)
			}

			if report.HasFailures {
				return ErrChecksFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func writeReport(out io.Writer, report domain.DiagnosticReport) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE")
	for _, item := range report.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", item.Name, item.Status, item.Message)
		if item.Hint != "" && item.Status == domain.DiagnosticStatusFail {
			fmt.Fprintf(tw, "\t\thint: %s\n", item.Hint)
		}
	}
	_ = tw.Flush()
}

func newModelsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Args:  cobra.NoArgs,
		Short: "Manage whisper.cpp models",
	}

	cmd.AddCommand(
		newModelsListCommand(opts),
		newModelsPullCommand(opts),
	)
	return cmd
}

func newModelsListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List downloadable models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.store().Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tLOCAL")
			for _, model := range bootstrap.Models(cfg) {
				local := "-"
				if model.Downloaded {
					local = model.LocalPath
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", model.ID, model.Name, model.SizeLabel, local)
			}
			return tw.Flush()
		},
	}
}

func newModelsPullCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Download a model and make it the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := opts.store()
			cfg, err := store.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Downloading %s...\n", args[0])
			model, err := bootstrap.PullModel(ctx, store, cfg, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s to %s\n", model.Name, model.LocalPath)
			fmt.Fprintf(cmd.OutOrStdout(), "transcriber.model_path updated in %s\n", store.Path())
			return nil
		},
	}
}

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Args:  cobra.NoArgs,
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), opts.version)
		},
	}
}
