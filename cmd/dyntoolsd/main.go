package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"dyntools/internal/app"
	"dyntools/internal/buildinfo"
)

type rootOptions struct {
	configPath string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := rootOptions{
		configPath: "dyntools.yaml",
	}

	root := &cobra.Command{
		Use:     "dyntoolsd",
		Short:   "Hot-reloading tool runtime with isolated per-dependency environments",
		Version: fmt.Sprintf("%s (%s)", buildinfo.Version, buildinfo.Commit),
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to config file")

	root.AddCommand(
		newServeCmd(logger, &opts),
		newValidateCmd(logger, &opts),
		newListCmd(logger, &opts),
		newCallCmd(logger, &opts),
		newChangesCmd(logger, &opts),
	)

	return root
}

func newServeCmd(logger *zap.Logger, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool runtime daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(logger)
			return application.Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				Overrides:  serveFlagOverrides(cmd.Flags()),
			})
		},
	}

	flags := cmd.Flags()
	flags.String("tools-dir", "", "override the tool artifact directory")
	flags.String("python", "", "override the Python interpreter")
	flags.String("listen", "", "override the observability listen address")
	return cmd
}

// serveFlagOverrides maps flags the user explicitly set onto the loaded
// config. Unset flags leave the file values alone.
func serveFlagOverrides(flags *pflag.FlagSet) func(*app.Config) {
	return func(cfg *app.Config) {
		flags.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "tools-dir":
				cfg.ToolsDir, _ = flags.GetString("tools-dir")
			case "python":
				cfg.Python, _ = flags.GetString("python")
			case "listen":
				cfg.Observability.ListenAddress, _ = flags.GetString("listen")
			}
		})
	}
}

func newValidateCmd(logger *zap.Logger, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and every tool artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(logger)
			results, err := application.Validate(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			failed := 0
			for _, result := range results {
				if result.Error != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s: %v\n", result.Tool, result.Error)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK    %s\n", result.Tool)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tools failed validation", failed, len(results))
			}
			return nil
		},
	}
}

func newListCmd(logger *zap.Logger, opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their entry points",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(logger)
			tools, err := application.ListTools(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			if output == "yaml" {
				out, err := yaml.Marshal(tools)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
				return nil
			}
			for _, tool := range tools {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
					tool.Name, strings.Join(tool.EntryPoints, ","), tool.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "table", "output format: table or yaml")
	return cmd
}

func newCallCmd(logger *zap.Logger, opts *rootOptions) *cobra.Command {
	var argsJSON string
	var timeoutMs int64
	cmd := &cobra.Command{
		Use:   "call <tool> <entry-point>",
		Short: "Invoke one entry point and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(logger)
			record, err := application.CallTool(ctx, opts.configPath, args[0], args[1], []byte(argsJSON),
				time.Duration(timeoutMs)*time.Millisecond)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(record, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "entry point arguments as a JSON object")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "invocation timeout in milliseconds (0 = tool/config default)")
	return cmd
}

func newChangesCmd(logger *zap.Logger, opts *rootOptions) *cobra.Command {
	var after uint64
	var limit int
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Show persisted artifact change history",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(logger)
			records, err := application.Changes(cmd.Context(), opts.configPath, after, limit)
			if err != nil {
				return err
			}
			for _, record := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n",
					record.Seq, record.DetectedAt.Format("2006-01-02T15:04:05Z07:00"),
					record.Kind, record.Tool)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "only records after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to print (0 = all)")
	return cmd
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
