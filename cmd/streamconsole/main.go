package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"streamconsole/internal/config"
	"streamconsole/internal/console"
	"streamconsole/internal/render"
	"streamconsole/internal/runner"
	"streamconsole/internal/server"
	"streamconsole/pkg/outputlog"
	"streamconsole/pkg/streamsync"
)

var (
	configFile string
	usePTY     bool
	withStdin  bool
	recordFile string
	dump       bool
	realtime   bool
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "streamconsole",
	Short: "Streamconsole - Interleaved process output with bounded memory",
	Long: `Streamconsole shows the stdout and stderr of a process as one console.
Lines from different streams are not torn apart, and the oldest output is
dropped once the console is full while system messages are kept.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command and show its output",
	Long: `Run a command and show its output.

A single argument is run with "sh -c", several arguments are executed
directly. The exit code of the command becomes the exit code of streamconsole.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		opts := runner.Options{UsePTY: usePTY}
		if len(args) == 1 {
			opts.Command = args[0]
		} else {
			opts.Args = args
		}
		if withStdin {
			opts.Stdin = os.Stdin
		}
		if recordFile != "" {
			f, err := os.OpenFile(recordFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return fmt.Errorf("failed to open record file: %w", err)
			}
			defer func() { _ = f.Close() }()
			record := outputlog.NewWriter(f)
			defer func() {
				if err := record.Close(); err != nil {
					slog.Error("Failed to write record file", "file", recordFile, "error", err)
				}
			}()
			opts.Record = record
		}

		var result runner.Result
		err = serveConsole(cmd.Context(), cfg, cfg.ConsoleOptions(), opts.CommandLine(), func(ctx context.Context, c *console.Console) error {
			var err error
			result, err = runner.Run(ctx, c, opts)
			return err
		})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &exitError{code: result.ExitCode}
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <output.log>",
	Short: "Replay a recorded output log",
	Long: `Replay an output log written by "run --record".

Chunks pass through the same stream synchronization as live output, using
the recorded timestamps.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open output log: %w", err)
		}
		defer func() { _ = f.Close() }()

		clock := streamsync.NewManualScheduler(time.Time{})
		opts := cfg.ConsoleOptions()
		opts.Scheduler = clock
		return serveConsole(cmd.Context(), cfg, opts, filepath.Base(args[0]), func(ctx context.Context, c *console.Console) error {
			return runner.Replay(ctx, c, clock, outputlog.NewReader(f), realtime)
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// exitError carries the exit code of the command run by streamconsole
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// setup loads the configuration and installs the logger
func setup() (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// serveConsole creates the console, attaches the terminal output and the live
// view, and runs feed. With a live view the content stays available until
// the context is cancelled.
func serveConsole(ctx context.Context, cfg *config.Config, opts console.Options, title string, feed func(context.Context, *console.Console) error) error {
	c, err := console.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create console: %w", err)
	}
	defer c.Close()

	color := render.UseColor(cfg.Render.Color, os.Stdout)
	if !dump {
		unsubscribe := c.Subscribe(render.NewTerminal(os.Stdout, color))
		defer unsubscribe()
	}

	serverErr := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.Server.Listen != "" {
		srv, err := server.New(c, title, cfg.Render.FlushDelay)
		if err != nil {
			return fmt.Errorf("failed to create live view: %w", err)
		}
		go func() {
			serverErr <- srv.Start(serverCtx, cfg.Server.Listen)
		}()
	}

	if err := feed(ctx, c); err != nil {
		return err
	}
	c.Flush()

	if dump {
		if err := render.WriteSnapshot(os.Stdout, c.Snapshot(), color); err != nil {
			return fmt.Errorf("failed to write console content: %w", err)
		}
	}

	if cfg.Server.Listen != "" {
		slog.Info("Live view keeps serving, press Ctrl+C to stop", "listen", cfg.Server.Listen)
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			return err
		}
		stopServer()
		return <-serverErr
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: $XDG_CONFIG_HOME/streamconsole/streamconsole.yaml or ./streamconsole.yaml)")
	rootCmd.PersistentFlags().Int("capacity", 0, "Characters kept in the console")
	rootCmd.PersistentFlags().Int("unit-size", 0, "Characters per storage block")
	rootCmd.PersistentFlags().StringSlice("protected", nil, "Content types that are never evicted")
	rootCmd.PersistentFlags().Duration("await", 0, "How long other streams wait for an unfinished line")
	rootCmd.PersistentFlags().Duration("flush-delay", 0, "Minimum time between live view updates")
	rootCmd.PersistentFlags().String("color", "", "Colored output: auto, always or never")
	rootCmd.PersistentFlags().StringP("listen", "l", "", "Serve a live view on this address, e.g. localhost:22124")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&dump, "dump", false, "Print the console content once at the end instead of streaming it")

	for key, flag := range map[string]string{
		"buffer.capacity":    "capacity",
		"buffer.unit_size":   "unit-size",
		"buffer.protected":   "protected",
		"sync.await":         "await",
		"render.flush_delay": "flush-delay",
		"render.color":       "color",
		"server.listen":      "listen",
		"log.level":          "log-level",
	} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	runCmd.Flags().BoolVar(&usePTY, "pty", false, "Run the command in a pseudo terminal (stdout and stderr are merged)")
	runCmd.Flags().BoolVar(&withStdin, "stdin", false, "Forward stdin to the command")
	runCmd.Flags().StringVarP(&recordFile, "record", "r", "", "Record the output streams to this file")

	replayCmd.Flags().BoolVar(&realtime, "realtime", false, "Keep the recorded pauses between chunks")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
