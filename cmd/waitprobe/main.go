package main

import (
	"context"
	"fmt"
	"github.com/agenthub/waitprobe/internal/config"
	"github.com/agenthub/waitprobe/internal/detection"
	"github.com/agenthub/waitprobe/internal/probe"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
	stop()
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "waitprobe",
		Short: "Open a hub session over SSE and block in one wait_notify call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default ./waitprobe.yaml)")
	cobra.CheckErr(config.BindFlags(v, rootCmd.Flags()))

	rootCmd.AddCommand(newStubCmd())
	return rootCmd
}

// runProbe owns the probe goroutine and waits for it, so the process never
// exits with a call still in flight.
func runProbe(ctx context.Context, cfg *config.Config, out io.Writer, logger zerolog.Logger) error {
	opts := []probe.Option{
		probe.WithOutput(out),
		probe.WithLogger(logger),
	}

	if cfg.ScanSecrets {
		d, err := detection.NewEngine(cfg.RulesPath)
		if err != nil {
			return fmt.Errorf("failed to create detection engine: %w", err)
		}
		opts = append(opts, probe.WithScanner(d))
	}

	p := probe.New(cfg, opts...)
	logger.Info().Str("hub", cfg.BaseURL()).Str("agent_id", cfg.AgentID).Msg("Starting probe")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	return g.Wait()
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}
