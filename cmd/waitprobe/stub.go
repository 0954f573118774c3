package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/agenthub/waitprobe/internal/config"
	"github.com/agenthub/waitprobe/internal/stub"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"net"
	"net/http"
	"strconv"
	"time"
)

const shutdownTimeout = 5 * time.Second

func newStubCmd() *cobra.Command {
	var (
		port      int
		tokenMode string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run a local hub that serves /sse, /message and /notify",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenMode != config.TokenModeLine && tokenMode != config.TokenModeEndpoint {
				return fmt.Errorf("invalid token mode %q", tokenMode)
			}
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			hub := stub.NewServer(stub.WithTokenMode(tokenMode), stub.WithLogger(logger))
			lis, err := net.Listen("tcp", ":"+strconv.Itoa(port))
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			return runStub(cmd.Context(), lis, hub, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on")
	cmd.Flags().StringVar(&tokenMode, "token-mode", config.TokenModeLine, "how /sse announces the session: line or endpoint")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

// runStub serves hub on lis until ctx is cancelled, then shuts down.
func runStub(ctx context.Context, lis net.Listener, hub *stub.Server, logger zerolog.Logger) error {
	server := &http.Server{
		Handler: hub.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("Starting hub stub")
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Release held streams first; Shutdown waits for active handlers.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		logger.Info().Msg("Hub stub shut down successfully")
		return nil
	})
	return g.Wait()
}
