package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/mockidentity"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

var mockShutdownTimeout = 5 * time.Second

type seedAccount struct {
	email    string
	password string
	plan     licensing.Tier
}

// parseSeed reads email:password[:plan].
func parseSeed(raw string) (seedAccount, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
		return seedAccount{}, fmt.Errorf("invalid --seed %q (want email:password[:plan])", raw)
	}
	seed := seedAccount{email: strings.TrimSpace(parts[0]), password: parts[1]}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		tier, ok := licensing.ParseTier(parts[2])
		if !ok {
			return seedAccount{}, fmt.Errorf("invalid --seed %q: unknown plan %q", raw, parts[2])
		}
		seed.plan = tier
	}
	return seed, nil
}

func newMockServerCmd() *cobra.Command {
	var (
		addr     string
		secret   string
		tokenTTL time.Duration
		seeds    []string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory identity service for local development",
		Long: `Serve the identity and usage API under /api/v1 from memory, with Prometheus metrics at /metrics.
Accounts live until the process exits.`,
		Example: `  tiergate mock-server --seed demo@example.com:demo1234:standard
  TIERGATE_API_URL=http://127.0.0.1:8000/api/v1 tiergate login --email demo@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Init(logging.Config{Format: "auto", Level: logLevel, Component: "mock-identity"})

			srv := mockidentity.New(mockidentity.Config{
				Secret:   []byte(secret),
				TokenTTL: tokenTTL,
				Logger:   logger,
				Metrics:  metrics.NewService(prometheus.DefaultRegisterer),
			})
			for _, raw := range seeds {
				seed, err := parseSeed(raw)
				if err != nil {
					return err
				}
				if _, err := srv.SeedUser(strings.Split(seed.email, "@")[0], seed.email, seed.password, seed.plan); err != nil {
					return fmt.Errorf("seed %s: %w", seed.email, err)
				}
				logger.Info().Str("email", seed.email).Str("plan", string(seed.plan)).Msg("Seeded account")
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/", srv.Handler())

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			httpServer := &http.Server{
				Handler:      mux,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  30 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), mockShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn().Err(err).Msg("Failed to shut down mock identity server cleanly")
				}
			}()

			logger.Info().Str("addr", listener.Addr().String()).Str("base_path", mockidentity.BasePath).Msg("Mock identity server listening")
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s%s\n", listener.Addr(), mockidentity.BasePath)
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mock identity server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&secret, "secret", "", "token signing secret (random when empty)")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", mockidentity.DefaultTokenTTL, "lifetime of issued tokens")
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "account to create at startup as email:password[:plan] (repeatable)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
