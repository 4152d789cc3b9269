package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/PedroFarias/mimo/sdk/golang/hub"
)

var (
	serveListen  string
	serveDataDir string
	serveSeed    string
	serveRate    float64
	serveEnvFile string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (default [hub].listen or :8080)")
	serveCmd.Flags().StringVar(&serveDataDir, "data", "", "pebble data directory; empty keeps state in memory")
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "YAML file with stores and users to load at start")
	serveCmd.Flags().Float64Var(&serveRate, "rate", 200, "commands per second allowed per connection")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "dotenv file read before start")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a hub that clients connect to over WebSocket",
	Long: "Run the remote store. Clients connect at /ws with a token from 'mimo token'.\n" +
		"Prometheus metrics are served at /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(serveEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot read %s: %w", serveEnvFile, err)
		}
		if v := os.Getenv("MIMO_LOG_LEVEL"); v != "" && !cmd.Flags().Changed("log-level") {
			logLevel = v
		}
		logger := newLogger()
		slog.SetDefault(logger)

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		listen := firstNonEmpty(serveListen, os.Getenv("MIMO_LISTEN"), cfg.Hub.Listen, ":8080")
		dataDir := firstNonEmpty(serveDataDir, os.Getenv("MIMO_DATA_DIR"), cfg.Hub.DataDir)
		seedPath := firstNonEmpty(serveSeed, os.Getenv("MIMO_SEED"), cfg.Hub.Seed)
		secret := firstNonEmpty(os.Getenv("MIMO_SECRET"), cfg.Hub.Secret)
		if secret == "" {
			return fmt.Errorf("no hub secret: set MIMO_SECRET or [hub].secret")
		}

		reg := prometheus.NewRegistry()
		opts := []hub.Option{hub.WithLogger(logger), hub.WithMetrics(hub.NewMetrics(reg))}
		if dataDir != "" {
			p, err := hub.OpenPebble(dataDir)
			if err != nil {
				return err
			}
			opts = append(opts, hub.WithPersister(p))
		}
		h, err := hub.New(opts...)
		if err != nil {
			return err
		}
		defer h.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if seedPath != "" {
			seed, err := hub.LoadSeed(seedPath)
			if err != nil {
				return err
			}
			if err := h.ApplySeed(ctx, seed); err != nil {
				return err
			}
			logger.Info("seed applied", "path", seedPath, "stores", len(seed.Stores), "users", len(seed.Users))
		}

		mux := http.NewServeMux()
		mux.Handle("/ws", h.Handler(hub.HandlerConfig{
			Secret:      secret,
			CommandRate: rate.Limit(serveRate),
		}))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		logger.Info("hub listening", "addr", listen, "persistent", dataDir != "")

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "err", err)
		}
		return nil
	},
}
