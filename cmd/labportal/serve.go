package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"labportal/internal/adapters/httpapi"
	"labportal/internal/auth"
	"labportal/internal/catalog"
	"labportal/internal/config"
	"labportal/internal/core"
	"labportal/internal/ingest"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.RequireLogin(); err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), stderr, true)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
			}
			handler, err := newPortal(rt, cfg, prometheus.NewRegistry())
			if err != nil {
				_ = ln.Close()
				return err
			}
			return serve(cmd.Context(), rt.logger, ln, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides "+config.EnvHTTPAddr+")")
	return cmd
}

// newPortal wires the HTTP handler over the runtime stores.
func newPortal(rt *runtime, cfg config.Config, reg *prometheus.Registry) (http.Handler, error) {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, err
	}

	walker := ingest.NewWalker(rt.store, rt.blobs,
		ingest.WithLogger(rt.logger),
		ingest.WithMetrics(metrics),
		ingest.WithCleanupOnRollback(cfg.CleanupOnRollback),
	)
	uploads := ingest.NewService(walker, osfs.New(os.TempDir()),
		ingest.WithServiceLogger(rt.logger),
		ingest.WithMaxArchiveBytes(cfg.MaxUploadBytes),
	)
	return httpapi.NewRouter(httpapi.Dependencies{
		Sessions:       auth.NewSessionManager(cfg.Credentials, cfg.SessionTTL),
		Uploads:        uploads,
		Tables:         catalog.New(rt.store, catalog.WithMetrics(metrics), catalog.WithDefaultLimit(cfg.BrowseLimit)),
		Logger:         rt.logger,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}), nil
}

// serve runs the server on ln until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, logger core.Logger, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("portal listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
