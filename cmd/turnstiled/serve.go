package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aadithya-v/turnstile/httpapi"
)

func serveCmd(envFile *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(*envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.RequireJWT(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TURNSTILE_HTTP_ADDR)")
	return cmd
}

func serve(parent context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ts, err := newTurnstile(ctx, cfg, log, reg, true)
	if err != nil {
		return err
	}
	defer ts.Close()

	verifier := httpapi.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	handler := httpapi.NewHandler(ts, verifier, httpapi.Options{
		Logger:   log,
		Gatherer: reg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadTimeout:       duration(cfg.ReadTimeout),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      duration(cfg.WriteTimeout),
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("turnstiled.listen", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "max_devices", cfg.MaxDevices)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("turnstiled.shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), duration(cfg.ShutdownTimeout))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
