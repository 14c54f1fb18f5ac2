package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/preorder-escrow/internal/app"
	"github.com/example/preorder-escrow/internal/config"
	"github.com/example/preorder-escrow/internal/security"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout).With("app", cfg.App.Name, "env", cfg.App.Environment)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to release resources", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Addr != "" {
		srv, ln, err := httpServer(a, cfg)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("escrow http api listening", "addr", cfg.HTTP.Addr, "tls", cfg.HTTP.TLS.Enabled())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.GRPC.Addr != "" {
		gs, err := a.GRPCServer()
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("escrow grpc api listening", "addr", cfg.GRPC.Addr, "tls", cfg.GRPC.TLS.Enabled())
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if cfg.Scheduler.Enabled {
		a.Scheduler.Start()
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.JobTimeout+5*time.Second)
			defer cancel()
			return a.Scheduler.Stop(stopCtx)
		})
	}

	err = g.Wait()
	logger.Info("escrowd shut down")
	return err
}

func httpServer(a *app.App, cfg *config.Config) (*http.Server, net.Listener, error) {
	handler, err := a.HTTPHandler()
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.HTTP.TLS.Enabled() {
		return srv, ln, nil
	}

	tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
		CertFile:          cfg.HTTP.TLS.CertFile,
		KeyFile:           cfg.HTTP.TLS.KeyFile,
		CAFile:            cfg.HTTP.TLS.CAFile,
		RequireClientAuth: cfg.HTTP.TLS.RequireClientAuth,
	})
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}
	srv.TLSConfig = tlsCfg
	return srv, tls.NewListener(ln, tlsCfg), nil
}
