// Command reconciler runs one maintenance pass and exits. It is meant for
// cron jobs and incident response when escrowd's scheduler is disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/preorder-escrow/internal/app"
	"github.com/example/preorder-escrow/internal/config"
	"github.com/example/preorder-escrow/internal/scheduler"
	"github.com/example/preorder-escrow/pkg/audit"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration")
	job := flag.String("job", scheduler.JobReconcile, "job to run: reconcile, auto_release, expire_deposits or dispatch_events")
	auditLog := flag.String("verify-audit", "", "verify the hash chain of this audit log and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr).With("app", "reconciler")

	if *auditLog != "" {
		if err := verifyAuditLog(*auditLog); err != nil {
			logger.Error("audit log verification failed", "path", *auditLog, "error", err)
			os.Exit(1)
		}
		logger.Info("audit log verified", "path", *auditLog)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The audit sink belongs to the API process.
	cfg.HTTP.AuditLogPath = ""
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	n, err := a.Scheduler.RunNow(ctx, *job)
	if err != nil {
		logger.Error("job failed", "job", *job, "processed", n, "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("job finished", "job", *job, "processed", n)
}

func verifyAuditLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := audit.ReadEntries(f)
	if err != nil {
		return err
	}
	if !audit.VerifyChain(entries) {
		return fmt.Errorf("hash chain broken in %d entries", len(entries))
	}
	return nil
}
