// Package app assembles the escrow service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	escrowpb "github.com/example/preorder-escrow/api/gen/escrow"
	"github.com/example/preorder-escrow/internal/api"
	"github.com/example/preorder-escrow/internal/config"
	"github.com/example/preorder-escrow/internal/escrow"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/lock"
	"github.com/example/preorder-escrow/internal/rpc"
	"github.com/example/preorder-escrow/internal/scheduler"
	"github.com/example/preorder-escrow/internal/security"
	"github.com/example/preorder-escrow/internal/settlement"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/store/memory"
	"github.com/example/preorder-escrow/internal/store/postgres"
	"github.com/example/preorder-escrow/internal/store/sqlite"
	"github.com/example/preorder-escrow/pkg/audit"
)

// App owns every long-lived dependency of one process.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      store.Store
	Service    *escrow.Service
	Dispatcher *events.Dispatcher
	Scheduler  *scheduler.Scheduler
	Auditor    *audit.ChainLogger

	redis     *redis.Client
	publisher events.Publisher
	closers   []func() error
}

// New connects to the configured backends. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store, err = openStore(ctx, cfg.Database); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	if cfg.Redis.Addr != "" && (cfg.Lock.Driver == "redis" || cfg.HTTP.RateLimit.Enabled) {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		a.closers = append(a.closers, a.redis.Close)
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedisLocker(a.redis, lock.RedisOptions{
			Prefix:     cfg.Lock.Prefix,
			Expiry:     cfg.Lock.Expiry,
			Tries:      cfg.Lock.Tries,
			RetryDelay: cfg.Lock.RetryDelay,
		}, logger)
	}

	tiers, err := cfg.Policy.Evaluator()
	if err != nil {
		return nil, err
	}
	calc, err := cfg.Payout.Calculator(cfg.Policy.Scale)
	if err != nil {
		return nil, err
	}
	a.Service = escrow.NewService(a.Store, locker, settlement.NewSettler(tiers, calc), logger, escrow.Options{
		RequiredConditions: cfg.Release.RequiredConditions,
		AutoReleaseBuffer:  cfg.Release.AutoReleaseBuffer,
		DepositTimeout:     cfg.Deposit.Timeout,
		Scale:              cfg.Policy.Scale,
		ScanLimit:          cfg.Scheduler.ScanLimit,
	})

	raw, err := openPublisher(cfg.Events, logger)
	if err != nil {
		return nil, err
	}
	a.publisher = events.NewBreakerPublisher(cfg.Events.Driver, raw, events.BreakerConfig{
		MaxRequests:         cfg.Events.Breaker.MaxRequests,
		Interval:            cfg.Events.Breaker.Interval,
		Timeout:             cfg.Events.Breaker.Timeout,
		ConsecutiveFailures: cfg.Events.Breaker.ConsecutiveFailures,
	}, logger)
	a.closers = append(a.closers, a.publisher.Close)
	a.Dispatcher = events.NewDispatcher(a.Store, a.publisher, logger, cfg.Events.BatchSize, cfg.Events.MaxAttempts)

	if a.Auditor, err = a.openAuditLog(cfg.HTTP.AuditLogPath); err != nil {
		return nil, err
	}

	specs := scheduler.Specs{
		AutoRelease:    cfg.Scheduler.AutoRelease,
		ExpireDeposits: cfg.Scheduler.ExpireDeposits,
		DispatchEvents: cfg.Scheduler.DispatchEvents,
		Reconcile:      cfg.Scheduler.Reconcile,
	}
	if a.Scheduler, err = scheduler.New(a.Service, a.Dispatcher, specs, cfg.Scheduler.JobTimeout, logger); err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.URL, postgres.Options{MaxRetries: cfg.MaxRetries, TxTimeout: cfg.TxTimeout})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.URL)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	switch cfg.Driver {
	case "rabbitmq":
		return events.NewRabbitPublisher(cfg.URL, cfg.Exchange, cfg.ConfirmTimeout)
	case "kafka":
		return events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	case "log", "":
		return &events.LogPublisher{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// openAuditLog keeps the request audit chain, appending to path when set.
// An existing file is verified and its chain continued.
func (a *App) openAuditLog(path string) (*audit.ChainLogger, error) {
	chain := audit.NewChainLogger(10000)
	if path == "" {
		return chain, nil
	}

	var last *audit.LogEntry
	if f, err := os.Open(path); err == nil {
		entries, rerr := audit.ReadEntries(f)
		_ = f.Close()
		if rerr != nil {
			return nil, fmt.Errorf("read audit log: %w", rerr)
		}
		if !audit.VerifyChain(entries) {
			return nil, fmt.Errorf("audit log %s fails hash chain verification", path)
		}
		if len(entries) > 0 {
			last = entries[len(entries)-1]
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.closers = append(a.closers, f.Close)
	return chain.WithSink(f, last), nil
}

// HTTPHandler builds the REST router.
func (a *App) HTTPHandler() (http.Handler, error) {
	allow, err := security.ParseCIDRAllowlist(a.Config.HTTP.AllowedCIDRs)
	if err != nil {
		return nil, err
	}
	deps := api.Dependencies{
		Logger:       a.Logger,
		Escrow:       a.Service,
		Auditor:      a.Auditor,
		IPAllowlist:  allow,
		MaxBodyBytes: a.Config.HTTP.MaxBodyBytes,
	}
	if rl := a.Config.HTTP.RateLimit; rl.Enabled && a.redis != nil {
		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      a.redis,
			Prefix:     "escrow_api",
			Capacity:   rl.Capacity,
			RefillRate: rl.RefillPerSecond,
		}
	}
	return api.NewRouter(deps)
}

// GRPCServer builds the gRPC server with the escrow service registered.
func (a *App) GRPCServer() (*grpc.Server, error) {
	srv, err := rpc.NewServer(a.Service, a.Logger)
	if err != nil {
		return nil, err
	}
	opts := rpc.ServerOptions(a.Logger, a.Auditor)
	if t := a.Config.GRPC.TLS; t.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:          t.CertFile,
			KeyFile:           t.KeyFile,
			CAFile:            t.CAFile,
			RequireClientAuth: t.RequireClientAuth,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	gs := grpc.NewServer(opts...)
	escrowpb.RegisterEscrowServiceServer(gs, srv)
	if a.Config.GRPC.Reflection {
		reflection.Register(gs)
	}
	return gs, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

var _ io.Closer = (*App)(nil)
