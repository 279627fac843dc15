package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/erennakbas/tasksync"
	"github.com/erennakbas/tasksync/internal/config"
	journalredis "github.com/erennakbas/tasksync/journal/redis"
	"github.com/erennakbas/tasksync/remote/parse"
	"github.com/erennakbas/tasksync/store/postgres"
)

const healthCheckTimeout = 2 * time.Second

// pinger is a backing service whose reachability can be checked.
type pinger interface {
	Ping(ctx context.Context) error
}

// runtime bundles a client with the resources it was built from.
type runtime struct {
	cfg      *config.Config
	logger   *logrus.Logger
	client   *tasksync.Client
	registry *prometheus.Registry
	redis    *redis.Client
	checks   map[string]pinger
}

// newRuntime loads the configuration and builds a client with the journal and
// store it enables. The snapshot and journal are restored before returning.
func newRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry(), checks: make(map[string]pinger)}

	remote, err := parse.New(parse.Config{
		ServerURL:     cfg.Parse.ServerURL,
		ApplicationID: cfg.Parse.ApplicationID,
		RESTAPIKey:    cfg.Parse.RESTAPIKey,
		ClassName:     cfg.Parse.ClassName,
		Logger:        logger.WithField("component", "parse"),
	})
	if err != nil {
		return nil, err
	}

	metrics, err := tasksync.NewMetrics(rt.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := []tasksync.ClientOption{
		tasksync.WithLogger(logger.WithField("component", "tasksync")),
		tasksync.WithConcurrency(cfg.Sync.Concurrency),
		tasksync.WithMaxAttempts(cfg.Sync.MaxAttempts),
		tasksync.WithRetryConfig(cfg.Sync.RetryBase, cfg.Sync.RetryMax),
		tasksync.WithCallTimeout(cfg.Sync.CallTimeout),
		tasksync.WithSessionToken(cfg.Parse.SessionToken),
		tasksync.WithMetrics(metrics),
	}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		journal := journalredis.NewJournal(rt.redis,
			journalredis.WithNamespace(cfg.Redis.Namespace),
			journalredis.WithLogger(logger.WithField("component", "journal")),
		)
		if err := journal.Ping(ctx); err != nil {
			rt.redis.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.checks["journal"] = journal
		opts = append(opts, tasksync.WithJournal(journal))
	}

	if cfg.Postgres.DSN != "" {
		store, err := postgres.New(postgres.Config{DSN: cfg.Postgres.DSN})
		if err != nil {
			rt.closeRedis()
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				rt.closeRedis()
				return nil, err
			}
		}
		rt.checks["store"] = store
		opts = append(opts, tasksync.WithStore(store))
	}

	rt.client = tasksync.NewClient(remote, opts...)

	if err := rt.client.Restore(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

// refresh merges the remote collection, tolerating an unreachable remote.
func (rt *runtime) refresh(ctx context.Context) {
	if err := rt.client.Refresh(ctx); err != nil {
		rt.logger.WithError(err).Warn("remote unreachable, showing local state")
	}
}

// checkHealth pings the journal and store. Failures are logged and joined;
// the client keeps running on local state either way.
func (rt *runtime) checkHealth(ctx context.Context) error {
	names := make([]string, 0, len(rt.checks))
	for name := range rt.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := rt.checks[name].Ping(pingCtx)
		cancel()
		if err != nil {
			rt.logger.WithField("component", name).WithError(err).Warn("health check failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// flush waits for queued operations within the configured deadline.
func (rt *runtime) flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.Sync.FlushTimeout)
	defer cancel()

	if err := rt.client.Flush(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			rt.logger.Warn("operations still pending, they stay journaled if a journal is configured")
			return nil
		}
		return err
	}
	return nil
}

// Close stops the client and releases connections.
func (rt *runtime) Close() {
	if err := rt.client.Close(); err != nil {
		rt.logger.WithError(err).Warn("failed to close client")
	}
	rt.closeRedis()
}

func (rt *runtime) closeRedis() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}
