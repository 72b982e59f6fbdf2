package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/directory"
	"github.com/linnemanlabs/warden/internal/directory/memdir"
	"github.com/linnemanlabs/warden/internal/directory/pgdir"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/notify/kafka"
	"github.com/linnemanlabs/warden/internal/notify/shoutrrr"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/workflow"
	"github.com/linnemanlabs/warden/internal/workflow/memstore"
	"github.com/linnemanlabs/warden/internal/workflow/pgstore"
)

// stopFn is one shutdown step. Steps run in order, each with a slice of the
// shutdown budget.
type stopFn struct {
	name string
	fn   func(context.Context) error
}

// services is everything the API and the background loops need.
type services struct {
	engine *workflow.Engine
	// stops drain delivery after the API has stopped producing notifications
	stops []stopFn
	// release closes the database pool, if any, after every stop has run
	release func()
}

// observeQueries registers the per-query histogram and routes every pgx
// query timing into it.
func observeQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			hist.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))
}

// buildServices opens storage, the user directory and the delivery sinks and
// wires them into the workflow engine.
func buildServices(ctx context.Context, L log.Logger, c *wc.Config, reg prometheus.Registerer) (*services, error) {
	svc := &services{release: func() {}}

	store, dir, release, err := openStorage(ctx, L, c)
	if err != nil {
		return nil, err
	}
	svc.release = release

	if ttl := c.DirectoryCacheTTL(); ttl > 0 {
		dir = directory.NewCached(dir, ttl)
	}
	selector, err := directory.NewSelector(c.AssignmentStrategy)
	if err != nil {
		release()
		return nil, err
	}

	var notifier workflow.Notifier
	sinks, kafkaSink, err := buildSinks(c)
	if err != nil {
		release()
		return nil, err
	}
	if len(sinks) > 0 {
		d := notify.NewDispatcher(L, notify.Options{
			QueueSize: c.NotifyQueueSize,
			Workers:   c.NotifyWorkers,
			Rate:      c.NotifyRate,
			Hooks:     notify.NewMetrics(reg).Hooks(),
		}, sinks...)
		notifier = d
		svc.stops = append(svc.stops, stopFn{"notification dispatcher", d.Close})

		names := make([]string, 0, len(sinks))
		for _, s := range sinks {
			names = append(names, s.Name())
		}
		L.Info(ctx, "notification delivery enabled", "sinks", names, "rate", c.NotifyRate, "workers", c.NotifyWorkers)
	} else {
		L.Info(ctx, "no delivery sinks configured, notifications are stored only")
	}
	if kafkaSink != nil {
		svc.stops = append(svc.stops, stopFn{"kafka writer", func(context.Context) error { return kafkaSink.Close() }})
	}

	svc.engine = workflow.NewEngine(store, dir,
		directory.NewResolver(dir, selector, L),
		workflow.NewRouter(dir, selector),
		notifier, L,
		workflow.NewMetrics(reg).Hooks())
	return svc, nil
}

// openStorage returns the postgres store and directory when a database is
// configured, otherwise in-memory ones seeded from the directory file.
func openStorage(ctx context.Context, L log.Logger, c *wc.Config) (workflow.Store, directory.Directory, func(), error) {
	if c.DatabaseURL == "" {
		dir := memdir.New()
		if c.DirectoryFile != "" {
			var err error
			if dir, err = memdir.LoadFile(c.DirectoryFile); err != nil {
				return nil, nil, nil, fmt.Errorf("load directory: %w", err)
			}
		}
		L.Info(ctx, "using in-memory store (no database-url configured)",
			"directory_file", c.DirectoryFile,
			"directory_users", dir.Len(),
		)
		return memstore.New(), dir, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, c.DBSlowQuery)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	store, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	dir, err := pgdir.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("pgdir init: %w", err)
	}
	L.Info(ctx, "using postgres store and directory", "slow_query", c.DBSlowQuery.String())
	return store, dir, pool.Close, nil
}

// buildSinks returns the configured delivery sinks. The kafka sink is also
// returned on its own because its writer must be closed at shutdown.
func buildSinks(c *wc.Config) ([]notify.Sink, *kafka.Sink, error) {
	var (
		sinks     []notify.Sink
		kafkaSink *kafka.Sink
	)
	if c.SlackWebhookURL != "" {
		sinks = append(sinks, slack.New(c.SlackWebhookURL))
	}
	if brokers := c.Brokers(); len(brokers) > 0 {
		kafkaSink = kafka.New(brokers, c.KafkaTopic)
		sinks = append(sinks, kafkaSink)
	}
	if urls := c.ServiceURLs(); len(urls) > 0 {
		s, err := shoutrrr.New(urls, notify.DefaultSendTimeout)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, kafkaSink, nil
}
