// Package orchestrator owns the process lifecycle: schema init, the
// historical backfill fleet, the realtime stream sessions, the polling
// and metric cadences, and signal-driven drain.
package orchestrator

import (
	"context"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/perpstack/perpflow/internal/bucket"
	"github.com/perpstack/perpflow/internal/config"
	"github.com/perpstack/perpflow/internal/derive"
	"github.com/perpstack/perpflow/internal/feeds"
	"github.com/perpstack/perpflow/internal/fetch"
	"github.com/perpstack/perpflow/internal/store"
	"github.com/perpstack/perpflow/internal/telemetry"
)

const (
	// backfillPool bounds concurrently running backfill units.
	backfillPool = 5

	// pollWindow is the trailing window each polling cycle re-fetches;
	// wide enough to cover venue statistics lag.
	pollWindow = 15 * time.Minute
)

// Orchestrator wires every component and runs them to completion.
type Orchestrator struct {
	cfg     config.Config
	metrics *telemetry.Metrics
	st      *store.Store
	sink    *store.Sink
	fetcher *fetch.Fetcher
	agg     *bucket.Aggregator
	handler *feeds.StreamHandler
	engine  *derive.Engine
	units   []feeds.Feed

	backfilled atomic.Bool
	polling    atomic.Bool
}

// New builds the full pipeline from configuration.
func New(cfg config.Config) (*Orchestrator, error) {
	metrics := telemetry.New()

	st, err := store.Open(cfg.DSN(), metrics)
	if err != nil {
		return nil, err
	}
	sink := store.NewSink(st)

	fetcher, err := fetch.New(cfg.ProxyURL, metrics)
	if err != nil {
		return nil, err
	}

	overrides, err := config.LoadPolicyOverrides(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	policies := feeds.DefaultPolicies()
	feeds.ApplyOverrides(policies, overrides)

	deps := &feeds.Deps{
		Fetcher:    fetcher,
		Store:      st,
		Sink:       sink,
		Symbols:    cfg.Symbols,
		Policies:   policies,
		ProxySplit: cfg.ProxyURL != "",
	}

	agg := bucket.New(metrics)
	return &Orchestrator{
		cfg:     cfg,
		metrics: metrics,
		st:      st,
		sink:    sink,
		fetcher: fetcher,
		agg:     agg,
		handler: feeds.NewStreamHandler(agg, st, sink, metrics, cfg.Symbols),
		engine:  derive.New(st, sink),
		units:   feeds.All(deps, cfg.CoinalyzeKey),
	}, nil
}

// Store exposes the storage gateway for one-shot subcommands.
func (o *Orchestrator) Store() *store.Store { return o.st }

// Engine exposes the metrics engine for one-shot subcommands.
func (o *Orchestrator) Engine() *derive.Engine { return o.engine }

// Run blocks until SIGINT/SIGTERM or a fatal startup error, then
// drains and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.st.Init(ctx); err != nil {
		return err
	}
	o.sink.Status(ctx, "store", store.StatusConnected, nil)
	o.sink.Status(ctx, "orchestrator", store.StatusStarted,
		map[string]interface{}{"symbols": len(o.cfg.Symbols)})

	go func() {
		if err := o.metrics.Serve(ctx, o.cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Str("addr", o.cfg.MetricsAddr).Msg("metrics listener failed")
		}
	}()

	var wg sync.WaitGroup
	for _, s := range feeds.Sessions(o.handler, o.cfg.Symbols, o.metrics) {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.handler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		o.agg.Run(ctx, o.handler.BucketSink())
	}()

	go o.Backfill(ctx)

	sched := cron.New()
	_, _ = sched.AddFunc("@every 1m", func() { o.poll(ctx) })
	_, _ = sched.AddFunc("@every 1m", func() { o.incremental(ctx) })
	_, _ = sched.AddFunc("@every 1h", func() { o.retention(ctx) })
	sched.Start()
	defer sched.Stop()

	o.sink.Status(ctx, "orchestrator", store.StatusRunning, nil)
	<-ctx.Done()

	log.Info().Msg("shutdown signal received, draining")
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.sink.Status(drainCtx, "orchestrator", store.StatusStopped, nil)
	return o.st.Close()
}

// Backfill runs units over the full retention window, price series
// first so the statistics units have closes to value against, then
// runs the initial metric pass. An empty names list means every unit.
func (o *Orchestrator) Backfill(ctx context.Context, names ...string) {
	to := time.Now().UnixMilli()
	from := to - store.RetentionWindow.Milliseconds()

	o.sink.Status(ctx, "backfill", store.StatusStarted, nil)
	priced, rest := splitPriceFeeds(filterUnits(o.units, names))
	o.runUnits(ctx, priced, from, to)
	o.runUnits(ctx, rest, from, to)

	if err := o.engine.FullPass(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("initial metric pass failed")
		o.sink.Error(ctx, "derive", "", err.Error(), nil)
	}

	o.backfilled.Store(true)
	o.sink.Status(ctx, "backfill", store.StatusCompleted, nil)
	log.Info().Msg("historical backfill complete")
}

func (o *Orchestrator) runUnits(ctx context.Context, units []feeds.Feed, from, to int64) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillPool)
	for _, u := range units {
		u := u
		g.Go(func() error {
			start := time.Now()
			if err := u.Fetch(gctx, from, to); err != nil {
				log.Error().Err(err).Str("feed", u.Name()).Msg("backfill unit failed")
				o.sink.Error(gctx, u.Name(), "", err.Error(), nil)
				return nil
			}
			log.Info().Str("feed", u.Name()).Dur("took", time.Since(start)).
				Msg("backfill unit complete")
			return nil
		})
	}
	_ = g.Wait()
}

// CollectOnce fetches the trailing poll window across the named units,
// or every unit when names is empty, and exits.
func (o *Orchestrator) CollectOnce(ctx context.Context, names ...string) {
	to := time.Now().UnixMilli()
	from := to - pollWindow.Milliseconds()
	priced, rest := splitPriceFeeds(filterUnits(o.units, names))
	o.runUnits(ctx, priced, from, to)
	o.runUnits(ctx, rest, from, to)
}

// filterUnits keeps the units whose name is listed; an empty list keeps
// everything. Unknown names are logged so typos do not fail silently.
func filterUnits(units []feeds.Feed, names []string) []feeds.Feed {
	if len(names) == 0 {
		return units
	}
	byName := make(map[string]feeds.Feed, len(units))
	for _, u := range units {
		byName[u.Name()] = u
	}
	var out []feeds.Feed
	for _, n := range names {
		u, ok := byName[n]
		if !ok {
			log.Warn().Str("feed", n).Msg("unknown feed name, skipping")
			continue
		}
		out = append(out, u)
	}
	return out
}

// splitPriceFeeds separates the candle units from everything else.
func splitPriceFeeds(units []feeds.Feed) (priced, rest []feeds.Feed) {
	for _, u := range units {
		name := u.Name()
		if strings.HasSuffix(name, ".kline") || strings.HasSuffix(name, ".history-candles") {
			priced = append(priced, u)
		} else {
			rest = append(rest, u)
		}
	}
	return priced, rest
}

// poll re-fetches the trailing window across every unit. Cycles do not
// overlap; a cycle still running when the next tick fires wins.
func (o *Orchestrator) poll(ctx context.Context) {
	if !o.backfilled.Load() {
		return
	}
	if !o.polling.CompareAndSwap(false, true) {
		log.Warn().Msg("poll cycle still running, skipping tick")
		return
	}
	defer o.polling.Store(false)

	to := time.Now().UnixMilli()
	from := to - pollWindow.Milliseconds()
	priced, rest := splitPriceFeeds(o.units)
	o.runUnits(ctx, priced, from, to)
	o.runUnits(ctx, rest, from, to)
}

func (o *Orchestrator) incremental(ctx context.Context) {
	if !o.backfilled.Load() {
		return
	}
	if err := o.engine.IncrementalPass(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("incremental metric pass failed")
	}
}

func (o *Orchestrator) retention(ctx context.Context) {
	if err := o.st.EnforceRetention(ctx, time.Now()); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("retention sweep failed")
	}
}
