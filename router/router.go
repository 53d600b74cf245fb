// Package router composes per-provider key pools into the public routing
// facade: acquire a credential for a task, report the call outcome, and
// observe aggregate health. Providers are tried in the task's configured
// priority order; per-provider exhaustion is handled internally and only
// all-providers-unavailable surfaces to callers.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/keyrouter/config"
	"github.com/BaSui01/keyrouter/internal/metrics"
	"github.com/BaSui01/keyrouter/keypool"
	"github.com/BaSui01/keyrouter/types"
)

// UsageLoader restores persisted counters at startup.
type UsageLoader interface {
	LoadDay(ctx context.Context, day time.Time) (map[string]map[int]int, error)
}

// Router is the key-pool routing facade. Safe for concurrent use: each
// provider pool carries its own lock and the routing tables are immutable
// after New.
type Router struct {
	logger    *zap.Logger
	collector *metrics.Collector
	sink      keypool.UsageSink
	now       func() time.Time

	pools map[string]*keypool.Pool
	tasks map[string][]string

	sched *resetScheduler
}

// Option customizes a Router.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	collector *metrics.Collector
	sink      keypool.UsageSink
	now       func() time.Time
}

// WithLogger sets the router logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.collector = c
	}
}

// WithUsageSink attaches the durable usage sink shared by all pools.
func WithUsageSink(sink keypool.UsageSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds the router from static configuration: one pool per provider,
// one ordered provider list per task.
func New(cfg config.RouterConfig, opts ...Option) (*Router, error) {
	o := &options{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &Router{
		logger:    o.logger,
		collector: o.collector,
		sink:      o.sink,
		now:       o.now,
		pools:     make(map[string]*keypool.Pool, len(cfg.Providers)),
		tasks:     make(map[string][]string, len(cfg.Tasks)),
	}

	for _, pc := range cfg.Providers {
		if _, exists := r.pools[pc.Code]; exists {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("duplicate provider %q", pc.Code))
		}

		specs := make([]keypool.KeySpec, len(pc.Keys))
		for i, kc := range pc.Keys {
			limit := kc.DailyLimit
			if limit <= 0 {
				limit = pc.DefaultDailyLimit
			}
			specs[i] = keypool.KeySpec{Secret: kc.Secret, DailyLimit: limit}
		}

		poolOpts := []keypool.Option{
			keypool.WithLogger(o.logger),
			keypool.WithClock(o.now),
			keypool.WithDisableHook(func(provider string, keyIndex int, reason string) {
				r.collector.RecordKeyDisabled(provider, reason)
			}),
		}
		if cfg.ErrorThreshold > 0 {
			poolOpts = append(poolOpts, keypool.WithErrorThreshold(cfg.ErrorThreshold))
		}
		if o.sink != nil {
			poolOpts = append(poolOpts, keypool.WithSink(o.sink))
		}

		pool, err := keypool.New(pc.Code, specs, poolOpts...)
		if err != nil {
			return nil, types.NewError(types.ErrConfigInvalid, "invalid provider pool").
				WithProvider(pc.Code).WithCause(err)
		}
		r.pools[pc.Code] = pool
	}

	for task, providers := range cfg.Tasks {
		if len(providers) == 0 {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("task %q has no providers", task))
		}
		for _, code := range providers {
			if _, ok := r.pools[code]; !ok {
				return nil, types.NewError(types.ErrConfigInvalid,
					fmt.Sprintf("task %q references unknown provider %q", task, code))
			}
		}
		r.tasks[task] = append([]string(nil), providers...)
	}

	r.sched = newResetScheduler(r)

	return r, nil
}

// Seed restores today's request counts from the durable store. Call before
// Start so a restart mid-day does not refill quotas.
func (r *Router) Seed(ctx context.Context, loader UsageLoader) error {
	counts, err := loader.LoadDay(ctx, keypool.DayUTC(r.now()))
	if err != nil {
		return types.NewError(types.ErrPersistenceFailed, "failed to load usage counters").WithCause(err)
	}

	for code, keyCounts := range counts {
		pool, ok := r.pools[code]
		if !ok {
			r.logger.Warn("persisted usage for unknown provider", zap.String("provider", code))
			continue
		}
		pool.Seed(keyCounts)
	}

	r.logger.Info("usage counters seeded", zap.Int("providers", len(counts)))
	return nil
}

// Start runs the startup catch-up reset, then launches the midnight reset
// loop. Must be called before serving Acquire.
func (r *Router) Start(ctx context.Context) {
	r.sched.start(ctx)
}

// Stop halts the reset loop.
func (r *Router) Stop() {
	r.sched.stop()
}

// Acquire returns a usable credential for the task, walking its provider
// list in priority order. Keys named in exclude are skipped, which lets a
// caller retry a soft failure on a different key of the same provider.
//
// The caller owns the upstream call and must eventually report the outcome
// with ReportOutcome, passing OutcomeTimeout if it abandoned the request.
func (r *Router) Acquire(task string, exclude ...keypool.Ref) (keypool.Ref, error) {
	return r.acquire(task, nil, exclude)
}

// AcquireAfter applies the retry policy for a failed attempt: after a
// server error or timeout another key of the same provider is preferred;
// after a rate limit or auth error the failed provider is skipped outright,
// since it is unlikely to help immediately.
func (r *Router) AcquireAfter(task string, failed keypool.Ref, outcome keypool.Outcome) (keypool.Ref, error) {
	switch outcome {
	case keypool.OutcomeRateLimited, keypool.OutcomeAuthError:
		return r.acquire(task, map[string]bool{failed.Provider: true}, nil)
	default:
		return r.acquire(task, nil, []keypool.Ref{failed})
	}
}

func (r *Router) acquire(task string, skipProviders map[string]bool, exclude []keypool.Ref) (keypool.Ref, error) {
	providers, ok := r.tasks[task]
	if !ok {
		return keypool.Ref{}, types.NewError(types.ErrTaskNotConfigured,
			fmt.Sprintf("no providers configured for task %q", task))
	}

	excluded := make(map[string][]int)
	for _, ref := range exclude {
		excluded[ref.Provider] = append(excluded[ref.Provider], ref.Index)
	}

	for _, code := range providers {
		if skipProviders[code] {
			continue
		}

		ref, err := r.pools[code].Acquire(excluded[code]...)
		if err == nil {
			r.collector.RecordAcquire(task, code, "ok")
			r.logger.Debug("key acquired",
				zap.String("task", task),
				zap.Stringer("ref", ref))
			return ref, nil
		}

		if errors.Is(err, keypool.ErrNoAvailableKey) {
			r.collector.RecordAcquire(task, code, "exhausted")
			r.collector.RecordFailover(task, code)
			continue
		}

		return keypool.Ref{}, err
	}

	r.logger.Warn("all providers unavailable", zap.String("task", task))
	return keypool.Ref{}, types.NewError(types.ErrAllProvidersUnavailable,
		fmt.Sprintf("all providers unavailable for task %q", task)).
		WithRetryable(true)
}

// ReportOutcome feeds the result of the upstream call back into the key's
// state machine and usage accounting.
func (r *Router) ReportOutcome(ref keypool.Ref, outcome keypool.Outcome) error {
	pool, ok := r.pools[ref.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", ref.Provider)
	}

	r.collector.RecordOutcome(ref.Provider, string(outcome))
	return pool.Report(ref.Index, outcome)
}

// IsAllProvidersUnavailable reports whether err is the terminal
// no-capacity error returned by Acquire.
func IsAllProvidersUnavailable(err error) bool {
	return types.GetErrorCode(err) == types.ErrAllProvidersUnavailable
}
