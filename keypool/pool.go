package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoAvailableKey means every key of the provider is exhausted,
	// disabled, or excluded. The failover orchestrator handles it; it never
	// reaches external callers.
	ErrNoAvailableKey = errors.New("no available key")

	// ErrKeyNotFound means a Report named a key index the pool does not hold.
	ErrKeyNotFound = errors.New("key not found")
)

// DefaultErrorThreshold is the consecutive soft-failure count that disables
// a key until the next daily reset.
const DefaultErrorThreshold = 5

// UsageSink receives request-count updates for durable storage. Implementations
// must not block: the pool calls Record on the Acquire/Report path.
type UsageSink interface {
	Record(provider string, keyIndex int, day time.Time, requestCount int)
}

// nopSink discards usage updates.
type nopSink struct{}

func (nopSink) Record(string, int, time.Time, int) {}

// Pool owns the key state of a single provider. All state transitions happen
// under one per-pool mutex, so pools of unrelated providers never contend.
type Pool struct {
	provider  string
	threshold int
	logger    *zap.Logger
	sink      UsageSink
	onDisable func(provider string, keyIndex int, reason string)
	now       func() time.Time

	mu     sync.Mutex
	keys   []*keyState
	cursor int
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSink sets the usage persistence sink.
func WithSink(sink UsageSink) Option {
	return func(p *Pool) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithErrorThreshold overrides the soft-failure disable threshold.
func WithErrorThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithDisableHook registers a callback fired whenever a key flips from
// available to unavailable. The hook runs outside the pool lock.
func WithDisableHook(fn func(provider string, keyIndex int, reason string)) Option {
	return func(p *Pool) {
		p.onDisable = fn
	}
}

// WithClock overrides the time source. Tests use this to cross day
// boundaries deterministically.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a pool from the ordered credential list of one provider.
// Key indexes are positions in specs and stay stable for the process
// lifetime.
func New(provider string, specs []KeySpec, opts ...Option) (*Pool, error) {
	if provider == "" {
		return nil, errors.New("keypool: empty provider code")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("keypool: provider %q has no keys", provider)
	}

	p := &Pool{
		provider:  provider,
		threshold: DefaultErrorThreshold,
		logger:    zap.NewNop(),
		sink:      nopSink{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	today := DayUTC(p.now())
	p.keys = make([]*keyState, len(specs))
	for i, spec := range specs {
		if spec.DailyLimit <= 0 {
			return nil, fmt.Errorf("keypool: provider %q key %d has non-positive daily limit", provider, i)
		}
		k := &keyState{
			index:      i,
			secret:     spec.Secret,
			dailyLimit: spec.DailyLimit,
			lastReset:  today,
		}
		k.recomputeAvailable(p.threshold)
		p.keys[i] = k
	}

	return p, nil
}

// Provider returns the provider code this pool serves.
func (p *Pool) Provider() string {
	return p.provider
}

// Acquire picks the next usable key in round-robin order, skipping any
// excluded indexes. The eligible subset is recomputed on every call, so
// disabled keys do not bias the rotation and re-enabled keys rejoin it.
func (p *Pool) Acquire(exclude ...int) (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	excluded := make(map[int]bool, len(exclude))
	for _, idx := range exclude {
		excluded[idx] = true
	}

	eligible := make([]*keyState, 0, len(p.keys))
	for _, k := range p.keys {
		if k.available && !excluded[k.index] {
			eligible = append(eligible, k)
		}
	}

	if len(eligible) == 0 {
		return Ref{}, ErrNoAvailableKey
	}

	selected := eligible[p.cursor%len(eligible)]
	p.cursor++

	return Ref{
		Provider: p.provider,
		Index:    selected.index,
		Secret:   selected.secret,
		Lease:    uuid.New(),
	}, nil
}

// Report applies the outcome of an upstream call to the named key. The
// counter increment and the availability recomputation happen atomically
// under the pool lock; the durable usage write is handed to the sink after
// the lock is released.
func (p *Pool) Report(keyIndex int, outcome Outcome) error {
	p.mu.Lock()

	if keyIndex < 0 || keyIndex >= len(p.keys) {
		p.mu.Unlock()
		return fmt.Errorf("%w: provider %q index %d", ErrKeyNotFound, p.provider, keyIndex)
	}

	switch outcome {
	case OutcomeSuccess, OutcomeRateLimited, OutcomeAuthError, OutcomeServerError, OutcomeTimeout:
	default:
		p.mu.Unlock()
		return fmt.Errorf("keypool: unknown outcome %q", outcome)
	}

	k := p.keys[keyIndex]
	now := p.now()
	k.totalRequests++
	k.lastUsedAt = &now

	countChanged := false
	switch outcome {
	case OutcomeSuccess:
		k.requestCount++
		k.errorCount = 0
		countChanged = true

	case OutcomeRateLimited:
		k.requestCount++
		k.rateLimited = true
		k.failedRequests++
		k.lastErrorAt = &now
		k.lastError = "rate limited"
		countChanged = true

	case OutcomeAuthError:
		k.authInvalid = true
		k.failedRequests++
		k.lastErrorAt = &now
		k.lastError = "authentication rejected"

	case OutcomeServerError, OutcomeTimeout:
		k.errorCount++
		k.failedRequests++
		k.lastErrorAt = &now
		k.lastError = string(outcome)
	}

	wasAvailable := k.available
	k.recomputeAvailable(p.threshold)

	disabledReason := ""
	if wasAvailable && !k.available {
		disabledReason = disableReason(k, p.threshold)
	}
	keyIdx := k.index

	day := DayUTC(now)
	count := k.requestCount
	p.mu.Unlock()

	if disabledReason != "" {
		p.logger.Warn("key disabled",
			zap.String("provider", p.provider),
			zap.Int("key_index", keyIdx),
			zap.String("reason", disabledReason),
			zap.String("outcome", string(outcome)))
		if p.onDisable != nil {
			p.onDisable(p.provider, keyIdx, disabledReason)
		}
	}
	if countChanged {
		p.sink.Record(p.provider, keyIndex, day, count)
	}

	return nil
}

// disableReason names which invariant tripped, for observability. Must be
// called with the pool lock held.
func disableReason(k *keyState, threshold int) string {
	switch {
	case k.authInvalid:
		return "auth_invalid"
	case k.rateLimited:
		return "rate_limited"
	case k.errorCount >= threshold:
		return "error_threshold"
	case k.requestCount >= k.dailyLimit:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}

// Reset zeroes quota and error counters and re-enables every key except
// those with an invalid credential. Idempotent: running it twice on the same
// day leaves the same state.
func (p *Pool) Reset(day time.Time) {
	day = DayUTC(day)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		if k.authInvalid {
			continue
		}
		k.requestCount = 0
		k.errorCount = 0
		k.rateLimited = false
		k.lastReset = day
		k.recomputeAvailable(p.threshold)
	}

	p.logger.Info("pool reset",
		zap.String("provider", p.provider),
		zap.String("day", day.Format(dayFormat)))
}

// NeedsReset reports whether any resettable key last reset before the given
// day. Used by the scheduler's startup catch-up check.
func (p *Pool) NeedsReset(day time.Time) bool {
	day = DayUTC(day)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		if !k.authInvalid && k.lastReset.Before(day) {
			return true
		}
	}
	return false
}

// Seed restores request counts from the durable store after a restart, so a
// mid-day crash does not silently refill quotas. Unknown indexes are ignored.
func (p *Pool) Seed(counts map[int]int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for idx, count := range counts {
		if idx < 0 || idx >= len(p.keys) || count < 0 {
			continue
		}
		k := p.keys[idx]
		k.requestCount = count
		k.recomputeAvailable(p.threshold)
	}
}

// Stats returns a snapshot of the pool, computed on demand.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Provider:  p.provider,
		TotalKeys: len(p.keys),
		Keys:      make([]KeyStats, 0, len(p.keys)),
	}

	for _, k := range p.keys {
		if k.available {
			s.AvailableKeys++
		}
		s.TotalCapacity += k.dailyLimit
		s.UsedToday += k.requestCount

		ks := KeyStats{
			Index:          k.index,
			DailyLimit:     k.dailyLimit,
			RequestCount:   k.requestCount,
			ErrorCount:     k.errorCount,
			Available:      k.available,
			AuthInvalid:    k.authInvalid,
			RateLimited:    k.rateLimited,
			LastResetDate:  k.lastReset.Format(dayFormat),
			TotalRequests:  k.totalRequests,
			FailedRequests: k.failedRequests,
			SuccessRate:    successRate(k),
			LastUsedAt:     k.lastUsedAt,
			LastErrorAt:    k.lastErrorAt,
			LastError:      k.lastError,
		}
		s.Keys = append(s.Keys, ks)
	}

	return s
}

func successRate(k *keyState) float64 {
	if k.totalRequests == 0 {
		return 1.0
	}
	return float64(k.totalRequests-k.failedRequests) / float64(k.totalRequests)
}
