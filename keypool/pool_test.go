package keypool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedWrite struct {
	provider     string
	keyIndex     int
	day          time.Time
	requestCount int
}

// captureSink collects usage writes for assertions.
type captureSink struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (s *captureSink) Record(provider string, keyIndex int, day time.Time, requestCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, recordedWrite{provider, keyIndex, day, requestCount})
}

func (s *captureSink) last() (recordedWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return recordedWrite{}, false
	}
	return s.writes[len(s.writes)-1], true
}

func newTestPool(t *testing.T, specs []KeySpec, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	pool, err := New("groq", specs, opts...)
	require.NoError(t, err)
	return pool
}

func specs(n, limit int) []KeySpec {
	out := make([]KeySpec, n)
	for i := range out {
		out[i] = KeySpec{Secret: "sk-" + string(rune('a'+i)), DailyLimit: limit}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", specs(1, 10))
	assert.Error(t, err)

	_, err = New("groq", nil)
	assert.Error(t, err)

	_, err = New("groq", []KeySpec{{Secret: "s", DailyLimit: 0}})
	assert.Error(t, err)
}

func TestPool_Acquire_RoundRobin(t *testing.T) {
	pool := newTestPool(t, specs(3, 100))

	var order []int
	for i := 0; i < 6; i++ {
		ref, err := pool.Acquire()
		require.NoError(t, err)
		order = append(order, ref.Index)
	}

	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, order)
}

func TestPool_Acquire_Exclude(t *testing.T) {
	pool := newTestPool(t, specs(3, 100))

	ref, err := pool.Acquire()
	require.NoError(t, err)

	other, err := pool.Acquire(ref.Index)
	require.NoError(t, err)
	assert.NotEqual(t, ref.Index, other.Index)
	assert.Equal(t, "groq", other.Provider)

	// Excluding everything exhausts the pool for this attempt.
	_, err = pool.Acquire(0, 1, 2)
	assert.ErrorIs(t, err, ErrNoAvailableKey)
}

func TestPool_QuotaExhaustion(t *testing.T) {
	// Two keys, limit 3 each: six success cycles visit k0,k1,k0,k1,k0,k1,
	// then the pool is done for the day.
	pool := newTestPool(t, specs(2, 3))

	var order []int
	for i := 0; i < 6; i++ {
		ref, err := pool.Acquire()
		require.NoError(t, err)
		order = append(order, ref.Index)
		require.NoError(t, pool.Report(ref.Index, OutcomeSuccess))
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, order)

	_, err := pool.Acquire()
	assert.ErrorIs(t, err, ErrNoAvailableKey)

	st := pool.Stats()
	assert.Equal(t, 0, st.AvailableKeys)
	assert.Equal(t, 6, st.UsedToday)
	assert.Equal(t, 6, st.TotalCapacity)
}

func TestPool_SoftFailureDisable(t *testing.T) {
	pool := newTestPool(t, specs(2, 100))

	for i := 0; i < DefaultErrorThreshold; i++ {
		require.NoError(t, pool.Report(0, OutcomeServerError))
	}

	st := pool.Stats()
	assert.False(t, st.Keys[0].Available)
	assert.Equal(t, DefaultErrorThreshold, st.Keys[0].ErrorCount)

	// Only key 1 is ever served now.
	for i := 0; i < 4; i++ {
		ref, err := pool.Acquire()
		require.NoError(t, err)
		assert.Equal(t, 1, ref.Index)
	}
}

func TestPool_SuccessResetsErrorCount(t *testing.T) {
	pool := newTestPool(t, specs(1, 100))

	for i := 0; i < DefaultErrorThreshold-1; i++ {
		require.NoError(t, pool.Report(0, OutcomeTimeout))
	}
	require.NoError(t, pool.Report(0, OutcomeSuccess))
	require.NoError(t, pool.Report(0, OutcomeServerError))

	st := pool.Stats()
	assert.True(t, st.Keys[0].Available)
	assert.Equal(t, 1, st.Keys[0].ErrorCount)
}

func TestPool_HardFailureDisable(t *testing.T) {
	pool := newTestPool(t, specs(2, 100))

	// A single rate-limit outcome disables the key regardless of errorCount.
	require.NoError(t, pool.Report(0, OutcomeRateLimited))

	st := pool.Stats()
	assert.False(t, st.Keys[0].Available)
	assert.True(t, st.Keys[0].RateLimited)
	// The rate-limited request still counts against the quota.
	assert.Equal(t, 1, st.Keys[0].RequestCount)

	ref, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Index)
}

func TestPool_AuthErrorIsTerminal(t *testing.T) {
	pool := newTestPool(t, specs(2, 100))

	require.NoError(t, pool.Report(0, OutcomeAuthError))

	st := pool.Stats()
	assert.False(t, st.Keys[0].Available)
	assert.True(t, st.Keys[0].AuthInvalid)
	// Auth failures do not consume quota.
	assert.Equal(t, 0, st.Keys[0].RequestCount)

	// Daily reset re-enables everything except auth-invalid keys.
	pool.Reset(time.Now())
	st = pool.Stats()
	assert.False(t, st.Keys[0].Available)
	assert.True(t, st.Keys[1].Available)
}

func TestPool_Report_UnknownKey(t *testing.T) {
	pool := newTestPool(t, specs(1, 10))
	assert.ErrorIs(t, pool.Report(5, OutcomeSuccess), ErrKeyNotFound)
	assert.ErrorIs(t, pool.Report(-1, OutcomeSuccess), ErrKeyNotFound)
}

func TestPool_Report_UnknownOutcome(t *testing.T) {
	pool := newTestPool(t, specs(1, 10))
	assert.Error(t, pool.Report(0, Outcome("weird")))

	// A rejected report leaves the key untouched, lifetime stats included.
	st := pool.Stats()
	assert.Equal(t, int64(0), st.Keys[0].TotalRequests)
	assert.Nil(t, st.Keys[0].LastUsedAt)
	assert.Equal(t, 0, st.Keys[0].RequestCount)
}

func TestPool_Reset_Idempotent(t *testing.T) {
	pool := newTestPool(t, specs(2, 3))

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Report(0, OutcomeSuccess))
	}
	require.NoError(t, pool.Report(1, OutcomeRateLimited))

	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	pool.Reset(day)
	first := pool.Stats()

	pool.Reset(day)
	second := pool.Stats()

	assert.Equal(t, first, second)
	assert.Equal(t, 2, second.AvailableKeys)
	assert.Equal(t, 0, second.UsedToday)
	for _, k := range second.Keys {
		assert.Equal(t, "2026-09-01", k.LastResetDate)
		assert.False(t, k.RateLimited)
		assert.Equal(t, 0, k.ErrorCount)
	}
}

func TestPool_NeedsReset(t *testing.T) {
	yesterday := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	today := time.Date(2026, 9, 1, 0, 5, 0, 0, time.UTC)

	clock := yesterday
	pool := newTestPool(t, specs(1, 10), WithClock(func() time.Time { return clock }))

	assert.False(t, pool.NeedsReset(yesterday))
	assert.True(t, pool.NeedsReset(today))

	pool.Reset(today)
	assert.False(t, pool.NeedsReset(today))
}

func TestPool_Seed(t *testing.T) {
	pool := newTestPool(t, specs(2, 10))

	pool.Seed(map[int]int{0: 10, 1: 4, 7: 3, -1: 1})

	st := pool.Stats()
	assert.False(t, st.Keys[0].Available) // seeded to its limit
	assert.True(t, st.Keys[1].Available)
	assert.Equal(t, 14, st.UsedToday)
}

func TestPool_SinkReceivesCountChanges(t *testing.T) {
	sink := &captureSink{}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	pool := newTestPool(t, specs(1, 10),
		WithSink(sink),
		WithClock(func() time.Time { return now }))

	require.NoError(t, pool.Report(0, OutcomeSuccess))
	require.NoError(t, pool.Report(0, OutcomeServerError)) // no count change
	require.NoError(t, pool.Report(0, OutcomeRateLimited))

	sink.mu.Lock()
	writes := len(sink.writes)
	sink.mu.Unlock()
	assert.Equal(t, 2, writes)

	last, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, "groq", last.provider)
	assert.Equal(t, 0, last.keyIndex)
	assert.Equal(t, 2, last.requestCount)
	assert.Equal(t, DayUTC(now), last.day)
}

func TestPool_ConcurrentAccounting(t *testing.T) {
	// Capacity for exactly 100 requests across 4 keys; 100 goroutines each
	// acquire and report success. No lost updates, no over-quota issue.
	pool := newTestPool(t, specs(4, 25))

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := pool.Acquire()
			if err != nil {
				errs <- err
				return
			}
			errs <- pool.Report(ref.Index, OutcomeSuccess)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// No lost updates and no double counting: every report landed exactly once.
	st := pool.Stats()
	assert.Equal(t, 100, st.UsedToday)
	assert.Equal(t, 100, st.TotalCapacity)
}

func TestDayUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2026-09-02 02:30 in UTC+9 is still 2026-09-01 in UTC.
	local := time.Date(2026, 9, 2, 2, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), DayUTC(local))
}
