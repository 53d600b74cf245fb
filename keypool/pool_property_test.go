package keypool

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Round-robin fairness: with M fixed available keys and N sequential
// acquisitions, every key is chosen ⌊N/M⌋ or ⌈N/M⌉ times.
func TestPool_Fairness_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := rapid.IntRange(1, 10).Draw(t, "keys")
		n := rapid.IntRange(1, 200).Draw(t, "acquires")

		pool, err := New("groq", specs(m, n+1))
		require.NoError(t, err)

		counts := make(map[int]int)
		for i := 0; i < n; i++ {
			ref, err := pool.Acquire()
			require.NoError(t, err)
			counts[ref.Index]++
		}

		lo, hi := n/m, (n+m-1)/m
		for idx, c := range counts {
			if c < lo || c > hi {
				t.Fatalf("key %d chosen %d times, want between %d and %d", idx, c, lo, hi)
			}
		}
	})
}

// No over-quota selection: whatever mix of outcomes is reported, a key
// returned by Acquire always has request count below its daily limit at the
// instant of selection.
func TestPool_NoOverQuota_Property(t *testing.T) {
	outcomes := []Outcome{
		OutcomeSuccess, OutcomeSuccess, OutcomeSuccess,
		OutcomeRateLimited, OutcomeAuthError, OutcomeServerError, OutcomeTimeout,
	}

	rapid.Check(t, func(t *rapid.T) {
		m := rapid.IntRange(1, 5).Draw(t, "keys")
		limit := rapid.IntRange(1, 10).Draw(t, "limit")
		steps := rapid.IntRange(1, 100).Draw(t, "steps")

		pool, err := New("groq", specs(m, limit))
		require.NoError(t, err)

		for i := 0; i < steps; i++ {
			ref, err := pool.Acquire()
			if err != nil {
				// Pool exhausted; nothing more to verify on this run.
				return
			}

			st := pool.Stats()
			k := st.Keys[ref.Index]
			if k.RequestCount >= k.DailyLimit {
				t.Fatalf("key %d selected at %d/%d requests", ref.Index, k.RequestCount, k.DailyLimit)
			}

			outcome := outcomes[rapid.IntRange(0, len(outcomes)-1).Draw(t, "outcome")]
			require.NoError(t, pool.Report(ref.Index, outcome))
		}
	})
}

// Snapshot consistency: the pool aggregates are exactly the sums of the
// per-key records they summarize, for any reachable state.
func TestPool_StatsConsistency_Property(t *testing.T) {
	outcomes := []Outcome{
		OutcomeSuccess, OutcomeRateLimited, OutcomeAuthError,
		OutcomeServerError, OutcomeTimeout,
	}

	rapid.Check(t, func(t *rapid.T) {
		m := rapid.IntRange(1, 6).Draw(t, "keys")
		limit := rapid.IntRange(1, 20).Draw(t, "limit")
		steps := rapid.IntRange(0, 80).Draw(t, "steps")

		pool, err := New("groq", specs(m, limit))
		require.NoError(t, err)

		for i := 0; i < steps; i++ {
			ref, err := pool.Acquire()
			if err != nil {
				break
			}
			outcome := outcomes[rapid.IntRange(0, len(outcomes)-1).Draw(t, "outcome")]
			require.NoError(t, pool.Report(ref.Index, outcome))
		}

		st := pool.Stats()
		usedSum, capSum, availSum := 0, 0, 0
		for _, k := range st.Keys {
			usedSum += k.RequestCount
			capSum += k.DailyLimit
			if k.Available {
				availSum++
			}
		}
		if st.UsedToday != usedSum {
			t.Fatalf("used today %d, key sum %d", st.UsedToday, usedSum)
		}
		if st.TotalCapacity != capSum || st.TotalCapacity != m*limit {
			t.Fatalf("total capacity %d, key sum %d, want %d", st.TotalCapacity, capSum, m*limit)
		}
		if st.AvailableKeys != availSum {
			t.Fatalf("available keys %d, key sum %d", st.AvailableKeys, availSum)
		}
	})
}
