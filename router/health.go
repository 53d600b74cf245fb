package router

import (
	"sort"

	"github.com/BaSui01/keyrouter/keypool"
)

// ProviderHealth summarizes one provider's capacity for status reporting.
type ProviderHealth struct {
	Available         bool    `json:"available"`
	TotalKeys         int     `json:"total_keys"`
	AvailableKeys     int     `json:"available_keys"`
	TotalCapacity     int     `json:"total_capacity"`
	UsedToday         int     `json:"used_today"`
	RemainingCapacity int     `json:"remaining_capacity"`
	PercentUsed       float64 `json:"percent_used"`
}

// HealthSnapshot maps provider code to its health summary.
type HealthSnapshot map[string]ProviderHealth

// Health returns the per-provider capacity summary and refreshes the
// provider gauges as a side effect.
func (r *Router) Health() HealthSnapshot {
	snapshot := make(HealthSnapshot, len(r.pools))
	for code, pool := range r.pools {
		stats := pool.Stats()

		// UsedToday can exceed TotalCapacity when leases were outstanding at
		// the last selection instant, so remaining can go negative. Reporting
		// it as-is keeps remaining + used == total in every state.
		remaining := stats.TotalCapacity - stats.UsedToday
		percent := 0.0
		if stats.TotalCapacity > 0 {
			percent = float64(stats.UsedToday) / float64(stats.TotalCapacity) * 100
		}

		snapshot[code] = ProviderHealth{
			Available:         stats.AvailableKeys > 0,
			TotalKeys:         stats.TotalKeys,
			AvailableKeys:     stats.AvailableKeys,
			TotalCapacity:     stats.TotalCapacity,
			UsedToday:         stats.UsedToday,
			RemainingCapacity: remaining,
			PercentUsed:       percent,
		}

		r.collector.SetProviderGauges(code,
			stats.AvailableKeys, stats.UsedToday, stats.TotalCapacity)
	}
	return snapshot
}

// Stats returns the full per-key snapshot of every pool, ordered by
// provider code for stable output.
func (r *Router) Stats() []keypool.Stats {
	codes := make([]string, 0, len(r.pools))
	for code := range r.pools {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]keypool.Stats, 0, len(codes))
	for _, code := range codes {
		out = append(out, r.pools[code].Stats())
	}
	return out
}

// Tasks returns the configured task names, sorted.
func (r *Router) Tasks() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
