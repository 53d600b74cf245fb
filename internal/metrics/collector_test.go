package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCollector(t *testing.T) {
	// promauto registers on the default registry, so a single collector is
	// shared by every subtest.
	c := NewCollector("keyrouter_test", zaptest.NewLogger(t))

	c.RecordAcquire("chat", "groq", "ok")
	c.RecordAcquire("chat", "groq", "ok")
	c.RecordFailover("chat", "groq")
	c.RecordOutcome("groq", "success")
	c.RecordKeyDisabled("groq", "rate_limited")
	c.RecordReset()
	c.SetProviderGauges("groq", 2, 40, 100)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.acquiresTotal.WithLabelValues("chat", "groq", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failoversTotal.WithLabelValues("chat", "groq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomesTotal.WithLabelValues("groq", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disablesTotal.WithLabelValues("groq", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resetsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.availableKeys.WithLabelValues("groq")))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.usedToday.WithLabelValues("groq")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.totalCapacity.WithLabelValues("groq")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordAcquire("chat", "groq", "ok")
		c.RecordFailover("chat", "groq")
		c.RecordOutcome("groq", "success")
		c.RecordKeyDisabled("groq", "quota_exhausted")
		c.RecordReset()
		c.SetProviderGauges("groq", 0, 0, 0)
	})
}
