package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyMonitor_Stats(t *testing.T) {
	m := NewLatencyMonitor(100)
	for i := 1; i <= 100; i++ {
		m.Record("order", time.Duration(i)*time.Millisecond)
	}
	s := m.Stats("order")
	assert.Equal(t, 100, s.Count)
	assert.InDelta(t, 50.5, s.Avg, 0.001)
	assert.Equal(t, int64(50), s.P50)
	assert.Equal(t, int64(95), s.P95)
	assert.Equal(t, int64(100), s.Max)

	assert.Equal(t, 0, m.Stats("missing").Count)
}

func TestLatencyMonitor_RingEvictsOldest(t *testing.T) {
	m := NewLatencyMonitor(3)
	for _, ms := range []int{500, 1, 2, 3} {
		m.Record("x", time.Duration(ms)*time.Millisecond)
	}
	s := m.Stats("x")
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, int64(3), s.Max)
}

func TestLatencyMonitor_Handler(t *testing.T) {
	m := NewLatencyMonitor(10)
	m.Record("edgex_order", 12*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/latency", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"edgex_order"`)
	assert.Contains(t, rec.Body.String(), `"max":12`)
}
