package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

const DefaultLatencySamples = 1000

// LatencyStats 单个类别的统计（毫秒）
type LatencyStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   int64   `json:"p50"`
	P95   int64   `json:"p95"`
	Max   int64   `json:"max"`
}

// LatencyMonitor 按类别保存最近 N 个延迟样本（环形缓冲）
type LatencyMonitor struct {
	mu      sync.Mutex
	limit   int
	samples map[string]*ring
}

type ring struct {
	buf  []int64
	next int
	full bool
}

func NewLatencyMonitor(limit int) *LatencyMonitor {
	if limit <= 0 {
		limit = DefaultLatencySamples
	}
	return &LatencyMonitor{limit: limit, samples: make(map[string]*ring)}
}

// Record 记录一次延迟
func (m *LatencyMonitor) Record(category string, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.samples[category]
	if !ok {
		r = &ring{buf: make([]int64, 0, m.limit)}
		m.samples[category] = r
	}
	ms := d.Milliseconds()
	if len(r.buf) < m.limit {
		r.buf = append(r.buf, ms)
		return
	}
	r.buf[r.next] = ms
	r.next = (r.next + 1) % m.limit
	r.full = true
}

// Stats 某个类别的统计；没有样本时 Count=0
func (m *LatencyMonitor) Stats(category string) LatencyStats {
	if m == nil {
		return LatencyStats{}
	}
	m.mu.Lock()
	r, ok := m.samples[category]
	var vals []int64
	if ok {
		vals = append(vals, r.buf...)
	}
	m.mu.Unlock()
	return compute(vals)
}

// Snapshot 所有类别的统计
func (m *LatencyMonitor) Snapshot() map[string]LatencyStats {
	out := make(map[string]LatencyStats)
	if m == nil {
		return out
	}
	m.mu.Lock()
	cats := make([]string, 0, len(m.samples))
	for c := range m.samples {
		cats = append(cats, c)
	}
	m.mu.Unlock()
	for _, c := range cats {
		out[c] = m.Stats(c)
	}
	return out
}

func compute(vals []int64) LatencyStats {
	if len(vals) == 0 {
		return LatencyStats{}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	var sum int64
	for _, v := range vals {
		sum += v
	}
	return LatencyStats{
		Count: len(vals),
		Avg:   float64(sum) / float64(len(vals)),
		P50:   percentile(vals, 50),
		P95:   percentile(vals, 95),
		Max:   vals[len(vals)-1],
	}
}

// percentile 最近秩法，vals 已排序
func percentile(vals []int64, p int) int64 {
	idx := (len(vals)*p+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

// Handler 以 JSON 输出 Snapshot
func (m *LatencyMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
