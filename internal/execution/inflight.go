package execution

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateInFlight 同一 clientOrderId 的下单仍在进行中
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// InFlightGate 按 clientOrderId 的 in-flight 闸门：同一个关联 ID 同时只允许一个下单流程。
//
// ttl 只是兜底（调用方忘记 Release 时自动过期），正常路径总是显式 Release。
type InFlightGate struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

func NewInFlightGate(ttl time.Duration) *InFlightGate {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &InFlightGate{ttl: ttl, now: time.Now, m: make(map[string]time.Time)}
}

// TryAcquire 成功返回 nil；已被占用返回 ErrDuplicateInFlight。空 key 不参与去重。
func (g *InFlightGate) TryAcquire(key string) error {
	if g == nil || key == "" {
		return nil
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.m[key]; ok {
		if exp.After(now) {
			return ErrDuplicateInFlight
		}
		delete(g.m, key)
	}
	g.m[key] = now.Add(g.ttl)
	return nil
}

// Release 释放 key
func (g *InFlightGate) Release(key string) {
	if g == nil || key == "" {
		return
	}
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Len 当前占用数（含未清理的过期项）
func (g *InFlightGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
