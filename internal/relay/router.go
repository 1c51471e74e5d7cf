// Package relay 实现多跳中继的路由节点：一条上游链路，N 个下游端点。
package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/link"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/internal/protocol"
)

var log = logrus.WithField("component", "relay")

// Endpoint 下游端点（一个已连接的 bridge / 页面）
type Endpoint interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Upstream 上游链路的发送契约（*link.Segment 满足）。路由器不会碰它的内部队列。
type Upstream interface {
	Send(payload []byte) error
	State() link.State
}

// Router 上游消息广播到所有下游端点；下游消息转发到上游。
type Router struct {
	upstream Upstream
	now      func() time.Time

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewRouter(upstream Upstream) *Router {
	return &Router{
		upstream:  upstream,
		now:       time.Now,
		endpoints: make(map[string]Endpoint),
	}
}

// Bind 把上游链路的事件与消息接到路由器上
func Bind(r *Router, seg *link.Segment) {
	seg.OnEvent(r.HandleUpstreamEvent)
	seg.OnMessage(r.HandleUpstreamMessage)
}

func (r *Router) encode(msg protocol.Message) []byte {
	b, err := protocol.Encode(msg, r.now())
	if err != nil {
		log.Errorf("encode %s: %v", msg.Type(), err)
		return nil
	}
	return b
}

// Register 注册端点。上游已连接时立即向它宣告 backend_status，晚加入者不必等下一次事件。
func (r *Router) Register(ep Endpoint) {
	r.mu.Lock()
	if old, exists := r.endpoints[ep.ID()]; exists && old != ep {
		_ = old.Close()
	}
	r.endpoints[ep.ID()] = ep
	n := len(r.endpoints)
	r.mu.Unlock()

	metrics.RelayEndpoints.Set(int64(n))
	log.WithField("endpoint", ep.ID()).Infof("endpoint registered (total=%d)", n)

	if r.upstream != nil && r.upstream.State() == link.StateConnected {
		if err := ep.Send(r.encode(protocol.BackendStatus{Connected: true})); err != nil {
			log.WithField("endpoint", ep.ID()).Warnf("late-join announcement failed: %v", err)
			r.DeregisterEndpoint(ep)
		}
	}
}

// Deregister 移除端点并通知上游（frontend_disconnected）。重复调用是 no-op。
func (r *Router) Deregister(id string) {
	r.remove(id, nil)
}

// DeregisterEndpoint 只有当前注册的正是 ep 时才移除；
// 同 ID 已被新连接替换时，旧连接的清理不会误删新连接。
func (r *Router) DeregisterEndpoint(ep Endpoint) {
	r.remove(ep.ID(), ep)
}

func (r *Router) remove(id string, want Endpoint) {
	r.mu.Lock()
	ep, exists := r.endpoints[id]
	if exists && want != nil && ep != want {
		exists = false
	}
	if exists {
		delete(r.endpoints, id)
	}
	n := len(r.endpoints)
	r.mu.Unlock()

	if !exists {
		return
	}
	_ = ep.Close()
	metrics.RelayEndpoints.Set(int64(n))
	log.WithField("endpoint", id).Infof("endpoint deregistered (total=%d)", n)

	if r.upstream == nil {
		return
	}
	if err := r.upstream.Send(r.encode(protocol.FrontendDisconnected{EndpointID: id})); err != nil {
		log.WithField("endpoint", id).Debugf("frontend_disconnected not forwarded: %v", err)
	}
}

// Endpoints 当前端点 ID（排序后）
func (r *Router) Endpoints() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Broadcast 尽力投递给每个端点：单个端点失败不影响其他端点，失败的端点被注销。
// 返回成功投递的端点数。
func (r *Router) Broadcast(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	r.mu.RLock()
	targets := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		targets = append(targets, ep)
	}
	r.mu.RUnlock()

	metrics.RelayBroadcasts.Add(1)

	delivered := 0
	var failed []Endpoint
	for _, ep := range targets {
		if err := sendSafe(ep, payload); err != nil {
			metrics.RelayBroadcastErrors.Add(1)
			log.WithField("endpoint", ep.ID()).Warnf("broadcast failed, dropping endpoint: %v", err)
			failed = append(failed, ep)
			continue
		}
		delivered++
	}
	for _, ep := range failed {
		r.DeregisterEndpoint(ep)
	}
	return delivered
}

func sendSafe(ep Endpoint, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("endpoint send panic")
		}
	}()
	return ep.Send(payload)
}

// ForwardUpstream 下游端点的消息转发到上游（上游未连接时由链路排队）
func (r *Router) ForwardUpstream(fromID string, payload []byte) error {
	if r.upstream == nil {
		return errors.New("relay: no upstream")
	}
	if err := r.upstream.Send(payload); err != nil {
		log.WithField("endpoint", fromID).Warnf("forward upstream failed: %v", err)
		return err
	}
	metrics.RelayForwarded.Add(1)
	return nil
}

// HandleDownstream 处理来自下游端点的一条消息：ping 就地回 pong，其余转发上游
func (r *Router) HandleDownstream(ep Endpoint, payload []byte) {
	if t, err := protocol.PeekType(payload); err == nil && t == protocol.TypePing {
		if err := ep.Send(r.encode(protocol.Pong{Timestamp: r.now().UnixMilli()})); err != nil {
			log.WithField("endpoint", ep.ID()).Debugf("pong failed: %v", err)
		}
		return
	}
	_ = r.ForwardUpstream(ep.ID(), payload)
}

// HandleUpstreamMessage 上游消息：ping 由中继自己回复，其余广播
func (r *Router) HandleUpstreamMessage(payload []byte) {
	if t, err := protocol.PeekType(payload); err == nil && t == protocol.TypePing {
		if r.upstream != nil {
			_ = r.upstream.Send(r.encode(protocol.Pong{Timestamp: r.now().UnixMilli()}))
		}
		return
	}
	r.Broadcast(payload)
}

// HandleUpstreamEvent 上游连通性变化广播给所有下游
func (r *Router) HandleUpstreamEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventLinkUp:
		r.Broadcast(r.encode(protocol.BackendStatus{Connected: true}))
	case link.EventLinkDown:
		r.Broadcast(r.encode(protocol.BackendStatus{Connected: false}))
	case link.EventExhausted:
		log.WithField("segment", ev.Segment).Errorf("upstream exhausted: %v", ev.Err)
		r.Broadcast(r.encode(protocol.BackendStatus{Connected: false, Exhausted: true}))
	}
}
