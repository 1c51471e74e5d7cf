// Package link 实现单跳的可恢复双工链路（LinkSegment）：
// 指数退避重连、尝试上限后进入 Exhausted、心跳保活、断线期间的出站队列与过期丢弃。
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/internal/transport"
)

var log = logrus.WithField("component", "link")

var (
	// ErrSegmentExhausted 重连次数已达上限；调用方需要 Reset 或重建链路
	ErrSegmentExhausted = errors.New("segment exhausted")
	// ErrSegmentStopped 链路已停止
	ErrSegmentStopped = errors.New("segment stopped")
)

// State 链路状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind 链路事件类型
type EventKind int

const (
	EventLinkUp EventKind = iota
	EventLinkDown
	EventExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event 链路事件
type Event struct {
	Segment string
	Kind    EventKind
	At      time.Time
	Err     error // LinkDown / Exhausted 的原因（可能为 nil）
}

// Heartbeat 远端支持 ping/pong 时启用。pong 帧由链路消费，不会交给消息监听者。
type Heartbeat interface {
	Ping(now time.Time) []byte
	IsPong(payload []byte) bool
}

// Config 链路参数
type Config struct {
	Name         string
	BaseDelay    time.Duration // 首次重连等待
	MaxDelay     time.Duration // 退避上限
	MaxAttempts  int           // 连续失败次数上限，达到后进入 Exhausted
	PingInterval time.Duration // <=0 关闭心跳
	PongTimeout  time.Duration // 距上次 pong 超过该时长则强制断开
	StaleAfter   time.Duration // 队列消息超过该时长在 flush 时丢弃；<=0 不过期
	QueueLimit   int           // 队列上限，满了丢最旧的；<=0 不限制
	DialTimeout  time.Duration

	// ExhaustedCooldown >0 时进入 Exhausted 后等待该时长自动 Reset；<=0 只能手动 Reset
	ExhaustedCooldown time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		PingInterval: 30 * time.Second,
		PongTimeout:  90 * time.Second,
		StaleAfter:   5 * time.Second,
		QueueLimit:   1000,
		DialTimeout:  10 * time.Second,
	}
}

type queued struct {
	payload    []byte
	enqueuedAt time.Time
}

// Option 可选项
type Option func(*Segment)

// WithHeartbeat 启用心跳
func WithHeartbeat(hb Heartbeat) Option {
	return func(s *Segment) { s.hb = hb }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Segment) { s.now = now }
}

// Segment 一跳链路。由创建它的组件独占；其他组件只通过 Send / OnMessage / OnEvent 交互。
type Segment struct {
	cfg    Config
	dialer transport.Dialer
	hb     Heartbeat
	now    func() time.Time

	mu       sync.Mutex
	state    State
	attempts int
	queue    []queued
	conn     transport.Conn
	lastPong time.Time
	stopped  bool

	// 保证同一连接上的写入顺序：flush 持有该锁直到队列写完
	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	eventHandlers []func(Event)
	msgHandlers   []func(payload []byte)

	resetCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New 创建链路（不会立即连接，需调用 Start）
func New(cfg Config, dialer transport.Dialer, opts ...Option) *Segment {
	if cfg.Name == "" {
		cfg.Name = dialer.Name()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig("").MaxAttempts
	}
	s := &Segment{
		cfg:     cfg,
		dialer:  dialer,
		now:     time.Now,
		resetCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Segment) Name() string { return s.cfg.Name }

// State 当前状态
func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts 当前连续失败次数
func (s *Segment) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// QueueLen 当前排队的消息数
func (s *Segment) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// OnEvent 注册链路事件监听（在链路自身 goroutine 中同步调用，不要阻塞）
func (s *Segment) OnEvent(fn func(Event)) {
	s.handlersMu.Lock()
	s.eventHandlers = append(s.eventHandlers, fn)
	s.handlersMu.Unlock()
}

// OnMessage 注册消息监听（在读 goroutine 中同步调用，不要阻塞）
func (s *Segment) OnMessage(fn func(payload []byte)) {
	s.handlersMu.Lock()
	s.msgHandlers = append(s.msgHandlers, fn)
	s.handlersMu.Unlock()
}

// Start 启动连接循环
func (s *Segment) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop 关闭连接并结束所有 goroutine
func (s *Segment) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	if s.state != StateExhausted {
		s.state = StateDisconnected
	}
	s.queue = nil
	s.mu.Unlock()
}

// Reset 清零尝试计数；处于 Exhausted 时恢复自动重连
func (s *Segment) Reset() {
	s.mu.Lock()
	s.attempts = 0
	wasExhausted := s.state == StateExhausted
	if wasExhausted {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if wasExhausted {
		log.WithField("segment", s.cfg.Name).Info("segment reset, resuming reconnect")
		select {
		case s.resetCh <- struct{}{}:
		default:
		}
	}
}

// Send 发送消息。
// Connected：直接写入（失败则重新入队并断开连接）；
// Disconnected / Connecting：入队，等待下次连上时 flush；
// Exhausted：返回 ErrSegmentExhausted，不入队。
func (s *Segment) Send(payload []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSegmentStopped
	}
	switch s.state {
	case StateExhausted:
		s.mu.Unlock()
		return ErrSegmentExhausted
	case StateConnected:
		conn := s.conn
		s.writeMu.Lock()
		s.mu.Unlock()
		err := conn.WriteMessage(payload)
		s.writeMu.Unlock()
		if err != nil {
			log.WithField("segment", s.cfg.Name).Warnf("write failed, requeue and reconnect: %v", err)
			_ = conn.Close()
			s.mu.Lock()
			if s.state == StateConnected && s.conn != nil && s.conn != conn {
				// 期间已经重连并 flush 过：直接走新连接
				s.mu.Unlock()
				return s.Send(payload)
			}
			s.enqueueLocked(payload)
			s.mu.Unlock()
		}
		return nil
	default:
		s.enqueueLocked(payload)
		s.mu.Unlock()
		return nil
	}
}

func (s *Segment) enqueueLocked(payload []byte) {
	if s.cfg.QueueLimit > 0 && len(s.queue) >= s.cfg.QueueLimit {
		s.queue = s.queue[1:]
		metrics.LinkDroppedOverflow.Add(s.cfg.Name, 1)
	}
	s.queue = append(s.queue, queued{payload: payload, enqueuedAt: s.now()})
}

func (s *Segment) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Segment) emit(kind EventKind, err error) {
	ev := Event{Segment: s.cfg.Name, Kind: kind, At: s.now(), Err: err}
	s.handlersMu.RLock()
	handlers := append([]func(Event){}, s.eventHandlers...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("segment", s.cfg.Name).Errorf("event handler panic: %v", r)
				}
			}()
			h(ev)
		}()
	}
}

func (s *Segment) deliver(payload []byte) {
	s.handlersMu.RLock()
	handlers := s.msgHandlers
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("segment", s.cfg.Name).Errorf("message handler panic: %v", r)
				}
			}()
			h(payload)
		}()
	}
}

func (s *Segment) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Segment) run(ctx context.Context) {
	l := log.WithField("segment", s.cfg.Name)
	for ctx.Err() == nil {
		s.setState(StateConnecting)

		dialCtx := ctx
		var cancel context.CancelFunc = func() {}
		if s.cfg.DialTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		}
		conn, err := s.dialer.Dial(dialCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.LinkConnectFailures.Add(s.cfg.Name, 1)
			s.mu.Lock()
			s.attempts++
			n := s.attempts
			if n >= s.cfg.MaxAttempts {
				s.state = StateExhausted
				dropped := len(s.queue)
				s.queue = nil
				s.mu.Unlock()

				metrics.LinkExhausted.Add(s.cfg.Name, 1)
				l.Errorf("reconnect exhausted after %d attempts (dropped %d queued): %v", n, dropped, err)
				s.emit(EventExhausted, err)
				if !s.waitReset(ctx) {
					return
				}
				continue
			}
			s.state = StateDisconnected
			s.mu.Unlock()

			delay := Backoff(n-1, s.cfg.BaseDelay, s.cfg.MaxDelay)
			l.Warnf("connect failed (attempt %d/%d), retry in %v: %v", n, s.cfg.MaxAttempts, delay, err)
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}

		if !s.onConnected(conn) {
			// flush 时写失败：连接从未对外宣告为 up，不发 LinkDown
			s.onDisconnected(conn, nil, false)
		} else {
			l.Infof("link up (%s)", s.dialer.Name())
			s.emit(EventLinkUp, nil)
			err = s.serve(ctx, conn)
			s.onDisconnected(conn, err, true)
		}

		if ctx.Err() != nil {
			return
		}
		// 刚断开：等待一个基础退避再重连，避免对端“接受即关闭”时空转
		if !s.sleep(ctx, s.cfg.BaseDelay) {
			return
		}
	}
}

func (s *Segment) waitReset(ctx context.Context) bool {
	var cooldown <-chan time.Time
	if s.cfg.ExhaustedCooldown > 0 {
		t := time.NewTimer(s.cfg.ExhaustedCooldown)
		defer t.Stop()
		cooldown = t.C
		log.WithField("segment", s.cfg.Name).Infof("auto reset in %v", s.cfg.ExhaustedCooldown)
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-cooldown:
			s.mu.Lock()
			s.attempts = 0
			if s.state == StateExhausted {
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			metrics.LinkAutoResets.Add(s.cfg.Name, 1)
			log.WithField("segment", s.cfg.Name).Info("exhausted cooldown elapsed, resuming reconnect")
			return true
		case <-s.resetCh:
			if s.State() != StateExhausted {
				return true
			}
		}
	}
}

// onConnected 进入 Connected 并按入队顺序 flush 队列（过期消息丢弃）。
// 返回 false 表示 flush 中写失败，未发送的消息已放回队列。
func (s *Segment) onConnected(conn transport.Conn) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	now := s.now()
	s.conn = conn
	s.state = StateConnected
	s.attempts = 0
	s.lastPong = now
	pending := s.queue
	s.queue = nil
	// 先拿写锁再放状态锁：flush 完成前，之后的 Send 都会排在队列后面
	s.writeMu.Lock()
	s.mu.Unlock()

	metrics.LinkConnects.Add(s.cfg.Name, 1)

	var dropped, flushed int
	for i, q := range pending {
		if s.cfg.StaleAfter > 0 && now.Sub(q.enqueuedAt) > s.cfg.StaleAfter {
			dropped++
			continue
		}
		if err := conn.WriteMessage(q.payload); err != nil {
			s.writeMu.Unlock()
			s.mu.Lock()
			s.queue = append(append([]queued{}, pending[i:]...), s.queue...)
			s.mu.Unlock()
			_ = conn.Close()
			return false
		}
		flushed++
	}
	s.writeMu.Unlock()

	if dropped > 0 {
		metrics.LinkDroppedStale.Add(s.cfg.Name, int64(dropped))
		log.WithField("segment", s.cfg.Name).Warnf("dropped %d stale queued message(s)", dropped)
	}
	if flushed > 0 {
		metrics.LinkFlushed.Add(s.cfg.Name, int64(flushed))
		log.WithField("segment", s.cfg.Name).Debugf("flushed %d queued message(s)", flushed)
	}
	return true
}

func (s *Segment) onDisconnected(conn transport.Conn, err error, notify bool) {
	_ = conn.Close()

	s.mu.Lock()
	wasConnected := s.state == StateConnected && s.conn == conn
	s.conn = nil
	if s.state != StateExhausted {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if wasConnected && notify {
		metrics.LinkDisconnects.Add(s.cfg.Name, 1)
		log.WithField("segment", s.cfg.Name).Warnf("link down: %v", err)
		s.emit(EventLinkDown, err)
	}
}

// serve 读循环 + 心跳，直到连接断开
func (s *Segment) serve(ctx context.Context, conn transport.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.hb != nil && s.cfg.PingInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.heartbeatLoop(connCtx, conn)
		}()
	}

	// ctx 取消时关闭连接以解除阻塞的读
	go func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			_ = conn.Close()
		}
	}()

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.hb != nil && s.hb.IsPong(payload) {
			s.mu.Lock()
			s.lastPong = s.now()
			s.mu.Unlock()
			continue
		}
		s.deliver(payload)
	}
}

func (s *Segment) heartbeatLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	l := log.WithField("segment", s.cfg.Name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		since := s.now().Sub(s.lastPong)
		s.mu.Unlock()

		if s.cfg.PongTimeout > 0 && since > s.cfg.PongTimeout {
			metrics.LinkHeartbeatTimeouts.Add(s.cfg.Name, 1)
			l.Warnf("no pong for %v, closing half-open connection", since)
			_ = conn.Close()
			return
		}

		s.writeMu.Lock()
		err := conn.WriteMessage(s.hb.Ping(s.now()))
		s.writeMu.Unlock()
		if err != nil {
			l.Warnf("ping failed: %v", err)
			_ = conn.Close()
			return
		}
	}
}
