package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebridge/internal/transport"
)

type fakeDialer struct {
	mu       sync.Mutex
	failures int // 剩余失败次数；-1 表示永远失败
	dials    int
	servers  chan transport.Conn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, servers: make(chan transport.Conn, 16)}
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	client, server := transport.Pipe()
	d.servers <- server
	return client, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextServer(t *testing.T) transport.Conn {
	t.Helper()
	select {
	case c := <-d.servers:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection established")
		return nil
	}
}

func readWithin(t *testing.T, c transport.Conn, d time.Duration) string {
	t.Helper()
	ch := make(chan string, 1)
	go func() {
		p, err := c.ReadMessage()
		if err != nil {
			ch <- "ERR:" + err.Error()
			return
		}
		ch <- string(p)
	}()
	select {
	case s := <-ch:
		return s
	case <-time.After(d):
		t.Fatal("read timeout")
		return ""
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []EventKind
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev.Kind)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.events {
		if k == kind {
			n++
		}
	}
	return n
}

func fastConfig() Config {
	return Config{
		Name:        "test",
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 3,
		StaleAfter:  5 * time.Second,
		QueueLimit:  100,
		DialTimeout: time.Second,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, Backoff(0, base, max))
	assert.Equal(t, 200*time.Millisecond, Backoff(1, base, max))
	assert.Equal(t, 400*time.Millisecond, Backoff(2, base, max))
	assert.Equal(t, 800*time.Millisecond, Backoff(3, base, max))
	assert.Equal(t, time.Second, Backoff(4, base, max))
	assert.Equal(t, time.Second, Backoff(60, base, max))
	assert.Equal(t, time.Duration(0), Backoff(3, 0, max))
}

func TestSegment_ExhaustsAfterMaxAttempts(t *testing.T) {
	d := newFakeDialer(-1)
	seg := New(fastConfig(), d)
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)

	// 连接前发送的消息在进入 Exhausted 时被丢弃
	require.NoError(t, seg.Send([]byte("queued")))
	assert.Equal(t, 1, seg.QueueLen())

	seg.Start(context.Background())
	defer seg.Stop()

	require.Eventually(t, func() bool { return seg.State() == StateExhausted }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, 1, rec.count(EventExhausted))
	assert.Equal(t, 0, seg.QueueLen())

	// Exhausted 后发送直接失败，不会入队
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, seg.Send([]byte("x")), ErrSegmentExhausted)
	}
	assert.Equal(t, 0, seg.QueueLen())

	// 不会再自动重试
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, d.dialCount())
}

func TestSegment_ResetResumesReconnect(t *testing.T) {
	d := newFakeDialer(-1)
	seg := New(fastConfig(), d)
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)
	seg.Start(context.Background())
	defer seg.Stop()

	require.Eventually(t, func() bool { return seg.State() == StateExhausted }, 2*time.Second, time.Millisecond)

	d.setFailures(1)
	seg.Reset()

	_ = d.nextServer(t)
	require.Eventually(t, func() bool { return seg.State() == StateConnected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, seg.Attempts())
	assert.Eventually(t, func() bool { return rec.count(EventLinkUp) == 1 }, time.Second, time.Millisecond)
}

func TestSegment_ExhaustedCooldownResetsItself(t *testing.T) {
	d := newFakeDialer(-1)
	cfg := fastConfig()
	cfg.ExhaustedCooldown = 30 * time.Millisecond
	seg := New(cfg, d)
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)
	seg.Start(context.Background())
	defer seg.Stop()

	require.Eventually(t, func() bool { return rec.count(EventExhausted) == 1 }, 2*time.Second, time.Millisecond)

	// 冷却后无需手动 Reset 即恢复重连
	d.setFailures(0)
	_ = d.nextServer(t)
	require.Eventually(t, func() bool { return seg.State() == StateConnected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, seg.Attempts())
}

func TestSegment_ExhaustedCooldownRepeats(t *testing.T) {
	d := newFakeDialer(-1)
	cfg := fastConfig()
	cfg.ExhaustedCooldown = 5 * time.Millisecond
	seg := New(cfg, d)
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)
	seg.Start(context.Background())
	defer seg.Stop()

	// 对端一直不可用：每轮耗尽后冷却再试
	require.Eventually(t, func() bool { return rec.count(EventExhausted) >= 3 }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, d.dialCount(), 9)
}

func TestSegment_FlushInOrderDropsStale(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	d := newFakeDialer(0)
	seg := New(fastConfig(), d, WithClock(clock.Now))

	require.NoError(t, seg.Send([]byte("old")))
	clock.Advance(10 * time.Second)
	require.NoError(t, seg.Send([]byte("a")))
	require.NoError(t, seg.Send([]byte("b")))

	seg.Start(context.Background())
	defer seg.Stop()

	server := d.nextServer(t)
	assert.Equal(t, "a", readWithin(t, server, time.Second))
	assert.Equal(t, "b", readWithin(t, server, time.Second))

	require.Eventually(t, func() bool { return seg.State() == StateConnected }, time.Second, time.Millisecond)
	require.NoError(t, seg.Send([]byte("c")))
	// "old" 过期被丢弃，下一条就是 c
	assert.Equal(t, "c", readWithin(t, server, time.Second))
}

func TestSegment_QueueLimitDropsOldest(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueLimit = 2
	d := newFakeDialer(0)
	seg := New(cfg, d)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, seg.Send([]byte(m)))
	}
	assert.Equal(t, 2, seg.QueueLen())

	seg.Start(context.Background())
	defer seg.Stop()

	server := d.nextServer(t)
	assert.Equal(t, "2", readWithin(t, server, time.Second))
	assert.Equal(t, "3", readWithin(t, server, time.Second))
}

func TestSegment_LinkDownThenReconnect(t *testing.T) {
	d := newFakeDialer(0)
	seg := New(fastConfig(), d)
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)

	var (
		mu  sync.Mutex
		got []string
	)
	seg.OnMessage(func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})

	seg.Start(context.Background())
	defer seg.Stop()

	first := d.nextServer(t)
	require.NoError(t, first.WriteMessage([]byte("hello")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return rec.count(EventLinkDown) == 1 }, time.Second, time.Millisecond)

	second := d.nextServer(t)
	require.Eventually(t, func() bool { return rec.count(EventLinkUp) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, seg.Send([]byte("after")))
	assert.Equal(t, "after", readWithin(t, second, time.Second))
}

func TestSegment_SendAroundDisconnectIsDeliveredAfterReconnect(t *testing.T) {
	d := newFakeDialer(0)
	seg := New(fastConfig(), d)
	seg.Start(context.Background())
	defer seg.Stop()

	first := d.nextServer(t)
	require.Eventually(t, func() bool { return seg.State() == StateConnected }, time.Second, time.Millisecond)
	require.NoError(t, first.Close())

	// 无论写失败重排队还是断线后入队，都会在下一条连接上送达
	require.NoError(t, seg.Send([]byte("cmd")))

	second := d.nextServer(t)
	assert.Equal(t, "cmd", readWithin(t, second, time.Second))
}

type testHeartbeat struct{}

func (testHeartbeat) Ping(time.Time) []byte        { return []byte("ping") }
func (testHeartbeat) IsPong(payload []byte) bool { return string(payload) == "pong" }

func TestSegment_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	cfg := fastConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 30 * time.Millisecond
	d := newFakeDialer(0)
	seg := New(cfg, d, WithHeartbeat(testHeartbeat{}))
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)

	seg.Start(context.Background())
	defer seg.Stop()

	// 对端只收 ping 不回 pong（半开连接）
	first := d.nextServer(t)
	assert.Equal(t, "ping", readWithin(t, first, time.Second))

	require.Eventually(t, func() bool { return rec.count(EventLinkDown) >= 1 }, 2*time.Second, time.Millisecond)
	_ = d.nextServer(t)
	require.Eventually(t, func() bool { return rec.count(EventLinkUp) >= 2 }, 2*time.Second, time.Millisecond)
}

func TestSegment_PongKeepsLinkAliveAndIsConsumed(t *testing.T) {
	cfg := fastConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	d := newFakeDialer(0)
	seg := New(cfg, d, WithHeartbeat(testHeartbeat{}))
	rec := &eventRecorder{}
	seg.OnEvent(rec.record)

	var (
		mu  sync.Mutex
		got []string
	)
	seg.OnMessage(func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})

	seg.Start(context.Background())
	defer seg.Stop()

	server := d.nextServer(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			p, err := server.ReadMessage()
			if err != nil {
				return
			}
			if string(p) == "ping" {
				_ = server.WriteMessage([]byte("pong"))
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, server.WriteMessage([]byte("data")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"data"}, got)
	mu.Unlock()
	assert.Equal(t, 0, rec.count(EventLinkDown))

	seg.Stop()
	<-done
}

func TestSegment_StopRejectsSend(t *testing.T) {
	d := newFakeDialer(0)
	seg := New(fastConfig(), d)
	seg.Start(context.Background())
	_ = d.nextServer(t)
	seg.Stop()
	assert.ErrorIs(t, seg.Send([]byte("x")), ErrSegmentStopped)
}
