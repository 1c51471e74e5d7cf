package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	memoryBuffer = 256
	// DefaultMemoryWriteTimeout 对端缓冲满时写入的最长等待
	DefaultMemoryWriteTimeout = 5 * time.Second
)

// ErrWriteTimeout 对端长时间不读，写入超时（连接随之关闭）
var ErrWriteTimeout = errors.New("transport: write timeout")

// Hub 进程内的命名通道注册表（嵌入模式下 bridge 与 relay 之间的一跳）
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]*Listener)}
}

// Listen 注册一个命名监听者；同名重复注册返回错误
func (h *Hub) Listen(name string) (*Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.listeners[name]; exists {
		return nil, fmt.Errorf("transport: name %q already in use", name)
	}
	l := &Listener{
		name:   name,
		hub:    h,
		accept: make(chan Conn, 16),
		done:   make(chan struct{}),
	}
	h.listeners[name] = l
	return l, nil
}

// Dialer 返回连接到命名监听者的拨号器
func (h *Hub) Dialer(name string) Dialer {
	return &memoryDialer{hub: h, name: name}
}

func (h *Hub) lookup(name string) (*Listener, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.listeners[name]
	return l, ok
}

func (h *Hub) remove(name string) {
	h.mu.Lock()
	delete(h.listeners, name)
	h.mu.Unlock()
}

// Listener 进程内监听者
type Listener struct {
	name   string
	hub    *Hub
	accept chan Conn
	done   chan struct{}
	once   sync.Once
}

func (l *Listener) Name() string { return l.name }

// Accept 等待下一个连接
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 停止接受新连接（已建立的连接不受影响）
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.hub.remove(l.name)
	})
	return nil
}

type memoryDialer struct {
	hub  *Hub
	name string
}

func (d *memoryDialer) Name() string { return "mem://" + d.name }

func (d *memoryDialer) Dial(ctx context.Context) (Conn, error) {
	l, ok := d.hub.lookup(d.name)
	if !ok {
		return nil, fmt.Errorf("transport: no listener named %q", d.name)
	}
	client, server := Pipe()
	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pipe 创建一对互联的内存连接。关闭任意一端，两端的读写都会失败。
func Pipe() (Conn, Conn) {
	return PipeWithWriteTimeout(DefaultMemoryWriteTimeout)
}

// PipeWithWriteTimeout 同 Pipe，指定写超时；<=0 表示不等待（缓冲满立即失败）
func PipeWithWriteTimeout(writeTimeout time.Duration) (Conn, Conn) {
	ab := make(chan []byte, memoryBuffer)
	ba := make(chan []byte, memoryBuffer)
	shared := &pipeState{done: make(chan struct{})}
	a := &memConn{id: uuid.NewString(), in: ba, out: ab, state: shared, writeTimeout: writeTimeout}
	b := &memConn{id: uuid.NewString(), in: ab, out: ba, state: shared, writeTimeout: writeTimeout}
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type memConn struct {
	id           string
	in           <-chan []byte
	out          chan<- []byte
	state        *pipeState
	writeTimeout time.Duration
}

func (c *memConn) ID() string { return c.id }

func (c *memConn) ReadMessage() ([]byte, error) {
	// 优先读完已缓冲的数据，再报告关闭
	select {
	case p := <-c.in:
		return p, nil
	default:
	}
	select {
	case p := <-c.in:
		return p, nil
	case <-c.state.done:
		return nil, ErrClosed
	}
}

func (c *memConn) WriteMessage(payload []byte) error {
	select {
	case <-c.state.done:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), payload...)
	select {
	case c.out <- cp:
		return nil
	default:
	}

	// 缓冲已满：有限等待，超时视为对端卡死并关闭连接
	var expired <-chan time.Time
	if c.writeTimeout > 0 {
		t := time.NewTimer(c.writeTimeout)
		defer t.Stop()
		expired = t.C
	} else {
		ch := make(chan time.Time)
		close(ch)
		expired = ch
	}
	select {
	case c.out <- cp:
		return nil
	case <-c.state.done:
		return ErrClosed
	case <-expired:
		_ = c.Close()
		return ErrWriteTimeout
	}
}

func (c *memConn) Close() error {
	c.state.once.Do(func() { close(c.state.done) })
	return nil
}
