package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// WebsocketOptions websocket 拨号参数
type WebsocketOptions struct {
	ProxyURL         string      // 可选 HTTP 代理
	Header           http.Header // 握手附加头（鉴权等）
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

func (o *WebsocketOptions) withDefaults() WebsocketOptions {
	out := WebsocketOptions{}
	if o != nil {
		out = *o
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = defaultReadLimit
	}
	return out
}

// WebsocketDialer 基于 gorilla/websocket 的 Dialer
type WebsocketDialer struct {
	url    string
	opts   WebsocketOptions
	dialer websocket.Dialer
}

// NewWebsocketDialer 创建 websocket 拨号器。代理地址非法时返回错误。
func NewWebsocketDialer(rawURL string, opts *WebsocketOptions) (*WebsocketDialer, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid websocket url %q: %w", rawURL, err)
	}
	o := opts.withDefaults()
	d := websocket.Dialer{
		HandshakeTimeout: o.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if o.ProxyURL != "" {
		proxyURL, err := url.Parse(o.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", o.ProxyURL, err)
		}
		d.Proxy = http.ProxyURL(proxyURL)
	} else {
		d.Proxy = http.ProxyFromEnvironment
	}
	return &WebsocketDialer{url: rawURL, opts: o, dialer: d}, nil
}

func (d *WebsocketDialer) Name() string { return d.url }

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, d.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return newWSConn(conn, d.opts), nil
}

// wsConn 包装 *websocket.Conn：gorilla 不允许并发写，这里用写锁串行化
type wsConn struct {
	id   string
	conn *websocket.Conn
	opts WebsocketOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, opts WebsocketOptions) *wsConn {
	conn.SetReadLimit(opts.ReadLimit)
	return &wsConn{id: uuid.NewString(), conn: conn, opts: opts}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *wsConn) WriteMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 下游端点来自本机进程或浏览器扩展，不校验 Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade 服务端：把 HTTP 请求升级为 websocket 连接
func Upgrade(w http.ResponseWriter, r *http.Request, opts *WebsocketOptions) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, opts.withDefaults()), nil
}
