package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/edgebridge/internal/link"
	"github.com/betbot/edgebridge/internal/protocol"
	"github.com/betbot/edgebridge/internal/transport"
)

// DefaultUpstreamCooldown 上游耗尽后到自动 Reset 的默认等待
const DefaultUpstreamCooldown = time.Minute

// NewUpstream 中继连接后端的链路：带心跳，耗尽后总是冷却自动 Reset，中继需要长期在线
func NewUpstream(cfg link.Config, dialer transport.Dialer) *link.Segment {
	if cfg.ExhaustedCooldown <= 0 {
		cfg.ExhaustedCooldown = DefaultUpstreamCooldown
	}
	return link.New(cfg, dialer, link.WithHeartbeat(protocol.Heartbeat{}))
}

// connEndpoint 把 transport.Conn 适配为 Endpoint
type connEndpoint struct {
	conn transport.Conn
}

func (e *connEndpoint) ID() string                { return e.conn.ID() }
func (e *connEndpoint) Send(payload []byte) error { return e.conn.WriteMessage(payload) }
func (e *connEndpoint) Close() error              { return e.conn.Close() }

// Server 中继进程的接入层：websocket（gin）与进程内监听两种入口共用同一个 Router
type Server struct {
	router   *Router
	upstream *link.Segment

	httpSrv *http.Server
	wg      sync.WaitGroup
}

func NewServer(router *Router, upstream *link.Segment) *Server {
	return &Server{router: router, upstream: upstream}
}

// Handler HTTP 路由：/ws 升级为下游端点，/healthz，/status
func (s *Server) Handler(ctx context.Context) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/status", s.handleStatus)
	r.GET("/ws", func(c *gin.Context) {
		conn, err := transport.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warnf("websocket upgrade failed: %v", err)
			return
		}
		s.ServeConn(ctx, conn)
	})
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	upstream := "none"
	attempts := 0
	queued := 0
	if s.upstream != nil {
		upstream = s.upstream.State().String()
		attempts = s.upstream.Attempts()
		queued = s.upstream.QueueLen()
	}
	c.JSON(http.StatusOK, gin.H{
		"upstream":          upstream,
		"upstream_attempts": attempts,
		"upstream_queued":   queued,
		"endpoints":         s.router.Endpoints(),
	})
}

// ServeConn 注册端点并阻塞运行其读循环，直到连接断开或 ctx 结束
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	ep := &connEndpoint{conn: conn}
	s.router.Register(ep)
	defer s.router.DeregisterEndpoint(ep)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			log.WithField("endpoint", ep.ID()).Debugf("endpoint read ended: %v", err)
			return
		}
		s.router.HandleDownstream(ep, payload)
	}
}

// ServeListener 嵌入模式：接受进程内连接
func (s *Server) ServeListener(ctx context.Context, l *transport.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept(ctx)
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(ctx, conn)
			}()
		}
	}()
}

// ListenAndServe 启动 HTTP 接入（非阻塞），ctx 结束时优雅关闭。返回实际监听地址。
func (s *Server) ListenAndServe(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay http server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("relay listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Wait 等待所有连接处理结束
func (s *Server) Wait() {
	s.wg.Wait()
}
