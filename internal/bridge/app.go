// Package bridge 前端进程的组装：行情链路、执行引擎、上行链路（直连 / 经中继 / 进程内中继）。
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/exchange"
	"github.com/betbot/edgebridge/internal/execution"
	"github.com/betbot/edgebridge/internal/link"
	"github.com/betbot/edgebridge/internal/marketdata"
	"github.com/betbot/edgebridge/internal/marketstate"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/internal/ports"
	"github.com/betbot/edgebridge/internal/protocol"
	"github.com/betbot/edgebridge/internal/relay"
	"github.com/betbot/edgebridge/internal/transport"
	"github.com/betbot/edgebridge/pkg/config"
)

var log = logrus.WithField("component", "bridge")

// embeddedRelayName 进程内中继在 Hub 上的名字
const embeddedRelayName = "relay"

// Option 替换默认组件（测试或自定义部署）
type Option func(*App)

// WithUplinkDialer 替换上行链路拨号器（direct / relay 模式）
func WithUplinkDialer(d transport.Dialer) Option { return func(a *App) { a.uplinkDialer = d } }

// WithFeedDialer 替换行情链路拨号器
func WithFeedDialer(d transport.Dialer) Option { return func(a *App) { a.feedDialer = d } }

// WithPrivateDialer 替换私有订单推送拨号器
func WithPrivateDialer(d transport.Dialer) Option { return func(a *App) { a.privateDialer = d } }

// WithBackendDialer 替换进程内中继连接后端的拨号器（embedded 模式）
func WithBackendDialer(d transport.Dialer) Option { return func(a *App) { a.backendDialer = d } }

// WithTradingOps 替换下单/撤单实现
func WithTradingOps(ops execution.TradingOps) Option { return func(a *App) { a.ops = ops } }

// WithLatencyMonitor 共享延迟监控（metrics 服务展示用）
func WithLatencyMonitor(m *metrics.LatencyMonitor) Option { return func(a *App) { a.latency = m } }

// App 一个前端进程的全部状态。构造一次，显式传递。
type App struct {
	cfg *config.Config
	now func() time.Time

	uplinkDialer  transport.Dialer
	feedDialer    transport.Dialer
	privateDialer transport.Dialer
	backendDialer transport.Dialer
	ops           execution.TradingOps
	latency       *metrics.LatencyMonitor

	best    *marketstate.BestBook
	feedSeg *link.Segment
	feed    *marketdata.Feed
	uplink  *link.Segment
	private *link.Segment
	engine  *execution.Engine

	// embedded 模式
	hub         *transport.Hub
	listener    *transport.Listener
	relaySeg    *link.Segment
	relayServer *relay.Server

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	cmdWG   sync.WaitGroup
	started bool
}

// New 按配置组装所有组件（不启动任何 goroutine）
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.ValidateBridge(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, now: time.Now, best: marketstate.NewBestBook()}
	for _, opt := range opts {
		opt(a)
	}
	if a.latency == nil {
		a.latency = metrics.NewLatencyMonitor(metrics.DefaultLatencySamples)
	}
	if err := a.buildDialers(); err != nil {
		return nil, err
	}
	if err := a.buildOps(); err != nil {
		return nil, err
	}

	// 行情
	a.feedSeg = link.New(a.linkConfig("feed"), a.feedDialer)
	a.feed = marketdata.NewFeed(marketdata.Config{ContractID: cfg.Bridge.ContractID, Depth: cfg.Bridge.DepthLevel}, a.feedSeg, a.best)
	a.feed.Attach(a.feedSeg)

	// 上行
	a.uplink = link.New(a.linkConfig("uplink"), a.uplinkDialer, link.WithHeartbeat(protocol.Heartbeat{}))
	a.uplink.OnEvent(a.handleUplinkEvent)
	a.uplink.OnMessage(a.handleUplinkMessage)
	a.feed.OnBBO(a.publishMarketData)

	// 执行引擎
	execCfg := execution.DefaultConfig()
	execCfg.ContractID = cfg.Bridge.ContractID
	execCfg.TickSize = decimal.NewFromFloat(cfg.Execution.TickSize)
	execCfg.MaxAttempts = cfg.Execution.MaxAttempts
	execCfg.RetryDelay = cfg.Execution.RetryDelay
	execCfg.EmergencySlippage = decimal.NewFromFloat(cfg.Execution.EmergencySlippage)
	if cfg.Execution.InFlightTTL > 0 {
		execCfg.InFlightTTL = cfg.Execution.InFlightTTL
	}
	a.engine = execution.New(execCfg, a.ops, a.best, ports.ReportFunc(a.sendUplink),
		execution.WithLatencyMonitor(a.latency),
		execution.WithConnectivity(ports.ConnectivityFunc(a.exchangeConnected)),
	)

	// 私有订单推送（可选）
	if a.privateDialer != nil {
		a.private = link.New(a.linkConfig("private"), a.privateDialer)
	}
	return a, nil
}

func (a *App) linkConfig(name string) link.Config {
	c := link.DefaultConfig(name)
	l := a.cfg.Link
	c.BaseDelay = l.BaseDelay
	c.MaxDelay = l.MaxDelay
	c.MaxAttempts = l.MaxAttempts
	c.PingInterval = l.PingInterval
	c.PongTimeout = l.PongTimeout
	c.StaleAfter = l.StaleAfter
	c.QueueLimit = l.QueueLimit
	if l.DialTimeout > 0 {
		c.DialTimeout = l.DialTimeout
	}
	// 行情、私有推送、上行链路耗尽后同样冷却自动 Reset
	if a.cfg.AutoResetEnabled() {
		c.ExhaustedCooldown = l.ExhaustedCooldown
	}
	return c
}

func (a *App) wsDialer(url string) (transport.Dialer, error) {
	return transport.NewWebsocketDialer(url, &transport.WebsocketOptions{ProxyURL: a.cfg.Bridge.ProxyURL})
}

func (a *App) buildDialers() error {
	var err error
	if a.feedDialer == nil {
		if a.feedDialer, err = a.wsDialer(a.cfg.Bridge.FeedURL); err != nil {
			return fmt.Errorf("feed dialer: %w", err)
		}
	}
	if a.privateDialer == nil && a.cfg.Bridge.PrivateFeedURL != "" {
		if a.privateDialer, err = a.wsDialer(a.cfg.Bridge.PrivateFeedURL); err != nil {
			return fmt.Errorf("private dialer: %w", err)
		}
	}

	switch a.cfg.Upstream.Mode {
	case config.UpstreamEmbedded:
		if a.backendDialer == nil {
			if a.backendDialer, err = transport.NewWebsocketDialer(a.cfg.Relay.BackendURL, nil); err != nil {
				return fmt.Errorf("backend dialer: %w", err)
			}
		}
		a.hub = transport.NewHub()
		if a.listener, err = a.hub.Listen(embeddedRelayName); err != nil {
			return err
		}
		rc := a.linkConfig("relay-upstream")
		rc.ExhaustedCooldown = a.cfg.Link.ExhaustedCooldown
		a.relaySeg = relay.NewUpstream(rc, a.backendDialer)
		router := relay.NewRouter(a.relaySeg)
		relay.Bind(router, a.relaySeg)
		a.relayServer = relay.NewServer(router, a.relaySeg)
		a.uplinkDialer = a.hub.Dialer(embeddedRelayName)
	default:
		if a.uplinkDialer == nil {
			if a.uplinkDialer, err = transport.NewWebsocketDialer(a.cfg.Upstream.URL, nil); err != nil {
				return fmt.Errorf("uplink dialer: %w", err)
			}
		}
	}
	return nil
}

func (a *App) buildOps() error {
	if a.ops != nil {
		return nil
	}
	if a.cfg.Bridge.DryRun {
		log.Warn("dry run：订单不会发送到交易所")
		a.ops = exchange.NewPaperPlacer(a.best)
		return nil
	}

	creds, err := a.cfg.ResolveCredentials()
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	var signer exchange.Signer = exchange.NopSigner{}
	if creds.SigningKey != "" {
		if signer, err = exchange.NewEthSigner(creds.SigningKey, creds.AccountID); err != nil {
			return err
		}
	} else {
		log.Warn("未配置签名私钥，私有接口请求将不带签名")
	}
	rc := exchange.DefaultRestConfig(a.cfg.Bridge.RestURL)
	rc.AccountID = creds.AccountID
	a.ops = exchange.NewRestClient(rc, signer)
	return nil
}

// Engine 执行引擎
func (a *App) Engine() *execution.Engine { return a.engine }

// BestBook 最新 BBO
func (a *App) BestBook() *marketstate.BestBook { return a.best }

// Uplink 上行链路
func (a *App) Uplink() *link.Segment { return a.uplink }

// Latency 延迟监控
func (a *App) Latency() *metrics.LatencyMonitor { return a.latency }

// Start 启动所有链路（非阻塞）
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("bridge already started")
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.relaySeg != nil {
		a.relaySeg.Start(a.ctx)
		a.relayServer.ServeListener(a.ctx, a.listener)
	}
	if a.private != nil {
		exchange.NewOrderStream(a.ctx, a.private, a.engine).Attach(a.private)
		a.private.Start(a.ctx)
	}
	a.feedSeg.Start(a.ctx)
	a.uplink.Start(a.ctx)

	log.Infof("bridge started: exchange=%s contract=%s upstream=%s dryRun=%v",
		a.cfg.Bridge.Exchange, a.cfg.Bridge.ContractID, a.cfg.Upstream.Mode, a.cfg.Bridge.DryRun)
	return nil
}

// Stop 停止链路并等待进行中的命令结束
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.cmdWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("等待命令结束超时: %v", ctx.Err())
	}

	a.uplink.Stop()
	a.feedSeg.Stop()
	if a.private != nil {
		a.private.Stop()
	}
	if a.relaySeg != nil {
		_ = a.listener.Close()
		a.relaySeg.Stop()
		a.relayServer.Wait()
	}
	log.Info("bridge stopped")
}

func (a *App) exchangeConnected() bool {
	return a.feedSeg.State() == link.StateConnected
}

// sendUplink 编码并发往上行链路；链路未连通时由链路排队
func (a *App) sendUplink(msg protocol.Message) {
	payload, err := protocol.Encode(msg, a.now())
	if err != nil {
		log.Errorf("encode %s: %v", msg.Type(), err)
		return
	}
	if err := a.uplink.Send(payload); err != nil {
		log.Debugf("uplink send %s: %v", msg.Type(), err)
	}
}

func (a *App) publishMarketData(snap marketstate.Snapshot) {
	a.sendUplink(protocol.MarketData{
		BestBid:   protocol.NullDecimal(snap.Bid, snap.HasBid),
		BestAsk:   protocol.NullDecimal(snap.Ask, snap.HasAsk),
		BidSize:   protocol.NullDecimal(snap.BidSize, snap.HasBid),
		AskSize:   protocol.NullDecimal(snap.AskSize, snap.HasAsk),
		Timestamp: snap.UpdatedAt.UnixMilli(),
	})
}

// announce 向后端宣告就绪并补发当前盘口。
// 上行链路连通、或中继报告后端（重新）连上时调用；后端只向已就绪的前端下发命令。
func (a *App) announce() {
	a.sendUplink(protocol.FrontendReady{
		Exchange:   a.cfg.Bridge.Exchange,
		ContractID: a.cfg.Bridge.ContractID,
		Ticker:     a.cfg.Bridge.Ticker,
	})
	if snap := a.best.Load(); snap.HasBid || snap.HasAsk {
		a.publishMarketData(snap)
	}
}

func (a *App) handleUplinkEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventLinkUp:
		a.announce()
	case link.EventLinkDown:
		log.Warnf("uplink down: %v", ev.Err)
	case link.EventExhausted:
		log.Errorf("uplink exhausted after %d attempts: %v", a.cfg.Link.MaxAttempts, ev.Err)
	}
}

func (a *App) handleUplinkMessage(payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		metrics.MalformedMessages.Add("uplink", 1)
		log.Warnf("drop malformed uplink message: %v", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		a.sendUplink(protocol.Pong{Timestamp: m.Timestamp})
	case protocol.BackendStatus:
		log.Infof("backend status: connected=%v exhausted=%v", m.Connected, m.Exhausted)
		if m.Connected {
			a.announce()
		}
	case protocol.Command:
		a.dispatch(m)
	default:
		log.Debugf("ignore uplink message %s", msg.Type())
	}
}

// dispatch 命令在独立 goroutine 执行，读循环不会被下单重试阻塞
func (a *App) dispatch(cmd protocol.Command) {
	ctx := a.ctx
	if ctx == nil || ctx.Err() != nil {
		log.Warnf("drop %s: bridge not running", cmd.Type())
		return
	}
	a.cmdWG.Add(1)
	go func() {
		defer a.cmdWG.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("command %s panic: %v", cmd.Type(), r)
			}
		}()
		cmd.Accept(ctx, a)
	}()
}

func (a *App) HandleExecuteOrder(ctx context.Context, cmd protocol.ExecuteOrder) {
	a.engine.ExecuteOrder(ctx, cmd)
}

func (a *App) HandleCancelOrder(ctx context.Context, cmd protocol.CancelOrder) {
	a.engine.CancelOrder(ctx, cmd.OrderID)
}

func (a *App) HandleQueryStatus(context.Context, protocol.QueryStatus) {
	a.engine.ReportStatus()
}

func (a *App) HandleEmergencyClose(ctx context.Context, cmd protocol.EmergencyClose) {
	a.engine.EmergencyClose(ctx, cmd)
}
