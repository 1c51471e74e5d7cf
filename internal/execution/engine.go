// Package execution 执行引擎：maker-only 有限次重试下单、撤单、紧急平仓、订单状态跟踪。
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/domain"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/internal/ports"
	"github.com/betbot/edgebridge/internal/protocol"
	"github.com/betbot/edgebridge/pkg/orderbook"
)

var log = logrus.WithField("component", "execution")

// ErrNoLiquidity BBO 对应一侧为空，不下单
var ErrNoLiquidity = errors.New("no liquidity")

// LatencyCategory 下单延迟样本的类别名
const LatencyCategory = "edgex_order"

// TradingOps 执行引擎需要的交易所能力
type TradingOps interface {
	ports.OrderPlacer
	ports.OrderCanceler
}

// Config 引擎参数（固定值，不做自适应）
type Config struct {
	ContractID        string
	TickSize          decimal.Decimal
	MaxAttempts       int
	RetryDelay        time.Duration
	EmergencySlippage decimal.Decimal // 紧急平仓穿越对手价的比例，0.002 = 0.2%
	InFlightTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickSize:          decimal.RequireFromString("0.1"),
		MaxAttempts:       3,
		RetryDelay:        200 * time.Millisecond,
		EmergencySlippage: decimal.RequireFromString("0.002"),
		InFlightTTL:       time.Minute,
	}
}

// Engine 执行引擎。PendingOrder 集合只由引擎修改。
type Engine struct {
	cfg      Config
	ops      TradingOps
	bbo      ports.BBOSource
	reports  ports.ReportSink
	conn     ports.Connectivity
	orders   *orderbook.ActiveOrderBook
	inFlight *InFlightGate
	latency  *metrics.LatencyMonitor
	now      func() time.Time
}

// Option 可选项
type Option func(*Engine)

func WithLatencyMonitor(m *metrics.LatencyMonitor) Option {
	return func(e *Engine) { e.latency = m }
}

func WithConnectivity(c ports.Connectivity) Option {
	return func(e *Engine) { e.conn = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, ops TradingOps, bbo ports.BBOSource, reports ports.ReportSink, opts ...Option) *Engine {
	def := DefaultConfig()
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = def.TickSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if !cfg.EmergencySlippage.IsPositive() {
		cfg.EmergencySlippage = def.EmergencySlippage
	}
	e := &Engine{
		cfg:      cfg,
		ops:      ops,
		bbo:      bbo,
		reports:  reports,
		orders:   orderbook.NewActiveOrderBook(cfg.ContractID),
		inFlight: NewInFlightGate(cfg.InFlightTTL),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.latency == nil {
		e.latency = metrics.NewLatencyMonitor(metrics.DefaultLatencySamples)
	}
	e.orders.OnUpdate(e.reportOrderUpdate)
	e.orders.OnRemove(e.orderRemoved)
	return e
}

// Orders 活跃订单集合（只读使用）
func (e *Engine) Orders() *orderbook.ActiveOrderBook {
	return e.orders
}

func (e *Engine) report(msg protocol.Message) {
	if e.reports != nil {
		e.reports.Report(msg)
	}
}

func (e *Engine) track(o *domain.PendingOrder) {
	e.orders.Add(o)
	metrics.ActiveOrders.Set(int64(e.orders.NumOfOrders()))
}

func (e *Engine) reportOrderUpdate(o *domain.PendingOrder) {
	e.report(protocol.OrderUpdate{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Price:         o.Price,
		Quantity:      o.Quantity,
		FilledSize:    o.FilledSize,
		Status:        protocol.WireStatus(o.Status),
	})
}

func (e *Engine) orderRemoved(o *domain.PendingOrder) {
	if o.Status == domain.OrderStatusFilled {
		metrics.OrdersFilled.Add(1)
	}
	metrics.ActiveOrders.Set(int64(e.orders.NumOfOrders()))
	log.WithField("orderId", o.OrderID).Infof("order %s, no longer tracked", o.Status)
}

// attemptClientOrderID 首次尝试沿用调用方的 ID；之后每次加序号，交易所按 clientOrderId 去重时不会拒绝重试
func attemptClientOrderID(id string, attempt int) string {
	if attempt <= 1 {
		return id
	}
	return fmt.Sprintf("%s-%d", id, attempt)
}

// makerPrice 由当前 BBO 推导挂单价：买 = bestAsk - tick，卖 = bestBid + tick。
// 返回值：下单价、参考盘口价。
func (e *Engine) makerPrice(side domain.Side) (decimal.Decimal, decimal.Decimal, error) {
	snap := e.bbo.Load()
	switch side {
	case domain.SideBuy:
		if !snap.HasAsk {
			return decimal.Zero, decimal.Zero, ErrNoLiquidity
		}
		return orderbook.RoundToTick(snap.Ask.Sub(e.cfg.TickSize), e.cfg.TickSize), snap.Ask, nil
	case domain.SideSell:
		if !snap.HasBid {
			return decimal.Zero, decimal.Zero, ErrNoLiquidity
		}
		return orderbook.RoundToTick(snap.Bid.Add(e.cfg.TickSize), e.cfg.TickSize), snap.Bid, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid side %q", side)
	}
}

// ExecuteOrder maker-only 下单，最多 MaxAttempts 次。
// 每次尝试都重新读取 BBO 计算价格（不跨尝试缓存），失败后等待固定 RetryDelay。
func (e *Engine) ExecuteOrder(ctx context.Context, cmd protocol.ExecuteOrder) protocol.OrderPlaced {
	if cmd.ClientOrderID == "" {
		cmd.ClientOrderID = uuid.NewString()
	}
	l := log.WithFields(logrus.Fields{"clientOrderId": cmd.ClientOrderID, "side": cmd.Side})

	if err := e.inFlight.TryAcquire(cmd.ClientOrderID); err != nil {
		l.Warn("rejecting duplicate in-flight order")
		rep := protocol.OrderPlaced{
			Success:       false,
			ClientOrderID: cmd.ClientOrderID,
			Side:          cmd.Side,
			Quantity:      cmd.Quantity,
			Error:         err.Error(),
		}
		e.report(rep)
		return rep
	}
	defer e.inFlight.Release(cmd.ClientOrderID)

	start := e.now()
	var (
		lastErr  error
		price    decimal.Decimal
		refPrice decimal.Decimal
		attempt  int
	)
	for attempt = 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		metrics.OrderAttempts.Add(1)
		orderID, p, ref, err := e.attempt(ctx, cmd, attempt)
		price, refPrice = p, ref
		if err == nil {
			latency := e.now().Sub(start)
			e.latency.Record(LatencyCategory, latency)
			metrics.OrdersPlaced.Add(1)
			l.Infof("order placed: %s price=%s attempts=%d latency=%dms", orderID, p, attempt, latency.Milliseconds())
			rep := protocol.OrderPlaced{
				Success:        true,
				OrderID:        orderID,
				ClientOrderID:  cmd.ClientOrderID,
				Side:           cmd.Side,
				Price:          protocol.NullDecimal(p, true),
				ReferencePrice: protocol.NullDecimal(ref, !ref.IsZero()),
				Quantity:       cmd.Quantity,
				Attempts:       attempt,
				Latency:        latency.Milliseconds(),
			}
			e.report(rep)
			return rep
		}
		lastErr = err
		l.Warnf("attempt %d/%d failed: %v", attempt, e.cfg.MaxAttempts, err)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, e.cfg.RetryDelay) {
			lastErr = fmt.Errorf("aborted: %w", ctx.Err())
			break
		}
	}
	if attempt > e.cfg.MaxAttempts {
		attempt = e.cfg.MaxAttempts
	}

	metrics.OrdersFailed.Add(1)
	l.Errorf("order failed after %d attempt(s): %v", attempt, lastErr)
	rep := protocol.OrderPlaced{
		Success:        false,
		ClientOrderID:  cmd.ClientOrderID,
		Side:           cmd.Side,
		Price:          protocol.NullDecimal(price, !price.IsZero()),
		ReferencePrice: protocol.NullDecimal(refPrice, !refPrice.IsZero()),
		Quantity:       cmd.Quantity,
		Attempts:       attempt,
		Latency:        e.now().Sub(start).Milliseconds(),
		Error:          lastErr.Error(),
	}
	e.report(rep)
	return rep
}

// attempt 一次下单尝试：算价 -> post-only 限价单 -> 成功则开始跟踪
func (e *Engine) attempt(ctx context.Context, cmd protocol.ExecuteOrder, n int) (string, decimal.Decimal, decimal.Decimal, error) {
	var (
		price, ref decimal.Decimal
		err        error
	)
	if cmd.Price.Valid {
		price = orderbook.RoundToTick(cmd.Price.Decimal, e.cfg.TickSize)
	} else {
		price, ref, err = e.makerPrice(cmd.Side)
		if err != nil {
			return "", price, ref, err
		}
	}
	if !price.IsPositive() {
		return "", price, ref, fmt.Errorf("invalid price %s", price)
	}

	res, err := e.ops.Place(ctx, ports.PlaceRequest{
		ContractID:    e.cfg.ContractID,
		Side:          cmd.Side,
		Size:          cmd.Quantity,
		Price:         price,
		Type:          domain.OrderTypeLimit,
		PostOnly:      true,
		ClientOrderID: attemptClientOrderID(cmd.ClientOrderID, n),
	})
	if err != nil {
		return "", price, ref, err
	}
	if !res.Success || res.OrderID == "" {
		reason := res.Error
		if reason == "" {
			reason = "rejected"
		}
		return "", price, ref, errors.New(reason)
	}

	now := e.now()
	e.track(&domain.PendingOrder{
		OrderID:       res.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		Side:          cmd.Side,
		Quantity:      cmd.Quantity,
		Price:         price,
		Status:        domain.OrderStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return res.OrderID, price, ref, nil
}

// CancelOrder 撤单一次，不重试（撤单幂等，是否重发由调用方决定）
func (e *Engine) CancelOrder(ctx context.Context, orderID string) protocol.OrderCanceled {
	rep := e.cancel(ctx, orderID)
	e.report(rep)
	return rep
}

func (e *Engine) cancel(ctx context.Context, orderID string) protocol.OrderCanceled {
	l := log.WithField("orderId", orderID)
	if o, ok := e.orders.Get(orderID); ok {
		l = l.WithFields(logrus.Fields{"clientOrderId": o.ClientOrderID, "side": o.Side})
	} else {
		l.Debug("cancel for untracked order, forwarding anyway")
	}
	res, err := e.ops.Cancel(ctx, orderID)
	if err != nil {
		l.Warnf("cancel failed: %v", err)
		return protocol.OrderCanceled{OrderID: orderID, Success: false, Error: err.Error()}
	}
	if !res.Success {
		l.Warnf("cancel rejected: %s", res.Error)
		return protocol.OrderCanceled{OrderID: orderID, Success: false, Error: res.Error}
	}
	metrics.OrdersCanceled.Add(1)
	l.Info("order canceled")
	e.HandleOrderUpdate(ctx, orderbook.OrderUpdate{
		OrderID: orderID,
		Status:  domain.OrderStatusCanceled,
		At:      e.now(),
	})
	return protocol.OrderCanceled{OrderID: orderID, Success: true}
}

// HandleOrderUpdate 只处理正在跟踪的订单；Filled / Canceled 后移除。
// order_update 回报由订单簿的更新回调发出。
func (e *Engine) HandleOrderUpdate(ctx context.Context, u orderbook.OrderUpdate) {
	if _, _, ok := e.orders.Update(u); !ok {
		log.WithField("orderId", u.OrderID).Debug("ignore update for untracked order")
	}
}

// ReportStatus 按需生成状态快照（拉取式诊断，不做周期推送）
func (e *Engine) ReportStatus() protocol.StatusReport {
	snap := e.bbo.Load()
	orders := e.orders.Orders()
	active := make([]protocol.ActiveOrder, 0, len(orders))
	for _, o := range orders {
		active = append(active, protocol.ActiveOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			Price:         o.Price,
			Quantity:      o.Quantity,
			FilledSize:    o.FilledSize,
			Status:        protocol.WireStatus(o.Status),
		})
	}

	latency := make(map[string]protocol.LatencyStats)
	for cat, s := range e.latency.Snapshot() {
		latency[cat] = protocol.LatencyStats{Count: s.Count, Avg: s.Avg, P50: s.P50, P95: s.P95, Max: s.Max}
	}

	rep := protocol.StatusReport{
		Connected:    e.conn == nil || e.conn.Connected(),
		ActiveOrders: active,
		BestBid:      protocol.NullDecimal(snap.Bid, snap.HasBid),
		BestAsk:      protocol.NullDecimal(snap.Ask, snap.HasAsk),
		Timestamp:    e.now().UnixMilli(),
		Latency:      latency,
	}
	e.report(rep)
	return rep
}

// EmergencyClose 撤掉所有跟踪中的订单（单个失败只记录），然后以穿越对手价的价格下一笔非 post-only 单。
// 价格：买 = ask * (1 + slippage)，卖 = bid * (1 - slippage)，按 tick 取整。
func (e *Engine) EmergencyClose(ctx context.Context, cmd protocol.EmergencyClose) protocol.OrderPlaced {
	metrics.EmergencyCloses.Add(1)
	l := log.WithFields(logrus.Fields{"side": cmd.Side, "quantity": cmd.Quantity.String()})
	l.Warn("emergency close")
	start := e.now()

	for _, o := range e.orders.Orders() {
		rep := e.cancel(ctx, o.OrderID)
		if !rep.Success {
			l.WithField("orderId", o.OrderID).Errorf("emergency cancel failed, continuing: %s", rep.Error)
		}
		e.report(rep)
	}

	fail := func(price, ref decimal.Decimal, err error) protocol.OrderPlaced {
		metrics.OrdersFailed.Add(1)
		l.Errorf("emergency order failed: %v", err)
		rep := protocol.OrderPlaced{
			Success:        false,
			Side:           cmd.Side,
			Price:          protocol.NullDecimal(price, !price.IsZero()),
			ReferencePrice: protocol.NullDecimal(ref, !ref.IsZero()),
			Quantity:       cmd.Quantity,
			Attempts:       1,
			Latency:        e.now().Sub(start).Milliseconds(),
			Error:          err.Error(),
			Emergency:      true,
		}
		e.report(rep)
		return rep
	}

	snap := e.bbo.Load()
	one := decimal.NewFromInt(1)
	var price, ref decimal.Decimal
	switch cmd.Side {
	case domain.SideBuy:
		if !snap.HasAsk {
			return fail(decimal.Zero, decimal.Zero, ErrNoLiquidity)
		}
		ref = snap.Ask
		price = orderbook.RoundToTick(snap.Ask.Mul(one.Add(e.cfg.EmergencySlippage)), e.cfg.TickSize)
	case domain.SideSell:
		if !snap.HasBid {
			return fail(decimal.Zero, decimal.Zero, ErrNoLiquidity)
		}
		ref = snap.Bid
		price = orderbook.RoundToTick(snap.Bid.Mul(one.Sub(e.cfg.EmergencySlippage)), e.cfg.TickSize)
	default:
		return fail(decimal.Zero, decimal.Zero, fmt.Errorf("invalid side %q", cmd.Side))
	}

	clientOrderID := "emergency-" + uuid.NewString()
	res, err := e.ops.Place(ctx, ports.PlaceRequest{
		ContractID:    e.cfg.ContractID,
		Side:          cmd.Side,
		Size:          cmd.Quantity,
		Price:         price,
		Type:          domain.OrderTypeLimit,
		PostOnly:      false,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return fail(price, ref, err)
	}
	if !res.Success || res.OrderID == "" {
		reason := res.Error
		if reason == "" {
			reason = "rejected"
		}
		return fail(price, ref, errors.New(reason))
	}

	now := e.now()
	e.track(&domain.PendingOrder{
		OrderID:       res.OrderID,
		ClientOrderID: clientOrderID,
		Side:          cmd.Side,
		Quantity:      cmd.Quantity,
		Price:         price,
		Status:        domain.OrderStatusOpen,
		Emergency:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	latency := now.Sub(start)
	e.latency.Record(LatencyCategory, latency)
	metrics.OrdersPlaced.Add(1)
	l.Warnf("emergency order placed: %s price=%s ref=%s", res.OrderID, price, ref)

	rep := protocol.OrderPlaced{
		Success:        true,
		OrderID:        res.OrderID,
		ClientOrderID:  clientOrderID,
		Side:           cmd.Side,
		Price:          protocol.NullDecimal(price, true),
		ReferencePrice: protocol.NullDecimal(ref, true),
		Quantity:       cmd.Quantity,
		Attempts:       1,
		Latency:        latency.Milliseconds(),
		Emergency:      true,
	}
	e.report(rep)
	return rep
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
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
