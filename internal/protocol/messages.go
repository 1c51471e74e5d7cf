package protocol

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgebridge/internal/domain"
)

// Type 消息类型（信封中的 type 字段）
type Type string

const (
	// 入站命令（后端 -> 桥）
	TypeExecuteOrder   Type = "execute_order"
	TypeCancelOrder    Type = "cancel_order"
	TypeQueryStatus    Type = "query_status"
	TypeEmergencyClose Type = "emergency_close"

	// 出站报告（桥 -> 后端）
	TypeFrontendReady Type = "frontend_ready"
	TypeMarketData    Type = "edgex_market_data"
	TypeOrderPlaced   Type = "order_placed"
	TypeOrderUpdate   Type = "order_update"
	TypeOrderCanceled Type = "order_canceled"
	TypeStatusReport  Type = "status_report"

	// 心跳
	TypePing Type = "ping"
	TypePong Type = "pong"

	// 中继控制消息
	TypeBackendStatus        Type = "backend_status"
	TypeFrontendDisconnected Type = "frontend_disconnected"
)

// Message 所有消息的封闭联合类型。只有本包内的类型可以实现它。
type Message interface {
	Type() Type
	isMessage()
}

// Command 入站命令。Accept 把命令分派给 CommandHandler 的对应方法。
type Command interface {
	Message
	Accept(ctx context.Context, h CommandHandler)
}

// CommandHandler 每种命令一个方法：新增命令而不处理会直接编译失败。
type CommandHandler interface {
	HandleExecuteOrder(ctx context.Context, cmd ExecuteOrder)
	HandleCancelOrder(ctx context.Context, cmd CancelOrder)
	HandleQueryStatus(ctx context.Context, cmd QueryStatus)
	HandleEmergencyClose(ctx context.Context, cmd EmergencyClose)
}

// ===== 入站命令 =====

// ExecuteOrder 下单命令。Price 无效（Valid=false）时由 BBO 推导挂单价。
type ExecuteOrder struct {
	Side          domain.Side         `json:"side"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.NullDecimal `json:"price"`
	ClientOrderID string              `json:"clientOrderId"`
}

type CancelOrder struct {
	OrderID string `json:"orderId"`
}

type QueryStatus struct{}

type EmergencyClose struct {
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (ExecuteOrder) Type() Type   { return TypeExecuteOrder }
func (CancelOrder) Type() Type    { return TypeCancelOrder }
func (QueryStatus) Type() Type    { return TypeQueryStatus }
func (EmergencyClose) Type() Type { return TypeEmergencyClose }

func (c ExecuteOrder) Accept(ctx context.Context, h CommandHandler)   { h.HandleExecuteOrder(ctx, c) }
func (c CancelOrder) Accept(ctx context.Context, h CommandHandler)    { h.HandleCancelOrder(ctx, c) }
func (c QueryStatus) Accept(ctx context.Context, h CommandHandler)    { h.HandleQueryStatus(ctx, c) }
func (c EmergencyClose) Accept(ctx context.Context, h CommandHandler) { h.HandleEmergencyClose(ctx, c) }

// ===== 出站报告 =====

type FrontendReady struct {
	Exchange   string `json:"exchange"`
	ContractID string `json:"contractId"`
	Ticker     string `json:"ticker"`
}

// MarketData BBO 变化推送。某一侧无流动性时对应字段为 null。
type MarketData struct {
	BestBid   decimal.NullDecimal `json:"bestBid"`
	BestAsk   decimal.NullDecimal `json:"bestAsk"`
	BidSize   decimal.NullDecimal `json:"bidSize"`
	AskSize   decimal.NullDecimal `json:"askSize"`
	Timestamp int64               `json:"timestamp"`
}

// OrderPlaced 下单结果。Latency 单位毫秒。
// ReferencePrice 为计算价格时参考的盘口价（紧急平仓时为对手价），供风控侧校验滑点。
type OrderPlaced struct {
	Success        bool                `json:"success"`
	OrderID        string              `json:"orderId,omitempty"`
	ClientOrderID  string              `json:"clientOrderId,omitempty"`
	Side           domain.Side         `json:"side,omitempty"`
	Price          decimal.NullDecimal `json:"price"`
	ReferencePrice decimal.NullDecimal `json:"referencePrice"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Attempts       int                 `json:"attempts"`
	Latency        int64               `json:"latency"`
	Error          string              `json:"error,omitempty"`
	Emergency      bool                `json:"emergency,omitempty"`
}

// OrderUpdate 订单状态变化。Status 使用交易所风格的大写写法（OPEN / FILLED / CANCELED）。
type OrderUpdate struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Side          domain.Side     `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledSize    decimal.Decimal `json:"filledSize"`
	Status        string          `json:"status"`
}

type OrderCanceled struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ActiveOrder status_report 中的订单条目
type ActiveOrder struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Side          domain.Side     `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledSize    decimal.Decimal `json:"filledSize"`
	Status        string          `json:"status"`
}

// LatencyStats 单个类别的延迟统计（毫秒）
type LatencyStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   int64   `json:"p50"`
	P95   int64   `json:"p95"`
	Max   int64   `json:"max"`
}

type StatusReport struct {
	Connected    bool                    `json:"connected"`
	ActiveOrders []ActiveOrder           `json:"activeOrders"`
	BestBid      decimal.NullDecimal     `json:"bestBid"`
	BestAsk      decimal.NullDecimal     `json:"bestAsk"`
	Timestamp    int64                   `json:"timestamp"`
	Latency      map[string]LatencyStats `json:"latency,omitempty"`
}

func (FrontendReady) Type() Type { return TypeFrontendReady }
func (MarketData) Type() Type    { return TypeMarketData }
func (OrderPlaced) Type() Type   { return TypeOrderPlaced }
func (OrderUpdate) Type() Type   { return TypeOrderUpdate }
func (OrderCanceled) Type() Type { return TypeOrderCanceled }
func (StatusReport) Type() Type  { return TypeStatusReport }

// ===== 心跳 / 中继控制 =====

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// BackendStatus 中继向下游宣告上游（后端）连接状态
type BackendStatus struct {
	Connected bool `json:"connected"`
	Exhausted bool `json:"exhausted,omitempty"`
}

// FrontendDisconnected 中继通知后端某个下游端点断开
type FrontendDisconnected struct {
	EndpointID string `json:"endpointId"`
}

func (Ping) Type() Type                 { return TypePing }
func (Pong) Type() Type                 { return TypePong }
func (BackendStatus) Type() Type        { return TypeBackendStatus }
func (FrontendDisconnected) Type() Type { return TypeFrontendDisconnected }

func (ExecuteOrder) isMessage()         {}
func (CancelOrder) isMessage()          {}
func (QueryStatus) isMessage()          {}
func (EmergencyClose) isMessage()       {}
func (FrontendReady) isMessage()        {}
func (MarketData) isMessage()           {}
func (OrderPlaced) isMessage()          {}
func (OrderUpdate) isMessage()          {}
func (OrderCanceled) isMessage()        {}
func (StatusReport) isMessage()         {}
func (Ping) isMessage()                 {}
func (Pong) isMessage()                 {}
func (BackendStatus) isMessage()        {}
func (FrontendDisconnected) isMessage() {}

// WireStatus 订单状态的对外写法
func WireStatus(s domain.OrderStatus) string {
	switch s {
	case domain.OrderStatusOpen:
		return "OPEN"
	case domain.OrderStatusPartial:
		return "PARTIALLY_FILLED"
	case domain.OrderStatusFilled:
		return "FILLED"
	case domain.OrderStatusCanceled:
		return "CANCELED"
	case domain.OrderStatusCanceling:
		return "CANCELING"
	default:
		return "UNKNOWN"
	}
}

// NullDecimal 便捷构造
func NullDecimal(d decimal.Decimal, valid bool) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: valid}
}
