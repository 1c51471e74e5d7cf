package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向（大小写不敏感，兼容 BUY/SELL）
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

// Opposite 返回反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"

	// OrderStatusCanceling 撤单已受理但未完成，仍可能成交，不是终态
	OrderStatusCanceling OrderStatus = "canceling"
)

// ParseOrderStatus 兼容交易所的各种写法（OPEN / FILLED / CANCELING / CANCELED / CANCELLED / PARTIALLY_FILLED ...）
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "pending", "new", "untriggered":
		return OrderStatusOpen, nil
	case "partial", "partially_filled", "partially-filled":
		return OrderStatusPartial, nil
	case "filled":
		return OrderStatusFilled, nil
	case "canceling", "cancelling", "pending_cancel":
		return OrderStatusCanceling, nil
	case "canceled", "cancelled":
		return OrderStatusCanceled, nil
	default:
		return "", fmt.Errorf("invalid order status %q", s)
	}
}

// IsFinal 终态：Filled/Canceled。到达终态的订单必须从活跃集合移除
func (s OrderStatus) IsFinal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled
}

// PendingOrder 已被交易所接受、仍在跟踪中的订单。
// key 为交易所分配的订单 ID；只会被归属于该 ID 的订单更新修改。
type PendingOrder struct {
	OrderID       string          // 交易所订单 ID
	ClientOrderID string          // 调用方的关联 ID
	Side          Side            // 方向
	Quantity      decimal.Decimal // 下单数量
	Price         decimal.Decimal // 下单价格
	FilledSize    decimal.Decimal // 已成交数量
	Status        OrderStatus     // 状态
	Emergency     bool            // 是否为紧急平仓单
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone 返回副本（跨 goroutine 传递快照用）
func (o *PendingOrder) Clone() *PendingOrder {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}
