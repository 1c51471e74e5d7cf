package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgebridge/internal/domain"
)

// OrderUpdate 归属于某个订单 ID 的状态变化
type OrderUpdate struct {
	OrderID    string
	Status     domain.OrderStatus
	FilledSize decimal.Decimal
	At         time.Time
}

// ActiveOrderBook 管理本地活跃订单（PendingOrder 集合）。
//
// 移除路径只有一条：状态迁移到 Filled 或 Canceled。
type ActiveOrderBook struct {
	Symbol string

	orders map[string]*domain.PendingOrder // 订单 ID -> 订单
	mu     sync.RWMutex

	// 回调（在锁外执行）
	updateCallbacks []func(order *domain.PendingOrder)
	removeCallbacks []func(order *domain.PendingOrder)
}

// NewActiveOrderBook 创建新的活跃订单簿
func NewActiveOrderBook(symbol string) *ActiveOrderBook {
	return &ActiveOrderBook{
		Symbol: symbol,
		orders: make(map[string]*domain.PendingOrder),
	}
}

// Add 开始跟踪订单；已存在则覆盖
func (b *ActiveOrderBook) Add(order *domain.PendingOrder) {
	if order == nil || order.OrderID == "" {
		return
	}
	b.mu.Lock()
	b.orders[order.OrderID] = order
	b.mu.Unlock()
}

// Update 应用订单更新。未跟踪的订单 ID 直接忽略，返回 ok=false。
// 返回更新后的订单快照；removed 表示订单已因终态被移除。
func (b *ActiveOrderBook) Update(u OrderUpdate) (order *domain.PendingOrder, removed bool, ok bool) {
	b.mu.Lock()
	cur, exists := b.orders[u.OrderID]
	if !exists {
		b.mu.Unlock()
		return nil, false, false
	}

	cur.Status = u.Status
	if !u.FilledSize.IsZero() || u.Status == domain.OrderStatusFilled {
		filled := u.FilledSize
		if filled.IsZero() && u.Status == domain.OrderStatusFilled {
			filled = cur.Quantity
		}
		cur.FilledSize = filled
	}
	cur.UpdatedAt = u.At
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now()
	}
	snapshot := cur.Clone()

	if u.Status.IsFinal() {
		delete(b.orders, u.OrderID)
		removed = true
	}
	b.mu.Unlock()

	for _, cb := range b.updateCallbacks {
		cb(snapshot)
	}
	if removed {
		for _, cb := range b.removeCallbacks {
			cb(snapshot)
		}
	}
	return snapshot, removed, true
}

// Get 获取订单快照
func (b *ActiveOrderBook) Get(orderID string) (*domain.PendingOrder, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	order, ok := b.orders[orderID]
	return order.Clone(), ok
}

// Exists 检查订单是否在跟踪中
func (b *ActiveOrderBook) Exists(orderID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.orders[orderID]
	return exists
}

// NumOfOrders 获取订单数量
func (b *ActiveOrderBook) NumOfOrders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// Orders 获取所有订单快照（按创建时间排序，便于日志/报告稳定）
func (b *ActiveOrderBook) Orders() []*domain.PendingOrder {
	b.mu.RLock()
	orders := make([]*domain.PendingOrder, 0, len(b.orders))
	for _, order := range b.orders {
		orders = append(orders, order.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// OnUpdate 注册订单更新回调。需在并发使用前注册
func (b *ActiveOrderBook) OnUpdate(cb func(order *domain.PendingOrder)) {
	b.updateCallbacks = append(b.updateCallbacks, cb)
}

// OnRemove 注册订单移除回调（Filled / Canceled）
func (b *ActiveOrderBook) OnRemove(cb func(order *domain.PendingOrder)) {
	b.removeCallbacks = append(b.removeCallbacks, cb)
}
