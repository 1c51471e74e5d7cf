package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebridge/internal/domain"
)

func newPending(id string) *domain.PendingOrder {
	return &domain.PendingOrder{
		OrderID:       id,
		ClientOrderID: "c-" + id,
		Side:          domain.SideBuy,
		Quantity:      decimal.RequireFromString("0.01"),
		Price:         decimal.RequireFromString("100.1"),
		Status:        domain.OrderStatusOpen,
		CreatedAt:     time.Now(),
	}
}

func TestActiveOrderBook_UntrackedUpdateIsNoop(t *testing.T) {
	b := NewActiveOrderBook("BTCUSD")
	called := false
	b.OnUpdate(func(*domain.PendingOrder) { called = true })

	o, removed, ok := b.Update(OrderUpdate{OrderID: "ghost", Status: domain.OrderStatusFilled})
	assert.Nil(t, o)
	assert.False(t, removed)
	assert.False(t, ok)
	assert.False(t, called)
	assert.Equal(t, 0, b.NumOfOrders())
}

func TestActiveOrderBook_PartialKeepsFilledRemoves(t *testing.T) {
	b := NewActiveOrderBook("BTCUSD")
	var removedIDs []string
	b.OnRemove(func(o *domain.PendingOrder) { removedIDs = append(removedIDs, o.OrderID) })

	b.Add(newPending("1"))

	o, removed, ok := b.Update(OrderUpdate{OrderID: "1", Status: domain.OrderStatusPartial, FilledSize: decimal.RequireFromString("0.004")})
	require.True(t, ok)
	assert.False(t, removed)
	assert.True(t, o.FilledSize.Equal(decimal.RequireFromString("0.004")))
	assert.True(t, b.Exists("1"))

	o, removed, ok = b.Update(OrderUpdate{OrderID: "1", Status: domain.OrderStatusFilled})
	require.True(t, ok)
	assert.True(t, removed)
	// 未带成交量的 Filled 视为全部成交
	assert.True(t, o.FilledSize.Equal(decimal.RequireFromString("0.01")))
	assert.False(t, b.Exists("1"))
	assert.Equal(t, []string{"1"}, removedIDs)
}

func TestActiveOrderBook_CanceledRemoves(t *testing.T) {
	b := NewActiveOrderBook("BTCUSD")
	b.Add(newPending("a"))
	b.Add(newPending("b"))

	_, removed, ok := b.Update(OrderUpdate{OrderID: "a", Status: domain.OrderStatusCanceled})
	require.True(t, ok)
	assert.True(t, removed)

	orders := b.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "b", orders[0].OrderID)
}

func TestActiveOrderBook_SnapshotsAreCopies(t *testing.T) {
	b := NewActiveOrderBook("BTCUSD")
	b.Add(newPending("1"))

	o, ok := b.Get("1")
	require.True(t, ok)
	o.Status = domain.OrderStatusFilled

	again, _ := b.Get("1")
	assert.Equal(t, domain.OrderStatusOpen, again.Status)
}
