package marketstate

import (
	"sync/atomic"
	"time"

	"github.com/betbot/edgebridge/pkg/orderbook"
)

// BestBook 提供“锁自由的 top-of-book 快照”。
//
// 写入方只有行情链路（单写者），读取方是执行引擎、桥接层等（多读者）。
// 读取时拿到一致快照（买卖价与数量不会撕裂）。
type BestBook struct {
	cur atomic.Pointer[Snapshot]
}

// Snapshot 一次发布的 BBO 以及发布时间
type Snapshot struct {
	orderbook.BBO
	UpdatedAt time.Time
}

func NewBestBook() *BestBook {
	return &BestBook{}
}

// Reset 清空缓存的 top-of-book 数据。
//
// 必须原地重置：上层会缓存 *BestBook 指针。
func (b *BestBook) Reset() {
	if b == nil {
		return
	}
	b.cur.Store(nil)
}

// Publish 发布新的 BBO
func (b *BestBook) Publish(bbo orderbook.BBO, at time.Time) {
	if b == nil {
		return
	}
	b.cur.Store(&Snapshot{BBO: bbo, UpdatedAt: at})
}

// Load 读取当前快照；尚未发布过时返回零值（两侧都无流动性）
func (b *BestBook) Load() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	s := b.cur.Load()
	if s == nil {
		return Snapshot{}
	}
	return *s
}

func (b *BestBook) UpdatedAt() time.Time {
	return b.Load().UpdatedAt
}

func (b *BestBook) IsFresh(maxAge time.Duration) bool {
	if b == nil {
		return false
	}
	t := b.UpdatedAt()
	if t.IsZero() {
		return false
	}
	return time.Since(t) <= maxAge
}
