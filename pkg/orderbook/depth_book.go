package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Level 一个价位（价格 -> 数量）
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Side 订单簿的一侧
type Side int

const (
	Bids Side = iota
	Asks
)

// DepthBook 由快照 + 增量深度消息重建的本地订单簿。
//
// 纯内存结构：没有 I/O、没有锁、没有 goroutine。只允许持有行情链路的组件写入，
// 其他组件通过 marketstate.BestBook 读取发布出去的 BBO。
//
// 不变量：任何一侧都不会存储 size <= 0 的价位（直接删除，而不是存 0）。
type DepthBook struct {
	// map key 使用 decimal 的规范字符串，避免 "100.0" 与 "100" 被当成两个价位
	bids map[string]Level
	asks map[string]Level
}

// NewDepthBook 创建空订单簿
func NewDepthBook() *DepthBook {
	return &DepthBook{
		bids: make(map[string]Level),
		asks: make(map[string]Level),
	}
}

// ApplyUpdate 应用一批深度更新。
// isSnapshot 为 true 时先清空两侧（全量替换）；增量更新永远不会清空。
// size > 0 为 upsert，size <= 0 为删除（价位不存在时为 no-op）。
func (b *DepthBook) ApplyUpdate(bids, asks []Level, isSnapshot bool) {
	if isSnapshot {
		clear(b.bids)
		clear(b.asks)
	}
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
}

func applyLevels(side map[string]Level, levels []Level) {
	for _, lv := range levels {
		key := priceKey(lv.Price)
		if lv.Size.IsPositive() {
			side[key] = lv
			continue
		}
		delete(side, key)
	}
}

func priceKey(p decimal.Decimal) string {
	// String() 会去掉尾随 0
	return p.String()
}

// BestBid 返回最高买价；买盘为空时 ok=false
func (b *DepthBook) BestBid() (decimal.Decimal, bool) {
	lv, ok := b.best(Bids)
	return lv.Price, ok
}

// BestAsk 返回最低卖价；卖盘为空时 ok=false
func (b *DepthBook) BestAsk() (decimal.Decimal, bool) {
	lv, ok := b.best(Asks)
	return lv.Price, ok
}

func (b *DepthBook) best(side Side) (Level, bool) {
	m := b.bids
	if side == Asks {
		m = b.asks
	}
	var (
		best  Level
		found bool
	)
	for _, lv := range m {
		if !found {
			best, found = lv, true
			continue
		}
		if side == Bids && lv.Price.GreaterThan(best.Price) {
			best = lv
		}
		if side == Asks && lv.Price.LessThan(best.Price) {
			best = lv
		}
	}
	return best, found
}

// BBO 返回当前最优买卖价及其数量
func (b *DepthBook) BBO() BBO {
	var out BBO
	if lv, ok := b.best(Bids); ok {
		out.Bid, out.BidSize, out.HasBid = lv.Price, lv.Size, true
	}
	if lv, ok := b.best(Asks); ok {
		out.Ask, out.AskSize, out.HasAsk = lv.Price, lv.Size, true
	}
	return out
}

// Depth 按价格优先顺序返回某一侧前 n 档（n <= 0 返回全部）
func (b *DepthBook) Depth(side Side, n int) []Level {
	m := b.bids
	if side == Asks {
		m = b.asks
	}
	out := make([]Level, 0, len(m))
	for _, lv := range m {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool {
		if side == Bids {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len 返回两侧价位数量
func (b *DepthBook) Len() (bids int, asks int) {
	return len(b.bids), len(b.asks)
}

// BBO 最优买卖价快照。HasBid/HasAsk 为 false 表示该侧无流动性，调用方不得据此下单。
type BBO struct {
	Bid     decimal.Decimal
	BidSize decimal.Decimal
	HasBid  bool
	Ask     decimal.Decimal
	AskSize decimal.Decimal
	HasAsk  bool
}

// Equal 比较两个 BBO 的价格与数量
func (b BBO) Equal(o BBO) bool {
	return b.HasBid == o.HasBid && b.HasAsk == o.HasAsk &&
		b.Bid.Equal(o.Bid) && b.Ask.Equal(o.Ask) &&
		b.BidSize.Equal(o.BidSize) && b.AskSize.Equal(o.AskSize)
}

// RoundToTick 四舍五入到 tickSize 的整数倍（round-half-up，不是银行家舍入）。
// tickSize <= 0 时原样返回。
func RoundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if !tickSize.IsPositive() {
		return price
	}
	// decimal.Round 对 .5 远离 0 舍入；价格为正，等价于 half-up
	steps := price.Div(tickSize).Round(0)
	return steps.Mul(tickSize)
}
