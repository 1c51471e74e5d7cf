package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/betbot/edgebridge/internal/domain"
	"github.com/betbot/edgebridge/internal/ports"
)

// PaperPlacer 模拟盘：按当前 BBO 判定 post-only 是否会吃单，不发真实请求
type PaperPlacer struct {
	bbo ports.BBOSource

	mu     sync.Mutex
	orders map[string]ports.PlaceRequest
}

var (
	_ ports.OrderPlacer   = (*PaperPlacer)(nil)
	_ ports.OrderCanceler = (*PaperPlacer)(nil)
)

func NewPaperPlacer(bbo ports.BBOSource) *PaperPlacer {
	return &PaperPlacer{bbo: bbo, orders: make(map[string]ports.PlaceRequest)}
}

func (p *PaperPlacer) Place(ctx context.Context, req ports.PlaceRequest) (ports.PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.PlaceResult{}, err
	}
	if !req.Size.IsPositive() || !req.Price.IsPositive() {
		return ports.PlaceResult{Success: false, Error: "invalid size or price"}, nil
	}

	if req.PostOnly {
		snap := p.bbo.Load()
		switch req.Side {
		case domain.SideBuy:
			if snap.HasAsk && req.Price.GreaterThanOrEqual(snap.Ask) {
				return ports.PlaceResult{Success: false, Error: fmt.Sprintf("post-only buy %s would cross ask %s", req.Price, snap.Ask)}, nil
			}
		case domain.SideSell:
			if snap.HasBid && req.Price.LessThanOrEqual(snap.Bid) {
				return ports.PlaceResult{Success: false, Error: fmt.Sprintf("post-only sell %s would cross bid %s", req.Price, snap.Bid)}, nil
			}
		}
	}

	id := "paper-" + uuid.NewString()
	p.mu.Lock()
	p.orders[id] = req
	p.mu.Unlock()
	log.Infof("[paper] 下单 %s %s %s@%s postOnly=%v id=%s", req.ContractID, req.Side, req.Size, req.Price, req.PostOnly, id)
	return ports.PlaceResult{Success: true, OrderID: id}, nil
}

func (p *PaperPlacer) Cancel(ctx context.Context, orderID string) (ports.CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.CancelResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return ports.CancelResult{Success: false, Error: "order not found"}, nil
	}
	delete(p.orders, orderID)
	return ports.CancelResult{Success: true}, nil
}

// Open 模拟盘中未撤的订单数
func (p *PaperPlacer) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}
