package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgebridge/internal/domain"
	"github.com/betbot/edgebridge/internal/marketstate"
)

// Small capability interfaces shared across layers (execution / exchange / bridge).

// PlaceRequest 下单请求。签名/鉴权由实现方负责，核心不关心。
type PlaceRequest struct {
	ContractID    string
	Side          domain.Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	Type          domain.OrderType
	PostOnly      bool
	ClientOrderID string
}

// PlaceResult 交易所的受理结果。Success=false 表示被拒绝（例如 post-only 会吃单）。
type PlaceResult struct {
	Success bool
	OrderID string
	Error   string
}

// CancelResult 撤单结果
type CancelResult struct {
	Success bool
	Error   string
}

type OrderPlacer interface {
	// Place 返回 error 表示请求本身失败（网络等）；被拒绝用 PlaceResult.Success=false 表示
	Place(ctx context.Context, req PlaceRequest) (PlaceResult, error)
}

type OrderCanceler interface {
	Cancel(ctx context.Context, orderID string) (CancelResult, error)
}

// BBOSource 最新 BBO 快照（marketstate.BestBook 满足）
type BBOSource interface {
	Load() marketstate.Snapshot
}

// Connectivity 连通性查询
type Connectivity interface {
	Connected() bool
}

// ConnectivityFunc 函数适配
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Connected() bool { return f() }
