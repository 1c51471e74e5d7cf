package ports

import (
	"context"

	"github.com/betbot/edgebridge/internal/protocol"
	"github.com/betbot/edgebridge/pkg/orderbook"
)

// OrderUpdateHandler handles order updates attributed to an exchange order id (serial delivery recommended).
//
// NOTE: defined in a neutral package so the exchange adapters do not import the execution engine.
type OrderUpdateHandler interface {
	HandleOrderUpdate(ctx context.Context, update orderbook.OrderUpdate)
}

// ReportSink receives outbound reports (order_placed / order_update / ...).
type ReportSink interface {
	Report(msg protocol.Message)
}

// ReportFunc 函数适配
type ReportFunc func(msg protocol.Message)

func (f ReportFunc) Report(msg protocol.Message) { f(msg) }
