package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgebridge/internal/domain"
	"github.com/betbot/edgebridge/internal/link"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/internal/ports"
	"github.com/betbot/edgebridge/pkg/orderbook"
)

// OrderStream 私有推送：把交易所的订单事件转换成 orderbook.OrderUpdate 交给 handler。
// 消息按链路读循环串行投递。
type OrderStream struct {
	out     Sender
	handler ports.OrderUpdateHandler
	ctx     context.Context
}

// Sender 链路的发送契约
type Sender interface {
	Send(payload []byte) error
}

func NewOrderStream(ctx context.Context, out Sender, handler ports.OrderUpdateHandler) *OrderStream {
	return &OrderStream{out: out, handler: handler, ctx: ctx}
}

// Attach 接入私有链路
func (s *OrderStream) Attach(seg *link.Segment) {
	seg.OnMessage(s.HandleMessage)
	seg.OnEvent(func(ev link.Event) {
		switch ev.Kind {
		case link.EventLinkUp:
			log.Infof("私有订单推送已连接: %s", ev.Segment)
		case link.EventLinkDown:
			log.Warnf("私有订单推送断开: %v", ev.Err)
		case link.EventExhausted:
			log.Errorf("私有订单推送重连耗尽，冷却前订单状态只能依赖撤单结果: %v", ev.Err)
		}
	})
}

type wireOrder struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	CumFillSize   decimal.Decimal `json:"cumFillSize"`
	CumMatchSize  decimal.Decimal `json:"cumMatchSize"`
	UpdatedTime   json.Number     `json:"updatedTime"`
}

type tradeEvent struct {
	Type    string          `json:"type"`
	Time    json.RawMessage `json:"time,omitempty"`
	Content struct {
		Event string `json:"event"`
		Data  struct {
			Order []wireOrder `json:"order"`
		} `json:"data"`
	} `json:"content"`
}

// HandleMessage 处理一条私有推送消息；无法识别的订单状态丢弃
func (s *OrderStream) HandleMessage(payload []byte) {
	var msg tradeEvent
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MalformedMessages.Add("order_stream", 1)
		log.Warnf("drop malformed order event: %v", err)
		return
	}

	switch msg.Type {
	case "ping":
		reply := map[string]any{"type": "pong"}
		if len(msg.Time) > 0 {
			reply["time"] = msg.Time
		}
		b, _ := json.Marshal(reply)
		if err := s.out.Send(b); err != nil {
			log.Debugf("pong failed: %v", err)
		}
	case "trade-event":
		for _, o := range msg.Content.Data.Order {
			u, ok := toOrderUpdate(o)
			if !ok {
				metrics.MalformedMessages.Add("order_stream", 1)
				continue
			}
			s.handler.HandleOrderUpdate(s.ctx, u)
		}
	case "error":
		log.Errorf("order stream error: %s", string(payload))
	}
}

func toOrderUpdate(o wireOrder) (orderbook.OrderUpdate, bool) {
	if strings.TrimSpace(o.ID) == "" {
		return orderbook.OrderUpdate{}, false
	}
	status, err := domain.ParseOrderStatus(o.Status)
	if err != nil {
		log.Warnf("order %s: %v", o.ID, err)
		return orderbook.OrderUpdate{}, false
	}
	filled := o.CumFillSize
	if filled.IsZero() {
		filled = o.CumMatchSize
	}
	at := time.Now()
	if ms, err := o.UpdatedTime.Int64(); err == nil && ms > 0 {
		at = time.UnixMilli(ms)
	}
	return orderbook.OrderUpdate{OrderID: o.ID, Status: status, FilledSize: filled, At: at}, true
}
