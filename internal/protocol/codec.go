package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgebridge/internal/domain"
)

// ErrMalformed 入站消息无法解码或校验失败。调用方记录日志并丢弃，不影响链路。
var ErrMalformed = errors.New("malformed message")

// Envelope 线上的统一信封
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// PeekType 只解析 type 字段
func PeekType(raw []byte) (Type, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", malformed("invalid json: %v", err)
	}
	if head.Type == "" {
		return "", malformed("missing type")
	}
	return head.Type, nil
}

// Decode 解码并校验一条消息
func Decode(raw []byte) (Message, error) {
	_, msg, err := DecodeEnvelope(raw)
	return msg, err
}

// DecodeEnvelope 解码信封与消息体
func DecodeEnvelope(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, malformed("invalid json: %v", err)
	}
	if env.Type == "" {
		return env, nil, malformed("missing type")
	}
	data := []byte(env.Data)
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}

	msg, err := decodeData(env.Type, data)
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

func decodeData(t Type, data []byte) (Message, error) {
	switch t {
	case TypeExecuteOrder:
		return decodeExecuteOrder(data)
	case TypeCancelOrder:
		var c CancelOrder
		if err := unmarshal(t, data, &c); err != nil {
			return nil, err
		}
		if c.OrderID == "" {
			return nil, malformed("%s: missing orderId", t)
		}
		return c, nil
	case TypeQueryStatus:
		return QueryStatus{}, nil
	case TypeEmergencyClose:
		return decodeEmergencyClose(data)
	case TypeFrontendReady:
		return decodeInto[FrontendReady](t, data)
	case TypeMarketData:
		return decodeInto[MarketData](t, data)
	case TypeOrderPlaced:
		return decodeInto[OrderPlaced](t, data)
	case TypeOrderUpdate:
		return decodeInto[OrderUpdate](t, data)
	case TypeOrderCanceled:
		return decodeInto[OrderCanceled](t, data)
	case TypeStatusReport:
		return decodeInto[StatusReport](t, data)
	case TypePing:
		return decodeInto[Ping](t, data)
	case TypePong:
		return decodeInto[Pong](t, data)
	case TypeBackendStatus:
		return decodeInto[BackendStatus](t, data)
	case TypeFrontendDisconnected:
		return decodeInto[FrontendDisconnected](t, data)
	default:
		return nil, malformed("unknown type %q", t)
	}
}

func unmarshal(t Type, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("%s: %v", t, err)
	}
	return nil
}

func decodeInto[T Message](t Type, data []byte) (Message, error) {
	var v T
	if err := unmarshal(t, data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// 入站命令的线上形态：数值字段先按可空 decimal 解析（拒绝 NaN / 空串 / 非数字），再逐项校验
type executeOrderWire struct {
	Side          string              `json:"side"`
	Quantity      decimal.NullDecimal `json:"quantity"`
	Price         decimal.NullDecimal `json:"price"`
	ClientOrderID string              `json:"clientOrderId"`
}

type emergencyCloseWire struct {
	Side     string              `json:"side"`
	Quantity decimal.NullDecimal `json:"quantity"`
}

func decodeExecuteOrder(data []byte) (Message, error) {
	var w executeOrderWire
	if err := unmarshal(TypeExecuteOrder, data, &w); err != nil {
		return nil, err
	}
	side, err := domain.ParseSide(w.Side)
	if err != nil {
		return nil, malformed("%s: %v", TypeExecuteOrder, err)
	}
	if !w.Quantity.Valid || !w.Quantity.Decimal.IsPositive() {
		return nil, malformed("%s: quantity must be > 0", TypeExecuteOrder)
	}
	if w.Price.Valid && !w.Price.Decimal.IsPositive() {
		return nil, malformed("%s: price must be > 0", TypeExecuteOrder)
	}
	return ExecuteOrder{
		Side:          side,
		Quantity:      w.Quantity.Decimal,
		Price:         w.Price,
		ClientOrderID: w.ClientOrderID,
	}, nil
}

func decodeEmergencyClose(data []byte) (Message, error) {
	var w emergencyCloseWire
	if err := unmarshal(TypeEmergencyClose, data, &w); err != nil {
		return nil, err
	}
	side, err := domain.ParseSide(w.Side)
	if err != nil {
		return nil, malformed("%s: %v", TypeEmergencyClose, err)
	}
	if !w.Quantity.Valid || !w.Quantity.Decimal.IsPositive() {
		return nil, malformed("%s: quantity must be > 0", TypeEmergencyClose)
	}
	return EmergencyClose{Side: side, Quantity: w.Quantity.Decimal}, nil
}

// Encode 编码消息，timestamp 为毫秒
func Encode(msg Message, now time.Time) ([]byte, error) {
	return EncodeWithRequestID(msg, now, "")
}

// EncodeWithRequestID 编码消息并带上关联的 requestId
func EncodeWithRequestID(msg Message, now time.Time, requestID string) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:      msg.Type(),
		Data:      data,
		Timestamp: now.UnixMilli(),
		RequestID: requestID,
	})
}

// Heartbeat 链路心跳：ping/pong 信封
type Heartbeat struct{}

func (Heartbeat) Ping(now time.Time) []byte {
	b, _ := Encode(Ping{Timestamp: now.UnixMilli()}, now)
	return b
}

func (Heartbeat) IsPong(payload []byte) bool {
	t, err := PeekType(payload)
	return err == nil && t == TypePong
}
