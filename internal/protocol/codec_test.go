package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebridge/internal/domain"
)

func TestDecode_ExecuteOrder(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"execute_order","data":{"side":"BUY","quantity":"0.01","clientOrderId":"c1"},"timestamp":1}`))
	require.NoError(t, err)

	cmd, ok := msg.(ExecuteOrder)
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, cmd.Side)
	assert.True(t, cmd.Quantity.Equal(decimal.RequireFromString("0.01")))
	assert.False(t, cmd.Price.Valid)
	assert.Equal(t, "c1", cmd.ClientOrderID)

	// 数字形式的价格也接受
	msg, err = Decode([]byte(`{"type":"execute_order","data":{"side":"sell","quantity":1,"price":100.3}}`))
	require.NoError(t, err)
	cmd = msg.(ExecuteOrder)
	require.True(t, cmd.Price.Valid)
	assert.True(t, cmd.Price.Decimal.Equal(decimal.RequireFromString("100.3")))
}

func TestDecode_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"type":`,
		"missing type":   `{"data":{}}`,
		"unknown type":   `{"type":"launch_rockets"}`,
		"bad side":       `{"type":"execute_order","data":{"side":"hold","quantity":"1"}}`,
		"nan quantity":   `{"type":"execute_order","data":{"side":"buy","quantity":"NaN"}}`,
		"empty quantity": `{"type":"execute_order","data":{"side":"buy","quantity":""}}`,
		"zero quantity":  `{"type":"execute_order","data":{"side":"buy","quantity":"0"}}`,
		"missing qty":    `{"type":"execute_order","data":{"side":"buy"}}`,
		"negative price": `{"type":"execute_order","data":{"side":"buy","quantity":"1","price":"-1"}}`,
		"text price":     `{"type":"execute_order","data":{"side":"buy","quantity":"1","price":"abc"}}`,
		"cancel no id":   `{"type":"cancel_order","data":{}}`,
		"emergency side": `{"type":"emergency_close","data":{"side":"","quantity":"1"}}`,
		"emergency qty":  `{"type":"emergency_close","data":{"side":"sell","quantity":"-2"}}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestDecode_QueryStatusWithoutData(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"query_status"}`))
	require.NoError(t, err)
	assert.Equal(t, QueryStatus{}, msg)
}

type recordingHandler struct {
	calls []string
}

func (h *recordingHandler) HandleExecuteOrder(context.Context, ExecuteOrder) {
	h.calls = append(h.calls, "execute")
}
func (h *recordingHandler) HandleCancelOrder(context.Context, CancelOrder) {
	h.calls = append(h.calls, "cancel")
}
func (h *recordingHandler) HandleQueryStatus(context.Context, QueryStatus) {
	h.calls = append(h.calls, "status")
}
func (h *recordingHandler) HandleEmergencyClose(context.Context, EmergencyClose) {
	h.calls = append(h.calls, "emergency")
}

func TestCommand_AcceptDispatches(t *testing.T) {
	raws := []string{
		`{"type":"execute_order","data":{"side":"buy","quantity":"1"}}`,
		`{"type":"cancel_order","data":{"orderId":"o1"}}`,
		`{"type":"query_status","data":{}}`,
		`{"type":"emergency_close","data":{"side":"sell","quantity":"1"}}`,
	}
	h := &recordingHandler{}
	for _, raw := range raws {
		msg, err := Decode([]byte(raw))
		require.NoError(t, err)
		cmd, ok := msg.(Command)
		require.True(t, ok, raw)
		cmd.Accept(context.Background(), h)
	}
	assert.Equal(t, []string{"execute", "cancel", "status", "emergency"}, h.calls)

	// 报告类消息不是命令
	msg, err := Decode([]byte(`{"type":"backend_status","data":{"connected":true}}`))
	require.NoError(t, err)
	_, ok := msg.(Command)
	assert.False(t, ok)
}

func TestEncode_Envelope(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	raw, err := Encode(MarketData{
		BestBid:   NullDecimal(decimal.RequireFromString("100.0"), true),
		BestAsk:   NullDecimal(decimal.Zero, false),
		Timestamp: now.UnixMilli(),
	}, now)
	require.NoError(t, err)

	var env struct {
		Type      string         `json:"type"`
		Timestamp int64          `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "edgex_market_data", env.Type)
	assert.Equal(t, int64(1700000000123), env.Timestamp)
	assert.Equal(t, "100", env.Data["bestBid"])
	assert.Nil(t, env.Data["bestAsk"])

	back, err := Decode(raw)
	require.NoError(t, err)
	md := back.(MarketData)
	assert.True(t, md.BestBid.Valid)
	assert.False(t, md.BestAsk.Valid)
}

func TestHeartbeat(t *testing.T) {
	hb := Heartbeat{}
	ping := hb.Ping(time.Now())
	typ, err := PeekType(ping)
	require.NoError(t, err)
	assert.Equal(t, TypePing, typ)
	assert.False(t, hb.IsPong(ping))

	pong, err := Encode(Pong{}, time.Now())
	require.NoError(t, err)
	assert.True(t, hb.IsPong(pong))
	assert.False(t, hb.IsPong([]byte("garbage")))
}

func TestWireStatus(t *testing.T) {
	assert.Equal(t, "FILLED", WireStatus(domain.OrderStatusFilled))
	assert.Equal(t, "CANCELED", WireStatus(domain.OrderStatusCanceled))
	assert.Equal(t, "OPEN", WireStatus(domain.OrderStatusOpen))
}
