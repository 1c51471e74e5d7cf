package exchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebridge/internal/domain"
	"github.com/betbot/edgebridge/internal/execution"
	"github.com/betbot/edgebridge/internal/marketstate"
	"github.com/betbot/edgebridge/internal/ports"
	"github.com/betbot/edgebridge/internal/protocol"
	"github.com/betbot/edgebridge/pkg/orderbook"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEthSigner_RecoverAddress(t *testing.T) {
	s, err := NewEthSigner("0x"+testKey, "acc-1")
	require.NoError(t, err)

	body := []byte(`{"a":1}`)
	headers, err := s.Sign("post", "/x", body, 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", headers[HeaderTimestamp])
	assert.Equal(t, "acc-1", headers[HeaderAccount])

	sig, err := hex.DecodeString(strings.TrimPrefix(headers[HeaderSignature], "0x"))
	require.NoError(t, err)
	pub, err := crypto.SigToPub(SigningHash("POST", "/x", body, 1700000000000), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))

	_, err = NewEthSigner("zz", "")
	assert.Error(t, err)
}

func testRestClient(url string) *RestClient {
	cfg := DefaultRestConfig(url + "/")
	cfg.AccountID = "acc-1"
	cfg.RetryWait = time.Millisecond
	cfg.RetryMaxWait = 5 * time.Millisecond
	return NewRestClient(cfg, nil)
}

func TestRestClient_PlacePostOnly(t *testing.T) {
	var got createOrderBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathCreateOrder, r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"code":"SUCCESS","data":{"orderId":"ex-1"}}`))
	}))
	defer srv.Close()

	res, err := testRestClient(srv.URL).Place(context.Background(), ports.PlaceRequest{
		ContractID: "10000001", Side: domain.SideBuy, Size: d("0.01"), Price: d("100.1"),
		Type: domain.OrderTypeLimit, PostOnly: true, ClientOrderID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ports.PlaceResult{Success: true, OrderID: "ex-1"}, res)

	assert.Equal(t, "BUY", got.Side)
	assert.Equal(t, "POST_ONLY", got.TimeInForce)
	assert.Equal(t, "100.1", got.Price)
	assert.Equal(t, "0.01", got.Size)
	assert.Equal(t, "acc-1", got.AccountID)
	assert.Equal(t, "c-1", got.ClientOrderID)
}

func TestRestClient_RejectionIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"ORDER_POST_ONLY_WOULD_TAKE","msg":"would take"}`))
	}))
	defer srv.Close()

	res, err := testRestClient(srv.URL).Place(context.Background(), ports.PlaceRequest{
		Side: domain.SideSell, Size: d("1"), Price: d("1"), PostOnly: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "ORDER_POST_ONLY_WOULD_TAKE: would take", res.Error)
}

func TestRestClient_RetriesOn429(t *testing.T) {
	var (
		calls atomic.Int32
		mu    sync.Mutex
		stamp []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamp = append(stamp, r.Header.Get(HeaderTimestamp))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"code":"SUCCESS","data":{}}`))
	}))
	defer srv.Close()

	signer, err := NewEthSigner(testKey, "acc-1")
	require.NoError(t, err)
	c := testRestClient(srv.URL)
	c.signer = signer
	var tick atomic.Int64
	c.now = func() time.Time { return time.UnixMilli(1700000000000 + tick.Add(1)) }

	res, err := c.Cancel(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())

	// 重试请求重新签名
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamp, 2)
	assert.Equal(t, "1700000000001", stamp[0])
	assert.Equal(t, "1700000000002", stamp[1])
}

func TestRestClient_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad`))
	}))
	defer srv.Close()

	_, err := testRestClient(srv.URL).Cancel(context.Background(), "ex-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")

	_, err = testRestClient(srv.URL).Cancel(context.Background(), "")
	assert.Error(t, err)
}

func TestPaperPlacer(t *testing.T) {
	best := marketstate.NewBestBook()
	best.Publish(orderbook.BBO{Bid: d("100"), HasBid: true, Ask: d("100.2"), HasAsk: true}, time.Now())
	p := NewPaperPlacer(best)
	ctx := context.Background()

	res, err := p.Place(ctx, ports.PlaceRequest{Side: domain.SideBuy, Size: d("1"), Price: d("100.2"), PostOnly: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "would cross ask")

	res, err = p.Place(ctx, ports.PlaceRequest{Side: domain.SideSell, Size: d("1"), Price: d("100"), PostOnly: true})
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = p.Place(ctx, ports.PlaceRequest{Side: domain.SideBuy, Size: d("1"), Price: d("100.1"), PostOnly: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.OrderID, "paper-"))
	assert.Equal(t, 1, p.Open())

	// 非 post-only 允许吃单
	res, err = p.Place(ctx, ports.PlaceRequest{Side: domain.SideBuy, Size: d("1"), Price: d("101")})
	require.NoError(t, err)
	assert.True(t, res.Success)

	c, err := p.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, c.Success)

	c, err = p.Cancel(ctx, res.OrderID)
	require.NoError(t, err)
	assert.False(t, c.Success)
}

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingSender) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

type updateRecorder struct {
	updates []orderbook.OrderUpdate
}

func (r *updateRecorder) HandleOrderUpdate(_ context.Context, u orderbook.OrderUpdate) {
	r.updates = append(r.updates, u)
}

func TestOrderStream_HandleMessage(t *testing.T) {
	out := &recordingSender{}
	rec := &updateRecorder{}
	s := NewOrderStream(context.Background(), out, rec)

	s.HandleMessage([]byte(`{"type":"trade-event","content":{"event":"ORDER_UPDATE","data":{"order":[
		{"id":"ex-1","status":"PARTIALLY_FILLED","cumFillSize":"0.004","updatedTime":"1700000000000"},
		{"id":"ex-2","status":"CANCELED"},
		{"id":"ex-3","status":"SOMETHING"},
		{"id":"","status":"FILLED"}
	]}}}`))
	s.HandleMessage([]byte(`not json`))
	s.HandleMessage([]byte(`{"type":"ping","time":"123"}`))

	require.Len(t, rec.updates, 2)
	assert.Equal(t, "ex-1", rec.updates[0].OrderID)
	assert.Equal(t, domain.OrderStatusPartial, rec.updates[0].Status)
	assert.True(t, rec.updates[0].FilledSize.Equal(d("0.004")))
	assert.Equal(t, int64(1700000000000), rec.updates[0].At.UnixMilli())
	assert.Equal(t, domain.OrderStatusCanceled, rec.updates[1].Status)

	require.Len(t, out.sent, 1)
	assert.JSONEq(t, `{"type":"pong","time":"123"}`, string(out.sent[0]))
}

func TestOrderStream_CancelingThenFilledReachesBackend(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []protocol.OrderUpdate
	)
	sink := ports.ReportFunc(func(msg protocol.Message) {
		if u, ok := msg.(protocol.OrderUpdate); ok {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		}
	})
	best := marketstate.NewBestBook()
	engine := execution.New(execution.DefaultConfig(), NewPaperPlacer(best), best, sink)

	placed := engine.ExecuteOrder(context.Background(), protocol.ExecuteOrder{
		Side:          domain.SideBuy,
		Quantity:      d("0.01"),
		Price:         decimal.NewNullDecimal(d("100.1")),
		ClientOrderID: "c-1",
	})
	require.True(t, placed.Success)

	s := NewOrderStream(context.Background(), &recordingSender{}, engine)
	push := func(status, filled string) {
		s.HandleMessage([]byte(`{"type":"trade-event","content":{"event":"ORDER_UPDATE","data":{"order":[` +
			`{"id":"` + placed.OrderID + `","status":"` + status + `","cumFillSize":"` + filled + `"}]}}}`))
	}

	// 撤单处理中成交：订单仍在跟踪，随后的 FILLED 必须回报
	push("CANCELING", "0")
	assert.True(t, engine.Orders().Exists(placed.OrderID))
	push("FILLED", "0.01")
	assert.False(t, engine.Orders().Exists(placed.OrderID))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, "CANCELING", updates[0].Status)
	assert.Equal(t, "FILLED", updates[1].Status)
	assert.Equal(t, "c-1", updates[1].ClientOrderID)
	assert.True(t, updates[1].FilledSize.Equal(d("0.01")))
}
