// Package exchange 交易所适配层：REST 下单/撤单、模拟盘、私有订单推送。
package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/domain"
	"github.com/betbot/edgebridge/internal/ports"
	"github.com/betbot/edgebridge/pkg/ratelimit"
)

var log = logrus.WithField("component", "exchange")

const (
	PathCreateOrder = "/api/v1/private/order/createOrder"
	PathCancelOrder = "/api/v1/private/order/cancelOrderById"

	codeSuccess = "SUCCESS"

	timeInForcePostOnly = "POST_ONLY"
	timeInForceGTC      = "GOOD_TIL_CANCEL"
	timeInForceIOC      = "IMMEDIATE_OR_CANCEL"
)

// RestConfig REST 客户端参数
type RestConfig struct {
	BaseURL       string
	AccountID     string
	Timeout       time.Duration
	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	RateCapacity  int // 令牌桶容量
	RatePerSecond int // 每秒补充
}

// DefaultRestConfig 默认参数
func DefaultRestConfig(baseURL string) RestConfig {
	return RestConfig{
		BaseURL:       baseURL,
		Timeout:       10 * time.Second,
		RetryCount:    2,
		RetryWait:     200 * time.Millisecond,
		RetryMaxWait:  2 * time.Second,
		RateCapacity:  10,
		RatePerSecond: 10,
	}
}

// RestClient 交易所 REST 客户端，实现 ports.OrderPlacer / ports.OrderCanceler
type RestClient struct {
	client    *resty.Client
	signer    Signer
	limiter   ratelimit.RateLimiter
	accountID string
	now       func() time.Time

	retries   int
	retryWait time.Duration
	maxWait   time.Duration
}

var (
	_ ports.OrderPlacer   = (*RestClient)(nil)
	_ ports.OrderCanceler = (*RestClient)(nil)
)

// NewRestClient 创建客户端；signer 为 nil 时不签名
func NewRestClient(cfg RestConfig, signer Signer) *RestClient {
	if signer == nil {
		signer = NopSigner{}
	}
	host := strings.TrimSuffix(cfg.BaseURL, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）。
	// 网络错误重试依赖 clientOrderId 在交易所侧去重；429 在 post 里单独处理。
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait)

	capacity := cfg.RateCapacity
	if capacity <= 0 {
		capacity = 10
	}
	return &RestClient{
		client:    client,
		retries:   cfg.RetryCount,
		retryWait: cfg.RetryWait,
		maxWait:   cfg.RetryMaxWait,
		signer:    signer,
		limiter:   ratelimit.NewTokenBucket(capacity, cfg.RatePerSecond),
		accountID: cfg.AccountID,
		now:       time.Now,
	}
}

type apiResponse struct {
	Code         string          `json:"code"`
	Msg          string          `json:"msg"`
	ErrorParam   json.RawMessage `json:"errorParam,omitempty"`
	Data         json.RawMessage `json:"data"`
	RequestTime  string          `json:"requestTime,omitempty"`
	ResponseTime string          `json:"responseTime,omitempty"`
}

func (r *apiResponse) ok() bool { return strings.EqualFold(r.Code, codeSuccess) }

func (r *apiResponse) errText() string {
	if r.Msg == "" {
		return r.Code
	}
	return r.Code + ": " + r.Msg
}

type createOrderBody struct {
	AccountID     string `json:"accountId,omitempty"`
	ContractID    string `json:"contractId"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

type cancelOrderBody struct {
	AccountID   string   `json:"accountId,omitempty"`
	OrderIDList []string `json:"orderIdList"`
}

// post 发送签名请求；非 2xx 返回 error，业务码由调用方判断
func (c *RestClient) post(ctx context.Context, path string, body any) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	for attempt := 0; ; attempt++ {
		// 每次发送重新签名，限流重试不会带着过期的时间戳
		headers, err := c.signer.Sign(http.MethodPost, path, raw, c.now().UnixMilli())
		if err != nil {
			return nil, errors.Wrap(err, "sign request")
		}
		resp, err := c.client.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json").
			SetHeader("Content-Type", "application/json").
			SetHeaders(headers).
			SetBody(raw).
			Post(path)
		if err != nil {
			return nil, errors.Wrapf(err, "POST %s", path)
		}
		if resp.StatusCode() == http.StatusTooManyRequests && attempt < c.retries {
			wait := c.retryAfter(resp, attempt)
			log.Warnf("POST %s 被限流，%v 后重试", path, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return nil, errors.Errorf("http non-2xx: status=%d body=%s", resp.StatusCode(), truncate(resp.String(), 256))
		}
		var out apiResponse
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, errors.Wrapf(err, "decode %s response", path)
		}
		return &out, nil
	}
}

// retryAfter 优先使用 Retry-After 头，否则指数退避
func (c *RestClient) retryAfter(resp *resty.Response, attempt int) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	wait := c.retryWait << attempt
	if c.maxWait > 0 && wait > c.maxWait {
		wait = c.maxWait
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Place 下单。交易所拒绝（业务码非 SUCCESS）返回 Success=false 而不是 error
func (c *RestClient) Place(ctx context.Context, req ports.PlaceRequest) (ports.PlaceResult, error) {
	tif := timeInForceGTC
	switch {
	case req.PostOnly:
		tif = timeInForcePostOnly
	case req.Type == domain.OrderTypeMarket:
		tif = timeInForceIOC
	}
	orderType := req.Type
	if orderType == "" {
		orderType = domain.OrderTypeLimit
	}

	body := createOrderBody{
		AccountID:     c.accountID,
		ContractID:    req.ContractID,
		Side:          strings.ToUpper(string(req.Side)),
		Size:          req.Size.String(),
		Price:         req.Price.String(),
		Type:          string(orderType),
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	resp, err := c.post(ctx, PathCreateOrder, body)
	if err != nil {
		return ports.PlaceResult{}, err
	}
	if !resp.ok() {
		log.Debugf("下单被拒绝: clientOrderId=%s %s", req.ClientOrderID, resp.errText())
		return ports.PlaceResult{Success: false, Error: resp.errText()}, nil
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.OrderID == "" {
		return ports.PlaceResult{}, errors.Errorf("createOrder: missing orderId in response data=%s", truncate(string(resp.Data), 256))
	}
	return ports.PlaceResult{Success: true, OrderID: data.OrderID}, nil
}

// Cancel 撤单
func (c *RestClient) Cancel(ctx context.Context, orderID string) (ports.CancelResult, error) {
	if orderID == "" {
		return ports.CancelResult{}, errors.New("cancel: empty order id")
	}
	resp, err := c.post(ctx, PathCancelOrder, cancelOrderBody{
		AccountID:   c.accountID,
		OrderIDList: []string{orderID},
	})
	if err != nil {
		return ports.CancelResult{}, err
	}
	if !resp.ok() {
		return ports.CancelResult{Success: false, Error: resp.errText()}, nil
	}
	return ports.CancelResult{Success: true}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
