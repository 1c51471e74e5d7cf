// Package marketdata 维护交易所公共深度行情：订阅、重建本地订单簿、发布 BBO。
package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/link"
	"github.com/betbot/edgebridge/internal/marketstate"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/pkg/orderbook"
)

var log = logrus.WithField("component", "marketdata")

const (
	dataTypeSnapshot = "snapshot"
	dataTypeChanged  = "changed"
)

// Config 订阅参数
type Config struct {
	ContractID string
	Depth      int
}

// Channel 深度频道名：depth.<contractId>.<depth>
func (c Config) Channel() string {
	return fmt.Sprintf("depth.%s.%d", c.ContractID, c.Depth)
}

// Sender 链路的发送契约
type Sender interface {
	Send(payload []byte) error
}

// Feed 行情链路的唯一写者：订单簿只在这里被修改。
type Feed struct {
	cfg  Config
	out  Sender
	book *orderbook.DepthBook
	best *marketstate.BestBook
	now  func() time.Time

	last    orderbook.BBO
	hasLast bool

	mu        sync.RWMutex
	listeners []func(marketstate.Snapshot)
}

// NewFeed 创建行情组件。out 一般是行情链路本身。
func NewFeed(cfg Config, out Sender, best *marketstate.BestBook) *Feed {
	if cfg.Depth <= 0 {
		cfg.Depth = 15
	}
	return &Feed{
		cfg:  cfg,
		out:  out,
		book: orderbook.NewDepthBook(),
		best: best,
		now:  time.Now,
	}
}

// Attach 接入链路的事件与消息
func (f *Feed) Attach(seg *link.Segment) {
	seg.OnEvent(f.HandleEvent)
	seg.OnMessage(f.HandleMessage)
}

// OnBBO 注册 BBO 变化监听（只在 BBO 实际变化时调用）
func (f *Feed) OnBBO(fn func(marketstate.Snapshot)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Depth 当前某一侧前 n 档（仅用于诊断；与写者同一 goroutine 外调用时结果可能是旧的）
func (f *Feed) Depth(side orderbook.Side, n int) []orderbook.Level {
	return f.book.Depth(side, n)
}

// HandleEvent 链路事件：连上即订阅；断开则清空本地簿（等待重订阅后的快照）
func (f *Feed) HandleEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventLinkUp:
		f.subscribe()
	case link.EventLinkDown, link.EventExhausted:
		f.book.ApplyUpdate(nil, nil, true)
		f.publish()
	}
}

func (f *Feed) subscribe() {
	payload, _ := json.Marshal(map[string]string{
		"type":    "subscribe",
		"channel": f.cfg.Channel(),
	})
	if err := f.out.Send(payload); err != nil {
		log.Errorf("subscribe %s failed: %v", f.cfg.Channel(), err)
		return
	}
	log.Infof("subscribed %s", f.cfg.Channel())
}

type wireLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type wireMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Time    json.RawMessage `json:"time,omitempty"`
	Content struct {
		DataType string `json:"dataType"`
		Data     []struct {
			Bids []wireLevel `json:"bids"`
			Asks []wireLevel `json:"asks"`
		} `json:"data"`
	} `json:"content"`
}

// HandleMessage 处理一条交易所行情消息。解析失败记录日志并丢弃。
func (f *Feed) HandleMessage(payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MalformedMessages.Add("marketdata", 1)
		log.Warnf("drop malformed market data: %v", err)
		return
	}

	switch msg.Type {
	case "ping":
		f.pong(msg.Time)
	case "quote-event":
		f.applyQuote(&msg)
	case "subscribed", "connected":
		log.Debugf("feed ack: %s %s", msg.Type, msg.Channel)
	case "error":
		log.Errorf("feed error: %s", string(payload))
	}
}

func (f *Feed) pong(ts json.RawMessage) {
	reply := map[string]any{"type": "pong"}
	if len(ts) > 0 {
		reply["time"] = ts
	}
	payload, _ := json.Marshal(reply)
	if err := f.out.Send(payload); err != nil {
		log.Debugf("pong failed: %v", err)
	}
}

func (f *Feed) applyQuote(msg *wireMessage) {
	if msg.Channel != "" && !strings.HasPrefix(msg.Channel, "depth.") {
		return
	}
	isSnapshot := strings.EqualFold(msg.Content.DataType, dataTypeSnapshot)
	if !isSnapshot && !strings.EqualFold(msg.Content.DataType, dataTypeChanged) {
		metrics.MalformedMessages.Add("marketdata", 1)
		log.Warnf("drop depth update with unknown dataType %q", msg.Content.DataType)
		return
	}

	for i, d := range msg.Content.Data {
		// 同一批里的快照只清空一次
		f.book.ApplyUpdate(toLevels(d.Bids), toLevels(d.Asks), isSnapshot && i == 0)
	}
	if isSnapshot && len(msg.Content.Data) == 0 {
		f.book.ApplyUpdate(nil, nil, true)
	}
	metrics.DepthUpdates.Add(1)
	f.publish()
}

func toLevels(in []wireLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(in))
	for _, lv := range in {
		out = append(out, orderbook.Level{Price: lv.Price, Size: lv.Size})
	}
	return out
}

// publish 发布 BBO；只有变化时才通知监听者
func (f *Feed) publish() {
	bbo := f.book.BBO()
	now := f.now()
	f.best.Publish(bbo, now)

	if f.hasLast && f.last.Equal(bbo) {
		return
	}
	f.last, f.hasLast = bbo, true
	metrics.BBOChanges.Add(1)

	snap := marketstate.Snapshot{BBO: bbo, UpdatedAt: now}
	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
