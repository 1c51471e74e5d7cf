package metrics

import "expvar"

// 按链路名分组的计数器（/debug/vars 可见）
var (
	LinkConnects          = expvar.NewMap("link_connects")
	LinkConnectFailures   = expvar.NewMap("link_connect_failures")
	LinkDisconnects       = expvar.NewMap("link_disconnects")
	LinkExhausted         = expvar.NewMap("link_exhausted")
	LinkAutoResets        = expvar.NewMap("link_auto_resets")
	LinkHeartbeatTimeouts = expvar.NewMap("link_heartbeat_timeouts")
	LinkDroppedStale      = expvar.NewMap("link_dropped_stale")
	LinkDroppedOverflow   = expvar.NewMap("link_dropped_overflow")
	LinkFlushed           = expvar.NewMap("link_flushed")
)

// 中继
var (
	RelayEndpoints       = expvar.NewInt("relay_endpoints")
	RelayBroadcasts      = expvar.NewInt("relay_broadcasts")
	RelayBroadcastErrors = expvar.NewInt("relay_broadcast_errors")
	RelayForwarded       = expvar.NewInt("relay_forwarded")
)

// 执行与行情
var (
	OrdersPlaced      = expvar.NewInt("orders_placed")
	OrdersFailed      = expvar.NewInt("orders_failed")
	OrderAttempts     = expvar.NewInt("order_attempts")
	OrdersCanceled    = expvar.NewInt("orders_canceled")
	OrdersFilled      = expvar.NewInt("orders_filled")
	ActiveOrders      = expvar.NewInt("active_orders")
	EmergencyCloses   = expvar.NewInt("emergency_closes")
	MalformedMessages = expvar.NewMap("malformed_messages")
	DepthUpdates      = expvar.NewInt("depth_updates")
	BBOChanges        = expvar.NewInt("bbo_changes")
)
