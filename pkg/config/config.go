package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/betbot/edgebridge/pkg/secretstore"
)

// 上游模式
const (
	UpstreamDirect   = "direct"   // 直连后端
	UpstreamRelay    = "relay"    // 经中继进程
	UpstreamEmbedded = "embedded" // 进程内中继
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
	NoColor    bool   `yaml:"no_color" json:"no_color"`
}

// BridgeConfig 前端（交易所侧）配置
type BridgeConfig struct {
	Exchange       string `yaml:"exchange" json:"exchange"`
	ContractID     string `yaml:"contract_id" json:"contract_id"`
	Ticker         string `yaml:"ticker" json:"ticker"`
	DepthLevel     int    `yaml:"depth_level" json:"depth_level"`
	FeedURL        string `yaml:"feed_url" json:"feed_url"`                 // 公共行情 WS
	PrivateFeedURL string `yaml:"private_feed_url" json:"private_feed_url"` // 私有订单推送 WS（可选）
	RestURL        string `yaml:"rest_url" json:"rest_url"`
	ProxyURL       string `yaml:"proxy_url" json:"proxy_url"`
	DryRun         bool   `yaml:"dry_run" json:"dry_run"`       // 纸交易：不发真实订单
	AutoReset      *bool  `yaml:"auto_reset" json:"auto_reset"` // 链路耗尽后冷却自动 Reset（默认 true）
}

// UpstreamConfig 上行链路
type UpstreamConfig struct {
	Mode string `yaml:"mode" json:"mode"`
	URL  string `yaml:"url" json:"url"`
}

// RelayConfig 中继
type RelayConfig struct {
	Listen     string `yaml:"listen" json:"listen"`
	BackendURL string `yaml:"backend_url" json:"backend_url"`
}

// LinkConfig 所有链路共用的重连/心跳参数
type LinkConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	PingInterval      time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
	QueueLimit        int           `yaml:"queue_limit" json:"queue_limit"`
	DialTimeout       time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ExhaustedCooldown time.Duration `yaml:"exhausted_cooldown" json:"exhausted_cooldown"`
}

// ExecutionConfig 下单参数
type ExecutionConfig struct {
	TickSize          float64       `yaml:"tick_size" json:"tick_size"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retry_delay"`
	EmergencySlippage float64       `yaml:"emergency_slippage" json:"emergency_slippage"`
	InFlightTTL       time.Duration `yaml:"in_flight_ttl" json:"in_flight_ttl"`
}

// SecretsConfig badger 凭据库
type SecretsConfig struct {
	Path string `yaml:"path" json:"path"`
	Key  string `yaml:"key" json:"key"` // 32 字节 hex/base64
}

// CredentialsConfig 交易所凭据（环境变量回退）
type CredentialsConfig struct {
	AccountID  string `yaml:"account_id" json:"account_id"`
	SigningKey string `yaml:"-" json:"-"` // 只从环境变量或凭据库读取
}

// MetricsConfig expvar/pprof
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Config 应用配置
type Config struct {
	Log         LogConfig         `yaml:"log" json:"log"`
	Bridge      BridgeConfig      `yaml:"bridge" json:"bridge"`
	Upstream    UpstreamConfig    `yaml:"upstream" json:"upstream"`
	Relay       RelayConfig       `yaml:"relay" json:"relay"`
	Link        LinkConfig        `yaml:"link" json:"link"`
	Execution   ExecutionConfig   `yaml:"execution" json:"execution"`
	Secrets     SecretsConfig     `yaml:"secrets" json:"secrets"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
}

// Default 默认配置
func Default() *Config {
	autoReset := true
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Bridge: BridgeConfig{
			Exchange:   "edgex",
			DepthLevel: 15,
			FeedURL:    "wss://quote.edgex.exchange/api/v1/public/ws",
			RestURL:    "https://pro.edgex.exchange",
			AutoReset:  &autoReset,
		},
		Upstream: UpstreamConfig{
			Mode: UpstreamDirect,
			URL:  "ws://127.0.0.1:8765",
		},
		Relay: RelayConfig{
			Listen:     ":8766",
			BackendURL: "ws://127.0.0.1:8765",
		},
		Link: LinkConfig{
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			MaxAttempts:       10,
			PingInterval:      15 * time.Second,
			PongTimeout:       45 * time.Second,
			StaleAfter:        10 * time.Second,
			QueueLimit:        1000,
			DialTimeout:       10 * time.Second,
			ExhaustedCooldown: time.Minute,
		},
		Execution: ExecutionConfig{
			TickSize:          0.1,
			MaxAttempts:       3,
			RetryDelay:        200 * time.Millisecond,
			EmergencySlippage: 0.002,
			InFlightTTL:       time.Minute,
		},
	}
}

// Load 读取配置：默认值 <- 配置文件（YAML/JSON，可选） <- 环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		// JSON 没有 duration 字符串支持，先转成 YAML 节点解析
		var raw any
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		if b, err = yaml.Marshal(raw); err != nil {
			return err
		}
	}
	return yaml.Unmarshal(b, cfg)
}

func (c *Config) applyEnv() error {
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")

	setString(&c.Bridge.ContractID, "BRIDGE_CONTRACT_ID")
	setString(&c.Bridge.Ticker, "BRIDGE_TICKER")
	setString(&c.Bridge.FeedURL, "BRIDGE_FEED_URL")
	setString(&c.Bridge.PrivateFeedURL, "BRIDGE_PRIVATE_FEED_URL")
	setString(&c.Bridge.RestURL, "BRIDGE_REST_URL")
	setString(&c.Bridge.ProxyURL, "PROXY_URL")
	if err := setBool(&c.Bridge.DryRun, "DRY_RUN"); err != nil {
		return err
	}

	setString(&c.Upstream.Mode, "UPSTREAM_MODE")
	setString(&c.Upstream.URL, "UPSTREAM_URL")
	setString(&c.Relay.Listen, "RELAY_LISTEN")
	setString(&c.Relay.BackendURL, "RELAY_BACKEND_URL")
	setString(&c.Metrics.Listen, "METRICS_LISTEN")

	setString(&c.Secrets.Path, "SECRET_DB")
	setString(&c.Secrets.Key, "SECRET_KEY")
	setString(&c.Credentials.AccountID, "EDGEX_ACCOUNT_ID")
	setString(&c.Credentials.SigningKey, "EDGEX_SIGNING_KEY")

	if err := setInt(&c.Execution.MaxAttempts, "EXECUTION_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setDuration(&c.Execution.RetryDelay, "EXECUTION_RETRY_DELAY"); err != nil {
		return err
	}
	return setDuration(&c.Link.ExhaustedCooldown, "LINK_EXHAUSTED_COOLDOWN")
}

// AutoResetEnabled 链路耗尽后是否冷却自动 Reset
func (c *Config) AutoResetEnabled() bool {
	return c.Bridge.AutoReset == nil || *c.Bridge.AutoReset
}

// ValidateBridge 校验前端进程所需配置
func (c *Config) ValidateBridge() error {
	if strings.TrimSpace(c.Bridge.ContractID) == "" {
		return fmt.Errorf("bridge.contract_id 不能为空")
	}
	if c.Bridge.FeedURL == "" {
		return fmt.Errorf("bridge.feed_url 不能为空")
	}
	if !c.Bridge.DryRun && c.Bridge.RestURL == "" {
		return fmt.Errorf("bridge.rest_url 不能为空（或开启 dry_run）")
	}
	switch c.Upstream.Mode {
	case UpstreamDirect, UpstreamRelay:
		if c.Upstream.URL == "" {
			return fmt.Errorf("upstream.url 不能为空（mode=%s）", c.Upstream.Mode)
		}
	case UpstreamEmbedded:
		if c.Relay.BackendURL == "" {
			return fmt.Errorf("relay.backend_url 不能为空（mode=embedded）")
		}
	default:
		return fmt.Errorf("upstream.mode 无效: %q（可选 direct/relay/embedded）", c.Upstream.Mode)
	}
	if c.Execution.TickSize <= 0 {
		return fmt.Errorf("execution.tick_size 必须 > 0")
	}
	if c.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts 必须 > 0")
	}
	if c.Execution.EmergencySlippage < 0 || c.Execution.EmergencySlippage >= 1 {
		return fmt.Errorf("execution.emergency_slippage 必须在 [0, 1) 内")
	}
	return c.validateLink()
}

// ValidateRelay 校验中继进程所需配置
func (c *Config) ValidateRelay() error {
	if c.Relay.Listen == "" {
		return fmt.Errorf("relay.listen 不能为空")
	}
	if c.Relay.BackendURL == "" {
		return fmt.Errorf("relay.backend_url 不能为空")
	}
	return c.validateLink()
}

func (c *Config) validateLink() error {
	l := c.Link
	if l.BaseDelay <= 0 || l.MaxDelay < l.BaseDelay {
		return fmt.Errorf("link.base_delay/max_delay 无效: %v/%v", l.BaseDelay, l.MaxDelay)
	}
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("link.max_attempts 必须 > 0")
	}
	if l.QueueLimit <= 0 {
		return fmt.Errorf("link.queue_limit 必须 > 0")
	}
	return nil
}

// ResolveCredentials 读取交易所凭据：配置了 secrets.path 时以凭据库为准，缺失字段回退到环境变量
func (c *Config) ResolveCredentials() (secretstore.Credentials, error) {
	creds := secretstore.Credentials{
		AccountID:  c.Credentials.AccountID,
		SigningKey: c.Credentials.SigningKey,
	}
	if c.Secrets.Path == "" {
		return creds, nil
	}

	key, err := secretstore.ParseKey(c.Secrets.Key)
	if err != nil {
		return creds, fmt.Errorf("secrets.key: %w", err)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: c.Secrets.Path, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return creds, err
	}
	defer ss.Close()

	stored, err := ss.LoadCredentials()
	if err != nil {
		return creds, err
	}
	if stored.AccountID != "" {
		creds.AccountID = stored.AccountID
	}
	if stored.SigningKey != "" {
		creds.SigningKey = stored.SigningKey
	}
	creds.APIKey = stored.APIKey
	return creds, nil
}

func getEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := getEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v, ok := getEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("环境变量 %s 无效: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v, ok := getEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("环境变量 %s 无效: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := getEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("环境变量 %s 无效: %w", key, err)
	}
	*dst = d
	return nil
}
