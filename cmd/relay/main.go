package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebridge/internal/link"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/internal/relay"
	"github.com/betbot/edgebridge/internal/transport"
	"github.com/betbot/edgebridge/pkg/config"
	"github.com/betbot/edgebridge/pkg/logger"
	"github.com/betbot/edgebridge/pkg/shutdown"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("EDGEBRIDGE_CONFIG"), "配置文件路径（支持 .yaml, .yml, .json）")
	listen := flag.String("listen", "", "监听地址覆盖，例如 :8766")
	backend := flag.String("backend", "", "后端 websocket 地址覆盖")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if *backend != "" {
		cfg.Relay.BackendURL = *backend
	}
	if err := cfg.ValidateRelay(); err != nil {
		fmt.Fprintln(os.Stderr, "配置无效:", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		NoColor:    cfg.Log.NoColor,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	dialer, err := transport.NewWebsocketDialer(cfg.Relay.BackendURL, &transport.WebsocketOptions{ProxyURL: cfg.Bridge.ProxyURL})
	if err != nil {
		logrus.Errorf("后端地址无效: %v", err)
		os.Exit(1)
	}

	lc := link.DefaultConfig("relay-upstream")
	lc.BaseDelay = cfg.Link.BaseDelay
	lc.MaxDelay = cfg.Link.MaxDelay
	lc.MaxAttempts = cfg.Link.MaxAttempts
	lc.PingInterval = cfg.Link.PingInterval
	lc.PongTimeout = cfg.Link.PongTimeout
	lc.StaleAfter = cfg.Link.StaleAfter
	lc.QueueLimit = cfg.Link.QueueLimit
	lc.ExhaustedCooldown = cfg.Link.ExhaustedCooldown
	if cfg.Link.DialTimeout > 0 {
		lc.DialTimeout = cfg.Link.DialTimeout
	}
	upstream := relay.NewUpstream(lc, dialer)

	router := relay.NewRouter(upstream)
	relay.Bind(router, upstream)
	srv := relay.NewServer(router, upstream)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if cfg.Metrics.Listen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.Metrics.Listen, nil); err != nil {
			logrus.Warnf("metrics 服务启动失败: %v", err)
		}
	}

	upstream.Start(rootCtx)
	if _, err := srv.ListenAndServe(rootCtx, cfg.Relay.Listen); err != nil {
		logrus.Errorf("relay 监听失败: %v", err)
		os.Exit(1)
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown("relay", func(ctx context.Context) {
		rootCancel()
		upstream.Stop()
		srv.Wait()
	})

	logrus.Infof("relay 已启动：listen=%s backend=%s", cfg.Relay.Listen, cfg.Relay.BackendURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)

	logrus.Info("relay 已停止")
}
