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

	"github.com/betbot/edgebridge/internal/bridge"
	"github.com/betbot/edgebridge/internal/metrics"
	"github.com/betbot/edgebridge/pkg/config"
	"github.com/betbot/edgebridge/pkg/logger"
	"github.com/betbot/edgebridge/pkg/shutdown"
)

func main() {
	// .env 尽力加载；没有就用真实环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("EDGEBRIDGE_CONFIG"), "配置文件路径（支持 .yaml, .yml, .json）")
	mode := flag.String("upstream", "", "上游模式覆盖：direct / relay / embedded")
	dryRun := flag.Bool("dry-run", false, "纸交易模式，不向交易所发送订单")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Upstream.Mode = *mode
	}
	if *dryRun {
		cfg.Bridge.DryRun = true
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

	latency := metrics.NewLatencyMonitor(metrics.DefaultLatencySamples)
	app, err := bridge.New(cfg, bridge.WithLatencyMonitor(latency))
	if err != nil {
		logrus.Errorf("初始化 bridge 失败: %v", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if cfg.Metrics.Listen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.Metrics.Listen, latency); err != nil {
			logrus.Warnf("metrics 服务启动失败: %v", err)
		}
	}

	if err := app.Start(rootCtx); err != nil {
		logrus.Errorf("启动 bridge 失败: %v", err)
		os.Exit(1)
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown("bridge", app.Stop)

	logrus.Info("bridge 已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	rootCancel()

	logrus.Info("bridge 已停止")
}
