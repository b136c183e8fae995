package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"icapfilter/adblock"
	"icapfilter/config"
	"icapfilter/content"
	"icapfilter/icap"
	"icapfilter/learning"
	"icapfilter/logger"
	"icapfilter/metrics"
	"icapfilter/stats"
	"icapfilter/webapi"
)

func main() {
	// 定义命令行参数
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	workDir := flag.String("w", "", "工作目录")
	help := flag.Bool("h", false, "显示帮助信息")

	flag.Parse()

	if *help {
		printHelp()
		os.Exit(0)
	}

	// 确定工作目录，相对路径（规则缓存、学习存储等）都以它为基准
	if *workDir != "" {
		if err := os.Chdir(*workDir); err != nil {
			fmt.Fprintf(os.Stderr, "错误：无法切换到工作目录 %s：%v\n", *workDir, err)
			os.Exit(1)
		}
	}

	effectiveConfigPath := *configPath
	if !filepath.IsAbs(effectiveConfigPath) {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "错误：无法获取当前工作目录：%v\n", err)
			os.Exit(1)
		}
		effectiveConfigPath = filepath.Join(wd, effectiveConfigPath)
	}

	// 加载配置（先加载配置以获取日志级别设置）
	cfg, err := config.LoadConfig(effectiveConfigPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// 立即设置日志级别，确保后续所有日志都遵循配置
	logger.SetLevel(cfg.System.LogLevel)
	logger.Infof("Loaded config %s, log level %s", effectiveConfigPath, logger.GetLevel())

	// 设置 GOMAXPROCS
	if cfg.System.MaxCPUCores > 0 {
		runtime.GOMAXPROCS(cfg.System.MaxCPUCores)
		logger.Infof("Set GOMAXPROCS to %d", cfg.System.MaxCPUCores)
	}

	repo, closeRepo, err := openRepository(&cfg.Learning)
	if err != nil {
		logger.Fatalf("Failed to open learning store: %v", err)
	}
	defer closeRepo()

	var scriptlets content.ScriptletResolver
	if cfg.Injection.ScriptletsFile != "" {
		tmpl, err := content.LoadTemplates(cfg.Injection.ScriptletsFile)
		if err != nil {
			logger.Fatalf("Failed to load scriptlets: %v", err)
		}
		logger.Infof("Loaded %d scriptlet template(s) from %s", tmpl.Len(), cfg.Injection.ScriptletsFile)
		scriptlets = tmpl
	}

	mgr, err := adblock.NewManager(adblock.Options{
		Filter:     &cfg.Filter,
		Learning:   &cfg.Learning,
		Injection:  &cfg.Injection,
		Repository: repo,
		Scriptlets: scriptlets,
	})
	if err != nil {
		logger.Fatalf("Failed to create filter manager: %v", err)
	}

	// 初始化统计与监控
	s := stats.NewStats(stats.DefaultRecentSize)
	collector := metrics.New()
	mgr.AddSink(s)
	mgr.AddSink(collector)

	blockPage := icap.NewBlockPage()
	if cfg.ICAP.BlockPageFile != "" {
		if blockPage, err = icap.LoadBlockPage(cfg.ICAP.BlockPageFile); err != nil {
			logger.Fatalf("Failed to load block page: %v", err)
		}
	}

	maxBody := cfg.ICAP.MaxBodyMB * 1024 * 1024
	icapServer := icap.NewServer(icap.Config{
		Addr:           net.JoinHostPort(cfg.ICAP.ListenAddr, strconv.Itoa(cfg.ICAP.ListenPort)),
		ServiceName:    cfg.ICAP.ServiceName,
		ServiceID:      cfg.ICAP.ServiceID,
		OptionsTTL:     cfg.ICAP.OptionsTTLSeconds,
		MaxConnections: cfg.ICAP.MaxConnections,
		MaxBody:        maxBody,
		ReadTimeout:    time.Duration(cfg.ICAP.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(cfg.ICAP.IdleTimeoutSeconds) * time.Second,
	}, icap.NewFilterAdapter(mgr, mgr, blockPage, maxBody))
	icapServer.SetObserver(collector)

	// 每次规则集替换后更新 ISTag，使代理丢弃缓存的适配结果
	mgr.OnReload(func() {
		tag := icapServer.RenewISTag()
		st := mgr.GetStats()
		collector.RuleCounts(st.StaticRules, st.ContentFilters)
		if st.Learned != nil {
			collector.Learning(st.Learned.Rules, st.Learned.Dropped)
		}
		logger.Debugf("[ICAP] ISTag renewed: %s", tag)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	icapDone := make(chan error, 1)
	go func() {
		icapDone <- icapServer.ListenAndServe()
	}()
	logger.Infof("ICAP server started on %s:%d", cfg.ICAP.ListenAddr, cfg.ICAP.ListenPort)

	// 启动 Web API 服务（可选）
	var webServer *webapi.Server
	if cfg.WebUI.Enabled {
		webServer = webapi.NewServer(webapi.Options{
			Port:    cfg.WebUI.ListenPort,
			Manager: mgr,
			Stats:   s,
			Metrics: collector.Handler(),
			Reloads: collector,
			ISTag:   icapServer.ISTag,
		})
		go func() {
			if err := webServer.Start(); err != nil {
				logger.Errorf("Web API server failed: %v", err)
			}
		}()
	}

	// SIGHUP 重新加载规则，SIGINT/SIGTERM 优雅停机
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				break loop
			}
			logger.Info("Received SIGHUP, reloading rules...")
			result, err := mgr.Reload(ctx, nil)
			collector.RecordReload(err)
			if err != nil {
				logger.Errorf("Reload failed: %v", err)
				continue
			}
			logger.Infof("Rules reloaded: %+v", result)
		case err := <-icapDone:
			if err != nil {
				logger.Errorf("ICAP server failed: %v", err)
			}
			break loop
		}
	}

	logger.Info("Shutting down server...")
	signal.Stop(sigCh)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// 先关闭 Web 服务器
	if webServer != nil {
		logger.Info("Stopping Web API server...")
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to stop Web API server: %v", err)
		}
	}

	if err := icapServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("ICAP server shutdown: %v", err)
	}
	mgr.Stop()

	logger.Info("Server gracefully stopped.")
}

// openRepository 根据配置创建学习规则的持久化存储
func openRepository(cfg *config.LearningConfig) (learning.Repository, func(), error) {
	noop := func() {}
	if !cfg.Enable {
		return nil, noop, nil
	}
	switch cfg.Store {
	case "", "none":
		return nil, noop, nil
	case "json":
		return learning.NewJSONRepository(cfg.StorePath), noop, nil
	case "sqlite":
		repo, err := learning.OpenSQLiteRepository(cfg.StorePath)
		if err != nil {
			return nil, noop, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warnf("[Learning] Failed to close store: %v", err)
			}
		}, nil
	default:
		return nil, noop, fmt.Errorf("unknown learning store %q", cfg.Store)
	}
}

func printHelp() {
	fmt.Print(`icapfilter - ICAP 内容过滤服务

使用方法：
  icapfilter [选项]

选项：
  -c <路径>       配置文件路径（默认：config.yaml）
  -w <路径>       工作目录（默认：当前目录）
  -h              显示此帮助信息

信号：
  SIGHUP          从缓存重新加载所有规则列表
  SIGINT/SIGTERM  优雅停机

示例：
  icapfilter -c /etc/icapfilter/config.yaml
`)
}
