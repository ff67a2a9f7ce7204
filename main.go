package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/reelcache/reelcache/internal/cache"
	"github.com/reelcache/reelcache/internal/config"
	"github.com/reelcache/reelcache/internal/gateway"
	"github.com/reelcache/reelcache/internal/logging"
	"github.com/reelcache/reelcache/internal/server"
	"github.com/reelcache/reelcache/internal/server/routes"
	"github.com/reelcache/reelcache/internal/syncqueue"
	"github.com/reelcache/reelcache/internal/trafficclass"
	"github.com/reelcache/reelcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["upstream"] = cfg.Global.Upstream
		fields["classes"] = len(trafficclass.Keys())
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	gw, store, err := buildGateway(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建网关失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstream"] = cfg.Global.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["classes"] = len(trafficclass.Keys())
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 启动即执行 install → activate：预热关键资产失败直接退出，
	// 不以半成品分区对外服务；激活随后清理上一版本的过期分区。
	ctx := context.Background()
	if err := gw.Install(ctx); err != nil {
		fmt.Fprintf(stdErr, "静态分区预热失败: %v\n", err)
		return 1
	}
	if _, err := gw.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "激活清理失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(cfg, gw, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildGateway 按 “存储 → 分类器 → 队列 → 网关” 的顺序组装依赖。
func buildGateway(cfg *config.Config, logger *logrus.Logger) (*gateway.Gateway, cache.Store, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	classifier, err := trafficclass.NewClassifier(cfg.Rules())
	if err != nil {
		return nil, nil, fmt.Errorf("构建分类器失败: %w", err)
	}

	queue, err := syncqueue.NewQueue(filepath.Join(cfg.Global.StoragePath, ".sync"))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化待同步队列失败: %w", err)
	}

	upstreamURL, err := url.Parse(cfg.Global.Upstream)
	if err != nil {
		return nil, nil, fmt.Errorf("解析上游地址失败: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Logger:           logger,
		Store:            store,
		Classifier:       classifier,
		Client:           gateway.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue()),
		Upstream:         upstreamURL,
		Queue:            queue,
		VersionToken:     version.Token(),
		CachePrefix:      cfg.Global.CachePrefix,
		PrecacheAssets:   cfg.EffectivePrecacheAssets(classifier),
		PlaceholderPath:  cfg.Global.PlaceholderPath,
		RootPath:         cfg.Global.RootPath,
		MetadataSyncPath: cfg.Global.MetadataSyncPath,
		CSRFToken:        cfg.Global.CSRFToken,
		SyncTag:          cfg.Global.SyncTag,
	})
	if err != nil {
		return nil, nil, err
	}
	return gw, store, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("reelcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 REELCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("REELCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, gw *gateway.Gateway, store cache.Store, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Gateway:    gw,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterGatewayRoutes(app, gw, store)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
