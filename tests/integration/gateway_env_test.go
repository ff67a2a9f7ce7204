package integration

import (
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/reelcache/reelcache/internal/cache"
	"github.com/reelcache/reelcache/internal/gateway"
	"github.com/reelcache/reelcache/internal/server"
	"github.com/reelcache/reelcache/internal/server/routes"
	"github.com/reelcache/reelcache/internal/syncqueue"
	"github.com/reelcache/reelcache/internal/trafficclass"
)

// gatewayEnv 按生产启动顺序组装的完整测试环境：存储 → 分类器 → 队列 →
// 网关 → Fiber 应用（含 /-/gateway 控制接口）。
type gatewayEnv struct {
	app   *fiber.App
	gw    *gateway.Gateway
	store cache.Store
	queue *syncqueue.Queue
}

func newGatewayEnv(t *testing.T, upstream string) *gatewayEnv {
	t.Helper()

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	classifier, err := trafficclass.NewClassifier(trafficclass.DefaultRules())
	if err != nil {
		t.Fatalf("classifier error: %v", err)
	}

	queue, err := syncqueue.NewQueue(t.TempDir())
	if err != nil {
		t.Fatalf("queue error: %v", err)
	}

	upstreamURL, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("upstream url error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	gw, err := gateway.New(gateway.Options{
		Logger:           logger,
		Store:            store,
		Classifier:       classifier,
		Client:           gateway.NewUpstreamClient(2 * time.Second),
		Upstream:         upstreamURL,
		Queue:            queue,
		VersionToken:     "v-test",
		CachePrefix:      "reelcache",
		PrecacheAssets:   classifier.StaticAssets(),
		PlaceholderPath:  "/static/images/placeholder-poster.png",
		RootPath:         "/",
		MetadataSyncPath: "/api/update-metadata/",
		CSRFToken:        "csrf-test",
		SyncTag:          "metadata-sync",
	})
	if err != nil {
		t.Fatalf("gateway error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Gateway:    gw,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterGatewayRoutes(app, gw, store)

	return &gatewayEnv{app: app, gw: gw, store: store, queue: queue}
}

// deadUpstreamURL 返回一个已关闭端口的地址，模拟后端不可达。
func deadUpstreamURL(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return "http://" + addr
}
