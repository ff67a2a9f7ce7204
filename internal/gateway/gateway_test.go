package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelcache/reelcache/internal/cache"
	"github.com/reelcache/reelcache/internal/syncqueue"
	"github.com/reelcache/reelcache/internal/trafficclass"
)

type testEnv struct {
	gw       *Gateway
	store    cache.Store
	queue    *syncqueue.Queue
	upstream *httptest.Server
	hits     atomic.Int64
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()

	env := &testEnv{}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(env.upstream.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	env.store = store

	queue, err := syncqueue.NewQueue(t.TempDir())
	if err != nil {
		t.Fatalf("创建队列失败: %v", err)
	}
	env.queue = queue

	classifier, err := trafficclass.NewClassifier(trafficclass.DefaultRules())
	if err != nil {
		t.Fatalf("构建分类器失败: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	upstreamURL, err := url.Parse(env.upstream.URL)
	if err != nil {
		t.Fatalf("解析上游地址失败: %v", err)
	}

	env.gw, err = New(Options{
		Logger:           logger,
		Store:            store,
		Classifier:       classifier,
		Client:           NewUpstreamClient(2 * time.Second),
		Upstream:         upstreamURL,
		Queue:            queue,
		VersionToken:     "v1-test",
		CachePrefix:      "reelcache",
		PrecacheAssets:   []string{"/", "/static/css/main.css"},
		PlaceholderPath:  "/static/images/placeholder-poster.png",
		RootPath:         "/",
		MetadataSyncPath: "/api/update-metadata/",
		CSRFToken:        "csrf-token",
		SyncTag:          "metadata-sync",
	})
	if err != nil {
		t.Fatalf("构建网关失败: %v", err)
	}
	return env
}

func (env *testEnv) get(t *testing.T, target string, header http.Header) (*Result, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return env.gw.HandleRequest(context.Background(), req)
}

func readBody(t *testing.T, result *Result) string {
	t.Helper()
	defer result.Body.Close()
	body, err := io.ReadAll(result.Body)
	if err != nil {
		t.Fatalf("读取响应正文失败: %v", err)
	}
	return string(body)
}

func TestCacheFirstStaticServedFromCache(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, "body{}")
	})

	result, err := env.get(t, "/static/css/main.css", nil)
	if err != nil {
		t.Fatalf("首次请求失败: %v", err)
	}
	if result.CacheHit {
		t.Fatalf("首次请求不应命中缓存")
	}
	if got := readBody(t, result); got != "body{}" {
		t.Fatalf("正文不符: %s", got)
	}
	if env.hits.Load() != 1 {
		t.Fatalf("应回源一次，得到 %d", env.hits.Load())
	}

	result, err = env.get(t, "/static/css/main.css", nil)
	if err != nil {
		t.Fatalf("二次请求失败: %v", err)
	}
	if !result.CacheHit {
		t.Fatalf("二次请求应命中缓存")
	}
	if got := readBody(t, result); got != "body{}" {
		t.Fatalf("缓存正文应逐字节一致: %s", got)
	}
	if got := result.Header.Get("Content-Type"); got != "text/css" {
		t.Fatalf("缓存应回放原响应头: %s", got)
	}
	if env.hits.Load() != 1 {
		t.Fatalf("命中后不应再回源，得到 %d", env.hits.Load())
	}
}

func TestCacheFirstStaticFailurePropagates(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	env.upstream.Close()

	if _, err := env.get(t, "/static/css/vendor.css", nil); err == nil {
		t.Fatalf("static 类无兜底，网络失败应传播")
	}
}

func TestImagePlaceholderFallback(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	// 预置占位图到静态分区，模拟安装期已预热。
	placeholder := cache.Locator{
		Partition: env.gw.ActivePartitions()["static"],
		Path:      "/static/images/placeholder-poster.png",
	}
	meta := cache.Metadata{Status: 200, Header: http.Header{"Content-Type": []string{"image/png"}}}
	if _, err := env.store.Put(context.Background(), placeholder, meta, strings.NewReader("placeholder-bytes")); err != nil {
		t.Fatalf("预置占位图失败: %v", err)
	}

	env.upstream.Close()

	result, err := env.get(t, "/static/images/poster-123.jpg", nil)
	if err != nil {
		t.Fatalf("海报请求应回退占位图: %v", err)
	}
	if got := readBody(t, result); got != "placeholder-bytes" {
		t.Fatalf("应返回占位图内容: %s", got)
	}
}

func TestImageFailureWithoutPosterRolePropagates(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	env.upstream.Close()

	// .svg 归入 image 类，但不承担海报角色，失败原样传播。
	if _, err := env.get(t, "/logo.svg", nil); err == nil {
		t.Fatalf("非海报角色的图片失败应传播")
	}
}

func TestNetworkFirstAPIStoresAndFallsBack(t *testing.T) {
	payload := `{"movies":[{"id":1,"title":"The Matrix"}]}`
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, payload)
	})

	result, err := env.get(t, "/api/search/?q=matrix", nil)
	if err != nil {
		t.Fatalf("在线请求失败: %v", err)
	}
	if result.CacheHit {
		t.Fatalf("network-first 在线响应不应标记命中")
	}
	if got := readBody(t, result); got != payload {
		t.Fatalf("应返回与网络一致的正文: %s", got)
	}

	env.upstream.Close()

	result, err = env.get(t, "/api/search/?q=matrix", nil)
	if err != nil {
		t.Fatalf("离线时应回退缓存: %v", err)
	}
	if !result.CacheHit {
		t.Fatalf("离线回退应标记缓存命中")
	}
	if got := readBody(t, result); got != payload {
		t.Fatalf("缓存回退正文不符: %s", got)
	}

	// 无缓存副本的请求身份失败传播。
	if _, err := env.get(t, "/api/search/?q=inception", nil); err == nil {
		t.Fatalf("无缓存时失败应传播")
	}
}

func TestNetworkFirstAlwaysRefetches(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "live")
	})

	for i := 0; i < 2; i++ {
		result, err := env.get(t, "/api/search/?q=x", nil)
		if err != nil {
			t.Fatalf("请求失败: %v", err)
		}
		result.Body.Close()
	}
	if env.hits.Load() != 2 {
		t.Fatalf("network-first 在线时每次都应回源，得到 %d", env.hits.Load())
	}
}

func TestNavigationFallsBackToRootPage(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	root := cache.Locator{
		Partition: env.gw.ActivePartitions()["static"],
		Path:      "/",
	}
	meta := cache.Metadata{Status: 200, Header: http.Header{"Content-Type": []string{"text/html"}}}
	if _, err := env.store.Put(context.Background(), root, meta, strings.NewReader("<html>shell</html>")); err != nil {
		t.Fatalf("预置根页失败: %v", err)
	}

	env.upstream.Close()

	header := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}
	result, err := env.get(t, "/movie/999/edit/", header)
	if err != nil {
		t.Fatalf("整页导航应回退根页: %v", err)
	}
	if got := readBody(t, result); got != "<html>shell</html>" {
		t.Fatalf("应返回缓存根页: %s", got)
	}

	// 非导航请求不回退根页。
	if _, err := env.get(t, "/movie/999/edit/", nil); err == nil {
		t.Fatalf("非导航的 dynamic 失败应传播")
	}
}

func TestNestedPathAfterParentIsCached(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "body:"+r.URL.Path)
	})

	// 先缓存 /movie/，再请求嵌套其下的 /movie/5/edit/：两个身份落在同一
	// 分区且共享路径前缀，后者的回源成功必须原样返回并落盘。
	result, err := env.get(t, "/movie/", nil)
	if err != nil {
		t.Fatalf("父路径请求失败: %v", err)
	}
	result.Body.Close()

	result, err = env.get(t, "/movie/5/edit/", nil)
	if err != nil {
		t.Fatalf("嵌套路径请求失败: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("嵌套路径应返回 200，得到 %d", result.Status)
	}
	if got := readBody(t, result); got != "body:/movie/5/edit/" {
		t.Fatalf("嵌套路径应返回网络正文: %s", got)
	}

	env.upstream.Close()

	result, err = env.get(t, "/movie/5/edit/", nil)
	if err != nil {
		t.Fatalf("嵌套路径离线应命中缓存: %v", err)
	}
	if !result.CacheHit {
		t.Fatalf("嵌套路径离线应标记命中")
	}
	if got := readBody(t, result); got != "body:/movie/5/edit/" {
		t.Fatalf("嵌套路径缓存正文不符: %s", got)
	}
}

func TestHeadDoesNotPoisonCachedEntry(t *testing.T) {
	payload := `{"movies":[1,2,3]}`
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, payload)
	})

	result, err := env.get(t, "/api/search/", nil)
	if err != nil {
		t.Fatalf("GET 失败: %v", err)
	}
	result.Body.Close()

	// HEAD 透传，不得以空正文覆盖同一身份的 GET 条目。
	req := httptest.NewRequest(http.MethodHead, "/api/search/", nil)
	result, err = env.gw.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HEAD 失败: %v", err)
	}
	result.Body.Close()

	env.upstream.Close()

	result, err = env.get(t, "/api/search/", nil)
	if err != nil {
		t.Fatalf("离线回退失败: %v", err)
	}
	if !result.CacheHit {
		t.Fatalf("离线应命中缓存")
	}
	if got := readBody(t, result); got != payload {
		t.Fatalf("HEAD 之后缓存正文被污染: %s", got)
	}
}

func TestStoreFailureStillServesNetworkResponse(t *testing.T) {
	payload := `{"movies":[]}`
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	})
	env.gw.store = &putFailStore{Store: env.store}

	// 落盘失败只是降级：成功的回源仍须原样返回。
	result, err := env.get(t, "/api/search/?q=x", nil)
	if err != nil {
		t.Fatalf("缓存写入失败不应放大为请求失败: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("应返回 200，得到 %d", result.Status)
	}
	if got := readBody(t, result); got != payload {
		t.Fatalf("应返回网络正文: %s", got)
	}
}

type putFailStore struct {
	cache.Store
}

func (s *putFailStore) Put(ctx context.Context, locator cache.Locator, meta cache.Metadata, body io.Reader) (*cache.Entry, error) {
	return nil, errors.New("disk full")
}

func TestPassThroughPostIsNotCached(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("期望透传 POST，得到 %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true}`)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/movie/1/status/", strings.NewReader(`{"status":"watched"}`))
	result, err := env.gw.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("透传失败: %v", err)
	}
	if got := readBody(t, result); got != `{"success":true}` {
		t.Fatalf("透传正文不符: %s", got)
	}

	for _, name := range mustPartitions(t, env.store) {
		count, err := env.store.EntryCount(context.Background(), name)
		if err != nil {
			t.Fatalf("统计条目失败: %v", err)
		}
		if count != 0 {
			t.Fatalf("透传请求不应写缓存，分区 %s 有 %d 条", name, count)
		}
	}
}

func TestDeferredWriteQueuesOnNetworkFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	env.upstream.Close()

	body := `{"movieId":7,"rating":5}`
	req := httptest.NewRequest(http.MethodPost, "/api/update-metadata/", strings.NewReader(body))
	result, err := env.gw.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("元数据更新应转入队列: %v", err)
	}
	if result.Status != http.StatusAccepted || !result.Deferred {
		t.Fatalf("应返回 202 Deferred: %+v", result)
	}
	result.Body.Close()

	records, err := env.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("读取队列失败: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("队列应有 1 条记录，得到 %d", len(records))
	}
	if string(records[0].Payload) != body {
		t.Fatalf("入队负载不符: %s", records[0].Payload)
	}

	// 其余写端点的失败不入队，原样传播。
	req = httptest.NewRequest(http.MethodPost, "/api/movie/7/rating/", strings.NewReader(body))
	if _, err := env.gw.HandleRequest(context.Background(), req); err == nil {
		t.Fatalf("非同步端点的网络失败应传播")
	}
}

func TestInstallAllOrNothing(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/static/css/main.css" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, "asset")
	})

	err := env.gw.Install(context.Background())
	if err == nil {
		t.Fatalf("任一资产失败时安装应整体失败")
	}

	staticName := env.gw.ActivePartitions()["static"]
	for _, name := range mustPartitions(t, env.store) {
		if name == staticName {
			t.Fatalf("失败的安装不应留下静态分区")
		}
	}
}

func TestInstallPrecachesAllAssets(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "asset:"+r.URL.Path)
	})

	if err := env.gw.Install(context.Background()); err != nil {
		t.Fatalf("安装失败: %v", err)
	}

	staticName := env.gw.ActivePartitions()["static"]
	count, err := env.store.EntryCount(context.Background(), staticName)
	if err != nil {
		t.Fatalf("统计条目失败: %v", err)
	}
	if count != 2 {
		t.Fatalf("期望预热 2 个资产，得到 %d", count)
	}

	// 安装后静态资产零回源命中。
	before := env.hits.Load()
	result, err := env.get(t, "/static/css/main.css", nil)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	result.Body.Close()
	if !result.CacheHit || env.hits.Load() != before {
		t.Fatalf("预热资产应零网络命中")
	}
}

func TestActivateRemovesStalePartitions(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	stale := []string{"reelcache-static-v0-old", "reelcache-dynamic-v0-old", "other-cache"}
	for _, name := range stale {
		loc := cache.Locator{Partition: name, Path: "/seed"}
		if _, err := env.store.Put(ctx, loc, cache.Metadata{Status: 200}, strings.NewReader("x")); err != nil {
			t.Fatalf("预置过期分区失败: %v", err)
		}
	}
	for _, name := range env.gw.ActivePartitions() {
		loc := cache.Locator{Partition: name, Path: "/seed"}
		if _, err := env.store.Put(ctx, loc, cache.Metadata{Status: 200}, strings.NewReader("x")); err != nil {
			t.Fatalf("预置激活分区失败: %v", err)
		}
	}

	deleted, err := env.gw.Activate(ctx)
	if err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	if len(deleted) != len(stale) {
		t.Fatalf("应清理 %d 个过期分区，得到 %v", len(stale), deleted)
	}

	names := mustPartitions(t, env.store)
	if len(names) != 3 {
		t.Fatalf("激活后应只剩 3 个激活分区，得到 %v", names)
	}
	active := env.gw.ActivePartitions()
	for _, name := range names {
		found := false
		for _, activeName := range active {
			if name == activeName {
				found = true
			}
		}
		if !found {
			t.Fatalf("激活后出现非激活分区 %s", name)
		}
	}
}

func TestHandleMessageContract(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "page")
	})
	ctx := context.Background()

	reply, err := env.gw.HandleMessage(ctx, Message{Type: MessageGetVersion})
	if err != nil {
		t.Fatalf("GET_VERSION 失败: %v", err)
	}
	if reply.Version != "v1-test" {
		t.Fatalf("版本应答不符: %+v", reply)
	}

	// 先写入一条缓存，再验证 CLEAR_CACHE 清空全部分区。
	result, err := env.get(t, "/movies/", nil)
	if err != nil {
		t.Fatalf("预热请求失败: %v", err)
	}
	result.Body.Close()

	reply, err = env.gw.HandleMessage(ctx, Message{Type: MessageClearCache})
	if err != nil {
		t.Fatalf("CLEAR_CACHE 失败: %v", err)
	}
	if !reply.Cleared {
		t.Fatalf("CLEAR_CACHE 应答不符: %+v", reply)
	}
	if names := mustPartitions(t, env.store); len(names) != 0 {
		t.Fatalf("清空后不应有分区残留: %v", names)
	}

	// 清空后下一次请求重新走完整回源。
	before := env.hits.Load()
	result, err = env.get(t, "/movies/", nil)
	if err != nil {
		t.Fatalf("清空后的请求失败: %v", err)
	}
	result.Body.Close()
	if env.hits.Load() != before+1 {
		t.Fatalf("清空后应重新回源")
	}

	reply, err = env.gw.HandleMessage(ctx, Message{Type: "REWIND_TAPE"})
	if err != nil {
		t.Fatalf("未识别消息不应报错: %v", err)
	}
	if !reply.Ignored {
		t.Fatalf("未识别消息应标记忽略: %+v", reply)
	}
}

func TestSyncTriggerDrainsQueue(t *testing.T) {
	var synced atomic.Int64
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/update-metadata/" {
			t.Errorf("排空应投递到同步端点，得到 %s", r.URL.Path)
		}
		if r.Header.Get("X-CSRFToken") != "csrf-token" {
			t.Errorf("排空应携带 CSRF 头")
		}
		synced.Add(1)
		io.WriteString(w, `{"success":true}`)
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := env.queue.Enqueue(ctx, json.RawMessage(`{"movieId":1}`)); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}

	if _, err := env.gw.SyncTrigger(ctx, "wrong-tag"); !errors.Is(err, ErrUnknownSyncTag) {
		t.Fatalf("未知标签应返回 ErrUnknownSyncTag，得到 %v", err)
	}

	result, err := env.gw.SyncTrigger(ctx, "metadata-sync")
	if err != nil {
		t.Fatalf("排空失败: %v", err)
	}
	if result.Flushed != 2 || result.Remaining != 0 {
		t.Fatalf("排空结果不符: %+v", result)
	}
	if synced.Load() != 2 {
		t.Fatalf("后端应收到 2 条投递，得到 %d", synced.Load())
	}
}

func mustPartitions(t *testing.T, store cache.Store) []string {
	t.Helper()
	names, err := store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("枚举分区失败: %v", err)
	}
	return names
}
