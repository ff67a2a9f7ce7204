package gateway

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelcache/reelcache/internal/cache"
	"github.com/reelcache/reelcache/internal/logging"
	"github.com/reelcache/reelcache/internal/syncqueue"
	"github.com/reelcache/reelcache/internal/trafficclass"
)

// Options 汇总网关的全部构造参数，由 CLI 启动序列注入。
type Options struct {
	Logger           *logrus.Logger
	Store            cache.Store
	Classifier       *trafficclass.Classifier
	Client           *http.Client
	Upstream         *url.URL
	Queue            *syncqueue.Queue
	VersionToken     string
	CachePrefix      string
	PrecacheAssets   []string
	PlaceholderPath  string
	RootPath         string
	MetadataSyncPath string
	CSRFToken        string
	SyncTag          string
}

// Gateway orchestrate “分类 → 策略 → 分区读写” 的全流程：每个被拦截的
// 请求独立处理，失败未被兜底时以失败结果向调用方传播，绝不伪造成功响应。
type Gateway struct {
	logger     *logrus.Logger
	store      cache.Store
	classifier *trafficclass.Classifier
	client     *http.Client
	upstream   *url.URL
	queue      *syncqueue.Queue

	versionToken     string
	cachePrefix      string
	precacheAssets   []string
	placeholderPath  string
	rootPath         string
	metadataSyncPath string
	csrfToken        string
	syncTag          string

	// partitions 是 category → 激活分区名 的不可变映射，构造期一次算好。
	partitions map[string]string
}

// Result 是一次请求处理的平台无关产物，由宿主适配层负责写回客户端。
type Result struct {
	Status    int
	Header    http.Header
	Body      io.ReadCloser
	CacheHit  bool
	Class     trafficclass.Class
	Partition string
	// Deferred 表示写请求已入待同步队列，等待连通性恢复后排空。
	Deferred bool
}

// ErrUnknownSyncTag 表示触发的同步标签与配置不符。
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// New 校验依赖并预计算激活分区集合。
func New(opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("upstream url is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("sync queue is required")
	}
	if opts.VersionToken == "" {
		return nil, errors.New("version token is required")
	}
	if opts.CachePrefix == "" {
		return nil, errors.New("cache prefix is required")
	}

	partitions := make(map[string]string)
	for _, meta := range trafficclass.List() {
		if _, ok := partitions[meta.PartitionCategory]; !ok {
			partitions[meta.PartitionCategory] = cache.PartitionName(opts.CachePrefix, meta.PartitionCategory, opts.VersionToken)
		}
	}

	rootPath := opts.RootPath
	if rootPath == "" {
		rootPath = "/"
	}

	return &Gateway{
		logger:           opts.Logger,
		store:            opts.Store,
		classifier:       opts.Classifier,
		client:           opts.Client,
		upstream:         opts.Upstream,
		queue:            opts.Queue,
		versionToken:     opts.VersionToken,
		cachePrefix:      opts.CachePrefix,
		precacheAssets:   append([]string(nil), opts.PrecacheAssets...),
		placeholderPath:  opts.PlaceholderPath,
		rootPath:         rootPath,
		metadataSyncPath: opts.MetadataSyncPath,
		csrfToken:        opts.CSRFToken,
		syncTag:          opts.SyncTag,
		partitions:       partitions,
	}, nil
}

// Version 返回当前版本令牌，供 GET_VERSION 控制消息应答。
func (g *Gateway) Version() string {
	return g.versionToken
}

// ActivePartitions 返回 category → 激活分区名 映射的副本，供诊断接口输出。
func (g *Gateway) ActivePartitions() map[string]string {
	result := make(map[string]string, len(g.partitions))
	for category, name := range g.partitions {
		result[category] = name
	}
	return result
}

// PendingSyncCount 返回待同步队列长度。
func (g *Gateway) PendingSyncCount(ctx context.Context) (int, error) {
	return g.queue.Len(ctx)
}

// HandleRequest 对单个请求执行分类与策略。只有 http(s) 上的 GET 进入
// 缓存策略；HEAD 与写方法原样透传，不参与任何缓存读写。
func (g *Gateway) HandleRequest(ctx context.Context, req *http.Request) (*Result, error) {
	if !g.classifier.Intercepts(req.Method, req.URL) {
		return g.passThrough(ctx, req)
	}

	class := g.classifier.Classify(req.URL.Path)
	meta, ok := trafficclass.Resolve(class)
	if !ok {
		return nil, fmt.Errorf("class %s is not registered", class)
	}

	partition := g.partitions[meta.PartitionCategory]
	locator := g.locatorFor(partition, req.URL)

	started := time.Now()
	var result *Result
	var err error
	switch meta.Strategy {
	case trafficclass.StrategyCacheFirst:
		result, err = g.handleCacheFirst(ctx, req, meta, locator)
	case trafficclass.StrategyNetworkFirst:
		result, err = g.handleNetworkFirst(ctx, req, meta, locator)
	default:
		err = fmt.Errorf("unsupported strategy %s", meta.Strategy)
	}

	g.logRequest(req, meta, result, started, err)
	return result, err
}

// handleCacheFirst 实现 image/static 类的 cache-first 策略。
func (g *Gateway) handleCacheFirst(
	ctx context.Context,
	req *http.Request,
	meta trafficclass.ClassMetadata,
	locator cache.Locator,
) (*Result, error) {
	cached, err := g.store.Get(ctx, locator)
	switch {
	case err == nil:
		return g.serveEntry(cached, meta, true), nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		g.logger.WithError(err).
			WithFields(logrus.Fields{"class": string(meta.Key), "partition": locator.Partition}).
			Warn("cache_get_failed")
	}

	resp, fetchErr := g.fetchUpstream(ctx, req)
	if fetchErr != nil {
		if meta.Fallback == trafficclass.FallbackPlaceholder && g.posterRole(req.URL.Path) {
			if placeholder := g.placeholderEntry(ctx, meta); placeholder != nil {
				return placeholder, nil
			}
		}
		return nil, fetchErr
	}

	if resp.StatusCode != http.StatusOK {
		return g.serveLive(resp, meta), nil
	}
	return g.storeAndServe(ctx, resp, meta, locator)
}

// handleNetworkFirst 实现 api/dynamic 类的 network-first 策略。
func (g *Gateway) handleNetworkFirst(
	ctx context.Context,
	req *http.Request,
	meta trafficclass.ClassMetadata,
	locator cache.Locator,
) (*Result, error) {
	resp, fetchErr := g.fetchUpstream(ctx, req)
	if fetchErr == nil {
		if resp.StatusCode != http.StatusOK {
			return g.serveLive(resp, meta), nil
		}
		return g.storeAndServe(ctx, resp, meta, locator)
	}

	cached, err := g.store.Get(ctx, locator)
	if err == nil {
		return g.serveEntry(cached, meta, true), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		g.logger.WithError(err).
			WithFields(logrus.Fields{"class": string(meta.Key), "partition": locator.Partition}).
			Warn("cache_fallback_failed")
	}

	if meta.Fallback == trafficclass.FallbackRootPage && isNavigation(req) {
		if root := g.rootPageEntry(ctx, meta); root != nil {
			return root, nil
		}
	}
	return nil, fetchErr
}

// storeAndServe 先把上游响应写入分区再回放缓存条目，保证 handler 返回前
// 分区已更新且回放内容与网络响应逐字节一致。缓存写入是尽力而为：
// 落盘失败只记日志，已抓到的网络响应仍原样返回，绝不把成功的回源
// 放大成失败。
func (g *Gateway) storeAndServe(
	ctx context.Context,
	resp *http.Response,
	meta trafficclass.ClassMetadata,
	locator cache.Locator,
) (*Result, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	cacheMeta := cache.Metadata{
		Status:   resp.StatusCode,
		Header:   cloneCacheableHeader(resp.Header),
		StoredAt: time.Now().UTC(),
	}
	if _, err := g.store.Put(ctx, locator, cacheMeta, bytes.NewReader(body)); err != nil {
		g.logger.WithError(err).
			WithFields(logrus.Fields{"class": string(meta.Key), "partition": locator.Partition}).
			Warn("cache_write_failed")
		return g.serveBuffered(resp, meta, body), nil
	}

	stored, err := g.store.Get(ctx, locator)
	if err != nil {
		g.logger.WithError(err).
			WithFields(logrus.Fields{"class": string(meta.Key), "partition": locator.Partition}).
			Warn("cache_readback_failed")
		return g.serveBuffered(resp, meta, body), nil
	}
	return g.serveEntry(stored, meta, false), nil
}

// serveBuffered 回放已缓冲的上游正文，用于缓存写入失败后的兜底路径。
func (g *Gateway) serveBuffered(resp *http.Response, meta trafficclass.ClassMetadata, body []byte) *Result {
	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &Result{
		Status:    resp.StatusCode,
		Header:    header,
		Body:      io.NopCloser(bytes.NewReader(body)),
		CacheHit:  false,
		Class:     meta.Key,
		Partition: g.partitions[meta.PartitionCategory],
	}
}

// serveLive 直接回放非可缓存状态的上游响应，不写分区。
func (g *Gateway) serveLive(resp *http.Response, meta trafficclass.ClassMetadata) *Result {
	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &Result{
		Status:    resp.StatusCode,
		Header:    header,
		Body:      resp.Body,
		CacheHit:  false,
		Class:     meta.Key,
		Partition: g.partitions[meta.PartitionCategory],
	}
}

func (g *Gateway) serveEntry(cached *cache.ReadResult, meta trafficclass.ClassMetadata, hit bool) *Result {
	header := make(http.Header, len(cached.Entry.Meta.Header))
	CopyHeaders(header, cached.Entry.Meta.Header)
	status := cached.Entry.Meta.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Result{
		Status:    status,
		Header:    header,
		Body:      cached.Reader,
		CacheHit:  hit,
		Class:     meta.Key,
		Partition: cached.Entry.Locator.Partition,
	}
}

// placeholderEntry 从静态分区取占位图；占位图未预热时返回 nil，
// 由调用方传播原始网络错误。
func (g *Gateway) placeholderEntry(ctx context.Context, meta trafficclass.ClassMetadata) *Result {
	if g.placeholderPath == "" {
		return nil
	}
	staticMeta, ok := trafficclass.Resolve(trafficclass.ClassStatic)
	if !ok {
		return nil
	}
	locator := cache.Locator{
		Partition: g.partitions[staticMeta.PartitionCategory],
		Path:      g.placeholderPath,
	}
	cached, err := g.store.Get(ctx, locator)
	if err != nil {
		return nil
	}
	return g.serveEntry(cached, meta, true)
}

// rootPageEntry 查找缓存的根页条目：先看动态分区的最近副本，再看安装期
// 预热的静态副本。
func (g *Gateway) rootPageEntry(ctx context.Context, meta trafficclass.ClassMetadata) *Result {
	dynamicLocator := cache.Locator{
		Partition: g.partitions[meta.PartitionCategory],
		Path:      g.rootPath,
	}
	if cached, err := g.store.Get(ctx, dynamicLocator); err == nil {
		return g.serveEntry(cached, meta, true)
	}

	staticMeta, ok := trafficclass.Resolve(trafficclass.ClassStatic)
	if !ok {
		return nil
	}
	staticLocator := cache.Locator{
		Partition: g.partitions[staticMeta.PartitionCategory],
		Path:      g.rootPath,
	}
	if cached, err := g.store.Get(ctx, staticLocator); err == nil {
		return g.serveEntry(cached, meta, true)
	}
	return nil
}

// fetchUpstream 以原请求的路径/查询串回源，仅做单次尝试，不自动重试。
func (g *Gateway) fetchUpstream(ctx context.Context, req *http.Request) (*http.Response, error) {
	upstreamURL := g.resolveUpstreamURL(req.URL)
	outbound, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	g.prepareOutboundHeaders(outbound, req)
	return g.client.Do(outbound)
}

// passThrough 透传未拦截的请求。发往元数据更新端点的写请求在网络失败时
// 转入待同步队列并以 202 应答，其余失败原样传播。
func (g *Gateway) passThrough(ctx context.Context, req *http.Request) (*Result, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	upstreamURL := g.resolveUpstreamURL(req.URL)
	outbound, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	g.prepareOutboundHeaders(outbound, req)

	resp, err := g.client.Do(outbound)
	if err != nil {
		if g.isDeferrableWrite(req) {
			return g.deferWrite(ctx, bodyBytes, err)
		}
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &Result{
		Status: resp.StatusCode,
		Header: header,
		Body:   resp.Body,
	}, nil
}

func (g *Gateway) isDeferrableWrite(req *http.Request) bool {
	return req.Method == http.MethodPost &&
		g.metadataSyncPath != "" &&
		req.URL.Path == g.metadataSyncPath
}

func (g *Gateway) deferWrite(ctx context.Context, payload []byte, cause error) (*Result, error) {
	record, err := g.queue.Enqueue(ctx, payload)
	if err != nil {
		g.logger.WithError(err).WithField("action", "sync_enqueue").Error("sync_enqueue_failed")
		return nil, cause
	}

	g.logger.WithFields(logrus.Fields{
		"action":    "sync_enqueue",
		"record_id": record.ID,
		"cause":     cause.Error(),
	}).Info("元数据更新已入待同步队列")

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	body := io.NopCloser(strings.NewReader(`{"queued":true}`))
	return &Result{
		Status:   http.StatusAccepted,
		Header:   header,
		Body:     body,
		Deferred: true,
	}, nil
}

func (g *Gateway) resolveUpstreamURL(u *url.URL) *url.URL {
	relative := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	return g.upstream.ResolveReference(relative)
}

func (g *Gateway) prepareOutboundHeaders(outbound, inbound *http.Request) {
	CopyHeaders(outbound.Header, inbound.Header)
	outbound.Header.Del("Accept-Encoding")
	outbound.Host = g.upstream.Host
	outbound.Header.Set("Host", g.upstream.Host)
	outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	if inbound.RemoteAddr != "" {
		host := inbound.RemoteAddr
		if h, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
			host = h
		}
		if host != "" {
			if prior := outbound.Header.Get("X-Forwarded-For"); prior != "" {
				outbound.Header.Set("X-Forwarded-For", prior+", "+host)
			} else {
				outbound.Header.Set("X-Forwarded-For", host)
			}
		}
	}
}

// locatorFor 以路径 + 查询串摘要构造请求身份，同一身份在分区内唯一。
func (g *Gateway) locatorFor(partition string, u *url.URL) cache.Locator {
	clean := u.Path
	if clean == "" {
		clean = "/"
	}
	if u.RawQuery != "" {
		sum := sha1.Sum([]byte(u.RawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return cache.Locator{Partition: partition, Path: clean}
}

// posterRole 判断失败的图片请求是否承担海报/图片角色，决定占位图兜底。
func (g *Gateway) posterRole(path string) bool {
	lower := strings.ToLower(path)
	if strings.Contains(lower, "poster") {
		return true
	}
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// isNavigation 判断整页导航：浏览器导航请求以 text/html 为首选类型。
func isNavigation(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// cloneCacheableHeader 克隆将随条目持久化的响应头，剔除逐跳字段。
func cloneCacheableHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	CopyHeaders(dst, src)
	return dst
}

func (g *Gateway) logRequest(
	req *http.Request,
	meta trafficclass.ClassMetadata,
	result *Result,
	started time.Time,
	err error,
) {
	hit := false
	if result != nil {
		hit = result.CacheHit
	}
	fields := logging.RequestFields(string(meta.Key), g.partitions[meta.PartitionCategory], string(meta.Strategy), hit)
	fields["action"] = "gateway"
	fields["path"] = req.URL.Path
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		g.logger.WithFields(fields).Error("gateway_request_failed")
		return
	}
	fields["status"] = result.Status
	g.logger.WithFields(fields).Info("gateway_request_complete")
}
