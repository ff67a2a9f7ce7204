package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/reelcache/reelcache/internal/cache"
	"github.com/reelcache/reelcache/internal/logging"
	"github.com/reelcache/reelcache/internal/trafficclass"
)

// Install 预热静态分区：逐个抓取关键资产列表并写入。任何一项失败即删除
// 半成品分区并使本次安装整体失败，不存在部分成功的安装。
func (g *Gateway) Install(ctx context.Context) error {
	staticMeta, ok := trafficclass.Resolve(trafficclass.ClassStatic)
	if !ok {
		return fmt.Errorf("static class is not registered")
	}
	partition := g.partitions[staticMeta.PartitionCategory]

	started := time.Now()
	for _, asset := range g.precacheAssets {
		if err := g.precacheAsset(ctx, partition, asset); err != nil {
			// all-or-nothing：回滚整个分区，旧版本（若有）继续服务。
			if cleanupErr := g.store.DeletePartition(ctx, partition); cleanupErr != nil {
				g.logger.WithError(cleanupErr).
					WithField("partition", partition).
					Warn("install_rollback_failed")
			}
			fields := logging.LifecycleFields("install", g.versionToken)
			fields["asset"] = asset
			fields["error"] = err.Error()
			g.logger.WithFields(fields).Error("install_failed")
			return fmt.Errorf("install asset %s: %w", asset, err)
		}
	}

	fields := logging.LifecycleFields("install", g.versionToken)
	fields["assets"] = len(g.precacheAssets)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	g.logger.WithFields(fields).Info("静态分区预热完成")
	return nil
}

func (g *Gateway) precacheAsset(ctx context.Context, partition, asset string) error {
	assetURL, err := url.Parse(asset)
	if err != nil {
		return err
	}

	outbound, err := http.NewRequestWithContext(ctx, http.MethodGet, g.resolveUpstreamURL(assetURL).String(), http.NoBody)
	if err != nil {
		return err
	}

	resp, err := g.client.Do(outbound)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	meta := cache.Metadata{
		Status:   resp.StatusCode,
		Header:   cloneCacheableHeader(resp.Header),
		StoredAt: time.Now().UTC(),
	}
	locator := cache.Locator{Partition: partition, Path: assetURL.Path}
	_, err = g.store.Put(ctx, locator, meta, resp.Body)
	return err
}

// Activate 执行激活转换：枚举磁盘分区，删除所有不属于当前激活集合的名字，
// 返回被清理的分区列表。激活后新网关立即接管全部请求。
func (g *Gateway) Activate(ctx context.Context) ([]string, error) {
	active := make(map[string]struct{}, len(g.partitions))
	for _, name := range g.partitions {
		active[name] = struct{}{}
	}

	names, err := g.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range names {
		if _, ok := active[name]; ok {
			continue
		}
		if err := g.store.DeletePartition(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete stale partition %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	sort.Strings(deleted)

	fields := logging.LifecycleFields("activate", g.versionToken)
	fields["deleted"] = deleted
	fields["active"] = len(active)
	g.logger.WithFields(fields).Info("激活完成，过期分区已清理")
	return deleted, nil
}
