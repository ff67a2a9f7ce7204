package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/reelcache/reelcache/internal/syncqueue"
)

// 控制消息类型，对应页面侧 postMessage 契约。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
	MessageClearCache  = "CLEAR_CACHE"
)

// Message 是页面发来的控制消息。
type Message struct {
	Type string `json:"type"`
}

// Reply 是控制消息的应答。未识别的消息 Ignored 为 true，其余字段为零值。
type Reply struct {
	Type    string   `json:"type"`
	Version string   `json:"version,omitempty"`
	Cleared bool     `json:"cleared,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
	Ignored bool     `json:"ignored,omitempty"`
}

// HandleMessage 处理控制消息。未识别的类型按无操作忽略，不报错。
func (g *Gateway) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	switch strings.TrimSpace(msg.Type) {
	case MessageSkipWaiting:
		deleted, err := g.Activate(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Type: MessageSkipWaiting, Deleted: deleted}, nil

	case MessageGetVersion:
		return Reply{Type: MessageGetVersion, Version: g.versionToken}, nil

	case MessageClearCache:
		if err := g.store.DeleteAll(ctx); err != nil {
			return Reply{}, err
		}
		g.logger.WithField("action", "clear_cache").Warn("全部缓存分区已删除")
		return Reply{Type: MessageClearCache, Cleared: true}, nil

	default:
		g.logger.WithFields(logrus.Fields{
			"action": "message",
			"type":   msg.Type,
		}).Debug("忽略未识别的控制消息")
		return Reply{Type: msg.Type, Ignored: true}, nil
	}
}

// SyncTrigger 响应具名同步触发：标签匹配时排空待同步队列。
func (g *Gateway) SyncTrigger(ctx context.Context, tag string) (syncqueue.DrainResult, error) {
	if tag != g.syncTag {
		return syncqueue.DrainResult{}, fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}

	result, err := g.queue.Drain(ctx, g)
	fields := logrus.Fields{
		"action":    "sync_drain",
		"tag":       tag,
		"flushed":   result.Flushed,
		"remaining": result.Remaining,
	}
	if err != nil {
		fields["error"] = err.Error()
		g.logger.WithFields(fields).Error("sync_drain_failed")
		return result, err
	}
	g.logger.WithFields(fields).Info("待同步队列排空完成")
	return result, nil
}

// PostPendingUpdate 将单条记录投递到后端元数据更新端点，HTTP 2xx 视为确认。
func (g *Gateway) PostPendingUpdate(ctx context.Context, record syncqueue.Record) error {
	target := *g.upstream
	target.Path = g.metadataSyncPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(record.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.csrfToken != "" {
		req.Header.Set("X-CSRFToken", g.csrfToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sync rejected: status=%d", resp.StatusCode)
	}
	return nil
}
