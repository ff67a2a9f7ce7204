package routes

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/reelcache/reelcache/internal/cache"
	"github.com/reelcache/reelcache/internal/gateway"
	"github.com/reelcache/reelcache/internal/trafficclass"
)

// RegisterGatewayRoutes 暴露 /-/gateway 控制与诊断接口：页面侧控制消息、
// 后台同步触发，以及分区状态查询。
func RegisterGatewayRoutes(app *fiber.App, gw *gateway.Gateway, store cache.Store) {
	if app == nil || gw == nil || store == nil {
		return
	}

	app.Get("/-/gateway", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		pending, err := gw.PendingSyncCount(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_queue_unavailable"})
		}
		payload := fiber.Map{
			"version":      gw.Version(),
			"partitions":   encodePartitions(ctx, store, gw.ActivePartitions()),
			"classes":      encodeClasses(trafficclass.List()),
			"pending_sync": pending,
		}
		return c.JSON(payload)
	})

	app.Post("/-/gateway/message", func(c fiber.Ctx) error {
		var msg gateway.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_type_required"})
		}

		reply, err := gw.HandleMessage(requestContext(c), msg)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.JSON(reply)
	})

	app.Post("/-/gateway/sync", func(c fiber.Ctx) error {
		var trigger struct {
			Tag string `json:"tag"`
		}
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &trigger); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_trigger"})
			}
		}

		result, err := gw.SyncTrigger(requestContext(c), trigger.Tag)
		if err != nil {
			if errors.Is(err, gateway.ErrUnknownSyncTag) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_sync_tag"})
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":     "sync_failed",
				"flushed":   result.Flushed,
				"remaining": result.Remaining,
			})
		}
		return c.JSON(fiber.Map{
			"flushed":   result.Flushed,
			"remaining": result.Remaining,
		})
	})
}

type partitionPayload struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Entries  int    `json:"entries"`
	Present  bool   `json:"present"`
}

type classPayload struct {
	Key               string `json:"key"`
	Description       string `json:"description"`
	Strategy          string `json:"strategy"`
	PartitionCategory string `json:"partition_category"`
	Fallback          string `json:"fallback"`
}

func encodePartitions(ctx context.Context, store cache.Store, active map[string]string) []partitionPayload {
	if len(active) == 0 {
		return nil
	}

	categories := make([]string, 0, len(active))
	for category := range active {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	// 存在性来自分区枚举：空分区一样是已创建的分区。
	existing := make(map[string]bool)
	if names, err := store.Partitions(ctx); err == nil {
		for _, name := range names {
			existing[name] = true
		}
	}

	result := make([]partitionPayload, 0, len(categories))
	for _, category := range categories {
		name := active[category]
		item := partitionPayload{Category: category, Name: name, Present: existing[name]}
		if count, err := store.EntryCount(ctx, name); err == nil {
			item.Entries = count
		}
		result = append(result, item)
	}
	return result
}

func encodeClasses(metas []trafficclass.ClassMetadata) []classPayload {
	if len(metas) == 0 {
		return nil
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Key < metas[j].Key
	})
	result := make([]classPayload, 0, len(metas))
	for _, meta := range metas {
		result = append(result, classPayload{
			Key:               string(meta.Key),
			Description:       meta.Description,
			Strategy:          string(meta.Strategy),
			PartitionCategory: meta.PartitionCategory,
			Fallback:          string(meta.Fallback),
		})
	}
	return result
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
