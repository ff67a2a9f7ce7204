package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Store 负责管理磁盘缓存分区的读写。磁盘布局遵循：
//
//	<StoragePath>/<Partition>/<path>          # 响应正文
//	<StoragePath>/<Partition>/<path>.rcmeta   # 状态码 + 响应头元数据
//
// 分区是扁平的键值空间，单条目读写原子，无跨键事务。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将响应写入缓存并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。同一 Locator 的并发写入串行化，
	// 最后完成者胜出。
	Put(ctx context.Context, locator Locator, meta Metadata, body io.Reader) (*Entry, error)

	// Remove 删除正文与元数据文件，条目不存在时静默成功。
	Remove(ctx context.Context, locator Locator) error

	// Partitions 枚举当前磁盘上存在的所有分区名。
	Partitions(ctx context.Context) ([]string, error)

	// DeletePartition 整体删除一个分区及其全部条目。
	DeletePartition(ctx context.Context, name string) error

	// DeleteAll 删除所有分区，用于 CLEAR_CACHE 控制消息。
	DeleteAll(ctx context.Context) error

	// EntryCount 返回分区内的条目数量，供诊断接口使用。
	EntryCount(ctx context.Context, name string) (int, error)
}

// Locator 唯一定位一个缓存条目（分区 + 请求路径），路径均为 URL 路径风格。
// 带查询串的请求身份由调用方编码进 Path。
type Locator struct {
	Partition string
	Path      string
}

// Metadata 记录缓存条目对应响应的状态码与头部，随正文一起持久化。
type Metadata struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator  `json:"locator"`
	FilePath  string   `json:"file_path"`
	SizeBytes int64    `json:"size_bytes"`
	Meta      Metadata `json:"meta"`
}

// ReadResult 组合 Entry 与正文 Reader，便于网关层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// PartitionName 以 <prefix>-<category>-<token> 规则拼接分区名。
// 新版本令牌自然产生全新分区集合，旧分区等待激活阶段清理。
func PartitionName(prefix, category, token string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, category, token)
}
