package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record 是一条等待同步到后端的元数据更新，落盘为独立 JSON 文件。
type Record struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Poster 执行单条记录的后端投递，HTTP 成功视为确认。
type Poster interface {
	PostPendingUpdate(ctx context.Context, record Record) error
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(ctx context.Context, record Record) error

// PostPendingUpdate makes PosterFunc satisfy Poster.
func (f PosterFunc) PostPendingUpdate(ctx context.Context, record Record) error {
	return f(ctx, record)
}

// DrainResult 汇总一次触发的排空结果。
type DrainResult struct {
	Flushed   int
	Remaining int
}

// Queue 是磁盘持久化的 FIFO 待同步队列：每条记录一个文件，
// 文件名以入队时间戳开头，保证按入队顺序排空。
type Queue struct {
	dir string

	mu sync.Mutex
}

// NewQueue 以 dir 为根目录构建队列，目录不存在时创建。
func NewQueue(dir string) (*Queue, error) {
	if dir == "" {
		return nil, errors.New("queue directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve queue directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Queue{dir: abs}, nil
}

// Enqueue 将一条待同步更新原子写入队列并返回记录描述。
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (*Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	record := Record{
		ID:         uuid.NewString(),
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tempFile, err := os.CreateTemp(q.dir, ".pending-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()
	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempName)
		return nil, writeErr
	}

	final := filepath.Join(q.dir, q.fileName(record))
	if err := os.Rename(tempName, final); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	return &record, nil
}

// Pending 按入队顺序返回所有待同步记录。
func (q *Queue) Pending(ctx context.Context) ([]Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]Record, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			// 损坏的记录跳过，留在磁盘上供人工排查。
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Len 返回待同步记录数量。
func (q *Queue) Len(ctx context.Context) (int, error) {
	records, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Drain 逐条投递待同步记录：确认成功的记录删除，失败的保留等待下次触发，
// 单条失败不会中断其余记录的排空。
func (q *Queue) Drain(ctx context.Context, poster Poster) (DrainResult, error) {
	records, err := q.Pending(ctx)
	if err != nil {
		return DrainResult{}, err
	}

	result := DrainResult{}
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			result.Remaining += len(records) - result.Flushed - result.Remaining
			return result, err
		}
		if err := poster.PostPendingUpdate(ctx, record); err != nil {
			result.Remaining++
			continue
		}
		if err := q.remove(record); err != nil {
			result.Remaining++
			continue
		}
		result.Flushed++
	}
	return result, nil
}

func (q *Queue) remove(record Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := os.Remove(filepath.Join(q.dir, q.fileName(record)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// fileName 以入队时间戳 + 记录 ID 命名文件，字典序即入队顺序。
func (q *Queue) fileName(record Record) string {
	return fmt.Sprintf("%020d-%s.json", record.EnqueuedAt.UnixNano(), record.ID)
}
