package trafficclass

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Class 标识一次请求所属的流量类别，决定缓存策略与分区归属。
type Class string

const (
	ClassImage   Class = "image"
	ClassAPI     Class = "api"
	ClassStatic  Class = "static"
	ClassDynamic Class = "dynamic"
)

// Strategy 描述类别使用的缓存策略。
type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
)

// Fallback 描述网络失败且无直接命中时的兜底行为。
type Fallback string

const (
	// FallbackNone 表示失败直接向调用方传播。
	FallbackNone Fallback = "none"
	// FallbackPlaceholder 表示回退到静态分区中的占位图条目。
	FallbackPlaceholder Fallback = "placeholder"
	// FallbackCachedEntry 表示回退到动态分区中同一请求身份的最近条目。
	FallbackCachedEntry Fallback = "cached-entry"
	// FallbackRootPage 表示在 cached-entry 未命中且请求是整页导航时，
	// 进一步回退到缓存的根页条目。
	FallbackRootPage Fallback = "root-page"
)

// ClassMetadata 记录一个流量类别的静态信息：策略、分区归属与兜底策略。
// 该表在构造期注入网关，使分类/策略映射可以脱离宿主运行时单测。
type ClassMetadata struct {
	Key               Class
	Description       string
	Strategy          Strategy
	PartitionCategory string
	Fallback          Fallback
}

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	classes map[Class]ClassMetadata
}

func newRegistry() *registry {
	return &registry{classes: make(map[Class]ClassMetadata)}
}

// Register 将类别元数据加入全局注册表，重复键会返回错误。
func Register(meta ClassMetadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合包 init() 中调用。
func MustRegister(meta ClassMetadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定类别的元数据。
func Resolve(key Class) (ClassMetadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的类别元数据列表。
func List() []ClassMetadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册类别的键值，供诊断接口使用。
func Keys() []Class {
	items := List()
	result := make([]Class, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func (r *registry) register(meta ClassMetadata) error {
	key := Class(strings.ToLower(strings.TrimSpace(string(meta.Key))))
	if key == "" {
		return fmt.Errorf("class key is required")
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[key]; exists {
		return fmt.Errorf("class %s already registered", key)
	}
	r.classes[key] = meta
	return nil
}

func (r *registry) resolve(key Class) (ClassMetadata, bool) {
	if key == "" {
		return ClassMetadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.classes[key]
	return meta, ok
}

func (r *registry) list() []ClassMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.classes) == 0 {
		return nil
	}

	keys := make([]Class, 0, len(r.classes))
	for key := range r.classes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]ClassMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.classes[key])
	}
	return result
}

func init() {
	MustRegister(ClassMetadata{
		Key:               ClassImage,
		Description:       "poster and image assets, cache-first with placeholder fallback",
		Strategy:          StrategyCacheFirst,
		PartitionCategory: "image",
		Fallback:          FallbackPlaceholder,
	})
	MustRegister(ClassMetadata{
		Key:               ClassAPI,
		Description:       "metadata API responses, network-first with cached fallback",
		Strategy:          StrategyNetworkFirst,
		PartitionCategory: "dynamic",
		Fallback:          FallbackCachedEntry,
	})
	MustRegister(ClassMetadata{
		Key:               ClassStatic,
		Description:       "install-time assets, cache-first without fallback",
		Strategy:          StrategyCacheFirst,
		PartitionCategory: "static",
		Fallback:          FallbackNone,
	})
	MustRegister(ClassMetadata{
		Key:               ClassDynamic,
		Description:       "navigable pages and everything else, network-first with root-page fallback",
		Strategy:          StrategyNetworkFirst,
		PartitionCategory: "dynamic",
		Fallback:          FallbackRootPage,
	})
}
