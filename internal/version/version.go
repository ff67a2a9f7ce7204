package version

import (
	"fmt"
	"strings"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("reelcache %s (%s)", Version, Commit)
}

// Token 返回用于命名缓存分区的版本令牌，新版本据此创建全新分区集合。
// 令牌不允许包含路径分隔符，避免污染磁盘布局。
func Token() string {
	token := fmt.Sprintf("v%s-%s", Version, Commit)
	token = strings.ReplaceAll(token, "/", "_")
	return strings.ReplaceAll(token, " ", "_")
}
