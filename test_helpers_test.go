package main

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	repoRootOnce sync.Once
	repoRoot     string
)

// projectRoot 从当前源文件向上查找 go.mod 定位仓库根，
// 配置夹具等测试资源的路径都以它为基准。
func projectRoot(t *testing.T) string {
	t.Helper()
	repoRootOnce.Do(func() {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			return
		}
		dir := filepath.Dir(file)
		for {
			if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
				repoRoot = dir
				return
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				return
			}
			dir = parent
		}
	})
	if repoRoot == "" {
		t.Fatal("无法定位 reelcache 仓库根目录")
	}
	return repoRoot
}

// configFixture 返回网关配置夹具的绝对路径。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}
