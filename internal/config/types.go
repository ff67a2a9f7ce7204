package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reelcache/reelcache/internal/trafficclass"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述网关的全局运行时行为。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	Upstream         string   `mapstructure:"Upstream"`
	StoragePath      string   `mapstructure:"StoragePath"`
	CachePrefix      string   `mapstructure:"CachePrefix"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	SyncTag          string   `mapstructure:"SyncTag"`
	CSRFToken        string   `mapstructure:"CSRFToken"`
	MetadataSyncPath string   `mapstructure:"MetadataSyncPath"`
	PlaceholderPath  string   `mapstructure:"PlaceholderPath"`
	RootPath         string   `mapstructure:"RootPath"`
	PrecacheAssets   []string `mapstructure:"PrecacheAssets"`
}

// ClassRules 允许按类别覆盖默认的路径模式表，非空列表整体替换默认值。
type ClassRules struct {
	ImagePathPrefixes  []string `mapstructure:"ImagePathPrefixes"`
	ImageExtensions    []string `mapstructure:"ImageExtensions"`
	APIPathPrefixes    []string `mapstructure:"APIPathPrefixes"`
	APIDetailPatterns  []string `mapstructure:"APIDetailPatterns"`
	StaticAssets       []string `mapstructure:"StaticAssets"`
	StaticPathPrefixes []string `mapstructure:"StaticPathPrefixes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig `mapstructure:",squash"`
	Classes ClassRules   `mapstructure:"Classes"`
}

// Rules 将配置层覆盖合并进默认模式表，产出分类器输入。
func (c *Config) Rules() trafficclass.Rules {
	override := trafficclass.Rules{
		ImagePathPrefixes:  c.Classes.ImagePathPrefixes,
		ImageExtensions:    c.Classes.ImageExtensions,
		APIPathPrefixes:    c.Classes.APIPathPrefixes,
		APIDetailPatterns:  c.Classes.APIDetailPatterns,
		StaticAssets:       c.Classes.StaticAssets,
		StaticPathPrefixes: c.Classes.StaticPathPrefixes,
	}
	return trafficclass.Merge(trafficclass.DefaultRules(), override)
}

// EffectivePrecacheAssets 返回安装期资产列表；未配置时回退到分类器的
// 静态资产表，保证 install 与 static 分类始终一致。
func (c *Config) EffectivePrecacheAssets(classifier *trafficclass.Classifier) []string {
	if len(c.Global.PrecacheAssets) > 0 {
		return append([]string(nil), c.Global.PrecacheAssets...)
	}
	return classifier.StaticAssets()
}
