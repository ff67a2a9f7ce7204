package trafficclass

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Rules 是分类器的全部输入：按顺序求值的路径模式表。
// 所有匹配均基于 URL 路径的前缀或全等比较，不做子串包含，
// 避免 `/static/` 之类的片段误伤无关动态路径。
type Rules struct {
	// ImagePathPrefixes/ImageExtensions 命中即归入 image 类。扩展名不区分大小写。
	ImagePathPrefixes []string
	ImageExtensions   []string
	// APIPathPrefixes 与 APIDetailPatterns（正则）命中即归入 api 类。
	APIPathPrefixes   []string
	APIDetailPatterns []string
	// StaticAssets 是安装期资产的精确路径列表；StaticPathPrefixes 覆盖其余静态资源。
	StaticAssets       []string
	StaticPathPrefixes []string
}

// DefaultRules 返回与影库后端路径布局对应的默认模式表。
func DefaultRules() Rules {
	return Rules{
		ImagePathPrefixes: []string{"/static/images/", "/media/posters/", "/cache/posters/"},
		ImageExtensions:   []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico"},
		APIPathPrefixes:   []string{"/api/"},
		APIDetailPatterns: []string{`^/movie/[0-9]+/$`},
		StaticAssets: []string{
			"/",
			"/movies/",
			"/static/css/main.css",
			"/static/js/main.js",
			"/static/js/pwa.js",
			"/static/manifest.json",
			"/static/images/placeholder-poster.png",
		},
		StaticPathPrefixes: []string{"/static/"},
	}
}

// Merge 将配置层的覆盖合并进默认模式表：非空列表整体替换对应默认值。
func Merge(base, override Rules) Rules {
	if len(override.ImagePathPrefixes) > 0 {
		base.ImagePathPrefixes = override.ImagePathPrefixes
	}
	if len(override.ImageExtensions) > 0 {
		base.ImageExtensions = override.ImageExtensions
	}
	if len(override.APIPathPrefixes) > 0 {
		base.APIPathPrefixes = override.APIPathPrefixes
	}
	if len(override.APIDetailPatterns) > 0 {
		base.APIDetailPatterns = override.APIDetailPatterns
	}
	if len(override.StaticAssets) > 0 {
		base.StaticAssets = override.StaticAssets
	}
	if len(override.StaticPathPrefixes) > 0 {
		base.StaticPathPrefixes = override.StaticPathPrefixes
	}
	return base
}

// Classifier 按 image → api → static → dynamic 的顺序做首个命中分类。
// 构造后不可变，可被并发读取。
type Classifier struct {
	rules          Rules
	imageExts      map[string]struct{}
	detailPatterns []*regexp.Regexp
	staticAssets   map[string]struct{}
}

// NewClassifier 预编译正则与查找表。非法正则在构造期报错而非请求期。
func NewClassifier(rules Rules) (*Classifier, error) {
	c := &Classifier{
		rules:        rules,
		imageExts:    make(map[string]struct{}, len(rules.ImageExtensions)),
		staticAssets: make(map[string]struct{}, len(rules.StaticAssets)),
	}
	for _, ext := range rules.ImageExtensions {
		c.imageExts[strings.ToLower(ext)] = struct{}{}
	}
	for _, raw := range rules.APIDetailPatterns {
		pattern, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile api detail pattern %q: %w", raw, err)
		}
		c.detailPatterns = append(c.detailPatterns, pattern)
	}
	for _, asset := range rules.StaticAssets {
		c.staticAssets[asset] = struct{}{}
	}
	return c, nil
}

// Intercepts 判断请求是否进入缓存策略：仅限 http/https 上的 GET。
// 请求身份只由分区 + 路径 + 查询串构成，HEAD 若进入策略会以空正文覆盖
// 同一身份的 GET 条目，因此 HEAD 与其余方法一律原样透传。
func (c *Classifier) Intercepts(method string, u *url.URL) bool {
	if method != http.MethodGet {
		return false
	}
	if u == nil {
		return false
	}
	switch u.Scheme {
	case "", "http", "https":
		return true
	default:
		return false
	}
}

// Classify 返回路径的流量类别，按序首个命中为准，默认 dynamic。
func (c *Classifier) Classify(rawPath string) Class {
	clean := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && clean != "/" {
		clean += "/"
	}

	if c.isImage(clean) {
		return ClassImage
	}
	if c.isAPI(clean) {
		return ClassAPI
	}
	if c.isStatic(clean) {
		return ClassStatic
	}
	return ClassDynamic
}

func (c *Classifier) isImage(p string) bool {
	for _, prefix := range c.rules.ImagePathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" {
		if _, ok := c.imageExts[ext]; ok {
			return true
		}
	}
	return false
}

func (c *Classifier) isAPI(p string) bool {
	for _, prefix := range c.rules.APIPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for _, pattern := range c.detailPatterns {
		if pattern.MatchString(p) {
			return true
		}
	}
	return false
}

func (c *Classifier) isStatic(p string) bool {
	if _, ok := c.staticAssets[p]; ok {
		return true
	}
	for _, prefix := range c.rules.StaticPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// StaticAssets 返回安装期需要预热的精确资产列表副本。
func (c *Classifier) StaticAssets() []string {
	return append([]string(nil), c.rules.StaticAssets...)
}
