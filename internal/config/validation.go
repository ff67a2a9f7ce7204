package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Upstream: %w", err)
	}
	if err := validateCachePrefix(g.CachePrefix); err != nil {
		return fmt.Errorf("CachePrefix: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if strings.TrimSpace(g.SyncTag) == "" {
		return newFieldError("SyncTag", "不能为空")
	}
	if err := validateAbsolutePath(g.MetadataSyncPath); err != nil {
		return fmt.Errorf("MetadataSyncPath: %w", err)
	}
	if err := validateAbsolutePath(g.PlaceholderPath); err != nil {
		return fmt.Errorf("PlaceholderPath: %w", err)
	}
	if err := validateAbsolutePath(g.RootPath); err != nil {
		return fmt.Errorf("RootPath: %w", err)
	}
	for _, asset := range g.PrecacheAssets {
		if err := validateAbsolutePath(asset); err != nil {
			return fmt.Errorf("PrecacheAssets[%s]: %w", asset, err)
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少后端地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，后端: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("后端缺少 Host: %s", raw)
	}
	return nil
}

func validateCachePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(prefix, "/\\ ") {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateAbsolutePath(p string) error {
	if p == "" {
		return errors.New("不能为空")
	}
	if !strings.HasPrefix(p, "/") {
		return errors.New("必须以 / 开头")
	}
	return nil
}
