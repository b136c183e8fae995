package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CreateDefaultConfig 创建默认配置文件
func CreateDefaultConfig(filePath string) error {
	if dir := filepath.Dir(filePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(filePath, []byte(DefaultConfigContent), 0644)
}

// LoadConfig 从 YAML 文件加载配置，文件不存在时自动创建默认配置
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", filePath, err)
		}
		if err := CreateDefaultConfig(filePath); err != nil {
			return nil, fmt.Errorf("create default config %s: %w", filePath, err)
		}
		data = []byte(DefaultConfigContent)
	}

	return Parse(data)
}

// Parse 解析 YAML 内容并补全默认值
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaultValues(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查无法通过默认值修复的配置错误
func (c *Config) Validate() error {
	if c.ICAP.ListenPort < 0 || c.ICAP.ListenPort > 65535 {
		return fmt.Errorf("icap.listen_port out of range: %d", c.ICAP.ListenPort)
	}
	if c.WebUI.ListenPort < 0 || c.WebUI.ListenPort > 65535 {
		return fmt.Errorf("webui.listen_port out of range: %d", c.WebUI.ListenPort)
	}
	for i, s := range c.Filter.Sources {
		if s.URL == "" {
			return fmt.Errorf("filter.sources[%d]: url is required", i)
		}
		switch s.Format {
		case "abp", "hosts":
		default:
			return fmt.Errorf("filter.sources[%d]: unknown format %q", i, s.Format)
		}
		switch s.Mode {
		case "static", "learning":
		default:
			return fmt.Errorf("filter.sources[%d]: unknown mode %q", i, s.Mode)
		}
	}
	switch c.Learning.Store {
	case "json", "sqlite", "none":
	default:
		return fmt.Errorf("learning.store: unknown backend %q", c.Learning.Store)
	}
	return nil
}
