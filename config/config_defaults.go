package config

import (
	"runtime"
	"strings"
)

// setDefaultValues 设置配置文件中缺失字段的默认值
func setDefaultValues(cfg *Config) {
	setICAPDefaults(&cfg.ICAP)
	setFilterDefaults(&cfg.Filter)
	setLearningDefaults(&cfg.Learning)
	setInjectionDefaults(&cfg.Injection)

	if cfg.WebUI.ListenPort == 0 {
		cfg.WebUI.ListenPort = 8080
	}

	setSystemDefaults(&cfg.System)
}

// setICAPDefaults 设置 ICAP 服务的默认值
func setICAPDefaults(c *ICAPConfig) {
	if c.ListenPort == 0 {
		c.ListenPort = 1344 // RFC 3507 默认端口
	}
	if c.ServiceName == "" {
		c.ServiceName = "icapfilter"
	}
	if c.ServiceID == "" {
		c.ServiceID = "filter"
	}
	if c.OptionsTTLSeconds == 0 {
		c.OptionsTTLSeconds = 3600
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 1000
	}
	if c.MaxBodyMB == 0 {
		c.MaxBodyMB = 10
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 30
	}
	if c.IdleTimeoutSeconds == 0 {
		c.IdleTimeoutSeconds = 120
	}
}

// setFilterDefaults 设置过滤规则的默认值
func setFilterDefaults(c *FilterConfig) {
	if c.CustomRulesFile == "" {
		c.CustomRulesFile = "./custom_rules.txt"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./filter_cache"
	}
	if c.UpdateIntervalHours == 0 {
		c.UpdateIntervalHours = 24
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.DownloadTimeoutSec == 0 {
		c.DownloadTimeoutSec = 60
	}
	if c.MaxListSizeMB == 0 {
		c.MaxListSizeMB = 50
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Format = strings.ToLower(strings.TrimSpace(s.Format))
		if s.Format == "" {
			s.Format = "abp"
		}
		s.Mode = strings.ToLower(strings.TrimSpace(s.Mode))
		if s.Mode == "" {
			s.Mode = "static"
		}
		if s.Priority == "" {
			s.Priority = "default"
		}
	}
}

// setLearningDefaults 设置学习子系统的默认值
func setLearningDefaults(c *LearningConfig) {
	if c.QueueSize == 0 {
		c.QueueSize = 4096
	}
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 5
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = "json"
	}
	if c.StorePath == "" {
		switch c.Store {
		case "sqlite":
			c.StorePath = "./filter_cache/learned.db"
		default:
			c.StorePath = "./filter_cache/learned.json"
		}
	}
}

// setInjectionDefaults 设置内容注入的默认值
func setInjectionDefaults(c *InjectionConfig) {
	if c.CacheSize == 0 {
		c.CacheSize = 1000
	}
}

// setSystemDefaults 设置系统配置的默认值
func setSystemDefaults(c *SystemConfig) {
	if c.MaxCPUCores == 0 {
		c.MaxCPUCores = runtime.NumCPU()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
