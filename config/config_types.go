package config

// Config 主配置结构
type Config struct {
	ICAP      ICAPConfig      `yaml:"icap" json:"icap"`
	Filter    FilterConfig    `yaml:"filter" json:"filter"`
	Learning  LearningConfig  `yaml:"learning" json:"learning"`
	Injection InjectionConfig `yaml:"injection" json:"injection"`
	WebUI     WebUIConfig     `yaml:"webui" json:"webui"`
	System    SystemConfig    `yaml:"system" json:"system"`
}

// ICAPConfig ICAP 服务配置
type ICAPConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty" json:"listen_addr"`
	ListenPort int    `yaml:"listen_port,omitempty" json:"listen_port"`
	// 服务名称，对应 OPTIONS 响应中的 Service 头
	ServiceName string `yaml:"service_name,omitempty" json:"service_name"`
	// 服务 ID，对应 Service-ID 头
	ServiceID         string `yaml:"service_id,omitempty" json:"service_id"`
	OptionsTTLSeconds int    `yaml:"options_ttl_seconds,omitempty" json:"options_ttl_seconds"`
	MaxConnections    int    `yaml:"max_connections,omitempty" json:"max_connections"`
	// 单个报文体允许缓冲的最大大小（MB），超出时原样放行
	MaxBodyMB          int `yaml:"max_body_mb,omitempty" json:"max_body_mb"`
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds,omitempty" json:"read_timeout_seconds"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds,omitempty" json:"idle_timeout_seconds"`
	// 拦截页面模板文件，为空时使用内置页面
	BlockPageFile string `yaml:"block_page_file,omitempty" json:"block_page_file"`
}

// SourceConfig 单个规则源配置
type SourceConfig struct {
	Name string `yaml:"name,omitempty" json:"name"`
	URL  string `yaml:"url" json:"url"`
	// abp 或 hosts
	Format string `yaml:"format,omitempty" json:"format"`
	// static：直接参与匹配；learning：仅作为学习分类器
	Mode string `yaml:"mode,omitempty" json:"mode"`
	// highest, high, medium, low, default
	Priority string `yaml:"priority,omitempty" json:"priority"`
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled"`
}

// IsEnabled 未显式设置时视为启用
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FilterConfig 过滤规则配置
type FilterConfig struct {
	Enable              bool           `yaml:"enable" json:"enable"`
	Sources             []SourceConfig `yaml:"sources,omitempty" json:"sources"`
	CustomRulesFile     string         `yaml:"custom_rules_file,omitempty" json:"custom_rules_file"`
	CacheDir            string         `yaml:"cache_dir,omitempty" json:"cache_dir"`
	UpdateIntervalHours int            `yaml:"update_interval_hours,omitempty" json:"update_interval_hours"`
	MaxConcurrent       int            `yaml:"max_concurrent,omitempty" json:"max_concurrent"`
	DownloadTimeoutSec  int            `yaml:"download_timeout_seconds,omitempty" json:"download_timeout_seconds"`
	MaxListSizeMB       int            `yaml:"max_list_size_mb,omitempty" json:"max_list_size_mb"`
}

// LearningConfig 学习子系统配置
type LearningConfig struct {
	Enable          bool `yaml:"enable" json:"enable"`
	QueueSize       int  `yaml:"queue_size,omitempty" json:"queue_size"`
	IntervalSeconds int  `yaml:"interval_seconds,omitempty" json:"interval_seconds"`
	// json, sqlite 或 none
	Store     string `yaml:"store,omitempty" json:"store"`
	StorePath string `yaml:"store_path,omitempty" json:"store_path"`
}

// InjectionConfig 内容注入（元素隐藏 / scriptlet）配置
type InjectionConfig struct {
	Enable         bool   `yaml:"enable" json:"enable"`
	CacheSize      int    `yaml:"cache_size,omitempty" json:"cache_size"`
	ScriptletsFile string `yaml:"scriptlets_file,omitempty" json:"scriptlets_file"`
}

// WebUIConfig Web 管理接口配置
type WebUIConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	ListenPort int  `yaml:"listen_port,omitempty" json:"listen_port"`
}

// SystemConfig 系统资源配置
type SystemConfig struct {
	MaxCPUCores int    `yaml:"max_cpu_cores,omitempty" json:"max_cpu_cores"`
	LogLevel    string `yaml:"log_level,omitempty" json:"log_level"`
}
