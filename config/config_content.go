package config

// DefaultConfigContent 默认配置文件内容，包含详细说明
const DefaultConfigContent = `# icapfilter 配置文件

# ICAP 服务配置
icap:
  # 监听地址，留空表示所有网卡
  listen_addr: ""
  # ICAP 监听端口，默认 1344
  listen_port: 1344
  # OPTIONS 响应中的 Service / Service-ID
  service_name: "icapfilter"
  service_id: "filter"
  # OPTIONS 响应缓存时间（秒）
  options_ttl_seconds: 3600
  # 最大并发连接数，同时作为 Max-Connections 头返回
  max_connections: 1000
  # 单个报文体最大缓冲大小（MB），超出时原样放行
  max_body_mb: 10
  # 读取超时与空闲连接超时（秒）
  read_timeout_seconds: 30
  idle_timeout_seconds: 120
  # 自定义拦截页面（HTML，可使用 {{URL}} 与 {{RULE}} 占位符），留空使用内置页面
  block_page_file: ""

# 过滤规则配置
filter:
  # 是否启用过滤，默认 true
  enable: true
  # 规则源列表
  #   format: abp（Adblock Plus / uBlock 语法）或 hosts（hosts / DNS 规则）
  #   mode:   static（加载后直接匹配）或 learning（仅用于从流量中学习域名规则）
  #   priority: highest, high, medium, low, default
  sources:
    - name: "EasyList"
      url: "https://easylist.to/easylist/easylist.txt"
      format: abp
      mode: static
      priority: default
    - name: "EasyPrivacy"
      url: "https://easylist.to/easylist/easyprivacy.txt"
      format: abp
      mode: learning
      priority: low
#    - name: "AdGuard DNS"
#      url: "https://adguardteam.github.io/AdGuardSDNSFilter/Filters/filter.txt"
#      format: hosts
#      mode: learning
#      priority: low
  # 自定义规则文件（本地，优先级 high）
  custom_rules_file: "./custom_rules.txt"
  # 规则缓存目录
  cache_dir: "./filter_cache"
  # 自动更新间隔（小时），默认 24
  update_interval_hours: 24
  # 同时下载的规则源数量
  max_concurrent: 4
  # 下载超时（秒）
  download_timeout_seconds: 60
  # 单个规则文件最大大小（MB）
  max_list_size_mb: 50

# 学习子系统配置
learning:
  # 是否启用学习，默认 true
  enable: true
  # 待学习队列容量，满时丢弃
  queue_size: 4096
  # 学习周期（秒）
  interval_seconds: 5
  # 学习结果持久化方式：json, sqlite 或 none
  store: json
  store_path: "./filter_cache/learned.json"

# 内容注入配置（元素隐藏 / scriptlet）
injection:
  # 是否启用，默认 true
  enable: true
  # 渲染结果缓存的主机名数量
  cache_size: 1000
  # uBlock 风格的 scriptlet 资源文件，留空则不注入脚本
  scriptlets_file: ""

# Web 管理接口配置
webui:
  enabled: true
  listen_port: 8080

# 系统配置
system:
  # 最大使用 CPU 核心数，0 表示全部
  max_cpu_cores: 0
  # 日志级别：debug, info, warn, error
  log_level: "info"
`
