package adblock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"icapfilter/config"
	"icapfilter/filter"
	"icapfilter/logger"
)

const (
	FormatABP   = "abp"
	FormatHosts = "hosts"

	ModeStatic   = "static"
	ModeLearning = "learning"

	StatusActive = "active"
	StatusFailed = "failed"
	StatusBad    = "bad"

	// badThreshold 连续失败次数达到该值时标记为 bad
	badThreshold = 3
	metaFileName = "rules_meta.json"
)

type SourceStatus struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Format     string    `json:"format"`
	Mode       string    `json:"mode"`
	Priority   string    `json:"priority"`
	Enabled    bool      `json:"enabled"`
	Status     string    `json:"status"` // "active", "failed", "bad"
	RuleCount  int       `json:"rule_count"`
	LastUpdate time.Time `json:"last_update"`
	LastError  string    `json:"last_error"`
}

// SourceInfo is one filter list. The download metadata survives restarts in
// the meta file; name, format, mode and priority always come from config.
type SourceInfo struct {
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	Format       string          `json:"format"`
	Mode         string          `json:"mode"`
	Priority     filter.Priority `json:"-"`
	Enabled      bool            `json:"enabled"`
	ETag         string          `json:"etag"`
	LastModified string          `json:"last_modified"`
	CacheFile    string          `json:"cache_file"`
	RuleCount    int             `json:"rule_count"`
	LastUpdate   time.Time       `json:"last_update"`
	LastError    string          `json:"last_error"`
	FailCount    int             `json:"fail_count"`
	Status       string          `json:"status"` // active | failed | bad
}

// IsLocal reports whether the list is read from disk instead of downloaded.
func (s *SourceInfo) IsLocal() bool {
	return strings.HasPrefix(s.URL, "file://") || !strings.HasPrefix(s.URL, "http")
}

// LocalPath is the path of a local list.
func (s *SourceInfo) LocalPath() string {
	return strings.TrimPrefix(s.URL, "file://")
}

type SourceManager struct {
	sources  map[string]*SourceInfo
	order    []string
	cacheDir string
	metaFile string
	mu       sync.RWMutex
}

func NewSourceManager(cfg *config.FilterConfig) (*SourceManager, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cfg.CacheDir, err)
	}

	sm := &SourceManager{
		sources:  make(map[string]*SourceInfo),
		cacheDir: cfg.CacheDir,
		metaFile: filepath.Join(cfg.CacheDir, metaFileName),
	}

	meta, err := sm.loadMeta()
	if err != nil && !os.IsNotExist(err) {
		logger.Warnf("[AdBlock] Ignoring unreadable source metadata %s: %v", sm.metaFile, err)
	}

	for _, sc := range cfg.Sources {
		priority, err := filter.ParsePriority(sc.Priority)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.URL, err)
		}
		sm.add(&SourceInfo{
			Name:     sc.Name,
			URL:      sc.URL,
			Format:   sc.Format,
			Mode:     sc.Mode,
			Priority: priority,
			Enabled:  sc.IsEnabled(),
		}, meta)
	}

	if cfg.CustomRulesFile != "" {
		if err := ensureCustomRulesFile(cfg.CustomRulesFile); err != nil {
			return nil, fmt.Errorf("create custom rules file: %w", err)
		}
		// 自定义规则优先于所有订阅列表
		sm.add(&SourceInfo{
			Name:     "custom",
			URL:      cfg.CustomRulesFile,
			Format:   FormatABP,
			Mode:     ModeStatic,
			Priority: filter.Highest,
			Enabled:  true,
		}, meta)
	}

	return sm, nil
}

// add registers s, taking over the download state persisted for its URL.
func (sm *SourceManager) add(s *SourceInfo, meta map[string]*SourceInfo) {
	if _, exists := sm.sources[s.URL]; exists {
		logger.Warnf("[AdBlock] Duplicate source %s ignored", s.URL)
		return
	}
	if s.Name == "" {
		s.Name = s.URL
	}
	s.CacheFile = cacheFileName(s.URL)
	s.Status = StatusActive
	if old, ok := meta[s.URL]; ok {
		s.ETag = old.ETag
		s.LastModified = old.LastModified
		s.RuleCount = old.RuleCount
		s.LastUpdate = old.LastUpdate
		s.LastError = old.LastError
		s.FailCount = old.FailCount
		if old.Status != "" {
			s.Status = old.Status
		}
	}
	sm.sources[s.URL] = s
	sm.order = append(sm.order, s.URL)
}

func cacheFileName(url string) string {
	h := sha256.Sum256([]byte(url))
	return "rules_" + hex.EncodeToString(h[:16]) + ".txt"
}

func (sm *SourceManager) loadMeta() (map[string]*SourceInfo, error) {
	data, err := os.ReadFile(sm.metaFile)
	if err != nil {
		return nil, err
	}

	var sources []*SourceInfo
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, err
	}

	meta := make(map[string]*SourceInfo, len(sources))
	for _, s := range sources {
		meta[s.URL] = s
	}
	return meta, nil
}

func (sm *SourceManager) saveMeta() error {
	sm.mu.RLock()
	sources := make([]*SourceInfo, 0, len(sm.order))
	for _, url := range sm.order {
		s := *sm.sources[url]
		sources = append(sources, &s)
	}
	sm.mu.RUnlock()

	data, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return err
	}

	tmp := sm.metaFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, sm.metaFile)
}

// CachePath is where the downloaded copy of s lives.
func (sm *SourceManager) CachePath(s *SourceInfo) string {
	if s.IsLocal() {
		return s.LocalPath()
	}
	return filepath.Join(sm.cacheDir, s.CacheFile)
}

// GetSource returns a copy of the source, or nil.
func (sm *SourceManager) GetSource(url string) *SourceInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sources[url]
	if !ok {
		return nil
	}
	c := *s
	return &c
}

// GetAllSources returns copies in configuration order.
func (sm *SourceManager) GetAllSources() []*SourceInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sources := make([]*SourceInfo, 0, len(sm.order))
	for _, url := range sm.order {
		c := *sm.sources[url]
		sources = append(sources, &c)
	}
	return sources
}

func (sm *SourceManager) SetEnabled(url string, enabled bool) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sources[url]
	if ok {
		s.Enabled = enabled
	}
	return ok
}

// UpdateSourceStatus records the outcome of a fetch. etag and lastModified
// are only stored on success.
func (sm *SourceManager) UpdateSourceStatus(url string, res FetchResult, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	source, exists := sm.sources[url]
	if !exists {
		return
	}
	source.LastUpdate = time.Now()
	if err != nil {
		source.LastError = err.Error()
		source.FailCount++
		source.Status = StatusFailed
		if source.FailCount >= badThreshold {
			source.Status = StatusBad
		}
		return
	}
	source.RuleCount = res.Lines
	source.ETag = res.ETag
	source.LastModified = res.LastModified
	source.LastError = ""
	source.FailCount = 0
	source.Status = StatusActive
}

// SetRuleCount stores the number of rules a list actually compiled to.
func (sm *SourceManager) SetRuleCount(url string, n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sources[url]; ok {
		s.RuleCount = n
	}
}

func (sm *SourceManager) GetStatuses() []SourceStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	statuses := make([]SourceStatus, 0, len(sm.order))
	for _, url := range sm.order {
		s := sm.sources[url]
		statuses = append(statuses, SourceStatus{
			Name:       s.Name,
			URL:        s.URL,
			Format:     s.Format,
			Mode:       s.Mode,
			Priority:   s.Priority.String(),
			Enabled:    s.Enabled,
			Status:     s.Status,
			RuleCount:  s.RuleCount,
			LastUpdate: s.LastUpdate,
			LastError:  s.LastError,
		})
	}
	return statuses
}

// FailedSources lists enabled sources whose last fetch failed.
func (sm *SourceManager) FailedSources() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var failed []string
	for _, url := range sm.order {
		s := sm.sources[url]
		if s.Enabled && (s.Status == StatusFailed || s.Status == StatusBad) {
			failed = append(failed, url)
		}
	}
	sort.Strings(failed)
	return failed
}

// ensureCustomRulesFile creates the custom rules file if it doesn't exist
func ensureCustomRulesFile(filePath string) error {
	if _, err := os.Stat(filePath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	defaultContent := `! icapfilter 自定义过滤规则文件
!
! 在此文件中添加您自己的规则，每行一条，优先级高于所有订阅列表
!
! 1. 请求拦截：
!    ||ads.example.com^                 - 拦截 ads.example.com 及其子域名的请求
!    /banner/*/img^                     - 拦截 URL 中包含该模式的请求
!    ||example.com/track$third-party    - 仅拦截第三方请求
!
! 2. 白名单：
!    @@||example.com/allowed^           - 放行匹配的请求
!
! 3. 重定向与响应头：
!    ||example.com/out^$redirect-param=url         - 跳转到 url 参数
!    ||example.com^$csp=script-src 'self'          - 为响应添加 CSP 头
!
! 4. 页面注入：
!    example.com##.ad-banner            - 隐藏页面元素
!    example.com##+js(set-constant, adsEnabled, false)
!
! 以 ! 开头的行为注释，空行将被忽略
`
	return os.WriteFile(filePath, []byte(defaultContent), 0644)
}
