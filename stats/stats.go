package stats

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"icapfilter/filter"
	"icapfilter/logger"
)

const (
	// DefaultRecentSize 最近拦截记录的默认保留条数
	DefaultRecentSize = 100
	// maxTrackedHosts 拦截次数统计最多追踪的主机数
	maxTrackedHosts = 10000
)

// BlockedRequest 一条拦截记录
type BlockedRequest struct {
	URL     string    `json:"url"`
	Host    string    `json:"host"`
	Rule    string    `json:"rule"`
	Outcome string    `json:"outcome"`
	Time    time.Time `json:"time"`
}

// Stats 运行统计，实现 filter.DecisionSink
type Stats struct {
	decisions [filter.OutcomeSetCSP + 1]atomic.Int64
	requests  atomic.Int64
	responses atomic.Int64

	blockedTotal atomic.Int64
	blockedToday atomic.Int64

	mu        sync.Mutex
	lastReset time.Time
	hosts     map[string]int64
	recent    []BlockedRequest
	next      int

	now       func() time.Time
	startTime time.Time
}

// NewStats 创建新的统计实例，recentSize 为最近拦截记录的条数
func NewStats(recentSize int) *Stats {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}

	// 第一次调用 Percent 会返回 0，所以在这里预热一下
	go func() {
		if _, err := cpu.Percent(time.Second, false); err != nil {
			logger.Warnf("无法初始化 CPU 使用率统计: %v", err)
		}
	}()

	now := time.Now()
	return &Stats{
		lastReset: now,
		hosts:     make(map[string]int64),
		recent:    make([]BlockedRequest, 0, recentSize),
		now:       time.Now,
		startTime: now,
	}
}

// Record 记录一次过滤决策
func (s *Stats) Record(ctx filter.TransactionContext, res filter.Result) {
	if ctx.Direction() == filter.DirectionResponse {
		s.responses.Add(1)
	} else {
		s.requests.Add(1)
	}
	if int(res.Outcome) < len(s.decisions) {
		s.decisions[res.Outcome].Add(1)
	}

	switch res.Outcome {
	case filter.OutcomeBlock, filter.OutcomeNoContent:
	default:
		return
	}
	s.blockedTotal.Add(1)

	entry := BlockedRequest{
		URL:     ctx.URL(),
		Host:    ctx.Hostname(),
		Outcome: res.Outcome.String(),
	}
	if res.Decider != nil {
		entry.Rule = res.Decider.Definition()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry.Time = now
	if !sameDay(now, s.lastReset) {
		s.blockedToday.Store(0)
		s.lastReset = now
	}
	s.blockedToday.Add(1)

	if _, ok := s.hosts[entry.Host]; ok || len(s.hosts) < maxTrackedHosts {
		s.hosts[entry.Host]++
	}

	if len(s.recent) < cap(s.recent) {
		s.recent = append(s.recent, entry)
		return
	}
	s.recent[s.next] = entry
	s.next = (s.next + 1) % len(s.recent)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Recent 返回最近的拦截记录，最新的在前
func (s *Stats) Recent() []BlockedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BlockedRequest, 0, len(s.recent))
	if len(s.recent) < cap(s.recent) {
		for i := len(s.recent) - 1; i >= 0; i-- {
			out = append(out, s.recent[i])
		}
		return out
	}
	for i := 0; i < len(s.recent); i++ {
		idx := (s.next - 1 - i + len(s.recent)) % len(s.recent)
		out = append(out, s.recent[idx])
	}
	return out
}

// BlockedToday 今日拦截次数，跨日后第一次查询即归零
func (s *Stats) BlockedToday() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sameDay(s.now(), s.lastReset) {
		return 0
	}
	return s.blockedToday.Load()
}

// Decisions 按决策结果统计的次数
func (s *Stats) Decisions() map[string]int64 {
	out := make(map[string]int64, len(s.decisions))
	for i := range s.decisions {
		out[filter.Outcome(i).String()] = s.decisions[i].Load()
	}
	return out
}

// GetStats 获取所有统计数据
func (s *Stats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"requests":       s.requests.Load(),
		"responses":      s.responses.Load(),
		"decisions":      s.Decisions(),
		"blocked_total":  s.blockedTotal.Load(),
		"blocked_today":  s.BlockedToday(),
		"top_blocked":    s.GetTopBlocked(10),
		"recent_blocked": s.Recent(),
		"system_stats":   systemStats(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
}

// systemStats 获取系统状态 (使用 gopsutil)
func systemStats() map[string]interface{} {
	// 使用非阻塞方式获取CPU使用率，避免阻塞统计调用
	cpuUsage := 0.0
	cpuUsageCh := make(chan float64, 1)
	go func() {
		usage, err := cpu.Percent(time.Millisecond*200, false)
		if err != nil || len(usage) == 0 {
			if err != nil {
				logger.Warnf("无法获取 CPU 使用率: %v", err)
			}
			cpuUsageCh <- 0
			return
		}
		cpuUsageCh <- usage[0]
	}()

	select {
	case cpuUsage = <-cpuUsageCh:
	case <-time.After(100 * time.Millisecond):
		// 超时，使用默认值
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sysStats := map[string]interface{}{
		"cpu_cores":       runtime.NumCPU(),
		"cpu_usage_pct":   cpuUsage,
		"mem_total_mb":    0,
		"mem_used_mb":     0,
		"mem_usage_pct":   0.0,
		"go_mem_alloc_mb": memStats.Alloc / 1024 / 1024,
		"goroutines":      runtime.NumGoroutine(),
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnf("无法获取内存信息: %v", err)
		return sysStats
	}
	sysStats["mem_total_mb"] = memInfo.Total / 1024 / 1024
	sysStats["mem_used_mb"] = memInfo.Used / 1024 / 1024
	sysStats["mem_usage_pct"] = memInfo.UsedPercent
	return sysStats
}

// Reset 重置统计
func (s *Stats) Reset() {
	for i := range s.decisions {
		s.decisions[i].Store(0)
	}
	s.requests.Store(0)
	s.responses.Store(0)
	s.blockedTotal.Store(0)
	s.blockedToday.Store(0)

	s.mu.Lock()
	s.hosts = make(map[string]int64)
	s.recent = s.recent[:0]
	s.next = 0
	s.lastReset = s.now()
	s.mu.Unlock()
}
