package adblock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"icapfilter/config"
	"icapfilter/content"
	"icapfilter/filter"
	"icapfilter/learning"
	"icapfilter/logger"
)

// Manager owns the filter lists and answers filtering decisions. Rule sets
// are built off to the side and swapped in, so Decide never waits for a
// reload.
type Manager struct {
	cfg        *config.FilterConfig
	sourcesMgr *SourceManager
	loader     *RuleLoader

	static  filter.Snapshot
	chain   atomic.Pointer[learning.Chain]
	learner *learning.Learner
	content *content.Engine

	enabled          atomic.Bool
	injectionEnabled atomic.Bool

	// overlay is the rule text handed to Reload, kept across updates.
	overlay atomic.Pointer[[]byte]

	buildMu  sync.Mutex
	restored bool
	info     atomic.Pointer[buildInfo]

	mu       sync.RWMutex
	sinks    []filter.DecisionSink
	onSwap   []func()
	stopped  chan struct{}
	stopOnce sync.Once
}

// Options carries the collaborators of a Manager.
type Options struct {
	Filter    *config.FilterConfig
	Learning  *config.LearningConfig
	Injection *config.InjectionConfig
	// Repository persists learned rules. Optional.
	Repository learning.Repository
	// Scriptlets resolves scriptlet filters. Optional.
	Scriptlets content.ScriptletResolver
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Filter == nil {
		return nil, errors.New("adblock: filter config is required")
	}
	sourcesMgr, err := NewSourceManager(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("error creating source manager: %w", err)
	}

	m := &Manager{
		cfg:        opts.Filter,
		sourcesMgr: sourcesMgr,
		loader:     NewRuleLoader(opts.Filter),
		stopped:    make(chan struct{}),
	}
	m.enabled.Store(opts.Filter.Enable)
	m.info.Store(&buildInfo{})

	if opts.Injection != nil {
		m.content = content.NewEngine(opts.Scriptlets, opts.Injection.CacheSize)
		m.injectionEnabled.Store(opts.Injection.Enable)
	}

	if opts.Learning != nil && opts.Learning.Enable {
		m.learner, err = learning.New(learning.Config{
			Learn:      m.learn,
			Static:     m.static.Lookup,
			QueueSize:  opts.Learning.QueueSize,
			Interval:   time.Duration(opts.Learning.IntervalSeconds) * time.Second,
			Repository: opts.Repository,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating learner: %w", err)
		}
	}

	return m, nil
}

func (m *Manager) learn(ctx filter.TransactionContext) filter.Result {
	ch := m.chain.Load()
	if ch == nil {
		return filter.NoDecision
	}
	return ch.Learn(ctx)
}

// AddSink registers a recorder for every decision.
func (m *Manager) AddSink(s filter.DecisionSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// OnReload registers fn to run after each successful swap.
func (m *Manager) OnReload(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwap = append(m.onSwap, fn)
}

// Start loads the cached lists, refreshes stale ones and keeps them fresh
// until ctx ends. The learner runs until Stop.
func (m *Manager) Start(ctx context.Context) {
	if m.learner != nil {
		m.learner.Start()
	}

	go func() {
		if _, err := m.LoadRulesFromCache(ctx); err != nil {
			logger.Warnf("[AdBlock] Failed to load cached rules: %v", err)
		}
		if _, err := m.UpdateRules(ctx, false); err != nil {
			logger.Warnf("[AdBlock] Initial rule update failed: %v", err)
		}
	}()

	if m.cfg.UpdateIntervalHours <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(m.cfg.UpdateIntervalHours) * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.UpdateRules(ctx, false); err != nil {
					logger.Warnf("[AdBlock] Scheduled rule update failed: %v", err)
				}
			case <-ctx.Done():
				return
			case <-m.stopped:
				return
			}
		}
	}()
}

// Stop ends the periodic work and flushes the learned rules.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		if m.learner != nil {
			m.learner.Stop()
		}
	})
}

// UpdateRules fetches the sources whose cache is older than the update
// interval (all of them when force is set) and rebuilds the rule sets.
func (m *Manager) UpdateRules(ctx context.Context, force bool) (UpdateResult, error) {
	startTime := time.Now()

	var due []*SourceInfo
	for _, s := range m.sourcesMgr.GetAllSources() {
		if !s.Enabled {
			continue
		}
		if !force && !s.IsLocal() && time.Since(s.LastUpdate) < time.Duration(m.cfg.UpdateIntervalHours)*time.Hour {
			continue
		}
		due = append(due, s)
	}

	var (
		mu            sync.Mutex
		failedSources []string
		notModified   int
	)
	m.loader.FetchAll(ctx, due, func(s *SourceInfo, res FetchResult, err error) {
		m.sourcesMgr.UpdateSourceStatus(s.URL, res, err)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warnf("[AdBlock] Failed to fetch %s: %v", s.URL, err)
			failedSources = append(failedSources, s.URL)
			return
		}
		if res.NotModified {
			notModified++
		}
	})

	if err := m.sourcesMgr.saveMeta(); err != nil {
		logger.Warnf("[AdBlock] Failed to save source metadata: %v", err)
	}

	if ctx.Err() != nil {
		return UpdateResult{}, ctx.Err()
	}

	info, err := m.rebuild()
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{
		TotalRules:      info.StaticRules,
		ContentFilters:  info.ContentFilters,
		Classifiers:     info.Classifiers,
		Sources:         len(due),
		NotModified:     notModified,
		FailedSources:   failedSources,
		DurationSeconds: time.Since(startTime).Seconds(),
	}
	logger.Infof("[AdBlock] Rules updated: %d static rules, %d content filters, %d learning lists, %d/%d sources failed (%.2fs)",
		result.TotalRules, result.ContentFilters, result.Classifiers, len(failedSources), len(due), result.DurationSeconds)
	return result, nil
}

// LoadRulesFromCache rebuilds from whatever is on disk, without network.
func (m *Manager) LoadRulesFromCache(ctx context.Context) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	startTime := time.Now()
	info, err := m.rebuild()
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{
		TotalRules:      info.StaticRules,
		ContentFilters:  info.ContentFilters,
		Classifiers:     info.Classifiers,
		DurationSeconds: time.Since(startTime).Seconds(),
	}, nil
}

// Reload installs r as the runtime rule list and rebuilds every rule set from
// the cached lists. The runtime list is static and takes precedence over the
// subscriptions; a nil reader keeps the current one.
func (m *Manager) Reload(ctx context.Context, r io.Reader) (UpdateResult, error) {
	if r != nil {
		data, err := io.ReadAll(io.LimitReader(r, m.loader.maxSize+1))
		if err != nil {
			return UpdateResult{}, fmt.Errorf("read rule text: %w", err)
		}
		if int64(len(data)) > m.loader.maxSize {
			return UpdateResult{}, fmt.Errorf("rule text exceeds %d MB limit", m.loader.maxSize/(1024*1024))
		}
		m.overlay.Store(&data)
	}
	return m.LoadRulesFromCache(ctx)
}

// rebuild compiles every enabled list and swaps the result in. Builds are
// serialized; readers keep using the previous sets until the swap.
func (m *Manager) rebuild() (*buildInfo, error) {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	b := newBuilder()
	for _, s := range m.sourcesMgr.GetAllSources() {
		if !s.Enabled {
			continue
		}
		path := m.sourcesMgr.CachePath(s)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warnf("[AdBlock] Cannot read %s: %v", path, err)
			}
			continue
		}
		n, err := b.add(s, data)
		if err != nil {
			logger.Warnf("[AdBlock] Skipping source %s: %v", s.URL, err)
			continue
		}
		m.sourcesMgr.SetRuleCount(s.URL, n)
	}
	if p := m.overlay.Load(); p != nil && len(*p) > 0 {
		if _, err := b.add(runtimeSource, *p); err != nil {
			return nil, err
		}
	}

	store, chain, filters, info := b.finish()

	m.static.Swap(store)
	m.chain.Store(&chain)
	if m.content != nil {
		m.content.SetFilterList(filters)
	}
	m.info.Store(info)

	if m.learner != nil {
		resolvers := filter.Resolvers{store, chain}
		if !m.restored {
			if err := m.learner.Restore(resolvers); err != nil {
				logger.Warnf("[AdBlock] %v", err)
			}
			m.restored = true
		} else {
			m.learner.ResolveReferences(resolvers)
		}
	}

	m.mu.RLock()
	hooks := m.onSwap
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return info, nil
}

// Decide consults the static rules, then the learned rules. A request nobody
// decided is handed to the learner.
func (m *Manager) Decide(ctx filter.TransactionContext) filter.Result {
	if !m.enabled.Load() {
		return filter.NoDecision
	}

	res := m.static.Lookup(ctx)
	if !res.Decided() && m.learner != nil {
		res = m.learner.Lookup(ctx)
		if !res.Decided() && ctx.Direction() == filter.DirectionRequest {
			m.learner.Enqueue(ctx)
		}
	}

	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Record(ctx, res)
	}
	return res
}

// Render returns the markup injected into HTML pages of hostname.
func (m *Manager) Render(hostname string) string {
	if m.content == nil || !m.injectionEnabled.Load() {
		return ""
	}
	return m.content.Render(hostname)
}

// SetEnabled dynamically enables or disables filtering
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

func (m *Manager) SetSourceEnabled(url string, enabled bool) error {
	if !m.sourcesMgr.SetEnabled(url, enabled) {
		return fmt.Errorf("unknown source %s", url)
	}
	if err := m.sourcesMgr.saveMeta(); err != nil {
		return err
	}
	_, err := m.rebuild()
	return err
}

func (m *Manager) GetSources() []SourceStatus {
	return m.sourcesMgr.GetStatuses()
}

// Learner is nil when learning is disabled.
func (m *Manager) Learner() *learning.Learner {
	return m.learner
}

func (m *Manager) Content() *content.Engine {
	return m.content
}

type TestResult struct {
	URL       string `json:"url"`
	Direction string `json:"direction"`
	Outcome   string `json:"outcome"`
	Rule      string `json:"rule,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Value     string `json:"value,omitempty"`
	// Source is "static", "learned" or "" when nothing decided.
	Source string `json:"source,omitempty"`
}

// Test evaluates ctx like Decide without side effects: nothing is queued for
// learning and no sink sees the result.
func (m *Manager) Test(ctx filter.TransactionContext) TestResult {
	out := TestResult{
		URL:       ctx.URL(),
		Direction: ctx.Direction().String(),
	}

	res := m.static.Lookup(ctx)
	if res.Decided() {
		out.Source = "static"
	} else if m.learner != nil {
		if res = m.learner.Lookup(ctx); res.Decided() {
			out.Source = "learned"
		}
	}

	out.Outcome = res.Outcome.String()
	out.Value = res.Value
	if res.Decider != nil {
		out.Rule = res.Decider.Definition()
		out.Priority = res.Decider.Priority().String()
	}
	return out
}
