package adblock

import (
	"time"

	"icapfilter/content"
	"icapfilter/filter"
	"icapfilter/learning"
)

// ParseTotals sums filter.ParseStats over every list of a build.
type ParseTotals struct {
	Lines       int `json:"lines"`
	Rules       int `json:"rules"`
	Ignored     int `json:"ignored"`
	Unsupported int `json:"unsupported"`
	Invalid     int `json:"invalid"`
}

func (t *ParseTotals) add(s filter.ParseStats) {
	t.Lines += s.Lines
	t.Rules += s.Rules
	t.Ignored += s.Ignored
	t.Unsupported += s.Unsupported
	t.Invalid += s.Invalid
}

// buildInfo describes the rule sets currently installed.
type buildInfo struct {
	Sources        int
	StaticRules    int
	Classifiers    int
	LearningRules  int
	ContentFilters int
	Parse          ParseTotals
	Content        content.ParseStats
	BuiltAt        time.Time
}

type UpdateResult struct {
	TotalRules      int      `json:"total_rules"`
	ContentFilters  int      `json:"content_filters"`
	Classifiers     int      `json:"classifiers"`
	Sources         int      `json:"sources"`
	NotModified     int      `json:"not_modified"`
	FailedSources   []string `json:"failed_sources"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// FilterStats holds statistics about the installed filter lists.
type FilterStats struct {
	Enabled          bool                 `json:"enabled"`
	InjectionEnabled bool                 `json:"injection_enabled"`
	StaticRules      int                  `json:"static_rules"`
	LearningLists    int                  `json:"learning_lists"`
	LearningRules    int                  `json:"learning_rules"`
	ContentFilters   int                  `json:"content_filters"`
	Parse            ParseTotals          `json:"parse"`
	ContentParse     content.ParseStats   `json:"content_parse"`
	LastUpdate       string               `json:"last_update"`
	SourcesCount     int                  `json:"sources_count"`
	FailedSources    []string             `json:"failed_sources"`
	Learned          *learning.Stats      `json:"learned,omitempty"`
	RenderCache      *content.EngineStats `json:"render_cache,omitempty"`
}

// GetStats returns the current filter statistics.
func (m *Manager) GetStats() FilterStats {
	info := m.info.Load()
	st := FilterStats{
		Enabled:          m.enabled.Load(),
		InjectionEnabled: m.injectionEnabled.Load(),
		StaticRules:      info.StaticRules,
		LearningLists:    info.Classifiers,
		LearningRules:    info.LearningRules,
		ContentFilters:   info.ContentFilters,
		Parse:            info.Parse,
		ContentParse:     info.Content,
		SourcesCount:     len(m.sourcesMgr.GetAllSources()),
		FailedSources:    m.sourcesMgr.FailedSources(),
	}
	if !info.BuiltAt.IsZero() {
		st.LastUpdate = info.BuiltAt.Format(time.RFC3339)
	}
	if m.learner != nil {
		ls := m.learner.Stats()
		st.Learned = &ls
	}
	if m.content != nil {
		cs := m.content.Stats()
		st.RenderCache = &cs
	}
	return st
}
