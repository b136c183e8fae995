package adblock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icapfilter/config"
	"icapfilter/filter"
)

const abpList = `[Adblock Plus 2.0]
! Title: test list
||ads.example.com^
@@||ads.example.com/allowed^
||cdn.example.org/track.js$third-party
news.example.com##.ad-banner
||csp.example.com^$csp=script-src 'self'
`

const hostsList = `# learning hosts
0.0.0.0 tracker.example.net
0.0.0.0 metrics.example.net
`

// listServer serves the two lists and answers conditional requests.
type listServer struct {
	*httptest.Server
	requests    atomic.Int32
	notModified atomic.Int32
}

func newListServer(t *testing.T) *listServer {
	ls := &listServer{}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ls.requests.Add(1)
		var body string
		switch r.URL.Path {
		case "/abp.txt":
			body = abpList
		case "/hosts":
			body = hostsList
		default:
			http.NotFound(w, r)
			return
		}
		etag := `"` + r.URL.Path + `"`
		if r.Header.Get("If-None-Match") == etag {
			ls.notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write([]byte(body))
	}))
	t.Cleanup(ls.Close)
	return ls
}

type recordingSink struct {
	mu      sync.Mutex
	results []filter.Result
}

func (s *recordingSink) Record(_ filter.TransactionContext, res filter.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func newTestManager(t *testing.T, sources ...config.SourceConfig) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(Options{
		Filter: &config.FilterConfig{
			Enable:              true,
			Sources:             sources,
			CustomRulesFile:     filepath.Join(dir, "custom_rules.txt"),
			CacheDir:            filepath.Join(dir, "cache"),
			UpdateIntervalHours: 24,
			MaxConcurrent:       2,
		},
		Learning:  &config.LearningConfig{Enable: true, QueueSize: 16, IntervalSeconds: 3600},
		Injection: &config.InjectionConfig{Enable: true, CacheSize: 8},
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func request(url string) filter.TransactionContext {
	return filter.NewContext(url, "", "", filter.DirectionRequest)
}

func TestUpdateRulesAndDecide(t *testing.T) {
	srv := newListServer(t)
	m := newTestManager(t,
		config.SourceConfig{URL: srv.URL + "/abp.txt", Format: FormatABP, Mode: ModeStatic, Priority: "default"},
		config.SourceConfig{URL: srv.URL + "/hosts", Format: FormatHosts, Mode: ModeLearning, Priority: "low"},
	)
	sink := &recordingSink{}
	m.AddSink(sink)

	res, err := m.UpdateRules(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, res.FailedSources)
	assert.Equal(t, 3, res.Sources, "two lists plus the custom rules file")
	assert.Equal(t, 4, res.TotalRules)
	assert.Equal(t, 1, res.ContentFilters)
	assert.Equal(t, 1, res.Classifiers)

	assert.Equal(t, filter.OutcomeBlock, m.Decide(request("http://ads.example.com/banner.js")).Outcome)
	assert.Equal(t, filter.OutcomePass, m.Decide(request("http://ads.example.com/allowed/x")).Outcome)

	csp := filter.NewContext("http://csp.example.com/", "", "text/html", filter.DirectionResponse)
	decided := m.Decide(csp)
	assert.Equal(t, filter.OutcomeSetCSP, decided.Outcome)
	assert.Equal(t, "script-src 'self'", decided.Value)

	assert.Contains(t, m.Render("news.example.com"), ".ad-banner")
	assert.Empty(t, m.Render("other.example.com"))

	// learning lists never decide synchronously...
	tracker := request("http://tracker.example.net/pixel.gif")
	assert.Equal(t, filter.NoDecision, m.Decide(tracker))
	assert.Equal(t, 1, m.Learner().Stats().Queued)

	// ...but their decisions apply once learned
	require.NoError(t, m.Learner().DrainAndLearn())
	learned := m.Decide(tracker)
	assert.Equal(t, filter.OutcomeBlock, learned.Outcome)
	assert.Equal(t, "||tracker.example.net^", learned.Decider.Definition())

	sink.mu.Lock()
	assert.Len(t, sink.results, 5)
	sink.mu.Unlock()

	st := m.GetStats()
	assert.Equal(t, 4, st.StaticRules)
	assert.Equal(t, 2, st.LearningRules)
	assert.Equal(t, 1, st.ContentFilters)
	require.NotNil(t, st.Learned)
	assert.Equal(t, 1, st.Learned.Rules)
	assert.NotEmpty(t, st.LastUpdate)
}

func TestUpdateRulesUsesConditionalRequests(t *testing.T) {
	srv := newListServer(t)
	m := newTestManager(t,
		config.SourceConfig{URL: srv.URL + "/abp.txt", Format: FormatABP, Mode: ModeStatic, Priority: "default"},
	)

	_, err := m.UpdateRules(context.Background(), true)
	require.NoError(t, err)

	// not due yet
	res, err := m.UpdateRules(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sources, "only the local custom list")
	assert.Equal(t, int32(1), srv.requests.Load())

	res, err = m.UpdateRules(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotModified)
	assert.Equal(t, int32(1), srv.notModified.Load())
	assert.Equal(t, filter.OutcomeBlock, m.Decide(request("http://ads.example.com/")).Outcome, "cached copy is still used")
}

func TestUpdateRulesKeepsRulesOfFailingSource(t *testing.T) {
	srv := newListServer(t)
	m := newTestManager(t,
		config.SourceConfig{URL: srv.URL + "/abp.txt", Format: FormatABP, Mode: ModeStatic, Priority: "default"},
		config.SourceConfig{URL: srv.URL + "/missing.txt", Format: FormatABP, Mode: ModeStatic, Priority: "default"},
	)

	res, err := m.UpdateRules(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/missing.txt"}, res.FailedSources)

	srv.Close()
	res, err = m.UpdateRules(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, res.FailedSources, 2)
	assert.Equal(t, filter.OutcomeBlock, m.Decide(request("http://ads.example.com/")).Outcome)

	statuses := m.GetSources()
	require.Len(t, statuses, 3)
	assert.Equal(t, StatusFailed, statuses[0].Status)
}

func TestDownloadSizeLimit(t *testing.T) {
	srv := newListServer(t)
	m := newTestManager(t)
	m.loader.maxSize = 10

	s := &SourceInfo{URL: srv.URL + "/abp.txt", CacheFile: cacheFileName(srv.URL + "/abp.txt")}
	_, err := m.loader.Fetch(context.Background(), s)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(m.loader.cacheDir, s.CacheFile))
	assert.True(t, os.IsNotExist(statErr), "oversized list must not replace the cache")
}

func TestReloadInstallsRuleTextAndRunsHooks(t *testing.T) {
	m := newTestManager(t)
	var reloads atomic.Int32
	m.OnReload(func() { reloads.Add(1) })

	_, err := m.Reload(context.Background(), strings.NewReader("||runtime.example.com^\nexample.org##.promo\n"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), reloads.Load())
	assert.Equal(t, filter.OutcomeBlock, m.Decide(request("http://runtime.example.com/")).Outcome)
	assert.Contains(t, m.Render("www.example.org"), ".promo")

	// a nil reader rebuilds with the current runtime list
	_, err = m.Reload(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reloads.Load())
	assert.Equal(t, filter.OutcomeBlock, m.Decide(request("http://runtime.example.com/")).Outcome)

	_, err = m.Reload(context.Background(), strings.NewReader("||other.example.com^\n"))
	require.NoError(t, err)
	assert.Equal(t, filter.NoDecision, m.Decide(request("http://runtime.example.com/")))
	assert.Empty(t, m.Render("www.example.org"))
}

func TestReloadResolvesLearnedReferences(t *testing.T) {
	srv := newListServer(t)
	hostsURL := srv.URL + "/hosts"
	m := newTestManager(t,
		config.SourceConfig{URL: hostsURL, Format: FormatHosts, Mode: ModeLearning, Priority: "low"},
	)
	_, err := m.UpdateRules(context.Background(), true)
	require.NoError(t, err)

	m.Decide(request("http://tracker.example.net/"))
	require.NoError(t, m.Learner().DrainAndLearn())
	require.Len(t, m.Learner().Entries(), 1)

	// rebuilding with the list still present keeps the learned rule
	_, err = m.Reload(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, m.Learner().Entries(), 1)

	// disabling the list drops it
	require.NoError(t, m.SetSourceEnabled(hostsURL, false))
	assert.Empty(t, m.Learner().Entries())
	assert.Equal(t, filter.NoDecision, m.Decide(request("http://tracker.example.net/")))

	assert.Error(t, m.SetSourceEnabled("https://unknown.example/", true))
}

func TestStaticRuleWinsOverLearning(t *testing.T) {
	srv := newListServer(t)
	m := newTestManager(t,
		config.SourceConfig{URL: srv.URL + "/hosts", Format: FormatHosts, Mode: ModeLearning, Priority: "low"},
	)
	_, err := m.UpdateRules(context.Background(), true)
	require.NoError(t, err)
	_, err = m.Reload(context.Background(), strings.NewReader("@@||tracker.example.net^\n"))
	require.NoError(t, err)

	assert.Equal(t, filter.OutcomePass, m.Decide(request("http://tracker.example.net/")).Outcome)
	assert.Zero(t, m.Learner().Stats().Queued, "decided transactions are not queued")
}

func TestDisabledAndTest(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Reload(context.Background(), strings.NewReader("||ads.example.com^$important\n"))
	require.NoError(t, err)

	res := m.Test(request("http://ads.example.com/x"))
	assert.Equal(t, "block", res.Outcome)
	assert.Equal(t, "static", res.Source)
	assert.Equal(t, "||ads.example.com^$important", res.Rule)
	assert.Equal(t, "highest", res.Priority)

	res = m.Test(request("http://clean.example.com/"))
	assert.Equal(t, "no_decision", res.Outcome)
	assert.Empty(t, res.Source)
	assert.Zero(t, m.Learner().Stats().Queued, "Test has no side effects")

	m.SetEnabled(false)
	assert.False(t, m.Enabled())
	assert.Equal(t, filter.NoDecision, m.Decide(request("http://ads.example.com/x")))
}
