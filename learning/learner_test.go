package learning

import (
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icapfilter/filter"
)

func compile(t *testing.T, priority filter.Priority, lines ...string) *filter.Store {
	t.Helper()
	p := &filter.Parser{Priority: priority}
	rules, stats := p.ParseList(strings.NewReader(strings.Join(lines, "\n")))
	require.Zero(t, stats.Invalid)
	return filter.NewStore(rules)
}

func req(url string) filter.TransactionContext {
	return filter.NewContext(url, "", "", filter.DirectionRequest)
}

func newLearner(t *testing.T, cfg Config) *Learner {
	t.Helper()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{QueueSize: 1, Interval: time.Second})
	assert.Error(t, err)

	learn := func(filter.TransactionContext) filter.Result { return filter.NoDecision }
	_, err = New(Config{Learn: learn, Interval: time.Second})
	assert.Error(t, err)
	_, err = New(Config{Learn: learn, QueueSize: 1})
	assert.Error(t, err)
}

func TestEnqueueCoalescesAndDrops(t *testing.T) {
	l := newLearner(t, Config{
		Learn:     func(filter.TransactionContext) filter.Result { return filter.NoDecision },
		QueueSize: 1,
	})

	assert.True(t, l.Enqueue(req("http://a.example.com/1")))
	assert.True(t, l.Enqueue(req("http://a.example.com/2")), "pending hostname is coalesced")
	assert.False(t, l.Enqueue(req("http://b.example.com/")), "queue is full")
	assert.False(t, l.Enqueue(req("not a url")))

	st := l.Stats()
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, uint64(1), st.Dropped)

	require.NoError(t, l.DrainAndLearn())
	assert.True(t, l.Enqueue(req("http://b.example.com/")))
}

func TestLearningIsIdempotent(t *testing.T) {
	classifier := NewStoreClassifier(compile(t, filter.Low, "||tracker.example.com^"))
	l := newLearner(t, Config{Learn: classifier.Learn})

	for i := 0; i < 2; i++ {
		l.Enqueue(req("http://tracker.example.com/pixel.gif"))
		require.NoError(t, l.DrainAndLearn())
	}

	rules := l.Get("tracker.example.com")
	require.Len(t, rules, 1)
	assert.Equal(t, "||tracker.example.com^", rules[0].Definition())
	assert.Equal(t, filter.OutcomeBlock, l.Lookup(req("http://tracker.example.com/other")).Outcome)
	assert.Empty(t, l.Get("other.example.com"))
}

func TestLearningMergePolicy(t *testing.T) {
	low := compile(t, filter.Low, "||ads.example.com^", "@@||ads.example.com^$domain=news.org")
	high := compile(t, filter.High, "ads.example.com/banner")
	var current atomic.Pointer[filter.Store]
	current.Store(low)

	l := newLearner(t, Config{
		Learn: func(ctx filter.TransactionContext) filter.Result {
			res := current.Load().Lookup(ctx)
			if res.Decider == nil {
				return filter.NoDecision
			}
			return res
		},
	})

	l.Enqueue(req("http://ads.example.com/x"))
	require.NoError(t, l.DrainAndLearn())
	require.Len(t, l.Get("ads.example.com"), 1)

	// a block rule of higher priority replaces the learned block rule
	current.Store(high)
	l.Enqueue(req("http://ads.example.com/banner"))
	require.NoError(t, l.DrainAndLearn())
	rules := l.Get("ads.example.com")
	require.Len(t, rules, 1)
	assert.Equal(t, "ads.example.com/banner", rules[0].Definition())

	// ...and a lower one does not replace it back
	current.Store(low)
	l.Enqueue(req("http://ads.example.com/y"))
	require.NoError(t, l.DrainAndLearn())
	assert.Equal(t, "ads.example.com/banner", l.Get("ads.example.com")[0].Definition())

	// a different outcome gets its own slot, ordered by priority
	ctx := filter.NewContext("http://ads.example.com/z", "http://news.org/", "", filter.DirectionRequest)
	l.Enqueue(ctx)
	require.NoError(t, l.DrainAndLearn())
	rules = l.Get("ads.example.com")
	require.Len(t, rules, 2)
	assert.Equal(t, filter.ActionPass, rules[1].Action())
}

func TestStaticDecisionSkipsLearning(t *testing.T) {
	static := compile(t, filter.High, "||cdn.example.com^")
	classifier := NewStoreClassifier(compile(t, filter.Default, "||cdn.example.com^"))

	l := newLearner(t, Config{Learn: classifier.Learn, Static: static.Lookup})
	l.Enqueue(req("http://cdn.example.com/app.js"))
	require.NoError(t, l.DrainAndLearn())

	assert.Empty(t, l.Get("cdn.example.com"))
}

func TestStoreClassifierIgnoresRulesWithoutDomain(t *testing.T) {
	classifier := NewStoreClassifier(compile(t, filter.Default, "/banner/"))
	res := classifier.Learn(req("http://example.com/banner/1.png"))
	assert.Equal(t, filter.NoDecision, res)
}

func TestConcurrentModificationCarriesBatch(t *testing.T) {
	classifier := NewStoreClassifier(compile(t, filter.Default, "||ads.example.com^"))

	var l *Learner
	var interfered atomic.Bool
	l = newLearner(t, Config{
		Learn: func(ctx filter.TransactionContext) filter.Result {
			if interfered.CompareAndSwap(false, true) {
				// another writer publishes a tree while the drain is running
				l.ResolveReferences(classifier)
			}
			return classifier.Learn(ctx)
		},
	})

	l.Enqueue(req("http://ads.example.com/"))
	err := l.DrainAndLearn()
	assert.True(t, errors.Is(err, ErrConcurrentModification))
	assert.Empty(t, l.Get("ads.example.com"))
	assert.Equal(t, uint64(1), l.Stats().Conflicts)

	require.NoError(t, l.DrainAndLearn())
	assert.Len(t, l.Get("ads.example.com"), 1)
}

func TestResolveReferences(t *testing.T) {
	old := compile(t, filter.Default, "||a.example.com^", "||b.example.com^")
	l := newLearner(t, Config{Learn: NewStoreClassifier(old).Learn})

	l.Enqueue(req("http://a.example.com/"))
	l.Enqueue(req("http://b.example.com/"))
	require.NoError(t, l.DrainAndLearn())
	require.Len(t, l.Entries(), 2)

	reloaded := compile(t, filter.High, "||a.example.com^")
	l.ResolveReferences(reloaded)

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a.example.com", entries[0].Hostname)

	canonical, _ := reloaded.Resolve("||a.example.com^")
	assert.Same(t, canonical, entries[0].Rules[0])
	assert.Empty(t, l.Get("b.example.com"))
}

func TestPersistAndRestore(t *testing.T) {
	repo := NewJSONRepository(filepath.Join(t.TempDir(), "learned.json"))
	store := compile(t, filter.Default, "||a.example.com^", "||b.example.com^")

	l := newLearner(t, Config{Learn: NewStoreClassifier(store).Learn, Repository: repo})
	l.Enqueue(req("http://a.example.com/"))
	l.Enqueue(req("http://x.b.example.com/"))
	require.NoError(t, l.DrainAndLearn())
	l.persist()

	records, err := repo.Load()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Record{
		{Hostname: "a.example.com", Definition: "||a.example.com^"},
		{Hostname: "x.b.example.com", Definition: "||b.example.com^"},
	}, records)

	// only "a" survives in the next list version
	restored := newLearner(t, Config{Learn: NewStoreClassifier(store).Learn, Repository: repo})
	require.NoError(t, restored.Restore(compile(t, filter.Default, "||a.example.com^")))
	assert.Len(t, restored.Get("a.example.com"), 1)
	assert.Empty(t, restored.Get("x.b.example.com"))
}

func TestStartStop(t *testing.T) {
	repo := NewJSONRepository(filepath.Join(t.TempDir(), "learned.json"))
	classifier := NewStoreClassifier(compile(t, filter.Default, "||ads.example.com^"))
	l := newLearner(t, Config{Learn: classifier.Learn, Interval: 10 * time.Millisecond, Repository: repo})

	l.Start()
	l.Enqueue(req("http://ads.example.com/"))
	assert.Eventually(t, func() bool {
		return len(l.Get("ads.example.com")) == 1
	}, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()

	records, err := repo.Load()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
