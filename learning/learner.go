package learning

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"

	"icapfilter/filter"
	"icapfilter/internal/util"
	"icapfilter/logger"
)

// ErrConcurrentModification is returned by DrainAndLearn when another writer
// replaced the learned tree during the cycle. The batch is kept for the next
// cycle.
var ErrConcurrentModification = errors.New("learned store modified concurrently")

// LearnFunc computes a provisional decision for a transaction nobody decided
// synchronously. Only results with a decider are learned.
type LearnFunc func(ctx filter.TransactionContext) filter.Result

// Config configures a Learner.
type Config struct {
	Learn LearnFunc
	// Static reports the decision of the static store. Optional.
	Static func(ctx filter.TransactionContext) filter.Result

	QueueSize int
	Interval  time.Duration

	// Repository persists learned references. Optional.
	Repository Repository
}

func (c *Config) validate() error {
	if c.Learn == nil {
		return errors.New("learning: Learn function is required")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("learning: invalid queue size %d", c.QueueSize)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("learning: invalid interval %s", c.Interval)
	}
	return nil
}

// Stats is a point-in-time view of the learner.
type Stats struct {
	Domains   int    `json:"domains"`
	Rules     int    `json:"rules"`
	Queued    int    `json:"queued"`
	Dropped   uint64 `json:"dropped"`
	Learned   uint64 `json:"learned"`
	Conflicts uint64 `json:"conflicts"`
}

// Entry is the learned rule list of one hostname.
type Entry struct {
	Hostname string          `json:"hostname"`
	Rules    filter.RuleList `json:"-"`
}

// Learner owns the learned store. DrainAndLearn is its only regular writer;
// lookups read an immutable tree snapshot.
type Learner struct {
	cfg Config

	queue   chan filter.TransactionContext
	pending sync.Map // hostname -> struct{}

	tree atomic.Pointer[iradix.Tree]

	drainMu sync.Mutex
	carry   []filter.TransactionContext

	dropped   atomic.Uint64
	learned   atomic.Uint64
	conflicts atomic.Uint64

	persistCh chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates cfg and creates an idle learner. Call Start to run the
// periodic drain.
func New(cfg Config) (*Learner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Learner{
		cfg:       cfg,
		queue:     make(chan filter.TransactionContext, cfg.QueueSize),
		persistCh: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	l.tree.Store(iradix.New())
	return l, nil
}

// Enqueue hands an undecided transaction to the learner. It never blocks;
// hostnames already waiting are coalesced and a full queue drops the context.
func (l *Learner) Enqueue(ctx filter.TransactionContext) bool {
	host := ctx.Hostname()
	if host == "" {
		return false
	}
	if _, loaded := l.pending.LoadOrStore(host, struct{}{}); loaded {
		return true
	}

	select {
	case l.queue <- ctx:
		return true
	default:
		l.pending.Delete(host)
		n := l.dropped.Add(1)
		logger.Errorf("[Learning] Queue full (%d), dropped %s (total dropped: %d)", cap(l.queue), host, n)
		return false
	}
}

// Get returns the learned rules for hostname. The list is never modified
// after publication.
func (l *Learner) Get(hostname string) filter.RuleList {
	key := util.ReverseDomain(hostname)
	if key == "" {
		return nil
	}
	v, ok := l.tree.Load().Get([]byte(key))
	if !ok {
		return nil
	}
	return v.(filter.RuleList)
}

// Lookup evaluates the learned rules of the context's hostname.
func (l *Learner) Lookup(ctx filter.TransactionContext) filter.Result {
	return l.Get(ctx.Hostname()).Evaluate(ctx)
}

// DrainAndLearn processes every queued context plus the batch carried over
// from a failed cycle, and publishes the new tree with a compare-and-swap.
func (l *Learner) DrainAndLearn() error {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	batch := l.carry
	l.carry = nil
drain:
	for {
		select {
		case ctx := <-l.queue:
			batch = append(batch, ctx)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return nil
	}

	old := l.tree.Load()
	txn := old.Txn()
	installed := 0
	for _, ctx := range batch {
		if l.learnOne(txn, ctx) {
			installed++
		}
	}

	if installed > 0 && !l.tree.CompareAndSwap(old, txn.Commit()) {
		l.carry = batch
		l.conflicts.Add(1)
		return ErrConcurrentModification
	}

	for _, ctx := range batch {
		l.pending.Delete(ctx.Hostname())
	}
	if installed > 0 {
		l.learned.Add(uint64(installed))
		logger.Debugf("[Learning] Learned %d rule(s) from %d transaction(s)", installed, len(batch))
		l.schedulePersist()
	}
	return nil
}

// learnOne applies the merge policy for one context:
//   - nothing is learned when the learn function has no decider;
//   - a static rule of equal or higher priority that already decides the
//     transaction makes learning pointless;
//   - a hostname keeps at most one learned rule per action, replaced only by
//     a rule of equal or higher priority.
func (l *Learner) learnOne(txn *iradix.Txn, ctx filter.TransactionContext) bool {
	res := l.cfg.Learn(ctx)
	if !res.Decided() || res.Decider == nil {
		return false
	}
	rule := res.Decider

	if l.cfg.Static != nil {
		if st := l.cfg.Static(ctx); st.Decided() && st.Decider != nil && st.Decider.Priority() <= rule.Priority() {
			return false
		}
	}

	key := []byte(util.ReverseDomain(ctx.Hostname()))
	var current filter.RuleList
	if v, ok := txn.Get(key); ok {
		current = v.(filter.RuleList)
	}

	merged, changed := merge(current, rule)
	if !changed {
		return false
	}
	txn.Insert(key, merged)
	return true
}

// merge returns a new list with rule installed, or changed=false.
func merge(current filter.RuleList, rule *filter.Rule) (filter.RuleList, bool) {
	next := make(filter.RuleList, 0, len(current)+1)
	replaced := false
	for _, r := range current {
		if r.Action() != rule.Action() {
			next = append(next, r)
			continue
		}
		if r.Definition() == rule.Definition() || r.Priority() < rule.Priority() {
			return current, false
		}
		next = append(next, rule)
		replaced = true
	}
	if !replaced {
		next = append(next, rule)
	}
	sortByPriority(next)
	return next, true
}

func sortByPriority(list filter.RuleList) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority() < list[j].Priority()
	})
}

// ResolveReferences replaces every learned rule by the canonical rule with
// the same definition, dropping rules the resolver no longer knows. Called
// after a reload; it retries until its swap wins.
func (l *Learner) ResolveReferences(r filter.Resolver) {
	for {
		old := l.tree.Load()
		txn := iradix.New().Txn()
		kept, dropped := 0, 0

		old.Root().Walk(func(k []byte, v interface{}) bool {
			var next filter.RuleList
			for _, rule := range v.(filter.RuleList) {
				canonical, ok := r.Resolve(rule.Definition())
				if !ok {
					dropped++
					continue
				}
				next = append(next, canonical)
			}
			if len(next) > 0 {
				sortByPriority(next)
				txn.Insert(k, next)
				kept += len(next)
			}
			return false
		})

		if l.tree.CompareAndSwap(old, txn.Commit()) {
			logger.Infof("[Learning] Resolved learned rules: %d kept, %d dropped", kept, dropped)
			if dropped > 0 {
				l.schedulePersist()
			}
			return
		}
		l.conflicts.Add(1)
	}
}

// Entries lists the learned store ordered by hostname.
func (l *Learner) Entries() []Entry {
	var out []Entry
	l.tree.Load().Root().Walk(func(k []byte, v interface{}) bool {
		out = append(out, Entry{
			Hostname: util.UnreverseDomain(string(k)),
			Rules:    v.(filter.RuleList),
		})
		return false
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

func (l *Learner) Stats() Stats {
	tree := l.tree.Load()
	s := Stats{
		Domains:   tree.Len(),
		Queued:    len(l.queue),
		Dropped:   l.dropped.Load(),
		Learned:   l.learned.Load(),
		Conflicts: l.conflicts.Load(),
	}
	tree.Root().Walk(func(_ []byte, v interface{}) bool {
		s.Rules += len(v.(filter.RuleList))
		return false
	})
	return s
}

// Start runs the periodic drain and the persistence writer until Stop.
func (l *Learner) Start() {
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.run()
	})
}

// Stop ends the background work and flushes the learned store once more. A
// stopped learner cannot be restarted.
func (l *Learner) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		l.startOnce.Do(func() {})
		if l.started.Load() {
			<-l.doneChan
			return
		}
		l.persist()
	})
}

func (l *Learner) run() {
	defer close(l.doneChan)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.tick()
		case <-l.persistCh:
			l.persist()
		case <-l.stopChan:
			l.tick()
			l.persist()
			return
		}
	}
}

func (l *Learner) tick() {
	err := l.DrainAndLearn()
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrentModification):
		logger.Debugf("[Learning] Drain cycle abandoned, retrying next tick: %v", err)
	default:
		logger.Warnf("[Learning] Drain cycle failed: %v", err)
	}
}

func (l *Learner) schedulePersist() {
	if l.cfg.Repository == nil {
		return
	}
	select {
	case l.persistCh <- struct{}{}:
	default:
	}
}
