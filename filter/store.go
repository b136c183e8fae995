package filter

import (
	"sort"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"

	"icapfilter/internal/util"
)

type storeEntry struct {
	rule *Rule
	seq  int
}

// Store is an immutable rule set indexed by domain. Rules without a domain
// hint live in a catch-all list consulted for every host.
type Store struct {
	index        *iradix.Tree // reversed domain -> []storeEntry
	catchAll     []storeEntry
	byDefinition map[string]*Rule
	rules        []*Rule
}

// NewStore builds a store. Later duplicates of a definition are dropped.
func NewStore(rules []*Rule) *Store {
	s := &Store{
		byDefinition: make(map[string]*Rule, len(rules)),
	}

	lists := make(map[string][]storeEntry)
	for _, r := range rules {
		if r == nil {
			continue
		}
		if _, dup := s.byDefinition[r.Definition()]; dup {
			continue
		}
		e := storeEntry{rule: r, seq: len(s.rules)}
		s.byDefinition[r.Definition()] = r
		s.rules = append(s.rules, r)

		if r.Domain() == "" {
			s.catchAll = append(s.catchAll, e)
			continue
		}
		key := util.ReverseDomain(r.Domain())
		lists[key] = append(lists[key], e)
	}

	sortEntries(s.catchAll)
	txn := iradix.New().Txn()
	for key, list := range lists {
		sortEntries(list)
		txn.Insert([]byte(key), list)
	}
	s.index = txn.Commit()

	return s
}

// sortEntries orders by priority; entries are appended in sequence order so
// a stable sort keeps insertion order within a priority.
func sortEntries(list []storeEntry) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].rule.Priority() < list[j].rule.Priority()
	})
}

func entryLess(a, b storeEntry) bool {
	if a.rule.Priority() != b.rule.Priority() {
		return a.rule.Priority() < b.rule.Priority()
	}
	return a.seq < b.seq
}

// each visits the candidate rules for hostname in priority then insertion
// order until fn returns false. Candidates are the lists of the host and all
// its parent domains plus the catch-all list.
func (s *Store) each(hostname string, fn func(*Rule) bool) {
	var lists [][]storeEntry
	if key := util.ReverseDomain(hostname); key != "" {
		s.index.Root().WalkPath([]byte(key), func(k []byte, v interface{}) bool {
			lists = append(lists, v.([]storeEntry))
			return false
		})
	}
	if len(s.catchAll) > 0 {
		lists = append(lists, s.catchAll)
	}

	// k-way merge; k is the number of labels plus one
	heads := make([]int, len(lists))
	for {
		best := -1
		for i, l := range lists {
			if heads[i] >= len(l) {
				continue
			}
			if best < 0 || entryLess(l[heads[i]], lists[best][heads[best]]) {
				best = i
			}
		}
		if best < 0 {
			return
		}
		e := lists[best][heads[best]]
		heads[best]++
		if !fn(e.rule) {
			return
		}
	}
}

// Candidates returns the ordered rules that may apply to hostname.
func (s *Store) Candidates(hostname string) []*Rule {
	var out []*Rule
	s.each(hostname, func(r *Rule) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Lookup returns the first decision among the candidates for ctx.
func (s *Store) Lookup(ctx TransactionContext) Result {
	res := NoDecision
	s.each(ctx.Hostname(), func(r *Rule) bool {
		res = r.Evaluate(ctx)
		return !res.Decided()
	})
	return res
}

// Resolve implements Resolver.
func (s *Store) Resolve(definition string) (*Rule, bool) {
	r, ok := s.byDefinition[definition]
	return r, ok
}

// Len is the number of distinct rules.
func (s *Store) Len() int {
	return len(s.rules)
}

// Rules returns the rules in load order. The slice must not be modified.
func (s *Store) Rules() []*Rule {
	return s.rules
}

var emptyStore = NewStore(nil)

// Snapshot publishes the current store to concurrent readers. A reload
// builds a complete store and swaps it in.
type Snapshot struct {
	p atomic.Pointer[Store]
}

// Load never returns nil.
func (s *Snapshot) Load() *Store {
	if st := s.p.Load(); st != nil {
		return st
	}
	return emptyStore
}

// Swap installs st and returns the previous store.
func (s *Snapshot) Swap(st *Store) *Store {
	if st == nil {
		st = emptyStore
	}
	return s.p.Swap(st)
}

func (s *Snapshot) Lookup(ctx TransactionContext) Result {
	return s.Load().Lookup(ctx)
}

func (s *Snapshot) Resolve(definition string) (*Rule, bool) {
	return s.Load().Resolve(definition)
}
