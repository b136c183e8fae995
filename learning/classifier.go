package learning

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/AdguardTeam/urlfilter"
	"github.com/AdguardTeam/urlfilter/filterlist"
	"github.com/AdguardTeam/urlfilter/rules"

	"icapfilter/filter"
	"icapfilter/internal/util"
	"icapfilter/logger"
)

// Classifier is a learn function that can also resolve the references it
// produced.
type Classifier interface {
	filter.Resolver
	Learn(ctx filter.TransactionContext) filter.Result
}

// StoreClassifier learns from a deferred filter list compiled into a store.
// Only rules carrying a domain hint are learned, since learned rules are kept
// per hostname.
type StoreClassifier struct {
	store *filter.Store
}

func NewStoreClassifier(store *filter.Store) *StoreClassifier {
	return &StoreClassifier{store: store}
}

func (c *StoreClassifier) Learn(ctx filter.TransactionContext) filter.Result {
	res := c.store.Lookup(ctx)
	if res.Decider == nil || res.Decider.Domain() == "" {
		return filter.NoDecision
	}
	return res
}

func (c *StoreClassifier) Resolve(definition string) (*filter.Rule, bool) {
	return c.store.Resolve(definition)
}

func (c *StoreClassifier) Len() int {
	return c.store.Len()
}

// HostsClassifier learns from hosts files and DNS-style block lists using the
// AdGuard DNS engine. Hosts entries are rewritten to "||host^" so that every
// definition it hands out can be compiled by filter.Parser.
type HostsClassifier struct {
	engine      *urlfilter.DNSEngine
	parser      *filter.Parser
	definitions map[string]struct{}
	compiled    sync.Map // definition -> *filter.Rule
}

// NewHostsClassifier compiles text. id identifies the list inside the engine.
func NewHostsClassifier(text string, id int, priority filter.Priority) (*HostsClassifier, error) {
	lines, definitions := normalizeHostsList(text)

	storage, err := filterlist.NewRuleStorage([]filterlist.Interface{
		filterlist.NewString(&filterlist.StringConfig{
			RulesText:      lines,
			ID:             rules.ListID(id),
			IgnoreCosmetic: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("build DNS rule storage: %w", err)
	}

	return &HostsClassifier{
		engine:      urlfilter.NewDNSEngine(storage),
		parser:      &filter.Parser{Priority: priority},
		definitions: definitions,
	}, nil
}

// normalizeHostsList rewrites "0.0.0.0 a.com b.com" lines into one "||a.com^"
// line per host and drops everything the HTTP rule parser cannot compile.
func normalizeHostsList(text string) (string, map[string]struct{}) {
	var b strings.Builder
	definitions := make(map[string]struct{})
	add := func(def string) {
		if _, ok := definitions[def]; ok {
			return
		}
		definitions[def] = struct{}{}
		b.WriteString(def)
		b.WriteByte('\n')
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 && !filter.IsCosmetic(line) {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || line[0] == '!' || filter.IsCosmetic(line) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) >= 2 && net.ParseIP(fields[0]) != nil {
			for _, host := range fields[1:] {
				host = util.NormalizeDomain(host)
				if util.IsValidDomain(host) && host != "localhost" {
					add("||" + host + "^")
				}
			}
			continue
		}
		if len(fields) == 1 && util.IsValidDomain(fields[0]) {
			// plain domain lists
			add("||" + util.NormalizeDomain(fields[0]) + "^")
			continue
		}
		add(line)
	}
	return b.String(), definitions
}

// HostsRules rewrites a hosts file into filter rules, one "||host^" line per
// host.
func HostsRules(text string) string {
	lines, _ := normalizeHostsList(text)
	return lines
}

func (c *HostsClassifier) Learn(ctx filter.TransactionContext) filter.Result {
	host := ctx.Hostname()
	if host == "" {
		return filter.NoDecision
	}
	res, ok := c.engine.Match(host)
	if !ok || res == nil || res.NetworkRule == nil {
		return filter.NoDecision
	}

	rule, ok := c.Resolve(res.NetworkRule.Text())
	if !ok {
		return filter.NoDecision
	}
	return rule.Evaluate(ctx)
}

// Resolve compiles definitions of this list on first use.
func (c *HostsClassifier) Resolve(definition string) (*filter.Rule, bool) {
	if _, ok := c.definitions[definition]; !ok {
		return nil, false
	}
	if v, ok := c.compiled.Load(definition); ok {
		return v.(*filter.Rule), true
	}

	rule, err := c.parser.Parse(definition)
	if err != nil || rule == nil {
		if err != nil {
			logger.Debugf("[Learning] Cannot compile DNS rule %q: %v", definition, err)
		}
		return nil, false
	}
	v, _ := c.compiled.LoadOrStore(definition, rule)
	return v.(*filter.Rule), true
}

func (c *HostsClassifier) Len() int {
	return len(c.definitions)
}

// Chain asks each classifier in turn; the first decision wins.
type Chain []Classifier

func (ch Chain) Learn(ctx filter.TransactionContext) filter.Result {
	for _, c := range ch {
		if res := c.Learn(ctx); res.Decided() {
			return res
		}
	}
	return filter.NoDecision
}

func (ch Chain) Resolve(definition string) (*filter.Rule, bool) {
	for _, c := range ch {
		if rule, ok := c.Resolve(definition); ok {
			return rule, true
		}
	}
	return nil, false
}
