package content

import (
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"icapfilter/internal/util"
	"icapfilter/logger"
)

const DefaultCacheSize = 1024

// ScriptletResolver turns a scriptlet invocation into a script body.
type ScriptletResolver interface {
	Resolve(name string, args []string) (string, error)
}

// ruleSet is the immutable state behind one SetFilterList call. The render
// cache lives and dies with it.
type ruleSet struct {
	gen     uint64
	filters []*Filter
	cache   *lru.Cache
}

// Engine renders the markup injected into HTML pages of a hostname.
type Engine struct {
	resolver  ScriptletResolver
	cacheSize int

	state atomic.Pointer[ruleSet]
	gen   atomic.Uint64
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// EngineStats is a point-in-time view of the render cache.
type EngineStats struct {
	Filters int    `json:"filters"`
	Cached  int    `json:"cached"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// NewEngine creates an engine without filters. resolver may be nil, in which
// case scriptlet filters render nothing.
func NewEngine(resolver ScriptletResolver, cacheSize int) *Engine {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	e := &Engine{resolver: resolver, cacheSize: cacheSize}
	e.SetFilterList(nil)
	return e
}

// SetFilterList swaps the active filters and starts with an empty cache.
func (e *Engine) SetFilterList(filters []*Filter) {
	cache, err := lru.New(e.cacheSize)
	if err != nil {
		// only fails for a non-positive size, which NewEngine rules out
		panic(err)
	}
	e.state.Store(&ruleSet{
		gen:     e.gen.Add(1),
		filters: filters,
		cache:   cache,
	})
}

// Render returns the snippet for hostname, or "" when nothing applies.
// Entries are read with Peek so the cache evicts in insertion order.
func (e *Engine) Render(hostname string) string {
	host := util.NormalizeDomain(hostname)
	if host == "" {
		return ""
	}

	rs := e.state.Load()
	if v, ok := rs.cache.Peek(host); ok {
		e.hits.Add(1)
		return v.(string)
	}

	key := fmt.Sprintf("%d/%s", rs.gen, host)
	v, _, _ := e.group.Do(key, func() (interface{}, error) {
		if v, ok := rs.cache.Peek(host); ok {
			e.hits.Add(1)
			return v, nil
		}
		e.misses.Add(1)
		out := e.render(rs.filters, host)
		rs.cache.Add(host, out)
		return out, nil
	})
	return v.(string)
}

func (e *Engine) Stats() EngineStats {
	rs := e.state.Load()
	return EngineStats{
		Filters: len(rs.filters),
		Cached:  rs.cache.Len(),
		Hits:    e.hits.Load(),
		Misses:  e.misses.Load(),
	}
}

type filterKey struct {
	kind  Kind
	value string
}

func (e *Engine) render(filters []*Filter, host string) string {
	removed := make(map[filterKey]bool)
	noScriptlets := false
	for _, f := range filters {
		if f.Action != Remove || !f.AppliesTo(host) {
			continue
		}
		if f.Kind == Scriptlet && f.Value == "" {
			noScriptlets = true
			continue
		}
		removed[filterKey{f.Kind, f.Value}] = true
	}

	var (
		selectors []string
		scripts   []string
		seen      = make(map[filterKey]bool)
	)
	for _, f := range filters {
		k := filterKey{f.Kind, f.Value}
		if f.Action != Add || removed[k] || seen[k] || !f.AppliesTo(host) {
			continue
		}
		seen[k] = true

		switch f.Kind {
		case ElementHiding:
			if strings.ContainsAny(f.Value, "<{}") {
				continue
			}
			selectors = append(selectors, f.Value)
		case Scriptlet:
			if noScriptlets || e.resolver == nil {
				continue
			}
			body, err := e.resolver.Resolve(f.Name, f.Args)
			if err != nil {
				logger.Debugf("[Content] Scriptlet %s for %s not rendered: %v", f.Value, host, err)
				continue
			}
			scripts = append(scripts, body)
		}
	}

	var b strings.Builder
	if len(selectors) > 0 {
		b.WriteString("<style type=\"text/css\">\n")
		for _, sel := range selectors {
			b.WriteString(sel)
			b.WriteString(" { display: none !important; }\n")
		}
		b.WriteString("</style>\n")
	}
	if len(scripts) > 0 {
		b.WriteString("<script type=\"text/javascript\">\n")
		for _, body := range scripts {
			b.WriteString("try {\n")
			b.WriteString(strings.ReplaceAll(body, "</script", "<\\/script"))
			b.WriteString("\n} catch (e) {}\n")
		}
		b.WriteString("</script>\n")
	}
	return b.String()
}
