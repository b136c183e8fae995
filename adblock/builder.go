package adblock

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"icapfilter/content"
	"icapfilter/filter"
	"icapfilter/learning"
)

// runtimeSource describes the rule text installed through Reload.
var runtimeSource = &SourceInfo{
	Name:     "runtime",
	URL:      "runtime",
	Format:   FormatABP,
	Mode:     ModeStatic,
	Priority: filter.Highest,
	Enabled:  true,
}

// builder collects the compiled form of every list of one rebuild.
type builder struct {
	static  []*filter.Rule
	chain   learning.Chain
	filters []*content.Filter
	info    buildInfo
	nextID  int
}

func newBuilder() *builder {
	return &builder{nextID: 1}
}

// add compiles one list and returns the number of rules it contributed.
func (b *builder) add(s *SourceInfo, data []byte) (int, error) {
	b.info.Sources++

	switch s.Format {
	case FormatABP:
		p := &filter.Parser{Priority: s.Priority}
		rules, stats := p.ParseList(bytes.NewReader(data))
		b.info.Parse.add(stats)

		filters, cstats := content.ParseList(bytes.NewReader(data))
		b.filters = append(b.filters, filters...)
		b.info.Content.Filters += cstats.Filters
		b.info.Content.Unsupported += cstats.Unsupported
		b.info.Content.Invalid += cstats.Invalid

		if s.Mode == ModeLearning {
			b.chain = append(b.chain, learning.NewStoreClassifier(filter.NewStore(rules)))
			b.info.LearningRules += len(rules)
			return len(rules) + len(filters), nil
		}
		b.static = append(b.static, rules...)
		return len(rules) + len(filters), nil

	case FormatHosts:
		text := string(data)
		if s.Mode == ModeLearning {
			c, err := learning.NewHostsClassifier(text, b.nextID, s.Priority)
			if err != nil {
				return 0, err
			}
			b.nextID++
			b.chain = append(b.chain, c)
			b.info.LearningRules += c.Len()
			return c.Len(), nil
		}
		p := &filter.Parser{Priority: s.Priority}
		rules, stats := p.ParseList(strings.NewReader(learning.HostsRules(text)))
		b.info.Parse.add(stats)
		b.static = append(b.static, rules...)
		return len(rules), nil
	}
	return 0, fmt.Errorf("unknown list format %q", s.Format)
}

func (b *builder) finish() (*filter.Store, learning.Chain, []*content.Filter, *buildInfo) {
	store := filter.NewStore(b.static)
	info := b.info
	info.StaticRules = store.Len()
	info.Classifiers = len(b.chain)
	info.ContentFilters = len(b.filters)
	info.BuiltAt = time.Now()
	return store, b.chain, b.filters, &info
}
