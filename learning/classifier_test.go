package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icapfilter/filter"
)

const hostsList = `# hosts file
127.0.0.1 localhost
0.0.0.0 ads.example.com banner.example.com # inline comment
tracker.example.net
||metrics.example.org^
example.com##.banner
`

func TestNormalizeHostsList(t *testing.T) {
	text, defs := normalizeHostsList(hostsList)

	assert.Equal(t, "||ads.example.com^\n||banner.example.com^\n||tracker.example.net^\n||metrics.example.org^\n", text)
	assert.Len(t, defs, 4)
	assert.NotContains(t, defs, "||localhost^")
}

func TestHostsClassifier(t *testing.T) {
	c, err := NewHostsClassifier(hostsList, 1, filter.Low)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())

	res := c.Learn(req("http://ads.example.com/img.png"))
	assert.Equal(t, filter.OutcomeBlock, res.Outcome)
	require.NotNil(t, res.Decider)
	assert.Equal(t, "||ads.example.com^", res.Decider.Definition())
	assert.Equal(t, filter.Low, res.Decider.Priority())

	res = c.Learn(req("http://cdn.tracker.example.net/t.js"))
	assert.Equal(t, filter.OutcomeBlock, res.Outcome)

	assert.Equal(t, filter.NoDecision, c.Learn(req("http://www.example.com/")))

	rule, ok := c.Resolve("||banner.example.com^")
	require.True(t, ok)
	again, _ := c.Resolve("||banner.example.com^")
	assert.Same(t, rule, again)

	_, ok = c.Resolve("||unknown.example.com^")
	assert.False(t, ok)
}

func TestChain(t *testing.T) {
	hosts, err := NewHostsClassifier("0.0.0.0 ads.example.com\n", 1, filter.Low)
	require.NoError(t, err)
	store := NewStoreClassifier(compile(t, filter.Medium, "||ads.example.com^", "||tracker.example.org^"))
	chain := Chain{hosts, store}

	res := chain.Learn(req("http://ads.example.com/"))
	assert.Equal(t, filter.Low, res.Decider.Priority())

	res = chain.Learn(req("http://tracker.example.org/"))
	assert.Equal(t, filter.Medium, res.Decider.Priority())

	rule, ok := chain.Resolve("||ads.example.com^")
	require.True(t, ok)
	assert.Equal(t, filter.Low, rule.Priority())
	_, ok = chain.Resolve("||nothing.example.com^")
	assert.False(t, ok)
}
