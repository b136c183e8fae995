package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineElementHiding(t *testing.T) {
	filters, err := ParseLine("example.com,~shop.example.com##.ad-banner")
	require.NoError(t, err)
	require.Len(t, filters, 2)

	assert.Equal(t, ElementHiding, filters[0].Kind)
	assert.Equal(t, Add, filters[0].Action)
	assert.Equal(t, ".ad-banner", filters[0].Value)
	assert.Equal(t, []DomainMatcher{Domain("example.com")}, filters[0].Domains)

	assert.Equal(t, Remove, filters[1].Action)
	assert.Equal(t, []DomainMatcher{Domain("shop.example.com")}, filters[1].Domains)

	filters, err = ParseLine("google.*#@#.ad-banner")
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, Remove, filters[0].Action)
	assert.Equal(t, []DomainMatcher{DomainEntity("google")}, filters[0].Domains)
}

func TestParseLineScriptlet(t *testing.T) {
	filters, err := ParseLine(`example.com##+js(set-constant, ads\, tracking, true)`)
	require.NoError(t, err)
	require.Len(t, filters, 1)

	f := filters[0]
	assert.Equal(t, Scriptlet, f.Kind)
	assert.Equal(t, "set-constant.js", f.Name)
	assert.Equal(t, []string{"ads, tracking", "true"}, f.Args)
	assert.Equal(t, "set-constant.js(ads, tracking, true)", f.Value)

	filters, err = ParseLine("example.com#@#+js()")
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, Remove, filters[0].Action)
	assert.Empty(t, filters[0].Value)

	_, err = ParseLine("example.com##+js()")
	assert.Error(t, err)
	_, err = ParseLine("example.com##+js(abort")
	assert.Error(t, err)
}

func TestParseLineSkips(t *testing.T) {
	for _, line := range []string{"", "! comment", "[Adblock Plus 2.0]", "||ads.example.com^", "@@||example.com^"} {
		filters, err := ParseLine(line)
		assert.NoError(t, err, line)
		assert.Nil(t, filters, line)
	}

	for _, line := range []string{
		"##.generic-ad",
		"~example.com##.ad",
		"example.com#?#div:has-text(Sponsored)",
		"example.com##div:has(> .ad)",
		"example.com##^script:has-text(ads)",
		"example.com#$#body { background: none; }",
		"example.com##+js:not-a-scriptlet",
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrUnsupported, line)
	}

	_, err := ParseLine("exa*mple.com##.ad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
}

func TestParseList(t *testing.T) {
	list := strings.Join([]string{
		"! Title",
		"||ads.example.com^",
		"example.com,~sub.example.com##.ad",
		"##.generic",
		"foo.*##+js(nowebrtc)",
		"bad*domain.com##.x",
	}, "\n")

	filters, stats := ParseList(strings.NewReader(list))
	assert.Len(t, filters, 3)
	assert.Equal(t, ParseStats{Filters: 3, Unsupported: 1, Invalid: 1}, stats)
}
