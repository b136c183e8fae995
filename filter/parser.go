package filter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"icapfilter/internal/util"
	"icapfilter/logger"
)

const (
	// separatorClass is what '^' stands for: anything but a letter, digit or
	// one of "_-.%", or the end of the URL.
	separatorClass = `(?:[^a-zA-Z0-9_.%-]|$)`

	// domainAnchorPrefix replaces "||": any scheme of http(s), any number of
	// subdomains.
	domainAnchorPrefix = `^https?://([^/?#]*\.)?`

	maxLineLength = 1 << 20
)

var errEmptyPattern = errors.New("empty pattern")

// cosmeticMarkers separate the domain part from the body of element hiding,
// scriptlet and HTML filters.
var cosmeticMarkers = []string{"##", "#@#", "#?#", "#@?#", "#$#", "#@$#", "#%#", "#@%#", "$$", "$@$"}

// IsCosmetic reports whether line is an element hiding or scriptlet filter.
func IsCosmetic(line string) bool {
	for _, m := range cosmeticMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func isIgnorable(line string) bool {
	switch {
	case line == "":
		return true
	case line[0] == '!', line[0] == '#':
		return true
	case line[0] == '[' && line[len(line)-1] == ']':
		return true
	}
	return IsCosmetic(line)
}

// Parser turns filter list lines into rules of one priority.
type Parser struct {
	Priority Priority
}

// ParseStats counts what ParseList did with each line.
type ParseStats struct {
	Lines       int `json:"lines"`
	Rules       int `json:"rules"`
	Ignored     int `json:"ignored"`
	Unsupported int `json:"unsupported"`
	Invalid     int `json:"invalid"`
}

// Parse converts one line. It returns nil, nil for comments, titles, empty
// lines and cosmetic filters.
func (p *Parser) Parse(line string) (*Rule, error) {
	line = strings.TrimSpace(line)
	if isIgnorable(line) {
		return nil, nil
	}

	cfg := RuleConfig{
		Definition: line,
		Priority:   p.Priority,
		Action:     ActionBlock,
	}

	body := line
	if strings.HasPrefix(body, "@@") {
		cfg.Action = ActionPass
		cfg.Priority = p.Priority.Raise()
		body = body[2:]
	}

	var opts *ruleOptions
	if i := strings.LastIndexByte(body, '$'); i >= 0 && isOptionList(body[i+1:]) {
		var err error
		if opts, err = parseOptions(body[i+1:]); err != nil {
			return nil, fmt.Errorf("rule %q: %w", line, err)
		}
		body = body[:i]
		opts.apply(&cfg)
	}

	if err := compilePattern(body, &cfg, opts != nil); err != nil {
		return nil, fmt.Errorf("rule %q: %w", line, err)
	}

	return NewRule(cfg)
}

func (o *ruleOptions) apply(cfg *RuleConfig) {
	cfg.ThirdParty = o.thirdParty
	cfg.ReferrerWhitelist = o.whitelist
	cfg.ReferrerBlacklist = o.blacklist
	cfg.ContentTypes = o.include
	cfg.ExcludedContentTypes = o.exclude
	cfg.CSP = o.csp

	if o.important {
		cfg.Priority = Highest
	}
	if cfg.Action != ActionBlock {
		return
	}
	switch {
	case o.redirectParam != "":
		cfg.Action = ActionRedirect
		cfg.RedirectParam = o.redirectParam
	case o.askParam != "":
		cfg.Action = ActionAsk
		cfg.RedirectParam = o.askParam
	case o.empty:
		cfg.Action = ActionNoContent
	}
}

// compilePattern fills MatchType, MatchString and Domain from the pattern
// part of a rule.
func compilePattern(body string, cfg *RuleConfig, hasOptions bool) error {
	if body == "" || body == "*" {
		if !hasOptions {
			return errEmptyPattern
		}
		// "$third-party,script" and friends apply to every URL
		cfg.MatchType = MatchContains
		cfg.MatchString = ""
		return nil
	}

	if len(body) > 2 && body[0] == '/' && body[len(body)-1] == '/' {
		cfg.MatchType = MatchRegex
		cfg.MatchString = "(?i)" + body[1:len(body)-1]
		return nil
	}

	s := body
	var domainAnchor, startAnchor, endAnchor bool
	switch {
	case strings.HasPrefix(s, "||"):
		domainAnchor = true
		s = s[2:]
	case strings.HasPrefix(s, "|"):
		startAnchor = true
		s = s[1:]
	}
	if strings.HasSuffix(s, "|") {
		endAnchor = true
		s = s[:len(s)-1]
	}

	if !endAnchor {
		s = strings.TrimSuffix(s, "*")
	}
	if !domainAnchor && !startAnchor {
		s = strings.TrimPrefix(s, "*")
	}
	if s == "" {
		return errEmptyPattern
	}

	if domainAnchor {
		return compileDomainAnchored(s, endAnchor, cfg)
	}

	if strings.ContainsAny(s, "^*") {
		var b strings.Builder
		b.WriteString("(?i)")
		if startAnchor {
			b.WriteByte('^')
		}
		b.WriteString(translateWildcards(s, false))
		if endAnchor {
			b.WriteByte('$')
		}
		cfg.MatchType = MatchRegex
		cfg.MatchString = b.String()
		return nil
	}

	switch {
	case startAnchor && endAnchor:
		cfg.MatchType = MatchEquals
	case startAnchor:
		cfg.MatchType = MatchStartsWith
	case endAnchor:
		cfg.MatchType = MatchEndsWith
	default:
		cfg.MatchType = MatchContains
	}
	cfg.MatchString = s
	return nil
}

func compileDomainAnchored(s string, endAnchor bool, cfg *RuleConfig) error {
	i := 0
	for i < len(s) && util.IsHostnameByte(s[i]) {
		i++
	}
	host := normalizeDomainCandidate(s[:i])
	rest := s[i:]

	if util.IsValidDomain(host) {
		cfg.Domain = host
		if rest == "^" && !endAnchor {
			cfg.MatchType = MatchDomain
			cfg.MatchString = host
			return nil
		}
	}

	var b strings.Builder
	b.WriteString("(?i)")
	b.WriteString(domainAnchorPrefix)
	b.WriteString(translateWildcards(host, true))
	b.WriteString(translateWildcards(rest, false))
	if endAnchor {
		b.WriteByte('$')
	}
	cfg.MatchType = MatchRegex
	cfg.MatchString = b.String()
	return nil
}

// normalizeDomainCandidate lowercases a domain taken from a "||" rule. A bare
// TLD becomes "*.tld" and a trailing dot becomes a wildcard TLD ("name.*").
func normalizeDomainCandidate(candidate string) string {
	d := strings.ToLower(candidate)
	if d == "" {
		return ""
	}
	if strings.HasSuffix(d, ".") {
		return d + "*"
	}
	if !strings.Contains(d, ".") && !strings.Contains(d, "*") {
		return "*." + d
	}
	return d
}

// translateWildcards escapes s for use in a regexp, turning '*' into "any
// sequence" and '^' into the separator class. Inside the host part a '*'
// does not cross the end of the authority.
func translateWildcards(s string, host bool) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	start := 0
	flush := func(end int) {
		if end > start {
			b.WriteString(regexp.QuoteMeta(s[start:end]))
		}
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*':
			flush(i)
			if host {
				b.WriteString(`[^/?#]*`)
			} else {
				b.WriteString(`.*`)
			}
			start = i + 1
		case '^':
			flush(i)
			b.WriteString(separatorClass)
			start = i + 1
		}
	}
	flush(len(s))
	return b.String()
}

// ParseList parses a whole filter list. Bad lines are logged and skipped.
func (p *Parser) ParseList(r io.Reader) ([]*Rule, ParseStats) {
	var (
		rules []*Rule
		stats ParseStats
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		stats.Lines++
		rule, err := p.Parse(scanner.Text())
		switch {
		case errors.Is(err, ErrUnsupportedOption):
			stats.Unsupported++
			logger.Infof("[Parser] Dropping rule: %v", err)
		case err != nil:
			stats.Invalid++
			logger.Warnf("[Parser] Skipping line %d: %v", stats.Lines, err)
		case rule == nil:
			stats.Ignored++
		default:
			stats.Rules++
			rules = append(rules, rule)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("[Parser] Stopped reading filter list after %d lines: %v", stats.Lines, err)
	}

	return rules, stats
}
