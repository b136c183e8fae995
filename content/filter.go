package content

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"icapfilter/logger"
)

// Kind tells what a content filter injects.
type Kind uint8

const (
	ElementHiding Kind = iota
	Scriptlet
)

func (k Kind) String() string {
	if k == Scriptlet {
		return "scriptlet"
	}
	return "element-hiding"
}

// Action is ADD for "##" and REMOVE for "#@#" or a "~domain" entry.
type Action uint8

const (
	Add Action = iota
	Remove
)

// Filter is one element hiding or scriptlet filter scoped to a domain list.
// For element hiding Value is the CSS selector. For scriptlets Value is the
// canonical invocation "name.js(arg1, arg2)"; an empty Value on a REMOVE
// scriptlet filter cancels every scriptlet of the domain.
type Filter struct {
	Kind    Kind
	Action  Action
	Domains []DomainMatcher
	Value   string

	Name string
	Args []string
}

// AppliesTo reports whether any of the filter domains matches hostname.
func (f *Filter) AppliesTo(hostname string) bool {
	for _, d := range f.Domains {
		if d.Matches(hostname) {
			return true
		}
	}
	return false
}

var (
	// ErrUnsupported marks cosmetic syntax this engine does not implement:
	// generic filters, procedural selectors, HTML filters and AdGuard
	// extensions.
	ErrUnsupported = errors.New("unsupported cosmetic filter")

	errInvalidFilter = errors.New("invalid cosmetic filter")
)

var unsupportedMarkers = []string{"#?#", "#@?#", "#$#", "#@$#", "#%#", "#@%#", "$$", "$@$"}

var proceduralOperators = []string{
	":has(", ":has-text(", ":-abp-", ":matches-css", ":matches-path(", ":matches-attr(",
	":matches-prop(", ":min-text-length(", ":not(:has", ":others(", ":remove(",
	":remove-attr(", ":remove-class(", ":style(", ":upward(", ":watch-attr(", ":xpath(",
}

// ParseLine parses one filter-list line. Lines that are not element hiding or
// scriptlet filters yield nil, nil.
func ParseLine(line string) ([]*Filter, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '!' || line[0] == '[' {
		return nil, nil
	}
	for _, m := range unsupportedMarkers {
		if strings.Contains(line, m) {
			return nil, ErrUnsupported
		}
	}

	action := Add
	sep := strings.Index(line, "##")
	width := 2
	if i := strings.Index(line, "#@#"); i >= 0 && (sep < 0 || i < sep) {
		sep, width, action = i, 3, Remove
	}
	if sep < 0 {
		return nil, nil
	}

	domains, body := line[:sep], strings.TrimSpace(line[sep+width:])
	if body == "" {
		return nil, fmt.Errorf("%w: empty selector in %q", errInvalidFilter, line)
	}

	kind, name, args, value, err := parseBody(body, action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, line)
	}

	include, exclude, err := parseDomains(domains)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFilter, err)
	}
	if len(include) == 0 {
		// generic filters would apply to every page
		return nil, ErrUnsupported
	}

	build := func(a Action, ds []DomainMatcher) *Filter {
		return &Filter{Kind: kind, Action: a, Domains: ds, Value: value, Name: name, Args: args}
	}
	filters := []*Filter{build(action, include)}
	if len(exclude) > 0 && action == Add {
		filters = append(filters, build(Remove, exclude))
	}
	return filters, nil
}

func parseBody(body string, action Action) (Kind, string, []string, string, error) {
	if strings.HasPrefix(body, "+js(") {
		if !strings.HasSuffix(body, ")") {
			return 0, "", nil, "", fmt.Errorf("%w: unterminated scriptlet", errInvalidFilter)
		}
		parts := splitArgs(body[len("+js(") : len(body)-1])
		if len(parts) == 0 || parts[0] == "" {
			if action == Remove {
				return Scriptlet, "", nil, "", nil
			}
			return 0, "", nil, "", fmt.Errorf("%w: scriptlet without name", errInvalidFilter)
		}
		name := scriptletName(parts[0])
		args := parts[1:]
		return Scriptlet, name, args, name + "(" + strings.Join(args, ", ") + ")", nil
	}

	if body[0] == '+' || body[0] == '^' {
		return 0, "", nil, "", ErrUnsupported
	}
	lower := strings.ToLower(body)
	for _, op := range proceduralOperators {
		if strings.Contains(lower, op) {
			return 0, "", nil, "", ErrUnsupported
		}
	}
	return ElementHiding, "", nil, body, nil
}

// splitArgs splits a scriptlet argument list on commas not escaped by a
// backslash.
func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == ',':
			cur.WriteByte(',')
			i++
		case s[i] == ',':
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(parts, strings.TrimSpace(cur.String()))
}

func scriptletName(name string) string {
	name = strings.Trim(name, `"'`)
	if !strings.HasSuffix(name, ".js") {
		name += ".js"
	}
	return name
}

func parseDomains(s string) (include, exclude []DomainMatcher, err error) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		negated := strings.HasPrefix(part, "~")
		m, err := NewDomainMatcher(strings.TrimPrefix(part, "~"))
		if err != nil {
			return nil, nil, err
		}
		if negated {
			exclude = append(exclude, m)
		} else {
			include = append(include, m)
		}
	}
	return include, exclude, nil
}

// ParseStats summarizes one ParseList run.
type ParseStats struct {
	Filters     int `json:"filters"`
	Unsupported int `json:"unsupported"`
	Invalid     int `json:"invalid"`
}

// ParseList reads every element hiding and scriptlet filter of r. Network
// rules are left to the filter package.
func ParseList(r io.Reader) ([]*Filter, ParseStats) {
	var (
		filters []*Filter
		stats   ParseStats
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		fs, err := ParseLine(scanner.Text())
		switch {
		case errors.Is(err, ErrUnsupported):
			stats.Unsupported++
		case err != nil:
			stats.Invalid++
			logger.Warnf("[Content] Skipping filter: %v", err)
		default:
			filters = append(filters, fs...)
			stats.Filters += len(fs)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("[Content] Filter list read stopped: %v", err)
	}
	return filters, stats
}
