package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"icapfilter/internal/util"
)

// Priority orders rules. Lower values take precedence.
type Priority uint8

const (
	Highest Priority = iota
	High
	Medium
	Low
	Default
)

var priorityNames = [...]string{"highest", "high", "medium", "low", "default"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", p)
}

// Raise returns the next higher precedence, saturating at Highest.
func (p Priority) Raise() Priority {
	if p == Highest {
		return Highest
	}
	return p - 1
}

// ParsePriority accepts the lowercase names used in configuration files.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	return Default, fmt.Errorf("unknown priority %q", s)
}

// Action is what a rule does once it matched.
type Action uint8

const (
	ActionPass Action = iota
	ActionBlock
	ActionRedirect
	ActionAsk
	ActionNoContent
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	case ActionAsk:
		return "ask"
	case ActionNoContent:
		return "no_content"
	default:
		return fmt.Sprintf("action(%d)", a)
	}
}

// MatchType selects how MatchString is compared against a transaction.
type MatchType uint8

const (
	MatchRegex MatchType = iota
	MatchDomain
	MatchStartsWith
	MatchEndsWith
	MatchEquals
	MatchContains
)

func (m MatchType) String() string {
	switch m {
	case MatchRegex:
		return "regex"
	case MatchDomain:
		return "domain"
	case MatchStartsWith:
		return "startswith"
	case MatchEndsWith:
		return "endswith"
	case MatchEquals:
		return "equals"
	case MatchContains:
		return "contains"
	default:
		return fmt.Sprintf("match(%d)", m)
	}
}

// RuleConfig carries the optional attributes of a rule. Zero values mean
// "not set"; NewRule validates the combination.
type RuleConfig struct {
	Priority    Priority
	Definition  string
	Action      Action
	Domain      string
	MatchType   MatchType
	MatchString string

	// ThirdParty restricts the rule to cross-site (true) or same-site (false)
	// requests. nil means both.
	ThirdParty *bool

	// Referrer hostnames the rule is limited to, or excluded from.
	ReferrerWhitelist []string
	ReferrerBlacklist []string

	ContentTypes         []ContentType
	ExcludedContentTypes []ContentType

	// RedirectParam names the query parameter carrying the target of a
	// REDIRECT or ASK rule.
	RedirectParam string
	CSP           string
}

// Rule is a compiled, immutable filter rule.
type Rule struct {
	priority      Priority
	definition    string
	action        Action
	domain        string
	matchType     MatchType
	matchString   string
	pattern       *regexp.Regexp
	thirdParty    *bool
	referrers     *referrerList
	include       *contentTypeMatcher
	exclude       *contentTypeMatcher
	redirectParam string
	csp           string
}

var errInvalidRule = errors.New("invalid rule")

// NewRule validates cfg and compiles it into a Rule.
func NewRule(cfg RuleConfig) (*Rule, error) {
	if cfg.Definition == "" {
		return nil, fmt.Errorf("%w: empty definition", errInvalidRule)
	}
	if cfg.Priority > Default {
		return nil, fmt.Errorf("%w: unknown priority %d", errInvalidRule, cfg.Priority)
	}
	if cfg.Action > ActionNoContent {
		return nil, fmt.Errorf("%w: unknown action %d", errInvalidRule, cfg.Action)
	}

	r := &Rule{
		priority:      cfg.Priority,
		definition:    cfg.Definition,
		action:        cfg.Action,
		domain:        util.NormalizeDomain(cfg.Domain),
		matchType:     cfg.MatchType,
		redirectParam: cfg.RedirectParam,
		csp:           cfg.CSP,
	}

	switch cfg.MatchType {
	case MatchRegex:
		re, err := regexp.Compile(cfg.MatchString)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", errInvalidRule, cfg.Definition, err)
		}
		r.pattern = re
		r.matchString = cfg.MatchString
	case MatchDomain:
		if r.domain == "" {
			r.domain = util.NormalizeDomain(cfg.MatchString)
		}
		if r.domain == "" {
			return nil, fmt.Errorf("%w: domain rule %q without domain", errInvalidRule, cfg.Definition)
		}
		r.matchString = r.domain
	case MatchStartsWith, MatchEndsWith, MatchEquals, MatchContains:
		r.matchString = strings.ToLower(cfg.MatchString)
	default:
		return nil, fmt.Errorf("%w: unknown match type %d", errInvalidRule, cfg.MatchType)
	}

	if (cfg.Action == ActionRedirect || cfg.Action == ActionAsk) && cfg.RedirectParam == "" {
		return nil, fmt.Errorf("%w: %s rule %q needs a parameter name", errInvalidRule, cfg.Action, cfg.Definition)
	}

	if cfg.ThirdParty != nil {
		v := *cfg.ThirdParty
		r.thirdParty = &v
	}
	r.referrers = newReferrerList(cfg.ReferrerWhitelist, cfg.ReferrerBlacklist)

	var err error
	if r.include, err = newContentTypeMatcher(cfg.ContentTypes); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errInvalidRule, cfg.Definition, err)
	}
	if r.exclude, err = newContentTypeMatcher(cfg.ExcludedContentTypes); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errInvalidRule, cfg.Definition, err)
	}

	return r, nil
}

func (r *Rule) Priority() Priority     { return r.priority }
func (r *Rule) Definition() string     { return r.definition }
func (r *Rule) Action() Action         { return r.action }
func (r *Rule) Domain() string         { return r.domain }
func (r *Rule) MatchType() MatchType   { return r.matchType }
func (r *Rule) MatchString() string    { return r.matchString }
func (r *Rule) RedirectParam() string  { return r.redirectParam }
func (r *Rule) CSP() string            { return r.csp }
func (r *Rule) ResponseOnly() bool     { return r.csp != "" }
func (r *Rule) HasReferrerLists() bool { return r.referrers != nil }

// ThirdParty reports the third-party restriction; ok is false when the rule
// applies regardless of it.
func (r *Rule) ThirdParty() (value, ok bool) {
	if r.thirdParty == nil {
		return false, false
	}
	return *r.thirdParty, true
}

func (r *Rule) String() string {
	return r.definition
}

// RuleList is an ordered, immutable list of rules. The first rule producing
// a decision wins.
type RuleList []*Rule

// Evaluate returns the first decision of the list, or NoDecision.
func (l RuleList) Evaluate(ctx TransactionContext) Result {
	for _, r := range l {
		if res := r.Evaluate(ctx); res.Decided() {
			return res
		}
	}
	return NoDecision
}

// Resolver looks up the canonical rule for a definition.
type Resolver interface {
	Resolve(definition string) (*Rule, bool)
}

// Resolvers tries each resolver in turn.
type Resolvers []Resolver

func (rs Resolvers) Resolve(definition string) (*Rule, bool) {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if rule, ok := r.Resolve(definition); ok {
			return rule, true
		}
	}
	return nil, false
}
