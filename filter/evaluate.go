package filter

import (
	"net/url"
	"strings"
)

// Evaluate decides ctx against this rule alone. Rules carrying a CSP payload
// only apply to responses; all other rules only apply to requests.
func (r *Rule) Evaluate(ctx TransactionContext) Result {
	if r.ResponseOnly() != (ctx.Direction() == DirectionResponse) {
		return NoDecision
	}

	if r.thirdParty != nil && ctx.Referrer() != "" && *r.thirdParty != ctx.ThirdParty() {
		return NoDecision
	}

	if r.referrers != nil && r.referrers.excludes(ctx.ReferrerHostname()) {
		return NoDecision
	}

	if r.include != nil && !r.include.matches(ctx) {
		return NoDecision
	}
	if r.exclude != nil && r.exclude.matches(ctx) {
		return NoDecision
	}

	if !r.matches(ctx) {
		return NoDecision
	}

	return r.outcome(ctx)
}

func (r *Rule) matches(ctx TransactionContext) bool {
	switch r.matchType {
	case MatchRegex:
		return r.pattern.MatchString(ctx.URL())
	case MatchDomain:
		host := ctx.Hostname()
		if host == r.domain {
			return true
		}
		return len(host) > len(r.domain) &&
			strings.HasSuffix(host, r.domain) &&
			host[len(host)-len(r.domain)-1] == '.'
	case MatchStartsWith:
		return strings.HasPrefix(lowerURLOf(ctx), r.matchString)
	case MatchEndsWith:
		return strings.HasSuffix(lowerURLOf(ctx), r.matchString)
	case MatchEquals:
		return lowerURLOf(ctx) == r.matchString
	case MatchContains:
		return strings.Contains(lowerURLOf(ctx), r.matchString)
	}
	return false
}

func (r *Rule) outcome(ctx TransactionContext) Result {
	switch r.action {
	case ActionPass:
		return Result{Outcome: OutcomePass, Decider: r}
	case ActionBlock:
		if r.csp != "" {
			return Result{Outcome: OutcomeSetCSP, Decider: r, Value: r.csp}
		}
		return Result{Outcome: OutcomeBlock, Decider: r}
	case ActionNoContent:
		return Result{Outcome: OutcomeNoContent, Decider: r}
	case ActionRedirect, ActionAsk:
		target := queryParam(ctx.URL(), r.redirectParam)
		if target == "" {
			return NoDecision
		}
		outcome := OutcomeRedirect
		if r.action == ActionAsk {
			outcome = OutcomeAsk
		}
		return Result{Outcome: outcome, Decider: r, Value: target}
	}
	return NoDecision
}

func queryParam(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}
