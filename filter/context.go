package filter

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"icapfilter/internal/util"
)

// Outcome is the decision reported for a transaction.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomePass
	OutcomeBlock
	OutcomeRedirect
	OutcomeAsk
	OutcomeNoContent
	OutcomeSetCSP
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "no_decision"
	case OutcomePass:
		return "pass"
	case OutcomeBlock:
		return "block"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeAsk:
		return "ask"
	case OutcomeNoContent:
		return "no_content"
	case OutcomeSetCSP:
		return "set_csp_header"
	default:
		return "unknown"
	}
}

// Result is the decision of a rule, list or store.
type Result struct {
	Outcome Outcome
	Decider *Rule
	// Value is the redirect target or the CSP policy.
	Value string
}

// NoDecision never carries a decider.
var NoDecision = Result{}

func (r Result) Decided() bool {
	return r.Outcome != OutcomeNone
}

// Direction tells whether the transaction carries a request or a response.
type Direction uint8

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

// TransactionContext is the read-only view of one HTTP exchange the filter
// engine works on.
type TransactionContext interface {
	URL() string
	Hostname() string
	Referrer() string
	ReferrerHostname() string
	Accept() string
	ThirdParty() bool
	Direction() Direction
}

// DecisionSink records decisions, e.g. for statistics.
type DecisionSink interface {
	Record(ctx TransactionContext, res Result)
}

// Context is the default TransactionContext implementation.
type Context struct {
	url              string
	lowerURL         string
	hostname         string
	referrer         string
	referrerHostname string
	accept           string
	thirdParty       bool
	direction        Direction
}

// NewContext builds a context from raw header values. Unparseable URLs yield
// an empty hostname, which no domain rule matches.
func NewContext(rawURL, referrer, accept string, dir Direction) *Context {
	c := &Context{
		url:       rawURL,
		lowerURL:  strings.ToLower(rawURL),
		hostname:  hostnameOf(rawURL),
		referrer:  referrer,
		accept:    accept,
		direction: dir,
	}
	if referrer != "" {
		c.referrerHostname = hostnameOf(referrer)
		c.thirdParty = isThirdParty(c.hostname, c.referrerHostname)
	}
	return c
}

func (c *Context) URL() string              { return c.url }
func (c *Context) Hostname() string         { return c.hostname }
func (c *Context) Referrer() string         { return c.referrer }
func (c *Context) ReferrerHostname() string { return c.referrerHostname }
func (c *Context) Accept() string           { return c.accept }
func (c *Context) ThirdParty() bool         { return c.thirdParty }
func (c *Context) Direction() Direction     { return c.direction }

func hostnameOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return util.NormalizeDomain(u.Hostname())
}

// isThirdParty compares registrable domains (eTLD+1). IP literals and hosts
// without a registrable domain are compared verbatim.
func isThirdParty(host, referrerHost string) bool {
	if host == "" || referrerHost == "" {
		return false
	}
	return registrableDomain(host) != registrableDomain(referrerHost)
}

func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// lowerURLOf avoids lowercasing again for contexts built by NewContext.
func lowerURLOf(ctx TransactionContext) string {
	if c, ok := ctx.(*Context); ok {
		return c.lowerURL
	}
	return strings.ToLower(ctx.URL())
}
