package content

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"

	"icapfilter/internal/util"
)

// DomainMatcher decides whether a filter scoped to a domain applies to a
// hostname.
type DomainMatcher interface {
	Matches(hostname string) bool
	String() string
}

// Domain matches the domain itself and all of its subdomains.
type Domain string

func (d Domain) Matches(hostname string) bool {
	return util.IsSubdomainOrEqual(util.NormalizeDomain(hostname), string(d))
}

func (d Domain) String() string { return string(d) }

// DomainEntity is the "name.*" form: name followed by exactly one public
// suffix, with any subdomains in front of it.
type DomainEntity string

func (e DomainEntity) Matches(hostname string) bool {
	host := util.NormalizeDomain(hostname)
	suffix, icann := publicsuffix.PublicSuffix(host)
	// unknown TLDs fall through the default "*" rule; only accept real ones
	if !icann && !strings.Contains(suffix, ".") {
		return false
	}
	if len(host) <= len(suffix)+1 {
		return false
	}
	rest := host[:len(host)-len(suffix)-1]
	name := string(e)
	return rest == name || strings.HasSuffix(rest, "."+name)
}

func (e DomainEntity) String() string { return string(e) + ".*" }

// NewDomainMatcher parses "example.com" into a Domain and "example.*" into a
// DomainEntity. Any other use of a wildcard is rejected.
func NewDomainMatcher(s string) (DomainMatcher, error) {
	s = util.NormalizeDomain(s)
	if s == "" {
		return nil, fmt.Errorf("empty domain")
	}

	if name, ok := strings.CutSuffix(s, ".*"); ok {
		if name == "" || strings.Contains(name, "*") {
			return nil, fmt.Errorf("invalid domain entity %q", s)
		}
		if _, ok := dns.IsDomainName(name); !ok {
			return nil, fmt.Errorf("invalid domain entity %q", s)
		}
		return DomainEntity(name), nil
	}

	if strings.Contains(s, "*") {
		return nil, fmt.Errorf("unsupported wildcard in domain %q", s)
	}
	if _, ok := dns.IsDomainName(s); !ok {
		return nil, fmt.Errorf("invalid domain %q", s)
	}
	return Domain(s), nil
}
