package util

import (
	"strings"

	"github.com/miekg/dns"
)

// NormalizeDomain 规范化域名
func NormalizeDomain(domain string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// IsValidDomain reports whether domain is a syntactically valid host name with
// at least two labels. Wildcards are not accepted.
func IsValidDomain(domain string) bool {
	domain = NormalizeDomain(domain)
	if domain == "" || len(domain) > 253 || strings.ContainsAny(domain, "*_ ") {
		return false
	}
	labels, ok := dns.IsDomainName(domain)
	if !ok || labels < 2 {
		return false
	}
	for _, label := range dns.SplitDomainName(domain) {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
	}
	return true
}

// IsHostnameByte reports whether c may appear in a host name (letters,
// digits, '-', '.', '_'). '*' is accepted so wildcard domains survive
// extraction.
func IsHostnameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '*':
		return true
	}
	return false
}

// ReverseDomain turns "sub.example.com" into "com.example.sub." so that every
// parent domain is a byte prefix ending on a label boundary. Used as the key
// of the radix tree indexes.
func ReverseDomain(domain string) string {
	labels := dns.SplitDomainName(NormalizeDomain(domain))
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(domain) + 1)
	for i := len(labels) - 1; i >= 0; i-- {
		b.WriteString(labels[i])
		b.WriteByte('.')
	}
	return b.String()
}

// UnreverseDomain turns a ReverseDomain key back into a hostname.
func UnreverseDomain(key string) string {
	return strings.TrimSuffix(ReverseDomain(key), ".")
}

// IsSubdomainOrEqual reports whether host equals domain or is one of its
// subdomains. Both values must already be normalized.
func IsSubdomainOrEqual(host, domain string) bool {
	if host == domain {
		return true
	}
	return len(host) > len(domain) &&
		strings.HasSuffix(host, domain) &&
		host[len(host)-len(domain)-1] == '.'
}
