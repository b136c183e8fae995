package filter

import "icapfilter/internal/util"

// referrerList limits a rule to (or excludes it from) pages on given domains.
// Membership is "equal to or a subdomain of" a listed domain.
type referrerList struct {
	whitelist []string
	blacklist []string
}

func newReferrerList(whitelist, blacklist []string) *referrerList {
	l := &referrerList{
		whitelist: normalizeAll(whitelist),
		blacklist: normalizeAll(blacklist),
	}
	if len(l.whitelist) == 0 && len(l.blacklist) == 0 {
		return nil
	}
	return l
}

func normalizeAll(domains []string) []string {
	var out []string
	for _, d := range domains {
		if d = util.NormalizeDomain(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// excludes reports whether the referrer hostname rules the rule out.
func (l *referrerList) excludes(referrerHost string) bool {
	if len(l.whitelist) > 0 && (referrerHost == "" || !memberOf(referrerHost, l.whitelist)) {
		return true
	}
	return referrerHost != "" && memberOf(referrerHost, l.blacklist)
}

func memberOf(host string, domains []string) bool {
	for _, d := range domains {
		if util.IsSubdomainOrEqual(host, d) {
			return true
		}
	}
	return false
}
