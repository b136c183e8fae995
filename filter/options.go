package filter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedOption marks rules dropped because of an option this engine
// cannot honor (websocket, popup, ...).
var ErrUnsupportedOption = errors.New("unsupported option")

var (
	// Boolean options understood by the engine (content types are added
	// from contentTypeByName).
	knownFlags = map[string]bool{
		"third-party": true,
		"3p":          true,
		"first-party": true,
		"1p":          true,
		"important":   true,
		"empty":       true,
		"match-case":  true,
	}

	// Options that are part of the grammar but cannot be applied to a
	// single HTTP transaction.
	unsupportedFlags = map[string]bool{
		"websocket":    true,
		"popup":        true,
		"webrtc":       true,
		"ping":         true,
		"other":        true,
		"csp":          true,
		"elemhide":     true,
		"ehide":        true,
		"generichide":  true,
		"ghide":        true,
		"genericblock": true,
		"badfilter":    true,
		"all":          true,
	}

	valueOptions = map[string]bool{
		"domain":         true,
		"csp":            true,
		"redirect-param": true,
		"ask-param":      true,
	}

	unsupportedValueOptions = map[string]bool{
		"redirect":      true,
		"redirect-rule": true,
		"removeparam":   true,
		"rewrite":       true,
		"replace":       true,
		"denyallow":     true,
		"header":        true,
		"permissions":   true,
		"sitekey":       true,
	}
)

// ruleOptions is the parsed form of a "$opt1,opt2" suffix.
type ruleOptions struct {
	thirdParty    *bool
	whitelist     []string
	blacklist     []string
	include       []ContentType
	exclude       []ContentType
	csp           string
	important     bool
	empty         bool
	redirectParam string
	askParam      string
}

func splitOptionName(item string) (name, value string, hasValue, negated bool) {
	item = strings.TrimSpace(item)
	if strings.HasPrefix(item, "~") {
		negated = true
		item = item[1:]
	}
	if i := strings.IndexByte(item, '='); i >= 0 {
		return strings.ToLower(item[:i]), item[i+1:], true, negated
	}
	return strings.ToLower(item), "", false, negated
}

// isOptionList reports whether s is entirely made of recognized options.
// When it is not, the '$' it followed is part of the pattern.
func isOptionList(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, item := range strings.Split(s, ",") {
		name, _, hasValue, _ := splitOptionName(item)
		if name == "" {
			return false
		}
		if hasValue {
			if !valueOptions[name] && !unsupportedValueOptions[name] {
				return false
			}
			continue
		}
		if knownFlags[name] || unsupportedFlags[name] {
			continue
		}
		if _, ok := ParseContentType(name); ok {
			continue
		}
		return false
	}
	return true
}

// parseOptions assumes isOptionList(s) is true.
func parseOptions(s string) (*ruleOptions, error) {
	opts := &ruleOptions{}
	for _, item := range strings.Split(s, ",") {
		name, value, hasValue, negated := splitOptionName(item)

		if hasValue {
			if unsupportedValueOptions[name] {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedOption, name)
			}
			if negated {
				return nil, fmt.Errorf("option %q cannot be negated", name)
			}
			if err := opts.setValue(name, value); err != nil {
				return nil, err
			}
			continue
		}

		if unsupportedFlags[name] {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOption, name)
		}

		switch name {
		case "third-party", "3p":
			v := !negated
			opts.thirdParty = &v
		case "first-party", "1p":
			v := negated
			opts.thirdParty = &v
		case "important":
			opts.important = true
		case "empty":
			opts.empty = true
		case "match-case":
			// patterns are always compiled case-insensitively
		default:
			t, _ := ParseContentType(name)
			if negated {
				opts.exclude = append(opts.exclude, t)
			} else {
				opts.include = append(opts.include, t)
			}
		}
	}
	return opts, nil
}

func (o *ruleOptions) setValue(name, value string) error {
	value = strings.TrimSpace(value)
	switch name {
	case "domain":
		for _, d := range strings.Split(value, "|") {
			d = strings.TrimSpace(d)
			switch {
			case d == "" || d == "~":
				continue
			case strings.HasPrefix(d, "~"):
				o.blacklist = append(o.blacklist, d[1:])
			default:
				o.whitelist = append(o.whitelist, d)
			}
		}
		if len(o.whitelist) == 0 && len(o.blacklist) == 0 {
			return errors.New("empty domain option")
		}
	case "csp":
		if value == "" {
			return fmt.Errorf("%w: csp without policy", ErrUnsupportedOption)
		}
		o.csp = value
	case "redirect-param":
		if value == "" {
			return errors.New("empty redirect-param")
		}
		o.redirectParam = value
	case "ask-param":
		if value == "" {
			return errors.New("empty ask-param")
		}
		o.askParam = value
	}
	return nil
}
