package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ContentType is a resource type a rule can be restricted to.
type ContentType uint8

const (
	ContentScript ContentType = iota
	ContentImage
	ContentStylesheet
	ContentDocument
	ContentSubdocument
	ContentObject
	ContentXMLHTTPRequest
	ContentFont
	ContentMedia
)

type contentTypeSpec struct {
	name     string
	aliases  []string
	accept   []string
	suffixes []string
}

var contentTypeSpecs = map[ContentType]contentTypeSpec{
	ContentScript: {
		name:     "script",
		accept:   []string{"application/javascript", "text/javascript", "application/ecmascript"},
		suffixes: []string{"js", "mjs"},
	},
	ContentImage: {
		name:     "image",
		accept:   []string{"image/*", "image/webp", "image/avif", "image/apng"},
		suffixes: []string{"png", "jpg", "jpeg", "gif", "webp", "avif", "svg", "ico", "bmp"},
	},
	ContentStylesheet: {
		name:     "stylesheet",
		aliases:  []string{"css"},
		accept:   []string{"text/css"},
		suffixes: []string{"css"},
	},
	ContentDocument: {
		name:     "document",
		aliases:  []string{"doc"},
		accept:   []string{"text/html", "application/xhtml+xml"},
		suffixes: []string{"html", "htm", "xhtml"},
	},
	ContentSubdocument: {
		name:     "subdocument",
		aliases:  []string{"frame"},
		accept:   []string{"text/html"},
		suffixes: []string{"html", "htm"},
	},
	ContentObject: {
		name:     "object",
		accept:   []string{"application/x-shockwave-flash"},
		suffixes: []string{"swf", "jar"},
	},
	ContentXMLHTTPRequest: {
		name:     "xmlhttprequest",
		aliases:  []string{"xhr"},
		accept:   []string{"application/json"},
		suffixes: []string{"json"},
	},
	ContentFont: {
		name:     "font",
		accept:   []string{"font/*", "font/woff2", "application/font-woff"},
		suffixes: []string{"woff", "woff2", "ttf", "otf", "eot"},
	},
	ContentMedia: {
		name:     "media",
		accept:   []string{"video/*", "audio/*"},
		suffixes: []string{"mp4", "webm", "ogg", "mp3", "m4a", "wav", "m3u8"},
	},
}

var contentTypeByName = func() map[string]ContentType {
	m := make(map[string]ContentType)
	for t, s := range contentTypeSpecs {
		m[s.name] = t
		for _, a := range s.aliases {
			m[a] = t
		}
	}
	return m
}()

func (t ContentType) String() string {
	if s, ok := contentTypeSpecs[t]; ok {
		return s.name
	}
	return fmt.Sprintf("content(%d)", t)
}

// ParseContentType maps an option name like "script" or "xhr".
func ParseContentType(name string) (ContentType, bool) {
	t, ok := contentTypeByName[strings.ToLower(name)]
	return t, ok
}

// contentTypeMatcher matches a set of content types against the Accept
// header and the URL path suffix.
type contentTypeMatcher struct {
	accept *regexp.Regexp
	suffix *regexp.Regexp
}

func newContentTypeMatcher(types []ContentType) (*contentTypeMatcher, error) {
	if len(types) == 0 {
		return nil, nil
	}

	var accept, suffixes []string
	seenAccept := make(map[string]bool)
	seenSuffix := make(map[string]bool)
	for _, t := range types {
		spec, ok := contentTypeSpecs[t]
		if !ok {
			return nil, fmt.Errorf("unknown content type %d", t)
		}
		for _, a := range spec.accept {
			if !seenAccept[a] {
				seenAccept[a] = true
				accept = append(accept, a)
			}
		}
		for _, s := range spec.suffixes {
			if !seenSuffix[s] {
				seenSuffix[s] = true
				suffixes = append(suffixes, s)
			}
		}
	}

	m := &contentTypeMatcher{}
	var err error
	if m.accept, err = compileAcceptPattern(accept); err != nil {
		return nil, err
	}
	if m.suffix, err = compileSuffixPattern(suffixes); err != nil {
		return nil, err
	}
	return m, nil
}

// compileAcceptPattern turns media ranges like "image/*" into one
// alternation. A range is matched literally, so "image/*" only matches an
// Accept header that lists "image/*" itself.
func compileAcceptPattern(ranges []string) (*regexp.Regexp, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(ranges))
	for i, r := range ranges {
		quoted[i] = regexp.QuoteMeta(r)
	}
	sort.Strings(quoted)
	return regexp.Compile(`(?i)(?:^|[,\s])(?:` + strings.Join(quoted, "|") + `)(?:$|[,;\s])`)
}

func compileSuffixPattern(suffixes []string) (*regexp.Regexp, error) {
	if len(suffixes) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(suffixes))
	for i, s := range suffixes {
		quoted[i] = regexp.QuoteMeta(s)
	}
	sort.Strings(quoted)
	return regexp.Compile(`(?i)^[^?]*\.(` + strings.Join(quoted, "|") + `)(\?.*)?$`)
}

func (m *contentTypeMatcher) matches(ctx TransactionContext) bool {
	if m.accept != nil && ctx.Accept() != "" && m.accept.MatchString(ctx.Accept()) {
		return true
	}
	return m.suffix != nil && m.suffix.MatchString(ctx.URL())
}
