package content

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TemplateResolver resolves scriptlets from a resource file in the
// uBlock Origin format:
//
//	/// set-constant.js
//	/// alias set.js
//	(function() { const name = '{{1}}'; ... })();
//
// Placeholders {{1}}..{{n}} are replaced by the JavaScript-escaped
// arguments; placeholders without an argument are left as they are.
type TemplateResolver struct {
	templates map[string]string
}

// LoadTemplates reads a resource file from disk.
func LoadTemplates(path string) (*TemplateResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scriptlet resources: %w", err)
	}
	defer f.Close()
	return ParseTemplates(f)
}

func ParseTemplates(r io.Reader) (*TemplateResolver, error) {
	t := &TemplateResolver{templates: make(map[string]string)}

	var (
		names []string
		body  []string
	)
	flush := func() {
		if len(names) == 0 {
			return
		}
		text := strings.TrimRight(strings.Join(body, "\n"), "\n ")
		for _, n := range names {
			t.templates[n] = text
		}
		names, body = nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if header, ok := strings.CutPrefix(line, "/// "); ok {
			header = strings.TrimSpace(header)
			if alias, ok := strings.CutPrefix(header, "alias "); ok {
				if len(names) > 0 {
					names = append(names, scriptletName(strings.TrimSpace(alias)))
				}
				continue
			}
			flush()
			names = []string{scriptletName(header)}
			continue
		}
		if len(names) == 0 {
			continue
		}
		body = append(body, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read scriptlet resources: %w", err)
	}
	flush()
	return t, nil
}

func (t *TemplateResolver) Len() int {
	return len(t.templates)
}

func (t *TemplateResolver) Resolve(name string, args []string) (string, error) {
	tmpl, ok := t.templates[scriptletName(name)]
	if !ok {
		return "", fmt.Errorf("unknown scriptlet %q", name)
	}
	if len(args) == 0 {
		return tmpl, nil
	}

	pairs := make([]string, 0, 2*len(args))
	for i, arg := range args {
		pairs = append(pairs, "{{"+strconv.Itoa(i+1)+"}}", jsEscaper.Replace(arg))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl), nil
}

var jsEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"`", "\\`",
	"\n", `\n`,
	"\r", `\r`,
	"<", `\x3C`,
)
