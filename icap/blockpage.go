package icap

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// BlockPageData is passed to the block page template.
type BlockPageData struct {
	URL       string
	Host      string
	Rule      string
	Timestamp string
}

const defaultBlockPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Blocked</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f4f5f7; color: #333; }
.box { max-width: 560px; margin: 10vh auto; background: #fff; border-radius: 8px; padding: 32px 40px; box-shadow: 0 4px 16px rgba(0,0,0,.08); }
h1 { font-size: 22px; margin-top: 0; color: #c0392b; }
dt { color: #888; font-size: 13px; margin-top: 12px; }
dd { margin: 2px 0 0; word-break: break-all; font-size: 14px; }
</style>
</head>
<body>
<div class="box">
<h1>This content has been blocked</h1>
<dl>
<dt>URL</dt><dd>{{.URL}}</dd>
<dt>Rule</dt><dd><code>{{.Rule}}</code></dd>
<dt>Time</dt><dd>{{.Timestamp}}</dd>
</dl>
</div>
</body>
</html>`

// BlockPage renders the HTML served for blocked documents.
type BlockPage struct {
	tmpl *template.Template
}

func NewBlockPage() *BlockPage {
	return &BlockPage{tmpl: template.Must(template.New("block").Parse(defaultBlockPage))}
}

// LoadBlockPage reads a custom template; an empty path gives the default page.
func LoadBlockPage(path string) (*BlockPage, error) {
	if path == "" {
		return NewBlockPage(), nil
	}
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("load block page %s: %w", path, err)
	}
	return &BlockPage{tmpl: tmpl}, nil
}

func (p *BlockPage) Render(url, host, rule string) ([]byte, error) {
	var b bytes.Buffer
	err := p.tmpl.Execute(&b, BlockPageData{
		URL:       url,
		Host:      host,
		Rule:      rule,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	return b.Bytes(), err
}
