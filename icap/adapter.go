package icap

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"icapfilter/filter"
	"icapfilter/logger"
)

// Decider takes the filtering decision for one transaction.
type Decider interface {
	Decide(ctx filter.TransactionContext) filter.Result
}

// Injector renders the markup injected into HTML documents of a host.
type Injector interface {
	Render(hostname string) string
}

// FilterAdapter maps filtering decisions onto HTTP messages.
type FilterAdapter struct {
	decider   Decider
	injector  Injector
	blockPage *BlockPage
	maxBody   int
}

// NewFilterAdapter creates an adapter. injector and blockPage may be nil.
func NewFilterAdapter(decider Decider, injector Injector, blockPage *BlockPage, maxBody int) *FilterAdapter {
	if blockPage == nil {
		blockPage = NewBlockPage()
	}
	return &FilterAdapter{decider: decider, injector: injector, blockPage: blockPage, maxBody: maxBody}
}

func (a *FilterAdapter) Adapt(req *Request) Adaptation {
	switch req.Method {
	case MethodReqmod:
		return a.adaptRequest(req)
	case MethodRespmod:
		return a.adaptResponse(req)
	}
	return Unchanged
}

func (a *FilterAdapter) adaptRequest(req *Request) Adaptation {
	url := req.HostURL()
	if url == "" {
		return Unchanged
	}
	h := req.ReqHeader.Header
	ctx := filter.NewContext(url, h.Get("Referer"), h.Get("Accept"), filter.DirectionRequest)
	res := a.decider.Decide(ctx)

	switch res.Outcome {
	case filter.OutcomeBlock:
		return a.blocked(ctx, res)
	case filter.OutcomeNoContent:
		return httpResponse(http.StatusNoContent, nil, nil)
	case filter.OutcomeRedirect, filter.OutcomeAsk:
		hdr := make(http.Header)
		hdr.Set("Location", res.Value)
		hdr.Set("Cache-Control", "no-store")
		return httpResponse(http.StatusFound, hdr, nil)
	}
	return Unchanged
}

func (a *FilterAdapter) blocked(ctx filter.TransactionContext, res filter.Result) Adaptation {
	if !strings.Contains(strings.ToLower(ctx.Accept()), "text/html") {
		return httpResponse(http.StatusForbidden, nil, nil)
	}
	rule := ""
	if res.Decider != nil {
		rule = res.Decider.Definition()
	}
	page, err := a.blockPage.Render(ctx.URL(), ctx.Hostname(), rule)
	if err != nil {
		logger.Warnf("[ICAP] Block page render failed: %v", err)
		return httpResponse(http.StatusForbidden, nil, nil)
	}
	hdr := make(http.Header)
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Cache-Control", "no-store")
	return httpResponse(http.StatusForbidden, hdr, page)
}

// httpResponse builds a response that replaces the request.
func httpResponse(code int, hdr http.Header, body []byte) Adaptation {
	if hdr == nil {
		hdr = make(http.Header)
	}
	if code != http.StatusNoContent {
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return Adaptation{
		ResHeader:      &HTTPHead{StartLine: "HTTP/1.1 " + strconv.Itoa(code) + " " + http.StatusText(code), Header: hdr},
		Body:           body,
		HasBody:        len(body) > 0,
		ContentChanged: true,
	}
}

func (a *FilterAdapter) adaptResponse(req *Request) Adaptation {
	url := req.HostURL()
	if url == "" || req.ResHeader == nil {
		return Unchanged
	}
	accept := req.ResHeader.Header.Get("Content-Type")
	if accept == "" {
		accept = req.ReqHeader.Header.Get("Accept")
	}
	ctx := filter.NewContext(url, req.ReqHeader.Header.Get("Referer"), accept, filter.DirectionResponse)

	out := Adaptation{ResHeader: req.ResHeader}
	if res := a.decider.Decide(ctx); res.Outcome == filter.OutcomeSetCSP {
		out.ResHeader = out.ResHeader.Clone()
		out.ResHeader.Header.Add("Content-Security-Policy", res.Value)
		out.HeadersChanged = true
	}

	if body, ok := a.inject(req, ctx); ok {
		if !out.HeadersChanged {
			out.ResHeader = out.ResHeader.Clone()
		}
		out.ResHeader.Header.Del("Content-Encoding")
		out.ResHeader.Header.Del("Transfer-Encoding")
		out.ResHeader.Header.Set("Content-Length", strconv.Itoa(len(body)))
		out.Body = body
		out.HasBody = true
		out.ContentChanged = true
	}

	if !out.HeadersChanged && !out.ContentChanged {
		return Unchanged
	}
	return out
}

func (a *FilterAdapter) inject(req *Request, ctx filter.TransactionContext) ([]byte, bool) {
	if a.injector == nil || !req.HasBody || req.Truncated || len(req.Body) == 0 {
		return nil, false
	}
	if req.ResHeader.StatusCode() != http.StatusOK {
		return nil, false
	}
	if !strings.HasPrefix(strings.ToLower(req.ResHeader.Header.Get("Content-Type")), "text/html") {
		return nil, false
	}

	snippet := a.injector.Render(ctx.Hostname())
	if snippet == "" {
		return nil, false
	}

	encoding := req.ResHeader.Header.Get("Content-Encoding")
	doc, err := decodeBody(encoding, req.Body, a.maxBody)
	if err != nil {
		logger.Debugf("[ICAP] Not injecting into %s: %v", ctx.URL(), err)
		return nil, false
	}
	return injectHTML(doc, snippet), true
}

var (
	headEnd   = regexp.MustCompile(`(?i)</head\s*>`)
	bodyStart = regexp.MustCompile(`(?i)<body(?:\s[^>]*)?>`)
)

// injectHTML places snippet before </head>, else right after <body>, else in
// front of the document.
func injectHTML(doc []byte, snippet string) []byte {
	if loc := headEnd.FindIndex(doc); loc != nil {
		return splice(doc, loc[0], snippet)
	}
	if loc := bodyStart.FindIndex(doc); loc != nil {
		return splice(doc, loc[1], snippet)
	}
	return splice(doc, 0, snippet)
}

func splice(doc []byte, at int, snippet string) []byte {
	out := make([]byte, 0, len(doc)+len(snippet))
	out = append(out, doc[:at]...)
	out = append(out, snippet...)
	return append(out, doc[at:]...)
}
