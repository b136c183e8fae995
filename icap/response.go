package icap

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

var statusText = map[int]string{
	100: "Continue",
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	400: "Bad Request",
	404: "ICAP Service Not Found",
	405: "Method Not Allowed",
	500: "Server Error",
	503: "Service Overloaded",
	505: "ICAP Version Not Supported",
}

// Response is an ICAP response. ReqHeader/ResHeader and Body form the
// encapsulated message; the Encapsulated header is computed on write.
type Response struct {
	StatusCode int
	Header     http.Header

	ReqHeader *HTTPHead
	ResHeader *HTTPHead
	HasBody   bool
	Body      []byte
	// UseOriginalBody ends the body with "use-original-body=0" (206 only).
	UseOriginalBody bool
}

func NewResponse(code int) *Response {
	return &Response{StatusCode: code, Header: make(http.Header)}
}

// Write serializes the response.
func (r *Response) Write(w io.Writer) error {
	var heads bytes.Buffer
	var sections []string

	if r.StatusCode != 100 && r.Header.Get("Encapsulated") == "" {
		if r.ReqHeader != nil {
			sections = append(sections, fmt.Sprintf("req-hdr=%d", heads.Len()))
			heads.Write(r.ReqHeader.bytes())
		}
		if r.ResHeader != nil {
			sections = append(sections, fmt.Sprintf("res-hdr=%d", heads.Len()))
			heads.Write(r.ResHeader.bytes())
		}
		switch {
		case !r.HasBody:
			sections = append(sections, fmt.Sprintf("null-body=%d", heads.Len()))
		case r.ResHeader != nil:
			sections = append(sections, fmt.Sprintf("res-body=%d", heads.Len()))
		default:
			sections = append(sections, fmt.Sprintf("req-body=%d", heads.Len()))
		}
		r.Header.Set("Encapsulated", strings.Join(sections, ", "))
	}

	var b bytes.Buffer
	text := statusText[r.StatusCode]
	if text == "" {
		text = http.StatusText(r.StatusCode)
	}
	fmt.Fprintf(&b, "ICAP/1.0 %d %s\r\n", r.StatusCode, text)

	// ICAP headers are few; a stable order keeps responses diffable
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.Write(heads.Bytes())

	if r.HasBody && r.StatusCode != 100 {
		ext := ""
		if r.UseOriginalBody {
			ext = "use-original-body=0"
		}
		if err := writeChunks(&b, r.Body, ext); err != nil {
			return err
		}
	}
	_, err := w.Write(b.Bytes())
	return err
}
