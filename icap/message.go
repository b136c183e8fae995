package icap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

const (
	MethodOptions = "OPTIONS"
	MethodReqmod  = "REQMOD"
	MethodRespmod = "RESPMOD"
)

// ErrMalformedRequest is returned for requests that violate the ICAP
// grammar. The connection cannot be reused after it.
var ErrMalformedRequest = errors.New("malformed ICAP request")

// maxHeadSize bounds one encapsulated HTTP head.
const maxHeadSize = 64 << 10

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

// HTTPHead is an encapsulated HTTP request or response head.
type HTTPHead struct {
	StartLine string
	Header    http.Header
}

// Clone copies the head so it can be modified without touching the request.
func (h *HTTPHead) Clone() *HTTPHead {
	if h == nil {
		return nil
	}
	return &HTTPHead{StartLine: h.StartLine, Header: h.Header.Clone()}
}

// StatusCode returns the status of a response head, or 0.
func (h *HTTPHead) StatusCode() int {
	parts := strings.SplitN(h.StartLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0
	}
	code, _ := strconv.Atoi(parts[1])
	return code
}

func (h *HTTPHead) bytes() []byte {
	var b bytes.Buffer
	b.WriteString(h.StartLine)
	b.WriteString("\r\n")
	h.Header.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

// Request is one ICAP request with its encapsulated message.
type Request struct {
	Method string
	URI    *url.URL
	Proto  string
	Header textproto.MIMEHeader

	ReqHeader *HTTPHead
	ResHeader *HTTPHead

	// HasBody is false for null-body messages.
	HasBody bool
	Body    []byte
	// Preview is the declared preview size, -1 without a Preview header.
	Preview int
	// Complete is set once the whole body has been read.
	Complete bool
	// Truncated is set when the body exceeded the size limit; the data past
	// the limit was read and discarded.
	Truncated bool
	// MalformedPreview marks a preview whose body was larger than declared.
	MalformedPreview bool
}

// Allows reports whether the client listed code in its Allow header.
func (r *Request) Allows(code int) bool {
	want := strconv.Itoa(code)
	for _, v := range r.Header.Values("Allow") {
		for _, c := range strings.Split(v, ",") {
			if strings.TrimSpace(c) == want {
				return true
			}
		}
	}
	return false
}

// KeepAlive is false when the client asked to close the connection.
func (r *Request) KeepAlive() bool {
	return !strings.EqualFold(strings.TrimSpace(r.Header.Get("Connection")), "close")
}

type section struct {
	name   string
	offset int
}

func parseEncapsulated(v string) ([]section, error) {
	var sections []section
	last := -1
	for _, part := range strings.Split(v, ",") {
		name, off, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, malformed("bad Encapsulated entry %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(off))
		if err != nil || n < 0 || n < last {
			return nil, malformed("bad Encapsulated offset %q", part)
		}
		switch name = strings.TrimSpace(name); name {
		case "req-hdr", "res-hdr", "req-body", "res-body", "opt-body", "null-body":
		default:
			return nil, malformed("unknown Encapsulated section %q", name)
		}
		last = n
		sections = append(sections, section{name: name, offset: n})
	}
	if len(sections) == 0 {
		return nil, malformed("empty Encapsulated header")
	}
	return sections, nil
}

// ReadRequest reads one ICAP request. Bodies larger than maxBody are read to
// the end but truncated; maxBody <= 0 disables the limit. With a preview, only
// the preview part is read; call ReadContinuation after answering 100.
func ReadRequest(br *bufio.Reader, maxBody int) (*Request, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "ICAP/") {
		return nil, malformed("bad request line %q", line)
	}
	uri, err := url.Parse(parts[1])
	if err != nil {
		return nil, malformed("bad request URI %q", parts[1])
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, malformed("headers: %v", err)
	}

	req := &Request{
		Method:  parts[0],
		URI:     uri,
		Proto:   parts[2],
		Header:  header,
		Preview: -1,
	}

	if v := header.Get("Preview"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return nil, malformed("bad Preview %q", v)
		}
		req.Preview = n
	}

	enc := header.Get("Encapsulated")
	if enc == "" {
		if req.Method != MethodOptions {
			return nil, malformed("missing Encapsulated header")
		}
		req.Complete = true
		return req, nil
	}
	sections, err := parseEncapsulated(enc)
	if err != nil {
		return nil, err
	}
	if err := req.readSections(br, sections, maxBody); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Request) readSections(br *bufio.Reader, sections []section, maxBody int) error {
	for i, s := range sections {
		if i == len(sections)-1 {
			switch s.name {
			case "null-body":
				r.Complete = true
				return nil
			case "req-body", "res-body", "opt-body":
				return r.readBody(br, maxBody)
			}
			return malformed("Encapsulated must end with a body section, got %q", s.name)
		}

		size := sections[i+1].offset - s.offset
		if size > maxHeadSize {
			return malformed("%s section of %d bytes", s.name, size)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("read %s: %w", s.name, err)
		}
		head, err := parseHTTPHead(buf)
		if err != nil {
			return err
		}
		switch s.name {
		case "req-hdr":
			r.ReqHeader = head
		case "res-hdr":
			r.ResHeader = head
		default:
			return malformed("body section %q before end of Encapsulated", s.name)
		}
	}
	return nil
}

func parseHTTPHead(b []byte) (*HTTPHead, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	line, err := tp.ReadLine()
	if err != nil || line == "" {
		return nil, malformed("empty encapsulated HTTP head")
	}
	h, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, malformed("encapsulated HTTP headers: %v", err)
	}
	return &HTTPHead{StartLine: line, Header: http.Header(h)}, nil
}

func (r *Request) readBody(br *bufio.Reader, maxBody int) error {
	r.HasBody = true
	body, ieof, overflow, err := readChunks(br, nil, maxBody)
	if err != nil {
		return err
	}
	r.Body = body
	r.Truncated = overflow

	switch {
	case r.Preview < 0 || ieof:
		r.Complete = true
	case len(body) > r.Preview:
		// the client sent more than it declared; it will not send a
		// continuation for this message
		r.MalformedPreview = true
		r.Complete = true
	}
	return nil
}

// ReadContinuation reads the rest of a previewed body after a 100 Continue.
func (r *Request) ReadContinuation(br *bufio.Reader, maxBody int) error {
	if r.Complete {
		return nil
	}
	body, _, overflow, err := readChunks(br, r.Body, maxBody)
	if err != nil {
		return err
	}
	r.Body = body
	r.Truncated = r.Truncated || overflow
	r.Complete = true
	return nil
}

// HostURL reconstructs the absolute URL of the encapsulated request.
func (r *Request) HostURL() string {
	if r.ReqHeader == nil {
		return ""
	}
	parts := strings.SplitN(r.ReqHeader.StartLine, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	method, target := parts[0], parts[1]

	switch {
	case strings.Contains(target, "://"):
		return target
	case method == http.MethodConnect:
		host, _, _ := strings.Cut(target, ":")
		return "https://" + host + "/"
	default:
		host := r.ReqHeader.Header.Get("Host")
		if host == "" {
			return ""
		}
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		return "http://" + host + target
	}
}
