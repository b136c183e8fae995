package icap

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	reqHead  = "GET /index.html HTTP/1.1\r\nHost: www.example.com\r\nAccept: text/html\r\n\r\n"
	resHead  = "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n"
	imgHead  = "GET /ads/banner.png HTTP/1.1\r\nHost: ads.example.com\r\nAccept: image/png\r\n\r\n"
	htmlPage = "<html><head><title>t</title></head><body>hello</body></html>"
)

// chunk encodes data as one chunk without the terminator.
func chunk(data string) string {
	return fmt.Sprintf("%x\r\n%s\r\n", len(data), data)
}

// icapRequest builds a raw request; body is the already chunked body or ""
// for null-body.
func icapRequest(method string, headers []string, reqHdr, resHdr, body string) string {
	var sections []string
	off := 0
	if reqHdr != "" {
		sections = append(sections, fmt.Sprintf("req-hdr=%d", off))
		off += len(reqHdr)
	}
	if resHdr != "" {
		sections = append(sections, fmt.Sprintf("res-hdr=%d", off))
		off += len(resHdr)
	}
	switch {
	case body == "":
		sections = append(sections, fmt.Sprintf("null-body=%d", off))
	case resHdr != "":
		sections = append(sections, fmt.Sprintf("res-body=%d", off))
	default:
		sections = append(sections, fmt.Sprintf("req-body=%d", off))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s icap://127.0.0.1:1344/filter ICAP/1.0\r\nHost: 127.0.0.1:1344\r\n", method)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	fmt.Fprintf(&b, "Encapsulated: %s\r\n\r\n", strings.Join(sections, ", "))
	b.WriteString(reqHdr)
	b.WriteString(resHdr)
	b.WriteString(body)
	return b.String()
}

type testResponse struct {
	Status int
	Header textproto.MIMEHeader
	Heads  map[string]string
	Body   string
	// Last is the zero-size chunk line, e.g. "0; use-original-body=0".
	Last string
}

func readResponse(t *testing.T, br *bufio.Reader) *testResponse {
	t.Helper()
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	require.NoError(t, err)
	parts := strings.SplitN(line, " ", 3)
	require.Len(t, parts, 3, line)
	require.Equal(t, "ICAP/1.0", parts[0])
	code, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	hdr, err := tp.ReadMIMEHeader()
	require.NoError(t, err)
	resp := &testResponse{Status: code, Header: hdr, Heads: map[string]string{}}
	if code == 100 || hdr.Get("Encapsulated") == "" {
		return resp
	}

	sections, err := parseEncapsulated(hdr.Get("Encapsulated"))
	require.NoError(t, err)
	for i, s := range sections {
		if i == len(sections)-1 {
			if s.name == "null-body" {
				return resp
			}
			break
		}
		buf := make([]byte, sections[i+1].offset-s.offset)
		_, err := io.ReadFull(br, buf)
		require.NoError(t, err)
		resp.Heads[s.name] = string(buf)
	}

	var body strings.Builder
	for {
		sizeLine, err := tp.ReadLine()
		require.NoError(t, err)
		sizeField, _, _ := strings.Cut(sizeLine, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		require.NoError(t, err)
		if size == 0 {
			resp.Last = sizeLine
			blank, err := tp.ReadLine()
			require.NoError(t, err)
			require.Empty(t, blank)
			break
		}
		data := make([]byte, size)
		_, err = io.ReadFull(br, data)
		require.NoError(t, err)
		body.Write(data)
		crlf, err := tp.ReadLine()
		require.NoError(t, err)
		require.Empty(t, crlf)
	}
	resp.Body = body.String()
	return resp
}
