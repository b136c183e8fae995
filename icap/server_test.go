package icap

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icapfilter/filter"
)

type recordingObserver struct {
	mu     sync.Mutex
	status []int
	conns  int
}

func (o *recordingObserver) TransactionDone(_ string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = append(o.status, status)
}

func (o *recordingObserver) ConnectionsChanged(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conns += delta
}

func (o *recordingObserver) snapshot() ([]int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.status...), o.conns
}

func testConfig() Config {
	return Config{
		ServiceName:    "filter",
		ServiceID:      "icapfilter-test",
		OptionsTTL:     3600,
		MaxConnections: 8,
		MaxBody:        1 << 20,
		ReadTimeout:    5 * time.Second,
		IdleTimeout:    5 * time.Second,
	}
}

func noDecision(filter.TransactionContext) filter.Result { return filter.NoDecision }

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := net.Pipe()
	go s.ServeConn(server)
	t.Cleanup(func() { client.Close() })
	return client, bufio.NewReader(client)
}

func send(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Write([]byte(raw))
	require.NoError(t, err)
}

func assertCommonHeaders(t *testing.T, s *Server, resp *testResponse) {
	t.Helper()
	assert.Equal(t, s.ISTag(), resp.Header.Get("ISTag"))
	assert.Equal(t, "filter", resp.Header.Get("Service"))
	assert.Equal(t, "icapfilter-test", resp.Header.Get("Service-ID"))
	_, err := time.Parse(http.TimeFormat, resp.Header.Get("Date"))
	assert.NoError(t, err)
}

func TestOptions(t *testing.T) {
	s := NewServer(testConfig(), NewFilterAdapter(decideFunc(noDecision), nil, nil, 0))
	conn, br := dial(t, s)

	for _, raw := range []string{
		"OPTIONS icap://127.0.0.1:1344/filter ICAP/1.0\r\nHost: 127.0.0.1\r\n\r\n",
		"OPTIONS icap://127.0.0.1:1344/filter ICAP/1.0\r\nHost: 127.0.0.1\r\nAllow: 204\r\nX-Anything: 1\r\nEncapsulated: null-body=0\r\n\r\n",
	} {
		send(t, conn, raw)
		resp := readResponse(t, br)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, "REQMOD, RESPMOD", resp.Header.Get("Methods"))
		assert.Equal(t, "204, 206", resp.Header.Get("Allow"))
		assert.Equal(t, "3600", resp.Header.Get("Options-TTL"))
		assert.Equal(t, "8", resp.Header.Get("Max-Connections"))
		assert.Equal(t, "0", resp.Header.Get("Preview"))
		assert.Equal(t, "*", resp.Header.Get("Transfer-Preview"))
		assert.Equal(t, "null-body=0", resp.Header.Get("Encapsulated"))
		assertCommonHeaders(t, s, resp)
	}
}

func TestISTagRenewal(t *testing.T) {
	s := NewServer(testConfig(), NewFilterAdapter(decideFunc(noDecision), nil, nil, 0))
	old := s.ISTag()
	assert.Len(t, old, 34)
	assert.True(t, strings.HasPrefix(old, `"`))
	assert.NotEqual(t, old, s.RenewISTag())
	assert.NotEqual(t, old, s.ISTag())
}

func TestPreviewContinueThenInject(t *testing.T) {
	obs := &recordingObserver{}
	snippet := "<style>.ad { display: none !important; }</style>"
	s := NewServer(testConfig(), NewFilterAdapter(decideFunc(noDecision), staticInjector(snippet), nil, 1<<20))
	s.SetObserver(obs)
	conn, br := dial(t, s)

	send(t, conn, icapRequest(MethodRespmod, []string{"Preview: 0", "Allow: 204"}, reqHead, resHead, "0\r\n\r\n"))
	resp := readResponse(t, br)
	require.Equal(t, 100, resp.Status)
	assertCommonHeaders(t, s, resp)

	send(t, conn, chunk(htmlPage)+"0\r\n\r\n")
	resp = readResponse(t, br)
	require.Equal(t, 200, resp.Status)
	assert.Contains(t, resp.Heads["res-hdr"], "HTTP/1.1 200 OK\r\n")
	assert.Equal(t, "<html><head><title>t</title>"+snippet+"</head><body>hello</body></html>", resp.Body)

	// same connection, page of another content type passes untouched
	jsHead := "HTTP/1.1 200 OK\r\nContent-Type: application/javascript\r\n\r\n"
	send(t, conn, icapRequest(MethodRespmod, []string{"Preview: 0", "Allow: 204"}, reqHead, jsHead, "0; ieof\r\n\r\n"))
	resp = readResponse(t, br)
	assert.Equal(t, 204, resp.Status)

	assert.Eventually(t, func() bool {
		status, _ := obs.snapshot()
		return len(status) == 2
	}, time.Second, 10*time.Millisecond)
	status, conns := obs.snapshot()
	assert.Equal(t, []int{200, 204}, status)
	assert.Equal(t, 1, conns)
}

func TestPartialContentForCSP(t *testing.T) {
	s := NewServer(testConfig(), NewFilterAdapter(storeDecider(t, "||www.example.com^$csp=script-src 'self'"), nil, nil, 0))
	conn, br := dial(t, s)

	send(t, conn, icapRequest(MethodRespmod, []string{"Preview: 1024", "Allow: 204, 206"}, reqHead, resHead,
		chunk(htmlPage)+"0; ieof\r\n\r\n"))
	resp := readResponse(t, br)
	assert.Equal(t, 206, resp.Status)
	assert.Contains(t, resp.Heads["res-hdr"], "Content-Security-Policy: script-src 'self'\r\n")
	assert.Empty(t, resp.Body)
	assert.Equal(t, "0; use-original-body=0", resp.Last)
}

func TestReqmodBlockWithoutPreview(t *testing.T) {
	s := NewServer(testConfig(), NewFilterAdapter(storeDecider(t, "||ads.example.com^"), nil, nil, 0))
	conn, br := dial(t, s)

	send(t, conn, icapRequest(MethodReqmod, []string{"Allow: 204"}, imgHead, "", ""))
	resp := readResponse(t, br)
	assert.Equal(t, 200, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Heads["res-hdr"], "HTTP/1.1 403 Forbidden\r\n"))

	send(t, conn, icapRequest(MethodReqmod, []string{"Allow: 204"}, reqHead, "", ""))
	resp = readResponse(t, br)
	assert.Equal(t, 204, resp.Status)
}

func TestErrorResponses(t *testing.T) {
	s := NewServer(testConfig(), NewFilterAdapter(decideFunc(noDecision), nil, nil, 0))

	conn, br := dial(t, s)
	send(t, conn, "OPTIONS icap://127.0.0.1/other ICAP/1.0\r\nHost: x\r\n\r\n")
	assert.Equal(t, 404, readResponse(t, br).Status)

	send(t, conn, "DELETE icap://127.0.0.1/filter ICAP/1.0\r\nHost: x\r\nEncapsulated: null-body=0\r\n\r\n")
	assert.Equal(t, 405, readResponse(t, br).Status)

	send(t, conn, "REQMOD icap://127.0.0.1/filter ICAP/1.0\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, "close", resp.Header.Get("Connection"))

	_, err := br.ReadByte()
	assert.Error(t, err, "connection is closed after a malformed request")
}

type panickingAdapter struct{}

func (panickingAdapter) Adapt(*Request) Adaptation { panic("adapter failure") }

func TestConnectionPanicIsContained(t *testing.T) {
	obs := &recordingObserver{}
	s := NewServer(testConfig(), panickingAdapter{})
	s.SetObserver(obs)

	conn, br := dial(t, s)
	send(t, conn, icapRequest(MethodReqmod, []string{"Allow: 204"}, reqHead, "", ""))
	_, err := br.ReadByte()
	assert.Error(t, err, "the failing connection is closed")

	assert.Eventually(t, func() bool {
		_, conns := obs.snapshot()
		return conns == 0
	}, time.Second, 10*time.Millisecond)

	// the server keeps answering on other connections
	conn, br = dial(t, s)
	send(t, conn, "OPTIONS icap://127.0.0.1/filter ICAP/1.0\r\nHost: x\r\n\r\n")
	assert.Equal(t, 200, readResponse(t, br).Status)
}

func TestShutdown(t *testing.T) {
	s := NewServer(testConfig(), NewFilterAdapter(decideFunc(noDecision), nil, nil, 0))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)
	send(t, conn, "OPTIONS icap://127.0.0.1/filter ICAP/1.0\r\nHost: x\r\n\r\n")
	assert.Equal(t, 200, readResponse(t, br).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)

	_, err = br.ReadByte()
	assert.Error(t, err)
}
