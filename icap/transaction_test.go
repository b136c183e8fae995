package icap

import (
	"net/http"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixedAdapter struct {
	ad    Adaptation
	calls int
}

func (f *fixedAdapter) Adapt(*Request) Adaptation {
	f.calls++
	return f.ad
}

func newRequest(method string, allow string, preview int, complete bool) *Request {
	hdr := textproto.MIMEHeader{}
	if allow != "" {
		hdr.Set("Allow", allow)
	}
	return &Request{
		Method:    method,
		Header:    hdr,
		Preview:   preview,
		Complete:  complete,
		ReqHeader: &HTTPHead{StartLine: "GET / HTTP/1.1", Header: http.Header{"Host": {"www.example.com"}}},
		ResHeader: &HTTPHead{StartLine: "HTTP/1.1 200 OK", Header: http.Header{}},
		HasBody:   true,
		Body:      []byte("original"),
	}
}

func headersChanged() Adaptation {
	return Adaptation{
		ResHeader:      &HTTPHead{StartLine: "HTTP/1.1 200 OK", Header: http.Header{"Content-Security-Policy": {"default-src 'self'"}}},
		HeadersChanged: true,
	}
}

func contentChanged() Adaptation {
	return Adaptation{
		ResHeader:      &HTTPHead{StartLine: "HTTP/1.1 200 OK", Header: http.Header{}},
		Body:           []byte("modified"),
		HasBody:        true,
		ContentChanged: true,
	}
}

func TestNewTransactionState(t *testing.T) {
	assert.Equal(t, StateOptionsRequested, NewTransaction(&Request{Method: MethodOptions, Preview: -1}).State())
	assert.Equal(t, StatePreview, NewTransaction(newRequest(MethodRespmod, "", 0, false)).State())
	assert.Equal(t, StateAdaptationRequested, NewTransaction(newRequest(MethodRespmod, "", -1, true)).State())
}

func TestPreviewIncompleteAsksForContinuation(t *testing.T) {
	req := newRequest(MethodRespmod, "204", 0, false)
	a := &fixedAdapter{}
	tx := NewTransaction(req)

	resp := tx.Next(a)
	assert.Equal(t, 100, resp.StatusCode)
	assert.Equal(t, StateContinuationRequested, tx.State())
	assert.Zero(t, a.calls)

	// the continued message is mapped like a full message
	req.Complete = true
	resp = tx.Next(a)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, StateComplete, tx.State())
	assert.Equal(t, 1, a.calls)
}

func TestResponseMapping(t *testing.T) {
	cases := []struct {
		name      string
		allow     string
		preview   int
		truncated bool
		malformed bool
		ad        Adaptation
		want      int
		wantBody  string
	}{
		{"preview unchanged", "", 0, false, false, Unchanged, 204, ""},
		{"preview content", "", 0, false, false, contentChanged(), 200, "modified"},
		{"preview headers with 206", "204, 206", 0, false, false, headersChanged(), 206, ""},
		{"preview headers without 206", "204", 0, false, false, headersChanged(), 200, "original"},
		{"full unchanged with 204", "204", -1, false, false, Unchanged, 204, ""},
		{"full unchanged without 204", "", -1, false, false, Unchanged, 200, "original"},
		{"full headers", "204, 206", -1, false, false, headersChanged(), 200, "original"},
		{"full content", "204", -1, false, false, contentChanged(), 200, "modified"},
		{"truncated headers with 206", "204, 206", -1, true, false, headersChanged(), 206, ""},
		{"truncated unchanged with 204", "204", -1, true, false, Unchanged, 204, ""},
		{"truncated unchanged without 204", "", -1, true, false, Unchanged, 500, ""},
		{"malformed preview", "", 2, false, true, Unchanged, 200, "original"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := newRequest(MethodRespmod, c.allow, c.preview, true)
			req.Truncated = c.truncated
			req.MalformedPreview = c.malformed

			resp := NewTransaction(req).Next(&fixedAdapter{ad: c.ad})
			assert.Equal(t, c.want, resp.StatusCode)
			assert.Equal(t, c.wantBody, string(resp.Body))
			if c.want == 206 {
				assert.True(t, resp.UseOriginalBody)
				assert.NotNil(t, resp.ResHeader)
			}
		})
	}
}

func TestReqmodReturnsRequestHead(t *testing.T) {
	req := newRequest(MethodReqmod, "", -1, true)
	req.ResHeader = nil
	req.HasBody = false
	req.Body = nil

	resp := NewTransaction(req).Next(&fixedAdapter{})
	assert.Equal(t, 200, resp.StatusCode)
	assert.Same(t, req.ReqHeader, resp.ReqHeader)
	assert.Nil(t, resp.ResHeader)
	assert.False(t, resp.HasBody)
}
