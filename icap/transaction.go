package icap

import "icapfilter/logger"

// State is the protocol state of one ICAP transaction.
type State uint8

const (
	StateOptionsRequested State = iota
	StateAdaptationRequested
	StatePreview
	StateContinuationRequested
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateOptionsRequested:
		return "OPTIONS-REQUESTED"
	case StateAdaptationRequested:
		return "ADAPTATION-REQUESTED"
	case StatePreview:
		return "PREVIEW"
	case StateContinuationRequested:
		return "CONTINUATION-REQUESTED"
	default:
		return "COMPLETE"
	}
}

// Adaptation is what an Adapter did to an encapsulated message. A message
// whose content changed replaces the original entirely.
type Adaptation struct {
	ReqHeader *HTTPHead
	ResHeader *HTTPHead
	Body      []byte
	HasBody   bool

	HeadersChanged bool
	ContentChanged bool
}

// Unchanged is the zero Adaptation: keep the original message.
var Unchanged = Adaptation{}

// Adapter decides how to adapt a REQMOD or RESPMOD message. It is only
// called with a complete preview or a complete message.
type Adapter interface {
	Adapt(req *Request) Adaptation
}

// Transaction tracks the state of one request on a connection.
type Transaction struct {
	req   *Request
	state State
}

func NewTransaction(req *Request) *Transaction {
	t := &Transaction{req: req}
	switch {
	case req.Method == MethodOptions:
		t.state = StateOptionsRequested
	case req.Preview >= 0:
		t.state = StatePreview
	default:
		t.state = StateAdaptationRequested
	}
	return t
}

func (t *Transaction) State() State { return t.state }

func (t *Transaction) Request() *Request { return t.req }

// Next computes the response for the current state and advances it. A 100
// response moves the transaction to CONTINUATION-REQUESTED; the caller then
// reads the rest of the body and calls Next again.
func (t *Transaction) Next(a Adapter) *Response {
	switch t.state {
	case StatePreview:
		if !t.req.Complete {
			t.state = StateContinuationRequested
			return NewResponse(100)
		}
		if t.req.MalformedPreview {
			logger.Debugf("[ICAP] Preview body exceeds declared %d bytes, treating message as complete", t.req.Preview)
			t.state = StateComplete
			return t.fullResponse(a.Adapt(t.req))
		}
		t.state = StateComplete
		return t.previewResponse(a.Adapt(t.req))

	case StateAdaptationRequested, StateContinuationRequested:
		t.state = StateComplete
		return t.fullResponse(a.Adapt(t.req))
	}
	return NewResponse(500)
}

// previewResponse maps a decision taken on a complete preview. 204 is always
// allowed there.
func (t *Transaction) previewResponse(ad Adaptation) *Response {
	switch {
	case ad.ContentChanged:
		return t.modified(ad)
	case ad.HeadersChanged && t.req.Allows(206):
		return t.partial(ad)
	case ad.HeadersChanged:
		// Without 206 the new headers go out as a full 200, never as 204.
		return t.modified(t.withOriginalBody(ad))
	}
	return NewResponse(204)
}

func (t *Transaction) fullResponse(ad Adaptation) *Response {
	allow204 := t.req.Allows(204)
	switch {
	case ad.ContentChanged:
		return t.modified(ad)
	case ad.HeadersChanged && !t.req.Truncated:
		return t.modified(t.withOriginalBody(ad))
	case ad.HeadersChanged && t.req.Allows(206):
		return t.partial(ad)
	case ad.HeadersChanged && allow204:
		logger.Warnf("[ICAP] Header change dropped for truncated message %s", t.req.HostURL())
		return NewResponse(204)
	case allow204:
		return NewResponse(204)
	case t.req.Truncated:
		return NewResponse(500)
	}
	return t.modified(t.withOriginalBody(Adaptation{
		ReqHeader: t.req.ReqHeader,
		ResHeader: t.req.ResHeader,
	}))
}

func (t *Transaction) withOriginalBody(ad Adaptation) Adaptation {
	ad.Body = t.req.Body
	ad.HasBody = t.req.HasBody
	return ad
}

// modified returns a 200 with the adapted message. A RESPMOD response carries
// only the response; a REQMOD response carries either a request or a
// response that short-circuits it.
func (t *Transaction) modified(ad Adaptation) *Response {
	resp := NewResponse(200)
	resp.ResHeader = ad.ResHeader
	if ad.ResHeader == nil {
		resp.ReqHeader = ad.ReqHeader
	}
	resp.Body = ad.Body
	resp.HasBody = ad.HasBody
	return resp
}

func (t *Transaction) partial(ad Adaptation) *Response {
	resp := NewResponse(206)
	resp.ResHeader = ad.ResHeader
	if ad.ResHeader == nil {
		resp.ReqHeader = ad.ReqHeader
	}
	resp.HasBody = t.req.HasBody
	resp.UseOriginalBody = t.req.HasBody
	return resp
}
