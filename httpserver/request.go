package httpserver

import (
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// RequestMethod identifies the HTTP method of an in-flight request.
type RequestMethod int

const (
	MethodUnknown RequestMethod = iota
	MethodGET
	MethodPOST
	MethodHEAD
	MethodPUT
)

func (m RequestMethod) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	case MethodHEAD:
		return "HEAD"
	case MethodPUT:
		return "PUT"
	default:
		return "UNKNOWN"
	}
}

func parseMethod(s string) RequestMethod {
	switch s {
	case http.MethodGet:
		return MethodGET
	case http.MethodPost:
		return MethodPOST
	case http.MethodHead:
		return MethodHEAD
	case http.MethodPut:
		return MethodPUT
	default:
		return MethodUnknown
	}
}

// reply is the terminal outcome of a request, handed back to the
// connection goroutine for the actual socket write.
type reply struct {
	status int
	body   []byte
}

// Request is a single-use wrapper around one in-flight HTTP exchange.
//
// Handlers run on worker goroutines and interact with the exchange only
// through this wrapper. WriteReply hands the exchange back to the
// connection goroutine; after that the Request must not be touched again.
type Request struct {
	id string
	hr *http.Request

	mu           sync.Mutex
	header       http.Header // staged response headers
	bodyConsumed bool
	replySent    bool
	replyCh      chan reply // buffered; consumed by the connection goroutine
}

func newRequest(hr *http.Request) *Request {
	return &Request{
		id:      uuid.NewString(),
		hr:      hr,
		header:  make(http.Header),
		replyCh: make(chan reply, 1),
	}
}

// ID returns the server-assigned request id, used for log correlation.
func (r *Request) ID() string { return r.id }

// URI returns the requested URI.
func (r *Request) URI() string { return r.hr.URL.RequestURI() }

// Peer returns the address of the origin of the request.
func (r *Request) Peer() string { return r.hr.RemoteAddr }

// Method returns the request method.
func (r *Request) Method() RequestMethod { return parseMethod(r.hr.Method) }

// GetHeader returns the request header value for hdr and whether it was
// present. Lookup is case-insensitive. Absence is not an error.
func (r *Request) GetHeader(hdr string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertOpen("GetHeader")
	vs := r.hr.Header.Values(hdr)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// ReadBody reads the request body.
//
// As this consumes the underlying stream, only the first call returns the
// body. Repeated calls return an empty slice, never an error.
func (r *Request) ReadBody() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertOpen("ReadBody")
	if r.bodyConsumed {
		return nil
	}
	r.bodyConsumed = true
	if r.hr.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.hr.Body)
	if err != nil {
		// A partial or failed read is indistinguishable from an empty
		// body to the handler; the connection will surface the error.
		return nil
	}
	return body
}

// WriteHeader stages a response header. Must be called before WriteReply.
func (r *Request) WriteHeader(hdr, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertOpen("WriteHeader")
	r.header.Set(hdr, value)
}

// WriteReply writes the HTTP reply. status is the HTTP status code to
// send, body the reply body; keep body empty to send a standard message.
//
// WriteReply can be called exactly once, from any goroutine. It gives the
// exchange back to the connection goroutine; calling any Request method
// afterwards is a programming error and panics.
func (r *Request) WriteReply(status int, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertOpen("WriteReply")
	r.replySent = true
	r.replyCh <- reply{status: status, body: body}
}

// replied reports whether WriteReply has been called.
func (r *Request) replied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replySent
}

func (r *Request) assertOpen(op string) {
	if r.replySent {
		panic("httpserver: " + op + " on request after WriteReply")
	}
}

// respond runs on the connection goroutine: it waits for the handler's
// reply (or client disconnect) and performs the socket write.
func (r *Request) respond(w http.ResponseWriter) {
	select {
	case rep := <-r.replyCh:
		h := w.Header()
		r.mu.Lock()
		for k, vs := range r.header {
			h[k] = vs
		}
		r.mu.Unlock()
		body := rep.body
		if len(body) == 0 && rep.status >= http.StatusBadRequest {
			body = []byte(http.StatusText(rep.status) + "\n")
		}
		w.WriteHeader(rep.status)
		if r.hr.Method != http.MethodHead {
			_, _ = w.Write(body)
		}
	case <-r.hr.Context().Done():
		// Client went away. A late WriteReply lands in the buffered
		// channel and is dropped with the request.
	}
}
