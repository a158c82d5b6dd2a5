// Package httpserver implements the HTTP transport for the RPC gateway:
// a net/http front end that turns each exchange into a single-use Request
// wrapper, a bounded worker pool that executes registered handlers, and an
// event loop that owns all timer firing.
//
// The split exists so that a slow handler can never stall the accept path
// or delay timer callbacks: connection goroutines only enqueue work and
// wait for the reply, workers run handlers, and the loop goroutine runs
// Events.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// DefaultWorkers is the number of handler workers when Options.Workers
	// is zero.
	DefaultWorkers = 4
	// DefaultQueueDepthPerWorker bounds the work queue relative to the
	// worker count.
	DefaultQueueDepthPerWorker = 16
)

// HandlerFunc handles one exchange. path is the request path with the
// registered prefix removed. The handler must call req.WriteReply exactly
// once; if it returns without replying the server sends a 500.
type HandlerFunc func(req *Request, path string)

type pathHandler struct {
	prefix     string
	exactMatch bool
	handler    HandlerFunc
}

func (h *pathHandler) match(path string) (string, bool) {
	if h.exactMatch {
		if path == h.prefix {
			return "", true
		}
		return "", false
	}
	if strings.HasPrefix(path, h.prefix) {
		return path[len(h.prefix):], true
	}
	return "", false
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address for ListenAndServe.
	Addr string
	// Workers is the number of handler goroutines.
	Workers int
	// QueueDepthPerWorker bounds pending work; once exceeded new requests
	// are rejected with a 500.
	QueueDepthPerWorker int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type workItem struct {
	req     *Request
	handler HandlerFunc
	path    string
}

// Server accepts HTTP exchanges and dispatches them to registered
// handlers on a fixed worker pool.
type Server struct {
	opts Options
	log  *slog.Logger
	loop *EventLoop

	mu         sync.Mutex
	handlers   []*pathHandler
	middleware []Middleware

	queue     chan workItem
	wg        sync.WaitGroup
	accepting atomic.Bool
	started   atomic.Bool

	httpSrv *http.Server
}

// New creates a Server. Call Start (or ListenAndServe) before serving.
func New(opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueDepthPerWorker <= 0 {
		opts.QueueDepthPerWorker = DefaultQueueDepthPerWorker
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		opts:  opts,
		log:   log,
		loop:  NewEventLoop(),
		queue: make(chan workItem, opts.Workers*opts.QueueDepthPerWorker),
	}
}

// Loop returns the server's event loop, for submodules that need to queue
// timers or custom events.
func (s *Server) Loop() *EventLoop { return s.loop }

// RegisterHandler registers a handler for prefix. With exactMatch the
// path must equal prefix; otherwise prefix matching applies and the
// handler receives the remainder of the path. Handlers are consulted in
// registration order.
func (s *Server) RegisterHandler(prefix string, exactMatch bool, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, &pathHandler{prefix: prefix, exactMatch: exactMatch, handler: handler})
}

// UnregisterHandler removes the first handler registered for (prefix,
// exactMatch). Removing an unknown handler is a no-op.
func (s *Server) UnregisterHandler(prefix string, exactMatch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.prefix == prefix && h.exactMatch == exactMatch {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Use appends middleware applied, in order, around every dispatched
// handler. Must be called before Start.
func (s *Server) Use(mw ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw...)
}

// Start launches the event loop and the worker pool. It does not listen
// on the network; see ListenAndServe. Start is required before the Server
// can be used as an http.Handler.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.accepting.Store(true)
	go s.loop.Run()
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Info("http server started", "workers", s.opts.Workers)
}

// ListenAndServe starts the server and serves on Options.Addr until Stop.
func (s *Server) ListenAndServe() error {
	s.Start()
	s.httpSrv = &http.Server{Addr: s.opts.Addr, Handler: s}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve starts the server and serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.Start()
	s.httpSrv = &http.Server{Handler: s}
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Interrupt stops intake of new work. In-flight requests continue;
// subsequent requests are rejected with a 503.
func (s *Server) Interrupt() {
	s.accepting.Store(false)
}

// Stop shuts down the listener, drains the workers and stops the event
// loop. Stopping a server that was never started is a no-op.
func (s *Server) Stop() {
	if !s.started.Load() {
		return
	}
	s.Interrupt()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(context.Background())
	}
	close(s.queue)
	s.wg.Wait()
	s.loop.Stop()
	s.log.Info("http server stopped")
}

func (s *Server) worker() {
	defer s.wg.Done()
	for item := range s.queue {
		s.runHandler(item)
	}
}

func (s *Server) runHandler(item workItem) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "request_id", item.req.ID(), "uri", item.req.URI(), "panic", r)
		}
		if !item.req.replied() {
			item.req.WriteReply(http.StatusInternalServerError, nil)
		}
	}()
	h := item.handler
	s.mu.Lock()
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	s.mu.Unlock()
	h(item.req, item.path)
}

// ServeHTTP implements http.Handler. The calling goroutine acts as the
// connection goroutine: it enqueues the work item and performs the final
// socket write once the handler replies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() || !s.accepting.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	var handler HandlerFunc
	var path string
	for _, h := range s.handlers {
		if rest, ok := h.match(r.URL.Path); ok {
			handler = h.handler
			path = rest
			break
		}
	}
	s.mu.Unlock()
	if handler == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	req := newRequest(r)
	select {
	case s.queue <- workItem{req: req, handler: handler, path: path}:
	default:
		// Bounded on purpose: shedding load beats queueing it without
		// limit when every worker is busy.
		s.log.Warn("work queue depth exceeded", "peer", req.Peer())
		req.WriteReply(http.StatusInternalServerError, []byte("Work queue depth exceeded"))
	}
	req.respond(w)
}
