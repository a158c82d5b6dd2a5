package httpserver

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Middleware wraps a HandlerFunc with cross-cutting logic that runs on
// the worker goroutine.
//
// Protocol:
//   - Middleware MUST call next, unless it intends to short-circuit the
//     request, in which case it MUST reply itself.
//   - Middleware must not touch the Request after next returns if the
//     handler has already written the reply, beyond observing timing.
type Middleware func(next HandlerFunc) HandlerFunc

// LoggingMiddleware emits one structured log line per dispatched request.
func LoggingMiddleware(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(req *Request, path string) {
			start := time.Now()
			method := req.Method().String()
			uri := req.URI()
			peer := req.Peer()
			id := req.ID()
			next(req, path)
			log.Info("http request",
				"request_id", id,
				"method", method,
				"uri", uri,
				"peer", peer,
				"latency_ms", time.Since(start).Milliseconds())
		}
	}
}

// RateLimitMiddleware applies a per-peer token bucket and rejects
// over-limit requests with 429. Peers are keyed by host, ignoring the
// source port. Buckets idle longer than the eviction window are dropped
// so the map cannot grow without bound.
func RateLimitMiddleware(perSecond float64, burst int) Middleware {
	lim := &peerLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		peers:     make(map[string]*peerBucket),
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(req *Request, path string) {
			if !lim.allow(req.Peer()) {
				req.WriteReply(http.StatusTooManyRequests, []byte("rate limit exceeded"))
				return
			}
			next(req, path)
		}
	}
}

const peerEvictionWindow = 10 * time.Minute

type peerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type peerLimiter struct {
	perSecond rate.Limit
	burst     int

	mu    sync.Mutex
	peers map[string]*peerBucket
}

func (l *peerLimiter) allow(peer string) bool {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.peers[host]
	if !ok {
		for k, old := range l.peers {
			if now.Sub(old.lastSeen) > peerEvictionWindow {
				delete(l.peers, k)
			}
		}
		b = &peerBucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.peers[host] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
