package httprpc

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mnehpets/rpcgate/httpserver"
	"github.com/mnehpets/rpcgate/rpcserver"
)

type testStack struct {
	srv     *httpserver.Server
	table   *rpcserver.Table
	gateway *Gateway
	metrics *Metrics
}

// newTestStack wires a transport, a table with a ping command and an
// authenticated gateway, mirroring the production wiring in rpcgated.
func newTestStack(t *testing.T, mutate func(*Config)) *testStack {
	t.Helper()

	table := rpcserver.NewTable("test server", discardLogger())
	table.Register(rpcserver.Command{
		Category: "test",
		Name:     "ping",
		Handler: func([]json.RawMessage) (interface{}, error) {
			return "pong", nil
		},
		Help: "ping\nReturns pong.",
	})

	srv := httpserver.New(httpserver.Options{Workers: 2, Logger: discardLogger()})
	srv.Start()
	t.Cleanup(srv.Stop)

	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := Config{
		Credential:    "user:pass",
		AuthFailDelay: -1,
		Logger:        discardLogger(),
		Metrics:       metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gateway := New(table, cfg)
	gateway.Start(srv)
	t.Cleanup(func() { gateway.Stop(srv) })

	return &testStack{srv: srv, table: table, gateway: gateway, metrics: metrics}
}

func (s *testStack) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	return s.request(http.MethodPost, body, headers)
}

func (s *testStack) request(method, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/", r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	return rec
}

func authed(body string) (string, map[string]string) {
	return body, map[string]string{"Authorization": basicHeader("user:pass")}
}

type testReply struct {
	Result json.RawMessage     `json:"result"`
	Error  *rpcserver.RPCError `json:"error"`
	ID     json.RawMessage     `json:"id"`
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) testReply {
	t.Helper()
	var reply testReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unparseable reply %q: %v", rec.Body.String(), err)
	}
	return reply
}

func TestPingRoundTrip(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`{"method":"ping","params":[],"id":1}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"result":"pong","error":null,"id":1}` {
		t.Errorf("body = %q", got)
	}
}

func TestGetRejectedBeforeAuth(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.request(http.MethodGet, "", map[string]string{
		"Authorization": basicHeader("user:pass"),
	})

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "only POST") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := testutil.ToFloat64(s.metrics.AuthChecks); got != 0 {
		t.Errorf("auth checks = %v, want 0 for non-POST", got)
	}
}

func TestMissingAuthorizationHeader(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(`{"method":"ping","params":[],"id":1}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := testutil.ToFloat64(s.metrics.AuthChecks); got != 0 {
		t.Errorf("auth checks = %v, want 0 without header", got)
	}
}

func TestWrongCredentialsRejected(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(`{"method":"ping","params":[],"id":1}`, map[string]string{
		"Authorization": basicHeader("user:wrong"),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := testutil.ToFloat64(s.metrics.AuthFailures); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
}

func TestAuthFailureThrottleDelay(t *testing.T) {
	const delay = 30 * time.Millisecond
	s := newTestStack(t, func(cfg *Config) { cfg.AuthFailDelay = delay })
	s.table.SetWarmupFinished()

	start := time.Now()
	rec := s.post(`{}`, map[string]string{"Authorization": basicHeader("user:wrong")})
	elapsed := time.Since(start)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if elapsed < delay {
		t.Errorf("reply after %v, want throttle of at least %v", elapsed, delay)
	}
}

func TestWarmupRejection(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupStatus("Loading indexes...")

	rec := s.post(authed(`{"method":"ping","params":[],"id":1}`))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply.Error == nil || reply.Error.Code != rpcserver.CodeInWarmup {
		t.Fatalf("error = %+v, want warmup code %d", reply.Error, rpcserver.CodeInWarmup)
	}
	if reply.Error.Message != "Loading indexes..." {
		t.Errorf("warmup message = %q", reply.Error.Message)
	}
}

func TestUnknownMethodSingleRequest(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`{"method":"bad","params":[],"id":7}`))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply.Error == nil || reply.Error.Code != rpcserver.CodeMethodNotFound {
		t.Fatalf("error = %+v, want method-not-found", reply.Error)
	}
	if string(reply.ID) != "7" {
		t.Errorf("id = %s, want 7", reply.ID)
	}
}

func TestBatchFailureIndependence(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`[{"method":"bad"},{"method":"ping","params":[],"id":2}]`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var replies []testReply
	if err := json.Unmarshal(rec.Body.Bytes(), &replies); err != nil {
		t.Fatalf("unparseable batch reply %q: %v", rec.Body.String(), err)
	}
	if len(replies) != 2 {
		t.Fatalf("reply count = %d, want 2", len(replies))
	}
	if replies[0].Error == nil || replies[0].Error.Code != rpcserver.CodeMethodNotFound {
		t.Errorf("element 0 error = %+v, want method-not-found", replies[0].Error)
	}
	if string(replies[1].Result) != `"pong"` || replies[1].Error != nil {
		t.Errorf("element 1 = %+v, want pong success", replies[1])
	}
	if string(replies[1].ID) != "2" {
		t.Errorf("element 1 id = %s, want 2", replies[1].ID)
	}
}

func TestMalformedBatchElementGetsOwnErrorEnvelope(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`[42,{"method":"ping","params":[],"id":3}]`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var replies []testReply
	if err := json.Unmarshal(rec.Body.Bytes(), &replies); err != nil {
		t.Fatalf("unparseable batch reply: %v", err)
	}
	if replies[0].Error == nil || replies[0].Error.Code != rpcserver.CodeInvalidRequest {
		t.Errorf("element 0 error = %+v, want invalid-request", replies[0].Error)
	}
	if string(replies[1].Result) != `"pong"` {
		t.Errorf("element 1 result = %s, want \"pong\"", replies[1].Result)
	}
}

// TestStatusMappingQuirk documents intentional behavior: parse errors and
// warmup rejections share the generic 500 status with unexpected internal
// failures instead of getting a client-error status. Clients are expected
// to branch on the envelope's error code, not the transport status.
func TestStatusMappingQuirk(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`{"method": nope`))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 (documented quirk, not 400)", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply.Error == nil || reply.Error.Code != rpcserver.CodeParseError {
		t.Fatalf("error = %+v, want parse-error", reply.Error)
	}
	if reply.Error.Message != "Parse error" {
		t.Errorf("message = %q", reply.Error.Message)
	}
}

func TestTopLevelScalarIsParseError(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`"hello"`))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply.Error == nil || reply.Error.Code != rpcserver.CodeParseError {
		t.Fatalf("error = %+v, want parse-error", reply.Error)
	}
	if reply.Error.Message != "Top-level object parse error" {
		t.Errorf("message = %q", reply.Error.Message)
	}
}

func TestInvalidRequestObjectMapsTo400(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"missing method", `{"params":[],"id":1}`, "Missing method"},
		{"method not a string", `{"method":5,"id":1}`, "Method must be a string"},
		{"params not an array", `{"method":"ping","params":{},"id":1}`, "Params must be an array"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.post(authed(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			reply := decodeReply(t, rec)
			if reply.Error == nil || reply.Error.Code != rpcserver.CodeInvalidRequest {
				t.Fatalf("error = %+v, want invalid-request", reply.Error)
			}
			if reply.Error.Message != tt.msg {
				t.Errorf("message = %q, want %q", reply.Error.Message, tt.msg)
			}
		})
	}
}

func TestApplicationErrorCarriedVerbatim(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.Register(rpcserver.Command{
		Category: "test",
		Name:     "appfail",
		Handler: func([]json.RawMessage) (interface{}, error) {
			return nil, rpcserver.NewError(-99, "wallet is locked")
		},
		Help: "appfail",
	})
	s.table.SetWarmupFinished()

	rec := s.post(authed(`{"method":"appfail","params":[],"id":1}`))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for application error", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply.Error == nil || reply.Error.Code != -99 || reply.Error.Message != "wallet is locked" {
		t.Errorf("error = %+v, want {-99 wallet is locked} carried verbatim", reply.Error)
	}
}

func TestNullIDEchoedForMissingID(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	rec := s.post(authed(`{"method":"ping","params":[]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"result":"pong","error":null,"id":null}` {
		t.Errorf("body = %q", got)
	}
}

func TestTimerProviderFiresOnce(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	var count atomic.Int32
	if err := s.table.RunLater("test-timer", func() { count.Add(1) }, 20*time.Millisecond); err != nil {
		t.Fatalf("RunLater: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("timer fired %d times, want 1", got)
	}
}

func TestTimerReplacementCancelsPending(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	var first, second atomic.Int32
	if err := s.table.RunLater("lock", func() { first.Add(1) }, 40*time.Millisecond); err != nil {
		t.Fatalf("RunLater: %v", err)
	}
	if err := s.table.RunLater("lock", func() { second.Add(1) }, 10*time.Millisecond); err != nil {
		t.Fatalf("RunLater: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := first.Load(); got != 0 {
		t.Errorf("replaced timer fired %d times, want 0", got)
	}
	if got := second.Load(); got != 1 {
		t.Errorf("replacement timer fired %d times, want 1", got)
	}
}

func TestMetricsCountOutcomes(t *testing.T) {
	s := newTestStack(t, nil)
	s.table.SetWarmupFinished()

	s.post(authed(`{"method":"ping","params":[],"id":1}`))
	s.request(http.MethodGet, "", nil)
	s.post(`{}`, nil)

	if got := testutil.ToFloat64(s.metrics.Requests.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.Requests.WithLabelValues("bad_method")); got != 1 {
		t.Errorf("bad_method outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.Requests.WithLabelValues("unauthorized")); got != 1 {
		t.Errorf("unauthorized outcomes = %v, want 1", got)
	}
}
