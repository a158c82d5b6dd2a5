// Package httprpc is the authenticated JSON-RPC-over-HTTP gateway. It
// glues the httpserver transport to an rpcserver.Table: every exchange on
// "/" runs the same gauntlet — POST check, Basic auth, warmup check, JSON
// parse, single or batch execution, error-to-status mapping — and writes
// exactly one reply.
//
// It also provides the http-backed timer provider that lets RPC handlers
// schedule deferred work on the transport's event loop.
package httprpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnehpets/rpcgate/httpserver"
	"github.com/mnehpets/rpcgate/rpcserver"
)

// DefaultAuthFailDelay is the fixed pause imposed on every failed
// authentication attempt. A flat delay deters brute-forcing without the
// state a real rate limiter would need; if this enables a DoS the RPC
// port should not have been exposed.
const DefaultAuthFailDelay = 250 * time.Millisecond

// Config configures a Gateway.
type Config struct {
	// Credential is the expected "user:pass". Empty makes every
	// authorization fail.
	Credential string
	// CredentialHash, when set, is a bcrypt hash of "user:pass" checked
	// instead of Credential.
	CredentialHash []byte
	// AuthFailDelay overrides DefaultAuthFailDelay. Negative disables the
	// delay (tests only).
	AuthFailDelay time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// Gateway dispatches authenticated JSON-RPC requests against a Table.
type Gateway struct {
	table          *rpcserver.Table
	credential     string
	credentialHash []byte
	authFailDelay  time.Duration
	log            *slog.Logger
	metrics        *Metrics

	timerIface *timerInterface
}

// New creates a Gateway executing against table.
func New(table *rpcserver.Table, cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	delay := cfg.AuthFailDelay
	if delay == 0 {
		delay = DefaultAuthFailDelay
	} else if delay < 0 {
		delay = 0
	}
	return &Gateway{
		table:          table,
		credential:     cfg.Credential,
		credentialHash: cfg.CredentialHash,
		authFailDelay:  delay,
		log:            log,
		metrics:        cfg.Metrics,
	}
}

// Start registers the gateway on the transport's root path and registers
// the http timer provider with the table.
func (g *Gateway) Start(srv *httpserver.Server) {
	g.log.Info("starting http rpc server")
	srv.RegisterHandler("/", true, g.ServeRPC)
	g.timerIface = newTimerInterface(srv.Loop())
	g.table.RegisterTimerInterface(g.timerIface)
}

// Stop unregisters the gateway and its timer provider.
func (g *Gateway) Stop(srv *httpserver.Server) {
	g.log.Info("stopping http rpc server")
	srv.UnregisterHandler("/", true)
	if g.timerIface != nil {
		g.table.UnregisterTimerInterface(g.timerIface)
		g.timerIface = nil
	}
}

// jsonRequest is one parsed JSON-RPC envelope.
type jsonRequest struct {
	ID     json.RawMessage
	Method string
	Params []json.RawMessage
}

// jsonResponse is the reply envelope. All three fields are always
// serialized; exactly one of Result and Error is non-null.
type jsonResponse struct {
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// parseJSONRequest extracts {method, params, id} from one envelope. The
// id is parsed first so errors from here on carry it.
func parseJSONRequest(raw json.RawMessage) (*jsonRequest, *rpcserver.RPCError) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Method json.RawMessage `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &jsonRequest{}, rpcserver.NewError(rpcserver.CodeInvalidRequest, "Invalid Request object")
	}
	req := &jsonRequest{ID: env.ID}

	if len(env.Method) == 0 || bytes.Equal(env.Method, []byte("null")) {
		return req, rpcserver.NewError(rpcserver.CodeInvalidRequest, "Missing method")
	}
	if err := json.Unmarshal(env.Method, &req.Method); err != nil {
		return req, rpcserver.NewError(rpcserver.CodeInvalidRequest, "Method must be a string")
	}

	switch {
	case len(env.Params) == 0 || bytes.Equal(env.Params, []byte("null")):
		req.Params = nil
	case env.Params[0] == '[':
		if err := json.Unmarshal(env.Params, &req.Params); err != nil {
			return req, rpcserver.NewError(rpcserver.CodeInvalidRequest, "Params must be an array")
		}
	default:
		return req, rpcserver.NewError(rpcserver.CodeInvalidRequest, "Params must be an array")
	}
	return req, nil
}

// ServeRPC handles one exchange. It is the httpserver.HandlerFunc the
// gateway registers on "/".
func (g *Gateway) ServeRPC(req *httpserver.Request, _ string) {
	start := time.Now()

	// JSON-RPC handles only POST. Rejecting other methods before auth
	// keeps GET/HEAD probes cheap and leaks no auth timing to them.
	if req.Method() != httpserver.MethodPOST {
		g.count("bad_method")
		req.WriteReply(http.StatusMethodNotAllowed, []byte("JSONRPC server handles only POST requests"))
		return
	}

	authHeader, ok := req.GetHeader("Authorization")
	if !ok {
		g.count("unauthorized")
		req.WriteReply(http.StatusUnauthorized, nil)
		return
	}

	if g.metrics != nil {
		g.metrics.AuthChecks.Inc()
	}
	if !g.authorized(authHeader) {
		g.log.Warn("incorrect rpc password attempt", "peer", req.Peer())
		g.count("unauthorized")
		if g.metrics != nil {
			g.metrics.AuthFailures.Inc()
		}
		// Deter brute-forcing.
		time.Sleep(g.authFailDelay)
		req.WriteReply(http.StatusUnauthorized, nil)
		return
	}

	body := req.ReadBody()
	reply, rpcErr, errID := g.processBody(body)
	if rpcErr != nil {
		g.count("error")
		g.errorReply(req, rpcErr, errID)
		return
	}

	req.WriteHeader("Content-Type", "application/json")
	req.WriteReply(http.StatusOK, reply)
	g.count("ok")
	if g.metrics != nil {
		g.metrics.Duration.Observe(time.Since(start).Seconds())
	}
}

// processBody parses and executes the request body. On failure it returns
// the protocol error together with the request id it could recover, so
// the error envelope still correlates. Any panic out of parsing or
// dispatch is converted to a parse-error envelope: one failing request
// must never leave the exchange un-replied.
func (g *Gateway) processBody(body []byte) (reply []byte, rpcErr *rpcserver.RPCError, errID json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			rpcErr = rpcserver.NewError(rpcserver.CodeParseError, fmt.Sprint(r))
		}
	}()

	var top json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, rpcserver.NewError(rpcserver.CodeParseError, "Parse error"), nil
	}

	// Return immediately if in warmup.
	if inWarmup, status := g.table.IsInWarmup(); inWarmup {
		return nil, rpcserver.NewError(rpcserver.CodeInWarmup, status), nil
	}

	switch {
	case len(top) > 0 && top[0] == '{':
		jreq, perr := parseJSONRequest(top)
		if perr != nil {
			return nil, perr, jreq.ID
		}
		resp, failed := g.execute(jreq)
		if failed != nil {
			return nil, failed, jreq.ID
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, rpcserver.NewError(rpcserver.CodeParseError, err.Error()), jreq.ID
		}
		return append(out, '\n'), nil, nil

	case len(top) > 0 && top[0] == '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(top, &elems); err != nil {
			return nil, rpcserver.NewError(rpcserver.CodeParseError, "Parse error"), nil
		}
		responses := make([]jsonResponse, 0, len(elems))
		for _, elem := range elems {
			responses = append(responses, g.executeOne(elem))
		}
		out, err := json.Marshal(responses)
		if err != nil {
			return nil, rpcserver.NewError(rpcserver.CodeParseError, err.Error()), nil
		}
		return append(out, '\n'), nil, nil

	default:
		return nil, rpcserver.NewError(rpcserver.CodeParseError, "Top-level object parse error"), nil
	}
}

// execute runs one parsed request against the table. A dispatch failure
// is returned to the caller, which decides whether it terminates the
// exchange (single request) or only this element (batch).
func (g *Gateway) execute(jreq *jsonRequest) (jsonResponse, *rpcserver.RPCError) {
	g.log.Debug("rpc method", "method", jreq.Method)
	result, err := g.table.Execute(jreq.Method, jreq.Params)
	if err != nil {
		return jsonResponse{}, asRPCError(err)
	}
	return jsonResponse{Result: result, Error: nil, ID: jreq.ID}, nil
}

// executeOne processes a single batch element. Its failures become its
// own error envelope and never abort sibling elements.
func (g *Gateway) executeOne(raw json.RawMessage) jsonResponse {
	jreq, perr := parseJSONRequest(raw)
	if perr != nil {
		return jsonResponse{Error: perr, ID: jreq.ID}
	}
	resp, failed := g.execute(jreq)
	if failed != nil {
		return jsonResponse{Error: failed, ID: jreq.ID}
	}
	return resp
}

// asRPCError normalizes err into an *RPCError; anything unrecognized is
// carried as a parse-error-coded envelope with the failure's message.
func asRPCError(err error) *rpcserver.RPCError {
	if rpcErr, ok := err.(*rpcserver.RPCError); ok {
		return rpcErr
	}
	return rpcserver.NewError(rpcserver.CodeParseError, err.Error())
}

// errorReply sends an error envelope. The transport status is derived
// from the error code, but the body is always a well-formed JSON-RPC
// envelope: clients are expected to branch on the envelope's code, not
// the HTTP status.
func (g *Gateway) errorReply(req *httpserver.Request, rpcErr *rpcserver.RPCError, id json.RawMessage) {
	status := http.StatusInternalServerError
	switch rpcErr.Code {
	case rpcserver.CodeInvalidRequest:
		status = http.StatusBadRequest
	case rpcserver.CodeMethodNotFound:
		status = http.StatusNotFound
	}

	body, err := json.Marshal(jsonResponse{Result: nil, Error: rpcErr, ID: id})
	if err != nil {
		req.WriteReply(http.StatusInternalServerError, nil)
		return
	}
	req.WriteHeader("Content-Type", "application/json")
	req.WriteReply(status, append(body, '\n'))
}

func (g *Gateway) count(outcome string) {
	if g.metrics != nil {
		g.metrics.Requests.WithLabelValues(outcome).Inc()
	}
}
