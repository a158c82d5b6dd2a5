package rpcserver

// JSON-RPC protocol error codes (the -327xx range) plus server error
// codes carried in the error envelope's code field. Application handlers
// may return arbitrary codes; this layer never reinterprets them.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeMiscError        = -1
	CodeTypeError        = -3
	CodeInvalidParameter = -8
	CodeInWarmup         = -28
)

// RPCError is the structured error carried in a JSON-RPC error envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// NewError creates an RPCError.
func NewError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}
