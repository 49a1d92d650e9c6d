package target

import (
	"errors"
	"fmt"
)

// ErrUnreachable marks failures where the target could not be contacted or
// did not answer in time. The command may or may not have taken effect.
var ErrUnreachable = errors.New("target unreachable")

// Error codes the target uses for a missing resource.
const (
	codeNoEntry  = -2  // ENOENT
	codeNoDevice = -19 // ENODEV
)

// RPCError is a JSON-RPC error object returned by the target when it rejects
// a request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("target rejected request: %s (code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("target rejected %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// IsRejected reports whether err is a rejection by the target.
func IsRejected(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// IsUnreachable reports whether err means the target could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsNotFound reports whether the target rejected a request because the
// named resource does not exist.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == codeNoEntry || rpcErr.Code == codeNoDevice
}
