package codex

import (
	"errors"
	"fmt"

	"github.com/zhubert/plural-codex/rpc"
)

var (
	// ErrDisconnected matches every DisconnectedError.
	ErrDisconnected = errors.New("codex app-server disconnected")

	// ErrSessionClosed is the cause recorded when Close is called.
	ErrSessionClosed = errors.New("session closed")
)

// DisconnectedError is returned by every pending and subsequent operation
// once the session has ended.
type DisconnectedError struct {
	Cause error
}

func (e *DisconnectedError) Error() string {
	if e.Cause == nil {
		return ErrDisconnected.Error()
	}
	return fmt.Sprintf("%s: %v", ErrDisconnected, e.Cause)
}

func (e *DisconnectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDisconnected}
	}
	return []error{ErrDisconnected, e.Cause}
}

// RequestError is a JSON-RPC error response to one of our requests.
type RequestError struct {
	Method string
	ID     rpc.RequestID
	Err    rpc.ErrorObject
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Err.Message)
}

// Code returns the JSON-RPC error code.
func (e *RequestError) Code() int {
	return e.Err.Code
}

// DecodeError reports a result that did not match the expected type, even
// after unwrapping a nested payload or result member.
type DecodeError struct {
	Method string
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s response: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
