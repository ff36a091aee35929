package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is one of *Request, *Response, *ErrorResponse or *Notification.
type Message interface {
	isMessage()
}

// Request is a call that expects a reply carrying the same id. Both sides
// send requests: the client for its own calls, the server for approvals.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Response is a successful reply to a request.
type Response struct {
	ID     RequestID
	Result json.RawMessage
}

// ErrorResponse is a failed reply to a request.
type ErrorResponse struct {
	ID    RequestID
	Error ErrorObject
}

// Notification is a one-way message with no id.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) isMessage()       {}
func (*Response) isMessage()      {}
func (*ErrorResponse) isMessage() {}
func (*Notification) isMessage()  {}

// ErrorObject is the error member of an error response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a line that is not a well-formed message.
type ProtocolError struct {
	Line []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (line: %s)", e.Err, truncate(e.Line, 200))
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

var (
	errNotObject = errors.New("message is not a JSON object")
	errNoShape   = errors.New("message matches no known shape")
)

// wireMessage is the on-the-wire form shared by every variant.
type wireMessage struct {
	ID     *RequestID      `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// Decode classifies one line of input by the members it carries:
// id+method is a Request, id+result a Response, id+error an ErrorResponse
// and method without id a Notification.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, &ProtocolError{Line: line, Err: errNotObject}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, &ProtocolError{Line: line, Err: err}
	}

	rawID, hasID := fields["id"]
	rawMethod, hasMethod := fields["method"]
	params := fields["params"]
	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]

	var id RequestID
	if hasID {
		if err := json.Unmarshal(rawID, &id); err != nil {
			return nil, &ProtocolError{Line: line, Err: err}
		}
	}

	var method string
	if hasMethod {
		if err := json.Unmarshal(rawMethod, &method); err != nil {
			return nil, &ProtocolError{Line: line, Err: fmt.Errorf("invalid method: %w", err)}
		}
	}

	switch {
	case hasID && hasMethod:
		return &Request{ID: id, Method: method, Params: params}, nil
	case hasID && hasResult:
		return &Response{ID: id, Result: result}, nil
	case hasID && hasError:
		var obj ErrorObject
		if err := json.Unmarshal(rawErr, &obj); err != nil {
			return nil, &ProtocolError{Line: line, Err: fmt.Errorf("invalid error object: %w", err)}
		}
		return &ErrorResponse{ID: id, Error: obj}, nil
	case hasMethod:
		return &Notification{Method: method, Params: params}, nil
	default:
		return nil, &ProtocolError{Line: line, Err: errNoShape}
	}
}

// Encode renders a message as a single line without the trailing newline.
func Encode(m Message) ([]byte, error) {
	var w wireMessage
	switch v := m.(type) {
	case *Request:
		id := v.ID
		w = wireMessage{ID: &id, Method: v.Method, Params: v.Params}
	case *Response:
		id := v.ID
		result := v.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		w = wireMessage{ID: &id, Result: result}
	case *ErrorResponse:
		id := v.ID
		obj := v.Error
		w = wireMessage{ID: &id, Error: &obj}
	case *Notification:
		w = wireMessage{Method: v.Method, Params: v.Params}
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}
	return json.Marshal(w)
}

// NewRequest builds a request, marshalling params unless nil.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification, marshalling params unless nil.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse builds a successful reply.
func NewResponse(id RequestID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed reply.
func NewErrorResponse(id RequestID, code int, message string) *ErrorResponse {
	return &ErrorResponse{ID: id, Error: ErrorObject{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(params)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
