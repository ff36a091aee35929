package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhubert/plural-codex/rpc"
)

// Call sends a request and decodes its result into T.
func Call[T any](ctx context.Context, s *Session, method string, params any) (T, error) {
	raw, err := s.CallRaw(ctx, method, params)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := decodeResult[T](raw)
	if err != nil {
		return out, &DecodeError{Method: method, Raw: raw, Err: err}
	}
	return out, nil
}

// CallRaw sends a request and waits for its reply. The read loop keeps
// serving notifications and server requests meanwhile. If ctx ends first
// the call is abandoned and a late reply is dropped.
func (s *Session) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	id := s.opts.NewID()
	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if _, dup := s.pending[id]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("request id %s already in flight", id)
	}
	s.pending[id] = pc
	s.mu.Unlock()

	s.log.Debug("request", "method", method, "id", id.String())
	if err := s.send(req); err != nil {
		s.forget(id)
		return nil, err
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			s.log.Debug("request failed", "method", method, "id", id.String(), "error", res.err)
		}
		return res.raw, res.err
	case <-ctx.Done():
		s.forget(id)
		s.log.Debug("request abandoned", "method", method, "id", id.String(), "error", ctx.Err())
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify sends a notification.
func (s *Session) Notify(method string, params any) error {
	if err := s.Err(); err != nil {
		return err
	}
	n, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(n)
}

// PendingCalls returns the number of requests awaiting a reply.
func (s *Session) PendingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) forget(id rpc.RequestID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// decodeResult decodes raw into a T. Some servers wrap the result in a
// "payload" or "result" member, which is unwrapped only when the outer value
// does not decode. An object holding nothing but the wrapper counts as not
// decoding, since a loose decode of it would yield a zero T.
func decodeResult[T any](raw json.RawMessage) (T, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	v, outerErr := unmarshalAs[T](raw, true)
	if outerErr == nil {
		return v, nil
	}

	var members map[string]json.RawMessage
	_ = json.Unmarshal(raw, &members)
	nested, ok := members["payload"]
	if !ok {
		nested = members["result"]
	}
	own := 0
	for key := range members {
		if key != "payload" && key != "result" {
			own++
		}
	}

	if nested == nil || own > 0 {
		v, err := unmarshalAs[T](raw, false)
		if err == nil {
			return v, nil
		}
		outerErr = err
	}
	if nested == nil {
		var zero T
		return zero, outerErr
	}

	for _, strict := range []bool{true, false} {
		if v, err := unmarshalAs[T](nested, strict); err == nil {
			return v, nil
		}
	}
	var zero T
	return zero, outerErr
}

func unmarshalAs[T any](raw json.RawMessage, strict bool) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	err := dec.Decode(&v)
	return v, err
}
