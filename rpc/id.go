// Package rpc implements the newline-delimited JSON-RPC dialect spoken by
// `codex app-server`. Messages carry no "jsonrpc" member; the variant of a
// message is decided purely by which members are present.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// RequestID identifies a request. The peer may use strings or integers, and
// the two forms never compare equal to each other. RequestID is comparable
// and usable as a map key.
type RequestID struct {
	str   string
	num   int64
	isNum bool
}

// StringID returns a string-valued id.
func StringID(s string) RequestID {
	return RequestID{str: s}
}

// IntID returns an integer-valued id.
func IntID(n int64) RequestID {
	return RequestID{num: n, isNum: true}
}

// NewID returns a fresh UUID string id for an outbound request.
func NewID() RequestID {
	return StringID(uuid.New().String())
}

// IsZero reports whether the id is the empty string id, which is what a
// JSON null id decodes to.
func (id RequestID) IsZero() bool {
	return !id.isNum && id.str == ""
}

func (id RequestID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// MarshalJSON encodes the id in its original form.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

// UnmarshalJSON accepts a JSON string, an integral JSON number or null.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return fmt.Errorf("empty request id")
	case bytes.Equal(data, []byte("null")):
		*id = RequestID{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid request id: %w", err)
		}
		*id = StringID(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid request id %s: must be a string or integer", data)
		}
		*id = IntID(n)
		return nil
	}
}
