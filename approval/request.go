package approval

import (
	"encoding/json"
	"strings"

	"github.com/zhubert/plural-codex/rpc"
)

// Request is the approval event shown to a human. Fields are extracted from
// the server's params; the raw params are kept for anything not modeled.
type Request struct {
	RequestID           rpc.RequestID   `json:"requestId"`
	Method              string          `json:"method"`
	Kind                string          `json:"kind"`
	ConversationID      string          `json:"conversationId,omitempty"`
	ThreadID            string          `json:"threadId,omitempty"`
	TurnID              string          `json:"turnId,omitempty"`
	ItemID              string          `json:"itemId,omitempty"`
	CallID              string          `json:"callId,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	Command             []string        `json:"command,omitempty"`
	Cwd                 string          `json:"cwd,omitempty"`
	FileChanges         json.RawMessage `json:"fileChanges,omitempty"`
	GrantRoot           string          `json:"grantRoot,omitempty"`
	// ExecpolicyAmendment is the command prefix the server proposes to allow
	// from now on.
	ExecpolicyAmendment []string        `json:"proposedExecpolicyAmendment,omitempty"`
	Params              json.RawMessage `json:"params,omitempty"`
}

// Summary is a one-line description for prompts and logs.
func (r Request) Summary() string {
	switch {
	case len(r.Command) > 0:
		return r.Kind + ": " + strings.Join(r.Command, " ")
	case r.Reason != "":
		return r.Kind + ": " + r.Reason
	case r.GrantRoot != "":
		return r.Kind + ": grant write access to " + r.GrantRoot
	}
	return r.Kind
}

// requestParams is the union of the params of every approval method.
type requestParams struct {
	ConversationID string          `json:"conversationId"`
	ThreadID       string          `json:"threadId"`
	TurnID         string          `json:"turnId"`
	ItemID         string          `json:"itemId"`
	CallID         string          `json:"callId"`
	Reason         string          `json:"reason"`
	Command        json.RawMessage `json:"command"`
	Cwd            string          `json:"cwd"`
	FileChanges    json.RawMessage `json:"fileChanges"`
	Changes        json.RawMessage `json:"changes"`
	GrantRoot      string          `json:"grantRoot"`
	Amendment      []string        `json:"proposedExecpolicyAmendment"`
}

// ParseRequest builds the approval event for a server request. Unparseable
// params still produce an event carrying the raw params.
func ParseRequest(id rpc.RequestID, method string, rule Rule, params json.RawMessage) Request {
	req := Request{
		RequestID: id,
		Method:    method,
		Kind:      rule.Kind,
		Params:    params,
	}
	if req.Kind == "" {
		req.Kind = method
	}

	var p requestParams
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return req
	}

	req.ConversationID = p.ConversationID
	req.ThreadID = p.ThreadID
	req.TurnID = p.TurnID
	req.ItemID = p.ItemID
	req.CallID = p.CallID
	req.Reason = p.Reason
	req.Cwd = p.Cwd
	req.GrantRoot = p.GrantRoot
	req.Command = parseCommand(p.Command)
	req.ExecpolicyAmendment = p.Amendment
	req.FileChanges = p.FileChanges
	if len(req.FileChanges) == 0 {
		req.FileChanges = p.Changes
	}
	return req
}

// parseCommand accepts either an argv array or a single shell string.
func parseCommand(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return argv
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []string{s}
	}
	return nil
}
