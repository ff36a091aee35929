// Package approval decides how server-initiated approval requests are
// answered and tracks those waiting on a human.
package approval

import (
	"fmt"
	"strings"
)

// Decision is the verdict on an approval request.
type Decision string

const (
	Approved           Decision = "approved"
	ApprovedForSession Decision = "approved_for_session"
	Denied             Decision = "denied"
	Abort              Decision = "abort"
)

// ParseDecision accepts both the review names (approved, denied, ...) and
// the item-level names (accept, acceptForSession, decline, cancel).
func ParseDecision(s string) (Decision, error) {
	switch strings.TrimSpace(s) {
	case "approved", "accept", "allow", "yes":
		return Approved, nil
	case "approved_for_session", "acceptForSession", "always":
		return ApprovedForSession, nil
	case "denied", "decline", "deny", "no":
		return Denied, nil
	case "abort", "cancel":
		return Abort, nil
	}
	return "", fmt.Errorf("unknown approval decision %q", s)
}

// Valid reports whether d is one of the four decisions.
func (d Decision) Valid() bool {
	switch d {
	case Approved, ApprovedForSession, Denied, Abort:
		return true
	}
	return false
}

// itemDecision maps d onto the names used by item-level approvals.
func (d Decision) itemDecision() string {
	switch d {
	case Approved, ApprovedForSession:
		return "accept"
	case Abort:
		return "cancel"
	default:
		return "decline"
	}
}

// Shape selects the response payload a request method expects.
type Shape string

const (
	// ShapeReview answers execCommandApproval and applyPatchApproval.
	ShapeReview Shape = "review"
	// ShapeCommandExecution answers item/commandExecution/requestApproval.
	ShapeCommandExecution Shape = "commandExecution"
	// ShapeFileChange answers item/fileChange/requestApproval.
	ShapeFileChange Shape = "fileChange"
)

// ReviewResponse is the result for review-shaped requests.
type ReviewResponse struct {
	Decision Decision `json:"decision"`
}

// CommandExecutionResponse is the result for command execution approvals.
type CommandExecutionResponse struct {
	Decision       string          `json:"decision"`
	AcceptSettings *AcceptSettings `json:"acceptSettings,omitempty"`
}

// AcceptSettings qualifies an accepted command execution.
type AcceptSettings struct {
	ForSession bool `json:"forSession"`
}

// FileChangeResponse is the result for file change approvals.
type FileChangeResponse struct {
	Decision string `json:"decision"`
}

// Response builds the result payload for d in this shape.
func (s Shape) Response(d Decision) (any, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid decision %q", d)
	}
	switch s {
	case ShapeReview:
		return ReviewResponse{Decision: d}, nil
	case ShapeCommandExecution:
		resp := CommandExecutionResponse{Decision: d.itemDecision()}
		if resp.Decision == "accept" {
			resp.AcceptSettings = &AcceptSettings{ForSession: d == ApprovedForSession}
		}
		return resp, nil
	case ShapeFileChange:
		return FileChangeResponse{Decision: d.itemDecision()}, nil
	}
	return nil, fmt.Errorf("unknown response shape %q", s)
}

// Valid reports whether s is a known shape.
func (s Shape) Valid() bool {
	switch s {
	case ShapeReview, ShapeCommandExecution, ShapeFileChange:
		return true
	}
	return false
}
