package codex

import (
	"errors"
	"fmt"

	"github.com/zhubert/plural-codex/approval"
	"github.com/zhubert/plural-codex/notify"
	"github.com/zhubert/plural-codex/rpc"
)

// handleServerRequest runs on the read loop. Auto rules are answered inline;
// human rules get a goroutine that writes the response once decided.
func (s *Session) handleServerRequest(req *rpc.Request) {
	log := s.log.With("method", req.Method, "requestID", req.ID.String())

	rule, ok := s.opts.Policy.Lookup(req.Method)
	if !ok {
		log.Warn("rejecting unsupported server request")
		s.reply(rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound,
			fmt.Sprintf("unsupported server request: %s", req.Method)))
		return
	}

	areq := approval.ParseRequest(req.ID, req.Method, rule, req.Params)
	if rule.Mode == approval.ModeAuto {
		log.Info("auto-answering approval", "decision", string(rule.Decision), "summary", areq.Summary())
		if err := s.respondApproval(req.ID, rule, rule.Decision); err != nil {
			log.Warn("failed to answer approval", "error", err)
		}
		return
	}

	p, err := s.approvals.Register(areq, rule)
	if err != nil {
		log.Warn("rejecting approval request", "error", err)
		s.reply(rpc.NewErrorResponse(req.ID, rpc.CodeInvalidRequest, err.Error()))
		return
	}
	log.Info("approval requested", "summary", areq.Summary())

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		d, decided := p.Wait(s.ctx, s.opts.ApprovalTimeout)
		if !decided {
			log.Warn("approval not decided, defaulting to denied")
		}
		err := s.respondApproval(req.ID, rule, d)
		if err != nil {
			log.Warn("failed to answer approval", "decision", string(d), "error", err)
		}
		p.Settle(err)
	}()

	s.bus.Publish(notify.TopicApprovalRequest, areq)
}

// SubmitApprovalDecision answers a pending approval. It returns once the
// response has been written, so successive submissions reach the server in
// the order they were made. Unknown or already-answered ids return
// approval.ErrNotFound.
func (s *Session) SubmitApprovalDecision(id rpc.RequestID, d approval.Decision) error {
	p, err := s.approvals.Resolve(id, d)
	if err != nil {
		return err
	}
	<-p.Settled()
	return p.Err()
}

// PendingApprovals returns the approvals waiting on a decision, oldest first.
func (s *Session) PendingApprovals() []approval.Request {
	return s.approvals.Requests()
}

func (s *Session) respondApproval(id rpc.RequestID, rule approval.Rule, d approval.Decision) error {
	payload, err := rule.Shape.Response(d)
	if err != nil {
		return err
	}
	resp, err := rpc.NewResponse(id, payload)
	if err != nil {
		return err
	}
	if err := s.send(resp); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return err
		}
		return fmt.Errorf("failed to send approval response: %w", err)
	}
	return nil
}

// reply writes a reply to a server request, logging rather than returning
// errors.
func (s *Session) reply(msg rpc.Message) {
	if err := s.send(msg); err != nil {
		s.log.Debug("failed to send reply", "error", err)
	}
}
