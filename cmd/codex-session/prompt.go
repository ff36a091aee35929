package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zhubert/plural-codex/approval"
	"github.com/zhubert/plural-codex/logger"
	"github.com/zhubert/plural-codex/notify"
	"github.com/zhubert/plural-codex/rpc"
)

// decider is the part of a session the prompter answers through.
type decider interface {
	SubmitApprovalDecision(id rpc.RequestID, d approval.Decision) error
}

// prompter answers approval requests published on the bus, either by asking
// on the terminal or by approving everything when autoApprove is set.
type prompter struct {
	session     decider
	in          *bufio.Reader
	out         io.Writer
	autoApprove bool
}

func newPrompter(session decider, in io.Reader, out io.Writer, autoApprove bool) *prompter {
	return &prompter{
		session:     session,
		in:          bufio.NewReader(in),
		out:         out,
		autoApprove: autoApprove,
	}
}

// Run answers requests from sub until ctx is done.
func (p *prompter) Run(ctx context.Context, sub *notify.Subscription) {
	log := logger.WithComponent("prompter")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			req, ok := ev.Payload.(approval.Request)
			if !ok {
				continue
			}
			d := p.decide(req)
			if err := p.session.SubmitApprovalDecision(req.RequestID, d); err != nil {
				if errors.Is(err, approval.ErrNotFound) {
					warnColor.Fprintf(p.out, "approval %s already settled\n", req.RequestID)
				}
				log.Warn("failed to submit approval", "requestID", req.RequestID.String(), "error", err)
			}
		}
	}
}

func (p *prompter) decide(req approval.Request) approval.Decision {
	fmt.Fprintln(p.out)
	promptColor.Fprintf(p.out, "approval required: %s\n", req.Summary())
	if req.Cwd != "" {
		dimColor.Fprintf(p.out, "  in %s\n", req.Cwd)
	}
	if len(req.ExecpolicyAmendment) > 0 {
		dimColor.Fprintf(p.out, "  [a]lways allows: %s\n", strings.Join(req.ExecpolicyAmendment, " "))
	}
	if p.autoApprove {
		okColor.Fprintln(p.out, "  approved (--yes)")
		return approval.Approved
	}

	for {
		fmt.Fprint(p.out, "  [y]es / [a]lways / [N]o / [c]ancel turn: ")
		line, err := p.in.ReadString('\n')
		d, perr := parseAnswer(line)
		if perr == nil {
			return d
		}
		if err != nil {
			// stdin closed; deny rather than block the turn
			fmt.Fprintln(p.out)
			return approval.Denied
		}
		warnColor.Fprintln(p.out, "  "+perr.Error())
	}
}

// parseAnswer maps a terminal answer to a decision. An empty answer denies.
func parseAnswer(s string) (approval.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return approval.Approved, nil
	case "a", "always":
		return approval.ApprovedForSession, nil
	case "", "n", "no":
		return approval.Denied, nil
	case "c", "cancel":
		return approval.Abort, nil
	}
	return approval.ParseDecision(strings.TrimSpace(s))
}
