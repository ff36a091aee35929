package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-codex/codex"
	"github.com/zhubert/plural-codex/logger"
	"github.com/zhubert/plural-codex/manager"
	"github.com/zhubert/plural-codex/notify"
)

const interruptTimeout = 5 * time.Second

type runOptions struct {
	cwd     string
	model   string
	thread  string
	v1      bool
	yes     bool
	raw     bool
	verbose bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run PROMPT...",
		Short: "Run one turn and stream it to the terminal",
		Long: `Run starts codex app-server, sends PROMPT and streams the reply until
the turn completes. Approval requests are asked on the terminal unless
--yes is given. Ctrl-C interrupts the turn.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if opts.cwd == "" {
				opts.cwd = a.settings.WorkingDir
			}
			if opts.v1 && opts.thread != "" {
				return errors.New("--thread cannot be combined with --v1")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withSession(ctx, func(sm *manager.SessionManager, s *codex.Session) error {
				sub := sm.Bus().Subscribe(notify.TopicApprovalRequest)
				defer sm.Bus().Unsubscribe(sub)

				pctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go newPrompter(s, a.in, a.out, opts.yes).Run(pctx, sub)

				p := newPrinter(a.out, opts.raw, opts.verbose)
				defer p.endLine()
				if opts.v1 {
					return runConversation(ctx, s, prompt, opts, p)
				}
				return runThreadTurn(ctx, s, prompt, opts, p)
			})
		},
	}

	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "working directory for the turn (default working_dir setting)")
	cmd.Flags().StringVar(&opts.model, "model", "", "model override")
	cmd.Flags().StringVar(&opts.thread, "thread", "", "resume this thread instead of starting a new one")
	cmd.Flags().BoolVar(&opts.v1, "v1", false, "use the conversation protocol instead of threads and turns")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "approve every request without asking")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "print notifications as method and JSON params")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print notifications that have no rendering")
	return cmd
}

// runThreadTurn starts or resumes a thread and streams one turn on it.
func runThreadTurn(ctx context.Context, s *codex.Session, prompt string, opts runOptions, p *printer) error {
	// Open before any request so nothing the server sends is missed.
	q := s.OpenQueue()
	defer q.Close()

	threadID := opts.thread
	if threadID != "" {
		resp, err := s.ThreadResume(ctx, threadID)
		if err != nil {
			return err
		}
		if resp.Thread.ID != "" {
			threadID = resp.Thread.ID
		}
	} else {
		resp, err := s.ThreadStart(ctx, codex.ThreadStartParams{Model: opts.model, Cwd: opts.cwd})
		if err != nil {
			return err
		}
		threadID = resp.Thread.ID
	}
	p.line(dimColor, "thread %s", threadID)

	turn, err := s.TurnStart(ctx, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{codex.TextInput(prompt)},
		Cwd:      opts.cwd,
		Model:    opts.model,
	})
	if err != nil {
		return err
	}
	turnID := turn.Turn.ID

	for n, err := range s.Stream(ctx, q, codex.TurnScope(threadID, turnID)) {
		if err != nil {
			if ctx.Err() != nil {
				interruptTurn(s, threadID, turnID, p)
			}
			return err
		}
		p.Notification(n)
	}
	return nil
}

// interruptTurn asks the server to stop a turn after the user hit Ctrl-C.
// ctx is already cancelled, so the request gets its own deadline.
func interruptTurn(s *codex.Session, threadID, turnID string, p *printer) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()

	p.line(warnColor, "interrupting turn %s", turnID)
	if err := s.TurnInterrupt(ctx, threadID, turnID); err != nil {
		logger.WithSession(s.ID()).Warn("failed to interrupt turn", "turnID", turnID, "error", err)
	}
}

// runConversation drives one message through the conversation protocol.
func runConversation(ctx context.Context, s *codex.Session, prompt string, opts runOptions, p *printer) error {
	conv, err := s.NewConversation(ctx, codex.NewConversationParams{Model: opts.model, Cwd: opts.cwd})
	if err != nil {
		return err
	}
	if _, err := s.AddConversationListener(ctx, conv.ConversationID); err != nil {
		return err
	}
	p.line(dimColor, "conversation %s (%s)", conv.ConversationID, conv.Model)

	return s.SendMessageAndStream(ctx, conv.ConversationID, prompt, p.Notification)
}
