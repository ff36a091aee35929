package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/zhubert/plural-codex/notify"
	"github.com/zhubert/plural-codex/rpc"
)

// NotificationQueue buffers notifications for one consumer.
type NotificationQueue = notify.Queue[rpc.Notification]

// Scope selects the notifications a stream yields and says when it ends.
type Scope struct {
	// Name appears in logs.
	Name string
	// Match reports whether n belongs to the scope. Nil matches everything.
	Match func(n rpc.Notification) bool
	// Terminal reports whether n ends the stream. The terminal notification
	// is yielded before the stream ends.
	Terminal func(n rpc.Notification) bool
	// Topic, if set, is the bus topic each yielded notification is
	// published on.
	Topic string
}

// scopeFields are the identifiers a notification may carry.
type scopeFields struct {
	ThreadID       string `json:"threadId"`
	TurnID         string `json:"turnId"`
	ConversationID string `json:"conversationId"`
	Turn           *Turn  `json:"turn"`
	Msg            *struct {
		Type string `json:"type"`
	} `json:"msg"`
}

func parseScope(n rpc.Notification) scopeFields {
	var f scopeFields
	if len(n.Params) > 0 {
		_ = json.Unmarshal(n.Params, &f)
	}
	if f.TurnID == "" && f.Turn != nil {
		f.TurnID = f.Turn.ID
	}
	return f
}

// TurnScope follows one v2 turn. Notifications naming another thread or
// turn are skipped; ones naming neither pass through. The stream ends on
// turn/completed for the turn.
func TurnScope(threadID, turnID string) Scope {
	return Scope{
		Name: "turn " + turnID,
		Match: func(n rpc.Notification) bool {
			f := parseScope(n)
			if f.ThreadID != "" && f.ThreadID != threadID {
				return false
			}
			return f.TurnID == "" || f.TurnID == turnID
		},
		Terminal: func(n rpc.Notification) bool {
			return n.Method == NotifyTurnCompleted && parseScope(n).TurnID == turnID
		},
		Topic: notify.TopicTurnEvent,
	}
}

// ConversationScope follows one v1 conversation's codex/event/* stream,
// ending on task_complete or turn_aborted.
func ConversationScope(conversationID string) Scope {
	return Scope{
		Name: "conversation " + conversationID,
		Match: func(n rpc.Notification) bool {
			if !strings.HasPrefix(n.Method, ConversationEventPrefix) {
				return false
			}
			return parseScope(n).ConversationID == conversationID
		},
		Terminal: func(n rpc.Notification) bool {
			f := parseScope(n)
			if f.Msg == nil {
				return false
			}
			return f.Msg.Type == EventTaskComplete || f.Msg.Type == EventTurnAborted
		},
		Topic: notify.TopicConversationEvent,
	}
}

// OpenQueue returns a queue that receives every notification from now on.
// Open it before issuing the request whose notifications it should catch,
// and Close it when done.
func (s *Session) OpenQueue() *NotificationQueue {
	return s.router.OpenQueue()
}

// NextNotification returns the next notification from the session-wide
// queue. Responses and server requests never appear here.
func (s *Session) NextNotification(ctx context.Context) (rpc.Notification, error) {
	return s.router.Default().Next(ctx)
}

// Stream yields the notifications in q that match scope until the terminal
// one, ctx ends or the session disconnects. Errors are yielded once and end
// the sequence. Breaking out of the loop early is allowed.
func (s *Session) Stream(ctx context.Context, q *NotificationQueue, scope Scope) iter.Seq2[rpc.Notification, error] {
	return func(yield func(rpc.Notification, error) bool) {
		for {
			n, err := q.Next(ctx)
			if err != nil {
				yield(rpc.Notification{}, err)
				return
			}
			if scope.Match != nil && !scope.Match(n) {
				continue
			}
			if scope.Topic != "" {
				s.bus.Publish(scope.Topic, n)
			}
			if !yield(n, nil) {
				return
			}
			if scope.Terminal != nil && scope.Terminal(n) {
				s.log.Debug("stream finished", "scope", scope.Name, "method", n.Method)
				return
			}
		}
	}
}

// TurnHandles identifies the thread and turn created by RunTurn.
type TurnHandles struct {
	ThreadID string
	TurnID   string
}

// StartTurn creates a thread and starts a turn on it without waiting for
// the turn to finish. The returned queue has seen every notification since
// before the thread was created; the caller must Close it.
func (s *Session) StartTurn(ctx context.Context, prompt, cwd string) (TurnHandles, *NotificationQueue, error) {
	q := s.OpenQueue()

	thread, err := s.ThreadStart(ctx, ThreadStartParams{Cwd: cwd})
	if err != nil {
		q.Close()
		return TurnHandles{}, nil, err
	}
	handles := TurnHandles{ThreadID: thread.Thread.ID}

	turn, err := s.TurnStart(ctx, TurnStartParams{
		ThreadID: handles.ThreadID,
		Input:    []UserInput{TextInput(prompt)},
		Cwd:      cwd,
	})
	if err != nil {
		q.Close()
		return handles, nil, err
	}
	handles.TurnID = turn.Turn.ID
	s.log.Info("turn started", "threadID", handles.ThreadID, "turnID", handles.TurnID)
	return handles, q, nil
}

// RunTurn creates a thread, starts a turn with prompt and streams the turn
// to completion. onEvent, if non-nil, sees each notification of the turn.
func (s *Session) RunTurn(ctx context.Context, prompt, cwd string, onEvent func(rpc.Notification)) (TurnHandles, error) {
	handles, q, err := s.StartTurn(ctx, prompt, cwd)
	if err != nil {
		return handles, err
	}
	defer q.Close()

	for n, err := range s.Stream(ctx, q, TurnScope(handles.ThreadID, handles.TurnID)) {
		if err != nil {
			return handles, fmt.Errorf("turn %s: %w", handles.TurnID, err)
		}
		if onEvent != nil {
			onEvent(n)
		}
	}
	return handles, nil
}

// SendMessageAndStream sends text to a v1 conversation and streams its
// events until the task completes.
func (s *Session) SendMessageAndStream(ctx context.Context, conversationID, text string, onEvent func(rpc.Notification)) error {
	q := s.OpenQueue()
	defer q.Close()

	if err := s.SendUserMessage(ctx, conversationID, text); err != nil {
		return err
	}
	for n, err := range s.Stream(ctx, q, ConversationScope(conversationID)) {
		if err != nil {
			return fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		if onEvent != nil {
			onEvent(n)
		}
	}
	return nil
}
