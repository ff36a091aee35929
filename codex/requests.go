package codex

import (
	"context"
	"fmt"
)

// Initialize performs the initialize handshake and sends initialized.
func (s *Session) Initialize(ctx context.Context) (InitializeResponse, error) {
	resp, err := Call[InitializeResponse](ctx, s, MethodInitialize, InitializeParams{ClientInfo: s.opts.ClientInfo})
	if err != nil {
		return resp, err
	}
	if err := s.Notify(MethodInitialized, nil); err != nil {
		return resp, fmt.Errorf("failed to send initialized: %w", err)
	}
	s.log.Info("session initialized", "userAgent", resp.UserAgent)
	return resp, nil
}

// NewConversation starts a v1 conversation.
func (s *Session) NewConversation(ctx context.Context, params NewConversationParams) (NewConversationResponse, error) {
	return Call[NewConversationResponse](ctx, s, MethodNewConversation, params)
}

// AddConversationListener subscribes this connection to a conversation's
// codex/event/* notifications.
func (s *Session) AddConversationListener(ctx context.Context, conversationID string) (AddConversationSubscriptionResponse, error) {
	return Call[AddConversationSubscriptionResponse](ctx, s, MethodAddConversationListener, AddConversationListenerParams{
		ConversationID: conversationID,
	})
}

// SendUserMessage submits a text message to a v1 conversation.
func (s *Session) SendUserMessage(ctx context.Context, conversationID, text string) error {
	_, err := Call[SendUserMessageResponse](ctx, s, MethodSendUserMessage, SendUserMessageParams{
		ConversationID: conversationID,
		Items:          []InputItem{TextItem(text)},
	})
	return err
}

// ThreadStart creates a v2 thread.
func (s *Session) ThreadStart(ctx context.Context, params ThreadStartParams) (ThreadStartResponse, error) {
	return Call[ThreadStartResponse](ctx, s, MethodThreadStart, params)
}

// ThreadResume reopens a stored thread.
func (s *Session) ThreadResume(ctx context.Context, threadID string) (ThreadResumeResponse, error) {
	return Call[ThreadResumeResponse](ctx, s, MethodThreadResume, ThreadResumeParams{ThreadID: threadID})
}

// ThreadList returns one page of stored threads.
func (s *Session) ThreadList(ctx context.Context, params ThreadListParams) (ThreadListResponse, error) {
	return Call[ThreadListResponse](ctx, s, MethodThreadList, params)
}

// TurnStart starts a turn on a thread.
func (s *Session) TurnStart(ctx context.Context, params TurnStartParams) (TurnStartResponse, error) {
	return Call[TurnStartResponse](ctx, s, MethodTurnStart, params)
}

// TurnInterrupt cancels an in-flight turn.
func (s *Session) TurnInterrupt(ctx context.Context, threadID, turnID string) error {
	_, err := Call[TurnInterruptResponse](ctx, s, MethodTurnInterrupt, TurnInterruptParams{
		ThreadID: threadID,
		TurnID:   turnID,
	})
	return err
}
