package codex

import "encoding/json"

// Lifecycle methods.
const (
	// MethodInitialize must be the first request after spawning.
	MethodInitialize = "initialize"
	// MethodInitialized is the client notification sent after initialize succeeds.
	MethodInitialized = "initialized"
)

// Conversation methods (v1 protocol).
const (
	MethodNewConversation         = "newConversation"
	MethodAddConversationListener = "addConversationListener"
	MethodSendUserMessage         = "sendUserMessage"
)

// Thread and turn methods (v2 protocol).
const (
	// MethodThreadStart creates a new thread and subscribes to its events.
	MethodThreadStart = "thread/start"
	// MethodThreadResume resumes an existing thread by id.
	MethodThreadResume = "thread/resume"
	// MethodThreadList pages through stored threads.
	MethodThreadList = "thread/list"
	// MethodTurnStart starts a new turn for a thread.
	MethodTurnStart = "turn/start"
	// MethodTurnInterrupt cancels an in-flight turn.
	MethodTurnInterrupt = "turn/interrupt"
)

// Server notifications.
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyItemStarted           = "item/started"
	NotifyItemCompleted         = "item/completed"
	NotifyItemAgentMessageDelta = "item/agentMessage/delta"
	NotifyError                 = "error"

	// ConversationEventPrefix prefixes every v1 conversation event.
	ConversationEventPrefix = "codex/event/"
)

// Conversation event message types that end a conversation stream.
const (
	EventTaskComplete = "task_complete"
	EventTurnAborted  = "turn_aborted"
)

// ClientInfo identifies this client during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

type InitializeResponse struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// NewConversationParams configures a v1 conversation. Empty fields take the
// server's defaults.
type NewConversationParams struct {
	Model            string          `json:"model,omitempty"`
	Profile          string          `json:"profile,omitempty"`
	Cwd              string          `json:"cwd,omitempty"`
	ApprovalPolicy   string          `json:"approvalPolicy,omitempty"`
	Sandbox          string          `json:"sandbox,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
	BaseInstructions string          `json:"baseInstructions,omitempty"`
}

type NewConversationResponse struct {
	ConversationID  string `json:"conversationId"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	RolloutPath     string `json:"rolloutPath,omitempty"`
}

type AddConversationListenerParams struct {
	ConversationID        string `json:"conversationId"`
	ExperimentalRawEvents bool   `json:"experimentalRawEvents"`
}

type AddConversationSubscriptionResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

type SendUserMessageParams struct {
	ConversationID string      `json:"conversationId"`
	Items          []InputItem `json:"items"`
}

// InputItem is a v1 user input item.
type InputItem struct {
	Type string        `json:"type"`
	Data InputItemData `json:"data"`
}

type InputItemData struct {
	Text string `json:"text,omitempty"`
}

// TextItem returns a text input item.
func TextItem(text string) InputItem {
	return InputItem{Type: "text", Data: InputItemData{Text: text}}
}

type SendUserMessageResponse struct{}

// Thread is a v2 conversation thread.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Path      string `json:"path,omitempty"`
}

type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

type ThreadStartResponse struct {
	Thread Thread `json:"thread"`
	Model  string `json:"model,omitempty"`
}

type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
}

type ThreadResumeResponse struct {
	Thread Thread `json:"thread"`
}

type ThreadListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ThreadListResponse struct {
	Data       []Thread `json:"data"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// UserInput is a v2 user input item.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextInput returns a text user input.
func TextInput(text string) UserInput {
	return UserInput{Type: "text", Text: text}
}

type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
	Cwd      string      `json:"cwd,omitempty"`
	Model    string      `json:"model,omitempty"`
}

// Turn is one exchange within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type TurnStartResponse struct {
	Turn Turn `json:"turn"`
}

type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type TurnInterruptResponse struct{}

// TurnNotification is the params of turn/started and turn/completed.
type TurnNotification struct {
	ThreadID string `json:"threadId"`
	Turn     Turn   `json:"turn"`
}

// ConversationEvent is the params of a codex/event/* notification.
type ConversationEvent struct {
	ConversationID string          `json:"conversationId"`
	ID             string          `json:"id,omitempty"`
	Msg            json.RawMessage `json:"msg"`
}

// Type returns the msg.type tag of the event.
func (e ConversationEvent) Type() string {
	var tag struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(e.Msg, &tag) != nil {
		return ""
	}
	return tag.Type
}
