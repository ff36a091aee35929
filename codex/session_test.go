package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/plural-codex/notify"
	"github.com/zhubert/plural-codex/rpc"
	"github.com/zhubert/plural-codex/transport"
)

func TestCall_TypedResult(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	go func() {
		req := srv.expectRequest(MethodNewConversation)
		srv.respond(req.ID, map[string]any{"conversationId": "c1", "model": "gpt-5"})
	}()

	resp, err := s.NewConversation(context.Background(), NewConversationParams{Cwd: "/repo"})
	if err != nil {
		t.Fatalf("NewConversation() error = %v", err)
	}
	if resp.ConversationID != "c1" || resp.Model != "gpt-5" {
		t.Errorf("NewConversation() = %+v", resp)
	}
}

func TestCall_RequestWireFormat(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	done := make(chan string, 1)
	go func() {
		line := srv.nextLine()
		done <- line
		msg, _ := rpc.Decode([]byte(line))
		srv.respond(msg.(*rpc.Request).ID, map[string]any{})
	}()

	if err := s.TurnInterrupt(context.Background(), "t1", "u1"); err != nil {
		t.Fatalf("TurnInterrupt() error = %v", err)
	}
	line := <-done
	want := `{"id":"1","method":"turn/interrupt","params":{"threadId":"t1","turnId":"u1"}}`
	if line != want {
		t.Errorf("wire = %s, want %s", line, want)
	}
}

func TestCall_ConcurrentOutOfOrder(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	const n = 10

	go func() {
		reqs := make([]*rpc.Request, 0, n)
		for range n {
			reqs = append(reqs, srv.expectRequest("echo"))
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			var params struct {
				N int `json:"n"`
			}
			json.Unmarshal(reqs[i].Params, &params)
			srv.respond(reqs[i].ID, map[string]int{"n": params.N})
		}
	}()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := Call[struct {
				N int `json:"n"`
			}](context.Background(), s, "echo", map[string]int{"n": i})
			if err != nil {
				t.Errorf("Call(%d) error = %v", i, err)
				return
			}
			if got.N != i {
				t.Errorf("Call(%d) got reply for %d", i, got.N)
			}
		}()
	}
	wg.Wait()

	if s.PendingCalls() != 0 {
		t.Errorf("PendingCalls() = %d, want 0", s.PendingCalls())
	}
}

func TestCall_ErrorResponse(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	go func() {
		req := srv.expectRequest(MethodThreadStart)
		srv.sendJSON(map[string]any{
			"id":    req.ID,
			"error": map[string]any{"code": -32000, "message": "sandbox unavailable"},
		})
	}()

	_, err := s.ThreadStart(context.Background(), ThreadStartParams{})
	var rerr *RequestError
	if !errors.As(err, &rerr) {
		t.Fatalf("ThreadStart() error = %v, want *RequestError", err)
	}
	if rerr.Code() != -32000 {
		t.Errorf("Code() = %d", rerr.Code())
	}
	if err.Error() != "thread/start failed: sandbox unavailable" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCall_NestedPayloadFallback(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{"direct", `{"conversationId":"c1","model":"m"}`},
		{"payload", `{"payload":{"conversationId":"c1","model":"m"}}`},
		{"result", `{"result":{"conversationId":"c1","model":"m"}}`},
		{"extra fields", `{"conversationId":"c1","model":"m","unknown":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, srv := newTestSession(t, Options{})
			go func() {
				req := srv.expectRequest(MethodNewConversation)
				srv.send(fmt.Sprintf(`{"id":%q,"result":%s}`, req.ID.String(), tt.result))
			}()

			resp, err := s.NewConversation(context.Background(), NewConversationParams{})
			if err != nil {
				t.Fatalf("NewConversation() error = %v", err)
			}
			if resp.ConversationID != "c1" {
				t.Errorf("ConversationID = %q, want c1", resp.ConversationID)
			}
		})
	}
}

func TestDecodeResult_OuterPreferredOverWrapper(t *testing.T) {
	type item struct {
		ID string `json:"id"`
	}
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"exact outer", `{"id":"outer"}`, "outer", false},
		{"outer with extra field and nested result", `{"id":"outer","extra":1,"result":{"id":"nested"}}`, "outer", false},
		{"outer with extra field and nested payload", `{"id":"outer","extra":1,"payload":{"id":"nested"}}`, "outer", false},
		{"payload only", `{"payload":{"id":"nested"}}`, "nested", false},
		{"result only", `{"result":{"id":"nested"}}`, "nested", false},
		{"payload wins over result", `{"payload":{"id":"p"},"result":{"id":"r"}}`, "p", false},
		{"outer mistyped falls back to payload", `{"id":7,"payload":{"id":"nested"}}`, "nested", false},
		{"nested loose match", `{"payload":{"id":"nested","more":true}}`, "nested", false},
		{"nothing decodes", `{"id":7}`, "", true},
		{"not an object", `[1,2]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeResult[item](json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.ID != tt.want {
				t.Errorf("decodeResult() ID = %q, want %q", got.ID, tt.want)
			}
		})
	}
}

func TestCall_DecodeError(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	go func() {
		req := srv.expectRequest(MethodNewConversation)
		srv.send(fmt.Sprintf(`{"id":%q,"result":{"conversationId":42}}`, req.ID.String()))
	}()

	_, err := s.NewConversation(context.Background(), NewConversationParams{})
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
	if string(derr.Raw) != `{"conversationId":42}` {
		t.Errorf("Raw = %s", derr.Raw)
	}
	if derr.Method != MethodNewConversation {
		t.Errorf("Method = %q", derr.Method)
	}
}

func TestCall_NotificationsDuringCallAreQueued(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	go func() {
		req := srv.expectRequest(MethodThreadStart)
		srv.notify(NotifyThreadStarted, map[string]any{"thread": map[string]string{"id": "t1"}})
		srv.respond(req.ID, map[string]any{"thread": map[string]string{"id": "t1"}})
	}()

	resp, err := s.ThreadStart(context.Background(), ThreadStartParams{})
	if err != nil {
		t.Fatalf("ThreadStart() error = %v", err)
	}
	if resp.Thread.ID != "t1" {
		t.Errorf("Thread.ID = %q", resp.Thread.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.NextNotification(ctx)
	if err != nil {
		t.Fatalf("NextNotification() error = %v", err)
	}
	if n.Method != NotifyThreadStarted {
		t.Errorf("NextNotification() = %q", n.Method)
	}
}

func TestNextNotification_Order(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	for i := range 5 {
		srv.notify(fmt.Sprintf("n/%d", i), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 5 {
		n, err := s.NextNotification(ctx)
		if err != nil {
			t.Fatalf("NextNotification() error = %v", err)
		}
		if want := fmt.Sprintf("n/%d", i); n.Method != want {
			t.Errorf("NextNotification() = %q, want %q", n.Method, want)
		}
	}
}

func TestCall_AbandonedByContext(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.CallRaw(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CallRaw() error = %v, want DeadlineExceeded", err)
	}
	if s.PendingCalls() != 0 {
		t.Errorf("PendingCalls() = %d after abandon", s.PendingCalls())
	}

	// The late reply is dropped and the session keeps working.
	req := srv.expectRequest("slow")
	srv.respond(req.ID, map[string]any{})

	go func() {
		req := srv.expectRequest("fast")
		srv.respond(req.ID, "ok")
	}()
	got, err := Call[string](context.Background(), s, "fast", nil)
	if err != nil || got != "ok" {
		t.Errorf("Call() = %q, %v", got, err)
	}
}

func TestCall_RequestTimeoutOption(t *testing.T) {
	s, _ := newTestSession(t, Options{RequestTimeout: 20 * time.Millisecond})

	_, err := s.CallRaw(context.Background(), "never", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CallRaw() error = %v, want DeadlineExceeded", err)
	}
}

func TestDisconnect_FailsPendingAndFutureCalls(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallRaw(context.Background(), "hang", nil)
		errCh <- err
	}()

	srv.expectRequest("hang")
	srv.notify("before/close", nil)
	srv.closeOutput()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("pending call error = %v, want ErrDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not released on disconnect")
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed")
	}
	if s.Alive() {
		t.Error("Alive() = true after disconnect")
	}

	if _, err := s.CallRaw(context.Background(), "after", nil); !errors.Is(err, ErrDisconnected) {
		t.Errorf("call after disconnect error = %v, want ErrDisconnected", err)
	}
	if err := s.Notify("after", nil); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Notify() after disconnect error = %v, want ErrDisconnected", err)
	}

	// Buffered notifications drain before the disconnect surfaces.
	n, err := s.NextNotification(context.Background())
	if err != nil || n.Method != "before/close" {
		t.Errorf("NextNotification() = %q, %v", n.Method, err)
	}
	if _, err := s.NextNotification(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("NextNotification() error = %v, want ErrDisconnected", err)
	}
	if !errors.Is(s.Err(), transport.ErrStreamClosed) {
		t.Errorf("Err() = %v, want cause ErrStreamClosed", s.Err())
	}
}

func TestDisconnect_PublishesEvent(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	sub := s.Subscribe(notify.TopicDisconnected)

	srv.closeOutput()

	select {
	case ev := <-sub.Ch():
		if err, ok := ev.Payload.(error); !ok || !errors.Is(err, ErrDisconnected) {
			t.Errorf("Payload = %#v", ev.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnected event")
	}
}

func TestMalformedLines_SkippedThenFatal(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	srv.send("this is not json")
	srv.send(`{"neither":"shape"}`)
	srv.notify("still/alive", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.NextNotification(ctx)
	if err != nil || n.Method != "still/alive" {
		t.Fatalf("NextNotification() = %q, %v", n.Method, err)
	}

	for range MaxConsecutiveProtocolErrors {
		srv.send("garbage")
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived a malformed stream")
	}
	if !errors.Is(s.Err(), ErrDisconnected) {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestResponseWithoutPendingIsDropped(t *testing.T) {
	s, srv := newTestSession(t, Options{})

	srv.send(`{"id":"ghost","result":{}}`)
	srv.send(`{"id":"ghost2","error":{"code":1,"message":"x"}}`)
	srv.send(`{"id":null,"error":{"code":-32700,"message":"parse error"}}`)
	srv.notify("after/ghost", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.NextNotification(ctx)
	if err != nil || n.Method != "after/ghost" {
		t.Errorf("NextNotification() = %q, %v", n.Method, err)
	}
	if !s.Alive() {
		t.Error("session died on an unmatched response")
	}
}

func TestUnknownServerRequest_MethodNotFound(t *testing.T) {
	_, srv := newTestSession(t, Options{})

	srv.send(`{"id":11,"method":"item/tool/call","params":{}}`)

	msg := srv.nextMessage()
	eresp, ok := msg.(*rpc.ErrorResponse)
	if !ok {
		t.Fatalf("got %T, want error response", msg)
	}
	if eresp.ID != rpc.IntID(11) {
		t.Errorf("ID = %v, want 11", eresp.ID)
	}
	if eresp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("Code = %d", eresp.Error.Code)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !errors.Is(s.Err(), ErrSessionClosed) {
		t.Errorf("Err() = %v, want ErrSessionClosed cause", s.Err())
	}
}

func TestInitialize_Handshake(t *testing.T) {
	s, srv := newTestSession(t, Options{ClientInfo: ClientInfo{Name: "tester", Version: "1.2.3"}})

	go func() {
		req := srv.expectRequest(MethodInitialize)
		var params InitializeParams
		json.Unmarshal(req.Params, &params)
		if params.ClientInfo.Name != "tester" {
			t.Errorf("clientInfo = %+v", params.ClientInfo)
		}
		srv.respond(req.ID, map[string]string{"userAgent": "codex/0.50"})
	}()

	resp, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if resp.UserAgent != "codex/0.50" {
		t.Errorf("UserAgent = %q", resp.UserAgent)
	}

	msg := srv.nextMessage()
	n, ok := msg.(*rpc.Notification)
	if !ok || n.Method != MethodInitialized {
		t.Errorf("after initialize got %#v, want initialized notification", msg)
	}
}

func TestStart_Subprocess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script := `read init; echo '{"id":"init","result":{"userAgent":"fake/1.0"}}'; read initialized; cat >/dev/null`
	s, err := Start(context.Background(), Options{
		Process: transport.ProcessConfig{Binary: "sh", Args: []string{"-c", script}},
		Logger:  testLogger(),
		NewID:   func() rpc.RequestID { return rpc.StringID("init") },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !s.Alive() {
		t.Fatal("session not alive after Start")
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() hung")
	}
}

func TestStart_ChildExitsEarly(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	_, err := Start(context.Background(), Options{
		Process: transport.ProcessConfig{Binary: "sh", Args: []string{"-c", "echo 'not logged in' >&2; exit 1"}},
		Logger:  testLogger(),
	})
	if err == nil {
		t.Fatal("Start() expected error")
	}
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("error = %v, want ErrDisconnected", err)
	}
	if !strings.Contains(err.Error(), "not logged in") {
		t.Errorf("error = %v, want stderr included", err)
	}
}
