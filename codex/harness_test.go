package codex

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhubert/plural-codex/rpc"
	"github.com/zhubert/plural-codex/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sequentialIDs returns an id generator yielding "1", "2", ...
func sequentialIDs() func() rpc.RequestID {
	var n atomic.Int64
	return func() rpc.RequestID {
		return rpc.StringID(fmt.Sprint(n.Add(1)))
	}
}

// fakeServer plays the app-server side of an in-memory connection.
type fakeServer struct {
	t     *testing.T
	conn  *transport.Stream
	lines chan []byte
}

// newTestSession connects a Session to a fakeServer over pipes.
func newTestSession(t *testing.T, opts Options) (*Session, *fakeServer) {
	t.Helper()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.NewID == nil {
		opts.NewID = sequentialIDs()
	}
	s := NewSession(transport.NewStream(clientR, clientW), opts)

	srv := &fakeServer{
		t:     t,
		conn:  transport.NewStream(serverR, serverW),
		lines: make(chan []byte, 256),
	}
	go func() {
		defer close(srv.lines)
		for {
			line, err := srv.conn.ReadLine()
			if err != nil {
				return
			}
			srv.lines <- line
		}
	}()

	t.Cleanup(func() {
		s.Close()
		srv.conn.Close()
	})
	return s, srv
}

// send writes a raw line to the client.
func (f *fakeServer) send(line string) {
	f.t.Helper()
	if err := f.conn.WriteLine([]byte(line)); err != nil {
		f.t.Fatalf("server write failed: %v", err)
	}
}

// sendJSON marshals v and writes it to the client.
func (f *fakeServer) sendJSON(v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	f.send(string(data))
}

// respond answers a request with result.
func (f *fakeServer) respond(id rpc.RequestID, result any) {
	f.t.Helper()
	resp, err := rpc.NewResponse(id, result)
	if err != nil {
		f.t.Fatalf("NewResponse: %v", err)
	}
	data, err := rpc.Encode(resp)
	if err != nil {
		f.t.Fatalf("Encode: %v", err)
	}
	f.send(string(data))
}

// notify sends a notification.
func (f *fakeServer) notify(method string, params any) {
	f.t.Helper()
	n, err := rpc.NewNotification(method, params)
	if err != nil {
		f.t.Fatalf("NewNotification: %v", err)
	}
	data, err := rpc.Encode(n)
	if err != nil {
		f.t.Fatalf("Encode: %v", err)
	}
	f.send(string(data))
}

// sendNotification writes an already-built notification.
func (f *fakeServer) sendNotification(n rpc.Notification) {
	f.t.Helper()
	data, err := rpc.Encode(&n)
	if err != nil {
		f.t.Fatalf("Encode: %v", err)
	}
	f.send(string(data))
}

// closeOutput ends the client's input stream.
func (f *fakeServer) closeOutput() {
	f.conn.Close()
}

// nextLine returns the next line the client wrote.
func (f *fakeServer) nextLine() string {
	f.t.Helper()
	select {
	case line, ok := <-f.lines:
		if !ok {
			f.t.Fatal("client connection closed")
		}
		return string(line)
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for client message")
	}
	return ""
}

// expectNoLine asserts the client writes nothing for d.
func (f *fakeServer) expectNoLine(d time.Duration) {
	f.t.Helper()
	select {
	case line, ok := <-f.lines:
		if ok {
			f.t.Fatalf("unexpected client message: %s", line)
		}
	case <-time.After(d):
	}
}

// nextMessage decodes the next line the client wrote.
func (f *fakeServer) nextMessage() rpc.Message {
	f.t.Helper()
	line := f.nextLine()
	msg, err := rpc.Decode([]byte(line))
	if err != nil {
		f.t.Fatalf("client wrote malformed line %q: %v", line, err)
	}
	return msg
}

// expectRequest reads the next message and checks it is a request for method.
func (f *fakeServer) expectRequest(method string) *rpc.Request {
	f.t.Helper()
	msg := f.nextMessage()
	req, ok := msg.(*rpc.Request)
	if !ok {
		f.t.Fatalf("got %T, want request %s", msg, method)
	}
	if req.Method != method {
		f.t.Fatalf("got request %s, want %s", req.Method, method)
	}
	return req
}

// expectResponse reads the next message and checks it is a response.
func (f *fakeServer) expectResponse() *rpc.Response {
	f.t.Helper()
	msg := f.nextMessage()
	resp, ok := msg.(*rpc.Response)
	if !ok {
		f.t.Fatalf("got %T, want response", msg)
	}
	return resp
}

// waitFor polls cond until it holds or five seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
