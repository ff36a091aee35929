package transport

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestStream_ReadLine_SkipsBlankLines(t *testing.T) {
	r := strings.NewReader("\n  \n{\"a\":1}\r\n\n{\"b\":2}")
	s := NewStream(r, nopWriteCloser{io.Discard})

	want := []string{`{"a":1}`, `{"b":2}`}
	for _, w := range want {
		line, err := s.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine() error = %v", err)
		}
		if string(line) != w {
			t.Errorf("ReadLine() = %q, want %q", line, w)
		}
	}

	if _, err := s.ReadLine(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("ReadLine() at EOF error = %v, want ErrStreamClosed", err)
	}
}

func TestStream_WriteLine_AppendsNewline(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewStream(strings.NewReader(""), pw)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := pr.Read(buf)
		done <- string(buf[:n])
	}()

	if err := s.WriteLine([]byte(`{"id":1}`)); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	select {
	case got := <-done:
		if got != "{\"id\":1}\n" {
			t.Errorf("written = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestStream_WriteAfterClose(t *testing.T) {
	_, pw := io.Pipe()
	s := NewStream(strings.NewReader(""), pw)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.WriteLine([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteLine() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStream_CloseUnblocksReader(t *testing.T) {
	pr, _ := io.Pipe()
	_, pw := io.Pipe()
	s := NewStream(pr, pw)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ReadLine()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamClosed) {
			t.Errorf("ReadLine() error = %v, want ErrStreamClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadLine did not return after Close")
	}
}

func TestStream_ConcurrentWritesDoNotInterleave(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewStream(strings.NewReader(""), pw)
	reader := NewStream(pr, nopWriteCloser{io.Discard})

	const writers = 8
	const perWriter = 50
	line := strings.Repeat("x", 512)

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				if err := s.WriteLine([]byte(line)); err != nil {
					t.Errorf("WriteLine() error = %v", err)
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		pw.Close()
	}()

	count := 0
	for {
		got, err := reader.ReadLine()
		if err != nil {
			break
		}
		if string(got) != line {
			t.Fatalf("interleaved line of length %d", len(got))
		}
		count++
	}
	if count != writers*perWriter {
		t.Errorf("read %d lines, want %d", count, writers*perWriter)
	}
}

func TestSpawn_EchoRoundTrip(t *testing.T) {
	requireBinary(t, "cat")

	p, err := Spawn(ProcessConfig{Binary: "cat", Args: []string{}}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Close()

	if err := p.WriteLine([]byte(`{"method":"ping"}`)); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	line, err := p.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if string(line) != `{"method":"ping"}` {
		t.Errorf("ReadLine() = %q", line)
	}
}

func TestSpawn_DefaultArgs(t *testing.T) {
	requireBinary(t, "sh")

	// sh treats "app-server" as a script path and fails.
	p, err := Spawn(ProcessConfig{Binary: "sh"}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Close()

	if got := p.config.Args; len(got) != 1 || got[0] != "app-server" {
		t.Errorf("Args = %v, want [app-server]", got)
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	_, err := Spawn(ProcessConfig{Binary: "/nonexistent/codex-binary"}, testLogger())
	if err == nil {
		t.Fatal("Spawn() expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "failed to start") {
		t.Errorf("error = %v", err)
	}
}

func TestSpawn_EmptyBinary(t *testing.T) {
	if _, err := Spawn(ProcessConfig{}, testLogger()); err == nil {
		t.Fatal("Spawn() expected error for empty binary")
	}
}

func TestProcess_EndOfStreamIncludesExitStatus(t *testing.T) {
	requireBinary(t, "sh")

	p, err := Spawn(ProcessConfig{
		Binary: "sh",
		Args:   []string{"-c", "echo boom >&2; exit 3"},
	}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Close()

	_, err = p.ReadLine()
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("ReadLine() error = %v, want ErrStreamClosed", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if p.ExitErr() == nil {
		t.Error("ExitErr() = nil, want exit status 3")
	}
}

func TestProcess_StderrTail(t *testing.T) {
	requireBinary(t, "sh")

	p, err := Spawn(ProcessConfig{
		Binary: "sh",
		Args:   []string{"-c", "echo first >&2; echo second >&2"},
	}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	p.Close()

	tail := p.StderrTail()
	if !strings.Contains(tail, "first") || !strings.Contains(tail, "second") {
		t.Errorf("StderrTail() = %q", tail)
	}
}

func TestProcess_LongStderrLineDoesNotStall(t *testing.T) {
	requireBinary(t, "sh")
	requireBinary(t, "head")
	requireBinary(t, "tr")

	// 2 MiB on one stderr line, then more stderr than a pipe buffer holds,
	// then a reply on stdout.
	script := `head -c 2097152 /dev/zero | tr '\0' x >&2; echo >&2; ` +
		`head -c 262144 /dev/zero | tr '\0' y >&2; echo >&2; ` +
		`echo after >&2; echo '{"id":1,"result":{}}'; cat >/dev/null`
	p, err := Spawn(ProcessConfig{Binary: "sh", Args: []string{"-c", script}}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Close()

	type readResult struct {
		line []byte
		err  error
	}
	got := make(chan readResult, 1)
	go func() {
		line, err := p.ReadLine()
		got <- readResult{line, err}
	}()

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("ReadLine() error = %v", r.err)
		}
		if string(r.line) != `{"id":1,"result":{}}` {
			t.Errorf("ReadLine() = %q", r.line)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("child stalled writing stderr; stdout line never arrived")
	}

	p.Close()
	tail := p.StderrTail()
	if !strings.HasSuffix(tail, "after") {
		t.Errorf("StderrTail() does not end with the last line: ...%q", tail[max(0, len(tail)-40):])
	}
	if !strings.Contains(tail, "[truncated]") {
		t.Error("long line was not marked truncated")
	}
	if len(tail) > stderrTailLimit {
		t.Errorf("StderrTail() len = %d, want <= %d", len(tail), stderrTailLimit)
	}
}

func TestProcess_EnvAndDir(t *testing.T) {
	requireBinary(t, "sh")

	dir := t.TempDir()
	p, err := Spawn(ProcessConfig{
		Binary: "sh",
		Args:   []string{"-c", `echo "$CODEX_TEST_VALUE $(pwd)"`},
		Dir:    dir,
		Env:    []string{"CODEX_TEST_VALUE=hello"},
	}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Close()

	line, err := p.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if !strings.HasPrefix(string(line), "hello ") || !strings.HasSuffix(string(line), dir) {
		t.Errorf("ReadLine() = %q, want hello %s", line, dir)
	}
}

func TestProcess_CloseGraceful(t *testing.T) {
	requireBinary(t, "cat")

	p, err := Spawn(ProcessConfig{Binary: "cat", Args: []string{}}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() hung on a process that exits on stdin EOF")
	}

	select {
	case <-p.Done():
	default:
		t.Error("process not reaped after Close()")
	}
	if err := p.WriteLine([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteLine() after Close error = %v, want ErrClosed", err)
	}
}

func TestProcess_CloseKillsAfterGrace(t *testing.T) {
	requireBinary(t, "sh")

	// Ignores stdin EOF, so only the kill ends it.
	p, err := Spawn(ProcessConfig{
		Binary:      "sh",
		Args:        []string{"-c", "exec sleep 30"},
		GracePeriod: 50 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not kill the process")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Close() took %v", elapsed)
	}
	if p.ExitErr() == nil {
		t.Error("ExitErr() = nil, want killed status")
	}
}

func TestProcess_CloseUnblocksReader(t *testing.T) {
	requireBinary(t, "sh")

	p, err := Spawn(ProcessConfig{
		Binary:      "sh",
		Args:        []string{"-c", "exec sleep 30"},
		GracePeriod: 10 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.ReadLine()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamClosed) {
			t.Errorf("ReadLine() error = %v, want ErrStreamClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadLine did not return after Close")
	}
}

func TestProcess_CloseIdempotent(t *testing.T) {
	requireBinary(t, "true")

	p, err := Spawn(ProcessConfig{Binary: "true", Args: []string{}}, testLogger())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	p.Close()
	p.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
