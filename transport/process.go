package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod is how long Close waits for the child to exit on its
// own after its stdin is closed before killing it.
const DefaultGracePeriod = 100 * time.Millisecond

// stderrTailLimit bounds the amount of child stderr retained for diagnostics.
const stderrTailLimit = 64 * 1024

// stderrLineLimit caps a single stderr line; the rest of the line is read
// and discarded.
const stderrLineLimit = 8 * 1024

// ProcessConfig describes the child process to spawn.
type ProcessConfig struct {
	Binary      string        // executable path or name resolved via PATH
	Args        []string      // arguments; nil means "app-server"
	Dir         string        // working directory; empty inherits ours
	Env         []string      // extra KEY=VALUE entries appended to our environment
	GracePeriod time.Duration // defaults to DefaultGracePeriod
}

// Process is a Conn over the stdio of a spawned child. The child's stderr is
// drained continuously to the log so it can never fill its pipe and stall.
type Process struct {
	*Stream

	config ProcessConfig
	log    *slog.Logger
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	group  errgroup.Group

	mu         sync.Mutex
	stderrTail []byte

	// waitDone is closed by monitorExit once cmd.Wait returns. monitorExit
	// is the only caller of cmd.Wait.
	waitDone chan struct{}
	waitErr  error

	closeOnce sync.Once
}

// Spawn starts the child with piped stdio.
func Spawn(config ProcessConfig, log *slog.Logger) (*Process, error) {
	if config.Binary == "" {
		return nil, errors.New("no binary configured")
	}
	if config.Args == nil {
		config.Args = []string{"app-server"}
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("binary", config.Binary)

	cmd := exec.Command(config.Binary, config.Args...)
	cmd.Dir = config.Dir
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error("failed to get stdin pipe", "error", err)
		return nil, fmt.Errorf("failed to get stdin pipe: %v", err)
	}

	// Our own pipes rather than cmd.StdoutPipe so that cmd.Wait never closes
	// the read ends while lines are still buffered in them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %v", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		log.Error("failed to start process", "error", err)
		return nil, fmt.Errorf("failed to start %s: %v", config.Binary, err)
	}
	// The child holds its own copies now.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		Stream:   NewStream(stdoutR, stdin),
		config:   config,
		log:      log,
		cmd:      cmd,
		stdout:   stdoutR,
		stderr:   stderrR,
		waitDone: make(chan struct{}),
	}
	// Stream must not close stdout itself; Close does that after reaping.
	p.Stream.rc = nil

	log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid, "args", config.Args)

	p.group.Go(p.drainStderr)
	p.group.Go(p.monitorExit)
	return p, nil
}

// ReadLine annotates end of stream with the child's exit status.
func (p *Process) ReadLine() ([]byte, error) {
	line, err := p.Stream.ReadLine()
	if err == nil || !errors.Is(err, ErrStreamClosed) {
		return line, err
	}

	select {
	case <-p.waitDone:
	case <-time.After(p.config.GracePeriod):
	}
	return nil, fmt.Errorf("codex app-server closed stdout (%s): %w", p.exitStatus(), ErrStreamClosed)
}

// Close closes the child's stdin, waits up to the grace period for it to
// exit, then kills it. The child is always reaped before Close returns.
// Safe to call multiple times.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.log.Debug("stopping process")
		if err := p.Stream.closeInput(); err != nil {
			p.log.Debug("error closing stdin", "error", err)
		}

		select {
		case <-p.waitDone:
			p.log.Debug("process exited gracefully")
		case <-time.After(p.config.GracePeriod):
			p.log.Debug("force killing process")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.log.Warn("failed to kill process", "error", err)
			}
			<-p.waitDone
		}

		// Grandchildren may still hold the write ends; closing the read
		// ends unblocks the reader and the stderr drain.
		p.stdout.Close()
		p.stderr.Close()
		_ = p.group.Wait()
	})
	return nil
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.waitDone
}

// ExitErr returns the result of waiting on the child. Valid after Done.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StderrTail returns up to the last 64KiB of the child's stderr.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(string(p.stderrTail))
}

func (p *Process) drainStderr() error {
	r := bufio.NewReaderSize(p.stderr, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, err := r.ReadSlice('\n')
		if room := stderrLineLimit - len(line); room > 0 {
			line = append(line, chunk[:min(len(chunk), room)]...)
		} else if len(chunk) > 0 {
			truncated = true
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			p.recordStderr(line, truncated)
		}
		line, truncated = line[:0], false

		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				p.log.Debug("error reading stderr", "error", err)
			}
			return nil
		}
	}
}

// recordStderr logs one stderr line and appends it to the tail.
func (p *Process) recordStderr(line []byte, truncated bool) {
	text := strings.TrimRight(string(line), "\r\n")
	if truncated {
		text += " [truncated]"
	}
	p.log.Debug("stderr", "line", text)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stderrTail = append(p.stderrTail, text...)
	p.stderrTail = append(p.stderrTail, '\n')
	if over := len(p.stderrTail) - stderrTailLimit; over > 0 {
		p.stderrTail = append(p.stderrTail[:0], p.stderrTail[over:]...)
	}
}

func (p *Process) monitorExit() error {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	p.log.Debug("process exited", "error", err)
	close(p.waitDone)
	return nil
}

func (p *Process) exitStatus() string {
	select {
	case <-p.waitDone:
	default:
		return "process still running"
	}

	status := "exit status 0"
	if err := p.ExitErr(); err != nil {
		status = err.Error()
	}
	if tail := p.StderrTail(); tail != "" {
		if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
		status += ": " + tail
	}
	return status
}
