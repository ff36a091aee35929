package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/zhubert/plural-codex/codex"
	"github.com/zhubert/plural-codex/rpc"
)

var (
	agentColor  = color.New(color.FgWhite)
	dimColor    = color.New(color.Faint)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed, color.Bold)
	promptColor = color.New(color.FgCyan, color.Bold)
)

// printer renders notifications for a terminal. Agent message deltas are
// written without newlines, so the printer tracks whether a line is open.
type printer struct {
	out     io.Writer
	raw     bool
	verbose bool

	midLine  bool
	streamed bool // a v1 delta was printed since the last full message
}

func newPrinter(out io.Writer, raw, verbose bool) *printer {
	return &printer{out: out, raw: raw, verbose: verbose}
}

// Notification writes n to the terminal.
func (p *printer) Notification(n rpc.Notification) {
	if p.raw {
		fmt.Fprintf(p.out, "%s %s\n", n.Method, compact(n.Params))
		return
	}

	if strings.HasPrefix(n.Method, codex.ConversationEventPrefix) {
		p.conversationEvent(n)
		return
	}

	switch n.Method {
	case codex.NotifyItemAgentMessageDelta:
		var params struct {
			Delta string `json:"delta"`
		}
		if decode(n.Params, &params) {
			p.delta(params.Delta)
		}
	case codex.NotifyTurnStarted:
		var params codex.TurnNotification
		decode(n.Params, &params)
		p.line(dimColor, "▶ turn %s started", params.Turn.ID)
	case codex.NotifyTurnCompleted:
		var params codex.TurnNotification
		decode(n.Params, &params)
		status := params.Turn.Status
		if status == "" {
			status = "completed"
		}
		c := okColor
		if status != "completed" {
			c = warnColor
		}
		p.line(c, "✓ turn %s %s", params.Turn.ID, status)
	case codex.NotifyItemStarted:
		if desc := describeItem(n.Params); desc != "" {
			p.line(dimColor, "• %s", desc)
		}
	case codex.NotifyError:
		p.line(errorColor, "error: %s", errorMessage(n.Params))
	default:
		if p.verbose {
			p.line(dimColor, "%s", n.Method)
		}
	}
}

func (p *printer) conversationEvent(n rpc.Notification) {
	var ev codex.ConversationEvent
	if !decode(n.Params, &ev) {
		return
	}
	var msg struct {
		Delta   string   `json:"delta"`
		Message string   `json:"message"`
		Command []string `json:"command"`
		Reason  string   `json:"reason"`
	}
	decode(ev.Msg, &msg)

	switch ev.Type() {
	case "agent_message_delta":
		p.streamed = true
		p.delta(msg.Delta)
	case "agent_message":
		if !p.streamed {
			p.delta(msg.Message)
		}
		p.streamed = false
		p.endLine()
	case "exec_command_begin":
		p.line(dimColor, "• $ %s", strings.Join(msg.Command, " "))
	case codex.EventTaskComplete:
		p.line(okColor, "✓ task complete")
	case codex.EventTurnAborted:
		p.line(warnColor, "✗ turn aborted: %s", msg.Reason)
	case "error", "stream_error":
		p.line(errorColor, "error: %s", msg.Message)
	default:
		if p.verbose {
			p.line(dimColor, "%s", ev.Type())
		}
	}
}

func (p *printer) delta(s string) {
	if s == "" {
		return
	}
	agentColor.Fprint(p.out, s)
	p.midLine = !strings.HasSuffix(s, "\n")
}

func (p *printer) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func (p *printer) line(c *color.Color, format string, args ...any) {
	p.endLine()
	c.Fprintf(p.out, format, args...)
	fmt.Fprintln(p.out)
}

// describeItem summarizes the item of an item/started notification. Agent
// messages return "" since their deltas are printed as they arrive.
func describeItem(params json.RawMessage) string {
	var v struct {
		Item struct {
			Type    string `json:"type"`
			Command string `json:"command"`
			Query   string `json:"query"`
			Tool    string `json:"tool"`
		} `json:"item"`
	}
	if !decode(params, &v) {
		return ""
	}
	item := v.Item
	switch item.Type {
	case "", "agentMessage", "userMessage", "reasoning":
		return ""
	case "commandExecution":
		return "$ " + item.Command
	case "webSearch":
		return "search: " + item.Query
	case "mcpToolCall":
		return "tool: " + item.Tool
	}
	return item.Type
}

func errorMessage(params json.RawMessage) string {
	var v struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(params, &v)
	switch {
	case v.Error.Message != "":
		return v.Error.Message
	case v.Message != "":
		return v.Message
	}
	return compact(params)
}

func decode(raw json.RawMessage, v any) bool {
	return len(raw) > 0 && json.Unmarshal(raw, v) == nil
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
