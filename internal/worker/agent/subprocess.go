package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// maxLineBytes bounds one NDJSON line from the agent. Tool results carrying
// whole files fit comfortably; anything larger is a protocol violation.
const maxLineBytes = 8 << 20

// SubprocessClient runs the agent binary and speaks the stream-json protocol
// over stdin/stdout.
type SubprocessClient struct {
	BinaryPath      string
	WorkDir         string
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	reqSeq      atomic.Int64
	closed      atomic.Bool
	interrupted atomic.Bool
}

// NewSubprocessClient builds a client for one session in the given working
// directory.
func NewSubprocessClient(binaryPath, workDir string, maxTurns int, allowed, disallowed []string) *SubprocessClient {
	return &SubprocessClient{
		BinaryPath:      binaryPath,
		WorkDir:         workDir,
		MaxTurns:        maxTurns,
		AllowedTools:    allowed,
		DisallowedTools: disallowed,
	}
}

// Start spawns the agent and begins the message pump. The returned channel
// closes when the agent's stream ends.
func (c *SubprocessClient) Start(ctx context.Context, prompt string, onPermission PermissionFunc) (<-chan Message, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(c.MaxTurns),
		"--permission-prompt-tool", "stdio",
	}
	if len(c.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.AllowedTools, ","))
	}
	if len(c.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.DisallowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)
	cmd.Dir = c.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("op=agent.stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("op=agent.stdout: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("op=agent.spawn: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	if err := c.writeUserMessage(prompt); err != nil {
		_ = c.Close()
		return nil, err
	}

	out := make(chan Message, 16)
	go c.pump(ctx, stdout, out, onPermission)
	return out, nil
}

func (c *SubprocessClient) pump(ctx context.Context, stdout io.Reader, out chan<- Message, onPermission PermissionFunc) {
	defer close(out)
	defer func() {
		c.mu.Lock()
		cmd := c.cmd
		c.mu.Unlock()
		if cmd != nil {
			_ = cmd.Wait()
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, ctrl, err := DecodeLine(line)
		if err != nil {
			slog.Warn("undecodable agent line", slog.Any("error", err))
			continue
		}

		if ctrl != nil {
			c.handleControl(ctx, ctrl, onPermission)
			continue
		}
		if msg == nil {
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
		if _, done := msg.(ResultMessage); done {
			return
		}
	}
	if err := scanner.Err(); err != nil && !c.closed.Load() {
		slog.Warn("agent stream read failed", slog.Any("error", err))
	}
}

func (c *SubprocessClient) handleControl(ctx context.Context, ctrl *ControlRequest, onPermission PermissionFunc) {
	if ctrl.Subtype != "can_use_tool" {
		return
	}
	decision := PermissionDecision{Allow: true}
	if onPermission != nil {
		decision = onPermission(ctx, ctrl.ToolName, ctrl.Input)
	}

	var body map[string]any
	if decision.Allow {
		body = map[string]any{"behavior": "allow"}
		if decision.UpdatedInput != nil {
			body["updatedInput"] = decision.UpdatedInput
		}
	} else {
		body = map[string]any{"behavior": "deny", "message": decision.Message}
		if decision.Interrupt {
			body["interrupt"] = true
		}
	}
	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": ctrl.RequestID,
			"response":   body,
		},
	}
	if err := c.writeLine(resp); err != nil {
		slog.Warn("control response write failed", slog.Any("error", err))
	}
}

func (c *SubprocessClient) writeUserMessage(text string) error {
	return c.writeLine(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	})
}

// Interrupt asks the agent to stop. Idempotent.
func (c *SubprocessClient) Interrupt(_ context.Context) error {
	if !c.interrupted.CompareAndSwap(false, true) {
		return nil
	}
	req := map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("req_%d", c.reqSeq.Add(1)),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	if err := c.writeLine(req); err != nil {
		return fmt.Errorf("op=agent.interrupt: %w", err)
	}
	return nil
}

// Close tears the session down, killing the subprocess if it is still alive.
func (c *SubprocessClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return nil
}

func (c *SubprocessClient) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=agent.encode: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("op=agent.write: session not started")
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("op=agent.write: %w", err)
	}
	return nil
}
