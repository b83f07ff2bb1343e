package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// stdioTransport spawns the server as a child process and speaks
// line-delimited JSON-RPC over its stdin/stdout. Stderr is captured into the
// log ring and never interpreted as protocol data.
type stdioTransport struct {
	config ServerConfig
	ring   *LogRing
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	frames chan json.RawMessage
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func newStdioTransport(cfg ServerConfig, ring *LogRing) *stdioTransport {
	return &stdioTransport{
		config: cfg,
		ring:   ring,
		logger: slog.Default().With("mcp_server", cfg.Name, "transport", "stdio"),
		frames: make(chan json.RawMessage, frameChanCapacity),
	}
}

func (t *stdioTransport) Start(ctx context.Context) error {
	t.process = exec.Command(t.config.Command, t.config.Args...)
	if t.config.Cwd != "" {
		t.process.Dir = t.config.Cwd
	}
	// Inherit the parent environment with the config's overlay. Leaving Env
	// nil would also inherit, but the overlay forces the explicit form.
	if len(t.config.Env) > 0 {
		t.process.Env = os.Environ()
		for k, v := range t.config.Env {
			t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.process.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := t.process.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}
	t.stdin = stdin

	t.logger.Info("started MCP server process",
		"command", t.config.Command, "pid", t.process.Process.Pid)
	t.ring.Append(fmt.Sprintf("started: %s (pid %d)", t.config.Command, t.process.Process.Pid))

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.readStderr(stderr)

	return nil
}

func (t *stdioTransport) Send(ctx context.Context, msg []byte) error {
	// One writer at a time so concurrent RPCs cannot interleave bytes.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.stdin == nil {
		return ErrTransportClosed
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (t *stdioTransport) Frames() <-chan json.RawMessage {
	return t.frames
}

func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		if t.stdin != nil {
			t.stdin.Close()
		}
		t.writeMu.Unlock()
		// Kill unconditionally; a server that exited on stdin close makes
		// this a no-op.
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
		}
	})
	return nil
}

// readLoop reads stdout lines until the process exits, forwarding JSON
// objects as frames. Whitespace lines and non-JSON prefixes (startup banners
// some servers print before speaking protocol) are recorded as logs.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer func() {
		close(t.frames)
		if t.process != nil {
			_ = t.process.Wait()
		}
		t.ring.Append("process exited")
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := trimSpaceBytes(line)
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] != '{' || !json.Valid(trimmed) {
			t.ring.Append("stdout: " + string(trimmed))
			continue
		}
		frame := make(json.RawMessage, len(trimmed))
		copy(frame, trimmed)
		t.frames <- frame
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn("stdout read error", "error", err)
		t.ring.Append("stdout read error: " + err.Error())
	}
}

func (t *stdioTransport) readStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.ring.Append("stderr: " + line)
	}
}

func trimSpaceBytes(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}
