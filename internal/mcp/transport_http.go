package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sessionIDHeader carries the streamable-HTTP session identifier. The server
// assigns it on (usually) the initialize response; the client echoes it on
// every subsequent request.
const sessionIDHeader = "mcp-session-id"

// httpTransport implements the streamable HTTP transport: a single endpoint
// that accepts POSTed JSON-RPC and answers with either a plain JSON response
// or an SSE stream carrying it.
type httpTransport struct {
	config ServerConfig
	ring   *LogRing
	logger *slog.Logger
	client *http.Client
	bearer string

	mu        sync.Mutex
	sessionID string

	frames chan json.RawMessage
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newHTTPTransport(cfg ServerConfig, ring *LogRing, bearerToken string) *httpTransport {
	return &httpTransport{
		config: cfg,
		ring:   ring,
		logger: slog.Default().With("mcp_server", cfg.Name, "transport", "http"),
		client: &http.Client{Timeout: 5 * time.Minute},
		bearer: bearerToken,
		frames: make(chan json.RawMessage, frameChanCapacity),
		done:   make(chan struct{}),
	}
}

func (t *httpTransport) Start(ctx context.Context) error {
	// Nothing to open ahead of time; the endpoint is exercised by the
	// initialize request that follows.
	t.ring.Append("endpoint: " + t.config.URL)
	return nil
}

func (t *httpTransport) Send(ctx context.Context, msg []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionIDHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.mu.Lock()
		if sid != t.sessionID {
			t.sessionID = sid
			t.ring.Append("session id: " + sid)
		}
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		// Consume the stream to completion in the background; the matching
		// response frame (and any interleaved notifications) are delivered
		// through the shared frames channel.
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer resp.Body.Close()
			t.readEventStream(resp.Body)
		}()
		return nil
	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			// Accepted notifications often come back as an empty 202.
			return nil
		}
		t.deliver(body)
		return nil
	default:
		// 202/204 responses to notifications carry no body.
		resp.Body.Close()
		return nil
	}
}

func (t *httpTransport) Frames() <-chan json.RawMessage {
	return t.frames
}

func (t *httpTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.client.CloseIdleConnections()
		go func() {
			t.wg.Wait()
			close(t.frames)
		}()
	})
	return nil
}

func (t *httpTransport) deliver(frame []byte) {
	msg := make(json.RawMessage, len(frame))
	copy(msg, frame)
	select {
	case t.frames <- msg:
	case <-t.done:
	}
}

// readEventStream parses an SSE body. Events whose type is "message" (the
// default for bare data lines) carry JSON-RPC objects; anything else is
// recorded as a log entry.
func (t *httpTransport) readEventStream(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	eventType := "message"
	var data strings.Builder

	flush := func() {
		defer func() {
			eventType = "message"
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}
		if eventType != "message" {
			t.ring.Append(fmt.Sprintf("event %s: %s", eventType, data.String()))
			return
		}
		t.deliver([]byte(data.String()))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		t.logger.Warn("event stream read error", "error", err)
		t.ring.Append("event stream error: " + err.Error())
	}
}
