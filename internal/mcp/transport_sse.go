package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// endpointWaitTimeout bounds how long Send waits for the server to announce
// its message endpoint after the SSE stream opens.
const endpointWaitTimeout = 10 * time.Second

// sseTransport implements the legacy HTTP+SSE transport: a long-lived GET on
// {url}/sse carries inbound events, and the server's first "endpoint" event
// names the URL that outbound JSON-RPC is POSTed to.
type sseTransport struct {
	config ServerConfig
	ring   *LogRing
	logger *slog.Logger
	client *http.Client
	bearer string

	mu          sync.Mutex
	endpointURL string
	endpointCh  chan struct{}

	cancel context.CancelFunc
	frames chan json.RawMessage
	wg     sync.WaitGroup
	once   sync.Once
}

func newSSETransport(cfg ServerConfig, ring *LogRing, bearerToken string) *sseTransport {
	return &sseTransport{
		config:     cfg,
		ring:       ring,
		logger:     slog.Default().With("mcp_server", cfg.Name, "transport", "sse"),
		client:     &http.Client{},
		bearer:     bearerToken,
		endpointCh: make(chan struct{}),
		frames:     make(chan json.RawMessage, frameChanCapacity),
	}
}

func (t *sseTransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	streamURL := strings.TrimRight(t.config.URL, "/") + "/sse"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.ring.Append("event stream open: " + streamURL)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer resp.Body.Close()
		defer close(t.frames)
		t.readLoop(resp.Body)
		t.ring.Append("event stream closed")
	}()

	return nil
}

func (t *sseTransport) Send(ctx context.Context, msg []byte) error {
	endpoint, err := t.waitEndpoint(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// Responses arrive on the event stream; the POST body is discarded.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *sseTransport) Frames() <-chan json.RawMessage {
	return t.frames
}

func (t *sseTransport) Close() error {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

// waitEndpoint blocks until the server has announced its message endpoint.
func (t *sseTransport) waitEndpoint(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.endpointURL != "" {
		endpoint := t.endpointURL
		t.mu.Unlock()
		return endpoint, nil
	}
	t.mu.Unlock()

	select {
	case <-t.endpointCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.endpointURL, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(endpointWaitTimeout):
		return "", fmt.Errorf("no endpoint event within %s: %w", endpointWaitTimeout, ErrRequestTimeout)
	}
}

func (t *sseTransport) setEndpoint(raw string) {
	base, err := url.Parse(t.config.URL)
	if err != nil {
		t.ring.Append("bad base url: " + err.Error())
		return
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		t.ring.Append("bad endpoint event: " + raw)
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	first := t.endpointURL == ""
	t.endpointURL = resolved
	t.mu.Unlock()
	if first {
		close(t.endpointCh)
		t.ring.Append("message endpoint: " + resolved)
	}
}

func (t *sseTransport) readLoop(body io.Reader) {
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
		switch eventType {
		case "endpoint":
			t.setEndpoint(data.String())
		case "message":
			frame := json.RawMessage([]byte(data.String()))
			if !json.Valid(frame) {
				t.ring.Append("invalid message event: " + data.String())
				return
			}
			t.frames <- frame
		default:
			t.ring.Append(fmt.Sprintf("event %s: %s", eventType, data.String()))
		}
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

	if err := scanner.Err(); err != nil && !strings.Contains(err.Error(), "context canceled") {
		t.logger.Warn("event stream read error", "error", err)
		t.ring.Append("event stream error: " + err.Error())
	}
}
