package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

// Client is an HTTP client for the remote assistant service's
// thread/run/message API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientConfig holds configuration for the assistant client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. "https://api.openai.com/v1".
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// RequestTimeout bounds each non-streaming call.
	RequestTimeout time.Duration
	// HTTPClient overrides the default client; used by streaming calls,
	// which must not carry the per-request timeout.
	HTTPClient *http.Client
}

// NewClient creates a new assistant API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateThread allocates a new remote conversation thread and returns its ID.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// DeleteThread discards a remote conversation thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	var resp struct {
		Deleted bool `json:"deleted"`
	}
	path := fmt.Sprintf("/threads/%s", threadID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return err
	}
	if !resp.Deleted {
		return fmt.Errorf("thread %s was not deleted by upstream", threadID)
	}
	return nil
}

// AddMessage appends a message to a thread and returns the message ID.
func (c *Client) AddMessage(ctx context.Context, threadID, role, content string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/threads/%s/messages", threadID)
	body := map[string]string{"role": role, "content": content}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateRun starts a run of the given specialist against a thread.
func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error) {
	var run Run
	path := fmt.Sprintf("/threads/%s/runs", threadID)
	body := map[string]any{"assistant_id": req.SpecialistID}
	if req.Instructions != "" {
		body["additional_instructions"] = req.Instructions
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := fmt.Sprintf("/threads/%s/runs/%s", threadID, runID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListMessages fetches a thread's messages, most recent first.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	var resp struct {
		Data []ThreadMessage `json:"data"`
	}
	path := fmt.Sprintf("/threads/%s/messages?order=desc", threadID)
	if limit > 0 {
		path = fmt.Sprintf("%s&limit=%d", path, limit)
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// StreamRun starts a run and streams its text deltas through onDelta as they
// arrive, returning the run in its final observed state.
func (c *Client) StreamRun(ctx context.Context, threadID string, req RunRequest, onDelta func(string)) (*Run, error) {
	path := fmt.Sprintf("/threads/%s/runs", threadID)
	body := map[string]any{"assistant_id": req.SpecialistID, "stream": true}
	if req.Instructions != "" {
		body["additional_instructions"] = req.Instructions
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	// Bypass the per-request timeout: a stream stays open for the whole run.
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream run: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close stream body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Op: "stream run", StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	return c.consumeStream(resp.Body, onDelta)
}

// consumeStream reads server-sent events, forwarding message text deltas and
// tracking the run object across lifecycle events.
func (c *Client) consumeStream(body io.Reader, onDelta func(string)) (*Run, error) {
	var run *Run
	var event string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
scan:
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break scan
			}
			switch event {
			case "thread.run.created", "thread.run.queued", "thread.run.in_progress",
				"thread.run.completed", "thread.run.failed", "thread.run.expired":
				var r Run
				if err := json.Unmarshal([]byte(data), &r); err != nil {
					c.logger.Warn("skipping malformed run event", "event", event, "error", err)
					continue
				}
				run = &r
			case "thread.message.delta":
				var delta struct {
					Delta struct {
						Content []MessagePart `json:"content"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &delta); err != nil {
					c.logger.Warn("skipping malformed message delta", "error", err)
					continue
				}
				for _, part := range delta.Delta.Content {
					if part.Type == "text" && part.Text != nil && part.Text.Value != "" {
						onDelta(part.Text.Value)
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("event stream ended without a run object")
	}
	return run, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{
			Op:         fmt.Sprintf("%s %s", method, path),
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
