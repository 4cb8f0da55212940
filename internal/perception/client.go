// Package perception talks to an OpenAI-compatible chat completions API
// and turns server-sent events into the ordered StreamEvent contract the
// session layer consumes.
package perception

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// Config holds the provider connection settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns the standard provider settings for the given key.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 2 * time.Minute,
	}
}

// Client implements types.GenerationClient against any OpenAI-compatible
// endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a client with the given config, filling in defaults
// for any zero fields.
func NewClient(cfg Config) *Client {
	def := DefaultConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// SetModel changes the model for subsequent requests.
func (c *Client) SetModel(model string) { c.model = model }

// =============================================================================
// WIRE TYPES
// =============================================================================

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type wireDelta struct {
	Content string `json:"content"`
}

type wireChoice struct {
	Delta        *wireDelta `json:"delta,omitempty"`
	Message      *wireDelta `json:"message,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

type wireError struct {
	Message string `json:"message"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Error   *wireError   `json:"error,omitempty"`
}

// mapFinishReason translates the provider's finish_reason vocabulary.
func mapFinishReason(reason string) types.StopReason {
	switch reason {
	case "stop":
		return types.StopNatural
	case "length", "max_tokens":
		return types.StopLength
	case "":
		return types.StopUnknown
	default:
		return types.StopUnknown
	}
}

// =============================================================================
// STREAMING
// =============================================================================

// StartStream sends an instruction/input pair and streams the completion.
// The returned channel is closed after the terminal event.
func (c *Client) StartStream(ctx context.Context, req types.StreamRequest) (<-chan types.StreamEvent, error) {
	messages := []wireMessage{
		{Role: "system", Content: req.Instructions},
		{Role: "user", Content: req.Input},
	}
	return c.stream(ctx, messages, req.MaxOutputTokens), nil
}

// StartChatStream streams a reply to an explicit message transcript.
func (c *Client) StartChatStream(ctx context.Context, messages []types.Message, maxOutputTokens int) (<-chan types.StreamEvent, error) {
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return c.stream(ctx, wire, maxOutputTokens), nil
}

func (c *Client) stream(ctx context.Context, messages []wireMessage, maxTokens int) <-chan types.StreamEvent {
	events := make(chan types.StreamEvent, 16)
	go func() {
		defer close(events)
		c.run(ctx, messages, maxTokens, events)
	}()
	return events
}

func (c *Client) run(ctx context.Context, messages []wireMessage, maxTokens int, events chan<- types.StreamEvent) {
	log := logging.Get(logging.CategoryAPI)
	started := time.Now()

	body, err := json.Marshal(wireRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0.3,
		Stream:      true,
	})
	if err != nil {
		emit(ctx, events, errEvent(fmt.Sprintf("failed to marshal request: %v", err)))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		emit(ctx, events, errEvent(fmt.Sprintf("failed to create request: %v", err)))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Warn("request failed after %v: %v", time.Since(started), err)
		emit(ctx, events, errEvent(err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warn("request rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		emit(ctx, events, errEvent(fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))))
		return
	}

	// Some providers ignore stream=true and answer with a plain JSON
	// completion. Surface it as one delta and a fallback stop.
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		c.fallback(ctx, resp.Body, events)
		return
	}

	c.scan(ctx, resp.Body, events, log, started)
}

// scan reads SSE lines until [DONE], a terminal chunk, or EOF.
func (c *Client) scan(ctx context.Context, body io.Reader, events chan<- types.StreamEvent, log *logging.Logger, started time.Time) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	finish := types.StopReason("")
	deltas := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			stop := types.StopDoneMarker
			if finish == types.StopLength {
				stop = types.StopLength
			}
			emit(ctx, events, types.StreamEvent{Kind: types.EventDone, StopReason: stop})
			log.Debug("stream finished stop=%s deltas=%d in %v", stop, deltas, time.Since(started))
			return
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			emit(ctx, events, errEvent(chunk.Error.Message))
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = mapFinishReason(choice.FinishReason)
		}
		if choice.Delta != nil && choice.Delta.Content != "" {
			deltas++
			if !emit(ctx, events, types.StreamEvent{Kind: types.EventDelta, Text: choice.Delta.Content}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(ctx, events, errEvent(fmt.Sprintf("stream read failed: %v", err)))
		return
	}
	// EOF without [DONE]: report what the provider told us, if anything.
	if finish != "" {
		emit(ctx, events, types.StreamEvent{Kind: types.EventDone, StopReason: finish})
	}
}

// fallback handles a non-streaming JSON completion body.
func (c *Client) fallback(ctx context.Context, body io.Reader, events chan<- types.StreamEvent) {
	raw, err := io.ReadAll(io.LimitReader(body, 4*1024*1024))
	if err != nil {
		emit(ctx, events, errEvent(fmt.Sprintf("failed to read response: %v", err)))
		return
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		emit(ctx, events, errEvent(fmt.Sprintf("failed to decode response: %v", err)))
		return
	}
	if resp.Error != nil {
		emit(ctx, events, errEvent(resp.Error.Message))
		return
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		emit(ctx, events, errEvent("response carried no choices"))
		return
	}
	if content := resp.Choices[0].Message.Content; content != "" {
		if !emit(ctx, events, types.StreamEvent{Kind: types.EventDelta, Text: content}) {
			return
		}
	}
	emit(ctx, events, types.StreamEvent{Kind: types.EventDone, StopReason: types.StopFallback})
}

func errEvent(msg string) types.StreamEvent {
	return types.StreamEvent{Kind: types.EventError, Err: msg}
}

// emit delivers one event unless the consumer has gone away.
func emit(ctx context.Context, events chan<- types.StreamEvent, ev types.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
