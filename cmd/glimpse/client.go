package main

import (
	"context"
	"sync"
	"time"

	"glimpse/internal/config"
	"glimpse/internal/perception"
	"glimpse/internal/types"
)

// liveClient rebuilds its provider client whenever the watched settings
// change, so config reloads take effect without restarting the overlay.
type liveClient struct {
	mu       sync.Mutex
	settings *config.Settings
	client   *perception.Client
	last     config.LLMConfig
}

func newGenerationClient(settings *config.Settings) *liveClient {
	return &liveClient{settings: settings}
}

func (c *liveClient) current() *perception.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	llm := c.settings.Current().LLM
	if c.client == nil || llm != c.last {
		timeout, err := time.ParseDuration(llm.Timeout)
		if err != nil {
			timeout = 0
		}
		c.client = perception.NewClient(perception.Config{
			APIKey:  llm.APIKey,
			BaseURL: llm.BaseURL,
			Model:   llm.Model,
			Timeout: timeout,
		})
		c.last = llm
	}
	return c.client
}

func (c *liveClient) StartStream(ctx context.Context, req types.StreamRequest) (<-chan types.StreamEvent, error) {
	return c.current().StartStream(ctx, req)
}

func (c *liveClient) StartChatStream(ctx context.Context, messages []types.Message, maxOutputTokens int) (<-chan types.StreamEvent, error) {
	return c.current().StartChatStream(ctx, messages, maxOutputTokens)
}
