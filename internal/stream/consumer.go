// Package stream consumes one ordered generation event sequence and
// produces exactly one terminal outcome. It owns the incremental
// mode-prefix parsing and republishes display text as it accumulates.
package stream

import (
	"context"
	"strings"
	"time"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// Outcome is the single terminal result of consuming a stream.
type Outcome struct {
	Text           string
	Classification types.Classification
	StopReason     types.StopReason
	ErrorMessage   string // non-empty means failure

	FirstToken   time.Time
	FirstTokenAt bool
	DeltaCount   int
}

// Failed reports whether the stream terminated with a provider error.
func (o Outcome) Failed() bool { return o.ErrorMessage != "" }

// StreamedIncrementally reports whether the answer arrived as a real
// stream: more than one delta and a non-trivial final text.
func (o Outcome) StreamedIncrementally() bool {
	return o.DeltaCount > 1 && types.CleanSelection(o.Text) != ""
}

// PublishFunc receives the accumulated display text whenever it grows.
// Classification resolution always precedes the first publication.
type PublishFunc func(text string, cls types.Classification)

// Consumer drives one event channel to completion. It must not be reused.
type Consumer struct {
	lexer     *prefixLexer
	text      strings.Builder
	publish   PublishFunc
	log       *logging.RequestLogger
	finalized bool
	outcome   Outcome
}

// NewConsumer creates a consumer that republishes via publish. The request
// id only labels log lines.
func NewConsumer(requestID types.RequestIdentity, publish PublishFunc) *Consumer {
	if publish == nil {
		publish = func(string, types.Classification) {}
	}
	return &Consumer{
		lexer:   newPrefixLexer(),
		publish: publish,
		log:     logging.WithRequestID(logging.CategoryStream, string(requestID)),
	}
}

// Run consumes events until the channel closes or ctx is cancelled and
// returns the terminal outcome. Finalization runs exactly once: events
// after the first terminal signal are drained and ignored. A channel that
// closes without a terminal signal still finalizes as success.
func (c *Consumer) Run(ctx context.Context, events <-chan types.StreamEvent) Outcome {
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			c.finalizeFailure(ctx.Err().Error())
			return c.outcome
		case ev, ok := <-events:
			if !ok {
				// Provider ended the stream without a terminal signal.
				c.finalizeSuccess(types.StopUnknown)
				c.log.Debug("stream closed without terminal signal after %v", time.Since(start))
				return c.outcome
			}
			if c.finalized {
				continue // Duplicate terminal signals and late deltas are ignored.
			}
			switch ev.Kind {
			case types.EventDelta:
				c.onDelta(ev.Text)
			case types.EventDone:
				c.finalizeSuccess(ev.StopReason)
				c.log.Debug("stream done stop=%s deltas=%d len=%d in %v",
					ev.StopReason, c.outcome.DeltaCount, len(c.outcome.Text), time.Since(start))
			case types.EventError:
				c.finalizeFailure(ev.Err)
				c.log.Warn("stream error after %d deltas: %s", c.outcome.DeltaCount, ev.Err)
			}
			if c.finalized {
				// Keep draining so duplicate terminals stay idempotent and
				// the producer can finish closing the channel.
				go drain(events)
				return c.outcome
			}
		}
	}
}

func (c *Consumer) onDelta(delta string) {
	if delta == "" {
		return
	}
	if c.outcome.DeltaCount == 0 {
		c.outcome.FirstToken = time.Now()
		c.outcome.FirstTokenAt = true
	}
	c.outcome.DeltaCount++

	emit := c.lexer.feed(delta)
	if emit == "" {
		return
	}
	c.text.WriteString(emit)
	cls, _ := c.lexer.resolvedClassification()
	c.publish(c.text.String(), cls)
}

func (c *Consumer) finalizeSuccess(stop types.StopReason) {
	if c.finalized {
		return
	}
	c.finalized = true
	if residual := c.lexer.finish(); residual != "" {
		c.text.WriteString(residual)
	}
	cls, _ := c.lexer.resolvedClassification()
	c.outcome.Text = c.text.String()
	c.outcome.Classification = cls
	c.outcome.StopReason = stop
	if c.outcome.Text != "" {
		c.publish(c.outcome.Text, cls)
	}
}

func (c *Consumer) finalizeFailure(message string) {
	if c.finalized {
		return
	}
	c.finalized = true
	cls, _ := c.lexer.resolvedClassification()
	c.outcome.Text = c.text.String()
	c.outcome.Classification = cls
	c.outcome.ErrorMessage = message
}

// Collect accumulates a whole stream into a single string without prefix
// parsing or publication. Used by the repair path, where the continuation
// carries no mode token.
func Collect(ctx context.Context, events <-chan types.StreamEvent) (string, types.StopReason, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), types.StopUnknown, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return b.String(), types.StopUnknown, nil
			}
			switch ev.Kind {
			case types.EventDelta:
				b.WriteString(ev.Text)
			case types.EventDone:
				go drain(events)
				return b.String(), ev.StopReason, nil
			case types.EventError:
				go drain(events)
				return b.String(), types.StopUnknown, &ProviderError{Message: ev.Err}
			}
		}
	}
}

// ProviderError is an explicit error event surfaced by the provider.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

func drain(events <-chan types.StreamEvent) {
	for range events {
	}
}
