package dispatch

import (
	"context"
	"fmt"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
)

// toolCallAccumulator folds indexed tool-call fragments from stream deltas
// into complete calls. IDs and names arrive on the first fragment for an
// index; argument text is appended across fragments.
type toolCallAccumulator struct {
	calls []domain.ToolCall
}

func (a *toolCallAccumulator) add(d domain.ToolCallDelta) {
	for len(a.calls) <= d.Index {
		a.calls = append(a.calls, domain.ToolCall{Type: "function"})
	}
	c := &a.calls[d.Index]
	if d.ID != "" {
		c.ID = d.ID
	}
	if d.Function.Name != "" {
		c.Function.Name = d.Function.Name
	}
	c.Function.Arguments += d.Function.Arguments
}

// StreamResult is a live stream after admission. Chunks carries content
// deltas; Errs delivers at most one mid-stream error after Chunks closes.
// Decision is the limiter admission for rate-limit response headers.
type StreamResult struct {
	Chunks   <-chan domain.StreamChunk
	Errs     <-chan error
	Decision ratelimit.Decision
}

// Stream handles a streaming chat request. Resolution and admission happen
// before it returns, so refusals arrive as a plain error with no stream
// opened. Content deltas are then forwarded to the caller as they arrive.
// When the upstream finishes a hop with tool calls, the dispatcher executes
// them, reopens the stream with the results appended, and keeps going; the
// caller sees one uninterrupted stream that ends with a single finish chunk
// carrying the accumulated usage.
func (d *Dispatcher) Stream(ctx context.Context, principal domain.Principal, req domain.ChatRequest) (*StreamResult, error) {
	requested := req.Model

	c, err := d.prepare(principal, req)
	if err != nil {
		return nil, err
	}
	dec, err := d.admit(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := d.acquireSlot(ctx); err != nil {
		return nil, err
	}

	out := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)
		defer d.releaseSlot(c.desc.ID)

		emit := func(chunk domain.StreamChunk) bool {
			chunk.Model = requested
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var total domain.Usage
		conv := c.req.Messages

		for hop := 0; ; hop++ {
			if hop >= d.maxHops {
				errs <- fmt.Errorf("%w: %d hops", domain.ErrToolLoopExceeded, hop)
				return
			}

			hopReq := c.req
			hopReq.Messages = conv

			finish, msg, err := d.streamHop(ctx, c, hopReq, &total, emit)
			if err != nil {
				errs <- err
				return
			}
			if finish == "" {
				// Stream ended without a finish chunk (caller gone or
				// upstream closed early). Nothing more to do.
				return
			}

			if c.serverRun && finish == domain.FinishToolCalls && len(msg.ToolCalls) > 0 {
				results, err := d.runToolCalls(ctx, c, msg.ToolCalls)
				if err != nil {
					errs <- err
					return
				}
				conv = append(conv, msg)
				conv = append(conv, results...)
				continue
			}

			// Final hop: emit the finish chunk with the summed usage.
			emit(domain.StreamChunk{
				Object: "chat.completion.chunk",
				Choices: []domain.Choice{{
					Index:        0,
					Delta:        &domain.Delta{},
					FinishReason: finish,
				}},
				Usage: &total,
			})
			d.record(ctx, c, requested, total)
			return
		}
	}()

	return &StreamResult{Chunks: out, Errs: errs, Decision: dec}, nil
}

// streamHop consumes one upstream stream. Content deltas pass through to
// emit; tool-call deltas are accumulated and, for server-run tools, withheld
// from the caller. It returns the hop's finish reason and the accumulated
// assistant message.
func (d *Dispatcher) streamHop(ctx context.Context, c *call, req domain.ChatRequest, total *domain.Usage, emit func(domain.StreamChunk) bool) (string, domain.Message, error) {
	msg := domain.Message{Role: domain.RoleAssistant}
	var acc toolCallAccumulator
	var finish string

	chunks, upErrs := c.adapter.ChatCompletionStream(ctx, req)

	for chunk := range chunks {
		if chunk.Usage != nil {
			total.Add(*chunk.Usage)
		}

		forward := chunk
		forward.Usage = nil
		forward.Choices = nil

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta == nil {
				continue
			}
			msg.Content += choice.Delta.Content
			for _, tc := range choice.Delta.ToolCalls {
				acc.add(tc)
			}

			fwd := choice
			fwd.FinishReason = ""
			if c.serverRun {
				// The caller never sees tool-call plumbing for tools the
				// gateway executes itself.
				fwd.Delta = &domain.Delta{Role: choice.Delta.Role, Content: choice.Delta.Content}
				if fwd.Delta.Role == "" && fwd.Delta.Content == "" {
					continue
				}
			}
			forward.Choices = append(forward.Choices, fwd)
		}

		if len(forward.Choices) > 0 {
			if !emit(forward) {
				d.drain(chunks, upErrs)
				return "", msg, nil
			}
		}
	}

	err := <-upErrs
	d.observe(c.adapter.ID(), err)
	if err != nil {
		return "", msg, err
	}

	msg.ToolCalls = acc.calls
	return finish, msg, nil
}

// drain unblocks an abandoned upstream goroutine.
func (d *Dispatcher) drain(chunks <-chan domain.StreamChunk, errs <-chan error) {
	go func() {
		for range chunks {
		}
		<-errs
	}()
}
