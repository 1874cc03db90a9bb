// Package streaming delivers a lazy, finite, non-restartable sequence of
// execctx.StreamChunk values from a provider's producer goroutine to a
// consumer, with bounded-buffer backpressure and graceful termination.
//
// The shape follows internal/engine.Response: a read-only channel the
// producer closes on completion, paired with an atomic.Pointer[error] box
// (internal/engine.Response.streamErr) recording why the channel closed
// early, since a closed Go channel cannot itself carry a final error value.
package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// Emitter produces a single request's StreamChunk sequence. The zero value
// is not usable; construct with NewEmitter.
type Emitter struct {
	requestID string
	ch        chan execctx.StreamChunk
	seq       atomic.Int64
	streamErr atomic.Pointer[error]
	closeOnce sync.Once
}

// NewEmitter creates an Emitter for requestID. bufferSize configures the
// producer's backpressure threshold: the producer writes into a bounded
// buffer and blocks once it's full. bufferSize <= 0 is treated as 1.
func NewEmitter(requestID string, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Emitter{
		requestID: requestID,
		ch:        make(chan execctx.StreamChunk, bufferSize),
	}
}

// Chunks returns the read side of the stream. The channel is closed exactly
// once the sequence terminates, via Finish, Fail, or Cancel.
func (e *Emitter) Chunks() <-chan execctx.StreamChunk {
	return e.ch
}

// nextSeq returns the next dense, strictly increasing sequence number,
// starting at 0.
func (e *Emitter) nextSeq() int {
	return int(e.seq.Add(1) - 1)
}

// Emit writes a non-final chunk carrying delta, blocking until buffer space
// is available (the cooperative-suspension backpressure signal) or ctx is
// cancelled. It reports false when ctx was cancelled before the write
// landed; callers must then stop producing and call Cancel, emitting no
// further chunks.
func (e *Emitter) Emit(ctx context.Context, delta string) bool {
	chunk := execctx.StreamChunk{
		RequestID:      e.requestID,
		SequenceNumber: e.nextSeq(),
		Delta:          delta,
	}
	select {
	case e.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish emits the terminal chunk (IsFinal = true, possibly with an empty
// delta) and closes the stream. Call exactly once, on producer success.
func (e *Emitter) Finish(ctx context.Context, delta string) {
	e.FinishWithToolCalls(ctx, delta, nil)
}

// FinishWithToolCalls is Finish, additionally attaching toolCalls the
// producer accumulated during streaming (e.g. from a provider's own final
// execctx.StreamChunk) onto the terminal chunk.
func (e *Emitter) FinishWithToolCalls(ctx context.Context, delta string, toolCalls []execctx.ToolCall) {
	chunk := execctx.StreamChunk{
		RequestID:      e.requestID,
		SequenceNumber: e.nextSeq(),
		Delta:          delta,
		IsFinal:        true,
		ToolCalls:      toolCalls,
	}
	select {
	case e.ch <- chunk:
	case <-ctx.Done():
	}
	e.closeOnce.Do(func() { close(e.ch) })
}

// Fail terminates the stream after a producer failure: no further chunks
// are emitted, no terminal chunk is synthesized, and chunks already
// delivered are not retracted. err is later observable via Err.
func (e *Emitter) Fail(err error) {
	if err != nil {
		e.streamErr.Store(&err)
	}
	e.closeOnce.Do(func() { close(e.ch) })
}

// Cancel terminates the stream after consumer cancellation: the producer
// closes upstream and emits no further chunks; no final chunk is required.
func (e *Emitter) Cancel() {
	e.closeOnce.Do(func() { close(e.ch) })
}

// Err returns the error that caused the stream to close early, or nil if
// the stream ended normally (Finish) or was cancelled (Cancel).
func (e *Emitter) Err() error {
	if p := e.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Consume ranges over the stream, invoking fn for each chunk in order until
// the channel closes, fn returns an error, or ctx is cancelled. It returns
// fn's error, ctx.Err(), or the producer's terminal error (via Err), in that
// priority.
func Consume(ctx context.Context, e *Emitter, fn func(execctx.StreamChunk) error) error {
	for {
		select {
		case chunk, ok := <-e.ch:
			if !ok {
				return e.Err()
			}
			if err := fn(chunk); err != nil {
				return err
			}
			if chunk.IsFinal {
				return e.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
