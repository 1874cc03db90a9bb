package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
)

func TestEmitter_DenseSequenceAndFinalChunk(t *testing.T) {
	e := NewEmitter("r1", 4)

	go func() {
		e.Emit(context.Background(), "hello")
		e.Emit(context.Background(), " world")
		e.Finish(context.Background(), "!")
	}()

	var chunks []execctx.StreamChunk
	for c := range e.Chunks() {
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.SequenceNumber != i {
			t.Errorf("chunk %d: SequenceNumber = %d, want %d", i, c.SequenceNumber, i)
		}
		if c.RequestID != "r1" {
			t.Errorf("chunk %d: RequestID = %q, want r1", i, c.RequestID)
		}
	}
	for i := 0; i < 2; i++ {
		if chunks[i].IsFinal {
			t.Errorf("chunk %d: IsFinal = true, want false", i)
		}
	}
	if !chunks[2].IsFinal {
		t.Error("last chunk: IsFinal = false, want true")
	}
	if e.Err() != nil {
		t.Errorf("Err() = %v, want nil after clean Finish", e.Err())
	}
}

func TestEmitter_FailDoesNotRetractDeliveredChunks(t *testing.T) {
	e := NewEmitter("r1", 4)
	wantErr := errors.New("upstream exploded")

	go func() {
		e.Emit(context.Background(), "partial")
		e.Fail(wantErr)
	}()

	var chunks []execctx.StreamChunk
	for c := range e.Chunks() {
		chunks = append(chunks, c)
	}

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 (delivered before failure)", len(chunks))
	}
	if chunks[0].IsFinal {
		t.Error("delivered chunk should not be final on producer failure")
	}
	if !errors.Is(e.Err(), wantErr) {
		t.Errorf("Err() = %v, want %v", e.Err(), wantErr)
	}
}

func TestEmitter_FinishWithToolCallsAttachesOnlyToFinalChunk(t *testing.T) {
	e := NewEmitter("r1", 4)
	toolCalls := []execctx.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`}}

	go func() {
		e.Emit(context.Background(), "checking weather")
		e.FinishWithToolCalls(context.Background(), "", toolCalls)
	}()

	var chunks []execctx.StreamChunk
	for c := range e.Chunks() {
		chunks = append(chunks, c)
	}

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0].ToolCalls) != 0 {
		t.Error("non-final chunk should carry no tool calls")
	}
	if len(chunks[1].ToolCalls) != 1 || chunks[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("final chunk ToolCalls = %+v, want [call_1]", chunks[1].ToolCalls)
	}
}

func TestEmitter_CancelEmitsNoFinalChunk(t *testing.T) {
	e := NewEmitter("r1", 1)
	ctx, cancel := context.WithCancel(context.Background())

	firstEmitted := make(chan struct{})
	done := make(chan struct{})
	var secondOK bool
	go func() {
		defer close(done)
		// Fill the single buffer slot; since nothing drains it until after
		// done closes, the next Emit can only unblock via ctx cancellation.
		e.Emit(context.Background(), "first")
		close(firstEmitted)
		secondOK = e.Emit(ctx, "second")
		e.Cancel()
	}()

	<-firstEmitted
	cancel()
	<-done

	if secondOK {
		t.Error("Emit after cancellation unexpectedly succeeded")
	}

	var chunks []execctx.StreamChunk
	for c := range e.Chunks() {
		chunks = append(chunks, c)
	}
	for _, c := range chunks {
		if c.IsFinal {
			t.Error("no chunk should be final after consumer cancellation")
		}
	}
	if e.Err() != nil {
		t.Errorf("Err() = %v, want nil after Cancel with no recorded error", e.Err())
	}
}

func TestEmitter_BackpressureBlocksProducer(t *testing.T) {
	e := NewEmitter("r1", 1)
	emitted := make(chan struct{}, 2)

	go func() {
		e.Emit(context.Background(), "a")
		emitted <- struct{}{}
		e.Finish(context.Background(), "b")
		emitted <- struct{}{}
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("first Emit never returned")
	}

	select {
	case <-emitted:
		t.Fatal("Finish returned before the buffered chunk was drained (no backpressure)")
	case <-time.After(20 * time.Millisecond):
	}

	<-e.Chunks() // drain the buffered first chunk, unblocking the producer

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Finish never returned after drain")
	}
}

func TestConsume_StopsAtFinalChunk(t *testing.T) {
	e := NewEmitter("r1", 4)
	go func() {
		e.Emit(context.Background(), "x")
		e.Finish(context.Background(), "y")
	}()

	var got []string
	err := Consume(context.Background(), e, func(c execctx.StreamChunk) error {
		got = append(got, c.Delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("got %v, want [x y]", got)
	}
}

func TestConsume_PropagatesProducerFailure(t *testing.T) {
	e := NewEmitter("r1", 4)
	wantErr := errors.New("boom")
	go func() {
		e.Emit(context.Background(), "x")
		e.Fail(wantErr)
	}()

	err := Consume(context.Background(), e, func(c execctx.StreamChunk) error { return nil })
	if !errors.Is(err, wantErr) {
		t.Fatalf("Consume err = %v, want %v", err, wantErr)
	}
}

func TestConsume_PropagatesCallbackError(t *testing.T) {
	e := NewEmitter("r1", 4)
	go func() {
		e.Emit(context.Background(), "x")
		e.Emit(context.Background(), "y")
		e.Finish(context.Background(), "z")
	}()

	wantErr := errors.New("callback refused")
	err := Consume(context.Background(), e, func(c execctx.StreamChunk) error {
		if c.Delta == "y" {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Consume err = %v, want %v", err, wantErr)
	}
}

func TestConsume_ContextCancellation(t *testing.T) {
	e := NewEmitter("r1", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Consume(ctx, e, func(c execctx.StreamChunk) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Consume err = %v, want context.Canceled", err)
	}
}
