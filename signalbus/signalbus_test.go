package signalbus

import (
	"context"
	"testing"
	"time"
)

func TestEmitDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, 4)
	b.Emit(Event{Kind: SCTE35Start, Message: "cue-out"})

	select {
	case e := <-ch:
		if e.Kind != SCTE35Start {
			t.Fatalf("Kind = %v, want %v", e.Kind, SCTE35Start)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFatalKinds(t *testing.T) {
	t.Parallel()
	if !Fatal(ErrorAVSync) {
		t.Error("ErrorAVSync should be fatal")
	}
	if Fatal(DropAudio) {
		t.Error("DropAudio should not be fatal")
	}
}

func TestSubscribeUnsubscribesOnCancel(t *testing.T) {
	t.Parallel()
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, 1)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after cancel")
	}
}
