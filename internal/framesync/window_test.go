package framesync

import (
	"testing"

	"github.com/tellyhubcloud/ingestcore/media"
)

func frameAt(fullTime int64) *media.Frame {
	return &media.Frame{FullTime: fullTime}
}

func TestWindowInsertOrdersByFullTime(t *testing.T) {
	t.Parallel()

	w := NewWindow(4)
	for _, ft := range []int64{30, 10, 20, 0} {
		if !w.Insert(frameAt(ft)) {
			t.Fatalf("insert of %d unexpectedly refused", ft)
		}
	}

	want := []int64{0, 10, 20, 30}
	for _, wft := range want {
		f, ok := w.Pop()
		if !ok {
			t.Fatalf("expected a frame, window empty")
		}
		if f.FullTime != wft {
			t.Errorf("Pop: got FullTime %d, want %d", f.FullTime, wft)
		}
	}
}

func TestWindowInsertAtCapacityRefusesNotOverflow(t *testing.T) {
	t.Parallel()

	w := NewWindow(2)
	if !w.Insert(frameAt(1)) {
		t.Fatal("first insert should succeed")
	}
	if !w.Insert(frameAt(2)) {
		t.Fatal("second insert should succeed")
	}
	if w.Insert(frameAt(3)) {
		t.Fatal("(capacity+1)-th insert should be refused, not silently overflow")
	}
	if w.Len() != 2 {
		t.Errorf("Len after refused insert: got %d, want 2 (unchanged)", w.Len())
	}
}

func TestWindowDrainEmpties(t *testing.T) {
	t.Parallel()

	w := NewWindow(3)
	w.Insert(frameAt(1))
	w.Insert(frameAt(2))

	drained := w.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain: got %d frames, want 2", len(drained))
	}
	if w.Len() != 0 {
		t.Errorf("Len after Drain: got %d, want 0", w.Len())
	}
}

func TestWindowPeekDoesNotRemove(t *testing.T) {
	t.Parallel()

	w := NewWindow(2)
	w.Insert(frameAt(5))

	if _, ok := w.Peek(); !ok {
		t.Fatal("expected Peek to find a frame")
	}
	if w.Len() != 1 {
		t.Errorf("Len after Peek: got %d, want 1", w.Len())
	}
}
