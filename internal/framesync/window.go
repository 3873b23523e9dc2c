// Package framesync implements the bounded sorted windows and the
// inter-stream frame synchronizer that re-orders audio and video frames
// by presentation time and releases them to the dispatcher in strict
// temporal order.
package framesync

import (
	"sort"

	"github.com/tellyhubcloud/ingestcore/media"
)

// Window is a bounded sequence of Frames kept in ascending FullTime
// order. Capacity is enforced strictly: the (capacity+1)-th insert is
// refused rather than allowed to overflow, signaling the caller to
// restart the synchronizer instead.
type Window struct {
	capacity int
	items    []*media.Frame
}

// NewWindow creates an empty Window of the given capacity.
func NewWindow(capacity int) *Window {
	return &Window{capacity: capacity, items: make([]*media.Frame, 0, capacity)}
}

// Len returns the number of Frames currently held.
func (w *Window) Len() int { return len(w.items) }

// Capacity returns the window's configured capacity.
func (w *Window) Capacity() int { return w.capacity }

// Insert adds f in ascending-FullTime order via binary search. It returns
// false without inserting if the window is already at capacity — the
// caller must treat this as a request to restart the synchronizer, never
// as silent overflow.
func (w *Window) Insert(f *media.Frame) bool {
	if len(w.items) >= w.capacity {
		return false
	}
	idx := sort.Search(len(w.items), func(i int) bool {
		return w.items[i].FullTime >= f.FullTime
	})
	w.items = append(w.items, nil)
	copy(w.items[idx+1:], w.items[idx:])
	w.items[idx] = f
	return true
}

// Peek returns the head of the window (the earliest FullTime) without
// removing it.
func (w *Window) Peek() (*media.Frame, bool) {
	if len(w.items) == 0 {
		return nil, false
	}
	return w.items[0], true
}

// Pop removes and returns the head of the window.
func (w *Window) Pop() (*media.Frame, bool) {
	if len(w.items) == 0 {
		return nil, false
	}
	f := w.items[0]
	w.items = w.items[1:]
	return f, true
}

// Drain removes and returns every held Frame, leaving the window empty.
// Used on synchronizer restart so every contained payload can be returned
// to its pool.
func (w *Window) Drain() []*media.Frame {
	items := w.items
	w.items = nil
	return items
}
