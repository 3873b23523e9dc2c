package pool

import "sync"

// ObjectPool is the header-class counterpart to Pool: a fixed-capacity,
// free-list-backed allocator for whole structs (frame headers, message
// headers) rather than raw byte buffers, sharing the same take/return and
// fatal-on-exhaustion semantics.
type ObjectPool[T any] struct {
	name     string
	capacity int

	mu   sync.Mutex
	free []*T
}

// NewObjectPool creates an ObjectPool of capacity pre-allocated objects,
// each produced by factory.
func NewObjectPool[T any](name string, capacity int, factory func() *T) *ObjectPool[T] {
	p := &ObjectPool[T]{name: name, capacity: capacity}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, factory())
	}
	return p
}

// Name identifies the pool for logging and signal-bus events.
func (p *ObjectPool[T]) Name() string { return p.name }

// Take reserves one object, resetting it to its zero value first. It
// returns ok=false if the pool is exhausted — fatal to the caller.
func (p *ObjectPool[T]) Take() (v *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	v = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	var zero T
	*v = zero
	return v, true
}

// Put returns an object to the pool.
func (p *ObjectPool[T]) Put(v *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, v)
}

// UnusedCount reports the number of free objects.
func (p *ObjectPool[T]) UnusedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the total number of objects the pool was created with.
func (p *ObjectPool[T]) Capacity() int {
	return p.capacity
}
