package window

// DefaultSize is the number of points kept for the live chart.
const DefaultSize = 30

// Buffer keeps the last N values pushed into it, oldest first. Push is O(1)
// and never reallocates after construction. A Buffer is not safe for
// concurrent use; callers serialise access.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	n     int
}

// New returns an empty buffer with the given capacity. Sizes below 1 fall
// back to DefaultSize.
func New[T any](size int) *Buffer[T] {
	if size < 1 {
		size = DefaultSize
	}
	return &Buffer[T]{items: make([]T, size)}
}

// Push appends v, evicting the oldest value once the buffer is full.
func (b *Buffer[T]) Push(v T) {
	size := len(b.items)
	if b.n < size {
		b.items[(b.head+b.n)%size] = v
		b.n++
		return
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % size
}

// Snapshot returns a copy of the buffered values in arrival order.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.n)
	size := len(b.items)
	for i := 0; i < b.n; i++ {
		out[i] = b.items[(b.head+i)%size]
	}
	return out
}

// Len returns the number of buffered values.
func (b *Buffer[T]) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }
