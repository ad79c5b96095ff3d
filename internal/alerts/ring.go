package alerts

// Ring is a fixed-capacity circular buffer. Pushing onto a full ring evicts the oldest
// element. It is not safe for concurrent use; owners serialise access.
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v and returns the evicted element, if any.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return evicted, false
	}

	evicted = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

func (r *Ring[T]) Len() int { return r.size }
func (r *Ring[T]) Cap() int { return len(r.buf) }

// At returns the i-th element counting from the oldest.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("alerts: ring index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(0), true
}

func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice copies the contents oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}
