package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_PushWithinCapacity(t *testing.T) {
	r := NewRing[int](3)

	_, evicted := r.Push(1)
	assert.False(t, evicted)
	r.Push(2)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, []int{1, 2}, r.Slice())
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}

	old, evicted := r.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)

	old, _ = r.Push(5)
	assert.Equal(t, 2, old)

	assert.Equal(t, []int{3, 4, 5}, r.Slice())

	oldest, _ := r.Oldest()
	newest, _ := r.Newest()
	assert.Equal(t, 3, oldest)
	assert.Equal(t, 5, newest)
}

func TestRing_Empty(t *testing.T) {
	r := NewRing[string](0)

	_, ok := r.Oldest()
	assert.False(t, ok)
	_, ok = r.Newest()
	assert.False(t, ok)
	assert.Equal(t, 1, r.Cap())
	assert.Panics(t, func() { r.At(0) })
}
