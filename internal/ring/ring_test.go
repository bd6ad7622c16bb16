package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_PushAndSnapshot(t *testing.T) {
	r := New[int](4)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 4, r.Cap())

	r.Push(1)
	r.Push(2)
	r.Push(3)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{1, 2, 3}, r.Snapshot())
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	require.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRing_ExactCapacity(t *testing.T) {
	r := New[string](2)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Snapshot())

	r.Push("c")
	assert.Equal(t, []string{"b", "c"}, r.Snapshot())
}

func TestRing_SnapshotIsCopy(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	snap := r.Snapshot()
	snap[0] = 99

	assert.Equal(t, []int{1}, r.Snapshot())
}

func TestRing_LargeOverflow(t *testing.T) {
	// 1001 pushes into capacity 1000: the first element is evicted.
	r := New[int](1000)
	for i := 1; i <= 1001; i++ {
		r.Push(i)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 1000)
	assert.Equal(t, 2, snap[0])
	assert.Equal(t, 1001, snap[999])
}
