package vifset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SetCount(t *testing.T) {
	var s Set
	assert.Equal(t, uint(0), s.Count())

	s.Insert(0)
	s.Insert(42)
	assert.Equal(t, uint(2), s.Count())
}

func Test_SetHasAndRemove(t *testing.T) {
	s := Of(2, 5)
	assert.True(t, s.Has(2))
	assert.True(t, s.Has(5))
	assert.False(t, s.Has(3))

	s.Remove(2)
	assert.False(t, s.Has(2))
	assert.True(t, s.Has(5))
}

func Test_SetIsZero(t *testing.T) {
	var s Set
	assert.True(t, s.IsZero())

	s.Insert(1)
	assert.False(t, s.IsZero())

	s.Clear()
	assert.True(t, s.IsZero())
}

func Test_SetEqual(t *testing.T) {
	a := Of(1, 2, 3)
	b := Of(3, 2, 1)
	c := Of(1, 2)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func Test_SetUnion(t *testing.T) {
	a := Of(1, 2)
	b := Of(2, 3)
	a.Union(b)

	assert.Equal(t, []uint32{1, 2, 3}, a.AsSlice())
}

func Test_SetTraverse(t *testing.T) {
	s := Of(0, 42, 130)

	var got []uint32
	s.Traverse(func(idx uint32) bool {
		got = append(got, idx)
		return true
	})

	assert.Equal(t, []uint32{0, 42, 130}, got)
}

func Test_SetPanicsOnLargeIndex(t *testing.T) {
	var s Set
	assert.NotPanics(t, func() { s.Insert(0) })
	assert.NotPanics(t, func() { s.Insert(64*MaxWords - 1) })
	assert.Panics(t, func() { s.Insert(64 * MaxWords) })
}
