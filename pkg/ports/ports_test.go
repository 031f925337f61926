package ports

import (
	"testing"

	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestAllocateLowestFirst(t *testing.T) {
	a, err := NewAllocator(17000, 17002)
	require.NoError(t, err)

	p1, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17000, p1)

	p2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17001, p2)
}

func TestExhaustion(t *testing.T) {
	a, err := NewAllocator(17000, 17001)
	require.NoError(t, err)

	_, err = a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 0, a.Free())
}

func TestReleaseAndReuse(t *testing.T) {
	a, err := NewAllocator(17000, 17001)
	require.NoError(t, err)

	p1, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	a.Release(p1)
	assert.Equal(t, 1, a.Free())

	// Lowest released port comes back first
	p3, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestReleaseIdempotent(t *testing.T) {
	a, err := NewAllocator(17000, 17001)
	require.NoError(t, err)

	p, err := a.Allocate()
	require.NoError(t, err)

	a.Release(p)
	a.Release(p)
	assert.Equal(t, 2, a.Free())
}

func TestReleaseOutOfRange(t *testing.T) {
	a, err := NewAllocator(17000, 17001)
	require.NoError(t, err)

	// Must not panic or change the pool
	a.Release(9999)
	assert.Equal(t, 2, a.Free())
}

func TestReserve(t *testing.T) {
	a, err := NewAllocator(17000, 17002)
	require.NoError(t, err)

	require.NoError(t, a.Reserve(17001))
	assert.Error(t, a.Reserve(17001), "double reserve must fail")
	assert.Error(t, a.Reserve(20000), "out of range reserve must fail")

	p, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17000, p)
	p, err = a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17002, p)
}

func TestInvalidRange(t *testing.T) {
	_, err := NewAllocator(0, 10)
	assert.Error(t, err)
	_, err = NewAllocator(100, 99)
	assert.Error(t, err)
}
