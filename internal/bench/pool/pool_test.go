package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPool_AllocateUntilExhausted(t *testing.T) {
	p := NewRequestPool(3)

	seen := map[Handle]bool{}
	for i := 0; i < 3; i++ {
		r, err := p.Allocate()
		require.NoError(t, err)
		assert.Equal(t, StatePending, r.State())
		assert.False(t, seen[r.Handle()], "handle reused while live")
		seen[r.Handle()] = true
	}

	_, err := p.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, p.Live())
}

func TestRequestPool_FreeMakesSlotAvailable(t *testing.T) {
	p := NewRequestPool(1)

	r, err := p.Allocate()
	require.NoError(t, err)
	p.Free(r)
	assert.Equal(t, 0, p.Live())

	r2, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, r.Handle().Index(), r2.Handle().Index())
	assert.NotEqual(t, r.Handle().Generation(), r2.Handle().Generation())
}

func TestRequestPool_LookupRejectsStaleHandle(t *testing.T) {
	p := NewRequestPool(2)

	r, err := p.Allocate()
	require.NoError(t, err)
	old := r.Handle()

	got, err := p.Lookup(old)
	require.NoError(t, err)
	assert.Same(t, r, got)

	p.Free(r)
	_, err = p.Lookup(old)
	assert.ErrorIs(t, err, ErrStaleHandle, "lookup of freed slot")

	_, err = p.Allocate()
	require.NoError(t, err)
	_, err = p.Lookup(old)
	assert.ErrorIs(t, err, ErrStaleHandle, "lookup of reused slot")

	_, err = p.Lookup(makeHandle(99, 1))
	assert.ErrorIs(t, err, ErrStaleHandle, "lookup out of range")
}

func TestRequestPool_FreeInvariants(t *testing.T) {
	t.Run("double free", func(t *testing.T) {
		p := NewRequestPool(1)
		r, _ := p.Allocate()
		p.Free(r)
		assertInvariant(t, func() { p.Free(r) })
	})

	t.Run("free while referenced", func(t *testing.T) {
		p := NewRequestPool(1)
		r, _ := p.Allocate()
		r.AcquireRef()
		assertInvariant(t, func() { p.Free(r) })

		assert.True(t, r.ReleaseRef())
		assert.NotPanics(t, func() { p.Free(r) })
	})

	t.Run("foreign request", func(t *testing.T) {
		p := NewRequestPool(1)
		other := NewRequestPool(1)
		r, _ := other.Allocate()
		assertInvariant(t, func() { p.Free(r) })
	})
}

func TestRequest_MarkInFlightOnce(t *testing.T) {
	p := NewRequestPool(1)
	r, _ := p.Allocate()

	first := time.Unix(100, 0)
	r.MarkInFlight(first)
	r.MarkInFlight(first.Add(time.Second))

	assert.Equal(t, StateInFlight, r.State())
	assert.Equal(t, first, r.SentAt)
}

func TestRequestPool_Each(t *testing.T) {
	p := NewRequestPool(4)
	a, _ := p.Allocate()
	b, _ := p.Allocate()
	_, _ = p.Allocate()
	p.Free(b)

	var handles []Handle
	p.Each(func(r *Request) {
		handles = append(handles, r.Handle())
		p.Free(r)
	})

	assert.Len(t, handles, 2)
	assert.Contains(t, handles, a.Handle())
	assert.Equal(t, 0, p.Live())
}

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(4096, 2)

	a, err := p.Get()
	require.NoError(t, err)
	assert.Len(t, a, 4096)

	b, err := p.Get()
	require.NoError(t, err)

	_, err = p.Get()
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 2, p.InUse())

	p.Put(a)
	c, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, &a[0], &c[0], "buffer should be recycled")

	p.Put(b)
	p.Put(c)
	assert.Equal(t, 0, p.InUse())
}

func assertInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected invariant panic")
		_, ok := rec.(*InvariantError)
		assert.True(t, ok, "panic value %T, want *InvariantError", rec)
	}()
	fn()
}
