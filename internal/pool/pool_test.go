package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	n     int
	reset bool
}

func TestAcquireFallsBackToFactoryWhenEmpty(t *testing.T) {
	calls := 0
	p := New(2, 0, func() *widget { calls++; return &widget{n: calls} }, nil)

	w := p.Acquire()
	require.Equal(t, 1, w.n)
	require.Equal(t, 1, calls)
}

func TestReleaseThenAcquireReusesInstance(t *testing.T) {
	calls := 0
	p := New(2, 0, func() *widget { calls++; return &widget{n: calls} }, func(w *widget) { w.reset = true })

	w := p.Acquire()
	p.Release(w)
	require.Equal(t, 1, calls)

	got := p.Acquire()
	require.Same(t, w, got)
	require.True(t, got.reset)
	require.Equal(t, 1, calls, "must not call factory again when a pooled instance exists")
}

func TestReleaseBeyondCapacityDrops(t *testing.T) {
	p := New(1, 0, func() *widget { return &widget{} }, nil)

	a, b := &widget{n: 1}, &widget{n: 2}
	p.Release(a)
	p.Release(b) // capacity 1: dropped, must not block or panic

	require.Equal(t, 1, p.Len())
}

func TestPrefillWarmsPool(t *testing.T) {
	calls := 0
	p := New(5, 3, func() *widget { calls++; return &widget{} }, nil)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, p.Len())
}

func TestPrefillClampedToCapacity(t *testing.T) {
	p := New(2, 10, func() *widget { return &widget{} }, nil)
	require.Equal(t, 2, p.Len())
}

func TestPoolBalanceUnderRandomCycles(t *testing.T) {
	p := New(8, 4, func() *widget { return &widget{} }, func(w *widget) { w.reset = true })
	const cycles = 1000
	for i := 0; i < cycles; i++ {
		held := make([]*widget, 0, 5)
		for j := 0; j < (i%5)+1; j++ {
			held = append(held, p.Acquire())
		}
		for _, w := range held {
			p.Release(w)
		}
	}
	require.LessOrEqual(t, p.Len(), 8)
}
