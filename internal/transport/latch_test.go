package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatchSignalWakesWait(t *testing.T) {
	l := NewLatch()
	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("wait returned before signal")
	case <-time.After(30 * time.Millisecond):
	}

	l.Signal()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("wait did not unblock after signal")
	}
}

func TestLatchSignalIsIdempotent(t *testing.T) {
	l := NewLatch()
	require.NotPanics(t, func() {
		l.Signal()
		l.Signal()
		l.Signal()
	})
	require.NoError(t, l.Wait(context.Background()))
}

func TestLatchWaitRespectsContext(t *testing.T) {
	l := NewLatch()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLatchResetRearms(t *testing.T) {
	l := NewLatch()
	l.Signal()
	require.NoError(t, l.Wait(context.Background()))

	l.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	l.Signal()
	require.NoError(t, l.Wait(context.Background()))
}
