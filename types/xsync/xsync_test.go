package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	select {
	case <-l.WaitChan():
		t.Fatal("latch fired before Trigger")
	default:
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.Wait() }()
	go func() { defer wg.Done(); <-l.WaitChan() }()
	l.Trigger()
	wg.Wait()
	require.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	require.True(t, l.Test())
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	s.Acquire()
	s.Acquire()

	acquired := make(chan struct{})
	go func() {
		s.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("third Acquire should have blocked")
	case <-time.After(10 * time.Millisecond):
	}
	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not proceed after Release")
	}
	s.Release()
	s.Release()
}
