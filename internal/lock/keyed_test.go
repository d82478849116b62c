package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("terminal-1")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.Len())
}

func TestKeyed_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()

	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyed_ReadersShareWriterExcludes(t *testing.T) {
	k := NewKeyed()

	r1 := k.RLock("s")
	r2 := k.RLock("s")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("s")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired lock while readers hold it")
	case <-time.After(20 * time.Millisecond):
	}

	r1()
	r2()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired lock")
	}
}

func TestKeyed_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyed()

	unlock := k.Lock("x")
	unlock()
	unlock()

	require.Equal(t, 0, k.Len())
}
