package latches

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := NewLatches()

	wg := l.AcquireLatches([][]byte{[]byte("a"), []byte("b")})
	require.Nil(t, wg)

	// A disjoint set is free.
	wg = l.AcquireLatches([][]byte{[]byte("c")})
	require.Nil(t, wg)

	// An overlapping set must wait.
	wg = l.AcquireLatches([][]byte{[]byte("b"), []byte("d")})
	require.NotNil(t, wg)

	l.ReleaseLatches([][]byte{[]byte("a"), []byte("b")})
	wg = l.AcquireLatches([][]byte{[]byte("b"), []byte("d")})
	require.Nil(t, wg)
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	keys := [][]byte{[]byte("k")}
	l.WaitForLatches(keys)

	done := make(chan struct{})
	go func() {
		l.WaitForLatches(keys)
		l.ReleaseLatches(keys)
		close(done)
	}()

	l.ReleaseLatches(keys)
	<-done
}

func TestConcurrentCounter(t *testing.T) {
	l := NewLatches()
	keys := [][]byte{[]byte("counter")}

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.WaitForLatches(keys)
			counter++
			l.ReleaseLatches(keys)
		}()
	}
	wg.Wait()
	require.Equal(t, 64, counter)
}
