package sessions

import (
	"sync"
	"testing"
)

func TestLockerSerializes(t *testing.T) {
	locker := NewLocker()

	var mu sync.Mutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("s1")
			defer unlock()

			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d", counter)
	}

	locker.mu.Lock()
	remaining := len(locker.locks)
	locker.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d lock entries leaked", remaining)
	}
}

func TestLockerIndependentSessions(t *testing.T) {
	locker := NewLocker()

	unlockA := locker.Lock("a")
	// Locking a different session must not block.
	done := make(chan struct{})
	go func() {
		unlock := locker.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}
