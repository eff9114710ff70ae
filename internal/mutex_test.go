package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMutexByKeySerialisesSameKey(t *testing.T) {
	m := NewMutexByKey()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("room")
			defer m.Unlock("room")
			c := counter
			time.Sleep(time.Microsecond)
			counter = c + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len())
}

func TestMutexByKeyIndependentKeys(t *testing.T) {
	m := NewMutexByKey()
	m.Lock("a")
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("locking b blocked on a")
	}
	m.Unlock("a")
}

func TestMutexByKeyUnlockBeforeLock(t *testing.T) {
	m := NewMutexByKey()
	assert.Panics(t, func() { m.Unlock("nope") })
}
