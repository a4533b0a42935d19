package keylock_test

import (
	"sync"
	"testing"

	"github.com/relabs-tech/devicehub/core/keylock"
	"github.com/stretchr/testify/assert"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	k := keylock.New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("d1")
			counter++
			k.Unlock("d1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	k := keylock.New()

	k.Lock("d1")
	done := make(chan struct{})
	go func() {
		// must not block on a different key
		k.Lock("d2")
		k.Unlock("d2")
		close(done)
	}()
	<-done
	k.Unlock("d1")
}

func TestKeyLockUnlockUnknownPanics(t *testing.T) {
	k := keylock.New()
	assert.Panics(t, func() { k.Unlock("never-locked") })
}
