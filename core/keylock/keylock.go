/*Package keylock provides mutual exclusion scoped to a string key.

State reconciliation and offer replacement must be serialized per device,
otherwise an offer replace could interleave its unsubscribe/subscribe
sequence with a concurrent state write for the same device.
*/
package keylock

import "sync"

// KeyLock is a set of mutexes indexed by key. The zero value is not
// usable, create one with New.
type KeyLock struct {
	mutex sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mutex sync.Mutex
	refs  int
}

// New creates a new KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyLock) Lock(key string) {
	k.mutex.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mutex.Unlock()
	e.mutex.Lock()
}

// Unlock releases the mutex for key. The mutex is dropped from the
// table once nobody holds or waits for it.
func (k *KeyLock) Unlock(key string) {
	k.mutex.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mutex.Unlock()
		panic("keylock: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mutex.Unlock()
	e.mutex.Unlock()
}
