// Package keylock provides striped mutexes keyed by string. Operations on
// the same key are serialized; operations on different keys proceed
// concurrently (modulo stripe collisions).
package keylock

import (
	"hash/fnv"
	"sync"
)

// KeyLock is a fixed set of mutex stripes addressed by key hash
type KeyLock struct {
	stripes []sync.Mutex
}

// New creates a KeyLock with the given number of stripes (rounded up to a
// minimum of 16)
func New(stripes int) *KeyLock {
	if stripes < 16 {
		stripes = 16
	}
	return &KeyLock{stripes: make([]sync.Mutex, stripes)}
}

func (kl *KeyLock) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &kl.stripes[h.Sum32()%uint32(len(kl.stripes))]
}

// Lock acquires the stripe for the key and returns the unlock function
func (kl *KeyLock) Lock(key string) func() {
	mu := kl.stripe(key)
	mu.Lock()
	return mu.Unlock
}
