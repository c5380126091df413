package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	kl := New(32)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("shared")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("Expected 50 increments, got %d", counter)
	}
}

func TestUnlockReleasesStripe(t *testing.T) {
	kl := New(16)

	unlock := kl.Lock("key")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := kl.Lock("key")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock not released after unlock")
	}
}

func TestMinimumStripes(t *testing.T) {
	kl := New(1)
	if len(kl.stripes) != 16 {
		t.Errorf("Expected minimum of 16 stripes, got %d", len(kl.stripes))
	}
	kl = New(64)
	if len(kl.stripes) != 64 {
		t.Errorf("Expected 64 stripes, got %d", len(kl.stripes))
	}
}

func TestStripeIsStableForKey(t *testing.T) {
	kl := New(64)
	if kl.stripe("a") != kl.stripe("a") {
		t.Error("Same key must map to the same stripe")
	}
}
