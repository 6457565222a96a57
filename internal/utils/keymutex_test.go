package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("momentum_001:BTCUSDT")
			counter++
			km.Unlock("momentum_001:BTCUSDT")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestKeyMutex_IndependentKeys(t *testing.T) {
	km := NewKeyMutex()
	km.Lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done
	km.Unlock("a")
}
