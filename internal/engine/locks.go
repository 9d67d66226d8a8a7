package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KeyedMutex is an in-process domain.LockManager. Acquire blocks until the
// key is free or ctx ends; the ttl is ignored because holders cannot vanish
// without releasing.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedMutex returns an empty lock set.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]chan struct{})}
}

func (k *KeyedMutex) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := k.slot(key)
	select {
	case ch <- struct{}{}:
	default:
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("engine: lock %s: %w", key, ctx.Err())
		}
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
