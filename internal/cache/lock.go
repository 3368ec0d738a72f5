package cache

import (
	"context"
	"sync"

	"classwatch/internal/models"
)

// keyedLock hands out one token per query. Tokens are created lazily and never
// removed, so the map grows with the number of distinct queries ever seen.
type keyedLock struct {
	mu     sync.Mutex
	tokens map[models.Query]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{tokens: make(map[models.Query]chan struct{})}
}

func (l *keyedLock) token(q models.Query) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.tokens[q]
	if !ok {
		ch = make(chan struct{}, 1)
		l.tokens[q] = ch
	}
	return ch
}

// Lock blocks until the token for q is held or ctx is done. The returned
// function releases the token.
func (l *keyedLock) Lock(ctx context.Context, q models.Query) (func(), error) {
	ch := l.token(q)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
