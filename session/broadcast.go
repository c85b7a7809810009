package session

import (
	"context"
	"sync"
)

// Broadcaster fans approval decisions out to in-process subscribers. Stores
// without a native notification channel embed it to implement Subscribe.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ctx context.Context
	ch  chan ApprovalDecision
}

// Subscribe returns a channel of decisions published after the call. The
// channel is closed once ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan ApprovalDecision, error) {
	sub := &subscriber{ctx: ctx, ch: make(chan ApprovalDecision, 16)}

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

// Publish delivers d to every live subscriber, waiting on slow ones until
// their context ends.
func (b *Broadcaster) Publish(d ApprovalDecision) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- d:
		case <-sub.ctx.Done():
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
