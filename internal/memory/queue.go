package memory

import (
	"context"
	"sync"
)

// DoneSentinel marks the end of a conversation stream.
const DoneSentinel = "[DONE]"

// queue is an unbounded FIFO of snapshots. Items pushed after the sentinel are
// dropped.
type queue struct {
	mu     sync.Mutex
	items  []string
	done   bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(item string) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	if item == DoneSentinel {
		q.done = true
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available. ok is false once the sentinel has
// been reached and every earlier item consumed, or ctx is done.
func (q *queue) pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		done := q.done
		q.mu.Unlock()
		if done {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-q.notify:
		}
	}
}

func (q *queue) closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}
