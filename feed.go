package chatsync

import (
	"context"
	"sync"
)

// feed fans values out to subscribers. A subscriber that falls behind
// loses its oldest buffered value, never the newest, so publishing
// never blocks a writer.
type feed[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
}

func newFeed[T any](buffer int) *feed[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &feed[T]{subs: make(map[int]chan T), buffer: buffer}
}

// subscribe registers a channel that is closed when ctx is done. If
// initial is non-nil its value is queued first.
func (f *feed[T]) subscribe(ctx context.Context, initial func() (T, bool)) <-chan T {
	ch := make(chan T, f.buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	if initial != nil {
		if v, ok := initial(); ok {
			ch <- v
		}
	}
	f.mu.Unlock()

	context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	})
	return ch
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (f *feed[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
