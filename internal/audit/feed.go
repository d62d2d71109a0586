package audit

import (
	"context"
	"sync"
)

const feedBuffer = 16

// Feed fans written records out to live subscribers, such as an admin
// tailing a tenant's audit trail. Slow subscribers miss records; a Feed
// never fails or blocks a write.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch     chan Record
	filter func(Record) bool
}

var _ Sink = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel of records accepted by filter (nil accepts
// all). The channel is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context, filter func(Record) bool) <-chan Record {
	ch := make(chan Record, feedBuffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = subscriber{ch: ch, filter: filter}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) Write(_ context.Context, rec Record) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if s.filter != nil && !s.filter(rec) {
			continue
		}
		select {
		case s.ch <- rec:
		default:
		}
	}
	return nil
}
