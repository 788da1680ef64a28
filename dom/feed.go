package dom

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/hazyhaar/readtheroom/domwatch/mutation"
	"github.com/hazyhaar/readtheroom/idgen"
)

// Feed fans mutation records out to Observe subscriptions. Document
// implementations publish into a Feed and delegate Observe to it.
//
// Subscribers get an unbounded queue each, so a consumer that edits the
// document while handling a batch never blocks the producer.
type Feed struct {
	mu     sync.Mutex
	url    string
	pageID string
	seq    uint64
	subs   map[*subscriber]struct{}
	newID  idgen.Generator
}

// NewFeed returns a feed stamping batches with pageURL and a fresh page id.
func NewFeed(pageURL string) *Feed {
	return &Feed{
		url:    pageURL,
		pageID: idgen.NanoID(8)(),
		subs:   make(map[*subscriber]struct{}),
		newID:  idgen.Default,
	}
}

// SetURL changes the URL stamped on later batches.
func (f *Feed) SetURL(u string) {
	f.mu.Lock()
	f.url = u
	f.mu.Unlock()
}

func (f *Feed) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// PageID is the identifier stamped on every batch of this feed.
func (f *Feed) PageID() string { return f.pageID }

// Subscribers returns the number of live Observe subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Publish emits recs as one batch to every subscriber. Empty input is
// dropped.
func (f *Feed) Publish(recs []mutation.Record) {
	if len(recs) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batchLocked(recs)
	for s := range f.subs {
		s.push(b)
	}
}

func (f *Feed) batchLocked(recs []mutation.Record) mutation.Batch {
	f.seq++
	return mutation.Batch{
		ID:        f.newID(),
		PageURL:   f.url,
		PageID:    f.pageID,
		Seq:       f.seq,
		Records:   recs,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (f *Feed) Observe(ctx context.Context) iter.Seq[mutation.Batch] {
	return func(yield func(mutation.Batch) bool) {
		sub := &subscriber{notify: make(chan struct{}, 1)}

		f.mu.Lock()
		f.subs[sub] = struct{}{}
		sub.push(f.batchLocked([]mutation.Record{{Op: mutation.OpDocReset}}))
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			delete(f.subs, sub)
			f.mu.Unlock()
		}()

		for {
			for {
				b, ok := sub.pop()
				if !ok {
					break
				}
				if !yield(b) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-sub.notify:
			}
		}
	}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []mutation.Batch
	notify chan struct{}
}

func (s *subscriber) push(b mutation.Batch) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (mutation.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return mutation.Batch{}, false
	}
	b := s.queue[0]
	s.queue = s.queue[1:]
	return b, true
}
