package main

import (
	"sync"
	"sync/atomic"
)

// ChangeOp is the kind of canonical write a Change describes
type ChangeOp uint8

const (
	OpInsert ChangeOp = 1
	OpUpdate ChangeOp = 2
	OpDelete ChangeOp = 3
)

func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Table names carried by change events
const (
	TableEntity   = "entity"
	TablePosition = "entity_position"
	TableRotation = "entity_rotation"
	TableChunk    = "entity_chunk"
	TablePresence = "presence"
	TableAccount  = "account"
)

// Change is one canonical write pushed to subscribers
type Change struct {
	Table string   `msgpack:"tb" json:"table"`
	Op    ChangeOp `msgpack:"op" json:"op"`
	Key   string   `msgpack:"k" json:"key"`
	Row   any      `msgpack:"r" json:"row"`
}

// changeSet collects the changes made inside one transaction. It is
// published only after the transaction commits.
type changeSet []Change

func (cs *changeSet) add(table string, op ChangeOp, key string, row any) {
	*cs = append(*cs, Change{Table: table, Op: op, Key: key, Row: row})
}

// Feed fans committed changes out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the change.
type Feed struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription receives changes on C until Close is called
type Subscription struct {
	C       <-chan Change
	ch      chan Change
	feed    *Feed
	dropped atomic.Uint64
	once    sync.Once
}

// NewFeed creates an empty Feed
func NewFeed() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size
func (f *Feed) Subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan Change, buf)
	s := &Subscription{C: ch, ch: ch, feed: f}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// Publish delivers changes to every subscriber, in order
func (f *Feed) Publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		for _, c := range changes {
			select {
			case s.ch <- c:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many changes this subscriber missed
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		close(s.ch)
		s.feed.mu.Unlock()
	})
}
