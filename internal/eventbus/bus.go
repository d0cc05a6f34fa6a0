// Package eventbus is the in-process event stream observers subscribe to.
//
// Publish never blocks. A subscriber whose buffer is full misses the event
// and the bus counts the drop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	JobQueued    Type = "job_queued"
	JobSent      Type = "job_sent"
	JobFailed    Type = "job_failed"
	JobRetrying  Type = "job_retrying"
	JobDeferred  Type = "job_deferred"
	JobCancelled Type = "job_cancelled"
	// QuotaUpdate carries a quota.Snapshot after every send, and a
	// stats.Report from the periodic reporter.
	QuotaUpdate Type = "quota_update"

	ConnectionQR            Type = "connection_qr"
	ConnectionConnecting    Type = "connection_connecting"
	ConnectionAuthenticated Type = "connection_authenticated"
	ConnectionReady         Type = "connection_ready"
	ConnectionDisconnected  Type = "connection_disconnected"
	ConnectionAuthFailed    Type = "connection_auth_failed"
)

// Event carries a small, JSON-friendly Data value.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events of the given
	// types (all types when none are given) and a func that unsubscribes and
	// closes the channel.
	Subscribe(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	filter map[Type]struct{}
}

func (s *sub) wants(t Type) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock keeps unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
