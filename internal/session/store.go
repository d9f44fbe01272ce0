package session

import (
	"sync"
	"time"

	"bookshop-agent/internal/domain"
)

const (
	defaultIdleTTL  = time.Hour
	minSweepEvery   = time.Second
	sweepPerTTLSpan = 4
)

// entry pairs a conversation with its per-session lock.
type entry struct {
	mu         sync.Mutex
	conv       *domain.Conversation
	lastActive time.Time
}

// Store holds one Conversation per session key. Access to a single key is
// serialized for the duration of one full dispatch cycle; unrelated keys
// proceed in parallel. Sessions live until evicted by the idle-TTL janitor
// or until the process exits.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	idleTTL   time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Store)

// WithIdleTTL overrides how long an untouched session survives before the
// janitor evicts it. Zero disables eviction entirely.
func WithIdleTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.idleTTL = ttl
	}
}

// New creates a Store and, unless eviction is disabled, starts its janitor.
// Callers must Close the store when done with it.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		idleTTL: defaultIdleTTL,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.idleTTL > 0 {
		go s.janitor()
	}
	return s
}

// Acquire returns the conversation for sessionID, creating an empty one on
// first use, with its per-session lock held. The caller must invoke release
// once the dispatch cycle for this request has finished; until then any
// other request for the same session blocks. release is idempotent.
func (s *Store) Acquire(sessionID string) (*domain.Conversation, func()) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{conv: &domain.Conversation{}}
		s.entries[sessionID] = e
	}
	e.lastActive = time.Now()
	s.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			e.lastActive = time.Now()
			s.mu.Unlock()
			e.mu.Unlock()
		})
	}
	return e.conv, release
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the eviction janitor. The store itself remains usable.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Store) janitor() {
	every := s.idleTTL / sweepPerTTLSpan
	if every < minSweepEvery {
		every = minSweepEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep evicts sessions idle for longer than the TTL. Entries whose lock is
// held by an in-flight request are skipped until the next pass.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.Sub(e.lastActive) < s.idleTTL {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		delete(s.entries, id)
		e.mu.Unlock()
	}
}
