// Package burst tracks hub response bursts. Catalog requests are answered
// with a burst of row frames and nothing marks the last row, so the only
// end-of-list signal is the line going idle. The scheduler declares a burst
// finished once no frame has arrived for the idle threshold, notifies
// listeners, and only then releases the next queued request; interleaving
// two list requests makes the hub silently drop rows.
package burst

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultIdleThreshold is how long the line must stay quiet before a
	// burst is declared finished.
	DefaultIdleThreshold = 150 * time.Millisecond
	// DefaultResponseGrace pads the activity clock when a burst starts, so
	// a slow first response frame does not end the burst prematurely.
	DefaultResponseGrace = 1 * time.Second
)

// SendFunc transmits one framed request to the hub.
type SendFunc func(op uint16, payload []byte)

// Scheduler serializes burst-producing requests and reports burst boundaries.
type Scheduler struct {
	mu sync.Mutex

	idleThreshold time.Duration
	responseGrace time.Duration

	active bool
	kind   string
	lastTS time.Time

	queue     []queued
	listeners map[string][]func(kind string)
}

type queued struct {
	op           uint16
	payload      []byte
	expectsBurst bool
	kind         string
}

// NewScheduler creates a Scheduler with the given timings; zero values
// select the defaults.
func NewScheduler(idleThreshold, responseGrace time.Duration) *Scheduler {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if responseGrace <= 0 {
		responseGrace = DefaultResponseGrace
	}
	return &Scheduler{
		idleThreshold: idleThreshold,
		responseGrace: responseGrace,
		listeners:     make(map[string][]func(string)),
	}
}

// OnBurstEnd registers a callback for bursts of the given key. A key with
// no ":" also matches as the prefix of finer-grained kinds, so a listener
// on "commands" fires for "commands:4:255" as well.
func (s *Scheduler) OnBurstEnd(key string, cb func(kind string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[key] = append(s.listeners[key], cb)
}

// Start marks a burst of the given kind as in progress. The activity clock
// is pushed forward by the response grace so the hub has time to produce
// the first frame.
func (s *Scheduler) Start(kind string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(kind, now)
}

func (s *Scheduler) startLocked(kind string, now time.Time) {
	s.active = true
	if kind == "" {
		kind = "generic"
	}
	s.kind = kind
	s.lastTS = now.Add(s.responseGrace)
}

// Touch extends the current burst: a frame belonging to it just arrived.
func (s *Scheduler) Touch(now time.Time) {
	s.mu.Lock()
	s.lastTS = now.Add(s.responseGrace)
	s.mu.Unlock()
}

// Refresh extends the current burst when its kind matches want (exactly, or
// by prefix when want ends in ":"), and starts a burst of kind otherwise.
// Response handlers use this so an in-flight burst is retargeted rather than
// restarted when a finer-grained kind becomes known.
func (s *Scheduler) Refresh(want, kind string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.active && (s.kind == want ||
		(strings.HasSuffix(want, ":") && strings.HasPrefix(s.kind, want)))
	if matched {
		s.lastTS = now.Add(s.responseGrace)
		if s.kind != kind && !strings.Contains(s.kind, ":") {
			s.kind = kind
		}
		return
	}
	s.startLocked(kind, now)
}

// Active reports whether a burst is in progress.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Kind returns the kind of the burst in progress, or "".
func (s *Scheduler) Kind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ""
	}
	return s.kind
}

// QueueOrSend sends a request immediately when the line is free, or queues
// it behind the burst in progress. Returns false when canIssue refuses
// (a client app owns the session) and the request is dropped.
func (s *Scheduler) QueueOrSend(op uint16, payload []byte, expectsBurst bool, kind string, canIssue func() bool, send SendFunc, now time.Time) bool {
	if !canIssue() {
		return false
	}

	s.mu.Lock()
	if s.active {
		s.queue = append(s.queue, queued{op: op, payload: payload, expectsBurst: expectsBurst, kind: kind})
		s.mu.Unlock()
		return true
	}
	if expectsBurst {
		s.startLocked(kind, now)
	}
	s.mu.Unlock()

	send(op, payload)
	return true
}

// Tick drives burst completion. Call it periodically from the transport's
// idle callback; when the burst has been quiet long enough it finishes and
// the queue drains.
func (s *Scheduler) Tick(now time.Time, canIssue func() bool, send SendFunc) {
	s.mu.Lock()
	if !s.active || now.Sub(s.lastTS) < s.idleThreshold {
		s.mu.Unlock()
		return
	}

	finished := s.kind
	if finished == "" {
		finished = "generic"
	}
	s.active = false
	s.kind = ""

	cbs := s.collectListenersLocked(finished)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(finished)
	}

	s.drain(now, canIssue, send)
}

func (s *Scheduler) collectListenersLocked(kind string) []func(string) {
	var cbs []func(string)
	cbs = append(cbs, s.listeners[kind]...)
	if idx := strings.Index(kind, ":"); idx >= 0 {
		cbs = append(cbs, s.listeners[kind[:idx]]...)
	}
	return cbs
}

func (s *Scheduler) drain(now time.Time, canIssue func() bool, send SendFunc) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]

		if !canIssue() {
			s.mu.Unlock()
			continue
		}

		if next.expectsBurst {
			s.startLocked(next.kind, now)
		}
		nowActive := s.active
		s.mu.Unlock()

		send(next.op, next.payload)
		if nowActive {
			// The released request opened a new burst; stop draining
			// until that one finishes too.
			return
		}
	}
}

// QueueLen returns the number of deferred requests; used by the status API.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
