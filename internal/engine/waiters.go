package engine

import (
	"sync"
	"time"
)

// ackFrame is one captured write-acknowledgement frame.
type ackFrame struct {
	op      uint16
	payload []byte
}

// ackCandidate describes an acceptable ack: opcode plus an optional first
// payload byte (-1 matches any).
type ackCandidate struct {
	op        uint16
	firstByte int
}

// ackTracker collects ack frames seen on the hub connection so write flows
// can gate each step on the matching acknowledgement.
type ackTracker struct {
	mu   sync.Mutex
	acks []ackFrame
	wake chan struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{wake: make(chan struct{})}
}

func (t *ackTracker) reset() {
	t.mu.Lock()
	t.acks = nil
	t.mu.Unlock()
}

func (t *ackTracker) notify(op uint16, payload []byte) {
	t.mu.Lock()
	t.acks = append(t.acks, ackFrame{op: op, payload: append([]byte(nil), payload...)})
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
}

// waitAny blocks until an ack matching one of the candidates arrives, or the
// timeout elapses. A matched ack is consumed.
func (t *ackTracker) waitAny(candidates []ackCandidate, timeout time.Duration) (ackFrame, bool) {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		for i, ack := range t.acks {
			for _, want := range candidates {
				if ack.op != want.op {
					continue
				}
				if want.firstByte >= 0 && (len(ack.payload) == 0 || ack.payload[0] != byte(want.firstByte)) {
					continue
				}
				t.acks = append(t.acks[:i], t.acks[i+1:]...)
				t.mu.Unlock()
				return ack, true
			}
		}
		wake := t.wake
		t.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ackFrame{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// macroPayloadCache holds raw macro snapshot payloads keyed by
// (activity, button) until the write flow that requested them picks them up.
type macroPayloadCache struct {
	mu       sync.Mutex
	payloads map[[2]byte][]byte
	wake     chan struct{}
}

func newMacroPayloadCache() *macroPayloadCache {
	return &macroPayloadCache{
		payloads: make(map[[2]byte][]byte),
		wake:     make(chan struct{}),
	}
}

func (c *macroPayloadCache) reset() {
	c.mu.Lock()
	c.payloads = make(map[[2]byte][]byte)
	c.mu.Unlock()
}

func (c *macroPayloadCache) put(activityID, buttonID byte, payload []byte) {
	key := [2]byte{activityID, buttonID}
	c.mu.Lock()
	c.payloads[key] = append([]byte(nil), payload...)
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

func (c *macroPayloadCache) wait(activityID, buttonID byte, timeout time.Duration) ([]byte, bool) {
	key := [2]byte{activityID, buttonID}
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if payload, ok := c.payloads[key]; ok {
			delete(c.payloads, key)
			c.mu.Unlock()
			return payload, true
		}
		wake := c.wake
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// frameCounter counts frames of one family and lets a waiter block until the
// stream has been quiet for an idle window. Used for the activity-inputs
// wizard step, which answers with a burst of 0x47 rows and no terminator.
type frameCounter struct {
	mu     sync.Mutex
	seen   int
	lastTS time.Time
	wake   chan struct{}
}

func newFrameCounter() *frameCounter {
	return &frameCounter{wake: make(chan struct{})}
}

func (c *frameCounter) reset() {
	c.mu.Lock()
	c.seen = 0
	c.lastTS = time.Time{}
	c.mu.Unlock()
}

func (c *frameCounter) bump() {
	c.mu.Lock()
	c.seen++
	c.lastTS = time.Now()
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

// waitIdle blocks until at least minFrames frames have arrived and none for
// idleWindow, or the timeout elapses.
func (c *frameCounter) waitIdle(timeout, idleWindow time.Duration, minFrames int) bool {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		c.mu.Lock()
		if c.seen >= minFrames && !c.lastTS.IsZero() && now.Sub(c.lastTS) >= idleWindow {
			c.seen = 0
			c.lastTS = time.Time{}
			c.mu.Unlock()
			return true
		}
		wake := c.wake
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// Wake on the next frame or when the idle window may have elapsed.
		wait := remaining
		if idleWindow < wait {
			wait = idleWindow
		}
		timer := time.NewTimer(wait)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// VirtualPending tracks an in-flight virtual device creation. Fields are
// filled incrementally: the request provides names and the HTTP definition,
// the hub's save frames provide the assigned ids.
type VirtualPending struct {
	DeviceName string
	ButtonName string
	Method     string
	URL        string
	Headers    map[string]string
	DeviceID   int // -1 until assigned
	ButtonID   int // -1 until assigned
	Status     string
}

type virtualTracker struct {
	mu      sync.Mutex
	pending *VirtualPending
	wake    chan struct{}
}

func newVirtualTracker() *virtualTracker {
	return &virtualTracker{wake: make(chan struct{})}
}

func (t *virtualTracker) start(p VirtualPending) {
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	p.DeviceID = -1
	p.ButtonID = -1
	p.Status = "pending"
	t.mu.Lock()
	t.pending = &p
	t.mu.Unlock()
}

func (t *virtualTracker) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// update merges non-empty fields into the pending record. A device id or a
// success status wakes waiters.
func (t *virtualTracker) update(mutate func(*VirtualPending)) VirtualPending {
	t.mu.Lock()
	if t.pending == nil {
		t.pending = &VirtualPending{Headers: map[string]string{}, DeviceID: -1, ButtonID: -1, Status: "pending"}
	}
	mutate(t.pending)
	snapshot := *t.pending
	if snapshot.Status == "success" || snapshot.DeviceID >= 0 {
		close(t.wake)
		t.wake = make(chan struct{})
	}
	t.mu.Unlock()
	return snapshot
}

// wait blocks until the pending creation succeeds or times out, and returns
// the final snapshot. A successful record is consumed.
func (t *virtualTracker) wait(timeout time.Duration) (VirtualPending, bool) {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		if t.pending != nil && (t.pending.Status == "success" || t.pending.DeviceID >= 0) {
			snapshot := *t.pending
			if snapshot.Status == "success" {
				t.pending = nil
			}
			t.mu.Unlock()
			return snapshot, true
		}
		wake := t.wake
		var snapshot VirtualPending
		if t.pending != nil {
			snapshot = *t.pending
		}
		t.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return snapshot, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// deviceIDTracker waits for the hub-assigned device id during device
// creation replays.
type deviceIDTracker struct {
	mu   sync.Mutex
	id   int
	set  bool
	wake chan struct{}
}

func newDeviceIDTracker() *deviceIDTracker {
	return &deviceIDTracker{id: -1, wake: make(chan struct{})}
}

func (t *deviceIDTracker) reset() {
	t.mu.Lock()
	t.id = -1
	t.set = false
	t.mu.Unlock()
}

func (t *deviceIDTracker) assign(id byte) {
	t.mu.Lock()
	t.id = int(id)
	t.set = true
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
}

func (t *deviceIDTracker) wait(timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		if t.set {
			id := t.id
			t.mu.Unlock()
			return id, true
		}
		wake := t.wake
		t.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
