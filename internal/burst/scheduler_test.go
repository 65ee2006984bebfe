package burst

import (
	"testing"
	"time"
)

func always() bool { return true }
func never() bool  { return false }

type sendRecorder struct {
	ops []uint16
}

func (r *sendRecorder) send(op uint16, payload []byte) {
	r.ops = append(r.ops, op)
}

func TestQueueOrSendImmediateWhenIdle(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 200*time.Millisecond)
	rec := &sendRecorder{}
	now := time.Now()

	if !s.QueueOrSend(0x000A, nil, true, "devices", always, rec.send, now) {
		t.Fatal("QueueOrSend returned false with canIssue true")
	}
	if len(rec.ops) != 1 || rec.ops[0] != 0x000A {
		t.Fatalf("sent ops = %v, want [0x000A]", rec.ops)
	}
	if !s.Active() {
		t.Error("burst not marked active after a burst-producing send")
	}
	if got := s.Kind(); got != "devices" {
		t.Errorf("Kind = %q, want devices", got)
	}
}

func TestQueueOrSendRefusedWhenCannotIssue(t *testing.T) {
	s := NewScheduler(0, 0)
	rec := &sendRecorder{}

	if s.QueueOrSend(0x000A, nil, true, "devices", never, rec.send, time.Now()) {
		t.Fatal("QueueOrSend accepted while canIssue refuses")
	}
	if len(rec.ops) != 0 {
		t.Errorf("sent ops = %v, want none", rec.ops)
	}
	if s.Active() {
		t.Error("refused request opened a burst")
	}
}

func TestQueueOrSendDefersBehindActiveBurst(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 0)
	rec := &sendRecorder{}
	now := time.Now()

	s.QueueOrSend(0x000A, nil, true, "devices", always, rec.send, now)
	if !s.QueueOrSend(0x003A, nil, true, "activities", always, rec.send, now) {
		t.Fatal("queued request reported failure")
	}
	if len(rec.ops) != 1 {
		t.Fatalf("second request sent while a burst was active: %v", rec.ops)
	}
	if s.QueueLen() != 1 {
		t.Errorf("QueueLen = %d, want 1", s.QueueLen())
	}
}

func TestTickFinishesBurstAndDrainsQueue(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 50*time.Millisecond)
	rec := &sendRecorder{}
	now := time.Now()

	s.QueueOrSend(0x000A, nil, true, "devices", always, rec.send, now)
	s.QueueOrSend(0x003A, nil, true, "activities", always, rec.send, now)

	// Still inside grace + idle threshold: nothing happens.
	s.Tick(now.Add(100*time.Millisecond), always, rec.send)
	if !s.Active() || len(rec.ops) != 1 {
		t.Fatalf("burst ended too early: active=%v ops=%v", s.Active(), rec.ops)
	}

	// Quiet past the threshold: devices finishes, activities is released
	// and opens its own burst.
	s.Tick(now.Add(200*time.Millisecond), always, rec.send)
	if len(rec.ops) != 2 || rec.ops[1] != 0x003A {
		t.Fatalf("queued request not released: %v", rec.ops)
	}
	if !s.Active() {
		t.Error("released burst-producing request did not open a new burst")
	}
	if got := s.Kind(); got != "activities" {
		t.Errorf("Kind = %q, want activities", got)
	}
	if s.QueueLen() != 0 {
		t.Errorf("QueueLen = %d, want 0", s.QueueLen())
	}
}

func TestTickStopsDrainingAfterBurstOpens(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 0)
	rec := &sendRecorder{}
	now := time.Now()

	s.QueueOrSend(0x000A, nil, true, "devices", always, rec.send, now)
	s.QueueOrSend(0x003A, nil, true, "activities", always, rec.send, now)
	s.QueueOrSend(0x023C, []byte{0x04, 0xFF}, true, "buttons:4", always, rec.send, now)

	s.Tick(now.Add(2*time.Second), always, rec.send)
	if len(rec.ops) != 2 {
		t.Fatalf("drain did not stop at the first burst-producing request: %v", rec.ops)
	}
	if s.QueueLen() != 1 {
		t.Errorf("QueueLen = %d, want 1", s.QueueLen())
	}
}

func TestTouchExtendsBurst(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 50*time.Millisecond)
	now := time.Now()
	s.Start("keymap", now)

	s.Touch(now.Add(90 * time.Millisecond))
	s.Tick(now.Add(150*time.Millisecond), always, func(uint16, []byte) {})
	if !s.Active() {
		t.Fatal("touched burst ended at the original deadline")
	}
	s.Tick(now.Add(300*time.Millisecond), always, func(uint16, []byte) {})
	if s.Active() {
		t.Fatal("burst still active long after the last touch")
	}
}

func TestRefreshRetargetsMatchingBurst(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 0)
	now := time.Now()

	s.Start("commands", now)
	s.Refresh("commands", "commands:4:255", now.Add(10*time.Millisecond))
	if got := s.Kind(); got != "commands:4:255" {
		t.Errorf("Kind = %q, want commands:4:255", got)
	}

	// Prefix want: an in-flight fine-grained burst is extended, not renamed.
	s.Refresh("commands:", "commands:9:1", now.Add(20*time.Millisecond))
	if got := s.Kind(); got != "commands:4:255" {
		t.Errorf("Kind = %q, want commands:4:255 after prefix refresh", got)
	}
}

func TestRefreshStartsWhenKindDiffers(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 0)
	now := time.Now()

	s.Start("devices", now)
	s.Refresh("activities", "activities", now)
	if got := s.Kind(); got != "activities" {
		t.Errorf("Kind = %q, want activities", got)
	}
}

func TestOnBurstEndExactAndPrefixListeners(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 0)
	now := time.Now()

	var got []string
	s.OnBurstEnd("buttons", func(kind string) { got = append(got, "prefix:"+kind) })
	s.OnBurstEnd("buttons:4:255", func(kind string) { got = append(got, "exact:"+kind) })
	s.OnBurstEnd("devices", func(kind string) { got = append(got, "other:"+kind) })

	s.Start("buttons:4:255", now)
	s.Tick(now.Add(2*time.Second), always, func(uint16, []byte) {})

	want := []string{"exact:buttons:4:255", "prefix:buttons:4:255"}
	if len(got) != len(want) {
		t.Fatalf("fired listeners = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("listener %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDrainSkipsWhenIssueRightLost(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 0)
	rec := &sendRecorder{}
	now := time.Now()

	s.QueueOrSend(0x000A, nil, true, "devices", always, rec.send, now)
	s.QueueOrSend(0x003A, nil, true, "activities", always, rec.send, now)

	// A client app took over before the burst ended: queued requests are
	// dropped instead of being sent into its session.
	s.Tick(now.Add(2*time.Second), never, rec.send)
	if len(rec.ops) != 1 {
		t.Fatalf("queued request sent without issue rights: %v", rec.ops)
	}
	if s.QueueLen() != 0 {
		t.Errorf("QueueLen = %d, want 0 after drop", s.QueueLen())
	}
}

func TestZeroTimingsSelectDefaults(t *testing.T) {
	s := NewScheduler(0, 0)
	if s.idleThreshold != DefaultIdleThreshold {
		t.Errorf("idleThreshold = %v, want %v", s.idleThreshold, DefaultIdleThreshold)
	}
	if s.responseGrace != DefaultResponseGrace {
		t.Errorf("responseGrace = %v, want %v", s.responseGrace, DefaultResponseGrace)
	}
}
