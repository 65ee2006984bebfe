package engine

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/m3tac0de/x1proxy/internal/burst"
	"github.com/m3tac0de/x1proxy/internal/dispatch"
	"github.com/m3tac0de/x1proxy/internal/events"
	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/state"
)

// frameSink captures frames the engine transmits toward the hub.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return true
}

func (s *frameSink) opcodes() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []uint16
	for _, f := range s.frames {
		if len(f) >= 4 {
			ops = append(ops, uint16(f[2])<<8|uint16(f[3]))
		}
	}
	return ops
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *frameSink) {
	t.Helper()
	e := New(state.NewStore(), dispatch.NewRegistry(), burst.NewScheduler(0, 0), events.NewEventBus(), opts)
	sink := &frameSink{}
	e.SetSender(sink.send)
	e.HubConnectionChanged(true, "test")
	return e, sink
}

func TestWaitActivityMapCompleteWakesOnBurstEnd(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	done := make(chan bool, 1)
	go func() {
		done <- e.waitActivityMapComplete(0x09, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	e.onActivityMapBurstEnd("activity_map:9")

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("wait reported timeout after the burst settled")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by the burst end")
	}
}

func TestWaitActivityMapCompleteTimesOut(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	start := time.Now()
	if e.waitActivityMapComplete(0x09, 30*time.Millisecond) {
		t.Fatal("wait succeeded with no mapping burst recorded")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("wait returned before the deadline")
	}

	// A completion for a different activity must not satisfy the waiter.
	e.onActivityMapBurstEnd("activity_map:12")
	if e.waitActivityMapComplete(0x09, 30*time.Millisecond) {
		t.Error("completion for another activity satisfied the waiter")
	}
}

func TestSplitBurstKind(t *testing.T) {
	tests := []struct {
		kind, prefix string
		wantEnt      byte
		wantTargeted int
		wantOK       bool
	}{
		{"commands:5", "commands", 5, -1, true},
		{"commands:5:32", "commands", 5, 32, true},
		{"commands:5:255", "commands", 5, 255, true},
		{"buttons:12", "buttons", 12, -1, true},
		{"commands", "commands", 0, -1, false},
		{"buttons:3", "commands", 0, -1, false},
		{"commands:abc", "commands", 0, -1, false},
		{"", "commands", 0, -1, false},
	}
	for _, tt := range tests {
		ent, targeted, ok := splitBurstKind(tt.kind, tt.prefix)
		if ent != tt.wantEnt || targeted != tt.wantTargeted || ok != tt.wantOK {
			t.Errorf("splitBurstKind(%q, %q) = (%d, %d, %v), want (%d, %d, %v)",
				tt.kind, tt.prefix, ent, targeted, ok, tt.wantEnt, tt.wantTargeted, tt.wantOK)
		}
	}
}

func TestCanIssueCommandsGating(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	if !e.CanIssueCommands() {
		t.Fatal("expected command issuing allowed with hub up and no client")
	}

	e.ClientConnectionChanged(true, "app")
	if e.CanIssueCommands() {
		t.Error("client session active, engine must stay read-only")
	}
	e.ClientConnectionChanged(false, "app")
	if !e.CanIssueCommands() {
		t.Error("client gone, engine should issue again")
	}

	e.SetProxyEnabled(false)
	if e.CanIssueCommands() {
		t.Error("proxy disabled, engine must not issue")
	}
	e.SetProxyEnabled(true)

	e.HubConnectionChanged(false, "test")
	if e.CanIssueCommands() {
		t.Error("hub down, engine must not issue")
	}
}

func TestSendCommandRefusedDuringClientSession(t *testing.T) {
	e, sink := newTestEngine(t, Options{})
	e.ClientConnectionChanged(true, "app")

	if e.SendCommand(3, 0xAE) {
		t.Error("SendCommand should refuse while a client session is active")
	}
	if sink.count() != 0 {
		t.Errorf("no frame should have been sent, got %d", sink.count())
	}
}

func TestSendCommandPowerOnSetsHint(t *testing.T) {
	e, sink := newTestEngine(t, Options{})
	e.Store().UpsertActivity(7, "Watch TV", false)

	if !e.SendCommand(7, protocol.ButtonPowerOn) {
		t.Fatal("SendCommand failed")
	}
	if current, _ := e.Store().UpdateActivityState(); current != 7 {
		t.Errorf("hinted activity = %d, want 7", current)
	}
	ops := sink.opcodes()
	if len(ops) != 1 || ops[0] != protocol.OpReqActivate {
		t.Errorf("sent opcodes = %04X, want one REQ_ACTIVATE", ops)
	}
}

func TestRequestButtonsDeduplicates(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	if !e.RequestButtonsForEntity(4) {
		t.Fatal("first request should go out")
	}
	if !e.RequestButtonsForEntity(4) {
		t.Error("duplicate request should report satisfied")
	}
	if sink.count() != 1 {
		t.Errorf("frames sent = %d, duplicate must be suppressed", sink.count())
	}
}

func TestCommandsBurstEndBookkeeping(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.RequestCommandsForEntity(9)
	e.onCommandsBurstEnd("commands:9")

	e.mu.Lock()
	_, complete := e.commandsComplete[9]
	_, stillPending := e.pendingCommands[9]
	e.mu.Unlock()
	if !complete {
		t.Error("full-list burst end should mark commands complete")
	}
	if stillPending {
		t.Error("full-list burst end should clear the pending entry")
	}
}

func TestTargetedCommandsBurstEndKeepsFullListPending(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.RequestCommandsForEntity(9)
	e.GetSingleCommand(9, 0x21, true)
	e.onCommandsBurstEnd("commands:9:33")

	e.mu.Lock()
	_, complete := e.commandsComplete[9]
	pending := e.pendingCommands[9]
	_, fullStillPending := pending[0xFF]
	e.mu.Unlock()
	if complete {
		t.Error("targeted burst end must not mark the full list complete")
	}
	if !fullStillPending {
		t.Error("targeted burst end removed the wrong pending entry")
	}
}

func TestGetCommandsNotReadyUntilComplete(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Store().SetCommandLabel(6, 0x10, "VOLUME_UP")

	if _, ready := e.GetCommandsForEntity(6, false); ready {
		t.Error("commands must not be ready before the burst completes")
	}

	e.mu.Lock()
	e.commandsComplete[6] = struct{}{}
	e.mu.Unlock()

	cmds, ready := e.GetCommandsForEntity(6, false)
	if !ready {
		t.Fatal("commands should be ready once complete")
	}
	if cmds[0x10] != "VOLUME_UP" {
		t.Errorf("label = %q, want VOLUME_UP", cmds[0x10])
	}
}

func TestGetSingleCommandDedupAgainstFullList(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	e.RequestCommandsForEntity(5)
	before := sink.count()

	if _, ready := e.GetSingleCommand(5, 0x12, true); ready {
		t.Error("single command should not be ready without a cached label")
	}
	if sink.count() != before {
		t.Error("a pending full-list request must suppress the targeted fetch")
	}
}

func TestAckTrackerMatchesCandidates(t *testing.T) {
	tr := newAckTracker()

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.notify(0x013E, []byte{0x42, 0x00})
	}()

	got, ok := tr.waitAny([]ackCandidate{
		{op: 0x013E, firstByte: 0x42},
		{op: 0x0103, firstByte: -1},
	}, time.Second)
	if !ok {
		t.Fatal("expected a matching ack")
	}
	if got.op != 0x013E || got.payload[0] != 0x42 {
		t.Errorf("got ack %04X %v", got.op, got.payload)
	}
}

func TestAckTrackerRejectsWrongFirstByte(t *testing.T) {
	tr := newAckTracker()
	tr.notify(0x013E, []byte{0x99})

	if _, ok := tr.waitAny([]ackCandidate{{op: 0x013E, firstByte: 0x42}}, 50*time.Millisecond); ok {
		t.Error("ack with wrong payload byte must not match")
	}
}

func TestIngestHubDataDispatchesCatalogRow(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	payload := make([]byte, 160)
	copy(payload[:8], []byte{0x01, 0x00, 0x01, 0x01, 0x00, 0x05, 0x00, 0x03})
	name := "TV"
	for i, c := range []byte(name) {
		payload[32+1+i*2] = c // raw offset 36 is payload offset 32, UTF-16BE
	}
	frame := protocol.BuildFrame(protocol.OpCatalogRowDevice, payload)

	e.IngestHubData(frame, 1)

	dev, ok := e.Store().Device(3)
	if !ok {
		t.Fatal("device row not stored")
	}
	if dev.Name != "TV" {
		t.Errorf("device name = %q, want TV", dev.Name)
	}
}

func TestParseActivityMapEntries(t *testing.T) {
	payload := make([]byte, 120)
	payload[6], payload[7] = 0x00, 0x09 // device id 9
	// Valid quad, padding quad, and a duplicate of the first.
	copy(payload[92:], []byte{
		0x09, 0x01, 0x30, 0x00,
		0x09, 0x02, 0xFC, 0x00,
		0x09, 0x01, 0x30, 0x00,
	})

	entries := parseActivityMapEntries(payload, 9)
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want one", entries)
	}
	if entries[0] != [2]byte{0x01, 0x30} {
		t.Errorf("entry = %v, want slot 1 cmd 0x30", entries[0])
	}
}

func TestLooksLikeKeymapPayload(t *testing.T) {
	adjacency := []byte{0x00, 0x05, protocol.ButtonUp, 0x00}
	if !looksLikeKeymapPayload(adjacency, 5) {
		t.Error("activity followed by a button code should look like a keymap")
	}

	record := make([]byte, 20)
	record[0] = 5
	record[1], record[2] = 0x03, 0x10
	// bytes 3..6 and 12..17 already zero
	record[7] = 0x01
	if !looksLikeKeymapPayload(record, 5) {
		t.Error("18-byte favorite record layout should look like a keymap")
	}

	if looksLikeKeymapPayload([]byte{0x01, 0x02, 0x03, 0x04}, 5) {
		t.Error("unrelated bytes must not look like a keymap")
	}
}

func TestInferKeymapActivity(t *testing.T) {
	if got := inferKeymapActivity([]byte{0x07, protocol.ButtonDown}); got != 7 {
		t.Errorf("inferred activity = %d, want 7", got)
	}
	if got := inferKeymapActivity([]byte{0x01, 0x02}); got != -1 {
		t.Errorf("inferred activity = %d, want -1", got)
	}
}

func TestDeviceButtonClassifiers(t *testing.T) {
	header := []byte{0x01, 0x00, 0x01, 0x05, 0x00, 0x04}
	if !isProbableHeader(header) {
		t.Error("frame-count > 1 should classify as header")
	}
	single := []byte{0x01, 0x00, 0x01, 0x05, 0x00, 0x01}
	if !isProbableSingle(single) {
		t.Error("frame-count <= 1 should classify as single")
	}
	if isProbableHeader(single) || isProbableSingle(header) {
		t.Error("classifiers overlap")
	}
}

func TestExtractDevID(t *testing.T) {
	singlePayload := []byte{0x01, 0x00, 0x01, 0x01, 0x00, 0x01, 0x00, 0x0C}
	if got := extractDevID(nil, singlePayload, protocol.OpDevBtnSingle); got != 0x0C {
		t.Errorf("single dev = %d, want 12", got)
	}

	raw := make([]byte, 16)
	raw[11] = 0x07
	if got := extractDevID(raw, raw[4:], protocol.OpDevBtnHeader); got != 0x07 {
		t.Errorf("header dev = %d, want 7", got)
	}

	payload := []byte{0x00, 0x00, 0x00, 0x09}
	if got := extractDevID(nil, payload, protocol.OpDevBtnPage); got != 0x09 {
		t.Errorf("page dev = %d, want 9", got)
	}
}

func TestDecodeActivityLabel(t *testing.T) {
	aligned := []byte{0x00, 'W', 0x00, 'a', 0x00, 't', 0x00, 'c', 0x00, 'h', 0x00, 0x00}
	if got := decodeActivityLabel(aligned); got != "Watch" {
		t.Errorf("aligned label = %q, want Watch", got)
	}

	shifted := append([]byte{0x07}, aligned...)
	if got := decodeActivityLabel(shifted); got != "Watch" {
		t.Errorf("shifted label = %q, want Watch", got)
	}
}

func TestAppDeviceRequestReplayedOnce(t *testing.T) {
	e, sink := newTestEngine(t, Options{})
	e.ClientConnectionChanged(true, "app")

	req := protocol.BuildFrame(protocol.OpReqDevices, nil)
	e.IngestAppData(req, 2)

	e.Tick(time.Now().Add(2 * time.Second))
	ops := sink.opcodes()
	if len(ops) != 1 || ops[0] != protocol.OpReqDevices {
		t.Fatalf("sent opcodes = %04X, want one replayed REQ_DEVICES", ops)
	}

	// A second tick must not replay again.
	e.Tick(time.Now().Add(4 * time.Second))
	if sink.count() != 1 {
		t.Errorf("frames = %d, replay must be one-shot", sink.count())
	}
}

func TestClearEntityCacheScopes(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	st := e.Store()

	st.SetCommandLabel(3, 0x10, "OK")
	st.AddButton(3, protocol.ButtonUp)
	st.ReplaceActivityMacros(3, []state.MacroEntry{{CommandID: 0xC6, Label: "POWER_ON"}})
	e.mu.Lock()
	e.commandsComplete[3] = struct{}{}
	e.macrosComplete[3] = struct{}{}
	e.mu.Unlock()

	e.ClearEntityCache(3, false, false, true)

	if _, ok := st.Commands(3); ok {
		t.Error("commands are always dropped by a cache clear")
	}
	if _, ok := st.Buttons(3); !ok {
		t.Error("buttons must survive when clearButtons is false")
	}
	if macros, _ := st.ActivityMacros(3); len(macros) != 0 {
		t.Error("macros should be dropped when clearMacros is set")
	}
	e.mu.Lock()
	_, macrosDone := e.macrosComplete[3]
	e.mu.Unlock()
	if macrosDone {
		t.Error("macro completion marker should be dropped")
	}
}

func TestVirtualTrackerWaitsForCommit(t *testing.T) {
	tr := newVirtualTracker()
	tr.start(VirtualPending{DeviceName: "Fan", DeviceID: -1, ButtonID: -1})

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.update(func(p *VirtualPending) {
			p.DeviceID = 12
			p.ButtonID = 1
			p.Status = "success"
		})
	}()

	got, ok := tr.wait(time.Second)
	if !ok {
		t.Fatal("expected the tracker to resolve")
	}
	if got.DeviceID != 12 || got.Status != "success" {
		t.Errorf("got %+v", got)
	}
}

func TestBuildFrameRoundTripThroughIngest(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	var dispatched []uint16
	e.registry.Register(dispatch.Registration{
		Name:    "capture",
		Opcodes: []uint16{protocol.OpPing2},
		Handler: func(f protocol.Frame, _ dispatch.Direction) error {
			dispatched = append(dispatched, f.Opcode)
			return nil
		},
	})

	frame := protocol.BuildFrame(protocol.OpPing2, []byte{0x01})
	// Split across two reads to exercise the deframer path.
	e.IngestHubData(frame[:3], 1)
	e.IngestHubData(frame[3:], 1)

	if len(dispatched) != 1 || dispatched[0] != protocol.OpPing2 {
		t.Errorf("dispatched = %04X, want one PING2", dispatched)
	}
}

func TestRecordSingleCommandLabelSatisfiesFavoriteRequest(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.mu.Lock()
	e.favoriteLabelRequests[devCmd{dev: 4, cmd: 0x30}] = map[byte]struct{}{9: {}}
	e.mu.Unlock()

	e.recordSingleCommandLabel(4, 0x30, "HDMI 1")

	if label, ok := e.Store().FavoriteLabel(9, 4, 0x30); !ok || label != "HDMI 1" {
		t.Errorf("favorite label = %q %v, want HDMI 1 recorded for activity 9", label, ok)
	}
	e.mu.Lock()
	remaining := len(e.favoriteLabelRequests)
	e.mu.Unlock()
	if remaining != 0 {
		t.Error("satisfied request should be removed")
	}
}

func TestRecordSingleCommandLabelMismatchedIDFallback(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.mu.Lock()
	e.favoriteLabelRequests[devCmd{dev: 4, cmd: 0x31}] = map[byte]struct{}{9: {}}
	e.mu.Unlock()

	// Hub answered with a different command id than requested.
	e.recordSingleCommandLabel(4, 0x55, "NETFLIX")

	if label, ok := e.Store().CommandLabel(4, 0x31); !ok || label != "NETFLIX" {
		t.Errorf("requested id label = %q %v, want NETFLIX", label, ok)
	}
	if label, ok := e.Store().CommandLabel(4, 0x55); !ok || label != "NETFLIX" {
		t.Errorf("echoed id label = %q %v, want NETFLIX", label, ok)
	}
}

func TestFamilyFrameOpcodeEncoding(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	payload := bytes.Repeat([]byte{0x00}, 24)
	e.sendFamilyFrame(0x3E, payload)

	ops := sink.opcodes()
	if len(ops) != 1 || ops[0] != 0x183E {
		t.Errorf("opcodes = %04X, want 183E", ops)
	}
}
