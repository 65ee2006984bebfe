package network

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

func TestBuildNotifyReplyX1S(t *testing.T) {
	mac := [6]byte{0xE2, 0x6A, 0x44, 0x86, 0x1B, 0x45}
	got := BuildNotifyReply("x1s", mac, "Souterrain hub")

	want := "a55a1de26a44861b4545640220221120050100536f757465727261696e20687562be"
	if hex.EncodeToString(got) != want {
		t.Fatalf("reply = %x, want %s", got, want)
	}
}

func TestBuildNotifyReplyX2UsesX1SFormat(t *testing.T) {
	mac := [6]byte{0xE2, 0x6A, 0x44, 0x86, 0x1B, 0x45}
	if !bytes.Equal(BuildNotifyReply("x2", mac, "hub"), BuildNotifyReply("x1s", mac, "hub")) {
		t.Fatal("x2 reply should match the x1s layout")
	}
}

func TestBuildNotifyReplyX1(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	got := BuildNotifyReply("x1", mac, "My living room hub")

	if len(got) != 2+1+6+1+9+12 {
		t.Fatalf("len = %d, want 31", len(got))
	}
	if got[2] != 0x1A {
		t.Fatalf("frame type = 0x%02X, want 0x1A", got[2])
	}
	if got[9] != 0x4B {
		t.Fatalf("status = 0x%02X, want 0x4B", got[9])
	}
	if string(got[19:]) != "My living ro" {
		t.Fatalf("name field = %q", got[19:])
	}
}

func TestBuildNotifyReplyPadsShortName(t *testing.T) {
	got := BuildNotifyReply("x1s", [6]byte{}, "hub")
	name := got[19 : 19+14]
	if !bytes.Equal(name, append([]byte("hub"), make([]byte, 11)...)) {
		t.Fatalf("name field = %x", name)
	}
}

func TestBuildCallMeFrameVector(t *testing.T) {
	mac := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	got := protocol.BuildCallMeFrame(mac, net.IPv4(10, 0, 0, 10), 9000)

	want := "a55a0cc3aabbccddeeff0a00000a232828"
	if hex.EncodeToString(got) != want {
		t.Fatalf("frame = %x, want %s", got, want)
	}
}

func TestBroadcastIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.2.15", "192.168.2.255"},
		{"10.0.0.1", "10.0.0.255"},
		{"not-an-ip", "255.255.255.255"},
		{"fe80::1", "255.255.255.255"},
	}
	for _, tt := range tests {
		if got := broadcastIP(tt.in).String(); got != tt.want {
			t.Errorf("broadcastIP(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestIsCallMeFrame(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	frame := protocol.BuildCallMeFrame(mac, net.IPv4(192, 168, 2, 20), 8300)
	if !isCallMeFrame(frame) {
		t.Fatal("full CALL_ME frame not recognised")
	}
	if isCallMeFrame(notifyMagic) {
		t.Fatal("NOTIFY magic misclassified as CALL_ME")
	}
	if isCallMeFrame([]byte{0xA5, 0x5A}) {
		t.Fatal("truncated packet misclassified")
	}
}

func TestClaimListenerProbesPastBusyPort(t *testing.T) {
	wild, err := net.Listen("tcp4", "0.0.0.0:0")
	if err != nil {
		t.Skipf("cannot bind wildcard: %v", err)
	}
	defer wild.Close()
	busyPort := wild.Addr().(*net.TCPAddr).Port

	ln, port, err := claimListener(context.Background(), busyPort, 4)
	if err != nil {
		t.Fatalf("claimListener: %v", err)
	}
	defer ln.Close()
	if port == busyPort {
		t.Fatalf("claimed the busy port %d", port)
	}
	if port < busyPort || port >= busyPort+4 {
		t.Fatalf("port %d outside probe range [%d,%d)", port, busyPort, busyPort+4)
	}
}

func TestCallMeDemuxerThrottle(t *testing.T) {
	d := NewCallMeDemuxer(8102)
	if d.throttled("192.168.2.20", 4321, "main") {
		t.Fatal("first reply throttled")
	}
	if !d.throttled("192.168.2.20", 4321, "main") {
		t.Fatal("immediate repeat not throttled")
	}
	if d.throttled("192.168.2.20", 4321, "other") {
		t.Fatal("throttle leaked across registrations")
	}
	if d.throttled("192.168.2.21", 4321, "main") {
		t.Fatal("throttle leaked across endpoints")
	}
}

func TestCallMeDemuxerRegisterUnregister(t *testing.T) {
	d := NewCallMeDemuxer(0)
	unregister := d.Register(CallMeRegistration{Key: "main"})
	d.mu.Lock()
	n := len(d.regs)
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("registrations = %d, want 1", n)
	}
	unregister()
	d.mu.Lock()
	n = len(d.regs)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("registrations after unregister = %d, want 0", n)
	}
}

func TestNotifyDemuxerCallMeRouting(t *testing.T) {
	mac := [6]byte{0xE2, 0x6A, 0x44, 0x86, 0x1B, 0x45}
	frame := protocol.BuildCallMeFrame(mac, net.IPv4(192, 168, 2, 30), 8302)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 2, 30), Port: 8302}

	t.Run("mac match", func(t *testing.T) {
		d := NewNotifyDemuxer(0)
		var gotApp string
		var gotPort int
		d.Register(NotifyRegistration{
			ProxyID: "a",
			MAC:     mac,
			CallMe: func(_ string, _ int, appIP string, appPort int) {
				gotApp, gotPort = appIP, appPort
			},
		})
		d.Register(NotifyRegistration{ProxyID: "b", MAC: [6]byte{9, 9, 9, 9, 9, 9},
			CallMe: func(string, int, string, int) { t.Error("wrong registration matched") }})

		d.handleCallMe(frame, src)
		if gotApp != "192.168.2.30" || gotPort != 8302 {
			t.Fatalf("routed to %s:%d", gotApp, gotPort)
		}
	})

	t.Run("blank hint single registration", func(t *testing.T) {
		d := NewNotifyDemuxer(0)
		called := false
		d.Register(NotifyRegistration{
			ProxyID: "only",
			MAC:     [6]byte{7, 7, 7, 7, 7, 7},
			CallMe:  func(string, int, string, int) { called = true },
		})
		blank := protocol.BuildCallMeFrame([6]byte{}, net.IPv4(192, 168, 2, 30), 8302)
		d.handleCallMe(blank, src)
		if !called {
			t.Fatal("blank hint should match the sole registration")
		}
	})

	t.Run("blank hint multiple registrations", func(t *testing.T) {
		d := NewNotifyDemuxer(0)
		reject := func(string, int, string, int) { t.Error("ambiguous hint must not match") }
		d.Register(NotifyRegistration{ProxyID: "a", MAC: [6]byte{1}, CallMe: reject})
		d.Register(NotifyRegistration{ProxyID: "b", MAC: [6]byte{2}, CallMe: reject})
		blank := protocol.BuildCallMeFrame([6]byte{}, net.IPv4(192, 168, 2, 30), 8302)
		d.handleCallMe(blank, src)
	})

	t.Run("disabled registration", func(t *testing.T) {
		d := NewNotifyDemuxer(0)
		d.Register(NotifyRegistration{
			ProxyID: "off",
			MAC:     mac,
			Enabled: func() bool { return false },
			CallMe:  func(string, int, string, int) { t.Error("disabled registration invoked") },
		})
		d.handleCallMe(frame, src)
	})
}

func TestBridgeSendLocalWithoutHub(t *testing.T) {
	b := NewBridge(BridgeConfig{HubIP: "192.168.2.10"}, BridgeHooks{})
	if b.SendLocal([]byte{0xA5, 0x5A, 0x01, 0x04, 0xFE}) {
		t.Fatal("SendLocal should fail with no hub session")
	}
}

func TestBridgeWriterOrdersLocalBeforeRelay(t *testing.T) {
	b := NewBridge(BridgeConfig{HubIP: "192.168.2.10"}, BridgeHooks{})
	hubSide, peer := net.Pipe()
	b.mu.Lock()
	b.hubConn = hubSide
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.writerLoop(ctx)

	relay := []byte("relayed-app-bytes")
	local := []byte("local-frame")
	b.outMu.Lock()
	b.appToHub = append(b.appToHub, relay...)
	b.outMu.Unlock()
	if !b.SendLocal(local) {
		t.Fatal("SendLocal refused with hub attached")
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(local)+len(relay))
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(append([]byte{}, local...), relay...)
	if !bytes.Equal(got, want) {
		t.Fatalf("hub received %q, want local frame first (%q)", got, want)
	}
}

func TestBridgeDropHubClearsBuffers(t *testing.T) {
	b := NewBridge(BridgeConfig{HubIP: "192.168.2.10"}, BridgeHooks{})
	hubSide, peer := net.Pipe()
	defer peer.Close()
	b.mu.Lock()
	b.hubConn = hubSide
	b.mu.Unlock()
	b.outMu.Lock()
	b.localToHub = []byte{1, 2, 3}
	b.appToHub = []byte{4, 5, 6}
	b.outMu.Unlock()

	stateCh := make(chan bool, 1)
	b.hooks.HubState = func(connected bool, _ string) { stateCh <- connected }

	b.dropHub(hubSide)

	select {
	case connected := <-stateCh:
		if connected {
			t.Fatal("expected disconnect notification")
		}
	case <-time.After(time.Second):
		t.Fatal("no state notification")
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if len(b.localToHub) != 0 || len(b.appToHub) != 0 {
		t.Fatal("outbound buffers not cleared on hub loss")
	}
}

func TestBridgeDropHubIgnoresStaleConn(t *testing.T) {
	b := NewBridge(BridgeConfig{HubIP: "192.168.2.10"}, BridgeHooks{})
	current, currentPeer := net.Pipe()
	stale, stalePeer := net.Pipe()
	defer currentPeer.Close()
	defer stalePeer.Close()
	b.mu.Lock()
	b.hubConn = current
	b.mu.Unlock()

	b.hooks.HubState = func(bool, string) { t.Error("stale drop must not notify") }
	b.dropHub(stale)

	if !b.HubConnected() {
		t.Fatal("current hub conn dropped by a stale close")
	}
}
