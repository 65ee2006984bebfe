package dispatch

import (
	"errors"
	"testing"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

func testFrame(op uint16) protocol.Frame {
	raw := protocol.BuildFrame(op, []byte{0x01})
	return protocol.Frame{Opcode: op, Raw: raw, Payload: raw[4 : len(raw)-1]}
}

func TestDispatchExactOpcode(t *testing.T) {
	r := NewRegistry()
	var got []uint16
	r.Register(Registration{
		Name:    "catalog",
		Opcodes: []uint16{protocol.OpCatalogRowDevice, protocol.OpCatalogRowActivity},
		Handler: func(f protocol.Frame, dir Direction) error {
			got = append(got, f.Opcode)
			return nil
		},
	})

	r.Dispatch(testFrame(protocol.OpCatalogRowDevice), DirHubToApp)
	r.Dispatch(testFrame(protocol.OpAckSuccess), DirHubToApp)
	r.Dispatch(testFrame(protocol.OpCatalogRowActivity), DirHubToApp)

	want := []uint16{protocol.OpCatalogRowDevice, protocol.OpCatalogRowActivity}
	if len(got) != len(want) {
		t.Fatalf("handled ops = %04X, want %04X", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("op %d = 0x%04X, want 0x%04X", i, got[i], want[i])
		}
	}
}

func TestDispatchMatcherClaimsFamily(t *testing.T) {
	r := NewRegistry()
	var got []uint16
	r.Register(Registration{
		Name:     "keymap",
		Matchers: []Matcher{func(op uint16) bool { return protocol.OpcodeFamily(op) == protocol.FamilyKeymap }},
		Handler: func(f protocol.Frame, dir Direction) error {
			got = append(got, f.Opcode)
			return nil
		},
	})

	r.Dispatch(testFrame(protocol.OpKeymapTblA), DirHubToApp)
	r.Dispatch(testFrame(protocol.OpKeymapCont), DirHubToApp)
	r.Dispatch(testFrame(protocol.OpCatalogRowDevice), DirHubToApp)

	if len(got) != 2 {
		t.Fatalf("matcher handled %d frames, want 2: %04X", len(got), got)
	}
}

func TestDispatchDirectionFilter(t *testing.T) {
	r := NewRegistry()
	var dirs []Direction
	r.Register(Registration{
		Name:       "app-requests",
		Opcodes:    []uint16{protocol.OpReqActivate},
		Directions: []Direction{DirAppToHub},
		Handler: func(f protocol.Frame, dir Direction) error {
			dirs = append(dirs, dir)
			return nil
		},
	})

	r.Dispatch(testFrame(protocol.OpReqActivate), DirAppToHub)
	r.Dispatch(testFrame(protocol.OpReqActivate), DirHubToApp)

	if len(dirs) != 1 || dirs[0] != DirAppToHub {
		t.Fatalf("dirs = %v, want [A→H]", dirs)
	}
}

func TestDispatchEmptyDirectionsMatchBoth(t *testing.T) {
	r := NewRegistry()
	n := 0
	r.Register(Registration{
		Name:    "logger",
		Opcodes: []uint16{protocol.OpBanner},
		Handler: func(protocol.Frame, Direction) error { n++; return nil },
	})

	r.Dispatch(testFrame(protocol.OpBanner), DirAppToHub)
	r.Dispatch(testFrame(protocol.OpBanner), DirHubToApp)
	if n != 2 {
		t.Errorf("handler ran %d times, want 2", n)
	}
}

func TestDispatchFaultIsolation(t *testing.T) {
	r := NewRegistry()
	var survived []string
	r.Register(Registration{
		Name:    "panics",
		Opcodes: []uint16{protocol.OpBanner},
		Handler: func(protocol.Frame, Direction) error { panic("bad payload") },
	})
	r.Register(Registration{
		Name:    "errors",
		Opcodes: []uint16{protocol.OpBanner},
		Handler: func(protocol.Frame, Direction) error { return errors.New("short row") },
	})
	r.Register(Registration{
		Name:    "ok",
		Opcodes: []uint16{protocol.OpBanner},
		Handler: func(protocol.Frame, Direction) error {
			survived = append(survived, "ok")
			return nil
		},
	})

	r.Dispatch(testFrame(protocol.OpBanner), DirHubToApp)
	if len(survived) != 1 {
		t.Fatalf("later handler did not run after panic and error: %v", survived)
	}
}

func TestHandlerCount(t *testing.T) {
	r := NewRegistry()
	if got := r.HandlerCount(protocol.OpPing2, DirHubToApp); got != 0 {
		t.Fatalf("empty registry count = %d", got)
	}
	r.Register(Registration{
		Name:    "a",
		Opcodes: []uint16{protocol.OpPing2},
		Handler: func(protocol.Frame, Direction) error { return nil },
	})
	r.Register(Registration{
		Name:       "b",
		Opcodes:    []uint16{protocol.OpPing2},
		Directions: []Direction{DirAppToHub},
		Handler:    func(protocol.Frame, Direction) error { return nil },
	})

	if got := r.HandlerCount(protocol.OpPing2, DirHubToApp); got != 1 {
		t.Errorf("H→A count = %d, want 1", got)
	}
	if got := r.HandlerCount(protocol.OpPing2, DirAppToHub); got != 2 {
		t.Errorf("A→H count = %d, want 2", got)
	}
}
