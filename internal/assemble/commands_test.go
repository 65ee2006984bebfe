package assemble

import (
	"bytes"
	"testing"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

func frameFor(op uint16, payload []byte) []byte {
	return protocol.BuildFrame(op, payload)
}

func TestDeviceCommandAssemblerHeaderThenPages(t *testing.T) {
	a := NewDeviceCommandAssembler()

	// Header: frame 1 of 2 for device 0x21, data starts at offset 6.
	header := []byte{0x00, 0x00, 0x01, 0x21, 0x00, 0x02, 0xAA, 0xBB}
	if got := a.Feed(protocol.OpDevBtnHeader, frameFor(protocol.OpDevBtnHeader, header), -1); got != nil {
		t.Fatalf("header alone completed burst: %v", got)
	}

	tail := []byte{0x00, 0x00, 0x02, 0x21, 0x00, 0x00, 0xCC, 0xDD}
	got := a.Feed(protocol.OpDevBtnTail, frameFor(protocol.OpDevBtnTail, tail), -1)
	if len(got) != 1 {
		t.Fatalf("expected 1 completed burst, got %d", len(got))
	}
	if got[0].DevID != 0x21 {
		t.Errorf("dev id = 0x%02X, want 0x21", got[0].DevID)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if !bytes.Equal(got[0].Data, want) {
		t.Errorf("data = % X, want % X", got[0].Data, want)
	}
}

func TestDeviceCommandAssemblerTailSetsTotal(t *testing.T) {
	a := NewDeviceCommandAssembler()

	// No header seen: a tail frame with frame_no 1 closes the burst itself.
	tail := []byte{0x00, 0x00, 0x01, 0x33, 0x00, 0x00, 0x01, 0x02}
	got := a.Feed(protocol.OpDevBtnTail, frameFor(protocol.OpDevBtnTail, tail), -1)
	if len(got) != 1 {
		t.Fatalf("expected completion, got %d bursts", len(got))
	}
	if !bytes.Equal(got[0].Data, []byte{0x01, 0x02}) {
		t.Errorf("data = % X", got[0].Data)
	}
}

func TestDeviceCommandAssemblerAltPageOffset(t *testing.T) {
	a := NewDeviceCommandAssembler()

	// ALT pages carry data from offset 4, not 6.
	header := []byte{0x00, 0x00, 0x01, 0x44, 0x00, 0x01, 0x11}
	got := a.Feed(protocol.OpDevBtnPageAlt1, frameFor(protocol.OpDevBtnPageAlt1, header), -1)
	if len(got) != 1 {
		t.Fatalf("expected completion, got %d bursts", len(got))
	}
	if !bytes.Equal(got[0].Data, []byte{0x00, 0x01, 0x11}) {
		t.Errorf("data = % X, want offset-4 slice", got[0].Data)
	}
}

func TestDeviceCommandAssemblerOverride(t *testing.T) {
	a := NewDeviceCommandAssembler()

	tail := []byte{0x00, 0x00, 0x01, 0x33, 0x00, 0x00, 0x7F}
	got := a.Feed(protocol.OpDevBtnTail, frameFor(protocol.OpDevBtnTail, tail), 0x55)
	if len(got) != 1 || got[0].DevID != 0x55 {
		t.Fatalf("override dev id not honored: %+v", got)
	}
}

func TestDecodeLabel(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("Power On"), "Power On"},
		{"utf16be", []byte{0x00, 'V', 0x00, 'o', 0x00, 'l'}, "Vol"},
		{"leading nul quad", []byte{0, 0, 0, 0, 'O', 'K'}, "OK"},
		{"trailing nuls", append([]byte("Mute"), 0, 0, 0), "Mute"},
		{"empty", []byte{0, 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeLabel(tt.in); got != tt.want {
				t.Errorf("DecodeLabel(% X) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCommandRecords(t *testing.T) {
	// dev 0x21, cmd 0x05, control block starting 0x03, then an ASCII label.
	chunk := append([]byte{0x21, 0x05, 0x03, 0, 0, 0, 0, 0, 0}, []byte("Input HDMI1")...)
	data := append(chunk, 0xFF)

	records := CommandRecords(data, 0x21)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.DevID != 0x21 || r.CommandID != 0x05 {
		t.Errorf("record ids = (0x%02X, 0x%02X)", r.DevID, r.CommandID)
	}
	if r.Label != "Input HDMI1" {
		t.Errorf("label = %q", r.Label)
	}
}

func TestCommandRecordsZeroControlShiftsLabel(t *testing.T) {
	// Five zero bytes in the control block pull the label start back by one.
	chunk := append([]byte{0x21, 0x06, 0, 0, 0, 0, 0, 0}, []byte("Up Arrow")...)
	records := CommandRecords(append(chunk, 0xFF), 0x21)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Label != "Up Arrow" {
		t.Errorf("label = %q, want %q", records[0].Label, "Up Arrow")
	}
}

func TestCommandRecordsSkipsShortChunks(t *testing.T) {
	if records := CommandRecords([]byte{0x21, 0x01, 0x02, 0xFF, 0x03}, 0x21); records != nil {
		t.Errorf("short chunks produced records: %+v", records)
	}
}
