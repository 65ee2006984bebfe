package protocol

import (
	"bytes"
	"testing"
)

func TestDeframerSingleFrame(t *testing.T) {
	d := NewDeframer()
	frame := BuildFrame(OpAckSuccess, []byte{0x01})

	got := d.Feed(frame, 1)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	f := got[0]
	if f.Opcode != OpAckSuccess {
		t.Errorf("opcode = 0x%04X, want 0x%04X", f.Opcode, uint16(OpAckSuccess))
	}
	if !bytes.Equal(f.Payload, []byte{0x01}) {
		t.Errorf("payload = % X, want 01", f.Payload)
	}
	if !bytes.Equal(f.Raw, frame) {
		t.Errorf("raw = % X, want % X", f.Raw, frame)
	}
	if f.StartCID != 1 || f.EndCID != 1 {
		t.Errorf("provenance = %d..%d, want 1..1", f.StartCID, f.EndCID)
	}
}

func TestDeframerBackToBackFrames(t *testing.T) {
	d := NewDeframer()
	stream := append(BuildFrame(OpReqDevices, nil), BuildFrame(OpReqActivities, nil)...)

	got := d.Feed(stream, 7)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].Opcode != OpReqDevices || got[1].Opcode != OpReqActivities {
		t.Errorf("opcodes = 0x%04X 0x%04X", got[0].Opcode, got[1].Opcode)
	}
}

func TestDeframerSplitAcrossChunks(t *testing.T) {
	d := NewDeframer()
	frame := BuildFrame(OpBanner, []byte{0x10, 0x20, 0x30, 0x40})

	if got := d.Feed(frame[:6], 3); len(got) != 0 {
		t.Fatalf("partial chunk yielded %d frames", len(got))
	}
	got := d.Feed(frame[6:], 4)
	if len(got) != 1 {
		t.Fatalf("got %d frames after completion, want 1", len(got))
	}
	f := got[0]
	if !bytes.Equal(f.Raw, frame) {
		t.Errorf("raw = % X, want % X", f.Raw, frame)
	}
	if f.StartCID != 3 || f.EndCID != 4 {
		t.Errorf("provenance = %d..%d, want 3..4", f.StartCID, f.EndCID)
	}
}

func TestDeframerSkipsLeadingGarbage(t *testing.T) {
	d := NewDeframer()
	stream := append([]byte{0x00, 0xFF, 0x5A, 0xA5}, BuildFrame(OpPing2, nil)...)

	got := d.Feed(stream, 1)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].Opcode != OpPing2 {
		t.Errorf("opcode = 0x%04X, want PING2", got[0].Opcode)
	}
}

func TestDeframerDiscardsGarbageWithoutSync(t *testing.T) {
	d := NewDeframer()
	if got := d.Feed([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, 1); len(got) != 0 {
		t.Fatalf("garbage yielded %d frames", len(got))
	}
	// The buffer was cleared, so a following frame parses cleanly.
	got := d.Feed(BuildFrame(OpAckReady, nil), 2)
	if len(got) != 1 || got[0].Opcode != OpAckReady {
		t.Fatalf("frame after garbage = %+v", got)
	}
}

func TestDeframerResyncsAfterFalseStart(t *testing.T) {
	d := NewDeframer()
	// A sync pair followed by bytes that never checksum, then a real frame.
	stream := []byte{0xA5, 0x5A, 0x11, 0x22, 0x33}
	stream = append(stream, BuildFrame(OpWifiFw, []byte{0x05})...)

	got := d.Feed(stream, 1)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].Opcode != OpWifiFw {
		t.Errorf("opcode = 0x%04X, want WIFI_FW", got[0].Opcode)
	}
}

func TestDeframerDropsCorruptedChecksum(t *testing.T) {
	d := NewDeframer()
	bad := BuildFrame(OpAckSuccess, []byte{0x01})
	bad[len(bad)-1] ^= 0xFF

	stream := append(bad, BuildFrame(OpMarker, nil)...)
	got := d.Feed(stream, 1)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].Opcode != OpMarker {
		t.Errorf("opcode = 0x%04X, want MARKER", got[0].Opcode)
	}
}

func TestDeframerHoldsIncompleteTail(t *testing.T) {
	d := NewDeframer()
	frame := BuildFrame(OpInfoBanner, []byte{0xAA, 0xBB, 0xCC})

	// Everything except the checksum byte: nothing should be emitted,
	// and the tail must complete on the next feed.
	if got := d.Feed(frame[:len(frame)-1], 1); len(got) != 0 {
		t.Fatalf("incomplete tail yielded %d frames", len(got))
	}
	got := d.Feed(frame[len(frame)-1:], 2)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if !bytes.Equal(got[0].Raw, frame) {
		t.Errorf("raw = % X, want % X", got[0].Raw, frame)
	}
}

func TestDeframerEmptyFeed(t *testing.T) {
	d := NewDeframer()
	if got := d.Feed(nil, 1); len(got) != 0 {
		t.Fatalf("empty feed yielded %d frames", len(got))
	}
}

func TestDeframerByteAtATime(t *testing.T) {
	d := NewDeframer()
	frame := BuildFrame(OpReqActivate, []byte{0x09, ButtonPowerOn})

	var got []Frame
	for i, b := range frame {
		got = append(got, d.Feed([]byte{b}, i)...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	f := got[0]
	if f.Opcode != OpReqActivate {
		t.Errorf("opcode = 0x%04X, want REQ_ACTIVATE", f.Opcode)
	}
	if !bytes.Equal(f.Payload, []byte{0x09, ButtonPowerOn}) {
		t.Errorf("payload = % X", f.Payload)
	}
	if f.EndCID != len(frame)-1 {
		t.Errorf("end cid = %d, want %d", f.EndCID, len(frame)-1)
	}
}
