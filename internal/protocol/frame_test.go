package protocol

import (
	"bytes"
	"net"
	"testing"
)

func TestSum8(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want byte
	}{
		{"empty", nil, 0x00},
		{"single", []byte{0x7F}, 0x7F},
		{"wraps mod 256", []byte{0xFF, 0x02}, 0x01},
		{"sync and opcode", []byte{0xA5, 0x5A, 0x00, 0x0A}, 0x09},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sum8(tt.in); got != tt.want {
				t.Errorf("Sum8(% X) = 0x%02X, want 0x%02X", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildFrameLayout(t *testing.T) {
	frame := BuildFrame(OpReqButtons, []byte{0x09, 0xFF})

	want := []byte{0xA5, 0x5A, 0x02, 0x3C, 0x09, 0xFF}
	want = append(want, Sum8(want))
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % X, want % X", frame, want)
	}
	if frame[len(frame)-1] != Sum8(frame[:len(frame)-1]) {
		t.Errorf("trailer is not the sum8 of the preceding bytes")
	}
}

func TestBuildFrameEmptyPayload(t *testing.T) {
	frame := BuildFrame(OpReqDevices, nil)
	if len(frame) != 5 {
		t.Fatalf("len = %d, want 5", len(frame))
	}
	if frame[2] != 0x00 || frame[3] != 0x0A {
		t.Errorf("opcode bytes = %02X %02X, want 00 0A", frame[2], frame[3])
	}
}

func TestFrameBuilderChaining(t *testing.T) {
	b := NewFrameBuilder()
	b.WriteByte(0x21).
		WriteUint16(0x1234).
		WriteZeros(2).
		WriteBytes([]byte{0xAB})

	if b.Len() != 6 {
		t.Fatalf("Len = %d, want 6", b.Len())
	}
	want := []byte{0x21, 0x12, 0x34, 0x00, 0x00, 0xAB}
	if got := b.Build(); !bytes.Equal(got, want) {
		t.Errorf("Build = % X, want % X", got, want)
	}

	frame := b.BuildFrame(OpDefineIPCmd)
	if frame[2] != 0x0E || frame[3] != 0xD3 {
		t.Errorf("opcode bytes = %02X %02X, want 0E D3", frame[2], frame[3])
	}
	if !bytes.Equal(frame[4:len(frame)-1], want) {
		t.Errorf("framed payload = % X, want % X", frame[4:len(frame)-1], want)
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", b.Len())
	}
}

func TestBuildCallMeFrameRoundTrip(t *testing.T) {
	mac := [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	frame := BuildCallMeFrame(mac, net.IPv4(192, 168, 1, 77), 8103)

	if frame[2] != OpcodeHi(OpCallMe) || frame[3] != OpcodeLo(OpCallMe) {
		t.Fatalf("opcode bytes = %02X %02X", frame[2], frame[3])
	}
	if !bytes.Equal(frame[4:10], mac[:]) {
		t.Errorf("mac bytes = % X, want % X", frame[4:10], mac[:])
	}

	ip, port, ok := ParseCallMePayload(frame)
	if !ok {
		t.Fatal("ParseCallMePayload rejected a built frame")
	}
	if !ip.Equal(net.IPv4(192, 168, 1, 77)) {
		t.Errorf("ip = %v, want 192.168.1.77", ip)
	}
	if port != 8103 {
		t.Errorf("port = %d, want 8103", port)
	}
}

func TestParseCallMePayloadShortFrame(t *testing.T) {
	// A bare CALL_ME without an endpoint means "reply to the sender".
	frame := BuildFrame(OpCallMe, []byte{0x00, 0x01, 0x02})
	if _, _, ok := ParseCallMePayload(frame); ok {
		t.Error("short frame parsed as carrying an endpoint")
	}
}

func TestOpName(t *testing.T) {
	if got := OpName(OpReqActivities); got != "REQ_ACTIVITIES" {
		t.Errorf("OpName(REQ_ACTIVITIES) = %q", got)
	}
	if got := OpName(0xBEEF); got != "OP_BEEF" {
		t.Errorf("OpName(unknown) = %q, want OP_BEEF", got)
	}
}

func TestButtonNameCodeRoundTrip(t *testing.T) {
	code, ok := ButtonCode("VOL_UP")
	if !ok || code != ButtonVolUp {
		t.Fatalf("ButtonCode(VOL_UP) = 0x%02X, %v", code, ok)
	}
	if got := ButtonName(code); got != "VOL_UP" {
		t.Errorf("ButtonName(0x%02X) = %q", code, got)
	}
	if ButtonName(0x01) != "" {
		t.Error("unknown code should map to empty name")
	}
	if !IsButtonCode(ButtonPowerOn) || IsButtonCode(0x01) {
		t.Error("IsButtonCode misclassified")
	}
}
