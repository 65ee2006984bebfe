// Package assemble reassembles the hub's multi-frame responses: device
// command bursts, macro pages, and IP-command rows. Framing conventions vary
// by opcode, so each assembler knows the per-opcode layout quirks.
package assemble

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

// CommandRecord is a single decoded device command label.
type CommandRecord struct {
	DevID     byte
	CommandID byte
	Control   []byte
	Label     string
}

// Completed is a fully reassembled burst payload for one device.
type Completed struct {
	DevID byte
	Data  []byte
}

type commandBurst struct {
	totalFrames int // 0 means unknown
	frames      map[byte][]byte
}

// DeviceCommandAssembler reassembles multi-frame device-command bursts,
// keyed by device ID. Header frames carry the total frame count; tail
// frames fix it up after the fact when the header was missed.
type DeviceCommandAssembler struct {
	buffers map[byte]*commandBurst
}

// NewDeviceCommandAssembler creates an empty assembler.
func NewDeviceCommandAssembler() *DeviceCommandAssembler {
	return &DeviceCommandAssembler{buffers: make(map[byte]*commandBurst)}
}

func (a *DeviceCommandAssembler) buffer(devID byte) *commandBurst {
	b, ok := a.buffers[devID]
	if !ok {
		b = &commandBurst{frames: make(map[byte][]byte)}
		a.buffers[devID] = b
	}
	return b
}

// dataOffset returns the start of command data within a frame payload.
// The ALT page opcodes place the device ID and records two bytes earlier
// than the typical layout; using 6 there would trim off the first record.
func dataOffset(op uint16) int {
	if protocol.IsDevBtnAltPage(op) {
		return 4
	}
	return 6
}

// Feed consumes a raw frame and returns any bursts it completed.
// devOverride, when >= 0, forces the device ID instead of reading payload[3];
// callers use it when the surrounding burst already names the device.
func (a *DeviceCommandAssembler) Feed(op uint16, raw []byte, devOverride int) []Completed {
	if len(raw) < 7 {
		return nil
	}
	payload := raw[4 : len(raw)-1]
	if len(payload) < 4 {
		return nil
	}

	devID := payload[3]
	if devOverride >= 0 {
		devID = byte(devOverride)
	}
	frameNo := payload[2]
	b := a.buffer(devID)

	switch {
	case op == protocol.OpDevBtnHeader || op == protocol.OpDevBtnPageAlt1:
		if len(payload) >= 6 {
			b.totalFrames = int(binary.BigEndian.Uint16(payload[4:6]))
		} else {
			b.totalFrames = 0
		}
		b.frames = make(map[byte][]byte)
	case b.totalFrames == 0 &&
		(op == protocol.OpDevBtnTail || op == protocol.OpKeymapExtra || op == protocol.OpDevBtnMore):
		b.totalFrames = int(frameNo)
	}

	start := dataOffset(op)
	switch op {
	case protocol.OpDevBtnHeader, protocol.OpDevBtnPage, protocol.OpDevBtnTail,
		protocol.OpKeymapExtra, protocol.OpDevBtnMore:
		// Frames prefixed 01 00 shift the whole layout.
		if len(payload) >= 2 && payload[0] == 0x01 && payload[1] == 0x00 {
			if op == protocol.OpDevBtnHeader {
				start = 7
			} else {
				start = 3
			}
		}
	}
	if op == protocol.OpDevBtnHeader &&
		len(payload) > start+1 && payload[start] != devID && payload[start+1] == devID {
		start++
	}

	var framePayload []byte
	if len(payload) > start {
		framePayload = append([]byte(nil), payload[start:]...)
	}
	b.frames[frameNo] = framePayload

	if b.totalFrames == 0 || len(b.frames) < b.totalFrames {
		return nil
	}

	nos := make([]int, 0, len(b.frames))
	for no := range b.frames {
		nos = append(nos, int(no))
	}
	sort.Ints(nos)
	var joined []byte
	for _, no := range nos {
		joined = append(joined, b.frames[byte(no)]...)
	}
	delete(a.buffers, devID)
	return []Completed{{DevID: devID, Data: joined}}
}

// DecodeLabel decodes a command label. Modern hubs mix plain ASCII with
// UTF-16BE; older firmware pads with NULs and occasionally emits Latin-1.
func DecodeLabel(b []byte) string {
	trimmed := b
	if bytes.HasPrefix(trimmed, []byte{0, 0, 0, 0}) {
		trimmed = trimmed[4:]
	}
	trimmed = bytes.TrimRight(trimmed, "\x00")
	if len(trimmed) == 0 {
		return ""
	}

	if !bytes.ContainsRune(trimmed, 0) && isASCII(trimmed) {
		if label := strings.TrimSpace(string(trimmed)); label != "" {
			return label
		}
	}

	if len(trimmed)%2 == 1 {
		trimmed = append(append([]byte(nil), trimmed...), 0)
	}
	if label := decodeUTF16BE(trimmed); label != "" {
		return label
	}

	// Latin-1: every byte is its own code point.
	runes := make([]rune, 0, len(trimmed))
	for _, c := range trimmed {
		runes = append(runes, rune(c))
	}
	return strings.Trim(string(runes), "\x00")
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 0x7F {
			return false
		}
	}
	return true
}

func decodeUTF16BE(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return strings.Trim(string(utf16.Decode(units)), "\x00")
}

// MatchesControlBlock reports whether a 7-byte block looks like the control
// bytes separating the command id from its label.
func MatchesControlBlock(block []byte) bool {
	if len(block) != 7 {
		return false
	}
	if block[0] == 0x03 || block[0] == 0x0D {
		return true
	}
	if bytes.Equal(block[:5], []byte{0, 0, 0, 0, 0}) {
		return true
	}
	return bytes.Equal(block[:6], []byte{0x1A, 0, 0, 0, 0, 0x17})
}

// CommandRecords parses command records from a reassembled burst payload.
// Records are separated by 0xFF; each one is the device id, the command id,
// a 7-byte control block, and a label.
func CommandRecords(data []byte, devID byte) []CommandRecord {
	var records []CommandRecord

	for _, chunk := range bytes.Split(data, []byte{0xFF}) {
		if len(chunk) < 9 {
			continue
		}

		var candidates []int
		for i := 0; i < len(chunk)-1; i++ {
			if chunk[i] == devID {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			candidates = []int{0}
		}

		for _, idx := range candidates {
			hasTarget := chunk[idx] == devID
			cmdIdx := idx
			if hasTarget {
				cmdIdx = idx + 1
			}
			if cmdIdx >= len(chunk) {
				continue
			}

			commandID := chunk[cmdIdx]
			controlStart := cmdIdx + 1
			if controlStart+7 <= len(chunk) {
				control := chunk[controlStart : controlStart+7]
				if MatchesControlBlock(control) {
					labelStart := controlStart + 7
					if bytes.Equal(control[:5], []byte{0, 0, 0, 0, 0}) {
						labelStart--
					}
					label := DecodeLabel(chunk[labelStart:])
					if label == "" {
						continue
					}
					records = append(records, CommandRecord{
						DevID:     devID,
						CommandID: commandID,
						Control:   append([]byte(nil), control...),
						Label:     label,
					})
					break
				}
			}

			labelStart := cmdIdx + 8
			if labelStart >= len(chunk) {
				continue
			}
			label := DecodeLabel(chunk[labelStart:])
			if label == "" {
				continue
			}
			records = append(records, CommandRecord{
				DevID:     devID,
				CommandID: commandID,
				Control:   append([]byte(nil), chunk[controlStart:labelStart]...),
				Label:     label,
			})
			break
		}
	}
	return records
}
