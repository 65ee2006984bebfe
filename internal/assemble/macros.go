package assemble

import (
	"sort"
	"strings"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

// MacroRecord is a decoded macro button entry for an activity.
type MacroRecord struct {
	ActivityID byte
	ButtonCode byte
	Label      string
}

type macroBurst struct {
	totalFrames int // 0 means unknown
	frames      map[int][]byte
}

// MacroAssembler reassembles multi-frame macro payloads. Continuation frames
// carry no activity id, so the assembler remembers the last one seen and
// attaches strays to it.
type MacroAssembler struct {
	buffers map[byte]*macroBurst
	lastAct int // -1 until a header names an activity
}

// NewMacroAssembler creates an empty assembler.
func NewMacroAssembler() *MacroAssembler {
	return &MacroAssembler{buffers: make(map[byte]*macroBurst), lastAct: -1}
}

// LastActivity returns the activity named by the most recent header, or -1
// when no header has been seen yet.
func (a *MacroAssembler) LastActivity() int { return a.lastAct }

func (a *MacroAssembler) buffer(activityID byte) *macroBurst {
	b, ok := a.buffers[activityID]
	if !ok {
		b = &macroBurst{frames: make(map[int][]byte)}
		a.buffers[activityID] = b
	}
	return b
}

// parseHeader extracts (activityID, frameNo, totalFrames, body) from a macro
// payload. frameNo==0 means the frame carried no usable number; activityID
// of -1 means no activity could be inferred.
func (a *MacroAssembler) parseHeader(payload []byte) (activityID, frameNo, totalFrames int, body []byte) {
	if len(payload) < 7 {
		return a.lastAct, 1, 0, payload
	}

	p0, x, p3, y, act := payload[0], payload[2], payload[3], payload[5], payload[6]
	body = payload[7:]

	if x == 0x01 && (y == 0x01 || y == 0x02) && act != 0x00 {
		activityID = int(act)
		frameNo = int(p0)
		if frameNo == 0 {
			frameNo = 1
		}
		totalFrames = int(p3)
		if totalFrames < 1 || totalFrames > 16 {
			totalFrames = 0
		}
		return activityID, frameNo, totalFrames, body
	}
	return a.lastAct, 0, 0, body
}

// Feed consumes a macro-family frame and returns any completed assemblies.
// raw, when it looks like a full frame, takes precedence over payload.
func (a *MacroAssembler) Feed(payload, raw []byte) []Completed {
	if len(payload) == 0 && len(raw) == 0 {
		return nil
	}
	if len(raw) >= 6 && raw[0] == protocol.Sync0 && raw[1] == protocol.Sync1 {
		payload = raw[4 : len(raw)-1]
	}

	activityID, frameNo, totalFrames, body := a.parseHeader(payload)
	if activityID < 0 {
		return nil
	}

	act := byte(activityID)
	b := a.buffer(act)
	a.lastAct = activityID

	maxFrame := 0
	for no := range b.frames {
		if no > maxFrame {
			maxFrame = no
		}
	}
	if frameNo == 0 {
		frameNo = maxFrame + 1
	}
	for {
		if _, taken := b.frames[frameNo]; !taken {
			break
		}
		frameNo++
	}

	b.frames[frameNo] = append([]byte(nil), body...)
	if totalFrames != 0 && b.totalFrames == 0 {
		b.totalFrames = totalFrames
	}
	if frameNo > maxFrame {
		maxFrame = frameNo
	}

	_, haveFirst := b.frames[1]
	contiguous := len(b.frames) == maxFrame && haveFirst

	finished := b.totalFrames != 0 && len(b.frames) >= b.totalFrames
	if !finished && contiguous && (b.totalFrames == 0 || b.totalFrames <= maxFrame) {
		finished = true
	}
	if !finished {
		return nil
	}

	nos := make([]int, 0, len(b.frames))
	for no := range b.frames {
		nos = append(nos, no)
	}
	sort.Ints(nos)
	var joined []byte
	for _, no := range nos {
		joined = append(joined, b.frames[no]...)
	}
	delete(a.buffers, act)
	return []Completed{{DevID: act, Data: joined}}
}

// DecodeMacroRecords parses macro records out of a reassembled payload.
// Each record is a one-byte button code followed, a few bytes later, by a
// UTF-16LE or ASCII label. The layout drifts between firmware versions,
// so this scans for plausible starts rather than walking fixed offsets.
func DecodeMacroRecords(payload []byte, activityID byte) []MacroRecord {
	var records []MacroRecord
	consumed := 0

	var starts []int
	for i := 0; i < len(payload)-1; i++ {
		if payload[i] == 0 || payload[i] > 0x0F {
			continue
		}
		second := payload[i+1]
		utf16Immediate := second >= 0x20 && i+2 < len(payload) && payload[i+2] == 0x00
		if second == 0x00 || second == 0x03 || utf16Immediate {
			starts = append(starts, i)
		}
	}

	for _, pos := range starts {
		if pos < consumed {
			continue
		}

		labelBytes, end, isUTF16 := findUTF16LERun(payload, pos+1)
		if end < 0 {
			labelBytes, end = findASCIIRun(payload, pos+1)
			if end < 0 {
				continue
			}
		}
		consumed = end

		var label string
		if isUTF16 {
			label = decodeUTF16LE(labelBytes)
		} else {
			label = string(labelBytes)
		}
		label = strings.TrimSpace(strings.ReplaceAll(label, "\x00", ""))
		if label != "" {
			label = stripNonPrintable(label)
			label = strings.TrimLeft(label, "0123456789")
		}
		if label == "" || strings.HasPrefix(strings.ToUpper(label), "POWER_") {
			continue
		}
		records = append(records, MacroRecord{
			ActivityID: activityID,
			ButtonCode: payload[pos],
			Label:      label,
		})
	}
	return records
}

// findUTF16LERun locates the first run of two or more UTF-16LE units
// (non-zero low byte, zero high byte) terminated by a zero unit, starting
// the search at from. Returns end == -1 when none exists.
func findUTF16LERun(payload []byte, from int) (label []byte, end int, isUTF16 bool) {
	for i := from; i+1 < len(payload); i++ {
		if payload[i] == 0 || payload[i+1] != 0 {
			continue
		}
		j := i
		for j+1 < len(payload) && payload[j] != 0 && payload[j+1] == 0 {
			j += 2
		}
		if j-i < 4 {
			continue
		}
		if j+1 < len(payload) && payload[j] == 0 && payload[j+1] == 0 {
			return payload[i:j], j + 2, true
		}
	}
	return nil, -1, false
}

// findASCIIRun locates the first run of three or more printable bytes
// followed by at least two NULs, starting the search at from.
func findASCIIRun(payload []byte, from int) (label []byte, end int) {
	for i := from; i < len(payload); i++ {
		if payload[i] < 0x20 || payload[i] > 0x7E {
			continue
		}
		j := i
		for j < len(payload) && payload[j] >= 0x20 && payload[j] <= 0x7E {
			j++
		}
		if j-i < 3 {
			i = j
			continue
		}
		zeros := 0
		for j+zeros < len(payload) && payload[j+zeros] == 0 {
			zeros++
		}
		if zeros >= 2 {
			return payload[i:j], j + zeros
		}
		i = j
	}
	return nil, -1
}

func decodeUTF16LE(b []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(b); i += 2 {
		r := rune(uint16(b[i]) | uint16(b[i+1])<<8)
		if r != 0 {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func stripNonPrintable(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= 0x20 && r <= 0x7E {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
