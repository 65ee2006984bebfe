package protocol

const (
	deframerMaxBuffer = 1_000_000
	deframerTrim      = 500_000
)

// Deframer extracts validated frames from a TCP byte stream. The hub protocol
// has no length field, so frame boundaries are recovered by scanning for the
// sync pair and validating the checksum between consecutive sync markers. A
// trailing candidate that already checksums correctly is parsed speculatively
// rather than waiting for the next sync marker.
type Deframer struct {
	buf         []byte
	curStartCID int // chunk id that contributed the first byte of the pending frame
	haveStart   bool
}

// NewDeframer creates an empty Deframer.
func NewDeframer() *Deframer {
	return &Deframer{}
}

// Feed appends a chunk of stream data and returns any complete frames.
// cid identifies the chunk for provenance in frame logs.
func (d *Deframer) Feed(data []byte, cid int) []Frame {
	var out []Frame
	if len(data) == 0 {
		return out
	}
	d.buf = append(d.buf, data...)
	if len(d.buf) > deframerMaxBuffer {
		d.buf = d.buf[deframerTrim:]
	}

	for {
		start := indexSync(d.buf, 0)
		if start < 0 {
			// No sync pair. A trailing Sync0 may be the first byte of a
			// pair split across reads, so keep it.
			if n := len(d.buf); n > 0 && d.buf[n-1] == Sync0 {
				d.buf[0] = Sync0
				d.buf = d.buf[:1]
				d.curStartCID = cid
				d.haveStart = true
			} else {
				d.buf = d.buf[:0]
				d.haveStart = false
			}
			break
		}
		if start > 0 {
			d.buf = d.buf[start:]
			if !d.haveStart {
				d.curStartCID = cid
				d.haveStart = true
			}
		}
		if len(d.buf) < 5 {
			break
		}
		if !d.haveStart {
			d.curStartCID = cid
			d.haveStart = true
		}

		next := indexSync(d.buf, 2)
		if next >= 0 {
			cand := d.buf[:next]
			if len(cand) > 0 && cand[len(cand)-1] == Sum8(cand[:len(cand)-1]) {
				out = append(out, d.take(cand, cid))
				d.buf = d.buf[next:]
				d.haveStart = false
				continue
			}
			// Checksum mismatch: the first sync pair was a false start.
			// Skip one byte and resync.
			d.buf = d.buf[1:]
			if !(len(d.buf) >= 2 && d.buf[0] == Sync0 && d.buf[1] == Sync1) {
				d.haveStart = false
			}
			continue
		}

		// No further sync marker: try the whole tail as a frame.
		cand := d.buf
		if len(cand) >= 5 && cand[0] == Sync0 && cand[1] == Sync1 &&
			cand[len(cand)-1] == Sum8(cand[:len(cand)-1]) {
			out = append(out, d.take(cand, cid))
			d.buf = d.buf[:0]
			d.haveStart = false
		}
		break
	}
	return out
}

func (d *Deframer) take(cand []byte, cid int) Frame {
	raw := make([]byte, len(cand))
	copy(raw, cand)
	startCID := cid
	if d.haveStart {
		startCID = d.curStartCID
	}
	return Frame{
		Opcode:   uint16(raw[2])<<8 | uint16(raw[3]),
		Raw:      raw,
		Payload:  raw[4 : len(raw)-1],
		StartCID: startCID,
		EndCID:   cid,
	}
}

// indexSync finds the next sync pair at or after offset from.
func indexSync(b []byte, from int) int {
	for i := from; i+1 < len(b); i++ {
		if b[i] == Sync0 && b[i+1] == Sync1 {
			return i
		}
	}
	return -1
}
