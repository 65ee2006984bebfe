package state

import (
	"github.com/m3tac0de/x1proxy/internal/protocol"
)

const (
	keymapRecordSize = 18
	// Byte 7 of an 18-byte keymap record carrying an explicit favorite
	// mapping, matching the token the app writes in favorite-map frames.
	favoriteMarker = 0x4E
)

// AccumulateKeymap folds one keymap page into the button/favorite caches for
// an activity. Pages are sequences of fixed records, but the hub splits them
// at arbitrary byte boundaries, so a trailing partial record is held back and
// prepended to the next page.
//
// Two record interpretations coexist in the same opcode family:
//   - second byte is a known button code: a hard-button assignment;
//   - second byte is NOT a button code, and no button code has been seen yet
//     for this activity in the current burst: a quick-favorite row carrying
//     device and command ids. The hub emits these without a type tag, so the
//     only distinguishing signal is ordering and the zero-run layout.
func (s *Store) AccumulateKeymap(activityID int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	act := lo(activityID)
	buf := append(s.keymapRemainders[act], payload...)
	delete(s.keymapRemainders, act)

	if _, ok := s.buttons[act]; !ok {
		s.buttons[act] = make(map[byte]struct{})
	}

	start := -1
	if len(buf) >= keymapRecordSize {
		limit := len(buf) - keymapRecordSize + 1
		if limit > 20 {
			limit = 20
		}
		for j := 0; j < limit; j++ {
			if buf[j] == act {
				start = j
				break
			}
		}
	}

	if start >= 0 {
		i := start
		for i+keymapRecordSize <= len(buf) {
			rec := buf[i : i+keymapRecordSize]
			if rec[0] == act {
				s.applyKeymapRecordLocked(act, rec)
			}
			i += keymapRecordSize
		}
		if rem := buf[i:]; len(rem) > 0 && rem[0] == act {
			s.keymapRemainders[act] = append([]byte(nil), rem...)
		}
		return
	}

	// Older firmware uses unaligned 16- or 20-byte layouts; scan for the
	// activity byte and derive the stride from the zero run after it.
	i := 0
	for i+1 < len(buf) {
		if buf[i] == act {
			code := buf[i+1]
			if protocol.IsButtonCode(code) {
				stride := 20
				if i+7 < len(buf) && allZero(buf[i+3:i+7]) {
					stride = 16
				}
				s.buttons[act][code] = struct{}{}
				s.keymapButtonSeen[act] = true
				i += stride
				continue
			}
		}
		i++
	}
}

func (s *Store) applyKeymapRecordLocked(act byte, rec []byte) {
	second := rec[1]

	if protocol.IsButtonCode(second) {
		s.buttons[act][second] = struct{}{}
		s.keymapButtonSeen[act] = true
		if rec[7] == favoriteMarker && allZero(rec[3:7]) {
			s.recordFavoriteSlotLocked(act, FavoriteSlot{
				ButtonID:  second,
				DeviceID:  rec[2],
				CommandID: rec[9],
				Source:    SourceKeymap,
			})
		}
		return
	}

	if s.keymapButtonSeen[act] {
		return
	}

	if rec[7] == favoriteMarker && allZero(rec[3:7]) {
		ref := devCmd{Dev: rec[2], Cmd: rec[9]}
		s.addCommandRefLocked(act, ref)
		s.recordFavoriteSlotLocked(act, FavoriteSlot{
			ButtonID:  second,
			DeviceID:  rec[2],
			CommandID: rec[9],
			Source:    SourceKeymap,
		})
		return
	}

	// Favorites-only row: slot and command share the second byte.
	if allZero(rec[3:7]) && allZero(rec[12:18]) {
		ref := devCmd{Dev: rec[2], Cmd: second}
		s.addCommandRefLocked(act, ref)
		s.recordFavoriteSlotLocked(act, FavoriteSlot{
			ButtonID:  second,
			DeviceID:  rec[2],
			CommandID: second,
			Source:    SourceKeymap,
		})
	}
}

func (s *Store) addCommandRefLocked(act byte, ref devCmd) {
	refs, ok := s.commandRefs[act]
	if !ok {
		refs = make(map[devCmd]struct{})
		s.commandRefs[act] = refs
	}
	refs[ref] = struct{}{}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
