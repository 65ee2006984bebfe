package state

import (
	"reflect"
	"testing"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

func TestUpdateActivityState(t *testing.T) {
	s := NewStore()

	if cur, prev := s.UpdateActivityState(); cur != -1 || prev != -1 {
		t.Fatalf("initial state = (%d, %d)", cur, prev)
	}

	s.SetHint(0x81)
	cur, prev := s.UpdateActivityState()
	if cur != 0x81 || prev != -1 {
		t.Errorf("after hint: (%d, %d), want (0x81, -1)", cur, prev)
	}

	// No change: both values report the current activity.
	cur, prev = s.UpdateActivityState()
	if cur != 0x81 || prev != 0x81 {
		t.Errorf("steady state: (%d, %d)", cur, prev)
	}

	s.SetHint(-1)
	cur, prev = s.UpdateActivityState()
	if cur != -1 || prev != 0x81 {
		t.Errorf("after clear: (%d, %d)", cur, prev)
	}
}

func TestEntityIDsReducedMod256(t *testing.T) {
	s := NewStore()
	s.UpsertActivity(0x181, "Watch TV", false)

	if name := s.ActivityName(0x81); name != "Watch TV" {
		t.Errorf("name via low id = %q", name)
	}
	if name := s.ActivityName(0x281); name != "Watch TV" {
		t.Errorf("name via aliased id = %q", name)
	}
}

func TestCommandLabelPresenceWins(t *testing.T) {
	s := NewStore()
	s.SetCommandLabel(0x21, 0x05, "Power On")
	s.SetCommandLabel(0x21, 0x05, "")

	label, ok := s.CommandLabel(0x21, 0x05)
	if !ok || label != "Power On" {
		t.Errorf("label = %q, ok=%v; empty label overwrote it", label, ok)
	}

	// A later non-empty label still replaces.
	s.SetCommandLabel(0x21, 0x05, "Power Toggle")
	if label, _ := s.CommandLabel(0x21, 0x05); label != "Power Toggle" {
		t.Errorf("label = %q", label)
	}
}

func TestFavoriteSlotSourcePrecedence(t *testing.T) {
	s := NewStore()
	act := 0x66

	// Keymap-sourced slot arrives first.
	rec := append([]byte{0x66, 0x01, 0x03, 0, 0, 0, 0, 0, 0x38, 0x03, 0, 0}, make([]byte, 6)...)
	s.AccumulateKeymap(act, rec)

	slots := s.ActivityFavoriteSlots(act)
	if len(slots) != 1 || slots[0].Source != SourceKeymap {
		t.Fatalf("slots = %+v", slots)
	}

	// Explicit mapping for the same (device, command) supersedes it.
	s.RecordActivityMapping(act, 0x03, 0x01, 0x18)
	slots = s.ActivityFavoriteSlots(act)
	if len(slots) != 1 {
		t.Fatalf("slots = %+v", slots)
	}
	if slots[0].Source != SourceActivityMap || slots[0].ButtonID != 0x18 {
		t.Errorf("slot = %+v, want activity_map source with button 0x18", slots[0])
	}

	// A later keymap row must not demote the explicit slot.
	s.ClearKeymapRemainder(act)
	s.AccumulateKeymap(act, rec)
	slots = s.ActivityFavoriteSlots(act)
	if len(slots) != 1 || slots[0].Source != SourceActivityMap {
		t.Errorf("keymap row demoted explicit slot: %+v", slots)
	}
}

func TestAccumulateKeymapTracksFavoritesAndButtons(t *testing.T) {
	s := NewStore()
	act := 0x66

	recFav := append([]byte{0x66, 0x01, 0x03, 0, 0, 0, 0, 0, 0x38, 0x03, 0, 0}, make([]byte, 6)...)
	recFav2 := append([]byte{0x66, 0x02, 0x03, 0, 0, 0, 0, 0, 0x4C, 0x07, 0, 0}, make([]byte, 6)...)
	recBtn := append([]byte{0x66, protocol.ButtonUp, 0x01, 0, 0, 0, 0, 0, 0x2E, 0x16, 0, 0}, make([]byte, 6)...)

	payload := append(append(append([]byte(nil), recFav...), recFav2...), recBtn...)
	s.AccumulateKeymap(act, payload)

	slots := s.ActivityFavoriteSlots(act)
	if len(slots) != 2 {
		t.Fatalf("favorite slots = %+v", slots)
	}
	got := map[byte]bool{}
	for _, slot := range slots {
		got[slot.ButtonID] = true
		if slot.DeviceID != 0x03 {
			t.Errorf("slot device = 0x%02X", slot.DeviceID)
		}
	}
	if !got[0x01] || !got[0x02] {
		t.Errorf("slot buttons = %v", got)
	}

	refs := s.ActivityCommandRefs(act)
	want := [][2]byte{{0x03, 0x01}, {0x03, 0x02}}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("refs = %v, want %v", refs, want)
	}

	buttons, ok := s.Buttons(act)
	if !ok || len(buttons) != 1 || buttons[0] != protocol.ButtonUp {
		t.Errorf("buttons = %v, ok=%v", buttons, ok)
	}
}

func TestAccumulateKeymapIgnoresFavoritesAfterButtons(t *testing.T) {
	s := NewStore()
	act := 0x66

	recBtn := append([]byte{0x66, protocol.ButtonOK, 0x01, 0, 0, 0, 0, 0, 0x2E, 0x16, 0, 0}, make([]byte, 6)...)
	recFav := append([]byte{0x66, 0x01, 0x03, 0, 0, 0, 0, 0, 0x38, 0x03, 0, 0}, make([]byte, 6)...)

	s.AccumulateKeymap(act, append(append([]byte(nil), recBtn...), recFav...))

	if slots := s.ActivityFavoriteSlots(act); len(slots) != 0 {
		t.Errorf("favorites accepted after a button record: %+v", slots)
	}
}

func TestAccumulateKeymapRemainderSpansPages(t *testing.T) {
	s := NewStore()
	act := 0x66

	rec := append([]byte{0x66, 0x01, 0x03, 0, 0, 0, 0, 0, 0x38, 0x03, 0, 0}, make([]byte, 6)...)
	full := append(append([]byte(nil), rec...), rec[:10]...)
	full[18+1] = 0x02 // second record targets slot 2

	s.AccumulateKeymap(act, full)
	if slots := s.ActivityFavoriteSlots(act); len(slots) != 1 {
		t.Fatalf("partial record applied early: %+v", slots)
	}

	// Remainder completes on the next page.
	s.AccumulateKeymap(act, rec[10:])
	slots := s.ActivityFavoriteSlots(act)
	if len(slots) != 2 {
		t.Errorf("remainder not joined across pages: %+v", slots)
	}
}

func TestParseDeviceCommands(t *testing.T) {
	s := NewStore()

	chunk := append([]byte{0x30, 0x05, 0x03, 0, 0, 0, 0, 0, 0}, []byte("Play")...)
	chunk = append(chunk, 0xFF)
	chunk = append(chunk, append([]byte{0x30, 0x06, 0x03, 0, 0, 0, 0, 0, 0}, []byte("Stop")...)...)

	cmds := s.ParseDeviceCommands(chunk, 0x30)
	if cmds[0x05] != "Play" || cmds[0x06] != "Stop" {
		t.Errorf("parsed = %v", cmds)
	}
}

func TestRecordVirtualDevice(t *testing.T) {
	s := NewStore()
	s.RecordVirtualDevice(VirtualDevice{
		DeviceID: 0x52,
		Name:     "Living Room Roku",
		Method:   "POST",
		URL:      "http://192.168.1.50:8060/keypress/Home",
	}, 0x01)

	dev, ok := s.Device(0x52)
	if !ok || dev.Brand != "Virtual HTTP" {
		t.Errorf("device = %+v, ok=%v", dev, ok)
	}
	btn, ok := s.VirtualButton(0x52, 0x01)
	if !ok || btn.Method != "POST" {
		t.Errorf("button = %+v, ok=%v", btn, ok)
	}
	buttons, _ := s.Buttons(0x52)
	if len(buttons) != 1 || buttons[0] != 0x01 {
		t.Errorf("buttons = %v", buttons)
	}
}

func TestAppActivationsKeepsOnlyLatest(t *testing.T) {
	s := NewStore()
	s.RecordAppActivation(Activation{EntityID: 1, CommandID: 10})
	s.RecordAppActivation(Activation{EntityID: 2, CommandID: 20})

	got := s.AppActivations()
	if len(got) != 1 || got[0].EntityID != 2 {
		t.Errorf("activations = %+v", got)
	}
}

func TestClearEntity(t *testing.T) {
	s := NewStore()
	act := 0x66
	s.SetCommandLabel(act, 1, "A")
	s.AddButton(act, protocol.ButtonUp)
	s.RecordActivityMapping(act, 0x03, 0x01, 0x18)
	s.ReplaceActivityMacros(act, []MacroEntry{{CommandID: 1, Label: "Lights"}})

	s.ClearEntity(act, true, true, true)

	if _, ok := s.Commands(act); ok {
		t.Error("commands survived clear")
	}
	if _, ok := s.Buttons(act); ok {
		t.Error("buttons survived clear")
	}
	if slots := s.ActivityFavoriteSlots(act); len(slots) != 0 {
		t.Error("favorites survived clear")
	}
	if _, ok := s.ActivityMacros(act); ok {
		t.Error("macros survived clear")
	}
}
