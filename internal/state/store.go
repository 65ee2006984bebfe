// Package state holds the authoritative in-memory model of everything
// decoded off the wire: activities, devices, button maps, command labels,
// macros, favorite slots, and virtual IP devices. Entity ids are reduced
// mod 256 once, at the store boundary; the hub collapses ids the same way.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/m3tac0de/x1proxy/internal/assemble"
)

// Activity is a saved hub mode (e.g. "Watch Movie"). NeedsConfirm is set by
// X1-firmware catalog rows whose saved state the hub wants re-acknowledged
// after a membership change.
type Activity struct {
	Name         string
	Active       bool
	NeedsConfirm bool
}

// Device is a controllable target registered on the hub.
type Device struct {
	Name  string
	Brand string
}

// FavoriteSource says how a favorite slot was learned. Explicit
// activity-mapping responses are more trustworthy than records parsed
// heuristically out of keymap pages, and supersede them.
type FavoriteSource string

const (
	SourceKeymap      FavoriteSource = "keymap"
	SourceActivityMap FavoriteSource = "activity_map"
)

// FavoriteSlot maps a quick-access slot on an activity to a device command.
type FavoriteSlot struct {
	ButtonID  byte
	DeviceID  byte
	CommandID byte
	Source    FavoriteSource
}

// FavoriteLabel is a favorite slot resolved to its command label.
type FavoriteLabel struct {
	ButtonID  byte
	DeviceID  byte
	CommandID byte
	Label     string
}

// MacroEntry is one decoded macro button on an activity.
type MacroEntry struct {
	CommandID byte
	Label     string
}

// VirtualDevice describes a proxy-created WiFi/IP device and the HTTP
// request its commands replay.
type VirtualDevice struct {
	DeviceID   byte
	Name       string
	Brand      string
	ButtonName string
	Method     string
	URL        string
	Headers    map[string]string
}

// Activation is a command activation observed from the vendor app.
type Activation struct {
	Timestamp    time.Time
	Direction    string
	EntityID     byte
	EntityKind   string
	EntityName   string
	CommandID    byte
	CommandLabel string
	ButtonLabel  string
}

type devCmd struct {
	Dev byte
	Cmd byte
}

// Store is the protocol state cache for one proxy instance. All methods are
// safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	currentActivity int
	activityHint    int

	activities map[byte]Activity
	devices    map[byte]Device
	buttons    map[byte]map[byte]struct{}
	commands   map[byte]map[byte]string
	macros     map[byte][]MacroEntry

	members        map[byte]map[byte]struct{}
	commandRefs    map[byte]map[devCmd]struct{}
	favoriteSlots  map[byte][]FavoriteSlot
	favoriteLabels map[byte]map[devCmd]string

	ipDevices map[byte]VirtualDevice
	ipButtons map[byte]map[byte]VirtualDevice

	keymapRemainders map[byte][]byte
	keymapButtonSeen map[byte]bool

	// Only the most recent activation is kept.
	lastActivation *Activation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		currentActivity:  -1,
		activityHint:     -1,
		activities:       make(map[byte]Activity),
		devices:          make(map[byte]Device),
		buttons:          make(map[byte]map[byte]struct{}),
		commands:         make(map[byte]map[byte]string),
		macros:           make(map[byte][]MacroEntry),
		members:          make(map[byte]map[byte]struct{}),
		commandRefs:      make(map[byte]map[devCmd]struct{}),
		favoriteSlots:    make(map[byte][]FavoriteSlot),
		favoriteLabels:   make(map[byte]map[devCmd]string),
		ipDevices:        make(map[byte]VirtualDevice),
		ipButtons:        make(map[byte]map[byte]VirtualDevice),
		keymapRemainders: make(map[byte][]byte),
		keymapButtonSeen: make(map[byte]bool),
	}
}

func lo(id int) byte { return byte(id & 0xFF) }

// SetHint records the activity the app most recently asked to activate.
// Pass -1 to clear.
func (s *Store) SetHint(activityID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if activityID < 0 {
		s.activityHint = -1
		return
	}
	s.activityHint = int(lo(activityID))
}

// UpdateActivityState promotes the hint to the current activity. It returns
// (current, previous); when nothing changed both values are the current one.
// -1 means no activity.
func (s *Store) UpdateActivityState() (current, previous int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentActivity != s.activityHint {
		old := s.currentActivity
		s.currentActivity = s.activityHint
		return s.currentActivity, old
	}
	return s.currentActivity, s.currentActivity
}

// CurrentActivity returns the activity considered active, -1 when none.
func (s *Store) CurrentActivity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentActivity
}

// ActivityName returns the cached name for an activity id, "" when unknown.
func (s *Store) ActivityName(activityID int) string {
	if activityID < 0 {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activities[lo(activityID)].Name
}

// UpsertActivity records or refreshes an activity catalog row.
func (s *Store) UpsertActivity(activityID int, name string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[lo(activityID)] = Activity{Name: name, Active: active}
}

// UpsertActivityRow records an activity catalog row including its
// needs-confirm flag.
func (s *Store) UpsertActivityRow(activityID int, a Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[lo(activityID)] = a
}

// SetActivityConfirmed clears the needs-confirm flag after the row has been
// written back to the hub.
func (s *Store) SetActivityConfirmed(activityID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[lo(activityID)]
	if !ok {
		return
	}
	a.NeedsConfirm = false
	s.activities[lo(activityID)] = a
}

// ActivitiesNeedingConfirm returns, in id order, the activities flagged for
// re-confirmation.
func (s *Store) ActivitiesNeedingConfirm() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []byte
	for id, a := range s.activities {
		if a.NeedsConfirm {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UpsertDevice records or refreshes a device catalog row.
func (s *Store) UpsertDevice(deviceID int, name, brand string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[lo(deviceID)] = Device{Name: name, Brand: brand}
}

// Activities returns a copy of the activity catalog.
func (s *Store) Activities() map[byte]Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[byte]Activity, len(s.activities))
	for id, a := range s.activities {
		out[id] = a
	}
	return out
}

// Devices returns a copy of the device catalog.
func (s *Store) Devices() map[byte]Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[byte]Device, len(s.devices))
	for id, d := range s.devices {
		out[id] = d
	}
	return out
}

// Device returns one device row.
func (s *Store) Device(deviceID int) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[lo(deviceID)]
	return d, ok
}

// Activity returns one activity row.
func (s *Store) Activity(activityID int) (Activity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[lo(activityID)]
	return a, ok
}

// AddButton marks a button code as assignable on an entity.
func (s *Store) AddButton(entID int, code byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addButtonLocked(lo(entID), code)
}

func (s *Store) addButtonLocked(ent, code byte) {
	set, ok := s.buttons[ent]
	if !ok {
		set = make(map[byte]struct{})
		s.buttons[ent] = set
	}
	set[code] = struct{}{}
}

// Buttons returns the sorted button codes known for an entity. ok is false
// when no keymap data has been seen for it yet.
func (s *Store) Buttons(entID int) (codes []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.buttons[lo(entID)]
	if !ok {
		return nil, false
	}
	codes = make([]byte, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes, true
}

// SetCommandLabel stores a command label for an entity. A non-empty label is
// never overwritten by a later empty one for the same id.
func (s *Store) SetCommandLabel(entID int, cmdID byte, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCommandLabelLocked(lo(entID), cmdID, label)
}

func (s *Store) setCommandLabelLocked(ent, cmd byte, label string) {
	m, ok := s.commands[ent]
	if !ok {
		m = make(map[byte]string)
		s.commands[ent] = m
	}
	if label == "" {
		if _, exists := m[cmd]; exists {
			return
		}
	}
	m[cmd] = label
}

// Commands returns a copy of the command map for an entity. ok is false when
// no command data has been decoded for it.
func (s *Store) Commands(entID int) (map[byte]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.commands[lo(entID)]
	if !ok {
		return nil, false
	}
	out := make(map[byte]string, len(m))
	for id, label := range m {
		out[id] = label
	}
	return out, true
}

// CommandLabel returns a single command label.
func (s *Store) CommandLabel(entID int, cmdID byte) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	label, ok := s.commands[lo(entID)][cmdID]
	return label, ok
}

// ReplaceActivityMacros swaps in the freshly decoded macro list for an
// activity.
func (s *Store) ReplaceActivityMacros(activityID int, entries []MacroEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.macros[lo(activityID)] = append([]MacroEntry(nil), entries...)
}

// ActivityMacros returns the cached macros for an activity.
func (s *Store) ActivityMacros(activityID int) ([]MacroEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.macros[lo(activityID)]
	if !ok {
		return nil, false
	}
	return append([]MacroEntry(nil), entries...), true
}

// RecordActivityMember notes that a device participates in an activity.
func (s *Store) RecordActivityMember(activityID, deviceID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	act := lo(activityID)
	set, ok := s.members[act]
	if !ok {
		set = make(map[byte]struct{})
		s.members[act] = set
	}
	set[lo(deviceID)] = struct{}{}
}

// ActivityMembers returns the sorted device ids known to belong to an
// activity.
func (s *Store) ActivityMembers(activityID int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[lo(activityID)]
	out := make([]byte, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActivityCommandRefs returns the (device, command) pairs referenced by an
// activity's favorite rows.
func (s *Store) ActivityCommandRefs(activityID int) [][2]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.commandRefs[lo(activityID)]
	out := make([][2]byte, 0, len(refs))
	for ref := range refs {
		out = append(out, [2]byte{ref.Dev, ref.Cmd})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// RecordActivityMapping stores an explicit, activity-map-sourced favorite
// slot. It supersedes any keymap-sourced slot for the same (device, command).
func (s *Store) RecordActivityMapping(activityID, deviceID int, commandID, buttonID byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFavoriteSlotLocked(lo(activityID), FavoriteSlot{
		ButtonID:  buttonID,
		DeviceID:  lo(deviceID),
		CommandID: commandID,
		Source:    SourceActivityMap,
	})
}

func (s *Store) recordFavoriteSlotLocked(act byte, slot FavoriteSlot) {
	slots := s.favoriteSlots[act]
	for i, existing := range slots {
		if existing.DeviceID != slot.DeviceID || existing.CommandID != slot.CommandID {
			continue
		}
		// Explicit mapping data wins over heuristically parsed keymap rows,
		// never the other way around.
		if existing.Source == SourceActivityMap && slot.Source == SourceKeymap {
			return
		}
		slots[i] = slot
		return
	}
	s.favoriteSlots[act] = append(slots, slot)
}

// ActivityFavoriteSlots returns the favorite slots known for an activity.
func (s *Store) ActivityFavoriteSlots(activityID int) []FavoriteSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FavoriteSlot(nil), s.favoriteSlots[lo(activityID)]...)
}

// RecordFavoriteLabel caches a resolved label for a favorite's
// (device, command) pair.
func (s *Store) RecordFavoriteLabel(activityID, deviceID int, commandID byte, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	act := lo(activityID)
	m, ok := s.favoriteLabels[act]
	if !ok {
		m = make(map[devCmd]string)
		s.favoriteLabels[act] = m
	}
	key := devCmd{Dev: lo(deviceID), Cmd: commandID}
	if label == "" {
		if _, exists := m[key]; exists {
			return
		}
	}
	m[key] = label
}

// FavoriteLabel returns a cached favorite label.
func (s *Store) FavoriteLabel(activityID, deviceID int, commandID byte) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	label, ok := s.favoriteLabels[lo(activityID)][devCmd{Dev: lo(deviceID), Cmd: commandID}]
	return label, ok
}

// ActivityFavoriteLabels joins favorite slots with their resolved labels.
// Slots with no label yet are included with an empty label.
func (s *Store) ActivityFavoriteLabels(activityID int) []FavoriteLabel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	act := lo(activityID)
	labels := s.favoriteLabels[act]
	out := make([]FavoriteLabel, 0, len(s.favoriteSlots[act]))
	for _, slot := range s.favoriteSlots[act] {
		out = append(out, FavoriteLabel{
			ButtonID:  slot.ButtonID,
			DeviceID:  slot.DeviceID,
			CommandID: slot.CommandID,
			Label:     labels[devCmd{Dev: slot.DeviceID, Cmd: slot.CommandID}],
		})
	}
	return out
}

// RecordVirtualDevice registers a proxy-created IP device and optionally one
// of its buttons.
func (s *Store) RecordVirtualDevice(dev VirtualDevice, buttonID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := dev.DeviceID
	if dev.Brand == "" {
		dev.Brand = "Virtual HTTP"
	}
	s.devices[id] = Device{Name: dev.Name, Brand: dev.Brand}
	if buttonID >= 0 {
		s.addButtonLocked(id, lo(buttonID))
		m, ok := s.ipButtons[id]
		if !ok {
			m = make(map[byte]VirtualDevice)
			s.ipButtons[id] = m
		}
		m[lo(buttonID)] = dev
	}
	s.ipDevices[id] = dev
}

// VirtualDeviceFor returns the IP device metadata for an id.
func (s *Store) VirtualDeviceFor(deviceID int) (VirtualDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.ipDevices[lo(deviceID)]
	return d, ok
}

// VirtualButton returns the IP command bound to one button of a virtual
// device.
func (s *Store) VirtualButton(deviceID int, buttonID byte) (VirtualDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.ipButtons[lo(deviceID)][buttonID]
	return d, ok
}

// VirtualButtons returns all IP commands bound to a virtual device's
// buttons, keyed by button id.
func (s *Store) VirtualButtons(deviceID int) map[byte]VirtualDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[byte]VirtualDevice, len(s.ipButtons[lo(deviceID)]))
	for id, d := range s.ipButtons[lo(deviceID)] {
		out[id] = d
	}
	return out
}

// RecordAppActivation remembers the most recent command activation seen from
// the vendor app. Only one record is retained.
func (s *Store) RecordAppActivation(a Activation) Activation {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivation = &a
	return a
}

// AppActivations returns the retained activation history (at most one entry).
func (s *Store) AppActivations() []Activation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastActivation == nil {
		return nil
	}
	return []Activation{*s.lastActivation}
}

// ParseDeviceCommands decodes command records from a reassembled burst. When
// nothing matches the expected device id, it scans for a control block and
// treats the byte before it as the device id; some hubs omit the id prefix.
func (s *Store) ParseDeviceCommands(payload []byte, deviceID int) map[byte]string {
	found := make(map[byte]string)
	for _, rec := range assemble.CommandRecords(payload, lo(deviceID)) {
		if _, ok := found[rec.CommandID]; !ok && rec.Label != "" {
			found[rec.CommandID] = rec.Label
		}
	}
	if len(found) == 0 && len(payload) >= 9 {
		inferred := -1
		for i := 0; i+8 <= len(payload); i++ {
			if assemble.MatchesControlBlock(payload[i+1 : i+8]) {
				inferred = int(payload[i])
				break
			}
		}
		if inferred >= 0 {
			for _, rec := range assemble.CommandRecords(payload, byte(inferred)) {
				if _, ok := found[rec.CommandID]; !ok && rec.Label != "" {
					found[rec.CommandID] = rec.Label
				}
			}
		}
	}
	return found
}

// ClearEntity drops cached data for one entity. The flags control which of
// the activity-scoped caches go with it.
func (s *Store) ClearEntity(entID int, clearButtons, clearFavorites, clearMacros bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent := lo(entID)
	delete(s.commands, ent)
	if clearButtons {
		delete(s.buttons, ent)
	}
	if clearFavorites {
		delete(s.commandRefs, ent)
		delete(s.favoriteSlots, ent)
		delete(s.members, ent)
		delete(s.favoriteLabels, ent)
	}
	if clearMacros {
		delete(s.macros, ent)
	}
}

// ClearDevice drops all caches for a device id, including virtual-device
// metadata.
func (s *Store) ClearDevice(deviceID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := lo(deviceID)
	delete(s.devices, dev)
	delete(s.buttons, dev)
	delete(s.commands, dev)
	delete(s.ipDevices, dev)
	delete(s.ipButtons, dev)
}

// ClearActivityMappings drops the favorite/member caches for an activity so
// a rewrite can repopulate them.
func (s *Store) ClearActivityMappings(activityID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	act := lo(activityID)
	delete(s.members, act)
	delete(s.commandRefs, act)
	delete(s.favoriteSlots, act)
	delete(s.favoriteLabels, act)
}

// ClearKeymapRemainder drops the partial-record carryover for one activity,
// used when its buttons burst ends.
func (s *Store) ClearKeymapRemainder(activityID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	act := lo(activityID)
	delete(s.keymapRemainders, act)
	delete(s.keymapButtonSeen, act)
}

// ClearKeymapRemainders drops all partial-record carryovers.
func (s *Store) ClearKeymapRemainders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keymapRemainders = make(map[byte][]byte)
	s.keymapButtonSeen = make(map[byte]bool)
}
