package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf16"

	"github.com/m3tac0de/x1proxy/internal/assemble"
	"github.com/m3tac0de/x1proxy/internal/dispatch"
	"github.com/m3tac0de/x1proxy/internal/events"
	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/state"
)

// Write-flow acknowledgement opcodes captured off the hub connection.
const (
	opAckGeneric   = 0x0103
	opAckKeymap    = 0x013E
	opAckMacroSave = 0x0112
	opAckDelete    = 0x0103
	opCreateDevAck = 0x0107
)

// familyActivityInputs carries the input-selection rows of the macro
// assignment wizard.
const familyActivityInputs = 0x47

func familyMatcher(family byte) dispatch.Matcher {
	return func(op uint16) bool { return protocol.OpcodeFamily(op) == family }
}

func (e *Engine) registerHandlers() {
	reg := e.registry

	reg.Register(dispatch.Registration{
		Name:       "catalog-device-row",
		Opcodes:    []uint16{protocol.OpCatalogRowDevice},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleCatalogDeviceRow,
	})
	reg.Register(dispatch.Registration{
		Name:       "catalog-device-row-x1",
		Opcodes:    []uint16{protocol.OpX1Device},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleX1DeviceRow,
	})
	reg.Register(dispatch.Registration{
		Name:       "catalog-activity-row",
		Opcodes:    []uint16{protocol.OpCatalogRowActivity},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleCatalogActivityRow,
	})
	reg.Register(dispatch.Registration{
		Name:       "catalog-activity-row-x1",
		Opcodes:    []uint16{protocol.OpX1Activity},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleX1ActivityRow,
	})
	reg.Register(dispatch.Registration{
		Name:       "ack-ready",
		Opcodes:    []uint16{protocol.OpAckReady},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleAckReady,
	})
	reg.Register(dispatch.Registration{
		Name:       "activate-request",
		Opcodes:    []uint16{protocol.OpReqActivate},
		Directions: []dispatch.Direction{dispatch.DirAppToHub},
		Handler:    e.handleActivateRequest,
	})
	reg.Register(dispatch.Registration{
		Name:       "macro-pages",
		Matchers:   []dispatch.Matcher{familyMatcher(protocol.FamilyMacros)},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleMacroFrame,
	})
	reg.Register(dispatch.Registration{
		Name:       "activity-inputs",
		Matchers:   []dispatch.Matcher{familyMatcher(familyActivityInputs)},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleActivityInputsFrame,
	})
	reg.Register(dispatch.Registration{
		Name:       "activity-map-page",
		Opcodes:    []uint16{protocol.OpActivityMapPage},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleActivityMapPage,
	})
	reg.Register(dispatch.Registration{
		Name:       "keymap-pages",
		Matchers:   []dispatch.Matcher{familyMatcher(protocol.FamilyKeymap)},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleKeymapFrame,
	})
	reg.Register(dispatch.Registration{
		Name:       "device-button-pages",
		Matchers:   []dispatch.Matcher{familyMatcher(protocol.FamilyDevBtns)},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleDevBtnFamily,
	})

	reg.Register(dispatch.Registration{
		Name:       "create-virtual-device",
		Opcodes:    []uint16{protocol.OpCreateDeviceHead},
		Directions: []dispatch.Direction{dispatch.DirAppToHub},
		Handler:    e.handleCreateVirtualDevice,
	})
	reg.Register(dispatch.Registration{
		Name:       "define-ip-command",
		Opcodes:    []uint16{protocol.OpDefineIPCmd},
		Directions: []dispatch.Direction{dispatch.DirAppToHub},
		Handler:    e.handleDefineIPCommand,
	})
	reg.Register(dispatch.Registration{
		Name:       "define-ip-command-existing",
		Opcodes:    []uint16{protocol.OpDefineIPCmdExisting},
		Directions: []dispatch.Direction{dispatch.DirAppToHub},
		Handler:    e.handleDefineExistingIPCommand,
	})
	reg.Register(dispatch.Registration{
		Name:       "ip-command-sync-row",
		Opcodes:    []uint16{protocol.OpIPCmdRowA, protocol.OpIPCmdRowB, protocol.OpIPCmdRowC, protocol.OpIPCmdRowD},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleIPCommandSyncRow,
	})
	reg.Register(dispatch.Registration{
		Name:       "device-save-head",
		Opcodes:    []uint16{protocol.OpDeviceSaveHead},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleDeviceSaveHead,
	})
	reg.Register(dispatch.Registration{
		Name:       "finalize-device",
		Opcodes:    []uint16{protocol.OpFinalizeDevice},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleFinalizeDevice,
	})
	reg.Register(dispatch.Registration{
		Name:       "save-commit",
		Opcodes:    []uint16{protocol.OpSaveCommit, protocol.OpAckSuccess},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleSaveCommit,
	})
	reg.Register(dispatch.Registration{
		Name:       "create-device-ack",
		Opcodes:    []uint16{opCreateDevAck},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleCreateDeviceAck,
	})
	reg.Register(dispatch.Registration{
		Name:       "write-acks",
		Opcodes:    []uint16{opAckGeneric, opAckKeymap, opAckMacroSave},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleWriteAck,
	})
	reg.Register(dispatch.Registration{
		Name:       "hub-banner",
		Opcodes:    []uint16{protocol.OpBanner, protocol.OpWifiFw, protocol.OpInfoBanner},
		Directions: []dispatch.Direction{dispatch.DirHubToApp},
		Handler:    e.handleBanner,
	})
}

// ---------------------------------------------------------------------------
// Catalog rows

func (e *Engine) handleCatalogDeviceRow(f protocol.Frame, _ dispatch.Direction) error {
	e.burst.Refresh("devices", "devices", time.Now())

	if len(f.Payload) < 8 {
		return fmt.Errorf("device row too short: %d bytes", len(f.Payload))
	}
	devID := int(binary.BigEndian.Uint16(f.Payload[6:8]))
	name := decodeUTF16BEField(f.Raw, 36, 60)
	brand := decodeUTF16BEField(f.Raw, 96, 60)

	e.store.UpsertDevice(devID, name, brand)
	e.log.Info().Int("dev", devID).Str("brand", brand).Str("name", name).Msg("device row")
	e.emitCatalogUpdated("devices", devID)
	return nil
}

func (e *Engine) handleX1DeviceRow(f protocol.Frame, _ dispatch.Direction) error {
	e.burst.Refresh("devices", "devices", time.Now())

	p := f.Payload
	if len(p) < 8 {
		return fmt.Errorf("device row too short: %d bytes", len(p))
	}
	devID := int(binary.BigEndian.Uint16(p[6:8]))
	name := asciiField(p, 32, 62)
	brand := asciiField(p, 62, len(p))

	e.store.UpsertDevice(devID, name, brand)
	e.log.Info().Int("dev", devID).Str("brand", brand).Str("name", name).Msg("device row")
	e.emitCatalogUpdated("devices", devID)
	return nil
}

func (e *Engine) handleCatalogActivityRow(f protocol.Frame, _ dispatch.Direction) error {
	e.burst.Refresh("activities", "activities", time.Now())

	p := f.Payload
	if len(p) < 8 {
		return fmt.Errorf("activity row too short: %d bytes", len(p))
	}

	// Row 1 opens a fresh list; any carried-over active hint is stale.
	if p[0] == 1 && e.store.CurrentActivity() >= 0 {
		e.store.SetHint(-1)
	}

	actID := int(binary.BigEndian.Uint16(p[6:8]))
	label := decodeActivityLabel(sliceAt(f.Raw, 36, 128))
	isActive := len(f.Raw) > 35 && f.Raw[35] == 0x01

	e.store.UpsertActivity(actID, label, isActive)
	if isActive {
		e.store.SetHint(actID)
	}

	// The raw row is replayed (with its confirm flag cleared) when a
	// membership change must be re-acknowledged.
	if len(p) >= 120 {
		e.mu.Lock()
		e.activityRowPayloads[byte(actID)] = append([]byte(nil), p...)
		e.mu.Unlock()
	}

	e.log.Info().Int("act", actID).Str("name", label).Bool("active", isActive).Msg("activity row")
	e.emitCatalogUpdated("activities", actID)
	return nil
}

func (e *Engine) handleX1ActivityRow(f protocol.Frame, _ dispatch.Direction) error {
	e.burst.Refresh("activities", "activities", time.Now())

	p := f.Payload
	if len(p) < 8 {
		return fmt.Errorf("activity row too short: %d bytes", len(p))
	}
	if p[0] == 1 && e.store.CurrentActivity() >= 0 {
		e.store.SetHint(-1)
	}

	actID := int(binary.BigEndian.Uint16(p[6:8]))
	label := asciiField(p, 32, len(p))
	isActive := len(f.Raw) > 35 && f.Raw[35] == 0x01
	needsConfirm := len(p) > 95 && p[95] == 0x01

	e.store.UpsertActivityRow(actID, state.Activity{Name: label, Active: isActive, NeedsConfirm: needsConfirm})
	if isActive {
		e.store.SetHint(actID)
	}

	e.log.Info().Int("act", actID).Str("name", label).Bool("active", isActive).
		Bool("needs_confirm", needsConfirm).Msg("activity row")
	e.emitCatalogUpdated("activities", actID)
	return nil
}

// ---------------------------------------------------------------------------
// Session hints

// handleAckReady reacts to the hub's ready signal: with no client around it
// refreshes the catalog, otherwise it just settles the current activity.
func (e *Engine) handleAckReady(protocol.Frame, dispatch.Direction) error {
	if e.CanIssueCommands() {
		e.log.Info().Msg("hub ready; refreshing activity catalog")
		e.RequestActivities()
		if hint := e.store.CurrentActivity(); hint >= 0 {
			e.RequestButtonsForEntity(hint)
			if e.opts.HubVersion != HubVersionX1 {
				e.RequestCommandsForEntity(hint)
			}
		}
		return nil
	}

	current, previous := e.store.UpdateActivityState()
	if current != previous {
		e.bus.Emit(context.Background(), events.Event{
			Type:   events.EventActivityChanged,
			Source: "engine",
			Payload: events.ActivityChangedPayload{
				ActivityID:   current,
				PreviousID:   previous,
				ActivityName: e.store.ActivityName(current),
			},
		})
	}
	return nil
}

func (e *Engine) handleActivateRequest(f protocol.Frame, dir dispatch.Direction) error {
	if len(f.Payload) != 2 {
		return nil
	}
	entID, code := f.Payload[0], f.Payload[1]

	var kind, name string
	switch {
	case hasKey(e.store.Activities(), entID):
		kind = "activity"
		name = e.store.ActivityName(int(entID))
		if code == protocol.ButtonPowerOn {
			e.store.SetHint(int(entID))
		}
	case hasKey(e.store.Devices(), entID):
		kind = "device"
		if d, ok := e.store.Device(int(entID)); ok {
			name = d.Name
		}
	default:
		kind = "unknown"
	}

	cmdLabel, _ := e.store.CommandLabel(int(entID), code)
	btnLabel := ""
	if cmdLabel == "" {
		btnLabel = protocol.ButtonName(code)
	}

	e.log.Info().
		Str("dir", string(dir)).
		Str("kind", kind).
		Uint8("ent", entID).
		Str("name", name).
		Uint8("key", code).
		Str("cmd", cmdLabel).
		Str("btn", btnLabel).
		Msg("activation")

	e.RecordAppActivation(state.Activation{
		Direction:    string(dir),
		EntityID:     entID,
		EntityKind:   kind,
		EntityName:   name,
		CommandID:    code,
		CommandLabel: cmdLabel,
		ButtonLabel:  btnLabel,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Macro pages

func (e *Engine) handleMacroFrame(f protocol.Frame, _ dispatch.Direction) error {
	now := time.Now()
	completed := e.macros.Feed(f.Payload, f.Raw)

	// Header frames double as macro snapshots for the assignment write
	// flows; stash them keyed by (activity, button).
	if len(f.Payload) >= 8 && f.Payload[2] == 0x01 && (f.Payload[5] == 0x01 || f.Payload[5] == 0x02) {
		e.macroPayloads.put(f.Payload[6], f.Payload[7], f.Payload)
	}

	kind := "macros"
	if hint := e.macros.LastActivity(); hint >= 0 {
		kind = fmt.Sprintf("macros:%d", byte(hint))
	}
	e.burst.Refresh("macros", kind, now)

	if len(completed) == 0 {
		return nil
	}

	grouped := make(map[byte][]state.MacroEntry)
	for _, done := range completed {
		for _, rec := range assemble.DecodeMacroRecords(done.Data, done.DevID) {
			grouped[rec.ActivityID] = append(grouped[rec.ActivityID], state.MacroEntry{
				CommandID: rec.ButtonCode,
				Label:     rec.Label,
			})
		}
	}
	for act, entries := range grouped {
		e.store.ReplaceActivityMacros(int(act), entries)
		e.mu.Lock()
		e.macrosComplete[act] = struct{}{}
		delete(e.pendingMacros, act)
		e.mu.Unlock()
		e.log.Info().Uint8("act", act).Int("macros", len(entries)).Msg("macros decoded")
		e.emitCatalogUpdated("macros", int(act))
	}
	return nil
}

func (e *Engine) handleActivityInputsFrame(protocol.Frame, dispatch.Direction) error {
	e.activityInputs.bump()
	return nil
}

// ---------------------------------------------------------------------------
// Activity favorites mapping

func (e *Engine) handleActivityMapPage(f protocol.Frame, _ dispatch.Direction) error {
	p := f.Payload
	if len(p) < 8 {
		return nil
	}

	act, ok := e.activityMapTarget()
	if !ok {
		return nil
	}

	devID := binary.BigEndian.Uint16(p[6:8])
	dev := byte(devID)
	if dev == 0 {
		return nil
	}

	e.store.RecordActivityMember(int(act), int(dev))

	kind := fmt.Sprintf("activity_map:%d", act)
	e.burst.Refresh(kind, kind, time.Now())

	entries := parseActivityMapEntries(p, dev)
	if len(entries) == 0 {
		return nil
	}
	for _, entry := range entries {
		e.store.RecordActivityMapping(int(act), int(dev), entry[1], entry[0])
	}
	e.log.Info().Uint8("act", act).Uint8("dev", dev).Int("mapped", len(entries)).Msg("activity map page")
	e.emitCatalogUpdated("favorites", int(act))
	return nil
}

// activityMapTarget names the activity the current mapping burst belongs
// to: the burst kind when one is running, else any pending request.
func (e *Engine) activityMapTarget() (byte, bool) {
	if act, _, ok := splitBurstKind(e.burst.Kind(), "activity_map"); ok {
		return act, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for act := range e.pendingActivityMap {
		return act, true
	}
	return 0, false
}

// parseActivityMapEntries scans the page's trailing region for
// (dev, slot, cmd, terminator) quads. Slots above 0x20 and command bytes
// that are padding markers are skipped.
func parseActivityMapEntries(payload []byte, dev byte) [][2]byte {
	if len(payload) <= 92 {
		return nil
	}
	extra := payload[92:]

	var entries [][2]byte
	seen := make(map[[2]byte]struct{})
	for i := 0; i+3 < len(extra); i++ {
		if extra[i] != dev {
			continue
		}
		slot, cmd, term := extra[i+1], extra[i+2], extra[i+3]
		if cmd == 0x00 || cmd == 0xFC {
			continue
		}
		if slot > 0x20 {
			continue
		}
		if term != 0x00 && term != 0xFC {
			continue
		}
		entry := [2]byte{slot, cmd}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		entries = append(entries, entry)
	}
	return entries
}

// ---------------------------------------------------------------------------
// Keymap pages

// activityIndexFor returns where in the raw frame the activity id sits for
// a keymap opcode.
func activityIndexFor(op uint16) int {
	switch op {
	case protocol.OpKeymapCont, protocol.OpKeymapTblD, protocol.OpKeymapTblF, protocol.OpKeymapExtra:
		return 16
	}
	return 11
}

func isKeymapOpcode(op uint16) bool {
	switch op {
	case protocol.OpKeymapCont, protocol.OpKeymapTblA, protocol.OpKeymapTblB,
		protocol.OpKeymapTblC, protocol.OpKeymapTblD, protocol.OpKeymapTblE,
		protocol.OpKeymapTblF, protocol.OpKeymapTblG, protocol.OpKeymapExtra:
		return true
	}
	return false
}

func (e *Engine) handleKeymapFrame(f protocol.Frame, _ dispatch.Direction) error {
	now := time.Now()

	burstAct, _, fromBurst := splitBurstKind(e.burst.Kind(), "buttons")

	act := -1
	if fromBurst {
		act = int(burstAct)
	} else if idx := activityIndexFor(f.Opcode); len(f.Raw) > idx {
		act = int(f.Raw[idx])
	}
	if act < 0 {
		act = inferKeymapActivity(f.Payload)
	}
	if act < 0 {
		return nil
	}

	looksLikeKeymap := looksLikeKeymapPayload(f.Payload, byte(act))

	// Other bursts reuse some of these frame shapes; only claim the frame
	// when the payload matches a known keymap layout or a buttons burst is
	// already running.
	if e.burst.Active() && !strings.HasPrefix(e.burst.Kind(), "buttons:") && !looksLikeKeymap {
		return nil
	}
	if !looksLikeKeymap && (!fromBurst || !isKeymapOpcode(f.Opcode)) {
		return nil
	}

	kind := fmt.Sprintf("buttons:%d", act)
	e.burst.Refresh(kind, kind, now)

	e.store.AccumulateKeymap(act, f.Payload)

	if codes, ok := e.store.Buttons(act); ok {
		e.log.Info().Int("act", act).Int("buttons", len(codes)).Msg("keymap page")
	}
	e.emitCatalogUpdated("buttons", act)
	return nil
}

// inferKeymapActivity guesses the activity from an (act, button-code) byte
// pair anywhere in the payload. Returns -1 when none is found.
func inferKeymapActivity(payload []byte) int {
	for i := 0; i+1 < len(payload); i++ {
		if protocol.IsButtonCode(payload[i+1]) {
			return int(payload[i])
		}
	}
	return -1
}

// looksLikeKeymapPayload checks for either an (act, button-code) adjacency
// or the 18-byte favorite record layout with its zero runs.
func looksLikeKeymapPayload(payload []byte, act byte) bool {
	for i := 0; i+1 < len(payload); i++ {
		if payload[i] == act && protocol.IsButtonCode(payload[i+1]) {
			return true
		}
	}
	const recordSize = 18
	for i := 0; i+recordSize <= len(payload); i++ {
		if payload[i] != act {
			continue
		}
		if allZero(payload[i+3:i+7]) && allZero(payload[i+12:i+18]) {
			return true
		}
	}
	return false
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Device command pages

// isProbableHeader identifies header pages when only the family matched.
func isProbableHeader(payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	return payload[2] == 1 && binary.BigEndian.Uint16(payload[4:6]) > 1
}

// isProbableSingle identifies single-command responses within the family.
func isProbableSingle(payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	return payload[2] == 1 && binary.BigEndian.Uint16(payload[4:6]) <= 1
}

// extractDevID determines the device a command-burst frame belongs to.
func extractDevID(raw, payload []byte, op uint16) byte {
	if op == protocol.OpDevBtnSingle && len(payload) > 7 &&
		len(payload) >= 6 && string(payload[:6]) == "\x01\x00\x01\x01\x00\x01" {
		return payload[7]
	}
	switch op {
	case protocol.OpDevBtnHeader, protocol.OpDevBtnPageAlt1, protocol.OpDevBtnPageAlt2,
		protocol.OpDevBtnPageAlt3, protocol.OpDevBtnPageAlt4, protocol.OpDevBtnPageAlt5,
		protocol.OpDevBtnPageAlt6:
		if len(raw) > 11 {
			return raw[11]
		}
	}
	if len(payload) >= 4 {
		return payload[3]
	}
	return 0
}

// inferCommandEntity guesses the device of a command burst from the burst
// kind, falling back to the payload's id byte.
func (e *Engine) inferCommandEntity(payload []byte) byte {
	if ent, _, ok := splitBurstKind(e.burst.Kind(), "commands"); ok {
		return ent
	}
	if len(payload) >= 8 {
		return payload[7]
	}
	return 0
}

func (e *Engine) handleDevBtnFamily(f protocol.Frame, _ dispatch.Direction) error {
	if f.Opcode == protocol.OpDeviceSaveHead {
		// Save-head frames share the family but belong to device creation.
		return nil
	}
	switch {
	case f.Opcode == protocol.OpDevBtnSingle || isProbableSingle(f.Payload):
		return e.handleDevBtnSingle(f)
	case f.Opcode == protocol.OpDevBtnHeader || f.Opcode == protocol.OpDevBtnPageAlt1 || isProbableHeader(f.Payload):
		return e.handleDevBtnHeader(f)
	default:
		return e.handleDevBtnPage(f)
	}
}

func (e *Engine) handleDevBtnSingle(f protocol.Frame) error {
	if len(f.Payload) < 4 {
		return nil
	}

	effectiveOp := f.Opcode
	if protocol.OpcodeFamily(f.Opcode) == protocol.FamilyDevBtns {
		effectiveOp = protocol.OpDevBtnSingle
	}

	dev := extractDevID(f.Raw, f.Payload, effectiveOp)

	now := time.Now()
	e.burst.Refresh("commands:", fmt.Sprintf("commands:%d", dev), now)

	for _, done := range e.commands.Feed(effectiveOp, f.Raw, int(dev)) {
		commands := e.store.ParseDeviceCommands(done.Data, int(done.DevID))
		if len(commands) == 0 {
			continue
		}
		for cmd, label := range commands {
			e.recordSingleCommandLabel(done.DevID, cmd, label)
		}
		e.emitCatalogUpdated("commands", int(done.DevID))
	}
	return nil
}

// recordSingleCommandLabel stores one resolved command label and satisfies
// any favorite-label request waiting on it. When the response id doesn't
// match the request but exactly one request is pending for the device, the
// label answers that request too; hubs echo a different id for some
// commands.
func (e *Engine) recordSingleCommandLabel(dev, cmd byte, label string) {
	pair := devCmd{dev: dev, cmd: cmd}

	e.mu.Lock()
	if waiting, ok := e.favoriteLabelRequests[pair]; ok {
		acts := keys(waiting)
		delete(e.favoriteLabelRequests, pair)
		e.mu.Unlock()
		for _, act := range acts {
			e.store.RecordFavoriteLabel(int(act), int(dev), cmd, label)
		}
		return
	}

	var pendingForDevice []devCmd
	for candidate := range e.favoriteLabelRequests {
		if candidate.dev == dev {
			pendingForDevice = append(pendingForDevice, candidate)
		}
	}

	if len(pendingForDevice) == 1 {
		pending := pendingForDevice[0]
		acts := keys(e.favoriteLabelRequests[pending])
		delete(e.favoriteLabelRequests, pending)
		e.mu.Unlock()
		for _, act := range acts {
			e.store.RecordFavoriteLabel(int(act), int(dev), pending.cmd, label)
		}
		e.store.SetCommandLabel(int(dev), cmd, label)
		e.store.SetCommandLabel(int(dev), pending.cmd, label)
		return
	}
	e.mu.Unlock()

	e.store.SetCommandLabel(int(dev), cmd, label)
}

func (e *Engine) handleDevBtnHeader(f protocol.Frame) error {
	if len(f.Payload) < 4 {
		return nil
	}
	dev := extractDevID(f.Raw, f.Payload, f.Opcode)
	e.burst.Start(fmt.Sprintf("commands:%d", dev), time.Now())
	e.feedCommandPages(f.Opcode, f.Raw, dev)
	return nil
}

func (e *Engine) handleDevBtnPage(f protocol.Frame) error {
	if len(f.Payload) < 4 {
		return nil
	}
	if f.Opcode == protocol.OpDevBtnHeader || f.Opcode == protocol.OpDevBtnPageAlt1 {
		return nil
	}

	dev := e.inferCommandEntity(f.Payload)

	now := time.Now()
	if !e.burst.Active() {
		e.burst.Start(fmt.Sprintf("commands:%d", dev), now)
	} else {
		e.burst.Touch(now)
	}

	e.feedCommandPages(f.Opcode, f.Raw, dev)
	return nil
}

func (e *Engine) feedCommandPages(op uint16, raw []byte, dev byte) {
	for _, done := range e.commands.Feed(op, raw, int(dev)) {
		commands := e.store.ParseDeviceCommands(done.Data, int(done.DevID))
		if len(commands) == 0 {
			continue
		}
		for cmd, label := range commands {
			e.store.SetCommandLabel(int(done.DevID), cmd, label)
		}
		e.log.Info().Uint8("dev", done.DevID).Int("commands", len(commands)).Msg("command list decoded")
		e.emitCatalogUpdated("commands", int(done.DevID))
	}
}

// ---------------------------------------------------------------------------
// Virtual device creation traffic

func (e *Engine) handleCreateVirtualDevice(f protocol.Frame, _ dispatch.Direction) error {
	name := assemble.DecodeUTF16LESegment(f.Payload, 0, 64)
	if name == "" {
		name = assemble.DecodeUTF16LESegment(f.Payload, 0, -1)
	}
	e.pendingVirtual.start(VirtualPending{DeviceName: name})
	e.log.Info().Str("device", name).Int("bytes", len(f.Payload)).Msg("virtual device create observed")
	return nil
}

func (e *Engine) handleDefineIPCommand(f protocol.Frame, _ dispatch.Direction) error {
	buttonName := assemble.DecodeUTF16LESegment(f.Payload, 0, 64)
	if buttonName == "" {
		buttonName = assemble.DecodeUTF16LESegment(f.Payload, 0, -1)
	}
	cmd := assemble.ParseIPCommandFields(sliceFrom(f.Payload, 64))
	e.pendingVirtual.update(func(p *VirtualPending) {
		p.ButtonName = buttonName
		mergeIPCommand(p, cmd)
	})
	e.log.Info().Str("button", buttonName).Str("method", cmd.Method).Str("url", cmd.URL).
		Msg("ip command definition observed")
	return nil
}

func (e *Engine) handleDefineExistingIPCommand(f protocol.Frame, _ dispatch.Direction) error {
	buttonName := assemble.DecodeUTF16LESegment(f.Payload, 16, 64)
	if buttonName == "" {
		buttonName = assemble.DecodeUTF16LESegment(f.Payload, 16, -1)
	}
	cmd := assemble.ParseIPCommandFields(sliceFrom(f.Payload, 64))
	e.pendingVirtual.update(func(p *VirtualPending) {
		p.ButtonName = buttonName
		mergeIPCommand(p, cmd)
	})
	e.log.Info().Str("button", buttonName).Str("method", cmd.Method).Str("url", cmd.URL).
		Msg("ip command addition observed")
	return nil
}

func (e *Engine) handleIPCommandSyncRow(f protocol.Frame, _ dispatch.Direction) error {
	p := f.Payload
	now := time.Now()
	e.burst.Refresh("commands:", "commands", now)
	if len(p) > 6 {
		e.burst.Refresh("commands:", fmt.Sprintf("commands:%d", p[6]), now)
	}
	if len(p) <= 6 {
		return nil
	}

	dev := p[6]
	buttonID := -1
	if len(p) > 7 {
		buttonID = int(p[7])
	}

	buttonName := assemble.DecodeUTF16LESegment(p, 16, 64)
	if buttonName == "" {
		buttonName = assemble.DecodeUTF16LESegment(p, 16, -1)
	}
	cmd := assemble.ParseIPCommandFields(sliceFrom(p, 64))

	name := ""
	if d, ok := e.store.Device(int(dev)); ok {
		name = d.Name
	}
	if name == "" {
		name = fmt.Sprintf("Device %d", dev)
	}

	e.store.RecordVirtualDevice(state.VirtualDevice{
		DeviceID:   dev,
		Name:       name,
		ButtonName: buttonName,
		Method:     cmd.Method,
		URL:        cmd.URL,
		Headers:    cmd.Headers,
	}, buttonID)

	e.log.Info().Uint8("dev", dev).Int("btn", buttonID).Str("name", buttonName).
		Str("method", cmd.Method).Str("url", cmd.URL).Msg("ip command sync row")
	return nil
}

func (e *Engine) handleDeviceSaveHead(f protocol.Frame, _ dispatch.Direction) error {
	p := f.Payload
	if len(p) < 2 {
		return nil
	}
	devID := int(binary.BigEndian.Uint16(p[:2]))
	buttonID := -1
	if len(p) > 2 {
		buttonID = int(p[2])
	}
	snapshot := e.pendingVirtual.update(func(v *VirtualPending) {
		v.DeviceID = devID
		if buttonID >= 0 {
			v.ButtonID = buttonID
		}
	})
	e.recordPendingVirtual(snapshot)
	e.log.Info().Int("dev", devID).Int("btn", buttonID).Msg("hub assigned virtual device id")
	return nil
}

func (e *Engine) handleFinalizeDevice(f protocol.Frame, _ dispatch.Direction) error {
	p := f.Payload
	if len(p) < 3 {
		return nil
	}
	devID := int(binary.BigEndian.Uint16(p[:2]))
	buttonID := int(p[2])
	snapshot := e.pendingVirtual.update(func(v *VirtualPending) {
		v.DeviceID = devID
		v.ButtonID = buttonID
	})
	e.recordPendingVirtual(snapshot)
	return nil
}

func (e *Engine) handleSaveCommit(protocol.Frame, dispatch.Direction) error {
	if !e.pendingVirtual.active() {
		return nil
	}
	snapshot := e.pendingVirtual.update(func(v *VirtualPending) {
		v.Status = "success"
	})
	e.recordPendingVirtual(snapshot)
	e.log.Info().Msg("virtual device save committed")
	return nil
}

func mergeIPCommand(p *VirtualPending, cmd assemble.IPCommand) {
	if cmd.Method != "" {
		p.Method = cmd.Method
	}
	if cmd.URL != "" {
		p.URL = cmd.URL
	}
	if len(cmd.Headers) > 0 {
		p.Headers = cmd.Headers
	}
}

// recordPendingVirtual persists a pending creation to the store once the hub
// has assigned its device id.
func (e *Engine) recordPendingVirtual(p VirtualPending) {
	if p.DeviceID < 0 || p.DeviceName == "" {
		return
	}
	e.store.RecordVirtualDevice(state.VirtualDevice{
		DeviceID:   byte(p.DeviceID),
		Name:       p.DeviceName,
		ButtonName: p.ButtonName,
		Method:     p.Method,
		URL:        p.URL,
		Headers:    p.Headers,
	}, p.ButtonID)
}

func (e *Engine) handleCreateDeviceAck(f protocol.Frame, _ dispatch.Direction) error {
	if len(f.Payload) < 1 {
		return nil
	}
	e.pendingDevice.assign(f.Payload[0])
	e.acks.notify(f.Opcode, f.Payload)
	e.log.Info().Uint8("dev", f.Payload[0]).Msg("create device ack")
	return nil
}

func (e *Engine) handleWriteAck(f protocol.Frame, _ dispatch.Direction) error {
	e.acks.notify(f.Opcode, f.Payload)
	return nil
}

func (e *Engine) handleBanner(f protocol.Frame, _ dispatch.Direction) error {
	e.log.Debug().Str("opcode", protocol.OpName(f.Opcode)).Int("bytes", len(f.Payload)).Msg("hub banner")
	return nil
}

// ---------------------------------------------------------------------------
// Decode helpers

func (e *Engine) emitCatalogUpdated(section string, entityID int) {
	e.bus.Emit(context.Background(), events.Event{
		Type:    events.EventCatalogUpdated,
		Source:  "engine",
		Payload: events.CatalogUpdatedPayload{Section: section, EntityID: entityID},
	})
}

// decodeUTF16BEField decodes a fixed UTF-16BE name region, NUL-trimmed.
func decodeUTF16BEField(raw []byte, start, length int) string {
	seg := sliceAt(raw, start, start+length)
	if len(seg)%2 == 1 {
		seg = seg[:len(seg)-1]
	}
	units := make([]uint16, 0, len(seg)/2)
	for i := 0; i+1 < len(seg); i += 2 {
		units = append(units, uint16(seg[i])<<8|uint16(seg[i+1]))
	}
	return strings.Trim(string(utf16.Decode(units)), "\x00")
}

// asciiField returns the NUL-terminated ASCII string in payload[start:end].
func asciiField(payload []byte, start, end int) string {
	seg := sliceAt(payload, start, end)
	if i := indexZero(seg); i >= 0 {
		seg = seg[:i]
	}
	return string(seg)
}

func indexZero(b []byte) int {
	for i, v := range b {
		if v == 0 {
			return i
		}
	}
	return -1
}

func sliceAt(b []byte, start, end int) []byte {
	if start >= len(b) {
		return nil
	}
	if end > len(b) {
		end = len(b)
	}
	return b[start:end]
}

func sliceFrom(b []byte, start int) []byte {
	if start >= len(b) {
		return nil
	}
	return b[start:]
}

// decodeActivityLabel decodes the first label from an X1S activity row's
// label region. The text is UTF-16BE but some hubs emit it shifted by one
// byte, so both alignments are decoded and the more plausible one wins.
func decodeActivityLabel(region []byte) string {
	decodeShift := func(shift int) string {
		if shift >= len(region) {
			return ""
		}
		b := region[shift:]
		if len(b)%2 == 1 {
			b = b[:len(b)-1]
		}
		units := make([]uint16, 0, len(b)/2)
		for i := 0; i+1 < len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		s := string(utf16.Decode(units))
		if i := strings.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(strings.Trim(s, "\x00"))
		for len(s) > 0 {
			r := []rune(s)[0]
			if !unicode.IsControl(r) {
				break
			}
			s = strings.TrimSpace(string([]rune(s)[1:]))
		}
		return s
	}

	score := func(s string) int {
		basicLatin, printable := 0, 0
		for _, r := range s {
			if r >= 0x20 && r <= 0x7E {
				basicLatin++
			}
			if unicode.IsPrint(r) {
				printable++
			}
		}
		return basicLatin*2 + printable
	}

	a, b := decodeShift(0), decodeShift(1)
	if score(b) > score(a) || (score(b) == score(a) && len(b) > len(a)) {
		return b
	}
	return a
}

func hasKey[M ~map[byte]V, V any](m M, k byte) bool {
	_, ok := m[k]
	return ok
}

func keys(m map[byte]struct{}) []byte {
	out := make([]byte, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
