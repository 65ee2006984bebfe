package engine

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

// Write-flow frame families. These carry no fixed opcode; the high byte of
// the opcode is the payload length, the low byte the family.
const (
	familyFavoriteMap  = 0x3E
	familyAssignStage  = 0x61
	familyAssignCommit = 0x65
	familyMacroSave    = 0x12
	familyDeleteDevice = 0x09
)

const stepRetryDelay = 150 * time.Millisecond

// writeStep is one frame of a write flow plus the acknowledgement that
// confirms the hub accepted it.
type writeStep struct {
	name       string
	send       func()
	candidates []ackCandidate
	timeout    time.Duration
	retries    int
}

// runStep sends a step and waits for any of its acknowledgement candidates,
// retrying the whole exchange when the hub stays silent.
func (e *Engine) runStep(step writeStep) bool {
	attempts := step.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		e.acks.reset()
		step.send()
		if got, ok := e.acks.waitAny(step.candidates, step.timeout); ok {
			if got.op != step.candidates[0].op {
				e.log.Debug().Str("step", step.name).
					Str("opcode", protocol.OpName(got.op)).Msg("fallback ack matched")
			}
			return true
		}
		e.log.Warn().Str("step", step.name).Int("attempt", attempt).Msg("no ack")
		if attempt < attempts {
			time.Sleep(stepRetryDelay)
		}
	}
	return false
}

func (e *Engine) familyStep(name string, family byte, payload []byte, candidates []ackCandidate, timeout time.Duration, retries int) bool {
	return e.runStep(writeStep{
		name:       name,
		send:       func() { e.sendFamilyFrame(family, payload) },
		candidates: candidates,
		timeout:    timeout,
		retries:    retries,
	})
}

func (e *Engine) opcodeStep(name string, op uint16, payload []byte, candidates []ackCandidate, timeout time.Duration, retries int) bool {
	return e.runStep(writeStep{
		name:       name,
		send:       func() { e.sendFrame(op, payload) },
		candidates: candidates,
		timeout:    timeout,
		retries:    retries,
	})
}

// appendChecksumToken appends the payload-internal token byte some write
// frames carry: the byte sum of everything before it, minus 2.
func appendChecksumToken(payload []byte) []byte {
	sum := 0
	for _, b := range payload {
		sum += int(b)
	}
	return append(payload, byte((sum-2)&0xFF))
}

// buildFavoriteMapPayload builds the favorite-slot assignment record. The
// same layout serves button remaps, with the button code in the slot
// position.
func buildFavoriteMapPayload(act, slot, dev, cmd byte) []byte {
	payload := []byte{
		0x01, 0x00, 0x01, 0x01, 0x00, 0x01,
		act, slot, dev,
		0x00, 0x00, 0x00, 0x00,
		0x4E, 0x20 + cmd, cmd,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	return appendChecksumToken(payload)
}

func buildAssignStagePayload(act byte) []byte {
	payload := []byte{
		0x01, 0x00, 0x01, 0x01, 0x00, 0x01,
		act,
		0x01, 0x01, 0x02, 0x02, 0x03, 0x03, 0x04, 0x04,
	}
	return appendChecksumToken(payload)
}

// commandToSlot writes one assignment record and runs the stage/commit
// sequence that persists it on the hub.
func (e *Engine) commandToSlot(act, slot, dev, cmd byte, firstAck ackCandidate) bool {
	if !e.CanIssueCommands() {
		e.log.Warn().Msg("refusing write: app session active or hub offline")
		return false
	}

	mapPayload := buildFavoriteMapPayload(act, slot, dev, cmd)
	if !e.familyStep("assignment", familyFavoriteMap, mapPayload,
		[]ackCandidate{firstAck, {op: opAckGeneric, firstByte: -1}},
		7500*time.Millisecond, 1) {
		return false
	}
	if !e.familyStep("stage", familyAssignStage, buildAssignStagePayload(act),
		[]ackCandidate{{op: opAckGeneric, firstByte: -1}},
		7500*time.Millisecond, 1) {
		return false
	}
	return e.familyStep("commit", familyAssignCommit, []byte{act},
		[]ackCandidate{{op: opAckGeneric, firstByte: -1}},
		7500*time.Millisecond, 1)
}

// CommandToFavorite assigns a device command to one of an activity's
// favorite slots and refreshes the mapping caches the write invalidates.
func (e *Engine) CommandToFavorite(activityID, slot, deviceID int, commandID byte) bool {
	act, sl, dev := byte(activityID), byte(slot), byte(deviceID)
	e.log.Info().Uint8("act", act).Uint8("slot", sl).Uint8("dev", dev).
		Uint8("cmd", commandID).Msg("writing favorite assignment")

	if !e.commandToSlot(act, sl, dev, commandID, ackCandidate{op: opAckKeymap, firstByte: -1}) {
		return false
	}

	e.ClearEntityCache(activityID, false, true, false)
	e.mu.Lock()
	delete(e.activityMapComplete, act)
	e.mu.Unlock()
	e.RequestActivityMapping(activityID)
	return true
}

// CommandToButton binds a device command to a physical remote button within
// an activity.
func (e *Engine) CommandToButton(activityID int, button byte, deviceID int, commandID byte) bool {
	act, dev := byte(activityID), byte(deviceID)
	e.log.Info().Uint8("act", act).Uint8("btn", button).Uint8("dev", dev).
		Uint8("cmd", commandID).Msg("writing button assignment")

	if !e.commandToSlot(act, button, dev, commandID, ackCandidate{op: opAckKeymap, firstByte: int(button)}) {
		return false
	}

	e.ClearEntityCache(activityID, true, false, false)
	e.mu.Lock()
	delete(e.activityMapComplete, act)
	e.mu.Unlock()
	e.RequestActivityMapping(activityID)
	e.RequestButtonsForEntity(activityID)
	return true
}

// waitActivityMapComplete blocks until the mapping burst for the activity
// has settled, or the timeout elapses.
func (e *Engine) waitActivityMapComplete(act byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		_, done := e.activityMapComplete[act]
		wake := e.activityMapWake
		e.mu.Unlock()
		if done {
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// AddDeviceToActivity enrolls a device in an activity: membership confirms,
// then a rewrite of the activity's power macros so the device participates
// in power on/off.
func (e *Engine) AddDeviceToActivity(activityID, deviceID int) bool {
	if !e.CanIssueCommands() {
		e.log.Warn().Msg("refusing write: app session active or hub offline")
		return false
	}
	act, dev := byte(activityID), byte(deviceID)
	e.log.Info().Uint8("act", act).Uint8("dev", dev).Msg("adding device to activity")

	// The member list must be current before the confirm sequence.
	e.mu.Lock()
	delete(e.activityMapComplete, act)
	delete(e.pendingActivityMap, act)
	e.mu.Unlock()
	e.store.ClearActivityMappings(activityID)
	e.RequestActivityMapping(activityID)
	if !e.waitActivityMapComplete(act, 5*time.Second) {
		e.log.Warn().Uint8("act", act).Msg("activity map burst did not settle")
	}

	members := e.activityMembersForWrite(act, dev)

	for i, member := range members {
		include := byte(0x00)
		if i < 2 {
			include = 0x01
		}
		if !e.opcodeStep("member-confirm", protocol.OpActivityDeviceConfirm,
			[]byte{member, include},
			[]ackCandidate{{op: opAckGeneric, firstByte: -1}},
			7500*time.Millisecond, 1) {
			return false
		}
	}

	allowed := make(map[byte]struct{}, len(members))
	for _, m := range members {
		allowed[m] = struct{}{}
	}

	ok := true
	for _, btn := range []byte{protocol.ButtonPowerOn, protocol.ButtonPowerOff} {
		if !e.rewritePowerMacro(act, dev, btn, allowed) {
			ok = false
		}
	}

	if ok && e.opts.HubVersion == HubVersionX2 {
		ok = e.opcodeStep("assign-commit", protocol.OpActivityAssignCommit,
			[]byte{act, 0x01},
			[]ackCandidate{{op: opAckGeneric, firstByte: -1}},
			7500*time.Millisecond, 1)
	}

	e.ClearEntityCache(activityID, false, false, true)
	return ok
}

// activityMembersForWrite lists the activity's member devices with the new
// device appended. Falls back to favorite-slot devices when no explicit
// membership rows were seen.
func (e *Engine) activityMembersForWrite(act, newDev byte) []byte {
	members := e.store.ActivityMembers(int(act))
	if len(members) == 0 {
		seen := make(map[byte]struct{})
		for _, slot := range e.store.ActivityFavoriteSlots(int(act)) {
			if _, dup := seen[slot.DeviceID]; dup {
				continue
			}
			seen[slot.DeviceID] = struct{}{}
			members = append(members, slot.DeviceID)
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	}
	for _, m := range members {
		if m == newDev {
			return members
		}
	}
	return append(members, newDev)
}

// rewritePowerMacro fetches the current macro page for one power button,
// splices the new device's command into it and saves it back.
func (e *Engine) rewritePowerMacro(act, dev, btn byte, allowed map[byte]struct{}) bool {
	e.macroPayloads.reset()
	e.sendFrame(protocol.OpReqMacroLabels, []byte{act, btn})

	if btn == protocol.ButtonPowerOn {
		// The hub withholds the ON macro until the input-assignment rows
		// have been walked once.
		if _, ok := e.macroPayloads.wait(act, btn, 5*time.Second); !ok {
			e.log.Warn().Uint8("act", act).Msg("no power-on macro page before input walk")
		}
		e.activityInputs.reset()
		e.sendFrame(protocol.OpReqActivityInputs, []byte{0x01})
		if !e.activityInputs.waitIdle(5*time.Second, 350*time.Millisecond, 1) {
			// Some firmwares ack the walk instead of streaming rows.
			if got, ok := e.acks.waitAny([]ackCandidate{{op: opAckGeneric, firstByte: -1}}, time.Second); !ok ||
				len(got.payload) == 0 || (got.payload[0] != 0x00 && got.payload[0] != 0x07) {
				e.log.Warn().Uint8("act", act).Msg("input walk did not settle")
			}
		}
		e.macroPayloads.reset()
		e.sendFrame(protocol.OpReqMacroLabels, []byte{act, btn})
	}

	source, ok := e.macroPayloads.wait(act, btn, 5*time.Second)
	if !ok {
		e.log.Warn().Uint8("act", act).Uint8("btn", btn).Msg("no macro page to rewrite")
		return false
	}

	save := buildMacroSavePayload(source, dev, btn, allowed)
	if save == nil {
		e.log.Warn().Uint8("act", act).Uint8("btn", btn).Msg("macro page layout not recognized")
		return false
	}

	candidates := []ackCandidate{
		{op: opAckMacroSave, firstByte: int(btn)},
		{op: opAckMacroSave, firstByte: 0x01},
	}
	if e.familyStep("macro-save", familyMacroSave, save, candidates, 7500*time.Millisecond, 0) {
		return true
	}
	// Unmodified firmwares accept the original page verbatim.
	return e.familyStep("macro-save-source", familyMacroSave, source, candidates, 7500*time.Millisecond, 0)
}

// macroLabelMarker finds where the button's label text starts in a macro
// page. The label is emitted in ASCII or either UTF-16 byte order depending
// on firmware.
func macroLabelMarker(payload []byte, btn byte) int {
	label := protocol.ButtonName(btn)
	if label == "" {
		return -1
	}

	ascii := []byte(label)
	utf16be := make([]byte, 0, len(label)*2)
	utf16le := make([]byte, 0, len(label)*2)
	for _, c := range ascii {
		utf16be = append(utf16be, 0x00, c)
		utf16le = append(utf16le, c, 0x00)
	}

	best := -1
	for _, marker := range [][]byte{ascii, utf16be, utf16le} {
		idx := bytes.Index(payload, marker)
		if idx > 9 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// macroRecordChunks splits the record region into 10-byte rows. Expanded
// pages interleave each row with a 10-byte flag block of 0x00/0x01/0xFF.
func macroRecordChunks(records []byte) [][]byte {
	isFlagBlock := func(b []byte) bool {
		if b[0] != 0xFF && b[0] != 0x00 {
			return false
		}
		for _, v := range b {
			if v != 0xFF && v != 0x00 && v != 0x01 {
				return false
			}
		}
		return true
	}

	if len(records)%20 == 0 && len(records) > 0 {
		expanded := true
		for i := 10; i+10 <= len(records); i += 20 {
			if !isFlagBlock(records[i : i+10]) {
				expanded = false
				break
			}
		}
		if expanded {
			var rows [][]byte
			for i := 0; i+10 <= len(records); i += 20 {
				rows = append(rows, records[i:i+10])
			}
			return rows
		}
	}
	if len(records)%10 == 0 {
		var rows [][]byte
		for i := 0; i+10 <= len(records); i += 10 {
			rows = append(rows, records[i:i+10])
		}
		return rows
	}
	return nil
}

// buildMacroSavePayload rewrites a macro page so the new device's power
// command is present, keeping only rows that belong to member devices.
// Returns nil when the page layout is not recognized.
func buildMacroSavePayload(source []byte, dev, btn byte, allowed map[byte]struct{}) []byte {
	idx := macroLabelMarker(source, btn)
	if idx < 0 || len(source) < 10 {
		return nil
	}

	head := append([]byte(nil), source[:9]...)
	rows := macroRecordChunks(source[9:idx])
	tail := append([]byte(nil), source[idx:]...)
	if rows == nil {
		return nil
	}

	var kept [][]byte
	for _, row := range rows {
		rowDev, rowCmd := row[0], row[1]
		if rowDev == 0x00 || rowDev == 0xFF || rowCmd == 0x00 || rowCmd == 0xFF {
			continue
		}
		kept = append(kept, row)
	}

	// Metadata rows ride at the end of the record region and must stay in
	// front of the label text, not be treated as command steps.
	isMetadata := func(row []byte) bool {
		if row[0] > 0x20 && row[1] > 0x20 {
			return true
		}
		return row[0] > 0x20 && allZero(row[2:])
	}
	var trailer []byte
	for len(kept) > 0 && isMetadata(kept[len(kept)-1]) {
		last := kept[len(kept)-1]
		kept = kept[:len(kept)-1]
		trailer = append(append([]byte(nil), last...), trailer...)
	}

	var filtered [][]byte
	have := make(map[[2]byte]struct{})
	for _, row := range kept {
		if _, ok := allowed[row[0]]; !ok {
			continue
		}
		filtered = append(filtered, row)
		have[[2]byte{row[0], row[1]}] = struct{}{}
	}

	var required [][2]byte
	if btn == protocol.ButtonPowerOn {
		required = [][2]byte{{dev, protocol.ButtonPowerOn}, {dev, 0xC5}}
	} else {
		required = [][2]byte{{dev, protocol.ButtonPowerOff}}
	}
	for _, pair := range required {
		if _, ok := have[pair]; ok {
			continue
		}
		row := make([]byte, 10)
		row[0], row[1] = pair[0], pair[1]
		row[9] = 0xFF
		filtered = append(filtered, row)
	}

	head[8] = byte(len(filtered))

	out := head
	for _, row := range filtered {
		out = append(out, row...)
	}
	out = append(out, trailer...)
	out = append(out, tail...)

	sum := 0
	for _, b := range out[:len(out)-1] {
		sum += int(b)
	}
	out[len(out)-1] = byte((sum - 2) & 0xFF)
	return out
}

// clearConfirmFlag zeroes the pending-confirm marker inside a cached
// activity row so it can be replayed as an acknowledgement. The marker sits
// after the last 0xFC pair in the row's trailing region.
func clearConfirmFlag(row []byte) []byte {
	out := append([]byte(nil), row...)
	last := -1
	start := len(out) - 80
	if start < 0 {
		start = 0
	}
	for i := start; i < len(out)-3; i++ {
		if out[i] == 0xFC && out[i+2] == 0xFC {
			last = i
		}
	}
	if last >= 0 && last+3 < len(out) {
		out[last+3] = 0x00
	}
	return out
}

// DeleteDevice removes a device from the hub, then re-acknowledges every
// activity the hub flags as needing confirmation of the changed membership.
func (e *Engine) DeleteDevice(deviceID int) bool {
	if !e.CanIssueCommands() {
		e.log.Warn().Msg("refusing write: app session active or hub offline")
		return false
	}
	dev := byte(deviceID)
	e.log.Info().Uint8("dev", dev).Msg("deleting device")

	defer func() {
		e.store.ClearDevice(deviceID)
		e.mu.Lock()
		delete(e.pendingCommands, dev)
		delete(e.commandsComplete, dev)
		e.mu.Unlock()
	}()

	// Deletion rewrites hub flash; the ack can take a long while.
	if !e.familyStep("delete", familyDeleteDevice, []byte{dev},
		[]ackCandidate{{op: opAckDelete, firstByte: -1}},
		30*time.Second, 0) {
		return false
	}

	e.RequestActivities()
	if !e.waitBurstSettled(5 * time.Second) {
		e.log.Warn().Msg("activity refresh did not settle after delete")
	}

	ok := true
	for _, act := range e.store.ActivitiesNeedingConfirm() {
		if !e.confirmActivityRow(act) {
			ok = false
			continue
		}
		e.store.SetActivityConfirmed(int(act))
		e.ClearEntityCache(int(act), true, true, true)
	}
	return ok
}

// confirmActivityRow replays the activity's cached catalog row, with its
// confirm flag cleared, back at the hub.
func (e *Engine) confirmActivityRow(act byte) bool {
	e.mu.Lock()
	row := e.activityRowPayloads[act]
	e.mu.Unlock()
	if len(row) < 120 {
		e.log.Warn().Uint8("act", act).Msg("no cached activity row to confirm")
		return false
	}

	return e.opcodeStep(fmt.Sprintf("confirm-activity-%d", act),
		protocol.OpActivityAssignFinalize, clearConfirmFlag(row),
		[]ackCandidate{{op: opAckGeneric, firstByte: -1}},
		7500*time.Millisecond, 1)
}
