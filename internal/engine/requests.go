package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/m3tac0de/x1proxy/internal/events"
	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/state"
)

// RequestDevices asks the hub for its device catalog.
func (e *Engine) RequestDevices() bool {
	return e.enqueueCmd(protocol.OpReqDevices, nil, true, "devices")
}

// RequestActivities asks the hub for its activity catalog.
func (e *Engine) RequestActivities() bool {
	return e.enqueueCmd(protocol.OpReqActivities, nil, true, "activities")
}

// RequestButtonsForEntity asks for the button map of one entity. Duplicate
// requests are suppressed until the response burst finishes.
func (e *Engine) RequestButtonsForEntity(entID int) bool {
	ent := byte(entID)
	e.mu.Lock()
	if _, pending := e.pendingButtons[ent]; pending {
		e.mu.Unlock()
		return true
	}
	e.pendingButtons[ent] = struct{}{}
	e.mu.Unlock()

	return e.enqueueCmd(protocol.OpReqButtons, []byte{ent, 0xFF}, true, fmt.Sprintf("buttons:%d", ent))
}

// RequestCommandsForEntity asks for the full command list of one entity.
func (e *Engine) RequestCommandsForEntity(entID int) bool {
	ent := byte(entID)
	e.mu.Lock()
	pending := e.pendingCommands[ent]
	if pending == nil {
		pending = make(map[int]struct{})
		e.pendingCommands[ent] = pending
	}
	if _, full := pending[0xFF]; full {
		e.mu.Unlock()
		return true
	}
	pending[0xFF] = struct{}{}
	e.mu.Unlock()

	return e.enqueueCmd(protocol.OpReqCommands, []byte{ent, 0xFF}, true, fmt.Sprintf("commands:%d", ent))
}

// RequestActivityMapping asks for an activity's favorites mapping pages.
func (e *Engine) RequestActivityMapping(activityID int) bool {
	act := byte(activityID)
	e.mu.Lock()
	e.pendingActivityMap[act] = struct{}{}
	e.mu.Unlock()

	return e.enqueueCmd(protocol.OpReqActivityMap, []byte{act}, true, fmt.Sprintf("activity_map:%d", act))
}

// RequestMacrosForActivity asks for an activity's macro label pages.
func (e *Engine) RequestMacrosForActivity(activityID int) bool {
	act := byte(activityID)
	e.mu.Lock()
	if _, pending := e.pendingMacros[act]; pending {
		e.mu.Unlock()
		return true
	}
	e.pendingMacros[act] = struct{}{}
	e.mu.Unlock()

	return e.enqueueCmd(protocol.OpReqMacroLabels, []byte{act, 0xFF}, true, fmt.Sprintf("macros:%d", act))
}

// RequestIPCommandsForDevice asks the hub to replay the IP command rows of
// an existing device. With wait set, it blocks until the response burst has
// settled (or the timeout passes).
func (e *Engine) RequestIPCommandsForDevice(deviceID int, wait bool, timeout time.Duration) bool {
	dev := byte(deviceID)
	ok := e.enqueueCmd(protocol.OpReqIPCmdSync, []byte{dev, 0xFF, 0x14}, true, fmt.Sprintf("commands:%d", dev))
	if !ok || !wait {
		return ok
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	e.waitBurstSettled(timeout)
	return true
}

// waitBurstSettled polls until no burst is in progress.
func (e *Engine) waitBurstSettled(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !e.burst.Active() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !e.burst.Active()
}

// GetActivities returns the cached activity catalog. When the cache is cold
// it triggers a request and reports not-ready.
func (e *Engine) GetActivities() (map[byte]state.Activity, bool) {
	if acts := e.store.Activities(); len(acts) > 0 {
		return acts, true
	}
	if e.CanIssueCommands() {
		e.RequestActivities()
	}
	return map[byte]state.Activity{}, false
}

// GetDevices returns the cached device catalog, requesting it when cold.
func (e *Engine) GetDevices() (map[byte]state.Device, bool) {
	if devs := e.store.Devices(); len(devs) > 0 {
		return devs, true
	}
	if e.CanIssueCommands() {
		e.RequestDevices()
	}
	return map[byte]state.Device{}, false
}

// GetButtonsForEntity returns the known button codes for an entity. A cold
// cache triggers a deduplicated fetch when fetchIfMissing is set.
func (e *Engine) GetButtonsForEntity(entID int, fetchIfMissing bool) ([]byte, bool) {
	ent := byte(entID)
	if codes, ok := e.store.Buttons(int(ent)); ok {
		e.mu.Lock()
		delete(e.pendingButtons, ent)
		e.mu.Unlock()
		return codes, true
	}

	if fetchIfMissing && e.CanIssueCommands() {
		e.RequestButtonsForEntity(int(ent))
	}
	return nil, false
}

// GetCommandsForEntity returns the command labels for an entity. ready is
// true only once a full-list burst has completed for it; partial data is
// returned with ready false.
func (e *Engine) GetCommandsForEntity(entID int, fetchIfMissing bool) (map[byte]string, bool) {
	ent := byte(entID)
	commands, have := e.store.Commands(int(ent))

	e.mu.Lock()
	_, complete := e.commandsComplete[ent]
	e.mu.Unlock()

	if have && complete {
		return commands, true
	}

	if fetchIfMissing && e.CanIssueCommands() {
		e.RequestCommandsForEntity(int(ent))
	}

	if have {
		return commands, complete
	}
	return map[byte]string{}, false
}

// GetMacrosForActivity returns the decoded macros for an activity.
func (e *Engine) GetMacrosForActivity(activityID int, fetchIfMissing bool) ([]state.MacroEntry, bool) {
	act := byte(activityID)
	macros, have := e.store.ActivityMacros(int(act))

	e.mu.Lock()
	_, ready := e.macrosComplete[act]
	e.mu.Unlock()

	if have && len(macros) > 0 && ready {
		return macros, true
	}

	if fetchIfMissing && e.CanIssueCommands() {
		e.RequestMacrosForActivity(int(act))
	}
	return macros, ready
}

// GetSingleCommand resolves one command label on a device, fetching just
// that command when it is not cached. Command ids above 0xFF fall back to a
// full-list request.
func (e *Engine) GetSingleCommand(entID, commandID int, fetchIfMissing bool) (map[byte]string, bool) {
	ent := byte(entID)
	if label, ok := e.store.CommandLabel(int(ent), byte(commandID)); ok && commandID <= 0xFF {
		return map[byte]string{byte(commandID): label}, true
	}

	if !fetchIfMissing || !e.CanIssueCommands() {
		return map[byte]string{}, false
	}

	e.mu.Lock()
	pending := e.pendingCommands[ent]
	if pending == nil {
		pending = make(map[int]struct{})
		e.pendingCommands[ent] = pending
	}

	var payload []byte
	var kind string
	if commandID <= 0xFF {
		if _, dup := pending[commandID]; dup {
			e.mu.Unlock()
			return map[byte]string{}, false
		}
		if _, full := pending[0xFF]; full {
			e.mu.Unlock()
			return map[byte]string{}, false
		}
		pending[commandID] = struct{}{}
		payload = []byte{ent, byte(commandID)}
		kind = fmt.Sprintf("commands:%d:%d", ent, commandID)
	} else {
		if _, full := pending[0xFF]; full {
			e.mu.Unlock()
			return map[byte]string{}, false
		}
		pending[0xFF] = struct{}{}
		payload = []byte{ent, 0xFF}
		kind = fmt.Sprintf("commands:%d", ent)
	}
	e.mu.Unlock()

	e.enqueueCmd(protocol.OpReqCommands, payload, true, kind)
	return map[byte]string{}, false
}

// EnsureCommandsForActivity resolves labels for every favorite slot on an
// activity, issuing targeted single-command fetches for the missing ones.
// The button map burst already covers hard buttons, so only favorites need
// follow-up requests.
func (e *Engine) EnsureCommandsForActivity(activityID int, fetchIfMissing bool) (map[byte]map[byte]string, bool) {
	act := byte(activityID)
	favorites := e.store.ActivityFavoriteSlots(int(act))
	if len(favorites) == 0 {
		return map[byte]map[byte]string{}, true
	}

	seen := make(map[devCmd]struct{})
	byDevice := make(map[byte]map[byte]string)
	allReady := true

	for _, slot := range favorites {
		pair := devCmd{dev: slot.DeviceID, cmd: slot.CommandID}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}

		if label, ok := e.store.FavoriteLabel(int(act), int(pair.dev), pair.cmd); ok && label != "" {
			continue
		}
		if label, ok := e.store.CommandLabel(int(pair.dev), pair.cmd); ok {
			e.store.RecordFavoriteLabel(int(act), int(pair.dev), pair.cmd, label)
			continue
		}

		e.mu.Lock()
		waiting := e.favoriteLabelRequests[pair]
		if waiting == nil {
			waiting = make(map[byte]struct{})
			e.favoriteLabelRequests[pair] = waiting
		}
		waiting[act] = struct{}{}
		e.mu.Unlock()

		single, ready := e.GetSingleCommand(int(pair.dev), int(pair.cmd), fetchIfMissing)
		if !ready {
			allReady = false
		}

		if len(single) > 0 {
			if byDevice[pair.dev] == nil {
				byDevice[pair.dev] = make(map[byte]string)
			}
			for cmd, label := range single {
				byDevice[pair.dev][cmd] = label
			}
			if label := single[pair.cmd]; label != "" {
				e.store.RecordFavoriteLabel(int(act), int(pair.dev), pair.cmd, label)
			}
		}

		if ready {
			e.mu.Lock()
			delete(e.favoriteLabelRequests, pair)
			e.mu.Unlock()
		}
	}

	return byDevice, allReady
}

// SendCommand issues an activate for an entity and key code. POWER_ON on an
// activity records it as the current-activity hint ahead of the hub's
// confirmation. Refused while a client app owns the session.
func (e *Engine) SendCommand(entID int, keyCode byte) bool {
	if !e.CanIssueCommands() {
		e.log.Info().Msg("send command ignored: proxy client is connected")
		return false
	}
	if keyCode == protocol.ButtonPowerOn {
		e.store.SetHint(entID)
	}
	return e.enqueueCmd(protocol.OpReqActivate, []byte{byte(entID), keyCode}, false, "")
}

// FindRemote triggers the hub's remote-finder buzzer.
func (e *Engine) FindRemote() bool {
	if !e.CanIssueCommands() {
		e.log.Info().Msg("find remote ignored: proxy client is connected")
		return false
	}
	if e.opts.HubVersion == HubVersionX2 {
		return e.enqueueCmd(protocol.OpFindRemoteX2, []byte{0x00, 0x00, 0x08}, false, "")
	}
	return e.enqueueCmd(protocol.OpFindRemote, nil, false, "")
}

// ClearEntityCache drops cached command data for an entity, plus any of the
// optional sections.
func (e *Engine) ClearEntityCache(entID int, clearButtons, clearFavorites, clearMacros bool) {
	ent := byte(entID)

	e.store.ClearEntity(int(ent), clearButtons, clearFavorites, clearMacros)

	e.mu.Lock()
	delete(e.commandsComplete, ent)
	delete(e.pendingCommands, ent)
	if clearButtons {
		delete(e.pendingButtons, ent)
	}
	if clearFavorites {
		e.clearFavoriteLabelRequestsLocked(ent)
		delete(e.pendingActivityMap, ent)
		delete(e.activityMapComplete, ent)
	}
	if clearMacros {
		delete(e.macrosComplete, ent)
		delete(e.pendingMacros, ent)
	}
	e.mu.Unlock()
}

func (e *Engine) clearFavoriteLabelRequestsLocked(act byte) {
	for pair, acts := range e.favoriteLabelRequests {
		delete(acts, act)
		if len(acts) == 0 {
			delete(e.favoriteLabelRequests, pair)
		}
	}
}

// RecordAppActivation stores an activation observed from the vendor app and
// announces it on the event bus.
func (e *Engine) RecordAppActivation(a state.Activation) {
	a = e.store.RecordAppActivation(a)
	e.bus.Emit(context.Background(), events.Event{
		Type:   events.EventAppActivation,
		Source: "engine",
		Payload: events.AppActivationPayload{
			Timestamp:    a.Timestamp,
			Direction:    a.Direction,
			EntityID:     a.EntityID,
			EntityKind:   a.EntityKind,
			EntityName:   a.EntityName,
			CommandID:    a.CommandID,
			CommandLabel: a.CommandLabel,
			ButtonLabel:  a.ButtonLabel,
		},
	})
}
