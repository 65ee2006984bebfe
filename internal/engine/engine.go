// Package engine ties the protocol layers together: it ingests raw bytes
// from both sides of the proxied hub connection, deframes and dispatches
// them, maintains the state store through the opcode handlers, and issues
// its own requests through the burst scheduler when no client app owns the
// session.
package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/m3tac0de/x1proxy/internal/assemble"
	"github.com/m3tac0de/x1proxy/internal/burst"
	"github.com/m3tac0de/x1proxy/internal/dispatch"
	"github.com/m3tac0de/x1proxy/internal/events"
	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/state"
	"github.com/m3tac0de/x1proxy/internal/util"
)

// Hub firmware generations with diverging frame layouts.
const (
	HubVersionX1  = "x1"
	HubVersionX1S = "x1s"
	HubVersionX2  = "x2"
)

// Sender delivers one encoded frame to the hub connection. It returns false
// when no hub connection is available.
type Sender func(frame []byte) bool

// Options configures an Engine.
type Options struct {
	HubVersion string // defaults to HubVersionX1S
	HubMAC     [6]byte
	HubName    string

	// DiagParse enables per-frame decode logging.
	DiagParse bool
	// DiagDump additionally logs raw frame hex.
	DiagDump bool

	BurstIdleThreshold time.Duration
	BurstResponseGrace time.Duration
}

type devCmd struct {
	dev byte
	cmd byte
}

// Engine is the protocol brain of the proxy. All exported methods are safe
// for concurrent use.
type Engine struct {
	log  zerolog.Logger
	opts Options

	store    *state.Store
	registry *dispatch.Registry
	burst    *burst.Scheduler
	bus      *events.EventBus

	hubDeframer *protocol.Deframer
	appDeframer *protocol.Deframer

	commands *assemble.DeviceCommandAssembler
	macros   *assemble.MacroAssembler

	mu   sync.Mutex
	send Sender

	proxyEnabled    bool
	hubConnected    bool
	clientConnected bool

	pendingButtons     map[byte]struct{}
	pendingCommands    map[byte]map[int]struct{} // ent -> requested cmd ids; 0xFF means full list
	pendingMacros      map[byte]struct{}
	pendingActivityMap map[byte]struct{}

	commandsComplete    map[byte]struct{}
	macrosComplete      map[byte]struct{}
	activityMapComplete map[byte]struct{}
	activityMapWake     chan struct{}

	favoriteLabelRequests map[devCmd]map[byte]struct{} // (dev,cmd) -> activities waiting

	activityRowPayloads map[byte][]byte

	appDevicesDeadline time.Time
	appDevicesRetried  bool

	acks           *ackTracker
	macroPayloads  *macroPayloadCache
	activityInputs *frameCounter
	pendingVirtual *virtualTracker
	pendingDevice  *deviceIDTracker
}

// New creates an Engine wired to the given store, registry, scheduler and
// event bus, and registers its opcode handlers.
func New(store *state.Store, reg *dispatch.Registry, sched *burst.Scheduler, bus *events.EventBus, opts Options) *Engine {
	if opts.HubVersion == "" {
		opts.HubVersion = HubVersionX1S
	}
	e := &Engine{
		log:      util.ComponentLogger("engine"),
		opts:     opts,
		store:    store,
		registry: reg,
		burst:    sched,
		bus:      bus,

		hubDeframer: protocol.NewDeframer(),
		appDeframer: protocol.NewDeframer(),

		commands: assemble.NewDeviceCommandAssembler(),
		macros:   assemble.NewMacroAssembler(),

		proxyEnabled: true,

		pendingButtons:     make(map[byte]struct{}),
		pendingCommands:    make(map[byte]map[int]struct{}),
		pendingMacros:      make(map[byte]struct{}),
		pendingActivityMap: make(map[byte]struct{}),

		commandsComplete:    make(map[byte]struct{}),
		macrosComplete:      make(map[byte]struct{}),
		activityMapComplete: make(map[byte]struct{}),
		activityMapWake:     make(chan struct{}),

		favoriteLabelRequests: make(map[devCmd]map[byte]struct{}),
		activityRowPayloads:   make(map[byte][]byte),

		acks:           newAckTracker(),
		macroPayloads:  newMacroPayloadCache(),
		activityInputs: newFrameCounter(),
		pendingVirtual: newVirtualTracker(),
		pendingDevice:  newDeviceIDTracker(),
	}
	e.registerHandlers()
	e.registerBurstListeners()
	return e
}

// SetSender installs the hub frame transmit hook. The transport calls this
// once its hub socket is up.
func (e *Engine) SetSender(s Sender) {
	e.mu.Lock()
	e.send = s
	e.mu.Unlock()
}

// Store returns the engine's protocol state store.
func (e *Engine) Store() *state.Store { return e.store }

// Burst returns the burst scheduler, for status reporting.
func (e *Engine) Burst() *burst.Scheduler { return e.burst }

// HubVersion returns the configured hub firmware generation.
func (e *Engine) HubVersion() string { return e.opts.HubVersion }

// SetProxyEnabled toggles the engine's willingness to issue its own hub
// requests. Relay of app traffic is unaffected.
func (e *Engine) SetProxyEnabled(enabled bool) {
	e.mu.Lock()
	e.proxyEnabled = enabled
	e.mu.Unlock()
	e.log.Info().Bool("enabled", enabled).Msg("proxy command issuing toggled")
}

// ProxyEnabled reports whether the engine may issue its own requests.
func (e *Engine) ProxyEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxyEnabled
}

// CanIssueCommands reports whether the engine may write to the hub right
// now. A connected client app owns the session exclusively; the engine
// stays read-only until it disconnects.
func (e *Engine) CanIssueCommands() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canIssueLocked()
}

func (e *Engine) canIssueLocked() bool {
	return e.proxyEnabled && e.hubConnected && !e.clientConnected
}

// sendFrame encodes and transmits one frame toward the hub.
func (e *Engine) sendFrame(op uint16, payload []byte) {
	e.mu.Lock()
	send := e.send
	e.mu.Unlock()
	if send == nil {
		e.log.Warn().Str("opcode", protocol.OpName(op)).Msg("dropping frame: no hub connection")
		return
	}
	frame := protocol.BuildFrame(op, payload)
	if e.opts.DiagDump {
		e.log.Debug().Str("opcode", protocol.OpName(op)).Hex("frame", frame).Msg("tx")
	}
	if !send(frame) {
		e.log.Warn().Str("opcode", protocol.OpName(op)).Msg("hub send failed")
	}
}

// sendFamilyFrame sends a write frame whose opcode encodes the payload
// length in the high byte: (len(payload) & 0xFF) << 8 | family.
func (e *Engine) sendFamilyFrame(family byte, payload []byte) {
	op := uint16(len(payload)&0xFF)<<8 | uint16(family)
	e.log.Info().
		Uint8("family", family).
		Str("opcode", protocol.OpName(op)).
		Int("bytes", len(payload)).
		Msg("send family frame")
	e.sendFrame(op, payload)
}

// enqueueCmd routes a request through the burst scheduler so it never
// interleaves with a response burst in progress.
func (e *Engine) enqueueCmd(op uint16, payload []byte, expectsBurst bool, kind string) bool {
	return e.burst.QueueOrSend(op, payload, expectsBurst, kind, e.CanIssueCommands, e.sendFrame, time.Now())
}

// HubConnectionChanged is called by the transport when the hub socket
// connects or drops.
func (e *Engine) HubConnectionChanged(connected bool, remote string) {
	e.mu.Lock()
	e.hubConnected = connected
	e.mu.Unlock()

	e.log.Info().Bool("connected", connected).Str("remote", remote).Msg("hub connection state")
	e.bus.Emit(context.Background(), events.Event{
		Type:    events.EventHubConnection,
		Source:  "engine",
		Payload: events.ConnectionPayload{Connected: connected, Remote: remote},
	})
}

// ClientConnectionChanged is called by the transport when a client app
// session starts or ends. Losing the client clears the app-sourced device
// request retry window.
func (e *Engine) ClientConnectionChanged(connected bool, remote string) {
	e.mu.Lock()
	e.clientConnected = connected
	if !connected {
		e.appDevicesDeadline = time.Time{}
		e.appDevicesRetried = false
	}
	e.mu.Unlock()

	e.log.Info().Bool("connected", connected).Str("remote", remote).Msg("client connection state")
	e.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientConnection,
		Source:  "engine",
		Payload: events.ConnectionPayload{Connected: connected, Remote: remote},
	})
}

// HubConnected reports the hub socket state.
func (e *Engine) HubConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hubConnected
}

// ClientConnected reports whether a client app session is active.
func (e *Engine) ClientConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientConnected
}

// IngestHubData feeds raw bytes read from the hub socket through the
// deframer and dispatches every complete frame.
func (e *Engine) IngestHubData(data []byte, cid int) {
	for _, f := range e.hubDeframer.Feed(data, cid) {
		e.observeHubFrame(f)
		e.logFrame(f, dispatch.DirHubToApp)
		e.registry.Dispatch(f, dispatch.DirHubToApp)
	}
}

// IngestAppData feeds raw bytes read from the client app socket.
func (e *Engine) IngestAppData(data []byte, cid int) {
	for _, f := range e.appDeframer.Feed(data, cid) {
		e.observeAppFrame(f)
		e.logFrame(f, dispatch.DirAppToHub)
		e.registry.Dispatch(f, dispatch.DirAppToHub)
	}
}

// observeHubFrame tracks hub-side frames that gate the app-sourced device
// request retry: a catalog row answers the outstanding REQ_DEVICES.
func (e *Engine) observeHubFrame(f protocol.Frame) {
	if f.Opcode != protocol.OpCatalogRowDevice && f.Opcode != protocol.OpX1Device {
		return
	}
	e.mu.Lock()
	e.appDevicesDeadline = time.Time{}
	e.appDevicesRetried = false
	e.mu.Unlock()
}

// observeAppFrame records app requests the hub sometimes ignores. A
// REQ_DEVICES with no catalog row within a second is replayed once.
func (e *Engine) observeAppFrame(f protocol.Frame) {
	if f.Opcode != protocol.OpReqDevices {
		return
	}
	e.mu.Lock()
	e.appDevicesDeadline = time.Now().Add(time.Second)
	e.appDevicesRetried = false
	e.mu.Unlock()
}

// Tick drives time-based work: burst completion, queue drain, and the
// app-sourced device request retry. The transport calls it from its idle
// loop.
func (e *Engine) Tick(now time.Time) {
	e.burst.Tick(now, e.CanIssueCommands, e.sendFrame)

	e.mu.Lock()
	retry := !e.appDevicesDeadline.IsZero() && !e.appDevicesRetried && now.After(e.appDevicesDeadline)
	if retry {
		e.appDevicesRetried = true
	}
	e.mu.Unlock()

	if retry {
		e.log.Info().Msg("app device list request unanswered; replaying toward hub")
		e.sendFrame(protocol.OpReqDevices, nil)
	}
}

func (e *Engine) logFrame(f protocol.Frame, dir dispatch.Direction) {
	if !e.opts.DiagParse {
		return
	}
	ev := e.log.Debug().
		Str("dir", string(dir)).
		Str("opcode", protocol.OpName(f.Opcode)).
		Int("payload", len(f.Payload))
	if e.opts.DiagDump {
		ev = ev.Hex("raw", f.Raw)
	}
	ev.Msg("frame")
}

// registerBurstListeners wires pending-request bookkeeping to burst ends.
func (e *Engine) registerBurstListeners() {
	e.burst.OnBurstEnd("buttons", e.onButtonsBurstEnd)
	e.burst.OnBurstEnd("commands", e.onCommandsBurstEnd)
	e.burst.OnBurstEnd("macros", e.onMacrosBurstEnd)
	e.burst.OnBurstEnd("activity_map", e.onActivityMapBurstEnd)
	e.burst.OnBurstEnd("activities", e.onActivitiesBurstEnd)

	for _, kind := range []string{"devices", "activities", "buttons", "commands", "macros", "activity_map"} {
		e.burst.OnBurstEnd(kind, func(full string) {
			e.bus.Emit(context.Background(), events.Event{
				Type:    events.EventBurstEnded,
				Source:  "engine",
				Payload: events.BurstEndedPayload{Kind: full},
			})
		})
	}
}

func (e *Engine) onButtonsBurstEnd(kind string) {
	ent, _, ok := splitBurstKind(kind, "buttons")
	e.mu.Lock()
	if ok {
		delete(e.pendingButtons, ent)
	} else {
		e.pendingButtons = make(map[byte]struct{})
	}
	e.mu.Unlock()

	// The hub holds partial keymap records across pages within one burst
	// only; a finished burst means any remainder is stale.
	if ok {
		e.store.ClearKeymapRemainder(int(ent))
	} else {
		e.store.ClearKeymapRemainders()
	}
}

func (e *Engine) onCommandsBurstEnd(kind string) {
	ent, targeted, ok := splitBurstKind(kind, "commands")
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.pendingCommands = make(map[byte]map[int]struct{})
		return
	}
	pending, have := e.pendingCommands[ent]
	if !have {
		return
	}
	switch {
	case targeted >= 0:
		delete(pending, targeted)
	default:
		if _, full := pending[0xFF]; full {
			delete(pending, 0xFF)
			e.commandsComplete[ent] = struct{}{}
		} else {
			pending = map[int]struct{}{}
			e.pendingCommands[ent] = pending
		}
	}
	if len(pending) == 0 {
		delete(e.pendingCommands, ent)
	}
}

func (e *Engine) onMacrosBurstEnd(kind string) {
	ent, _, ok := splitBurstKind(kind, "macros")
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.pendingMacros = make(map[byte]struct{})
		return
	}
	delete(e.pendingMacros, ent)
	e.macrosComplete[ent] = struct{}{}
}

func (e *Engine) onActivityMapBurstEnd(kind string) {
	ent, _, ok := splitBurstKind(kind, "activity_map")
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.pendingActivityMap = make(map[byte]struct{})
		return
	}
	delete(e.pendingActivityMap, ent)
	e.activityMapComplete[ent] = struct{}{}
	close(e.activityMapWake)
	e.activityMapWake = make(chan struct{})
}

// onActivitiesBurstEnd recomputes the current activity once a full activity
// list has been received and announces a change to listeners.
func (e *Engine) onActivitiesBurstEnd(string) {
	current, previous := e.store.UpdateActivityState()
	if current == previous {
		return
	}
	e.log.Info().Int("activity", current).Int("previous", previous).Msg("current activity changed")
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

// splitBurstKind parses "<prefix>:<ent>[:<cmd>]". targeted is -1 when no
// command id is present.
func splitBurstKind(kind, prefix string) (ent byte, targeted int, ok bool) {
	targeted = -1
	rest, found := strings.CutPrefix(kind, prefix+":")
	if !found {
		return 0, -1, false
	}
	entPart := rest
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		entPart = rest[:i]
		if v, err := strconv.Atoi(rest[i+1:]); err == nil {
			targeted = v
		}
	}
	v, err := strconv.Atoi(entPart)
	if err != nil {
		return 0, -1, false
	}
	return byte(v), targeted, true
}
