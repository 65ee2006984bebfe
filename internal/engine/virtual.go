package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/state"
)

// IPButtonSpec describes an HTTP request to bind to a virtual device
// button.
type IPButtonSpec struct {
	DeviceName string
	ButtonName string
	Method     string
	URL        string
	Headers    map[string]string
}

const interFrameGap = 50 * time.Millisecond

// utf16lePadded encodes s as UTF-16LE into a fixed-size NUL-padded field.
func utf16lePadded(s string, size int) []byte {
	out := make([]byte, size)
	i := 0
	for _, unit := range utf16.Encode([]rune(s)) {
		if i+2 > size {
			break
		}
		out[i] = byte(unit)
		out[i+1] = byte(unit >> 8)
		i += 2
	}
	return out
}

// lengthPrefixed encodes s as a single length byte followed by the text.
func lengthPrefixed(s string) []byte {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	out := make([]byte, 0, len(s)+1)
	out = append(out, byte(len(s)))
	return append(out, s...)
}

// headerLines joins headers as "Key: Value" lines in sorted key order.
func headerLines(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+headers[k])
	}
	return strings.Join(lines, "\r\n")
}

func truncateASCII(s string, n int) []byte {
	if len(s) > n {
		s = s[:n]
	}
	return []byte(s)
}

// buildVirtualDeviceFrames produces the five-frame creation sequence the
// vendor app sends for a new WiFi/IP device with one HTTP button.
func buildVirtualDeviceFrames(spec IPButtonSpec) []struct {
	op      uint16
	payload []byte
} {
	define := utf16lePadded(spec.ButtonName, 64)
	define = append(define, lengthPrefixed(spec.Method)...)
	define = append(define, lengthPrefixed(spec.URL)...)
	define = append(define, lengthPrefixed(headerLines(spec.Headers))...)

	head := append([]byte{0x01, 0x00, 0x00, 0x00}, utf16lePadded(spec.DeviceName, 64)...)

	finalize := append(truncateASCII(spec.DeviceName, 8), truncateASCII(spec.ButtonName, 8)...)

	return []struct {
		op      uint16
		payload []byte
	}{
		{protocol.OpCreateDeviceHead, head},
		{protocol.OpDefineIPCmd, define},
		{protocol.OpPrepareSave, []byte{0x01, 0x00}},
		{protocol.OpFinalizeDevice, finalize},
		{protocol.OpSaveCommit, nil},
	}
}

// encodeHTTPRequest renders the request-line form used when adding a button
// to an existing device.
func encodeHTTPRequest(spec IPButtonSpec) []byte {
	var b strings.Builder
	b.WriteString(spec.Method)
	b.WriteByte(' ')
	b.WriteString(spec.URL)
	b.WriteString(" HTTP/1.1\r\n")
	if lines := headerLines(spec.Headers); lines != "" {
		b.WriteString(lines)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// buildExistingDeviceFrame produces the single definition frame that binds a
// new HTTP button on an already-created virtual device.
func buildExistingDeviceFrame(dev, btn byte, spec IPButtonSpec) []byte {
	payload := []byte{btn, 0x00, 0x01, 0x01, 0x00, 0x01, dev, btn, 0x1C}
	payload = append(payload, make([]byte, 7)...)
	payload = append(payload, utf16lePadded(spec.ButtonName, 64)...)
	return append(payload, encodeHTTPRequest(spec)...)
}

// CreateIPButton creates a new virtual WiFi/IP device on the hub with a
// single HTTP command button. Returns the assigned device id.
func (e *Engine) CreateIPButton(spec IPButtonSpec) (state.VirtualDevice, error) {
	if !e.CanIssueCommands() {
		return state.VirtualDevice{}, fmt.Errorf("hub busy: app session active or hub offline")
	}
	e.log.Info().Str("device", spec.DeviceName).Str("button", spec.ButtonName).
		Str("method", spec.Method).Str("url", spec.URL).Msg("creating virtual device")

	e.pendingVirtual.start(VirtualPending{
		DeviceName: spec.DeviceName,
		ButtonName: spec.ButtonName,
		Method:     spec.Method,
		URL:        spec.URL,
		Headers:    spec.Headers,
	})
	e.pendingDevice.reset()

	for i, frame := range buildVirtualDeviceFrames(spec) {
		if i > 0 {
			time.Sleep(interFrameGap)
		}
		e.sendFrame(frame.op, frame.payload)
	}

	result, ok := e.pendingVirtual.wait(3 * time.Second)
	if !ok || result.DeviceID < 0 {
		if id, assigned := e.pendingDevice.wait(time.Second); assigned {
			result.DeviceID = id
		}
	}
	if result.DeviceID < 0 {
		return state.VirtualDevice{}, fmt.Errorf("hub did not assign a device id for %q", spec.DeviceName)
	}

	dev := state.VirtualDevice{
		DeviceID:   byte(result.DeviceID),
		Name:       spec.DeviceName,
		ButtonName: spec.ButtonName,
		Method:     spec.Method,
		URL:        spec.URL,
		Headers:    spec.Headers,
	}
	buttonID := result.ButtonID
	if buttonID < 0 {
		buttonID = 1
	}
	e.store.RecordVirtualDevice(dev, buttonID)
	e.log.Info().Int("dev", result.DeviceID).Int("btn", buttonID).Msg("virtual device created")
	return dev, nil
}

// AddIPButtonToDevice binds one more HTTP command to an existing virtual
// device, picking the next free button id. Returns the new button id.
func (e *Engine) AddIPButtonToDevice(deviceID int, spec IPButtonSpec) (int, error) {
	if !e.CanIssueCommands() {
		return 0, fmt.Errorf("hub busy: app session active or hub offline")
	}
	dev := byte(deviceID)

	// Sync the hub's view of the device first so the id allocation doesn't
	// collide with buttons created by the vendor app.
	e.RequestIPCommandsForDevice(deviceID, true, 5*time.Second)

	nextButton := 1
	for id := range e.store.VirtualButtons(deviceID) {
		if int(id) >= nextButton {
			nextButton = int(id) + 1
		}
	}
	btn := byte(nextButton)

	e.log.Info().Uint8("dev", dev).Uint8("btn", btn).Str("button", spec.ButtonName).
		Msg("adding ip command to virtual device")

	e.pendingVirtual.start(VirtualPending{
		DeviceName: spec.DeviceName,
		ButtonName: spec.ButtonName,
		Method:     spec.Method,
		URL:        spec.URL,
		Headers:    spec.Headers,
		DeviceID:   deviceID,
		ButtonID:   nextButton,
	})

	e.sendFrame(protocol.OpDefineIPCmdExisting, buildExistingDeviceFrame(dev, btn, spec))

	if _, ok := e.pendingVirtual.wait(3 * time.Second); !ok {
		e.log.Warn().Uint8("dev", dev).Uint8("btn", btn).Msg("no save commit after ip command add")
	}

	e.store.RecordVirtualDevice(state.VirtualDevice{
		DeviceID:   dev,
		Name:       spec.DeviceName,
		ButtonName: spec.ButtonName,
		Method:     spec.Method,
		URL:        spec.URL,
		Headers:    spec.Headers,
	}, nextButton)

	e.RequestIPCommandsForDevice(deviceID, false, 0)
	return nextButton, nil
}
