package protocol

// Known button codes sent in REQ_ACTIVATE payloads and keymap records.
// Codes below 0xAE are X2-only / extended keys.
const (
	ButtonC     = 0x97
	ButtonB     = 0x98
	ButtonA     = 0x99
	ButtonExit  = 0x9A
	ButtonDVR   = 0x9B
	ButtonPlay  = 0x9C
	ButtonGuide = 0x9D

	ButtonUp       = 0xAE
	ButtonDown     = 0xB2
	ButtonLeft     = 0xAF
	ButtonRight    = 0xB1
	ButtonOK       = 0xB0
	ButtonHome     = 0xB4
	ButtonBack     = 0xB3
	ButtonMenu     = 0xB5
	ButtonVolUp    = 0xB6
	ButtonVolDown  = 0xB9
	ButtonMute     = 0xB8
	ButtonChUp     = 0xB7
	ButtonChDown   = 0xBA
	ButtonRew      = 0xBB
	ButtonPause    = 0xBC
	ButtonFwd      = 0xBD
	ButtonRed      = 0xBE
	ButtonGreen    = 0xBF
	ButtonYellow   = 0xC0
	ButtonBlue     = 0xC1
	ButtonPowerOn  = 0xC6
	ButtonPowerOff = 0xC7
)

var buttonNames = map[byte]string{
	ButtonC:     "C",
	ButtonB:     "B",
	ButtonA:     "A",
	ButtonExit:  "EXIT",
	ButtonDVR:   "DVR",
	ButtonPlay:  "PLAY",
	ButtonGuide: "GUIDE",

	ButtonUp:       "UP",
	ButtonDown:     "DOWN",
	ButtonLeft:     "LEFT",
	ButtonRight:    "RIGHT",
	ButtonOK:       "OK",
	ButtonHome:     "HOME",
	ButtonBack:     "BACK",
	ButtonMenu:     "MENU",
	ButtonVolUp:    "VOL_UP",
	ButtonVolDown:  "VOL_DOWN",
	ButtonMute:     "MUTE",
	ButtonChUp:     "CH_UP",
	ButtonChDown:   "CH_DOWN",
	ButtonRew:      "REW",
	ButtonPause:    "PAUSE",
	ButtonFwd:      "FWD",
	ButtonRed:      "RED",
	ButtonGreen:    "GREEN",
	ButtonYellow:   "YELLOW",
	ButtonBlue:     "BLUE",
	ButtonPowerOn:  "POWER_ON",
	ButtonPowerOff: "POWER_OFF",
}

var buttonCodes = func() map[string]byte {
	m := make(map[string]byte, len(buttonNames))
	for code, name := range buttonNames {
		m[name] = code
	}
	return m
}()

// ButtonName returns the symbolic name for a button code, or "" when unknown.
func ButtonName(code byte) string {
	return buttonNames[code]
}

// ButtonCode returns the code for a symbolic button name.
func ButtonCode(name string) (byte, bool) {
	code, ok := buttonCodes[name]
	return code, ok
}

// IsButtonCode reports whether code is a known remote button.
func IsButtonCode(code byte) bool {
	_, ok := buttonNames[code]
	return ok
}
