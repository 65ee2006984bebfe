// Package protocol implements the SofaBaton hub wire format: framed binary
// messages with a two-byte sync marker, big-endian opcode, and a sum-mod-256
// checksum trailer.
package protocol

// Frame markers used by the hub protocol.
const (
	Sync0 = 0xA5
	Sync1 = 0x5A
)

// App→hub requests.
const (
	OpReqDevices    = 0x000A // yields CatalogRowDevice rows (0xD50B)
	OpReqActivities = 0x003A // yields CatalogRowActivity rows (0xD53B)
	OpReqButtons    = 0x023C // payload: [act_lo, 0xFF]
	OpReqCommands   = 0x025C // payload: [dev_lo, cmd] or [dev_lo, 0xFF] for full list
	OpReqActivate   = 0x023F // payload: [id_lo, key_code]
	OpReqActivityMap = 0x016C // payload: [act_lo], favorites mapping (X1)
	OpFindRemote    = 0x0023 // payload: [0x01] triggers the remote buzzer
	OpFindRemoteX2  = 0x0323 // payload: [0x00, 0x00, 0x08] observed on X2 hubs
	OpReqMacroLabels = 0x024D // payload: [act_lo, 0xFF]
	OpActivityDeviceConfirm = 0x024F // payload: [dev_lo, include_flag]

	OpCreateDeviceHead    = 0x07D5 // payload includes UTF-16LE device name
	OpDefineIPCmd         = 0x0ED3 // payload includes HTTP method/URL/headers
	OpDefineIPCmdExisting = 0x0EAE // defines an IP command on an existing device
	OpPrepareSave         = 0x4102
	OpFinalizeDevice      = 0x4677
	OpDeviceSaveHead      = 0x8D5D // hub assigns the device id
	OpSaveCommit          = 0x6501

	OpReqIPCmdSync = 0x0C02

	OpReqActivityInputs     = 0x0147 // payload: [0x01], asks for input-assignment rows
	OpActivityAssignFinalize = 0x7B47 // replays an activity row to finalize assignment
	OpActivityAssignCommit   = 0x0265 // payload: [act_lo, 0x01], X2 firmware only
)

// Hub→app responses.
const (
	OpAckSuccess = 0x0301
	OpAckReady   = 0x0160
	OpMarker     = 0x0C3D // segment marker before a continuation page

	OpCatalogRowDevice   = 0xD50B
	OpCatalogRowActivity = 0xD53B
	OpX1Device           = 0x7B0B // device catalog row, X1 firmware
	OpX1Activity         = 0x7B3B // activity catalog row, X1 firmware

	OpDevBtnHeader = 0xD95D // header page carrying the total frame count
	OpDevBtnPage   = 0xD55D // repeated pages, 2-3 command records each
	OpDevBtnSingle = 0x4D5D // single-command page (response to targeted REQ_COMMANDS)
	OpDevBtnTail   = 0x495D
	OpDevBtnMore   = 0x8F5D
	OpKeymapExtra  = 0x303D // small follow-up page in the keymap family

	// Variant page layouts with an earlier payload offset.
	OpDevBtnPageAlt1 = 0xF75D
	OpDevBtnPageAlt2 = 0xA35D
	OpDevBtnPageAlt3 = 0x2F5D
	OpDevBtnPageAlt4 = 0xF35D
	OpDevBtnPageAlt5 = 0x7B5D
	OpDevBtnPageAlt6 = 0xCB5D

	OpKeymapTblA = 0xF13D
	OpKeymapTblB = 0xFA3D
	OpKeymapTblC = 0x3D3D
	OpKeymapTblD = 0x1E3D
	OpKeymapTblE = 0xBB3D
	OpKeymapTblF = 0x783D
	OpKeymapTblG = 0xCD3D
	OpKeymapCont = 0x543D // continuation page after MARKER

	OpActivityMapPage = 0x7B6D // activity favorites mapping page

	OpMacrosA1 = 0x6E13
	OpMacrosB1 = 0x5A13
	OpMacrosA2 = 0x8213
	OpMacrosB2 = 0x6413

	OpIPCmdRowA = 0x0DD3
	OpIPCmdRowB = 0x0DAC
	OpIPCmdRowC = 0x0D9B
	OpIPCmdRowD = 0x0DAE

	OpBanner     = 0x1D02 // hub ident, name, batch, firmware
	OpWifiFw     = 0x0359
	OpInfoBanner = 0x112F
	OpReqVersion = 0x0058
	OpPing2      = 0x0140
)

// CALL_ME rendezvous frame, used in both directions over UDP.
const OpCallMe = 0x0CC3

// OpNames maps opcodes to their display names for frame logging.
var OpNames = map[uint16]string{
	OpCallMe:          "CALL_ME",
	OpReqActivities:   "REQ_ACTIVITIES",
	OpReqDevices:      "REQ_DEVICES",
	OpReqButtons:      "REQ_BUTTONS",
	OpReqCommands:     "REQ_COMMANDS",
	OpReqActivate:     "REQ_ACTIVATE",
	OpReqActivityMap:  "REQ_ACTIVITY_MAP",
	OpFindRemote:      "FIND_REMOTE",
	OpFindRemoteX2:    "FIND_REMOTE_X2",
	OpReqMacroLabels:  "REQ_MACRO_LABELS",
	OpActivityDeviceConfirm: "ACTIVITY_DEVICE_CONFIRM",

	OpCreateDeviceHead:    "CREATE_DEVICE_HEAD",
	OpDefineIPCmd:         "DEFINE_IP_CMD",
	OpDefineIPCmdExisting: "DEFINE_IP_CMD_EXISTING",
	OpPrepareSave:         "PREPARE_SAVE",
	OpFinalizeDevice:      "FINALIZE_DEVICE",
	OpDeviceSaveHead:      "DEVICE_SAVE_HEAD",
	OpSaveCommit:          "SAVE_COMMIT",
	OpReqIPCmdSync:        "REQ_IPCMD_SYNC",
	OpReqActivityInputs:   "REQ_ACTIVITY_INPUTS",
	OpActivityAssignFinalize: "ACTIVITY_ASSIGN_FINALIZE",
	OpActivityAssignCommit:   "ACTIVITY_ASSIGN_COMMIT",
	OpIPCmdRowA:           "IPCMD_ROW_A",
	OpIPCmdRowB:           "IPCMD_ROW_B",
	OpIPCmdRowC:           "IPCMD_ROW_C",
	OpIPCmdRowD:           "IPCMD_ROW_D",

	OpAckSuccess: "ACK_SUCCESS",
	OpAckReady:   "ACK_READY",
	OpMarker:     "MARKER",

	OpCatalogRowDevice:   "CATALOG_ROW_DEVICE",
	OpCatalogRowActivity: "CATALOG_ROW_ACTIVITY",
	OpX1Device:           "X1_DEVICE",
	OpX1Activity:         "X1_ACTIVITY",

	OpKeymapTblA: "KEYMAP_TABLE_A",
	OpKeymapTblB: "KEYMAP_TABLE_B",
	OpKeymapTblC: "KEYMAP_TABLE_C",
	OpKeymapTblD: "KEYMAP_TABLE_D",
	OpKeymapTblE: "KEYMAP_TABLE_E",
	OpKeymapTblF: "KEYMAP_TABLE_F",
	OpKeymapTblG: "KEYMAP_TABLE_G",
	OpKeymapCont: "KEYMAP_CONT",

	OpActivityMapPage: "ACTIVITY_MAP_PAGE",

	OpDevBtnHeader:   "DEVCTL_HEADER",
	OpDevBtnPage:     "DEVCTL_PAGE",
	OpDevBtnSingle:   "DEVCTL_SINGLE_CMD",
	OpDevBtnTail:     "DEVCTL_LASTPAGE_TYPE1",
	OpKeymapExtra:    "DEVCTL_LASTPAGE_TYPE2",
	OpDevBtnMore:     "DEVCTL_LASTPAGE_TYPE3",
	OpDevBtnPageAlt1: "DEVCTL_PAGE_ALT1",
	OpDevBtnPageAlt2: "DEVCTL_PAGE_ALT2",
	OpDevBtnPageAlt3: "DEVCTL_PAGE_ALT3",
	OpDevBtnPageAlt4: "DEVCTL_PAGE_ALT4",
	OpDevBtnPageAlt5: "DEVCTL_PAGE_ALT5",
	OpDevBtnPageAlt6: "DEVCTL_PAGE_ALT6",

	OpMacrosA1: "MACROS_A1",
	OpMacrosB1: "MACROS_B1",
	OpMacrosA2: "MACROS_A2",
	OpMacrosB2: "MACROS_B2",

	OpBanner:     "BANNER",
	OpWifiFw:     "WIFI_FW",
	OpInfoBanner: "INFO_BANNER",
	OpReqVersion: "REQ_VERSION",
	OpPing2:      "PING2",
}

// OpName returns the display name for an opcode, or a hex placeholder
// when the opcode is unknown.
func OpName(op uint16) string {
	if name, ok := OpNames[op]; ok {
		return name
	}
	return hexOpName(op)
}

// Known opcode families (low byte) grouped by semantic row/page type.
const (
	FamilyDevRow  = 0x0B // device catalog rows
	FamilyActRow  = 0x3B // activity catalog rows
	FamilyMacros  = 0x13 // macro pages
	FamilyKeymap  = 0x3D // keymap / continuation / extra pages
	FamilyDevBtns = 0x5D // device button pages (header, body, tail, variants)
)

// OpcodeHi returns the high byte of an opcode.
func OpcodeHi(op uint16) byte { return byte(op >> 8) }

// OpcodeLo returns the low byte of an opcode.
func OpcodeLo(op uint16) byte { return byte(op) }

// OpcodeFamily returns the low-byte family for list/table opcodes.
func OpcodeFamily(op uint16) byte { return OpcodeLo(op) }

// IsDevBtnAltPage reports whether op uses the variant page layout whose
// command data starts at an earlier payload offset.
func IsDevBtnAltPage(op uint16) bool {
	switch op {
	case OpDevBtnPageAlt1, OpDevBtnPageAlt2, OpDevBtnPageAlt3, OpDevBtnPageAlt4, OpDevBtnPageAlt5:
		return true
	}
	return false
}
