package canboot

// Target identifies one ECU on the bus. The set of targetable units is
// domain-closed, resolved once from the symbol dictionary at startup (§9 -
// "Dynamic symbol lookup by name" redesign note) rather than looked up by
// name on every message.
type Target uint8

const (
	TargetAMS Target = iota
	TargetPDL
	TargetSTW
	TargetDRTF
)

var targetNames = map[Target]string{
	TargetAMS:  "AMS",
	TargetPDL:  "PDL",
	TargetSTW:  "STW",
	TargetDRTF: "DRTF",
}

func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// TargetByName resolves a unit name from the CLI (-u AMS) to its Target
// enumerator. Mirrors the original's enumerator_by_name helper, but resolved
// once against a compiled-in table instead of a parsed canDB enum.
func TargetByName(name string) (Target, bool) {
	for t, n := range targetNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// BootState is the bootloader-reported state of a target (§3).
type BootState uint8

const (
	StateFirmwareActive BootState = iota
	StateReady
	StateErasing
	StateReceiving
	StateVerifying
	StateBLPending
	StateFirmwareRunning
	StateUnknown
)

var bootStateNames = [...]string{
	"FirmwareActive", "Ready", "Erasing", "Receiving", "Verifying",
	"BLpending", "FirmwareRunning", "Unknown",
}

func (s BootState) String() string {
	if int(s) < len(bootStateNames) {
		return bootStateNames[s]
	}
	return "Unknown"
}

// Register names the field addressed by a Handshake message (§4.5).
type Register uint8

const (
	RegisterTransactionMagic Register = iota
	RegisterCommand
	RegisterNumPhysicalMemoryBlocks
	RegisterPhysicalBlockStart
	RegisterPhysicalBlockLength
	RegisterNumLogicalMemoryBlocks
	RegisterLogicalBlockStart
	RegisterLogicalBlockLength
	RegisterNumPhysicalBlocksToErase
	RegisterPhysicalBlockToErase
	RegisterFirmwareSize
	RegisterChecksum
	RegisterInterruptVector
	RegisterEntryPoint
)

var registerNames = [...]string{
	"TransactionMagic", "Command", "NumPhysicalMemoryBlocks", "PhysicalBlockStart",
	"PhysicalBlockLength", "NumLogicalMemoryBlocks", "LogicalBlockStart",
	"LogicalBlockLength", "NumPhysicalBlocksToErase", "PhysicalBlockToErase",
	"FirmwareSize", "Checksum", "InterruptVector", "EntryPoint",
}

func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return "Unknown"
}

// Command is the command field carried by a Handshake message (§3).
type Command uint8

const (
	CommandNone Command = iota
	CommandStartTransactionFlashing
	CommandStartBootloaderUpdate
	CommandStallSubtransaction
	CommandResumeSubtransaction
	CommandRestartFromAddress
	CommandAbortTransaction
	CommandSetNewVectorTable
)

var commandNames = [...]string{
	"None", "StartTransactionFlashing", "StartBootloaderUpdate",
	"StallSubtransaction", "ResumeSubtransaction", "RestartFromAddress",
	"AbortTransaction", "SetNewVectorTable",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "Unknown"
}

// HandshakeResponse is the Response field of a HandshakeAck (§3).
type HandshakeResponse uint8

const (
	ResponseOK HandshakeResponse = iota
	ResponseHandshakeSequenceError
	ResponseCommandNotNone
	ResponseInvalidTransactionMagic
)

var handshakeResponseNames = [...]string{
	"OK", "HandshakeSequenceError", "CommandNotNone", "InvalidTransactionMagic",
}

func (r HandshakeResponse) String() string {
	if int(r) < len(handshakeResponseNames) {
		return handshakeResponseNames[r]
	}
	return "Unknown"
}

// WriteResult is the Result field of a DataAck (§3).
type WriteResult uint8

const (
	WriteOk WriteResult = iota
	WriteErrorOutOfRange
	WriteErrorFlashFailure
	WriteErrorUnaligned
)

func (r WriteResult) String() string {
	switch r {
	case WriteOk:
		return "Ok"
	case WriteErrorOutOfRange:
		return "OutOfRange"
	case WriteErrorFlashFailure:
		return "FlashFailure"
	case WriteErrorUnaligned:
		return "Unaligned"
	default:
		return "Unknown"
	}
}

// EntryReason is the reason a bootloader reports having been entered,
// carried by the Beacon message.
type EntryReason uint8

const (
	EntryReasonRequested EntryReason = iota
	EntryReasonWatchdog
	EntryReasonInvalidApplication
	EntryReasonPowerOn
)

func (r EntryReason) String() string {
	switch r {
	case EntryReasonRequested:
		return "Requested"
	case EntryReasonWatchdog:
		return "Watchdog"
	case EntryReasonInvalidApplication:
		return "InvalidApplication"
	case EntryReasonPowerOn:
		return "PowerOn"
	default:
		return "Unknown"
	}
}

// TransactionMagic is the 32-bit value formed by packing the four ASCII
// bytes of "Heli" little-endian: 'H'=0x48, 'e'=0x65, 'l'=0x6C, 'i'=0x69 ->
// 0x696C6548. It frames every sub-transaction of the protocol (§3).
const TransactionMagic uint32 = 0x696C6548

// MemoryBlock is a contiguous run of flash bytes starting at Address (§3).
// A logical block comes from the hex file; a physical block is a flash page
// reported by the bootloader.
type MemoryBlock struct {
	Address uint32
	Data    []byte
}

func (b MemoryBlock) End() uint32 {
	return b.Address + uint32(len(b.Data))
}

// TargetBootloaderData is the Listener's live view of one bootloader-active
// target (§3).
type TargetBootloaderData struct {
	State             BootState
	FlashSizeKiB      uint32
	LastSeenTimestamp int64
	EntryReason       EntryReason
}

// ApplicationData is the Listener's live view of one application-active
// target (§3).
type ApplicationData struct {
	BLPending         bool
	LastSeenTimestamp int64
}

// TargetSoftwareBuild records the firmware build identity broadcast by a
// unit, either bootloader or application (§3).
type TargetSoftwareBuild struct {
	CommitSHA  uint32
	DirtyRepo  bool
}
