// Package catalogue is the compiled-in replacement for the source's
// canDB-JSON-driven symbol dictionary (§9, "Dynamic symbol lookup by
// name"). Every message this programmer speaks or understands is declared
// here as a Go struct plus a codec.FieldSpec layout, resolved once at
// compile time instead of looked up by name at runtime: a mis-shaped field
// is a build-time (or at worst, package-init-time) failure, never a failure
// discovered mid-flash.
package catalogue

import (
	"fmt"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/codec"
)

// CAN identifiers for every message this programmer exchanges. These are
// the resolved numeric values a real canDB JSON would supply for
// `Bootloader::Beacon` and friends; here they are fixed constants because
// the dictionary is pre-resolved (§2 component 2 is an external collaborator
// this program never parses itself).
const (
	IDBeacon             uint32 = 0x100
	IDPing               uint32 = 0x101
	IDPingResponse       uint32 = 0x102
	IDSoftwareBuild      uint32 = 0x103
	IDHandshake          uint32 = 0x104
	IDHandshakeAck       uint32 = 0x105
	IDData               uint32 = 0x106
	IDDataAck            uint32 = 0x107
	IDExitReq            uint32 = 0x108
	IDExitAck            uint32 = 0x109
	IDCommunicationYield uint32 = 0x10A

	// Adapter event IDs. The reference adapter's richer own-health reporting
	// (query_error_flags, query_config, Heartbeat, CAN error/bus-off
	// notifications, §6) arrives over the same canboot.Bus as ordinary
	// protocol traffic, classified by the transport binding into frames on
	// these reserved IDs rather than a separate side channel.
	IDCANError   uint32 = 0x10B
	IDConfig     uint32 = 0x10C
	IDHeartbeat  uint32 = 0x10D
	IDErrorFlags uint32 = 0x10E
)

func u(name string, pos, bits uint) codec.FieldSpec {
	return codec.FieldSpec{Name: name, Kind: codec.KindUint, PosOffset: pos, Bits: bits}
}

func e(name string, pos, bits uint) codec.FieldSpec {
	return codec.FieldSpec{Name: name, Kind: codec.KindEnum, PosOffset: pos, Bits: bits}
}

func boolf(name string, pos uint) codec.FieldSpec {
	return codec.FieldSpec{Name: name, Kind: codec.KindBool, PosOffset: pos, Bits: 1}
}

func val(name string, raw int64) codec.Value { return codec.Value{Name: name, Raw: raw} }

func frame(id uint32, payload [8]byte, length int) canboot.Frame {
	f := canboot.NewFrame(id, canboot.IDStandard, uint8(length))
	f.Data = payload
	return f
}

// Beacon announces a bootloader-active target's presence and state.
type Beacon struct {
	Target       canboot.Target
	State        canboot.BootState
	FlashSizeKiB uint16
	EntryReason  canboot.EntryReason
}

var beaconSpec = []codec.FieldSpec{
	e("target", 0, 4),
	e("state", 4, 4),
	u("flashSizeKiB", 8, 16),
	e("entryReason", 24, 4),
}

func (b Beacon) Encode() canboot.Frame {
	payload, n, err := codec.Pack(beaconSpec, map[string]codec.Value{
		"target":       val("target", int64(b.Target)),
		"state":        val("state", int64(b.State)),
		"flashSizeKiB": val("flashSizeKiB", int64(b.FlashSizeKiB)),
		"entryReason":  val("entryReason", int64(b.EntryReason)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: Beacon encode: %w", err))
	}
	return frame(IDBeacon, payload, n)
}

func DecodeBeacon(f canboot.Frame) (Beacon, error) {
	values, err := codec.Unpack(beaconSpec, f.Data[:f.DLC])
	if err != nil {
		return Beacon{}, fmt.Errorf("catalogue: Beacon decode: %w", err)
	}
	return Beacon{
		Target:       canboot.Target(values["target"].Raw),
		State:        canboot.BootState(values["state"].Raw),
		FlashSizeKiB: uint16(values["flashSizeKiB"].Raw),
		EntryReason:  canboot.EntryReason(values["entryReason"].Raw),
	}, nil
}

// Ping requests a PingResponse from Target, optionally asking it to enter
// the bootloader.
type Ping struct {
	Target            canboot.Target
	RequestBootloader bool
}

var pingSpec = []codec.FieldSpec{
	e("target", 0, 4),
	boolf("requestBootloader", 4),
}

func (p Ping) Encode() canboot.Frame {
	raw := int64(0)
	if p.RequestBootloader {
		raw = 1
	}
	payload, n, err := codec.Pack(pingSpec, map[string]codec.Value{
		"target":            val("target", int64(p.Target)),
		"requestBootloader": val("requestBootloader", raw),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: Ping encode: %w", err))
	}
	return frame(IDPing, payload, n)
}

func DecodePing(f canboot.Frame) (Ping, error) {
	values, err := codec.Unpack(pingSpec, f.Data[:f.DLC])
	if err != nil {
		return Ping{}, fmt.Errorf("catalogue: Ping decode: %w", err)
	}
	return Ping{
		Target:            canboot.Target(values["target"].Raw),
		RequestBootloader: values["requestBootloader"].Raw != 0,
	}, nil
}

// PingResponse answers a Ping from a running application. When HasBuildInfo
// is set, it additionally carries the bootloader's own build identity
// (the optional BL build fields riding on PingResponse, §4.3).
type PingResponse struct {
	Target            canboot.Target
	BootloaderPending bool
	HasBuildInfo      bool
	BLCommitSHA       uint32
	BLDirtyRepo       bool
}

var pingResponseSpec = []codec.FieldSpec{
	e("target", 0, 4),
	boolf("bootloaderPending", 4),
	{
		Name:      "hasBuildInfo",
		Kind:      codec.KindMultiplex,
		PosOffset: 5,
		Bits:      1,
		Variants: map[int64][]codec.FieldSpec{
			0: {},
			1: {
				u("blCommitSHA", 8, 32),
				boolf("blDirtyRepo", 40),
			},
		},
	},
}

func (p PingResponse) Encode() canboot.Frame {
	selector := int64(0)
	var group []codec.Value
	if p.HasBuildInfo {
		selector = 1
		dirty := int64(0)
		if p.BLDirtyRepo {
			dirty = 1
		}
		group = []codec.Value{
			val("blCommitSHA", int64(p.BLCommitSHA)),
			val("blDirtyRepo", dirty),
		}
	}
	pending := int64(0)
	if p.BootloaderPending {
		pending = 1
	}
	payload, n, err := codec.Pack(pingResponseSpec, map[string]codec.Value{
		"target":            val("target", int64(p.Target)),
		"bootloaderPending": val("bootloaderPending", pending),
		"hasBuildInfo":       {Name: "hasBuildInfo", Raw: selector, Elements: [][]codec.Value{group}},
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: PingResponse encode: %w", err))
	}
	return frame(IDPingResponse, payload, n)
}

func DecodePingResponse(f canboot.Frame) (PingResponse, error) {
	values, err := codec.Unpack(pingResponseSpec, f.Data[:f.DLC])
	if err != nil {
		return PingResponse{}, fmt.Errorf("catalogue: PingResponse decode: %w", err)
	}
	resp := PingResponse{
		Target:            canboot.Target(values["target"].Raw),
		BootloaderPending: values["bootloaderPending"].Raw != 0,
		HasBuildInfo:      values["hasBuildInfo"].Raw != 0,
	}
	if resp.HasBuildInfo {
		group := values["hasBuildInfo"].Elements[0]
		for _, v := range group {
			switch v.Name {
			case "blCommitSHA":
				resp.BLCommitSHA = uint32(v.Raw)
			case "blDirtyRepo":
				resp.BLDirtyRepo = v.Raw != 0
			}
		}
	}
	return resp, nil
}

// SoftwareBuild broadcasts the build identity of a unit, bootloader or
// application (§3, §4.3).
type SoftwareBuild struct {
	Target    canboot.Target
	CommitSHA uint32
	DirtyRepo bool
}

var softwareBuildSpec = []codec.FieldSpec{
	e("target", 0, 4),
	u("commitSHA", 4, 32),
	boolf("dirtyRepo", 36),
}

func (s SoftwareBuild) Encode() canboot.Frame {
	dirty := int64(0)
	if s.DirtyRepo {
		dirty = 1
	}
	payload, n, err := codec.Pack(softwareBuildSpec, map[string]codec.Value{
		"target":    val("target", int64(s.Target)),
		"commitSHA": val("commitSHA", int64(s.CommitSHA)),
		"dirtyRepo": val("dirtyRepo", dirty),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: SoftwareBuild encode: %w", err))
	}
	return frame(IDSoftwareBuild, payload, n)
}

func DecodeSoftwareBuild(f canboot.Frame) (SoftwareBuild, error) {
	values, err := codec.Unpack(softwareBuildSpec, f.Data[:f.DLC])
	if err != nil {
		return SoftwareBuild{}, fmt.Errorf("catalogue: SoftwareBuild decode: %w", err)
	}
	return SoftwareBuild{
		Target:    canboot.Target(values["target"].Raw),
		CommitSHA: uint32(values["commitSHA"].Raw),
		DirtyRepo: values["dirtyRepo"].Raw != 0,
	}, nil
}

// Handshake is a (Register, Command, Target, Value) step of the protocol
// dialogue; every Handshake is answered by a HandshakeAck (§3, §4.4).
type Handshake struct {
	Register canboot.Register
	Command  canboot.Command
	Target   canboot.Target
	Value    uint32
}

var handshakeSpec = []codec.FieldSpec{
	e("register", 0, 8),
	e("command", 8, 8),
	e("target", 16, 4),
	u("value", 20, 32),
}

func (h Handshake) Encode() canboot.Frame {
	payload, n, err := codec.Pack(handshakeSpec, map[string]codec.Value{
		"register": val("register", int64(h.Register)),
		"command":  val("command", int64(h.Command)),
		"target":   val("target", int64(h.Target)),
		"value":    val("value", int64(h.Value)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: Handshake encode: %w", err))
	}
	return frame(IDHandshake, payload, n)
}

func DecodeHandshake(f canboot.Frame) (Handshake, error) {
	values, err := codec.Unpack(handshakeSpec, f.Data[:f.DLC])
	if err != nil {
		return Handshake{}, fmt.Errorf("catalogue: Handshake decode: %w", err)
	}
	return Handshake{
		Register: canboot.Register(values["register"].Raw),
		Command:  canboot.Command(values["command"].Raw),
		Target:   canboot.Target(values["target"].Raw),
		Value:    uint32(values["value"].Raw),
	}, nil
}

// HandshakeAck answers a Handshake (§3, §4.4).
type HandshakeAck struct {
	Register canboot.Register
	Target   canboot.Target
	Response canboot.HandshakeResponse
	Value    uint32
}

var handshakeAckSpec = []codec.FieldSpec{
	e("register", 0, 8),
	e("target", 8, 4),
	e("response", 12, 8),
	u("value", 20, 32),
}

func (h HandshakeAck) Encode() canboot.Frame {
	payload, n, err := codec.Pack(handshakeAckSpec, map[string]codec.Value{
		"register": val("register", int64(h.Register)),
		"target":   val("target", int64(h.Target)),
		"response": val("response", int64(h.Response)),
		"value":    val("value", int64(h.Value)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: HandshakeAck encode: %w", err))
	}
	return frame(IDHandshakeAck, payload, n)
}

func DecodeHandshakeAck(f canboot.Frame) (HandshakeAck, error) {
	values, err := codec.Unpack(handshakeAckSpec, f.Data[:f.DLC])
	if err != nil {
		return HandshakeAck{}, fmt.Errorf("catalogue: HandshakeAck decode: %w", err)
	}
	return HandshakeAck{
		Register: canboot.Register(values["register"].Raw),
		Target:   canboot.Target(values["target"].Raw),
		Response: canboot.HandshakeResponse(values["response"].Raw),
		Value:    uint32(values["value"].Raw),
	}, nil
}

// dataAddressBits sizes the word-shifted address field carried by Data and
// DataAck: 30 bits, shifted left 2 to form a byte address, so every
// word-aligned 32-bit byte address (e.g. flash mapped at 0x08000000) fits.
const dataAddressBits = 30

// Data streams one 32-bit flash word (or doubleword) during StreamData
// (§4.4). Address is a byte address; it is transmitted word-shifted (>>2).
type Data struct {
	Address      uint32
	IsDoubleword bool
	Value        uint32
}

var dataSpec = []codec.FieldSpec{
	u("address", 0, dataAddressBits),
	boolf("isDoubleword", dataAddressBits),
	u("value", dataAddressBits+1, 32),
}

func (d Data) Encode() canboot.Frame {
	dw := int64(0)
	if d.IsDoubleword {
		dw = 1
	}
	payload, n, err := codec.Pack(dataSpec, map[string]codec.Value{
		"address":      val("address", int64(d.Address>>2)),
		"isDoubleword": val("isDoubleword", dw),
		"value":        val("value", int64(d.Value)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: Data encode: %w", err))
	}
	return frame(IDData, payload, n)
}

func DecodeData(f canboot.Frame) (Data, error) {
	values, err := codec.Unpack(dataSpec, f.Data[:f.DLC])
	if err != nil {
		return Data{}, fmt.Errorf("catalogue: Data decode: %w", err)
	}
	return Data{
		Address:      uint32(values["address"].Raw) << 2,
		IsDoubleword: values["isDoubleword"].Raw != 0,
		Value:        uint32(values["value"].Raw),
	}, nil
}

// DataAck acknowledges the entire in-flight data stream, not a single word
// (§4.4): the Engine proceeds on no per-word ack and watches for this.
type DataAck struct {
	Address uint32
	Result  canboot.WriteResult
}

var dataAckSpec = []codec.FieldSpec{
	u("address", 0, dataAddressBits),
	e("result", dataAddressBits, 8),
}

func (d DataAck) Encode() canboot.Frame {
	payload, n, err := codec.Pack(dataAckSpec, map[string]codec.Value{
		"address": val("address", int64(d.Address>>2)),
		"result":  val("result", int64(d.Result)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: DataAck encode: %w", err))
	}
	return frame(IDDataAck, payload, n)
}

func DecodeDataAck(f canboot.Frame) (DataAck, error) {
	values, err := codec.Unpack(dataAckSpec, f.Data[:f.DLC])
	if err != nil {
		return DataAck{}, fmt.Errorf("catalogue: DataAck decode: %w", err)
	}
	return DataAck{
		Address: uint32(values["address"].Raw) << 2,
		Result:  canboot.WriteResult(values["result"].Raw),
	}, nil
}

// ExitReq asks Target to leave the current context, optionally forced, and
// either back to the application or (for update_bootloader) back to a fresh
// bootloader (§4.4).
type ExitReq struct {
	Target canboot.Target
	Force  bool
	ToApp  bool
}

var exitReqSpec = []codec.FieldSpec{
	e("target", 0, 4),
	boolf("force", 4),
	boolf("toApp", 5),
}

func (e2 ExitReq) Encode() canboot.Frame {
	force, toApp := int64(0), int64(0)
	if e2.Force {
		force = 1
	}
	if e2.ToApp {
		toApp = 1
	}
	payload, n, err := codec.Pack(exitReqSpec, map[string]codec.Value{
		"target": val("target", int64(e2.Target)),
		"force":  val("force", force),
		"toApp":  val("toApp", toApp),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: ExitReq encode: %w", err))
	}
	return frame(IDExitReq, payload, n)
}

func DecodeExitReq(f canboot.Frame) (ExitReq, error) {
	values, err := codec.Unpack(exitReqSpec, f.Data[:f.DLC])
	if err != nil {
		return ExitReq{}, fmt.Errorf("catalogue: ExitReq decode: %w", err)
	}
	return ExitReq{
		Target: canboot.Target(values["target"].Raw),
		Force:  values["force"].Raw != 0,
		ToApp:  values["toApp"].Raw != 0,
	}, nil
}

// ExitAck confirms (or refuses) an ExitReq (§4.4).
type ExitAck struct {
	Target    canboot.Target
	Confirmed bool
}

var exitAckSpec = []codec.FieldSpec{
	e("target", 0, 4),
	boolf("confirmed", 4),
}

func (e2 ExitAck) Encode() canboot.Frame {
	confirmed := int64(0)
	if e2.Confirmed {
		confirmed = 1
	}
	payload, n, err := codec.Pack(exitAckSpec, map[string]codec.Value{
		"target":    val("target", int64(e2.Target)),
		"confirmed": val("confirmed", confirmed),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: ExitAck encode: %w", err))
	}
	return frame(IDExitAck, payload, n)
}

func DecodeExitAck(f canboot.Frame) (ExitAck, error) {
	values, err := codec.Unpack(exitAckSpec, f.Data[:f.DLC])
	if err != nil {
		return ExitAck{}, fmt.Errorf("catalogue: ExitAck decode: %w", err)
	}
	return ExitAck{
		Target:    canboot.Target(values["target"].Raw),
		Confirmed: values["confirmed"].Raw != 0,
	}, nil
}

// CommunicationYield hands conversational ownership to Target (when sent by
// the host) or back to the host (when sent by Target) during YieldToBL
// (§4.4).
type CommunicationYield struct {
	Target canboot.Target
}

var communicationYieldSpec = []codec.FieldSpec{
	e("target", 0, 4),
}

func (c CommunicationYield) Encode() canboot.Frame {
	payload, n, err := codec.Pack(communicationYieldSpec, map[string]codec.Value{
		"target": val("target", int64(c.Target)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: CommunicationYield encode: %w", err))
	}
	return frame(IDCommunicationYield, payload, n)
}

func DecodeCommunicationYield(f canboot.Frame) (CommunicationYield, error) {
	values, err := codec.Unpack(communicationYieldSpec, f.Data[:f.DLC])
	if err != nil {
		return CommunicationYield{}, fmt.Errorf("catalogue: CommunicationYield decode: %w", err)
	}
	return CommunicationYield{Target: canboot.Target(values["target"].Raw)}, nil
}

// CANErrorKind classifies a CANError notification from the adapter.
type CANErrorKind uint8

const (
	CANErrorAcknowledgment CANErrorKind = 0
	CANErrorBusOff         CANErrorKind = 1
	CANErrorWarning        CANErrorKind = 2
	CANErrorPassive        CANErrorKind = 3
)

// CANError reports the adapter's own CAN controller health: transmit/receive
// error counters and a bus-state classification. The Listener clears its
// receiving_acks flag on CANErrorAcknowledgment only (§4.3).
type CANError struct {
	Kind CANErrorKind
	TEC  uint8
	REC  uint8
}

var canErrorSpec = []codec.FieldSpec{
	e("kind", 0, 8),
	u("tec", 8, 8),
	u("rec", 16, 8),
}

func (c CANError) Encode() canboot.Frame {
	payload, n, err := codec.Pack(canErrorSpec, map[string]codec.Value{
		"kind": val("kind", int64(c.Kind)),
		"tec":  val("tec", int64(c.TEC)),
		"rec":  val("rec", int64(c.REC)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: CANError encode: %w", err))
	}
	return frame(IDCANError, payload, n)
}

func DecodeCANError(f canboot.Frame) (CANError, error) {
	values, err := codec.Unpack(canErrorSpec, f.Data[:f.DLC])
	if err != nil {
		return CANError{}, fmt.Errorf("catalogue: CANError decode: %w", err)
	}
	return CANError{
		Kind: CANErrorKind(values["kind"].Raw),
		TEC:  uint8(values["tec"].Raw),
		REC:  uint8(values["rec"].Raw),
	}, nil
}

// Config reports the adapter's current link configuration in response to a
// query_config request.
type Config struct {
	BitrateKbps uint32
	Silent      bool
}

var configSpec = []codec.FieldSpec{
	u("bitrateKbps", 0, 32),
	boolf("silent", 32),
}

func (c Config) Encode() canboot.Frame {
	silent := int64(0)
	if c.Silent {
		silent = 1
	}
	payload, n, err := codec.Pack(configSpec, map[string]codec.Value{
		"bitrateKbps": val("bitrateKbps", int64(c.BitrateKbps)),
		"silent":      val("silent", silent),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: Config encode: %w", err))
	}
	return frame(IDConfig, payload, n)
}

func DecodeConfig(f canboot.Frame) (Config, error) {
	values, err := codec.Unpack(configSpec, f.Data[:f.DLC])
	if err != nil {
		return Config{}, fmt.Errorf("catalogue: Config decode: %w", err)
	}
	return Config{
		BitrateKbps: uint32(values["bitrateKbps"].Raw),
		Silent:      values["silent"].Raw != 0,
	}, nil
}

// Heartbeat is the adapter's own liveness beacon, unrelated to any target's
// bootloader or application state; the Listener does not subscribe to it
// and folds it into no table.
type Heartbeat struct{}

func (Heartbeat) Encode() canboot.Frame {
	return frame(IDHeartbeat, [8]byte{}, 0)
}

// ErrorFlags reports the adapter's sticky error-flag bitmap in response to a
// query_error_flags request.
type ErrorFlags struct {
	Bits uint32
}

var errorFlagsSpec = []codec.FieldSpec{
	u("bits", 0, 32),
}

func (e2 ErrorFlags) Encode() canboot.Frame {
	payload, n, err := codec.Pack(errorFlagsSpec, map[string]codec.Value{
		"bits": val("bits", int64(e2.Bits)),
	})
	if err != nil {
		panic(fmt.Errorf("catalogue: ErrorFlags encode: %w", err))
	}
	return frame(IDErrorFlags, payload, n)
}

func DecodeErrorFlags(f canboot.Frame) (ErrorFlags, error) {
	values, err := codec.Unpack(errorFlagsSpec, f.Data[:f.DLC])
	if err != nil {
		return ErrorFlags{}, fmt.Errorf("catalogue: ErrorFlags decode: %w", err)
	}
	return ErrorFlags{Bits: uint32(values["bits"].Raw)}, nil
}
