// Package canboot implements a host-side programmer for the CAN bootloader
// protocol used to reflash embedded control units (ECUs) over a CAN bus.
package canboot

import "fmt"

// Standard 11-bit CAN identifier mask, and the RTR flag bit as used by the
// Linux SocketCAN frame-id encoding that every transport in pkg/can speaks.
const (
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
	CanEffFlag uint32 = 0x80000000
	CanRtrFlag uint32 = 0x40000000
)

// IDKind distinguishes 11-bit standard from 29-bit extended CAN identifiers.
type IDKind uint8

const (
	IDStandard IDKind = iota
	IDExtended
)

// Frame is a single CAN frame as delivered by a Bus: either inbound (tagged
// with the adapter's microsecond timestamp) or outbound.
type Frame struct {
	ID        uint32
	IDKind    IDKind
	DLC       uint8
	Data      [8]byte
	TimestampUs int64
}

func NewFrame(id uint32, kind IDKind, dlc uint8) Frame {
	return Frame{ID: id, IDKind: kind, DLC: dlc}
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(id=x%03X dlc=%d data=% X ts=%dus)", f.ID, f.DLC, f.Data[:f.DLC], f.TimestampUs)
}

// FrameListener receives every inbound frame routed to it by a BusManager
// subscription. Handle must not block.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the abstract Frame Transport (§6): a bidirectional channel to one
// physical or virtual CAN interface. Concrete implementations live under
// pkg/can/{virtual,socketcan,serial}.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(callback FrameListener) error
	SetSilent(silent bool) error
	SetBitrateAuto() error
	SetBitrateManual(bitrate int) error
}
