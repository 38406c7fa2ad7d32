// Package socketcan binds canboot.Bus to a Linux SocketCAN interface using
// github.com/brutella/can, the library the teacher repo wraps for the same
// purpose. Bit-rate is a link property in SocketCAN, set before the
// interface is brought up; SetBitrateManual shells out to `ip link` the way
// an operator would, logging the attempt — "bit-rate autodetection beyond
// invoking the adapter's own feature" is explicitly out of scope (§1), so
// this goes no further than that one command.
package socketcan

import (
	"fmt"
	"os/exec"

	sockcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

type Bus struct {
	ifname   string
	bus      *sockcan.Bus
	listener canboot.FrameListener
}

func NewBus(name string) (canboot.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: opening socketcan interface %s: %v", canboot.ErrTransport, name, err)
	}
	return &Bus{ifname: name, bus: bus}, nil
}

func (b *Bus) Connect(...any) error {
	log.WithField("iface", b.ifname).Info("connecting socketcan bus")
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	log.WithField("iface", b.ifname).Info("disconnecting socketcan bus")
	if err := b.bus.Disconnect(); err != nil {
		return fmt.Errorf("%w: %v", canboot.ErrTransport, err)
	}
	return nil
}

func (b *Bus) Send(frame canboot.Frame) error {
	flags := uint8(0)
	if frame.IDKind == canboot.IDExtended {
		flags |= 0x80
	}
	err := b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  flags,
		Data:   frame.Data,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", canboot.ErrTransport, err)
	}
	return nil
}

func (b *Bus) Subscribe(listener canboot.FrameListener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// Handle satisfies brutella/can's own Handler interface, translating its
// Frame into ours before forwarding to our listener.
func (b *Bus) Handle(frame sockcan.Frame) {
	if b.listener == nil {
		return
	}
	kind := canboot.IDStandard
	if frame.Flags&0x80 != 0 {
		kind = canboot.IDExtended
	}
	b.listener.Handle(canboot.Frame{ID: frame.ID, IDKind: kind, DLC: frame.Length, Data: frame.Data})
}

func (b *Bus) SetSilent(silent bool) error {
	mode := "off"
	if silent {
		mode = "on"
	}
	log.WithFields(log.Fields{"iface": b.ifname, "listen-only": mode}).Warn("SetSilent requires the interface to be reconfigured with `ip link`; not applied automatically")
	return nil
}

func (b *Bus) SetBitrateAuto() error {
	return fmt.Errorf("%w: socketcan transport does not support bit-rate autodetection, set it with `ip link` before connecting", canboot.ErrTransport)
}

func (b *Bus) SetBitrateManual(bitrate int) error {
	log.WithFields(log.Fields{"iface": b.ifname, "bitrate": bitrate}).Info("setting socketcan bitrate via ip link")
	down := exec.Command("ip", "link", "set", b.ifname, "down")
	if err := down.Run(); err != nil {
		return fmt.Errorf("%w: bringing %s down: %v", canboot.ErrTransport, b.ifname, err)
	}
	set := exec.Command("ip", "link", "set", b.ifname, "type", "can", "bitrate", fmt.Sprintf("%d", bitrate))
	if err := set.Run(); err != nil {
		return fmt.Errorf("%w: setting bitrate on %s: %v", canboot.ErrTransport, b.ifname, err)
	}
	up := exec.Command("ip", "link", "set", b.ifname, "up")
	if err := up.Run(); err != nil {
		return fmt.Errorf("%w: bringing %s up: %v", canboot.ErrTransport, b.ifname, err)
	}
	return nil
}
