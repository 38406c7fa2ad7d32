// Package can holds the pluggable Frame Transport bindings (§6): virtual
// (in-memory/TCP, for tests), socketcan (brutella/can-backed), and serial
// (the reference adapter's length-prefixed framing). Each binding registers
// itself here by interface name in its own init(), the way the teacher's
// driver selection works.
package can

import (
	"fmt"

	"github.com/openbench/canboot"
)

// NewInterfaceFunc constructs a canboot.Bus bound to channel (a device path,
// TCP address, or interface name depending on the transport).
type NewInterfaceFunc func(channel string) (canboot.Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// ImplementedInterfaces lists the transport names NewBus accepts.
var ImplementedInterfaces []string

// RegisterInterface makes a transport constructor available under name; call
// from the transport package's init().
func RegisterInterface(name string, newInterface NewInterfaceFunc) {
	interfaceRegistry[name] = newInterface
	ImplementedInterfaces = append(ImplementedInterfaces, name)
}

// NewBus constructs a Bus for the named transport, e.g. "socketcan",
// "virtual", "serial".
func NewBus(transport string, channel string) (canboot.Bus, error) {
	newInterface, ok := interfaceRegistry[transport]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported transport %q", canboot.ErrTransport, transport)
	}
	return newInterface(channel)
}
