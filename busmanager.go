package canboot

import (
	"log/slog"
	"sync"
)

// MaxCanId is the largest standard 11-bit CAN identifier.
const MaxCanId = 0x7FF

// lookupArraySize reserves one slot per standard id plus one per RTR variant,
// the same array-indexed dispatch trick the teacher's BusManager uses instead
// of a map, since the id space is small and fixed.
const lookupArraySize = (MaxCanId + 1) * 2

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager wraps a Bus and fans out every inbound Frame to whichever
// FrameListener(s) subscribed to its CAN id. The Listener and the Protocol
// Engine each subscribe independently; BusManager.Handle is the single
// callback registered with the underlying Bus, so it is the one place where
// "frame delivered to the Engine is in adapter-timestamp order" (§5) is
// enforced — it never reorders what it receives.
type BusManager struct {
	logger    *slog.Logger
	mu        sync.Mutex
	bus       Bus
	listeners [lookupArraySize][]subscriber
	nextSubID uint64
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:    bus,
		logger: slog.Default(),
	}
}

// Handle implements FrameListener; it is registered once with the Bus via
// Subscribe and dispatches to every listener registered for frame.ID.
func (bm *BusManager) Handle(frame Frame) {
	id := frame.ID & CanSffMask
	if frame.IDKind == IDExtended {
		id = frame.ID & CanEffMask
	}
	idx := id
	if frame.ID&CanRtrFlag != 0 {
		idx += MaxCanId + 1
	}
	if idx >= lookupArraySize {
		return
	}

	bm.mu.Lock()
	listeners := append([]subscriber(nil), bm.listeners[idx]...)
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

// Send transmits a frame, logging (but not failing loudly) transport errors -
// callers decide whether a failed send is fatal for their state machine.
func (bm *BusManager) Send(frame Frame) error {
	err := bm.Bus().Send(frame)
	if err != nil {
		bm.logger.Warn("error sending frame", "err", err)
	}
	return err
}

// Subscribe registers callback for every frame whose id (masked appropriately
// for std/ext) matches ident. Returns a cancel function removing the
// subscription.
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}
	if idx >= lookupArraySize {
		return nil, ErrIllegalArgument
	}

	bm.nextSubID++
	subID := bm.nextSubID
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{id: subID, callback: callback})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subID {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}
