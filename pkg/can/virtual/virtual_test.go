package virtual

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openbench/canboot"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []canboot.Frame
}

func (r *frameRecorder) Handle(frame canboot.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newVirtualBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBus("unused")
	if err != nil {
		t.Fatal(err)
	}
	return bus.(*Bus)
}

func TestSendWithoutConnectionFails(t *testing.T) {
	bus := newVirtualBus(t)
	frame := canboot.NewFrame(0x111, canboot.IDStandard, 8)

	err := bus.Send(frame)
	assert.Error(t, err, "send with no connection and no loopback must fail")
}

func TestReceiveOwnLoopsSentFramesBackToListener(t *testing.T) {
	bus := newVirtualBus(t)
	recorder := &frameRecorder{}
	err := bus.Subscribe(recorder)
	assert.NoError(t, err)

	frame := canboot.NewFrame(0x111, canboot.IDStandard, 8)
	frame.Data = [8]byte{0, 1, 2, 3, 4, 5, 6, 7}

	_ = bus.Send(frame) // no connection: errors, but must not loop back either
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, recorder.count(), "without ReceiveOwn, own sends must not loop back")

	bus.SetReceiveOwn(true)
	_ = bus.Send(frame) // still no connection, but ReceiveOwn delivers locally before that check
	assert.Equal(t, 1, recorder.count())
	assert.EqualValues(t, 0x111, recorder.frames[0].ID)
}
