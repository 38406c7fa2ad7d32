package listener

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/can/virtual"
	"github.com/openbench/canboot/pkg/catalogue"
)

// loopbackManager builds a BusManager wired to a receive-own virtual bus, so
// a test can both feed the Listener frames and observe what it sends.
func loopbackManager(t *testing.T) (*canboot.BusManager, *virtual.Bus) {
	t.Helper()
	raw, err := virtual.NewBus("unused")
	require.NoError(t, err)
	bus := raw.(*virtual.Bus)
	bus.SetReceiveOwn(true)
	bm := canboot.NewBusManager(bus)
	require.NoError(t, bus.Subscribe(bm))
	return bm, bus
}

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

func TestBeaconPopulatesActiveBootloaders(t *testing.T) {
	bm, _ := loopbackManager(t)
	l := New(bm, []canboot.Target{canboot.TargetAMS}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	frame := catalogue.Beacon{
		Target:       canboot.TargetAMS,
		State:        canboot.StateReady,
		FlashSizeKiB: 512,
		EntryReason:  canboot.EntryReasonPowerOn,
	}.Encode()
	l.Handle(frame)

	entry, ok := l.BootloaderEntry(canboot.TargetAMS)
	require.True(t, ok)
	assert.Equal(t, canboot.StateReady, entry.State)
	assert.EqualValues(t, 512, entry.FlashSizeKiB)

	_, stillApp := l.ApplicationEntry(canboot.TargetAMS)
	assert.False(t, stillApp, "a bootloader-active target must not remain in aware_applications")
}

func TestPingResponseMovesTargetToAwareApplications(t *testing.T) {
	bm, _ := loopbackManager(t)
	l := New(bm, []canboot.Target{canboot.TargetAMS}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	l.Handle(catalogue.Beacon{Target: canboot.TargetAMS, State: canboot.StateReady}.Encode())
	_, ok := l.BootloaderEntry(canboot.TargetAMS)
	require.True(t, ok)

	l.Handle(catalogue.PingResponse{
		Target:            canboot.TargetAMS,
		BootloaderPending: true,
		HasBuildInfo:      true,
		BLCommitSHA:       0xDEADBEEF,
		BLDirtyRepo:       true,
	}.Encode())

	_, stillBootloader := l.BootloaderEntry(canboot.TargetAMS)
	assert.False(t, stillBootloader)

	app, ok := l.ApplicationEntry(canboot.TargetAMS)
	require.True(t, ok)
	assert.True(t, app.BLPending)

	build, ok := l.BootloaderBuild(canboot.TargetAMS)
	require.True(t, ok)
	assert.EqualValues(t, 0xDEADBEEF, build.CommitSHA)
	assert.True(t, build.DirtyRepo)
}

func TestCANErrorAcknowledgmentClearsReceivingAcks(t *testing.T) {
	bm, _ := loopbackManager(t)
	l := New(bm, []canboot.Target{canboot.TargetAMS}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	assert.True(t, l.ReceivingAcks())

	l.Handle(catalogue.CANError{Kind: catalogue.CANErrorAcknowledgment}.Encode())
	assert.False(t, l.ReceivingAcks())

	l.Handle(catalogue.Beacon{Target: canboot.TargetAMS}.Encode())
	assert.True(t, l.ReceivingAcks())
}

func TestConfigRecordsBitrate(t *testing.T) {
	bm, _ := loopbackManager(t)
	l := New(bm, nil, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	l.Handle(catalogue.Config{BitrateKbps: 500}.Encode())
	assert.EqualValues(t, 500, l.Bitrate())
}

func TestPauseSuppressesPingCycler(t *testing.T) {
	raw, err := virtual.NewBus("unused")
	require.NoError(t, err)
	bus := raw.(*virtual.Bus)
	bus.SetReceiveOwn(true)
	recorder := &frameRecorder{}
	require.NoError(t, bus.Subscribe(recorder))
	bm := canboot.NewBusManager(bus)

	l := New(bm, []canboot.Target{canboot.TargetAMS}, nil)
	l.Pause()
	require.NoError(t, l.Start())
	defer l.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, recorder.count(), "a paused listener must not emit pings")
}

func TestSnapshotCopiesAllTables(t *testing.T) {
	bm, _ := loopbackManager(t)
	l := New(bm, []canboot.Target{canboot.TargetAMS}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	l.Handle(catalogue.Beacon{Target: canboot.TargetAMS, State: canboot.StateReady, FlashSizeKiB: 256}.Encode())
	l.Handle(catalogue.Config{BitrateKbps: 250}.Encode())

	snap := l.Snapshot()
	entry, ok := snap.ActiveBootloaders[canboot.TargetAMS]
	require.True(t, ok)
	assert.EqualValues(t, 256, entry.FlashSizeKiB)
	assert.EqualValues(t, 250, snap.BusBitrateKbps)
	assert.True(t, snap.ReceivingAcks)

	// Mutating the snapshot's maps must not reach back into the Listener.
	delete(snap.ActiveBootloaders, canboot.TargetAMS)
	_, stillThere := l.BootloaderEntry(canboot.TargetAMS)
	assert.True(t, stillThere)
}

func TestPingCyclerSkipsTargetsAlreadyInBootloader(t *testing.T) {
	bm, _ := loopbackManager(t)
	l := New(bm, []canboot.Target{canboot.TargetAMS}, nil)

	l.mu.Lock()
	l.activeBootloaders[canboot.TargetAMS] = canboot.TargetBootloaderData{State: canboot.StateReady}
	l.mu.Unlock()

	_, ok := l.nextPingTargetLocked()
	assert.False(t, ok, "the only known target is already in bootloader, nothing left to ping")
}
