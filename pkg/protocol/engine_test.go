package protocol

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/can/virtual"
	"github.com/openbench/canboot/pkg/catalogue"
	"github.com/openbench/canboot/pkg/hexfile"
	"github.com/openbench/canboot/pkg/listener"
)

// oneWordFirmware is a minimal Intel-HEX image: one data word at address 0
// and a start-linear-address record, enough to drive streamData end to end.
const oneWordFirmware = ":0400000001000000FB\n:0400000508004000AF\n:00000001FF\n"

func loopbackManager(t *testing.T) *canboot.BusManager {
	t.Helper()
	raw, err := virtual.NewBus("unused")
	require.NoError(t, err)
	bus := raw.(*virtual.Bus)
	bus.SetReceiveOwn(true)
	bm := canboot.NewBusManager(bus)
	require.NoError(t, bus.Subscribe(bm))
	return bm
}

func blocks(addr uint32, words ...uint32) []canboot.MemoryBlock {
	data := make([]byte, 4*len(words))
	for i, w := range words {
		data[4*i] = byte(w)
		data[4*i+1] = byte(w >> 8)
		data[4*i+2] = byte(w >> 16)
		data[4*i+3] = byte(w >> 24)
	}
	return []canboot.MemoryBlock{{Address: addr, Data: data}}
}

func TestWordCursorWalksBlocksAndJumpsGaps(t *testing.T) {
	bs := []canboot.MemoryBlock{
		{Address: 0x1000, Data: []byte{1, 0, 0, 0, 2, 0, 0, 0}},
		{Address: 0x2000, Data: []byte{3, 0, 0, 0}},
	}
	c := newWordCursor(bs)

	addr, word, ok := c.next()
	require.True(t, ok)
	assert.EqualValues(t, 0x1000, addr)
	assert.EqualValues(t, 1, word)

	addr, word, ok = c.next()
	require.True(t, ok)
	assert.EqualValues(t, 0x1004, addr)
	assert.EqualValues(t, 2, word)

	addr, word, ok = c.next()
	require.True(t, ok)
	assert.EqualValues(t, 0x2000, addr, "cursor must jump straight to the next block's start")
	assert.EqualValues(t, 3, word)

	_, _, ok = c.next()
	assert.False(t, ok)
}

func TestWordCursorSeekRestartsFromAddress(t *testing.T) {
	c := newWordCursor(blocks(0x1000, 1, 2, 3))

	require.NoError(t, c.seek(0x1004))
	addr, word, ok := c.next()
	require.True(t, ok)
	assert.EqualValues(t, 0x1004, addr)
	assert.EqualValues(t, 2, word)

	err := c.seek(0x5000)
	require.Error(t, err)
	assert.ErrorIs(t, err, canboot.ErrCoverageGap)
}

func TestSendHandshakeRetriesThenTimesOut(t *testing.T) {
	bm := loopbackManager(t)
	opts := DefaultOptions()
	opts.RetryLimit = 2
	opts.HandshakeTimeout = 10 * time.Millisecond

	e, err := New(bm, nil, canboot.TargetAMS, opts, nil)
	require.NoError(t, err)
	defer e.Close()
	e.ctx = context.Background()

	_, err = e.sendHandshake(canboot.RegisterTransactionMagic, canboot.CommandNone, canboot.TransactionMagic)
	require.Error(t, err)
	assert.ErrorIs(t, err, canboot.ErrProtocolTimeout)

	pe := canboot.NewProtocolError(err)
	assert.Equal(t, canboot.ExitCodeProtocolTimeout, pe.Code)
}

// scriptedPeer answers the handshakes a SetVectorTable transaction produces:
// magic open, the SetNewVectorTable command, and the closing ExitReq.
type scriptedPeer struct {
	bm     *canboot.BusManager
	target canboot.Target
}

func (p *scriptedPeer) Handle(frame canboot.Frame) {
	switch frame.ID {
	case catalogue.IDHandshake:
		h, err := catalogue.DecodeHandshake(frame)
		if err != nil {
			return
		}
		_ = p.bm.Send(catalogue.HandshakeAck{
			Register: h.Register,
			Target:   p.target,
			Response: canboot.ResponseOK,
		}.Encode())
	case catalogue.IDExitReq:
		req, err := catalogue.DecodeExitReq(frame)
		if err != nil {
			return
		}
		_ = p.bm.Send(catalogue.ExitAck{Target: req.Target, Confirmed: true}.Encode())
	}
}

func TestRunSetVectorTableEndToEndWithScriptedPeer(t *testing.T) {
	bm := loopbackManager(t)
	target := canboot.TargetAMS

	l := listener.New(bm, []canboot.Target{target}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	// Seed the listener's table directly with a Beacon so locateTarget
	// resolves immediately instead of waiting out its ping loop.
	bm.Handle(catalogue.Beacon{Target: target, State: canboot.StateReady}.Encode())
	_, ok := l.BootloaderEntry(target)
	require.True(t, ok)

	peer := &scriptedPeer{bm: bm, target: target}
	cancelH, err := bm.Subscribe(catalogue.IDHandshake, false, peer)
	require.NoError(t, err)
	defer cancelH()
	cancelX, err := bm.Subscribe(catalogue.IDExitReq, false, peer)
	require.NoError(t, err)
	defer cancelX()

	opts := DefaultOptions()
	opts.HandshakeTimeout = 200 * time.Millisecond
	e, err := New(bm, l, target, opts, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = e.RunSetVectorTable(ctx, 0x08004000)
	require.NoError(t, err)
}

func TestRunSetVectorTableSurfacesRefusalAsProtocolError(t *testing.T) {
	bm := loopbackManager(t)
	target := canboot.TargetAMS

	l := listener.New(bm, []canboot.Target{target}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()
	bm.Handle(catalogue.Beacon{Target: target, State: canboot.StateReady}.Encode())

	refusing := &refusingPeer{bm: bm, target: target}
	cancel1, err := bm.Subscribe(catalogue.IDHandshake, false, refusing)
	require.NoError(t, err)
	defer cancel1()

	opts := DefaultOptions()
	opts.RetryLimit = 1
	opts.HandshakeTimeout = 100 * time.Millisecond
	e, err := New(bm, l, target, opts, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Second)
	defer cancelCtx()
	err = e.RunSetVectorTable(ctx, 0x08004000)
	require.Error(t, err)
	assert.ErrorIs(t, err, canboot.ErrPeerRefused)

	var pe *canboot.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, canboot.ExitCodeFailure, pe.Code, "a peer refusal is a user-recoverable error (exit 1), not a protocol timeout (exit 3)")
}

// refusingPeer always answers the opening magic handshake with a refusal.
type refusingPeer struct {
	bm     *canboot.BusManager
	target canboot.Target
}

func (p *refusingPeer) Handle(frame canboot.Frame) {
	if frame.ID != catalogue.IDHandshake {
		return
	}
	h, err := catalogue.DecodeHandshake(frame)
	if err != nil {
		return
	}
	_ = p.bm.Send(catalogue.HandshakeAck{
		Register: h.Register,
		Target:   p.target,
		Response: canboot.ResponseInvalidTransactionMagic,
	}.Encode())
}

func TestEstablishConnectionAndExitToApplication(t *testing.T) {
	bm := loopbackManager(t)
	target := canboot.TargetAMS

	l := listener.New(bm, []canboot.Target{target}, nil)
	require.NoError(t, l.Start())
	defer l.Stop()
	bm.Handle(catalogue.Beacon{Target: target, State: canboot.StateReady}.Encode())

	peer := &scriptedPeer{bm: bm, target: target}
	cancelX, err := bm.Subscribe(catalogue.IDExitReq, false, peer)
	require.NoError(t, err)
	defer cancelX()

	opts := DefaultOptions()
	opts.HandshakeTimeout = 200 * time.Millisecond
	e, err := New(bm, l, target, opts, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, e.EstablishConnection(ctx))
	require.NoError(t, e.ExitToApplication(ctx))
}

// streamingPeer answers every engine-initiated handshake (magic open/close,
// firmware size) with OK, then injects a Stall/Resume pair before sending
// the terminal DataAck, to exercise streamData's control-handshake handling
// and stall-duration accounting.
type streamingPeer struct {
	bm     *canboot.BusManager
	target canboot.Target
}

func (p *streamingPeer) Handle(frame canboot.Frame) {
	if frame.ID != catalogue.IDHandshake {
		return
	}
	h, err := catalogue.DecodeHandshake(frame)
	if err != nil {
		return
	}
	_ = p.bm.Send(catalogue.HandshakeAck{Register: h.Register, Target: p.target, Response: canboot.ResponseOK}.Encode())
	if h.Register == canboot.RegisterFirmwareSize {
		go func() {
			_ = p.bm.Send(catalogue.Handshake{Register: canboot.RegisterCommand, Command: canboot.CommandStallSubtransaction, Target: p.target}.Encode())
			time.Sleep(30 * time.Millisecond)
			_ = p.bm.Send(catalogue.Handshake{Register: canboot.RegisterCommand, Command: canboot.CommandResumeSubtransaction, Target: p.target}.Encode())
			time.Sleep(10 * time.Millisecond)
			_ = p.bm.Send(catalogue.DataAck{Result: canboot.WriteOk}.Encode())
		}()
	}
}

func TestStreamDataTracksStallDurationAndReportsProgress(t *testing.T) {
	bm := loopbackManager(t)
	target := canboot.TargetAMS

	peer := &streamingPeer{bm: bm, target: target}
	cancel, err := bm.Subscribe(catalogue.IDHandshake, false, peer)
	require.NoError(t, err)
	defer cancel()

	firmware, err := hexfile.Load(strings.NewReader(oneWordFirmware))
	require.NoError(t, err)

	var updates []ProgressUpdate
	opts := DefaultOptions()
	opts.HandshakeTimeout = 2 * time.Second
	opts.OnProgress = func(u ProgressUpdate) { updates = append(updates, u) }

	e, err := New(bm, nil, target, opts, nil)
	require.NoError(t, err)
	defer e.Close()
	e.ctx = context.Background()

	require.NoError(t, e.streamData(firmware))
	assert.Greater(t, e.totalTimeStalled, time.Duration(0), "a Stall/Resume pair must accumulate stall time")
	assert.Equal(t, 1, e.stallCount)
	// A single-word stream never crosses OnProgress's 200ms emission gate;
	// this only confirms wiring a callback doesn't disturb the transaction.
	assert.Empty(t, updates)
}
