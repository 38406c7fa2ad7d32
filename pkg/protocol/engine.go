// Package protocol implements the Protocol Engine state machine (§4.4): the
// sequence of transaction-magic-delimited handshake exchanges that drives one
// target from discovery through a full firmware flash (or a short
// SetVectorTable transaction) and back out to its application.
//
// Grounded on the teacher's pkg/sdo/client.go: a blocking, retry-driven
// sequence of sub-state methods (downloadSetup, downloadMain, uploadSetup,
// upload, ...) each waiting on a response buffer populated by a Handle
// callback, timing out and retrying a fixed number of times before
// surfacing a typed error. The teacher's embedded target has no goroutines,
// so it polls a boolean response flag inside a hand-rolled loop; this host
// program has real concurrency, so the equivalent response buffer is a
// small set of channels fed by Engine.Handle, read with select+time.After
// in place of the teacher's poll-and-sleep.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/catalogue"
	"github.com/openbench/canboot/pkg/hexfile"
	"github.com/openbench/canboot/pkg/listener"
)

// Options configures retry counts, timeouts, and the data-streaming
// throttle (§4.4).
type Options struct {
	// Force allows RequestEntry to evict a target that is bootloader-active
	// but not Ready, via ExitReq(force=true), instead of failing BusyPeer.
	Force bool
	// RetryLimit bounds handshake and ping retries (§4.4: "retry 5 times").
	RetryLimit int
	// HandshakeTimeout bounds how long one handshake attempt waits for its
	// ack before retrying.
	HandshakeTimeout time.Duration
	// StreamThrottle is the sleep applied to StreamData when the
	// efficiency ratio falls below StreamEfficiencyTarget.
	StreamThrottle time.Duration
	// StreamEfficiencyTarget is the minimum acceptable
	// offset/sent-bytes ratio (§4.4: "targeting an efficiency ratio >= 0.9").
	StreamEfficiencyTarget float64
	// OnProgress, if set, is called periodically during StreamData with a
	// running account of bytes sent and efficiency, for a CLI progress bar
	// or log line. It must not block; it runs on the Engine's own goroutine.
	OnProgress func(ProgressUpdate)
}

// ProgressUpdate reports streaming progress for Options.OnProgress.
type ProgressUpdate struct {
	BytesSent      int
	TotalBytes     int
	ThroughputKiBs float64
	Efficiency     float64
	StallCount     int
}

// Result carries post-transaction diagnostics back to the caller: nothing
// here changes whether Run succeeded, but a CLI wants to print an advisory
// when the transaction stalled a lot or ran under the efficiency target, and
// log a warning if the bus bitrate changed mid-transaction.
type Result struct {
	StallCount       int
	TotalTimeStalled time.Duration
	Efficiency       float64
	BitrateChanged   bool
}

func DefaultOptions() Options {
	return Options{
		RetryLimit:             5,
		HandshakeTimeout:       500 * time.Millisecond,
		StreamThrottle:         2 * time.Millisecond,
		StreamEfficiencyTarget: 0.9,
	}
}

// Engine drives one target through the protocol state machine. It
// subscribes directly to the handshake/data/exit message ids alongside the
// Listener's own subscriptions — BusManager fans the same frame out to
// both.
type Engine struct {
	bm       *canboot.BusManager
	listener *listener.Listener
	target   canboot.Target
	opts     Options
	logger   *slog.Logger
	ctx      context.Context

	cancels []func()

	ackCh          chan canboot.HandshakeAck
	handshakeCh    chan canboot.Handshake
	dataAckCh      chan canboot.DataAck
	pingResponseCh chan canboot.PingResponse
	yieldCh        chan canboot.CommunicationYield
	exitAckCh      chan canboot.ExitAck

	stallCount       int
	totalTimeStalled time.Duration
	lastEfficiency   float64
}

func New(bm *canboot.BusManager, l *listener.Listener, target canboot.Target, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		bm:             bm,
		listener:       l,
		target:         target,
		opts:           opts,
		logger:         logger.With("component", "protocol", "target", target.String()),
		ackCh:          make(chan canboot.HandshakeAck, 4),
		handshakeCh:    make(chan canboot.Handshake, 8),
		dataAckCh:      make(chan canboot.DataAck, 1),
		pingResponseCh: make(chan canboot.PingResponse, 1),
		yieldCh:        make(chan canboot.CommunicationYield, 1),
		exitAckCh:      make(chan canboot.ExitAck, 1),
	}
	ids := []uint32{
		catalogue.IDHandshakeAck,
		catalogue.IDHandshake,
		catalogue.IDDataAck,
		catalogue.IDPingResponse,
		catalogue.IDCommunicationYield,
		catalogue.IDExitAck,
	}
	for _, id := range ids {
		cancel, err := bm.Subscribe(id, false, e)
		if err != nil {
			return nil, err
		}
		e.cancels = append(e.cancels, cancel)
	}
	return e, nil
}

// Close unsubscribes the engine from the bus.
func (e *Engine) Close() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
}

// Handle implements canboot.FrameListener.
func (e *Engine) Handle(frame canboot.Frame) {
	switch frame.ID {
	case catalogue.IDHandshakeAck:
		if ack, err := catalogue.DecodeHandshakeAck(frame); err == nil {
			trySend(e.ackCh, ack)
		}
	case catalogue.IDHandshake:
		if h, err := catalogue.DecodeHandshake(frame); err == nil {
			trySend(e.handshakeCh, h)
		}
	case catalogue.IDDataAck:
		if d, err := catalogue.DecodeDataAck(frame); err == nil {
			trySend(e.dataAckCh, d)
		}
	case catalogue.IDPingResponse:
		if p, err := catalogue.DecodePingResponse(frame); err == nil {
			trySend(e.pingResponseCh, p)
		}
	case catalogue.IDCommunicationYield:
		if y, err := catalogue.DecodeCommunicationYield(frame); err == nil {
			trySend(e.yieldCh, y)
		}
	case catalogue.IDExitAck:
		if x, err := catalogue.DecodeExitAck(frame); err == nil {
			trySend(e.exitAckCh, x)
		}
	}
}

// trySend delivers v to ch, dropping the oldest queued value to make room
// rather than blocking the BusManager's dispatch goroutine.
func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (e *Engine) send(frame canboot.Frame) error {
	return e.bm.Send(frame)
}

// Run drives the full flashing transaction (§4.4):
// LocateTarget -> RequestEntry -> Command(StartTransactionFlashing) ->
// YieldToBL -> ReceivePhysicalMap -> SendLogicalMap -> ErasePages ->
// StreamData -> SendChecksum -> SendMetadata -> RequestExit.
func (e *Engine) Run(ctx context.Context, firmware *hexfile.Firmware) (*Result, error) {
	return e.runFlashTransaction(ctx, firmware, canboot.CommandStartTransactionFlashing, true)
}

// RunUpdateBootloader drives the same sequence as Run but with
// Command(StartBootloaderUpdate) instead of StartTransactionFlashing,
// reflashing the bootloader itself rather than the application (§4.4).
func (e *Engine) RunUpdateBootloader(ctx context.Context, firmware *hexfile.Firmware) (*Result, error) {
	return e.runFlashTransaction(ctx, firmware, canboot.CommandStartBootloaderUpdate, false)
}

func (e *Engine) runFlashTransaction(ctx context.Context, firmware *hexfile.Firmware, cmd canboot.Command, toApp bool) (*Result, error) {
	e.ctx = ctx
	bitrateAtStart := e.bitrateSource()

	if err := e.locateTarget(ctx); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.requestEntry(ctx); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.commandStart(cmd); err != nil {
		return nil, canboot.NewProtocolError(err)
	}

	physicalBlocks, err := e.yieldToBL(ctx)
	if err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	influenced, err := firmware.IdentifyInfluencedPhysicalBlocks(physicalBlocks)
	if err != nil {
		return nil, canboot.NewProtocolError(err)
	}

	if err := e.sendLogicalMap(firmware.Blocks); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.erasePages(influenced); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.streamData(firmware); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.sendChecksum(firmware); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.sendMetadata(firmware); err != nil {
		return nil, canboot.NewProtocolError(err)
	}
	if err := e.requestExit(toApp); err != nil {
		return nil, canboot.NewProtocolError(err)
	}

	return &Result{
		StallCount:       e.stallCount,
		TotalTimeStalled: e.totalTimeStalled,
		Efficiency:       e.lastEfficiency,
		BitrateChanged:   bitrateAtStart != 0 && e.bitrateSource() != 0 && bitrateAtStart != e.bitrateSource(),
	}, nil
}

// bitrateSource reads the Listener's last known Config bitrate, tolerating a
// nil listener (unit tests that drive the Engine without one).
func (e *Engine) bitrateSource() uint32 {
	if e.listener == nil {
		return 0
	}
	return e.listener.Bitrate()
}

// RunSetVectorTable drives the short transaction that marks an
// already-present image as the boot target (§4.4): LocateTarget -> MagicOpen
// -> Command(SetNewVectorTable) -> RequestExit.
func (e *Engine) RunSetVectorTable(ctx context.Context, address uint32) error {
	e.ctx = ctx

	if err := e.locateTarget(ctx); err != nil {
		return canboot.NewProtocolError(err)
	}
	if err := e.magic(); err != nil {
		return canboot.NewProtocolError(err)
	}
	if _, err := e.sendHandshakeChecked(canboot.RegisterCommand, canboot.CommandSetNewVectorTable, address); err != nil {
		return canboot.NewProtocolError(err)
	}
	if err := e.requestExit(true); err != nil {
		return canboot.NewProtocolError(err)
	}
	return nil
}

// EstablishConnection locates the target and drives it into bootloader-Ready
// without starting any flashing command, for the `enter` subcommand (§6):
// an operator wants the target parked in its bootloader, nothing more.
func (e *Engine) EstablishConnection(ctx context.Context) error {
	e.ctx = ctx
	if err := e.locateTarget(ctx); err != nil {
		return canboot.NewProtocolError(err)
	}
	if err := e.requestEntry(ctx); err != nil {
		return canboot.NewProtocolError(err)
	}
	return nil
}

// ExitToApplication locates the target and requests it exit the bootloader
// back to its application, for the `exit` subcommand (§6).
func (e *Engine) ExitToApplication(ctx context.Context) error {
	e.ctx = ctx
	if err := e.locateTarget(ctx); err != nil {
		return canboot.NewProtocolError(err)
	}
	if err := e.requestExit(true); err != nil {
		return canboot.NewProtocolError(err)
	}
	return nil
}

// locateTarget polls the Listener's tables while emitting directed pings,
// until the target shows up in either (§4.4).
func (e *Engine) locateTarget(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := e.listener.BootloaderEntry(e.target); ok {
			return nil
		}
		if _, ok := e.listener.ApplicationEntry(e.target); ok {
			return nil
		}
		_ = e.send(catalogue.Ping{Target: e.target}.Encode())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// requestEntry gets the target into bootloader-Ready, either by finding it
// already there, evicting a busy peer under --force, or sending a directed
// entry ping to an application-active target (§4.4).
func (e *Engine) requestEntry(ctx context.Context) error {
	if entry, ok := e.listener.BootloaderEntry(e.target); ok {
		if entry.State == canboot.StateReady {
			return nil
		}
		if !e.opts.Force {
			return fmt.Errorf("%w: %s is busy in state %s", canboot.ErrBusyPeer, e.target, entry.State)
		}
		if err := e.send(catalogue.ExitReq{Target: e.target, Force: true, ToApp: false}.Encode()); err != nil {
			return err
		}
		return e.waitForReady(ctx)
	}

	for attempt := 0; attempt < e.opts.RetryLimit; attempt++ {
		if err := e.send(catalogue.Ping{Target: e.target, RequestBootloader: true}.Encode()); err != nil {
			continue
		}
		select {
		case resp := <-e.pingResponseCh:
			if resp.Target == e.target {
				return e.waitForReady(ctx)
			}
		case <-time.After(e.opts.HandshakeTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: no ping response from %s after %d attempts", canboot.ErrProtocolTimeout, e.target, e.opts.RetryLimit)
}

func (e *Engine) waitForReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if entry, ok := e.listener.BootloaderEntry(e.target); ok && entry.State == canboot.StateReady {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendHandshake sends one Handshake and waits for its HandshakeAck, retrying
// up to RetryLimit times on timeout or register mismatch. It does not
// itself judge ack.Response — callers that need a non-OK response to be
// fatal use sendHandshakeChecked; ErasePages treats a non-OK erase response
// as a warning, not a retry trigger (§4.4).
func (e *Engine) sendHandshake(register canboot.Register, command canboot.Command, value uint32) (canboot.HandshakeAck, error) {
	var lastErr error
	for attempt := 0; attempt < e.opts.RetryLimit; attempt++ {
		if err := e.send(catalogue.Handshake{Register: register, Command: command, Target: e.target, Value: value}.Encode()); err != nil {
			lastErr = err
			continue
		}
		select {
		case ack := <-e.ackCh:
			if ack.Register != register {
				lastErr = fmt.Errorf("unexpected ack register %s, wanted %s", ack.Register, register)
				continue
			}
			return ack, nil
		case <-time.After(e.opts.HandshakeTimeout):
			lastErr = fmt.Errorf("timeout waiting ack for %s", register)
		case <-e.ctx.Done():
			return canboot.HandshakeAck{}, e.ctx.Err()
		}
	}
	return canboot.HandshakeAck{}, fmt.Errorf("%w: %s (%v)", canboot.ErrProtocolTimeout, register, lastErr)
}

func (e *Engine) sendHandshakeChecked(register canboot.Register, command canboot.Command, value uint32) (canboot.HandshakeAck, error) {
	ack, err := e.sendHandshake(register, command, value)
	if err != nil {
		return ack, err
	}
	if ack.Response != canboot.ResponseOK {
		return ack, fmt.Errorf("%w: %s refused (%s)", canboot.ErrPeerRefused, register, ack.Response)
	}
	return ack, nil
}

// magic sends a TransactionMagic handshake and requires an OK ack; it opens
// and closes every sub-transaction alike (§4.4).
func (e *Engine) magic() error {
	_, err := e.sendHandshakeChecked(canboot.RegisterTransactionMagic, canboot.CommandNone, canboot.TransactionMagic)
	return err
}

// commandStart is a bare handshake, not magic-wrapped: its own subsection
// (§4.4) never mentions "Magic," unlike every later sub-transaction.
func (e *Engine) commandStart(cmd canboot.Command) error {
	ack, err := e.sendHandshake(canboot.RegisterCommand, cmd, 0)
	if err != nil {
		return err
	}
	if ack.Response != canboot.ResponseOK {
		return fmt.Errorf("%w: command %s refused by %s", canboot.ErrPeerRefused, cmd, e.target)
	}
	return nil
}

// expectPeerHandshake waits for the peer-initiated Handshake on expected
// during YieldToBL, acking OK on match or HandshakeSequenceError otherwise
// (§4.4).
func (e *Engine) expectPeerHandshake(expected canboot.Register) (uint32, error) {
	select {
	case h := <-e.handshakeCh:
		resp := canboot.ResponseOK
		if h.Register != expected {
			resp = canboot.ResponseHandshakeSequenceError
		}
		_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: resp}.Encode())
		if resp != canboot.ResponseOK {
			return 0, fmt.Errorf("%w: expected %s, got %s", canboot.ErrPeerRefused, expected, h.Register)
		}
		return h.Value, nil
	case <-time.After(e.opts.HandshakeTimeout):
		return 0, fmt.Errorf("%w: timeout waiting peer handshake %s", canboot.ErrProtocolTimeout, expected)
	case <-e.ctx.Done():
		return 0, e.ctx.Err()
	}
}

// yieldToBL hands conversational ownership to the target and collects its
// physical memory map before it yields back (§4.4).
func (e *Engine) yieldToBL(ctx context.Context) ([]canboot.MemoryBlock, error) {
	if err := e.send(catalogue.CommunicationYield{Target: e.target}.Encode()); err != nil {
		return nil, err
	}
	if _, err := e.expectPeerHandshake(canboot.RegisterTransactionMagic); err != nil {
		return nil, err
	}
	n, err := e.expectPeerHandshake(canboot.RegisterNumPhysicalMemoryBlocks)
	if err != nil {
		return nil, err
	}
	blocks := make([]canboot.MemoryBlock, 0, n)
	for i := uint32(0); i < n; i++ {
		addr, err := e.expectPeerHandshake(canboot.RegisterPhysicalBlockStart)
		if err != nil {
			return nil, err
		}
		length, err := e.expectPeerHandshake(canboot.RegisterPhysicalBlockLength)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, canboot.MemoryBlock{Address: addr, Data: make([]byte, length)})
	}
	if _, err := e.expectPeerHandshake(canboot.RegisterTransactionMagic); err != nil {
		return nil, err
	}
	select {
	case <-e.yieldCh:
		return blocks, nil
	case <-time.After(e.opts.HandshakeTimeout):
		return nil, fmt.Errorf("%w: target never yielded communication back", canboot.ErrProtocolTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) sendLogicalMap(blocks []canboot.MemoryBlock) error {
	if err := e.magic(); err != nil {
		return err
	}
	if _, err := e.sendHandshakeChecked(canboot.RegisterNumLogicalMemoryBlocks, canboot.CommandNone, uint32(len(blocks))); err != nil {
		return err
	}
	for _, block := range blocks {
		if _, err := e.sendHandshakeChecked(canboot.RegisterLogicalBlockStart, canboot.CommandNone, block.Address); err != nil {
			return err
		}
		if _, err := e.sendHandshakeChecked(canboot.RegisterLogicalBlockLength, canboot.CommandNone, uint32(len(block.Data))); err != nil {
			return err
		}
	}
	return e.magic()
}

// erasePages (§4.4): a non-OK erase response is logged, not fatal.
func (e *Engine) erasePages(pages []canboot.MemoryBlock) error {
	if err := e.magic(); err != nil {
		return err
	}
	if _, err := e.sendHandshakeChecked(canboot.RegisterNumPhysicalBlocksToErase, canboot.CommandNone, uint32(len(pages))); err != nil {
		return err
	}
	for _, page := range pages {
		ack, err := e.sendHandshake(canboot.RegisterPhysicalBlockToErase, canboot.CommandNone, page.Address)
		if err != nil {
			return err
		}
		if ack.Response != canboot.ResponseOK {
			e.logger.Warn("erase page refused", "address", fmt.Sprintf("x%X", page.Address), "response", ack.Response.String())
		}
	}
	return e.magic()
}

// streamData pipelines the flattened image as Data frames with no per-word
// ack, watching for stall/resume/restart/abort control handshakes until the
// peer's terminal DataAck arrives (§4.4).
func (e *Engine) streamData(firmware *hexfile.Firmware) error {
	if err := e.magic(); err != nil {
		return err
	}
	ack, err := e.sendHandshake(canboot.RegisterFirmwareSize, canboot.CommandNone, uint32(firmware.Length))
	if err != nil {
		return err
	}
	if ack.Response != canboot.ResponseOK {
		return fmt.Errorf("%w: firmware size rejected", canboot.ErrPeerRefused)
	}

	cursor := newWordCursor(firmware.Blocks)
	stalled := false
	exhausted := false
	var wordsSent int
	highWater := firmware.BaseAddress
	started := time.Now()
	var stallStart time.Time
	lastProgress := started

	for {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case h := <-e.handshakeCh:
			wasStalled := stalled
			if err := e.handleStreamControl(h, cursor, &stalled); err != nil {
				return err
			}
			if stalled && !wasStalled {
				stallStart = time.Now()
			} else if !stalled && wasStalled {
				e.totalTimeStalled += time.Since(stallStart)
			}
			continue
		case dataAck := <-e.dataAckCh:
			if dataAck.Result != canboot.WriteOk {
				return fmt.Errorf("%w: data write failed: %s", canboot.ErrTransactionAborted, dataAck.Result)
			}
			return e.magic()
		default:
		}

		if stalled || exhausted {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		addr, word, ok := cursor.next()
		if !ok {
			exhausted = true
			continue
		}
		if err := e.send(catalogue.Data{Address: addr, Value: word}.Encode()); err != nil {
			return err
		}
		wordsSent++
		if end := addr + 4; end > highWater {
			highWater = end
		}
		ratio := float64(highWater-firmware.BaseAddress) / float64(wordsSent*4)
		e.lastEfficiency = ratio
		if ratio < e.opts.StreamEfficiencyTarget {
			time.Sleep(e.opts.StreamThrottle)
		}
		if e.opts.OnProgress != nil && time.Since(lastProgress) >= 200*time.Millisecond {
			lastProgress = time.Now()
			elapsed := time.Since(started).Seconds()
			var throughput float64
			if elapsed > 0 {
				throughput = float64(wordsSent*4) / 1024 / elapsed
			}
			e.opts.OnProgress(ProgressUpdate{
				BytesSent:      wordsSent * 4,
				TotalBytes:     int(firmware.Length),
				ThroughputKiBs: throughput,
				Efficiency:     ratio,
				StallCount:     e.stallCount,
			})
		}
	}
}

func (e *Engine) handleStreamControl(h canboot.Handshake, cursor *wordCursor, stalled *bool) error {
	switch h.Command {
	case canboot.CommandStallSubtransaction:
		*stalled = true
		e.stallCount++
		_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: canboot.ResponseOK}.Encode())
	case canboot.CommandResumeSubtransaction:
		*stalled = false
		_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: canboot.ResponseOK}.Encode())
	case canboot.CommandRestartFromAddress:
		if err := cursor.seek(h.Value); err != nil {
			_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: canboot.ResponseInvalidTransactionMagic}.Encode())
			return err
		}
		_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: canboot.ResponseOK}.Encode())
	case canboot.CommandAbortTransaction:
		_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: canboot.ResponseOK}.Encode())
		return fmt.Errorf("%w: peer requested abort mid-stream", canboot.ErrTransactionAborted)
	default:
		_ = e.send(catalogue.HandshakeAck{Register: h.Register, Target: e.target, Response: canboot.ResponseHandshakeSequenceError}.Encode())
	}
	return nil
}

func (e *Engine) sendChecksum(firmware *hexfile.Firmware) error {
	if err := e.magic(); err != nil {
		return err
	}
	if _, err := e.sendHandshakeChecked(canboot.RegisterChecksum, canboot.CommandNone, uint32(firmware.Checksum())); err != nil {
		return err
	}
	return e.magic()
}

func (e *Engine) sendMetadata(firmware *hexfile.Firmware) error {
	if err := e.magic(); err != nil {
		return err
	}
	if len(firmware.Blocks) == 0 {
		return fmt.Errorf("%w: no logical blocks to derive an interrupt vector from", canboot.ErrHex)
	}
	if _, err := e.sendHandshakeChecked(canboot.RegisterInterruptVector, canboot.CommandNone, firmware.Blocks[0].Address); err != nil {
		return err
	}
	if _, err := e.sendHandshakeChecked(canboot.RegisterEntryPoint, canboot.CommandNone, firmware.EntryPoint); err != nil {
		return err
	}
	return e.magic()
}

func (e *Engine) requestExit(toApp bool) error {
	for attempt := 0; attempt < e.opts.RetryLimit; attempt++ {
		if err := e.send(catalogue.ExitReq{Target: e.target, Force: false, ToApp: toApp}.Encode()); err != nil {
			continue
		}
		select {
		case ack := <-e.exitAckCh:
			if ack.Confirmed {
				return nil
			}
		case <-time.After(e.opts.HandshakeTimeout):
		case <-e.ctx.Done():
			return e.ctx.Err()
		}
	}
	return fmt.Errorf("%w: exit not confirmed by %s", canboot.ErrProtocolTimeout, e.target)
}

// StallCount reports how many StallSubtransaction signals StreamData has
// observed, for diagnostics.
func (e *Engine) StallCount() int {
	return e.stallCount
}
