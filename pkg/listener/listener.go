// Package listener maintains the programmer's live view of every known ECU
// on the bus (§4.3): which targets currently run a bootloader, which run an
// application, and whether the adapter's acknowledgment channel is healthy.
// It runs concurrently with the Protocol Engine, sharing the same
// BusManager, the way the teacher's heartbeat.HBConsumer runs alongside NMT
// off the same BusManager subscriptions.
package listener

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/catalogue"
)

// Ping cycler periods (§4.3): fast while a target hasn't yet been located,
// slow once every known target has announced itself.
const (
	pingPeriodFast = 50 * time.Millisecond
	pingPeriodSlow = 1 * time.Second
)

// Listener classifies inbound frames into three live tables and drives a
// ping cycler that hunts for targets not yet known to be in bootloader.
type Listener struct {
	bm     *canboot.BusManager
	logger *slog.Logger

	mu                 sync.Mutex
	targets            []canboot.Target
	activeBootloaders  map[canboot.Target]canboot.TargetBootloaderData
	awareApplications  map[canboot.Target]canboot.ApplicationData
	bootloaderBuilds   map[canboot.Target]canboot.TargetSoftwareBuild
	applicationBuilds  map[canboot.Target]canboot.TargetSoftwareBuild
	bitrateKbps        uint32
	receivingAcks      bool
	paused             bool
	pingIndex          int

	cancels  []func()
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New builds a Listener that cycles pings across targets. receivingAcks
// starts true: on a bench with no adapter CANError telemetry at all, the
// ping cycler must still run rather than stay silent forever waiting for an
// acknowledgment event that will never arrive.
func New(bm *canboot.BusManager, targets []canboot.Target, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		bm:                bm,
		logger:            logger.With("component", "listener"),
		targets:           append([]canboot.Target(nil), targets...),
		activeBootloaders: make(map[canboot.Target]canboot.TargetBootloaderData),
		awareApplications: make(map[canboot.Target]canboot.ApplicationData),
		bootloaderBuilds:  make(map[canboot.Target]canboot.TargetSoftwareBuild),
		applicationBuilds: make(map[canboot.Target]canboot.TargetSoftwareBuild),
		receivingAcks:     true,
		stopChan:          make(chan struct{}),
	}
}

// Start subscribes to every classified message id and launches the ping
// cycler. Safe to call once; a second call is a no-op.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	ids := []uint32{
		catalogue.IDBeacon,
		catalogue.IDPingResponse,
		catalogue.IDSoftwareBuild,
		catalogue.IDCANError,
		catalogue.IDConfig,
	}
	for _, id := range ids {
		cancel, err := l.bm.Subscribe(id, false, l)
		if err != nil {
			return err
		}
		l.cancels = append(l.cancels, cancel)
	}

	l.wg.Add(1)
	go l.cycle()
	return nil
}

// Stop unsubscribes and halts the ping cycler.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	for _, cancel := range l.cancels {
		cancel()
	}
	l.cancels = nil
	close(l.stopChan)
	l.wg.Wait()
}

// Pause suppresses the ping cycler (frame classification keeps running)
// without tearing down subscriptions, so a flashing phase can own the bus
// without restarting discovery afterward (§4.3).
func (l *Listener) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

func (l *Listener) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Handle implements canboot.FrameListener, classifying every subscribed
// frame id (§4.3).
func (l *Listener) Handle(frame canboot.Frame) {
	switch frame.ID {
	case catalogue.IDBeacon:
		l.onBeacon(frame)
	case catalogue.IDPingResponse:
		l.onPingResponse(frame)
	case catalogue.IDSoftwareBuild:
		l.onSoftwareBuild(frame)
	case catalogue.IDCANError:
		l.onCANError(frame)
	case catalogue.IDConfig:
		l.onConfig(frame)
	default:
		// Any other id (Heartbeat, ErrorFlags are not subscribed by Start):
		// not folded into any table (§4.3).
	}
	l.noteAcksFlowing(frame.ID)
}

func (l *Listener) onBeacon(frame canboot.Frame) {
	beacon, err := catalogue.DecodeBeacon(frame)
	if err != nil {
		l.logger.Warn("dropping malformed beacon", "err", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeBootloaders[beacon.Target] = canboot.TargetBootloaderData{
		State:             beacon.State,
		FlashSizeKiB:      uint32(beacon.FlashSizeKiB),
		LastSeenTimestamp: frame.TimestampUs,
		EntryReason:       beacon.EntryReason,
	}
	delete(l.awareApplications, beacon.Target)
}

func (l *Listener) onPingResponse(frame canboot.Frame) {
	resp, err := catalogue.DecodePingResponse(frame)
	if err != nil {
		l.logger.Warn("dropping malformed ping response", "err", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.awareApplications[resp.Target] = canboot.ApplicationData{
		BLPending:         resp.BootloaderPending,
		LastSeenTimestamp: frame.TimestampUs,
	}
	delete(l.activeBootloaders, resp.Target)
	if resp.HasBuildInfo {
		l.bootloaderBuilds[resp.Target] = canboot.TargetSoftwareBuild{
			CommitSHA: resp.BLCommitSHA,
			DirtyRepo: resp.BLDirtyRepo,
		}
	}
}

// onSoftwareBuild files the broadcast build identity under whichever table
// currently claims the target: a build from a target already known to run
// an application updates application_builds, otherwise bootloader_builds.
func (l *Listener) onSoftwareBuild(frame canboot.Frame) {
	build, err := catalogue.DecodeSoftwareBuild(frame)
	if err != nil {
		l.logger.Warn("dropping malformed software build", "err", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := canboot.TargetSoftwareBuild{CommitSHA: build.CommitSHA, DirtyRepo: build.DirtyRepo}
	if _, isApp := l.awareApplications[build.Target]; isApp {
		l.applicationBuilds[build.Target] = entry
		return
	}
	l.bootloaderBuilds[build.Target] = entry
}

func (l *Listener) onCANError(frame canboot.Frame) {
	canErr, err := catalogue.DecodeCANError(frame)
	if err != nil {
		l.logger.Warn("dropping malformed CAN error", "err", err)
		return
	}
	if canErr.Kind != catalogue.CANErrorAcknowledgment {
		return
	}
	l.mu.Lock()
	l.receivingAcks = false
	l.mu.Unlock()
}

func (l *Listener) onConfig(frame canboot.Frame) {
	cfg, err := catalogue.DecodeConfig(frame)
	if err != nil {
		l.logger.Warn("dropping malformed config", "err", err)
		return
	}
	l.mu.Lock()
	l.bitrateKbps = cfg.BitrateKbps
	l.mu.Unlock()
	l.logger.Info("adapter bitrate", "kbps", cfg.BitrateKbps)
}

// noteAcksFlowing restores receivingAcks on any non-CANError frame, logging
// the transition; a real error-flags query frame is not modeled in the
// catalogue (only its response, ErrorFlags, is), so recovery only logs here.
func (l *Listener) noteAcksFlowing(id uint32) {
	if id == catalogue.IDCANError {
		return
	}
	l.mu.Lock()
	wasDown := !l.receivingAcks
	l.receivingAcks = true
	l.mu.Unlock()
	if wasDown {
		l.logger.Info("ack channel recovered, would query error flags")
	}
}

// cycle runs the ping scheduler: every period/|targets|, ping whichever
// target isn't yet known to be in bootloader, skipping the round entirely
// while paused or while acks aren't flowing.
func (l *Listener) cycle() {
	defer l.wg.Done()
	for {
		interval := l.currentPeriod()
		timer := time.NewTimer(interval)
		select {
		case <-l.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}
		l.sendNextPing()
	}
}

func (l *Listener) currentPeriod() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.targets)
	if n == 0 {
		return pingPeriodSlow
	}
	period := pingPeriodSlow
	for _, t := range l.targets {
		if _, ok := l.activeBootloaders[t]; !ok {
			period = pingPeriodFast
			break
		}
	}
	return period / time.Duration(n)
}

func (l *Listener) sendNextPing() {
	l.mu.Lock()
	if l.paused || !l.receivingAcks || len(l.targets) == 0 {
		l.mu.Unlock()
		return
	}
	target, ok := l.nextPingTargetLocked()
	l.mu.Unlock()
	if !ok {
		return
	}
	_ = l.bm.Send(catalogue.Ping{Target: target}.Encode())
}

// nextPingTargetLocked must be called with mu held.
func (l *Listener) nextPingTargetLocked() (canboot.Target, bool) {
	n := len(l.targets)
	for i := 0; i < n; i++ {
		idx := (l.pingIndex + i) % n
		t := l.targets[idx]
		if _, inBootloader := l.activeBootloaders[t]; inBootloader {
			continue
		}
		l.pingIndex = (idx + 1) % n
		return t, true
	}
	return 0, false
}

// BootloaderEntry returns the current active_bootloaders entry for target.
func (l *Listener) BootloaderEntry(target canboot.Target) (canboot.TargetBootloaderData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.activeBootloaders[target]
	return entry, ok
}

// ApplicationEntry returns the current aware_applications entry for target.
func (l *Listener) ApplicationEntry(target canboot.Target) (canboot.ApplicationData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.awareApplications[target]
	return entry, ok
}

// BootloaderBuild returns the last build identity broadcast by target's
// bootloader, if any.
func (l *Listener) BootloaderBuild(target canboot.Target) (canboot.TargetSoftwareBuild, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	build, ok := l.bootloaderBuilds[target]
	return build, ok
}

// ApplicationBuild returns the last build identity broadcast by target's
// application, if any.
func (l *Listener) ApplicationBuild(target canboot.Target) (canboot.TargetSoftwareBuild, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	build, ok := l.applicationBuilds[target]
	return build, ok
}

// Bitrate returns the last bit-rate reported by a Config frame, in kbps.
func (l *Listener) Bitrate() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bitrateKbps
}

// ReceivingAcks reports whether the ack channel is currently believed
// healthy.
func (l *Listener) ReceivingAcks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receivingAcks
}

// Snapshot is a point-in-time copy of everything the Listener knows,
// assembled for rendering (the `list` command's live table, §6) without
// holding the Listener's lock for the duration of a print.
type Snapshot struct {
	ActiveBootloaders map[canboot.Target]canboot.TargetBootloaderData
	AwareApplications map[canboot.Target]canboot.ApplicationData
	BootloaderBuilds  map[canboot.Target]canboot.TargetSoftwareBuild
	ApplicationBuilds map[canboot.Target]canboot.TargetSoftwareBuild
	BusBitrateKbps    uint32
	ReceivingAcks     bool
}

// Snapshot copies the three tables plus the ack-health flag and last known
// bitrate under a single lock acquisition.
func (l *Listener) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		ActiveBootloaders: make(map[canboot.Target]canboot.TargetBootloaderData, len(l.activeBootloaders)),
		AwareApplications: make(map[canboot.Target]canboot.ApplicationData, len(l.awareApplications)),
		BootloaderBuilds:  make(map[canboot.Target]canboot.TargetSoftwareBuild, len(l.bootloaderBuilds)),
		ApplicationBuilds: make(map[canboot.Target]canboot.TargetSoftwareBuild, len(l.applicationBuilds)),
		BusBitrateKbps:    l.bitrateKbps,
		ReceivingAcks:     l.receivingAcks,
	}
	for t, v := range l.activeBootloaders {
		s.ActiveBootloaders[t] = v
	}
	for t, v := range l.awareApplications {
		s.AwareApplications[t] = v
	}
	for t, v := range l.bootloaderBuilds {
		s.BootloaderBuilds[t] = v
	}
	for t, v := range l.applicationBuilds {
		s.ApplicationBuilds[t] = v
	}
	return s
}

// KnownTargets returns every target currently present in either table.
func (l *Listener) KnownTargets() []canboot.Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[canboot.Target]struct{})
	for t := range l.activeBootloaders {
		seen[t] = struct{}{}
	}
	for t := range l.awareApplications {
		seen[t] = struct{}{}
	}
	out := make([]canboot.Target, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}
