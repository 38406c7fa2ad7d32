// Command canflash drives the host side of the CAN bootloader protocol
// (§6): locate a unit, flash it, update its bootloader, push a new vector
// table, or just watch the bus and report what is out there.
//
// Subcommand dispatch follows the teacher's cmd/canopen and cmd/sdo_client:
// a flat flag.FlagSet per verb, no CLI framework. Unlike those two,
// canflash needs more than one verb, so each subcommand gets its own
// FlagSet (the pattern documented by the flag package itself), parsed from
// os.Args[2:] after the verb is peeled off os.Args[1].
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/can"
	_ "github.com/openbench/canboot/pkg/can/serial"
	_ "github.com/openbench/canboot/pkg/can/socketcan"
	_ "github.com/openbench/canboot/pkg/can/virtual"
	"github.com/openbench/canboot/pkg/config"
	"github.com/openbench/canboot/pkg/hexfile"
	"github.com/openbench/canboot/pkg/listener"
	"github.com/openbench/canboot/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(int(canboot.ExitCodeFailure))
	}

	var err error
	switch os.Args[1] {
	case "list":
		err = cmdList(os.Args[2:])
	case "flash":
		err = cmdFlash(os.Args[2:])
	case "update_bootloader":
		err = cmdUpdateBootloader(os.Args[2:])
	case "set_vector_table":
		err = cmdSetVectorTable(os.Args[2:])
	case "enter":
		err = cmdEnter(os.Args[2:])
	case "exit":
		err = cmdExit(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "canflash: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(int(canboot.ExitCodeFailure))
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "canflash:", err)
		var pe *canboot.ProtocolError
		if errors.As(err, &pe) {
			os.Exit(int(pe.Code))
		}
		os.Exit(int(canboot.ExitCodeFailure))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: canflash <command> [flags] <transport-device>

commands:
  list                watch the bus and print a live table of known units
  flash               flash a hex image onto a unit's application region
  update_bootloader   flash a hex image onto a unit's bootloader region
  set_vector_table    point a unit's bootloader at a new vector table
  enter               request bootloader entry on a unit, then stop
  exit                request application exit on a unit, then stop

common flags:
  -u <unit>        target unit name (AMS, PDL, STW, DRTF)
  -i <transport>   transport override: socketcan, serial, virtual
  -c <path>        session config file (default: none, built-in defaults)
  -b <kbps>        bitrate override
  -j <path>        canDB json path (repeatable; accepted, not parsed)
  -t <path>        mirror output to this file
  -q               quiet
  --verbose        debug logging
  --force          evict a busy peer instead of failing`)
}

// stringList collects repeated -j occurrences.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// commonFlags is registered on every subcommand's FlagSet (§6).
type commonFlags struct {
	unit       string
	force      bool
	quiet      bool
	verbose    bool
	configPath string
	jsonPaths  stringList
	terminal   string
	transport  string
	bitrate    uint
}

func newFlagSet(name string, wantUnit bool) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	if wantUnit {
		fs.StringVar(&c.unit, "u", "", "target unit name (AMS, PDL, STW, DRTF)")
	}
	fs.BoolVar(&c.force, "force", false, "evict a busy peer instead of failing")
	fs.BoolVar(&c.quiet, "q", false, "suppress non-error output")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	fs.StringVar(&c.configPath, "c", "", "session config file")
	fs.Var(&c.jsonPaths, "j", "canDB json path (repeatable; accepted for interface compatibility, not parsed)")
	fs.StringVar(&c.terminal, "t", "", "mirror output to this file path")
	fs.StringVar(&c.transport, "i", "", "transport override (socketcan, serial, virtual)")
	fs.UintVar(&c.bitrate, "b", 0, "bitrate override in kbit/s")
	return fs, c
}

// loadSession loads the session config, if one was named. An unnamed config
// falls back to built-in defaults silently; a named one that can't be
// loaded is a user error (§7: "no config found").
func loadSession(c *commonFlags) (config.Session, error) {
	if c.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(c.configPath)
}

func newLogger(c *commonFlags) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case c.verbose:
		level = slog.LevelDebug
	case c.quiet:
		level = slog.LevelError
	}
	var w io.Writer = os.Stderr
	if c.terminal != "" {
		if f, err := os.OpenFile(c.terminal, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func resolveTarget(unit string) (canboot.Target, error) {
	if unit == "" {
		return 0, fmt.Errorf("%w: -u <unit> is required", canboot.ErrIllegalArgument)
	}
	t, ok := canboot.TargetByName(unit)
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", canboot.ErrIllegalArgument, unit)
	}
	return t, nil
}

func allTargets() []canboot.Target {
	return []canboot.Target{canboot.TargetAMS, canboot.TargetPDL, canboot.TargetSTW, canboot.TargetDRTF}
}

// dial resolves the transport and channel (config, overridden by flags and
// the positional transport-device argument), connects, and wraps the bus in
// a BusManager.
func dial(cfg config.Session, c *commonFlags, positional []string) (*canboot.BusManager, error) {
	transport := cfg.Transport
	if c.transport != "" {
		transport = c.transport
	}
	channel := cfg.Channel
	if len(positional) > 0 {
		channel = positional[0]
	}
	bus, err := can.NewBus(transport, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving transport %q: %v", canboot.ErrIllegalArgument, transport, err)
	}
	if err := bus.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connecting to %s %s: %v", canboot.ErrTransport, transport, channel, err)
	}
	bitrateKbps := cfg.BitrateKbps
	if c.bitrate > 0 {
		bitrateKbps = uint32(c.bitrate)
	}
	if bitrateKbps > 0 {
		if err := bus.SetBitrateManual(int(bitrateKbps) * 1000); err != nil {
			fmt.Fprintf(os.Stderr, "canflash: set bitrate %dkbps: %v\n", bitrateKbps, err)
		}
	} else if err := bus.SetBitrateAuto(); err != nil {
		fmt.Fprintf(os.Stderr, "canflash: bitrate autodetect: %v\n", err)
	}
	bm := canboot.NewBusManager(bus)
	if err := bus.Subscribe(bm); err != nil {
		return nil, fmt.Errorf("%w: subscribing bus manager: %v", canboot.ErrTransport, err)
	}
	return bm, nil
}

func protocolOptions(cfg config.Session, c *commonFlags) protocol.Options {
	opts := protocol.DefaultOptions()
	opts.Force = c.force
	opts.RetryLimit = cfg.RetryLimit
	opts.HandshakeTimeout = cfg.HandshakeTimeout
	opts.StreamThrottle = cfg.StreamThrottle
	opts.StreamEfficiencyTarget = cfg.StreamEfficiencyTarget
	return opts
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func cmdList(args []string) error {
	fs, c := newFlagSet("list", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadSession(c)
	if err != nil {
		return err
	}
	logger := newLogger(c)
	bm, err := dial(cfg, c, fs.Args())
	if err != nil {
		return err
	}
	defer bm.Bus().Disconnect()

	l := listener.New(bm, allTargets(), logger)
	if err := l.Start(); err != nil {
		return fmt.Errorf("%w: starting listener: %v", canboot.ErrTransport, err)
	}
	defer l.Stop()

	out := io.Writer(os.Stdout)
	if c.terminal != "" {
		if f, err := os.OpenFile(c.terminal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
			defer f.Close()
			out = f
		}
	}

	ctx, stop := signalContext()
	defer stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	renderTable(out, l.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			renderTable(out, l.Snapshot())
		}
	}
}

// renderTable prints the listener snapshot as an aligned table (SUPPLEMENTED
// FEATURE 1), the stdlib-only concern: no third-party table-rendering
// library appears anywhere in the pack.
func renderTable(w io.Writer, snap listener.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "UNIT\tSTATE\tBL BUILD\tAPP BUILD\tFLASH KiB\tREASON\n")
	for _, t := range allTargets() {
		if bl, ok := snap.ActiveBootloaders[t]; ok {
			build := "-"
			if b, ok := snap.BootloaderBuilds[t]; ok {
				build = buildString(b)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t%d\t%s\n", t, bl.State, build, bl.FlashSizeKiB, bl.EntryReason)
			continue
		}
		if app, ok := snap.AwareApplications[t]; ok {
			build := "-"
			if b, ok := snap.ApplicationBuilds[t]; ok {
				build = buildString(b)
			}
			pending := ""
			if app.BLPending {
				pending = " (BL pending)"
			}
			fmt.Fprintf(tw, "%s\tApplication%s\t-\t%s\t-\t-\n", t, pending, build)
			continue
		}
		fmt.Fprintf(tw, "%s\tunknown\t-\t-\t-\t-\n", t)
	}
	tw.Flush()
	acks := "yes"
	if !snap.ReceivingAcks {
		acks = "no"
	}
	fmt.Fprintf(w, "bus bitrate: %dkbps  acks flowing: %s\n\n", snap.BusBitrateKbps, acks)
}

func buildString(b canboot.TargetSoftwareBuild) string {
	dirty := ""
	if b.DirtyRepo {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%08x%s", b.CommitSHA, dirty)
}

func loadFirmware(path string) (*hexfile.Firmware, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", canboot.ErrIllegalArgument, path, err)
	}
	defer f.Close()
	return hexfile.Load(f)
}

func reportResult(c *commonFlags, res *protocol.Result) {
	if c.quiet || res == nil {
		return
	}
	if res.StallCount > 0 {
		fmt.Printf("note: transaction stalled %d time(s), totaling %s\n", res.StallCount, res.TotalTimeStalled)
	}
	if res.Efficiency > 0 && res.Efficiency < 1.0 {
		fmt.Printf("note: streaming efficiency was %.2f; consider a bus with higher throughput or a faster bootloader clock\n", res.Efficiency)
	}
	if res.BitrateChanged {
		fmt.Println("note: bus bitrate changed mid-transaction")
	}
}

func runFlash(args []string, update bool) error {
	name := "flash"
	if update {
		name = "update_bootloader"
	}
	fs, c := newFlagSet(name, true)
	hexPath := fs.String("x", "", "path to the Intel-HEX firmware image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := resolveTarget(c.unit)
	if err != nil {
		return err
	}
	if *hexPath == "" {
		return fmt.Errorf("%w: -x <hexfile> is required", canboot.ErrIllegalArgument)
	}
	firmware, err := loadFirmware(*hexPath)
	if err != nil {
		return err
	}

	cfg, err := loadSession(c)
	if err != nil {
		return err
	}
	logger := newLogger(c)
	bm, err := dial(cfg, c, fs.Args())
	if err != nil {
		return err
	}
	defer bm.Bus().Disconnect()

	l := listener.New(bm, []canboot.Target{target}, logger)
	if err := l.Start(); err != nil {
		return fmt.Errorf("%w: starting listener: %v", canboot.ErrTransport, err)
	}
	defer l.Stop()

	opts := protocolOptions(cfg, c)
	if !c.quiet {
		opts.OnProgress = func(u protocol.ProgressUpdate) {
			pct := 0.0
			if u.TotalBytes > 0 {
				pct = 100 * float64(u.BytesSent) / float64(u.TotalBytes)
			}
			fmt.Printf("\r%6.1f%%  %6.1f KiB/s  efficiency %.2f  stalls %d", pct, u.ThroughputKiBs, u.Efficiency, u.StallCount)
		}
	}

	e, err := protocol.New(bm, l, target, opts, logger)
	if err != nil {
		return fmt.Errorf("%w: building protocol engine: %v", canboot.ErrTransport, err)
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	var res *protocol.Result
	if update {
		res, err = e.RunUpdateBootloader(ctx, firmware)
	} else {
		res, err = e.Run(ctx, firmware)
	}
	if !c.quiet && opts.OnProgress != nil {
		fmt.Println()
	}
	if err != nil {
		return err
	}
	reportResult(c, res)
	return nil
}

func cmdFlash(args []string) error            { return runFlash(args, false) }
func cmdUpdateBootloader(args []string) error { return runFlash(args, true) }

func cmdSetVectorTable(args []string) error {
	fs, c := newFlagSet("set_vector_table", true)
	addrFlag := fs.String("address", "", "new vector table address (0x-prefixed hex or decimal)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := resolveTarget(c.unit)
	if err != nil {
		return err
	}
	if *addrFlag == "" {
		return fmt.Errorf("%w: --address is required", canboot.ErrIllegalArgument)
	}
	address, err := parseAddress(*addrFlag)
	if err != nil {
		return err
	}

	cfg, err := loadSession(c)
	if err != nil {
		return err
	}
	logger := newLogger(c)
	bm, err := dial(cfg, c, fs.Args())
	if err != nil {
		return err
	}
	defer bm.Bus().Disconnect()

	l := listener.New(bm, []canboot.Target{target}, logger)
	if err := l.Start(); err != nil {
		return fmt.Errorf("%w: starting listener: %v", canboot.ErrTransport, err)
	}
	defer l.Stop()

	opts := protocolOptions(cfg, c)
	e, err := protocol.New(bm, l, target, opts, logger)
	if err != nil {
		return fmt.Errorf("%w: building protocol engine: %v", canboot.ErrTransport, err)
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()
	return e.RunSetVectorTable(ctx, address)
}

func parseAddress(s string) (uint32, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: --address %q: %v", canboot.ErrIllegalArgument, s, err)
	}
	return uint32(n), nil
}

func cmdEnter(args []string) error {
	return runConnectionOnly(args, "enter", func(ctx context.Context, e *protocol.Engine) error {
		return e.EstablishConnection(ctx)
	})
}

func cmdExit(args []string) error {
	return runConnectionOnly(args, "exit", func(ctx context.Context, e *protocol.Engine) error {
		return e.ExitToApplication(ctx)
	})
}

// runConnectionOnly backs the enter/exit subcommands (SUPPLEMENTED FEATURE
// 3): same setup as flash/update_bootloader, minus the firmware file.
func runConnectionOnly(args []string, name string, run func(context.Context, *protocol.Engine) error) error {
	fs, c := newFlagSet(name, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := resolveTarget(c.unit)
	if err != nil {
		return err
	}

	cfg, err := loadSession(c)
	if err != nil {
		return err
	}
	logger := newLogger(c)
	bm, err := dial(cfg, c, fs.Args())
	if err != nil {
		return err
	}
	defer bm.Bus().Disconnect()

	l := listener.New(bm, []canboot.Target{target}, logger)
	if err := l.Start(); err != nil {
		return fmt.Errorf("%w: starting listener: %v", canboot.ErrTransport, err)
	}
	defer l.Stop()

	opts := protocolOptions(cfg, c)
	e, err := protocol.New(bm, l, target, opts, logger)
	if err != nil {
		return fmt.Errorf("%w: building protocol engine: %v", canboot.ErrTransport, err)
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()
	return run(ctx, e)
}
