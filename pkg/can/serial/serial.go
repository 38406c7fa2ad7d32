// Package serial binds canboot.Bus to the reference adapter ("ocarina")
// over a raw serial line at 115200 8N1 (§6): a simple length-prefixed byte
// framing, CRC16-guarded, synchronized after connect/reset by writing and
// re-reading a 24-byte 0xAA sync frame.
package serial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/internal/crc"
	"github.com/openbench/canboot/pkg/can"
)

func init() {
	can.RegisterInterface("serial", NewBus)
}

// syncFrameLength is the length of the 0xAA sync pattern exchanged on
// connect/reset to align both ends on a frame boundary (§6).
const syncFrameLength = 24

// opcode distinguishes the wire messages this binding understands; the
// reference adapter's richer command set (query_error_flags, query_config,
// Version, InterfaceId, Heartbeat, Counters) is received but not further
// interpreted here — that belongs to the Listener, which classifies the
// resulting canboot.Frame values.
type opcode byte

const (
	opFrame         opcode = 0x01
	opSetSilent     opcode = 0x02
	opSetBitrate    opcode = 0x03
	opSetBitrateAuto opcode = 0x04
)

// Bus is a canboot.Bus bound to one serial device.
type Bus struct {
	device string
	mu     sync.Mutex
	file   *os.File
	reader *bufio.Reader

	listener  canboot.FrameListener
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

func NewBus(device string) (canboot.Bus, error) {
	return &Bus{device: device, stopChan: make(chan struct{})}, nil
}

func (b *Bus) Connect(...any) error {
	file, err := os.OpenFile(b.device, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", canboot.ErrTransport, b.device, err)
	}
	if err := configureRaw(file); err != nil {
		file.Close()
		return fmt.Errorf("%w: configuring %s: %v", canboot.ErrTransport, b.device, err)
	}
	b.file = file
	b.reader = bufio.NewReader(file)

	if err := b.sync(); err != nil {
		file.Close()
		return err
	}
	log.WithField("device", b.device).Info("serial bus synchronized")
	return nil
}

// configureRaw puts the line into raw mode at 115200 8N1, the reference
// adapter's fixed configuration.
func configureRaw(file *os.File) error {
	fd := int(file.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	termios.Ispeed = unix.B115200
	termios.Ospeed = unix.B115200
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}

// sync writes the 24-byte 0xAA sync pattern and reads it back, aligning
// both ends on a frame boundary after connect or reset (§6).
func (b *Bus) sync() error {
	pattern := make([]byte, syncFrameLength)
	for i := range pattern {
		pattern[i] = 0xAA
	}
	if _, err := b.file.Write(pattern); err != nil {
		return fmt.Errorf("%w: writing sync frame: %v", canboot.ErrTransport, err)
	}
	echoed := make([]byte, syncFrameLength)
	if _, err := io.ReadFull(b.reader, echoed); err != nil {
		return fmt.Errorf("%w: reading sync frame: %v", canboot.ErrTransport, err)
	}
	for _, v := range echoed {
		if v != 0xAA {
			return fmt.Errorf("%w: sync frame mismatch, framing lost", canboot.ErrTransport)
		}
	}
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.isRunning
	b.mu.Unlock()
	if running {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.file == nil {
		return nil
	}
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", canboot.ErrTransport, err)
	}
	return nil
}

// encodeFrame serializes op+payload as
// [len u16 LE][op][payload...][crc16 u16 LE].
func encodeFrame(op opcode, payload []byte) []byte {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, byte(op))
	body = append(body, payload...)

	sum := crc.Compute(body)
	out := make([]byte, 2, 2+len(body)+2)
	binary.LittleEndian.PutUint16(out, uint16(len(body)))
	out = append(out, body...)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, sum)
	return append(out, crcBytes...)
}

func (b *Bus) writeFrame(op opcode, payload []byte) error {
	if b.file == nil {
		return fmt.Errorf("%w: not connected", canboot.ErrTransport)
	}
	_, err := b.file.Write(encodeFrame(op, payload))
	if err != nil {
		return fmt.Errorf("%w: %v", canboot.ErrTransport, err)
	}
	return nil
}

func (b *Bus) Send(frame canboot.Frame) error {
	payload := make([]byte, 0, 6+frame.DLC)
	idField := frame.ID
	if frame.IDKind == canboot.IDExtended {
		idField |= canboot.CanEffFlag
	}
	idBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBytes, idField)
	payload = append(payload, idBytes...)
	payload = append(payload, frame.DLC)
	payload = append(payload, frame.Data[:frame.DLC]...)
	return b.writeFrame(opFrame, payload)
}

func (b *Bus) SetSilent(silent bool) error {
	v := byte(0)
	if silent {
		v = 1
	}
	return b.writeFrame(opSetSilent, []byte{v})
}

func (b *Bus) SetBitrateAuto() error {
	return b.writeFrame(opSetBitrateAuto, nil)
}

func (b *Bus) SetBitrateManual(bitrate int) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(bitrate))
	return b.writeFrame(opSetBitrate, payload)
}

func (b *Bus) Subscribe(listener canboot.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.isRunning {
		return nil
	}
	b.isRunning = true
	b.wg.Add(1)
	go b.receiveLoop()
	return nil
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		op, payload, err := b.readFrame()
		if err != nil {
			log.WithError(err).Warn("serial bus read failed, stopping receive loop")
			return
		}
		if op != opFrame || b.listener == nil {
			continue
		}
		if len(payload) < 5 {
			log.Warn("serial bus dropped undersized frame payload")
			continue
		}
		idField := binary.LittleEndian.Uint32(payload[0:4])
		dlc := payload[4]
		kind := canboot.IDStandard
		id := idField & canboot.CanSffMask
		if idField&canboot.CanEffFlag != 0 {
			kind = canboot.IDExtended
			id = idField & canboot.CanEffMask
		}
		f := canboot.NewFrame(id, kind, dlc)
		copy(f.Data[:], payload[5:])
		b.listener.Handle(f)
	}
}

func (b *Bus) readFrame() (opcode, []byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(b.reader, header); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint16(header)
	body := make([]byte, length)
	if _, err := io.ReadFull(b.reader, body); err != nil {
		return 0, nil, err
	}
	crcBytes := make([]byte, 2)
	if _, err := io.ReadFull(b.reader, crcBytes); err != nil {
		return 0, nil, err
	}
	want := binary.LittleEndian.Uint16(crcBytes)
	got := crc.Compute(body)
	if got != want {
		return 0, nil, fmt.Errorf("%w: crc mismatch on received frame", canboot.ErrTransport)
	}
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame body", canboot.ErrTransport)
	}
	return opcode(body[0]), body[1:], nil
}
