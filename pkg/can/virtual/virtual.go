// Package virtual implements an in-memory/TCP Frame Transport used to drive
// Listener/Protocol-Engine tests without a real adapter (§6, §8). An
// external TCP broker process, not part of this package, relays frames
// between every connected Bus the way a real CAN bus relays frames between
// every attached transceiver; SetReceiveOwn serves single-process tests
// without one.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/openbench/canboot"
	"github.com/openbench/canboot/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
}

// Bus is a TCP-backed virtual CAN interface. "Connect" dials a Broker;
// "Send" writes a length-prefixed serialized Frame; frames from every other
// client connected to the same Broker arrive through Subscribe's callback.
type Bus struct {
	logger     *slog.Logger
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	receiveOwn bool
	silent     bool
	listener   canboot.FrameListener
	stopChan   chan struct{}
	wg         sync.WaitGroup
	isRunning  bool
	broken     bool
}

func NewBus(channel string) (canboot.Bus, error) {
	return &Bus{channel: channel, stopChan: make(chan struct{}), logger: slog.Default()}, nil
}

func serializeFrame(frame canboot.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, frame); err != nil {
		return nil, err
	}
	data := buffer.Bytes()
	out := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	return append(out, data...), nil
}

func deserializeFrame(buffer []byte) (*canboot.Frame, error) {
	var frame canboot.Frame
	if err := binary.Read(bytes.NewBuffer(buffer), binary.BigEndian, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return fmt.Errorf("%w: dialing virtual bus %s: %v", canboot.ErrTransport, b.channel, err)
	}
	b.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.isRunning && !b.broken
	b.mu.Unlock()
	if running {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) Send(frame canboot.Frame) error {
	if b.receiveOwn && b.listener != nil {
		b.listener.Handle(frame)
	}
	if b.conn == nil {
		return fmt.Errorf("%w: no active connection, abort send", canboot.ErrTransport)
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = b.conn.Write(frameBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", canboot.ErrTransport, err)
	}
	return nil
}

func (b *Bus) Subscribe(listener canboot.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.isRunning {
		return nil
	}
	b.wg.Add(1)
	b.isRunning = true
	b.broken = false
	go b.receiveLoop()
	return nil
}

func (b *Bus) SetSilent(silent bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
	return nil
}

// SetBitrateAuto and SetBitrateManual are no-ops on the virtual bus: there
// is no physical bit-rate to negotiate, matching §6's note that bit-rate
// autodetection beyond invoking the adapter's own feature is out of scope.
func (b *Bus) SetBitrateAuto() error              { return nil }
func (b *Bus) SetBitrateManual(bitrate int) error { return nil }

func (b *Bus) recv() (*canboot.Frame, error) {
	if b.conn == nil {
		return nil, fmt.Errorf("%w: no active connection", canboot.ErrTransport)
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	header := make([]byte, 4)
	n, err := b.conn.Read(header)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n < 4 || err != nil {
		return nil, fmt.Errorf("%w: short read on frame header: %v", canboot.ErrTransport, err)
	}
	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err = b.conn.Read(payload)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n != int(length) || err != nil {
		return nil, fmt.Errorf("%w: short read on frame body", canboot.ErrTransport)
	}
	return deserializeFrame(payload)
}

func (b *Bus) receiveLoop() {
	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		if !b.mu.TryLock() {
			continue
		}
		frame, err := b.recv()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// no frame ready, keep polling
		} else if err != nil && !errors.Is(err, canboot.ErrTransport) {
			b.logger.Error("virtual bus receive loop stopped", "err", err)
			b.broken = true
			b.mu.Unlock()
			return
		} else if err == nil && b.listener != nil {
			b.listener.Handle(*frame)
		}
		b.mu.Unlock()
	}
}

// SetReceiveOwn makes Send loop sent frames back to this Bus's own
// listener, useful for single-process tests that both drive and observe
// the bus.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
