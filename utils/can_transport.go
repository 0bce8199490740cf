package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// ErrWriterClosed is returned by WriteFrame once the writer has been closed.
var ErrWriterClosed = errors.New("can writer closed")

type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// SocketCANWriter transmits on a raw CAN socket. Close may race with a
// pending write; the write then fails with ErrWriterClosed.
type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSocketCANWriter dials a raw CAN socket on iface (for example "vcan0").
func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

// WriteFrame transmits frame. The ctx deadline bounds the socket write.
func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	if w.closed.Load() || w.tx == nil {
		return ErrWriterClosed
	}
	if err := w.tx.TransmitFrame(ctx, frame); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrWriterClosed
		}
		return err
	}
	return nil
}

// Close releases the socket. Later calls return the first result.
func (w *SocketCANWriter) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		if w.conn != nil {
			w.closeErr = w.conn.Close()
		}
	})
	return w.closeErr
}

// FrameSender encodes signal values through a CAN map and transmits the
// resulting frame, counting frames sent per name.
type FrameSender struct {
	writer CANWriter
	cmap   *CANMap

	mu   sync.Mutex
	sent map[string]uint64
}

func NewFrameSender(writer CANWriter, cmap *CANMap) *FrameSender {
	return &FrameSender{writer: writer, cmap: cmap, sent: make(map[string]uint64)}
}

// Send encodes values into frame name and writes it. The encoded frame is
// returned even when the write fails, for tracing.
func (s *FrameSender) Send(ctx context.Context, name string, values map[string]float64) (can.Frame, error) {
	frame, err := s.cmap.EncodeEinrideFrame(name, values)
	if err != nil {
		return can.Frame{}, fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.writer.WriteFrame(ctx, frame); err != nil {
		return frame, fmt.Errorf("transmit %s: %w", name, err)
	}

	s.mu.Lock()
	s.sent[name]++
	s.mu.Unlock()
	return frame, nil
}

// Sent returns how many frames named name were written successfully.
func (s *FrameSender) Sent(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[name]
}
