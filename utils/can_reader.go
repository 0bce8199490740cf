package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// ErrReaderClosed is returned by ReadFrame once the socket has been closed.
var ErrReaderClosed = errors.New("can reader closed")

// CANReader defines the interface for reading CAN frames
type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

// SocketCANReader pumps frames from one receiver goroutine into a buffered
// channel so ReadFrame can honour context cancellation.
type SocketCANReader struct {
	conn   net.Conn
	frames chan can.Frame

	mu      sync.Mutex
	recvErr error
	done    chan struct{}
}

// NewSocketCANReader dials iface and starts receiving immediately. Frames
// that arrive while the buffer is full are dropped oldest-first.
func NewSocketCANReader(ctx context.Context, iface string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}

	r := &SocketCANReader{
		conn:   conn,
		frames: make(chan can.Frame, 64),
		done:   make(chan struct{}),
	}
	go r.pump(socketcan.NewReceiver(conn))
	return r, nil
}

func (r *SocketCANReader) pump(recv *socketcan.Receiver) {
	defer close(r.done)
	for recv.Receive() {
		f := recv.Frame()
		select {
		case r.frames <- f:
		default:
			select {
			case <-r.frames:
			default:
			}
			r.frames <- f
		}
	}
	r.mu.Lock()
	r.recvErr = recv.Err()
	r.mu.Unlock()
}

// ReadFrame blocks until a frame is available, ctx is done or the socket
// fails.
func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-r.done:
		select {
		case f := <-r.frames:
			return f, nil
		default:
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.recvErr != nil {
			return can.Frame{}, fmt.Errorf("receive: %w", r.recvErr)
		}
		return can.Frame{}, ErrReaderClosed
	}
}

// Close closes the CAN socket, which also stops the receiver goroutine.
func (r *SocketCANReader) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
