package tcpfs

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcpfs/tcpfs/common/errors"
)

const (
	// MaxFrameSize bounds the payload of a single frame.
	MaxFrameSize = 16 << 20

	frameHeaderSize = 4
)

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload behind a 4-byte big-endian length in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Transport moves frames. Conn is the implementation used on sockets.
type Transport interface {
	Send(frame []byte) error
	ReceiveExactly(n int) ([]byte, error)
}

// Conn owns a socket and exchanges frames over it.
//
// Send may be called concurrently with the receive methods. Receives must come from a single
// goroutine.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeLock sync.Mutex

	idle      atomic.Int64 // read deadline window in nanoseconds, 0 when disarmed
	closeOnce sync.Once
	done      atomic.Bool
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReaderSize(c, 2*DefaultChunkSize+frameHeaderSize),
	}
}

// Send writes b as one frame.
func (c *Conn) Send(b []byte) error {
	if c.done.Load() {
		return connectionError("write", ErrClosed)
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := WriteFrame(c.conn, b); err != nil {
		if err == ErrFrameTooLarge {
			return err
		}
		return connectionError("write", c.closedOr(err))
	}
	return nil
}

// SendMessage encodes v as JSON and sends it as one frame.
func (c *Conn) SendMessage(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.New("failed to encode control message").Base(err)
	}
	return c.Send(b)
}

// ReceiveNext blocks until one frame is available and returns its payload unparsed.
func (c *Conn) ReceiveNext() ([]byte, error) {
	if err := c.rearm(); err != nil {
		return nil, connectionError("read", c.closedOr(err))
	}
	frame, err := ReadFrame(c.reader)
	if err != nil {
		return nil, connectionError("read", c.closedOr(err))
	}
	return frame, nil
}

// ReceiveExactly reads frames until at least n bytes have been accumulated.
// A frame crossing n is returned whole, so the result is longer than n when the peer sends
// more than asked for.
func (c *Conn) ReceiveExactly(n int) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	var out []byte
	for len(out) < n {
		frame, err := c.ReceiveNext()
		if err != nil {
			return nil, err
		}
		if out == nil && len(frame) >= n {
			return frame, nil
		}
		out = append(out, frame...)
	}
	return out, nil
}

// SetIdleDeadline arms a read deadline of d that is pushed forward before every frame read.
// A zero d disarms it.
func (c *Conn) SetIdleDeadline(d time.Duration) error {
	c.idle.Store(int64(d))
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *Conn) rearm() error {
	d := time.Duration(c.idle.Load())
	if d <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *Conn) closedOr(err error) error {
	if c.done.Load() {
		return ErrClosed
	}
	return err
}

// Close releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.done.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.done.Load()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
