package ptpip

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// maxFrameSize bounds a single frame. GetObject data phases arrive chunked
// well below this; anything larger is a corrupted length field.
const maxFrameSize = 64 << 20

// Conn is one framed PTP/IP channel over TCP.
//
// Reads and writes are safe to use from different goroutines, but only one
// goroutine may read at a time (the engine on the command channel, the event
// source on the event channel). Close is idempotent and unblocks any
// in-flight read or write; a read interrupted that way reports ErrCancelled.
type Conn struct {
	tcp  net.Conn
	log  *zap.Logger
	wmu  sync.Mutex
	once sync.Once
	// closed flips before the socket close so interrupted I/O can be told
	// apart from a genuine peer reset.
	closed  chan struct{}
	closeErr error
}

// NewConn wraps an established TCP connection. name tags log lines with the
// channel role ("command" or "event").
func NewConn(tcp net.Conn, name string, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		tcp:    tcp,
		log:    log.Named(name),
		closed: make(chan struct{}),
	}
}

// SendPacket frames and writes p.
func (c *Conn) SendPacket(p Packet) error {
	b := Encode(p)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.tcp.Write(b); err != nil {
		return c.mapErr(err)
	}
	c.log.Debug("sent frame", zap.Uint32("type", uint32(p.Type())), zap.Int("len", len(b)))
	return nil
}

// RecvPacket reads exactly one frame and decodes it. A timeout of zero
// blocks until a frame arrives or the connection closes. Partial frames are
// never returned: a short read is a ProtocolError or a transport error.
func (c *Conn) RecvPacket(timeout time.Duration) (Packet, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.tcp.SetReadDeadline(deadline); err != nil {
		return nil, c.mapErr(err)
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.tcp, hdr[:]); err != nil {
		return nil, c.mapErr(err)
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length < headerSize {
		return nil, protocolErrorf("frame length %d below header minimum", length)
	}
	if length > maxFrameSize {
		return nil, protocolErrorf("frame length %d exceeds limit", length)
	}

	frame := make([]byte, length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(c.tcp, frame[headerSize:]); err != nil {
		return nil, c.mapErr(err)
	}
	p, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	c.log.Debug("received frame", zap.Uint32("type", uint32(p.Type())), zap.Uint32("len", length))
	return p, nil
}

// Close shuts the channel down. Safe to call from any goroutine, any number
// of times; blocked reads and writes return promptly.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.closeErr = c.tcp.Close()
	})
	return c.closeErr
}

// CloseOnDone closes the connection as soon as ctx is cancelled, which is
// how cancellation propagates into blocked socket I/O. The returned release
// function detaches the watcher; it must be called when the guarded scope
// ends.
func (c *Conn) CloseOnDone(ctx context.Context) (release func()) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		case <-c.closed:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// RemoteAddr reports the camera's address.
func (c *Conn) RemoteAddr() net.Addr { return c.tcp.RemoteAddr() }

// mapErr folds transport errors into the package taxonomy.
func (c *Conn) mapErr(err error) error {
	select {
	case <-c.closed:
		return ErrCancelled
	default:
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrTimeout
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrPeerClosed
	}
	return err
}
