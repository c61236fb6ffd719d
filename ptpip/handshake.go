package ptpip

import (
	"context"
	"math/rand/v2"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
)

// Port is the TCP port cameras listen on for PTP/IP.
const Port = 15740

// ProtocolVersion is PTP/IP 1.0, the only version consumer cameras speak.
const ProtocolVersion uint32 = 0x00010000

// Options tune the connection handshake.
type Options struct {
	// GUID identifies this installation. Cameras pair against it; it must be
	// stable across connections (see capture.LoadGUID).
	GUID uuid.UUID
	// HostName is shown on the camera's pairing screen.
	HostName string
	// ConnectTimeout bounds each TCP dial. Zero means 2s.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds each init ack and the stage-5 commands.
	// Zero means 10s; the scanner passes 1–2s.
	ResponseTimeout time.Duration
	// Retries is the total number of dial attempts made while dials are
	// refused or time out. Values below 1 mean a single attempt.
	Retries int
	// RetryDelay separates dial attempts. Zero means 500ms.
	RetryDelay time.Duration
	// Log receives handshake progress at debug level.
	Log *zap.Logger
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 10 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.HostName == "" {
		o.HostName = "framefast"
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Client is an established PTP/IP connection: both channels open, the
// session opened on the device, device info parsed.
type Client struct {
	CmdConn *Conn
	EvtConn *Conn
	Engine  *Engine

	IP               string
	SessionID        uint32
	ConnectionNumber uint32
	DeviceName       string
	DeviceGUID       uuid.UUID
	Info             *ptp.DeviceInfo
}

// Close releases both sockets. It does not CloseSession on the device; the
// capture layer does that as part of its ordered teardown.
func (c *Client) Close() error {
	return multierr.Append(c.CmdConn.Close(), c.EvtConn.Close())
}

// Connect runs the five-stage handshake against ip and returns an open
// client.
//
// Stages 1–4 (dial command, InitCommand, dial event, InitEvent) abort
// cleanly on ctx cancellation: both sockets close and a HandshakeError wraps
// ErrCancelled. Stage 5 (OpenSession + GetDeviceInfo) is the commit point:
// once OpenSession has been sent the stage runs to completion even if ctx is
// cancelled, because aborting there wedges some bodies; the caller observes
// the cancellation afterwards and disconnects cleanly.
func Connect(ctx context.Context, ip string, o Options) (*Client, error) {
	o.defaults()
	log := o.Log.Named("handshake").With(zap.String("ip", ip))
	addr := ip
	if _, _, err := net.SplitHostPort(ip); err != nil {
		addr = net.JoinHostPort(ip, strconv.Itoa(Port))
	}

	// Stage 1: command channel TCP connect, with bounded retry for the
	// transient refusals cameras produce while their PTP service spins up.
	tcp, err := dialRetry(ctx, addr, o)
	if err != nil {
		if ctx.Err() != nil {
			err = ErrCancelled
		}
		return nil, &HandshakeError{Stage: 1, Reason: err}
	}
	cmd := NewConn(tcp, "command", o.Log)
	release := cmd.CloseOnDone(ctx)
	defer release()

	// Stage 2: InitCommandRequest / InitCommandAck.
	if err := cmd.SendPacket(&InitCommandRequest{GUID: o.GUID, Name: o.HostName, ProtocolVersion: ProtocolVersion}); err != nil {
		cmd.Close()
		return nil, &HandshakeError{Stage: 2, Reason: err}
	}
	pkt, err := cmd.RecvPacket(o.ResponseTimeout)
	if err != nil {
		cmd.Close()
		return nil, &HandshakeError{Stage: 2, Reason: err}
	}
	ack, ok := pkt.(*InitCommandAck)
	if !ok {
		cmd.Close()
		if fail, isFail := pkt.(*InitFail); isFail {
			return nil, &HandshakeError{Stage: 2, Reason: errors.Errorf("init rejected: %s", fail.Reason)}
		}
		return nil, &HandshakeError{Stage: 2, Reason: protocolErrorf("expected InitCommandAck, got %T", pkt)}
	}
	log.Debug("command channel initialized",
		zap.Uint32("connection", ack.ConnectionNumber),
		zap.String("device", ack.Name))

	// Stage 3: event channel TCP connect. No retry; the device is clearly
	// up if stage 2 passed.
	dialer := net.Dialer{Timeout: o.ConnectTimeout}
	etcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			err = ErrCancelled
		}
		cmd.Close()
		return nil, &HandshakeError{Stage: 3, Reason: err}
	}
	evt := NewConn(etcp, "event", o.Log)
	releaseEvt := evt.CloseOnDone(ctx)
	defer releaseEvt()

	closeBoth := func() {
		cmd.Close()
		evt.Close()
	}

	// Stage 4: InitEventRequest / InitEventAck on the event channel.
	if err := evt.SendPacket(&InitEventRequest{ConnectionNumber: ack.ConnectionNumber}); err != nil {
		closeBoth()
		return nil, &HandshakeError{Stage: 4, Reason: err}
	}
	pkt, err = evt.RecvPacket(o.ResponseTimeout)
	if err != nil {
		closeBoth()
		return nil, &HandshakeError{Stage: 4, Reason: err}
	}
	if fail, isFail := pkt.(*InitFail); isFail {
		closeBoth()
		return nil, &HandshakeError{Stage: 4, Reason: errors.Errorf("init rejected: %s", fail.Reason)}
	}
	if _, ok := pkt.(*InitEventAck); !ok {
		closeBoth()
		return nil, &HandshakeError{Stage: 4, Reason: protocolErrorf("expected InitEventAck, got %T", pkt)}
	}

	// Stage 5: commit point. OpenSession then GetDeviceInfo run detached
	// from ctx cancellation; the watchers are released so a cancel no
	// longer slams the sockets shut under the session open.
	release()
	releaseEvt()
	commitCtx := context.WithoutCancel(ctx)

	engine := NewEngine(cmd, o.ResponseTimeout, o.Log)
	sessionID := newSessionID()
	if _, _, err := engine.RunChecked(commitCtx, Request{Op: ptp.OC_OpenSession, Params: []uint32{sessionID}}); err != nil {
		closeBoth()
		return nil, &HandshakeError{Stage: 5, Reason: err}
	}
	_, data, err := engine.RunChecked(commitCtx, Request{Op: ptp.OC_GetDeviceInfo})
	if err != nil {
		closeBoth()
		return nil, &HandshakeError{Stage: 5, Reason: err}
	}
	info, err := ptp.ParseDeviceInfo(data)
	if err != nil {
		closeBoth()
		return nil, &HandshakeError{Stage: 5, Reason: errors.Wrap(err, "device info")}
	}
	log.Debug("session open",
		zap.Uint32("session", sessionID),
		zap.String("manufacturer", info.Manufacturer),
		zap.String("model", info.Model))

	return &Client{
		CmdConn:          cmd,
		EvtConn:          evt,
		Engine:           engine,
		IP:               ip,
		SessionID:        sessionID,
		ConnectionNumber: ack.ConnectionNumber,
		DeviceName:       ack.Name,
		DeviceGUID:       ack.GUID,
		Info:             info,
	}, nil
}

// dialRetry connects the command socket, retrying transient refusals.
// Unreachable hosts and permission errors fail fast; retrying those only
// burns scanner time.
func dialRetry(ctx context.Context, addr string, o Options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: o.ConnectTimeout}
	attempts := o.Retries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !retryableDial(err) {
			return nil, err
		}
		if i+1 < attempts {
			select {
			case <-time.After(o.RetryDelay):
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}
	}
	return nil, lastErr
}

func retryableDial(err error) bool {
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// newSessionID picks a random nonzero session id. Zero is reserved on the
// wire for "no session".
func newSessionID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
