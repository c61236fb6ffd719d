package capture

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// sonyObjectReady is the object-in-memory threshold: property 0xD215 at or
// above it means the capture bytes can be fetched.
const sonyObjectReady = 0x8000

// sonySDIOPhases are the parameter triples for the three SDIO_Connect calls
// of the connect sequence. Taken from observed traffic; no published
// document covers them.
var sonySDIOPhases = [][]uint32{{1, 0, 0}, {2, 0, 0}, {3, 0, 0}}

// sonyConnectSequence runs the vendor handshake Sony bodies require after
// OpenSession and before any event handling: three SDIO_Connect phases
// followed by the 0x920D exchange.
func sonyConnectSequence(ctx context.Context, engine *ptpip.Engine) error {
	for _, params := range sonySDIOPhases {
		if _, _, err := engine.RunChecked(ctx, ptpip.Request{
			Op:     ptp.OC_Sony_SDIOConnect,
			Params: params,
		}); err != nil {
			return errors.Wrapf(err, "sdio connect %d", params[0])
		}
	}
	if _, _, err := engine.RunChecked(ctx, ptpip.Request{
		Op:     ptp.OC_Sony_SDIOSetExtDeviceInfo,
		Params: []uint32{0x012C},
	}); err != nil {
		return errors.Wrap(err, "sdio ext device info")
	}
	return nil
}

// sonySource consumes the asynchronous event channel. Captures land behind
// the object-in-memory gate: the 0xC201 notification arrives well before
// the bytes are fetchable, so each capture is queued and resolved strictly
// one at a time — overlapping GetObjectInfo with the event stream makes the
// body answer invalidResponse.
type sonySource struct {
	s        *Session
	loopDone chan struct{}
}

func newSonySource(s *Session) *sonySource {
	return &sonySource{s: s, loopDone: make(chan struct{})}
}

func (y *sonySource) start(ctx context.Context) error {
	go y.loop(ctx)
	return nil
}

func (y *sonySource) loop(ctx context.Context) {
	defer close(y.loopDone)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := y.s.client.EvtConn.RecvPacket(y.s.cfg.EventPollTimeout)
		if err != nil {
			if errors.Is(err, ptpip.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil || y.s.disconnecting() {
				return
			}
			y.s.fail(err)
			return
		}
		switch p := pkt.(type) {
		case *ptpip.Event:
			y.handleEvent(p)
		case *ptpip.ProbeRequest:
			// Keepalive; unanswered probes make the body drop the session.
			if err := y.s.client.EvtConn.SendPacket(&ptpip.ProbeResponse{}); err != nil && !y.s.disconnecting() {
				y.s.fail(err)
				return
			}
		default:
			y.s.log.Debug("unexpected frame on event channel", zap.Uint32("type", uint32(pkt.Type())))
		}
	}
}

func (y *sonySource) handleEvent(ev *ptpip.Event) {
	switch ev.Code {
	case ptp.EC_Sony_ObjectInMemory:
		// The wire handle is a fixed sentinel shared by every in-memory
		// capture; fabricate a logical id so downstream dedup works.
		y.s.enqueue(pendingCapture{
			wireHandle: ptp.SonyInMemoryHandle,
			logical:    y.s.nextLogicalID(),
			gate:       true,
		})
	case ptp.EC_ObjectAdded:
		if len(ev.Params) > 0 {
			y.s.enqueue(pendingCapture{wireHandle: ev.Params[0], logical: ev.Params[0]})
		}
	default:
		y.s.log.Debug("sony event", zap.Uint16("code", uint16(ev.Code)), zap.Uint32s("params", ev.Params))
	}
}

func (y *sonySource) stop() {
	// The session closes the sockets before joining; the blocked read
	// returns immediately.
	<-y.loopDone
}

func (y *sonySource) cleanup(context.Context) error {
	// Sony needs no goodbye on the command channel; CloseSession suffices.
	return nil
}

// sonyGateWait polls the object-in-memory property until the capture is
// ready, bounded by the configured attempt budget so a dropped capture
// cannot hang the pipeline.
func (s *Session) sonyGateWait() error {
	for attempt := 0; attempt < s.cfg.SonyGateAttempts; attempt++ {
		if err := s.ctx.Err(); err != nil {
			return ptpip.ErrCancelled
		}
		val, err := s.sonyReadInMemoryProp()
		if err != nil {
			return err
		}
		if val >= sonyObjectReady {
			s.log.Debug("object in memory", zap.Uint64("value", val), zap.Int("attempt", attempt))
			return nil
		}
		select {
		case <-s.ctx.Done():
			return ptpip.ErrCancelled
		case <-s.clk.After(s.cfg.SonyGateInterval):
		}
	}
	return ptpip.ErrGateTimeout
}

// sonyReadInMemoryProp reads property 0xD215 through the configured
// fallback chain. The vendor reads are preferred because the standard
// GetDevicePropDesc serves stale cached values on several bodies; the exact
// ordering is empirical and therefore configuration.
func (s *Session) sonyReadInMemoryProp() (uint64, error) {
	var lastErr error
	for _, op := range s.cfg.SonyPropFallback {
		var (
			val uint64
			err error
		)
		switch op {
		case ptp.OC_Sony_GetAllDevicePropData:
			val, err = s.sonyReadAllPropData()
		case ptp.OC_Sony_GetDevicePropDesc, ptp.OC_GetDevicePropDesc:
			val, err = s.sonyReadPropDesc(op)
		default:
			continue
		}
		if err == nil {
			return val, nil
		}
		var cmdErr *ptpip.CommandError
		if !errors.As(err, &cmdErr) {
			return 0, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no usable property operation in fallback chain")
	}
	return 0, errors.Wrap(lastErr, "object-in-memory property")
}

func (s *Session) sonyReadAllPropData() (uint64, error) {
	_, data, err := s.client.Engine.RunChecked(s.ctx, ptpip.Request{
		Op: ptp.OC_Sony_GetAllDevicePropData,
	})
	if err != nil {
		return 0, err
	}
	val, ok, err := sonyFindProp(data, ptp.DPC_Sony_ObjectInMemory)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &ptpip.CommandError{Op: ptp.OC_Sony_GetAllDevicePropData, Code: ptp.RC_DevicePropNotSupported}
	}
	return val, nil
}

func (s *Session) sonyReadPropDesc(op ptp.OperationCode) (uint64, error) {
	_, data, err := s.client.Engine.RunChecked(s.ctx, ptpip.Request{
		Op:     op,
		Params: []uint32{uint32(ptp.DPC_Sony_ObjectInMemory)},
	})
	if err != nil {
		return 0, err
	}
	_, val, err := parsePropDesc(data, op == ptp.OC_Sony_GetDevicePropDesc)
	return val, err
}

// sonyFindProp walks the 0x9209 all-properties dataset looking for one
// code. Layout: u64 property count, then packed Sony property descriptors.
func sonyFindProp(data []byte, want ptp.DevicePropCode) (uint64, bool, error) {
	if len(data) < 8 {
		return 0, false, errors.Errorf("all-prop dataset: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint64(data)
	rest := data[8:]
	for i := uint64(0); i < count; i++ {
		code, val, n, err := parseOnePropDesc(rest, true)
		if err != nil {
			return 0, false, errors.Wrapf(err, "property %d of %d", i, count)
		}
		if code == want {
			return val, true, nil
		}
		rest = rest[n:]
	}
	return 0, false, nil
}

// parsePropDesc parses a single property descriptor dataset and returns its
// current value. sonyVariant selects the Sony layout, which inserts an
// is-enabled byte after get/set.
func parsePropDesc(data []byte, sonyVariant bool) (ptp.DevicePropCode, uint64, error) {
	code, val, _, err := parseOnePropDesc(data, sonyVariant)
	return code, val, err
}

func parseOnePropDesc(b []byte, sonyVariant bool) (ptp.DevicePropCode, uint64, int, error) {
	off := 0
	need := func(n int) error {
		if off+n > len(b) {
			return errors.Errorf("prop desc truncated at offset %d", off)
		}
		return nil
	}
	if err := need(5); err != nil {
		return 0, 0, 0, err
	}
	code := ptp.DevicePropCode(binary.LittleEndian.Uint16(b))
	datatype := binary.LittleEndian.Uint16(b[2:])
	off = 5 // code + datatype + get/set byte
	if sonyVariant {
		off++ // is-enabled byte
	}

	readValue := func() (uint64, error) {
		size, str := propTypeSize(datatype)
		if str {
			if err := need(1); err != nil {
				return 0, err
			}
			chars := int(b[off])
			if err := need(1 + 2*chars); err != nil {
				return 0, err
			}
			off += 1 + 2*chars
			return 0, nil
		}
		if size == 0 {
			return 0, errors.Errorf("unsupported property datatype %#04x", datatype)
		}
		if err := need(size); err != nil {
			return 0, err
		}
		var v uint64
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[off+i])
		}
		off += size
		return v, nil
	}

	if _, err := readValue(); err != nil { // factory default
		return 0, 0, 0, err
	}
	current, err := readValue()
	if err != nil {
		return 0, 0, 0, err
	}

	if err := need(1); err != nil {
		return 0, 0, 0, err
	}
	form := b[off]
	off++
	switch form {
	case 0: // no form
	case 1: // range: min, max, step
		for i := 0; i < 3; i++ {
			if _, err := readValue(); err != nil {
				return 0, 0, 0, err
			}
		}
	case 2: // enum: u16 count, then values
		if err := need(2); err != nil {
			return 0, 0, 0, err
		}
		n := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
		for i := 0; i < n; i++ {
			if _, err := readValue(); err != nil {
				return 0, 0, 0, err
			}
		}
	default:
		return 0, 0, 0, errors.Errorf("unknown property form flag %#02x", form)
	}

	return code, current, off, nil
}

// propTypeSize maps a PTP datatype code to its scalar byte width, or marks
// it as a string type.
func propTypeSize(datatype uint16) (size int, isString bool) {
	switch datatype {
	case 0x0001, 0x0002: // i8, u8
		return 1, false
	case 0x0003, 0x0004: // i16, u16
		return 2, false
	case 0x0005, 0x0006: // i32, u32
		return 4, false
	case 0x0007, 0x0008: // i64, u64
		return 8, false
	case 0xFFFF: // string
		return 0, true
	default:
		return 0, false
	}
}
