package capture

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// canonEventObjectAdded is the record type inside a GetEvent payload that
// announces a new capture.
const canonEventObjectAdded uint32 = 0x0000C1A7

// canonDescriptorSize is the fixed ObjectAdded record body: handle, storage,
// format and size up front, the 8.3 filename as an ASCII C string at offset
// 32. Offsets past the filename are not catalogued; keep the raw bytes in
// debug logs when something new shows up.
const canonDescriptorSize = 64

// canonSource drives Canon's command-channel event poll (0x9116) with an
// adaptive interval: fast while captures are arriving, backing off to the
// ceiling when the camera is idle.
type canonSource struct {
	s          *Session
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func newCanonSource(s *Session) *canonSource {
	return &canonSource{s: s, loopDone: make(chan struct{})}
}

func (c *canonSource) start(ctx context.Context) error {
	// Event production must be armed before the first poll or 0x9116
	// returns nothing, forever.
	if _, _, err := c.s.client.Engine.RunChecked(ctx, ptpip.Request{
		Op:     ptp.OC_Canon_SetEventMode,
		Params: []uint32{1},
	}); err != nil {
		return errors.Wrap(err, "set event mode")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.loopCancel = cancel
	go c.loop(loopCtx)
	return nil
}

func (c *canonSource) loop(ctx context.Context) {
	defer close(c.loopDone)
	cfg := c.s.cfg
	interval := cfg.CanonPollMin
	for {
		added, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil || c.s.disconnecting() {
				return
			}
			c.s.fail(err)
			return
		}
		for _, handle := range added {
			c.s.enqueue(pendingCapture{wireHandle: handle, logical: handle})
		}
		if len(added) > 0 {
			interval = cfg.CanonPollMin
		} else if interval < cfg.CanonPollMax {
			interval += cfg.CanonPollStep
			if interval > cfg.CanonPollMax {
				interval = cfg.CanonPollMax
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-c.s.clk.After(interval):
		}
	}
}

// poll runs one GetEvent and returns the handles of any captures announced.
func (c *canonSource) poll(ctx context.Context) ([]uint32, error) {
	_, data, err := c.s.client.Engine.RunChecked(ctx, ptpip.Request{
		Op:      ptp.OC_Canon_GetEvent,
		Timeout: c.s.cfg.EventPollTimeout,
	})
	if err != nil {
		return nil, err
	}
	return c.parseEvents(data), nil
}

// parseEvents walks the TLV record stream of a GetEvent payload. Records
// are {size u32, type u32, body}; size counts the 8-byte record header.
// Unknown record types are preserved in debug logs for offline cataloguing.
func (c *canonSource) parseEvents(data []byte) []uint32 {
	var added []uint32
	for off := 0; off+8 <= len(data); {
		size := binary.LittleEndian.Uint32(data[off:])
		typ := binary.LittleEndian.Uint32(data[off+4:])
		if size < 8 || off+int(size) > len(data) {
			c.s.log.Debug("truncated canon event record",
				zap.Uint32("size", size),
				zap.Binary("tail", data[off:]))
			break
		}
		body := data[off+8 : off+int(size)]
		switch typ {
		case canonEventObjectAdded:
			if handle, ok := c.parseObjectAdded(body); ok {
				added = append(added, handle)
			}
		default:
			c.s.log.Debug("canon event record",
				zap.Uint32("type", typ),
				zap.Binary("body", body))
		}
		off += int(size)
	}
	return added
}

// parseObjectAdded extracts the object handle from the 64-byte descriptor.
// Filename and format also live here; the resolver re-reads both from
// GetObjectInfo, which is authoritative, so only the handle is consumed.
func (c *canonSource) parseObjectAdded(body []byte) (uint32, bool) {
	if len(body) < canonDescriptorSize {
		c.s.log.Debug("short canon object descriptor", zap.Binary("body", body))
		return 0, false
	}
	handle := binary.LittleEndian.Uint32(body)
	c.s.log.Debug("canon object added",
		zap.Uint32("handle", handle),
		zap.Uint16("format", binary.LittleEndian.Uint16(body[8:])),
		zap.Uint32("size", binary.LittleEndian.Uint32(body[12:])),
		zap.ByteString("filename", cstr(body[32:])))
	return handle, true
}

func (c *canonSource) stop() {
	if c.loopCancel != nil {
		c.loopCancel()
		<-c.loopDone
	}
}

// cleanup runs Canon's goodbye sequence: park the poll loop, drain one last
// GetEvent, disarm event production. The poll loop is parked first so no
// stray poll lands between the drain and the disarm; on the wire the camera
// sees exactly GetEvent, SetEventMode(0), CloseSession. All of it must
// finish before CloseSession or the body keeps the event mode latched
// across reconnects.
func (c *canonSource) cleanup(ctx context.Context) error {
	c.stop()
	var errs error
	if _, data, err := c.s.client.Engine.RunChecked(ctx, ptpip.Request{
		Op:      ptp.OC_Canon_GetEvent,
		Timeout: c.s.cfg.EventPollTimeout,
	}); err != nil {
		errs = errors.Wrap(err, "drain events")
	} else if drained := c.parseEvents(data); len(drained) > 0 {
		// Captures surfacing this late are not resolved; the session is
		// going away and the files stay on the card.
		c.s.log.Info("events drained at disconnect", zap.Int("count", len(drained)))
	}
	if _, _, err := c.s.client.Engine.RunChecked(ctx, ptpip.Request{
		Op:     ptp.OC_Canon_SetEventMode,
		Params: []uint32{0},
	}); err != nil && errs == nil {
		errs = errors.Wrap(err, "clear event mode")
	}
	return errs
}

// cstr cuts an ASCII C string out of a fixed-size field.
func cstr(b []byte) []byte {
	for i, v := range b {
		if v == 0 {
			return b[:i]
		}
	}
	return b
}
