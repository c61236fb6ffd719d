package capture

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// nikonSource polls the vendor event queue (0x90C7) on the command channel
// at a fixed cadence. The record layout below is the documented
// {count, code+param} list; the cadence is modest because Nikon bodies
// answer the poll even when idle. The whole source sits behind
// Config.NikonEvents until the layout has been validated against more
// bodies.
type nikonSource struct {
	s          *Session
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func newNikonSource(s *Session) *nikonSource {
	return &nikonSource{s: s, loopDone: make(chan struct{})}
}

func (n *nikonSource) start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	n.loopCancel = cancel
	go n.loop(loopCtx)
	return nil
}

func (n *nikonSource) loop(ctx context.Context) {
	defer close(n.loopDone)
	for {
		if err := n.poll(ctx); err != nil {
			if ctx.Err() != nil || n.s.disconnecting() {
				return
			}
			n.s.fail(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-n.s.clk.After(n.s.cfg.NikonPollInterval):
		}
	}
}

// poll fetches and translates one batch of queued events. Payload layout:
// u16 record count, then per record {event code u16, parameter u32}.
func (n *nikonSource) poll(ctx context.Context) error {
	_, data, err := n.s.client.Engine.RunChecked(ctx, ptpip.Request{
		Op:      ptp.OC_Nikon_GetEvents,
		Timeout: n.s.cfg.EventPollTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "nikon event poll")
	}
	if len(data) < 2 {
		return nil
	}
	count := int(binary.LittleEndian.Uint16(data))
	rest := data[2:]
	for i := 0; i < count && len(rest) >= 6; i++ {
		code := ptp.EventCode(binary.LittleEndian.Uint16(rest))
		param := binary.LittleEndian.Uint32(rest[2:])
		rest = rest[6:]
		switch code {
		case ptp.EC_ObjectAdded:
			n.s.enqueue(pendingCapture{wireHandle: param, logical: param})
		case ptp.EC_CaptureComplete:
			n.s.log.Debug("capture complete", zap.Uint32("param", param))
		default:
			n.s.log.Debug("nikon event", zap.Uint16("code", uint16(code)), zap.Uint32("param", param))
		}
	}
	return nil
}

func (n *nikonSource) stop() {
	if n.loopCancel != nil {
		n.loopCancel()
		<-n.loopDone
	}
}

func (n *nikonSource) cleanup(context.Context) error {
	n.stop()
	return nil
}
