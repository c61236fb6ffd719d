package capture

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// genericSource consumes standard PTP events from the event channel. Used
// for cameras without a recognized vendor family and as the fallback when a
// vendor poll operation is missing from the advertised set.
type genericSource struct {
	s        *Session
	loopDone chan struct{}
}

func newGenericSource(s *Session) *genericSource {
	return &genericSource{s: s, loopDone: make(chan struct{})}
}

func (g *genericSource) start(ctx context.Context) error {
	go g.loop(ctx)
	return nil
}

func (g *genericSource) loop(ctx context.Context) {
	defer close(g.loopDone)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := g.s.client.EvtConn.RecvPacket(g.s.cfg.EventPollTimeout)
		if err != nil {
			if errors.Is(err, ptpip.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil || g.s.disconnecting() {
				return
			}
			g.s.fail(err)
			return
		}
		switch p := pkt.(type) {
		case *ptpip.Event:
			g.handleEvent(p)
		case *ptpip.ProbeRequest:
			if err := g.s.client.EvtConn.SendPacket(&ptpip.ProbeResponse{}); err != nil && !g.s.disconnecting() {
				g.s.fail(err)
				return
			}
		default:
			g.s.log.Debug("unexpected frame on event channel", zap.Uint32("type", uint32(pkt.Type())))
		}
	}
}

func (g *genericSource) handleEvent(ev *ptpip.Event) {
	switch ev.Code {
	case ptp.EC_ObjectAdded:
		if len(ev.Params) > 0 {
			g.s.enqueue(pendingCapture{wireHandle: ev.Params[0], logical: ev.Params[0]})
		}
	case ptp.EC_CaptureComplete:
		g.s.log.Debug("capture complete")
	case ptp.EC_StoreFull:
		g.s.log.Warn("camera storage full")
	default:
		g.s.log.Debug("event", zap.Uint16("code", uint16(ev.Code)), zap.Uint32s("params", ev.Params))
	}
}

func (g *genericSource) stop() {
	<-g.loopDone
}

func (g *genericSource) cleanup(context.Context) error {
	return nil
}
