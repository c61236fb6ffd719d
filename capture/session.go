package capture

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// State is the session lifecycle position.
type State int32

const (
	StateConnected State = iota
	StateRunning
	StateDisconnecting
	StateClosed
)

// teardownBudget bounds the vendor cleanup context, the CloseSession response
// wait and the final joins on the event source and the resolver during
// disconnect.
const teardownBudget = 2 * time.Second

// Session owns one live camera connection: both sockets, the command
// engine, the vendor event source and the download resolver. All delegate
// callbacks are delivered in order; see Delegate.
type Session struct {
	cfg      Config
	log      *zap.Logger
	clk      clock.Clock
	client   *ptpip.Client
	vendor   Vendor
	caps     capabilities
	dispatch *dispatcher
	source   eventSource

	ctx    context.Context
	cancel context.CancelFunc

	pending      chan pendingCapture
	resolverDone chan struct{}

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error

	// logicalCtr fabricates per-capture ids for Sony's shared in-memory
	// handle.
	logicalCtr uint32
}

// Attach takes ownership of an established client, runs the vendor-specific
// connect sequence, starts event production and reports SessionDidConnect.
// ctx covers only the attach itself; the session lives until Disconnect.
func Attach(ctx context.Context, client *ptpip.Client, cfg Config, delegate Delegate, log *zap.Logger) (*Session, error) {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	vendor := vendorOf(client.Info)
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:          cfg,
		log:          log.Named("session").With(zap.String("vendor", vendor.String()), zap.String("ip", client.IP)),
		clk:          clock.New(),
		client:       client,
		vendor:       vendor,
		caps:         capabilitiesOf(vendor),
		dispatch:     newDispatcher(delegate),
		ctx:          sctx,
		cancel:       cancel,
		pending:      make(chan pendingCapture, 32),
		resolverDone: make(chan struct{}),
		closedCh:     make(chan struct{}),
	}

	// The client may have been handshaken with scanner-grade timeouts.
	client.Engine.SetDefaultTimeout(cfg.CommandTimeout)

	if vendor == VendorSony {
		if err := sonyConnectSequence(ctx, client.Engine); err != nil {
			cancel()
			s.dispatch.close()
			client.Close()
			return nil, err
		}
	}

	// Connect is reported before the source starts so no detection can ever
	// precede it in the delegate stream.
	info := client.Info
	s.dispatch.emit(func(d Delegate) { d.SessionDidConnect(info) })

	s.source = newEventSource(s)
	if err := s.source.start(sctx); err != nil {
		cancel()
		s.dispatch.emit(func(d Delegate) { d.SessionDidFail(err) })
		s.dispatch.emit(func(d Delegate) { d.SessionDidDisconnect() })
		s.dispatch.close()
		client.Close()
		return nil, err
	}

	go s.resolveLoop()

	s.setState(StateRunning)
	s.log.Info("session running", zap.String("model", info.Model))
	return s, nil
}

// Vendor reports the detected camera family.
func (s *Session) Vendor() Vendor { return s.vendor }

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// disconnecting reports whether teardown has begun; sources use it to tell
// a locally-cancelled read from a camera failure.
func (s *Session) disconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDisconnecting || s.state == StateClosed
}

// Disconnect tears the session down: vendor cleanup, CloseSession,
// sockets closed, event production joined, SessionDidDisconnect delivered.
// Safe to call any number of times; every call returns after teardown has
// completed.
func (s *Session) Disconnect() error {
	s.shutdown(true, nil)
	<-s.closedCh
	return s.closeErr
}

// fail starts teardown from inside a producer goroutine. The goroutine must
// return right after calling it; shutdown joins the producers.
func (s *Session) fail(err error) {
	go s.shutdown(false, err)
}

func (s *Session) shutdown(clean bool, failErr error) {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnecting)

		if failErr != nil {
			s.log.Warn("session failed", zap.Error(failErr))
			s.dispatch.emit(func(d Delegate) { d.SessionDidFail(failErr) })
		}

		if clean {
			// Vendor goodbye first (Canon: park the poll loop, drain one
			// GetEvent, SetEventMode 0), then CloseSession, then the sockets. The order matters:
			// cameras wedge if the session dies while event mode is active.
			ctx, cancel := context.WithTimeout(context.Background(), teardownBudget)
			if err := s.source.cleanup(ctx); err != nil {
				s.log.Debug("vendor cleanup incomplete", zap.Error(err))
			}
			if _, _, err := s.client.Engine.RunChecked(ctx, ptpip.Request{
				Op:      ptp.OC_CloseSession,
				Timeout: teardownBudget,
			}); err != nil {
				s.log.Debug("close session", zap.Error(err))
			}
			cancel()
		}

		s.cancel()
		s.closeErr = multierr.Append(s.closeErr, s.client.Close())
		sourceDone := make(chan struct{})
		go func() {
			s.source.stop()
			close(sourceDone)
		}()
		select {
		case <-sourceDone:
		case <-time.After(teardownBudget):
			s.log.Warn("event source did not stop within budget")
		}

		select {
		case <-s.resolverDone:
		case <-time.After(teardownBudget):
			s.log.Warn("resolver did not drain within budget")
		}

		s.setState(StateClosed)
		s.dispatch.emit(func(d Delegate) { d.SessionDidDisconnect() })
		s.dispatch.close()
		s.log.Info("session closed")
		close(s.closedCh)
	})
}

// enqueue hands one capture to the resolver, dropping it if the session is
// already tearing down.
func (s *Session) enqueue(pc pendingCapture) {
	select {
	case s.pending <- pc:
	case <-s.ctx.Done():
	}
}

// nextLogicalID fabricates a distinct handle for a Sony in-memory capture.
// The ids live outside the camera's handle space on purpose.
func (s *Session) nextLogicalID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logicalCtr++
	return 0xFF000000 + s.logicalCtr
}
