package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"framefast.app/ptpkit/ptpip"
)

// DiscoveredCamera is one camera that completed the full handshake during a
// scan. Ownership of the open client transfers to the receiver: accept it
// with Attach or release it with Client.Close.
type DiscoveredCamera struct {
	Name             string
	IP               string
	ConnectionNumber uint32
	Client           *ptpip.Client
}

// ScanPhase is the scanner's observable state.
type ScanPhase int

const (
	ScanIdle ScanPhase = iota
	ScanScanning
	ScanCompleted
	ScanError
)

// ScanUpdate is a state-machine transition published to the observer.
// Updates arrive on a single goroutine, in order.
type ScanUpdate struct {
	Phase     ScanPhase
	Wave      int
	Total     int
	CurrentIP string
	Found     int
	Err       error
}

// stopBudget bounds how long Stop waits for probe cleanup before abandoning
// the drain. The UI's Done button sits on top of this.
const stopBudget = 2 * time.Second

var (
	errAlreadyScanning = errors.New("capture: scan already in progress")
	errNoCameras       = errors.New("capture: no cameras found")
)

// Scanner probes candidate IPs for cameras in waves. Each probe runs the
// full five-stage handshake, so a hit is a working camera, not just an open
// port.
type Scanner struct {
	cfg      Config
	guid     uuid.UUID
	hostName string
	log      *zap.Logger
	clk      clock.Clock

	observer func(ScanUpdate)
	updates  chan ScanUpdate

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScanner builds a scanner. observer may be nil.
func NewScanner(cfg Config, guid uuid.UUID, observer func(ScanUpdate), log *zap.Logger) *Scanner {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		cfg:      cfg,
		guid:     guid,
		hostName: cfg.HostName,
		log:      log.Named("scanner"),
		clk:      clock.New(),
		observer: observer,
	}
}

// Scan probes the candidate IPs and streams discoveries on the returned
// channel. The channel closes when all waves are exhausted, ctx is
// cancelled or Stop is called. Duplicate candidates are collapsed, keeping
// first position, so callers can prepend cached IPs to the list.
//
// Cameras sent on the channel are open handshaken clients owned by the
// receiver. A camera discovered after the receiver stopped listening (Stop
// was called or ctx was cancelled) is closed by the scanner.
func (s *Scanner) Scan(ctx context.Context, ips []string) (<-chan DiscoveredCamera, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errAlreadyScanning
	}
	s.running = true
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	targets := dedupe(ips)
	out := make(chan DiscoveredCamera, len(targets))
	s.updates = make(chan ScanUpdate, 64)
	go s.publishLoop(s.updates)

	go s.run(scanCtx, targets, out)
	return out, nil
}

func (s *Scanner) run(ctx context.Context, targets []string, out chan<- DiscoveredCamera) {
	defer func() {
		close(out)
		close(s.updates)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.done)
	}()

	var (
		foundMu sync.Mutex
		found   = make(map[string]bool)
	)
	foundCount := func() int {
		foundMu.Lock()
		defer foundMu.Unlock()
		return len(found)
	}

	for wave := 0; wave < s.cfg.ScanWaves; wave++ {
		remaining := make([]string, 0, len(targets))
		for _, ip := range targets {
			if !found[ip] {
				remaining = append(remaining, ip)
			}
		}
		if len(remaining) == 0 {
			break
		}
		s.log.Debug("scan wave", zap.Int("wave", wave+1), zap.Int("targets", len(remaining)))

		g, probeCtx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.ScanConcurrency)
		for _, ip := range remaining {
			ip := ip
			g.Go(func() error {
				s.publish(ScanUpdate{Phase: ScanScanning, Wave: wave + 1, Total: len(targets), CurrentIP: ip, Found: foundCount()})
				cam, err := s.probe(probeCtx, ip)
				if err != nil {
					s.log.Debug("probe failed", zap.String("ip", ip), zap.Error(err))
					return nil // a dead IP is not a scan error
				}
				foundMu.Lock()
				found[ip] = true
				foundMu.Unlock()
				if ctx.Err() != nil {
					// Scan stopped while this probe was in its commit point.
					cam.Client.Close()
					return nil
				}
				select {
				case out <- *cam:
				default:
					// Receiver gave up; do not leak a paired session.
					cam.Client.Close()
				}
				return nil
			})
		}
		_ = g.Wait() // probes never return errors

		if ctx.Err() != nil {
			s.publish(ScanUpdate{Phase: ScanError, Wave: wave + 1, Total: len(targets), Found: foundCount(), Err: ctx.Err()})
			return
		}
		// A wave that found something skips the settle delay: the caller is
		// usually waiting to auto-select.
		if foundCount() == 0 && wave+1 < s.cfg.ScanWaves {
			select {
			case <-ctx.Done():
				s.publish(ScanUpdate{Phase: ScanError, Wave: wave + 1, Total: len(targets), Found: 0, Err: ctx.Err()})
				return
			case <-s.clk.After(s.cfg.ScanWaveDelay):
			}
		}
	}
	s.publish(ScanUpdate{Phase: ScanCompleted, Total: len(targets), Found: foundCount()})
}

// probe runs the full handshake against one IP with the scanner's short
// timeouts.
func (s *Scanner) probe(ctx context.Context, ip string) (*DiscoveredCamera, error) {
	client, err := ptpip.Connect(ctx, ip, ptpip.Options{
		GUID:            s.guid,
		HostName:        s.hostName,
		ConnectTimeout:  s.cfg.ScanIPTimeout,
		ResponseTimeout: s.cfg.ScanIPTimeout,
		Retries:         s.cfg.ScanIPRetries,
		RetryDelay:      s.cfg.ScanIPRetryDelay,
		Log:             s.log,
	})
	if err != nil {
		return nil, err
	}
	name := client.DeviceName
	if name == "" {
		name = client.Info.Model
	}
	s.log.Info("camera discovered", zap.String("ip", ip), zap.String("name", name))
	return &DiscoveredCamera{
		Name:             name,
		IP:               ip,
		ConnectionNumber: client.ConnectionNumber,
		Client:           client,
	}, nil
}

// Stop cancels the scan and waits for probe cleanup, bounded by stopBudget.
// If slow probes are still draining when the budget expires, Stop returns
// anyway and the drain finishes in the background.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(stopBudget):
		s.log.Warn("scan drain exceeded budget, abandoning wait")
	}
}

// publishLoop delivers observer updates serially so the observer needs no
// locking.
func (s *Scanner) publishLoop(updates <-chan ScanUpdate) {
	for u := range updates {
		if s.observer != nil {
			s.observer(u)
		}
	}
}

func (s *Scanner) publish(u ScanUpdate) {
	select {
	case s.updates <- u:
	default:
		// Observer fell behind; progress updates are droppable.
	}
}

// ScanFirst is the auto-select convenience: it returns the first camera
// found, stops the scan and closes any other discoveries.
func (s *Scanner) ScanFirst(ctx context.Context, ips []string) (*DiscoveredCamera, error) {
	out, err := s.Scan(ctx, ips)
	if err != nil {
		return nil, err
	}
	var first *DiscoveredCamera
	for cam := range out {
		cam := cam
		if first == nil {
			first = &cam
			s.Stop()
			continue
		}
		cam.Client.Close()
	}
	if first == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errNoCameras
	}
	return first, nil
}

func dedupe(ips []string) []string {
	seen := make(map[string]bool, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip == "" || seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, ip)
	}
	return out
}
