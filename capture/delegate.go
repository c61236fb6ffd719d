package capture

import (
	"sync"
	"time"

	"framefast.app/ptpkit/ptp"
)

// DetectedPhoto is one capture noticed by the event source. The handle is
// the camera's object handle, except for Sony in-memory captures where it is
// a synthesized per-capture id (the wire handle is a shared sentinel).
type DetectedPhoto struct {
	Handle      uint32
	Filename    string
	CaptureDate time.Time
	Size        uint64
	Raw         bool
}

// Delegate receives the session's life events. Callbacks arrive one at a
// time, in order, from a single dispatch goroutine: detections are reported
// in the order the camera produced them, and downloads complete in
// detection order.
type Delegate interface {
	// SessionDidConnect fires once, after the vendor handshake finished and
	// before the first detection can arrive.
	SessionDidConnect(info *ptp.DeviceInfo)
	// SessionDidDetectPhoto fires when a new capture has been identified.
	SessionDidDetectPhoto(photo DetectedPhoto)
	// SessionDidCompleteDownload delivers the capture's bytes.
	SessionDidCompleteDownload(photo DetectedPhoto, data []byte)
	// SessionDidSkipRaw fires instead of a detection when a RAW capture is
	// filtered by the JpegOnly policy.
	SessionDidSkipRaw(filename string)
	// SessionDidFailDownload reports a per-capture failure. The session
	// keeps running.
	SessionDidFailDownload(handle uint32, err error)
	// SessionDidFail reports a fatal session error. SessionDidDisconnect
	// follows immediately.
	SessionDidFail(err error)
	// SessionDidDisconnect is the last callback a session ever delivers.
	SessionDidDisconnect()
}

// dispatcher serializes delegate callbacks onto one goroutine so the
// delegate never needs its own locking and observes events in order.
type dispatcher struct {
	delegate Delegate
	mu       sync.Mutex
	closed   bool
	queue    chan func(Delegate)
	done     chan struct{}
}

func newDispatcher(d Delegate) *dispatcher {
	dp := &dispatcher{
		delegate: d,
		queue:    make(chan func(Delegate), 64),
		done:     make(chan struct{}),
	}
	go dp.run()
	return dp
}

func (dp *dispatcher) run() {
	defer close(dp.done)
	for fn := range dp.queue {
		fn(dp.delegate)
	}
}

// emit enqueues one callback. Emits after close are dropped: the session is
// gone and SessionDidDisconnect was the final event.
func (dp *dispatcher) emit(fn func(Delegate)) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.closed {
		return
	}
	dp.queue <- fn
}

// close drains the queue and waits for the last callback to return.
func (dp *dispatcher) close() {
	dp.mu.Lock()
	if !dp.closed {
		dp.closed = true
		close(dp.queue)
	}
	dp.mu.Unlock()
	<-dp.done
}
