package ptpip

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
)

// Request is one operation to run as a command/data/response triplet.
type Request struct {
	Op     ptp.OperationCode
	Params []uint32
	// DataOut, when non-nil, is sent to the device in a data-out phase.
	DataOut []byte
	// Timeout overrides the engine's default response timeout for this
	// request. Event polls use a short timeout here; downloads a longer one.
	Timeout time.Duration
}

// Engine serializes command triplets on the command channel and owns the
// transaction counter.
//
// Exactly one command runs at a time per session. Event polling, property
// reads and object downloads all funnel through Run and queue on the mutex;
// Sony bodies answer invalidResponse if triplets ever overlap, so the lock
// covers the entire triplet, data phase included.
type Engine struct {
	conn    *Conn
	log     *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	tid uint32
}

// NewEngine wraps the command connection. timeout is the default wait for a
// response frame; zero means 10 seconds.
func NewEngine(conn *Conn, timeout time.Duration, log *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{conn: conn, log: log.Named("engine"), timeout: timeout}
}

// SetDefaultTimeout replaces the default response timeout. The scanner
// handshakes with short timeouts; the session that adopts the client resets
// this to its configured command timeout.
func (e *Engine) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
}

// NextTransactionID reports the id the next command will use. Transaction
// ids are contiguous within a session; Sony silently drops gapped ids, so
// nothing else may consume them.
func (e *Engine) NextTransactionID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tid
}

// Run executes one triplet: command frame, optional data-out phase, then
// frames until the matching response. Data-in frames for the transaction
// accumulate into the returned buffer. Any frame for a different transaction
// is a fatal ProtocolError.
func (e *Engine) Run(ctx context.Context, req Request) (*OperationResponse, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, ErrCancelled
	}

	tid := e.tid
	e.tid++ // wraps at 2^32 by uint32 arithmetic

	phase := DataPhaseNoneOrIn
	if req.DataOut != nil {
		phase = DataPhaseOut
	}
	if err := e.conn.SendPacket(&OperationRequest{
		DataPhase:     phase,
		Op:            req.Op,
		TransactionID: tid,
		Params:        req.Params,
	}); err != nil {
		return nil, nil, err
	}

	if req.DataOut != nil {
		if err := e.conn.SendPacket(&StartData{TransactionID: tid, TotalLength: uint64(len(req.DataOut))}); err != nil {
			return nil, nil, err
		}
		if err := e.conn.SendPacket(&Data{TransactionID: tid, Payload: req.DataOut}); err != nil {
			return nil, nil, err
		}
		if err := e.conn.SendPacket(&EndData{TransactionID: tid}); err != nil {
			return nil, nil, err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	var dataIn bytes.Buffer
	var announced uint64
	for {
		pkt, err := e.conn.RecvPacket(timeout)
		if err != nil {
			return nil, nil, err
		}
		switch p := pkt.(type) {
		case *StartData:
			if p.TransactionID != tid {
				return nil, nil, protocolErrorf("start data for transaction %d during %d", p.TransactionID, tid)
			}
			announced = p.TotalLength
			if announced != UnknownDataLength {
				dataIn.Grow(int(min64(announced, maxFrameSize)))
			}
		case *Data:
			if p.TransactionID != tid {
				return nil, nil, protocolErrorf("data for transaction %d during %d", p.TransactionID, tid)
			}
			dataIn.Write(p.Payload)
		case *EndData:
			if p.TransactionID != tid {
				return nil, nil, protocolErrorf("end data for transaction %d during %d", p.TransactionID, tid)
			}
			dataIn.Write(p.Payload)
		case *OperationResponse:
			if p.TransactionID != tid {
				return nil, nil, protocolErrorf("response for transaction %d during %d", p.TransactionID, tid)
			}
			e.log.Debug("transaction complete",
				zap.Uint32("tid", tid),
				zap.Uint16("op", uint16(req.Op)),
				zap.Uint16("code", uint16(p.Code)),
				zap.Int("data", dataIn.Len()))
			return p, dataIn.Bytes(), nil
		default:
			return nil, nil, protocolErrorf("unexpected %T frame during transaction %d", pkt, tid)
		}
	}
}

// RunChecked is Run with the common policy applied: any response code other
// than OK becomes a CommandError.
func (e *Engine) RunChecked(ctx context.Context, req Request) (*OperationResponse, []byte, error) {
	resp, data, err := e.Run(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if resp.Code != ptp.RC_OK {
		return resp, data, &CommandError{Op: req.Op, Code: resp.Code}
	}
	return resp, data, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
