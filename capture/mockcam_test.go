package capture

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// mockCamera is a scriptable PTP/IP responder: full init handshake, command
// triplets for the operations the capture layer issues, vendor event
// injection and a command log for ordering assertions.
type mockCamera struct {
	t  *testing.T
	ln net.Listener

	vendorExt    ptp.VendorExtensionID
	manufacturer string
	model        string
	operations   []ptp.OperationCode

	mu         sync.Mutex
	opLog      []opRecord
	objects    map[uint32]*mockObject
	canonQueue [][]byte
	nikonQueue [][]byte
	gateValues []uint64
	rejecting  bool

	evtMu    sync.Mutex
	evtConn  *ptpip.Conn
	evtRaw   net.Conn
	evtOnce  sync.Once
	evtReady chan struct{}
}

type opRecord struct {
	op     ptp.OperationCode
	params []uint32
}

type mockObject struct {
	handle   uint32
	filename string
	format   ptp.ObjectFormatCode
	data     []byte
}

var stdOperations = []ptp.OperationCode{
	ptp.OC_GetDeviceInfo, ptp.OC_OpenSession, ptp.OC_CloseSession,
	ptp.OC_GetObjectInfo, ptp.OC_GetObject, ptp.OC_GetDevicePropDesc,
}

func newMockCamera(t *testing.T, vendor string) *mockCamera {
	t.Helper()
	m := &mockCamera{
		t:          t,
		objects:    make(map[uint32]*mockObject),
		gateValues: []uint64{0x8001},
		evtReady:   make(chan struct{}),
	}
	switch vendor {
	case "canon":
		m.vendorExt = ptp.VendorCanon
		m.manufacturer = "Canon Inc."
		m.model = "Canon EOS R6"
		m.operations = append(stdOperations[:len(stdOperations):len(stdOperations)],
			ptp.OC_Canon_SetEventMode, ptp.OC_Canon_GetEvent)
	case "sony":
		m.vendorExt = ptp.VendorSony
		m.manufacturer = "Sony Corporation"
		m.model = "ILCE-7M4"
		m.operations = append(stdOperations[:len(stdOperations):len(stdOperations)],
			ptp.OC_GetPartialObject, ptp.OC_Sony_SDIOConnect,
			ptp.OC_Sony_GetDevicePropDesc, ptp.OC_Sony_GetAllDevicePropData,
			ptp.OC_Sony_SDIOSetExtDeviceInfo)
	case "nikon":
		m.vendorExt = ptp.VendorNikon
		m.manufacturer = "NIKON CORPORATION"
		m.model = "Z 6II"
		m.operations = append(stdOperations[:len(stdOperations):len(stdOperations)],
			ptp.OC_Nikon_GetEvents)
	default:
		m.manufacturer = "Acme"
		m.model = "Generic 1000"
		m.operations = stdOperations
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m.ln = ln
	go m.acceptLoop()
	t.Cleanup(m.close)
	return m
}

func (m *mockCamera) addr() string { return m.ln.Addr().String() }

func (m *mockCamera) close() { m.ln.Close() }

// setRejecting makes the camera slam new connections shut, simulating a
// body whose PTP service is not up yet.
func (m *mockCamera) setRejecting(v bool) {
	m.mu.Lock()
	m.rejecting = v
	m.mu.Unlock()
}

func (m *mockCamera) addObject(o *mockObject) {
	m.mu.Lock()
	m.objects[o.handle] = o
	m.mu.Unlock()
}

// setGateValues scripts the successive reads of the object-in-memory
// property; the final value repeats once the script runs out.
func (m *mockCamera) setGateValues(vals ...uint64) {
	m.mu.Lock()
	m.gateValues = vals
	m.mu.Unlock()
}

func (m *mockCamera) nextGateValue() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.gateValues[0]
	if len(m.gateValues) > 1 {
		m.gateValues = m.gateValues[1:]
	}
	return v
}

func (m *mockCamera) record(op ptp.OperationCode, params []uint32) {
	m.mu.Lock()
	m.opLog = append(m.opLog, opRecord{op: op, params: append([]uint32(nil), params...)})
	m.mu.Unlock()
}

func (m *mockCamera) ops() []opRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]opRecord(nil), m.opLog...)
}

// queueCanonObjectAdded appends a 0xC1A7 TLV record for the object to the
// next GetEvent poll.
func (m *mockCamera) queueCanonObjectAdded(handle uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.objects[handle]
	desc := make([]byte, 64)
	binary.LittleEndian.PutUint32(desc, obj.handle)
	binary.LittleEndian.PutUint32(desc[4:], 0x00010001)
	binary.LittleEndian.PutUint16(desc[8:], uint16(obj.format))
	binary.LittleEndian.PutUint32(desc[12:], uint32(len(obj.data)))
	copy(desc[32:], obj.filename)
	record := make([]byte, 8+len(desc))
	binary.LittleEndian.PutUint32(record, uint32(len(record)))
	binary.LittleEndian.PutUint32(record[4:], 0x0000C1A7)
	copy(record[8:], desc)
	m.canonQueue = append(m.canonQueue, record)
}

// queueNikonObjectAdded appends an ObjectAdded record to the next 0x90C7
// poll.
func (m *mockCamera) queueNikonObjectAdded(handle uint32) {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint16(b, uint16(ptp.EC_ObjectAdded))
	b = binary.LittleEndian.AppendUint32(b, handle)
	m.mu.Lock()
	m.nikonQueue = append(m.nikonQueue, b)
	m.mu.Unlock()
}

// pushEvent writes an event frame on the event channel. Blocks until the
// event channel has been established.
func (m *mockCamera) pushEvent(code ptp.EventCode, params ...uint32) {
	select {
	case <-m.evtReady:
	case <-time.After(5 * time.Second):
		m.t.Error("event channel never established")
		return
	}
	m.evtMu.Lock()
	defer m.evtMu.Unlock()
	if err := m.evtConn.SendPacket(&ptpip.Event{Code: code, Params: params}); err != nil {
		m.t.Logf("push event: %v", err)
	}
}

// pushRawEventBytes writes arbitrary bytes on the event channel, for
// framing-violation scenarios.
func (m *mockCamera) pushRawEventBytes(b []byte) {
	select {
	case <-m.evtReady:
	case <-time.After(5 * time.Second):
		m.t.Error("event channel never established")
		return
	}
	m.evtMu.Lock()
	defer m.evtMu.Unlock()
	if _, err := m.evtRaw.Write(b); err != nil {
		m.t.Logf("push raw: %v", err)
	}
}

func (m *mockCamera) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		rejecting := m.rejecting
		m.mu.Unlock()
		if rejecting {
			conn.Close()
			continue
		}
		go m.serve(conn)
	}
}

// serve handles one TCP connection. The first frame decides whether this is
// the command or the event channel.
func (m *mockCamera) serve(conn net.Conn) {
	peer := ptpip.NewConn(conn, "mockcam", nil)
	pkt, err := peer.RecvPacket(0)
	if err != nil {
		peer.Close()
		return
	}
	switch p := pkt.(type) {
	case *ptpip.InitCommandRequest:
		peer.SendPacket(&ptpip.InitCommandAck{
			ConnectionNumber: 1,
			GUID:             uuid.MustParse("99999999-8888-7777-6666-555544443333"),
			Name:             m.model,
			ProtocolVersion:  ptpip.ProtocolVersion,
		})
		m.commandLoop(peer)
	case *ptpip.InitEventRequest:
		peer.SendPacket(&ptpip.InitEventAck{})
		m.evtMu.Lock()
		m.evtConn = peer
		m.evtRaw = conn
		m.evtMu.Unlock()
		// Scanner probes open event channels too; only the first one arms
		// the injection hooks.
		m.evtOnce.Do(func() { close(m.evtReady) })
		// The event channel stays open; the client reads it.
	default:
		_ = p
		peer.Close()
	}
}

func (m *mockCamera) commandLoop(peer *ptpip.Conn) {
	defer peer.Close()
	for {
		pkt, err := peer.RecvPacket(0)
		if err != nil {
			return
		}
		req, ok := pkt.(*ptpip.OperationRequest)
		if !ok {
			continue
		}
		m.record(req.Op, req.Params)
		data, code := m.handle(req)
		if data != nil {
			peer.SendPacket(&ptpip.StartData{TransactionID: req.TransactionID, TotalLength: uint64(len(data))})
			peer.SendPacket(&ptpip.Data{TransactionID: req.TransactionID, Payload: data})
			peer.SendPacket(&ptpip.EndData{TransactionID: req.TransactionID})
		}
		peer.SendPacket(&ptpip.OperationResponse{Code: code, TransactionID: req.TransactionID})
	}
}

func (m *mockCamera) handle(req *ptpip.OperationRequest) ([]byte, ptp.ResponseCode) {
	switch req.Op {
	case ptp.OC_OpenSession, ptp.OC_CloseSession,
		ptp.OC_Canon_SetEventMode,
		ptp.OC_Sony_SDIOConnect, ptp.OC_Sony_SDIOSetExtDeviceInfo:
		return nil, ptp.RC_OK
	case ptp.OC_GetDeviceInfo:
		return m.deviceInfoBytes(), ptp.RC_OK
	case ptp.OC_Canon_GetEvent:
		m.mu.Lock()
		var payload []byte
		if len(m.canonQueue) > 0 {
			payload = m.canonQueue[0]
			m.canonQueue = m.canonQueue[1:]
		}
		m.mu.Unlock()
		if payload == nil {
			payload = []byte{}
		}
		return payload, ptp.RC_OK
	case ptp.OC_Nikon_GetEvents:
		m.mu.Lock()
		var payload []byte
		if len(m.nikonQueue) > 0 {
			payload = m.nikonQueue[0]
			m.nikonQueue = m.nikonQueue[1:]
		}
		m.mu.Unlock()
		if payload == nil {
			payload = binary.LittleEndian.AppendUint16(nil, 0)
		}
		return payload, ptp.RC_OK
	case ptp.OC_GetObjectInfo:
		obj := m.object(req.Params)
		if obj == nil {
			return nil, ptp.RC_InvalidObjectHandle
		}
		return m.objectInfoBytes(obj), ptp.RC_OK
	case ptp.OC_GetObject:
		obj := m.object(req.Params)
		if obj == nil {
			return nil, ptp.RC_InvalidObjectHandle
		}
		return obj.data, ptp.RC_OK
	case ptp.OC_GetPartialObject:
		obj := m.object(req.Params)
		if obj == nil || len(req.Params) < 3 {
			return nil, ptp.RC_InvalidParameter
		}
		off, want := int(req.Params[1]), int(req.Params[2])
		if off >= len(obj.data) {
			return []byte{}, ptp.RC_OK
		}
		end := off + want
		if end > len(obj.data) {
			end = len(obj.data)
		}
		return obj.data[off:end], ptp.RC_OK
	case ptp.OC_Sony_GetAllDevicePropData:
		return m.sonyAllPropBytes(m.nextGateValue()), ptp.RC_OK
	case ptp.OC_Sony_GetDevicePropDesc, ptp.OC_GetDevicePropDesc:
		return m.propDescBytes(uint16(ptp.DPC_Sony_ObjectInMemory), m.nextGateValue(),
			req.Op == ptp.OC_Sony_GetDevicePropDesc), ptp.RC_OK
	default:
		return nil, ptp.RC_OperationNotSupported
	}
}

func (m *mockCamera) object(params []uint32) *mockObject {
	if len(params) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[params[0]]
}

// Dataset builders. These mirror the wire layouts the parsers expect.

func dsString(s string) []byte {
	if s == "" {
		return []byte{0}
	}
	body := ptp.EncodeString(s)
	return append([]byte{byte(len(body) / 2)}, body...)
}

func dsU16Array(b []byte, vs ...uint16) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(vs)))
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return b
}

func (m *mockCamera) deviceInfoBytes() []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, 100)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.vendorExt))
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = append(b, dsString("")...)
	b = binary.LittleEndian.AppendUint16(b, 0)
	opcodes := make([]uint16, len(m.operations))
	for i, op := range m.operations {
		opcodes[i] = uint16(op)
	}
	b = dsU16Array(b, opcodes...)
	b = dsU16Array(b, uint16(ptp.EC_ObjectAdded), uint16(ptp.EC_CaptureComplete))
	b = dsU16Array(b, uint16(ptp.DPC_Sony_ObjectInMemory))
	b = dsU16Array(b)
	b = dsU16Array(b, uint16(ptp.FMT_EXIF_JPEG))
	b = append(b, dsString(m.manufacturer)...)
	b = append(b, dsString(m.model)...)
	b = append(b, dsString("1.0.0")...)
	b = append(b, dsString("MOCK0001")...)
	return b
}

func (m *mockCamera) objectInfoBytes(obj *mockObject) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, 0x00010001)
	b = binary.LittleEndian.AppendUint16(b, uint16(obj.format))
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(obj.data)))
	b = binary.LittleEndian.AppendUint16(b, uint16(ptp.FMT_EXIF_JPEG))
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 6000)
	b = binary.LittleEndian.AppendUint32(b, 4000)
	b = binary.LittleEndian.AppendUint32(b, 24)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 1)
	b = append(b, dsString(obj.filename)...)
	b = append(b, dsString("20260801T120000")...)
	b = append(b, dsString("")...)
	b = append(b, dsString("")...)
	return b
}

// sonyAllPropBytes builds a two-property 0x9209 dataset with the
// object-in-memory property second, so the parser has to walk past another
// record to find it.
func (m *mockCamera) sonyAllPropBytes(gate uint64) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint64(b, 2)
	b = append(b, m.propDescBytes(0xD200, 0x0001, true)...)
	b = append(b, m.propDescBytes(uint16(ptp.DPC_Sony_ObjectInMemory), gate, true)...)
	return b
}

// propDescBytes builds one u16 property descriptor, Sony variant when
// sonyLayout is set (extra is-enabled byte).
func (m *mockCamera) propDescBytes(code uint16, current uint64, sonyLayout bool) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, code)
	b = binary.LittleEndian.AppendUint16(b, 0x0004) // u16 datatype
	b = append(b, 1)                                // get/set
	if sonyLayout {
		b = append(b, 1) // is-enabled
	}
	b = binary.LittleEndian.AppendUint16(b, 0)               // factory default
	b = binary.LittleEndian.AppendUint16(b, uint16(current)) // current
	b = append(b, 0)                                         // no form
	return b
}

// recordingDelegate captures the delegate stream for assertions.

type sinkEvent struct {
	kind     string
	photo    DetectedPhoto
	dataLen  int
	filename string
	handle   uint32
	err      error
}

type recordingDelegate struct {
	ch chan sinkEvent
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{ch: make(chan sinkEvent, 64)}
}

func (r *recordingDelegate) SessionDidConnect(info *ptp.DeviceInfo) {
	r.ch <- sinkEvent{kind: "connect"}
}

func (r *recordingDelegate) SessionDidDetectPhoto(photo DetectedPhoto) {
	r.ch <- sinkEvent{kind: "detect", photo: photo}
}

func (r *recordingDelegate) SessionDidCompleteDownload(photo DetectedPhoto, data []byte) {
	r.ch <- sinkEvent{kind: "complete", photo: photo, dataLen: len(data)}
}

func (r *recordingDelegate) SessionDidSkipRaw(filename string) {
	r.ch <- sinkEvent{kind: "skipraw", filename: filename}
}

func (r *recordingDelegate) SessionDidFailDownload(handle uint32, err error) {
	r.ch <- sinkEvent{kind: "faildownload", handle: handle, err: err}
}

func (r *recordingDelegate) SessionDidFail(err error) {
	r.ch <- sinkEvent{kind: "fail", err: err}
}

func (r *recordingDelegate) SessionDidDisconnect() {
	r.ch <- sinkEvent{kind: "disconnect"}
}

// next waits for the next sink event and asserts its kind.
func (r *recordingDelegate) next(t *testing.T, kind string) sinkEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		if ev.kind != kind {
			t.Fatalf("sink event = %q (%+v), want %q", ev.kind, ev, kind)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q sink event", kind)
		return sinkEvent{}
	}
}

// expectNone asserts the sink stays quiet for the duration.
func (r *recordingDelegate) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected sink event %q (%+v)", ev.kind, ev)
	case <-time.After(d):
	}
}
