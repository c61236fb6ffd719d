package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

var testGUID = uuid.MustParse("0f0e0d0c-0b0a-0908-0706-050403020100")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CanonPollMin = 10 * time.Millisecond
	cfg.CanonPollMax = 40 * time.Millisecond
	cfg.CanonPollStep = 10 * time.Millisecond
	cfg.NikonPollInterval = 10 * time.Millisecond
	cfg.EventPollTimeout = 200 * time.Millisecond
	cfg.SonyGateInterval = 10 * time.Millisecond
	return cfg
}

func dialMock(t *testing.T, m *mockCamera) *ptpip.Client {
	t.Helper()
	client, err := ptpip.Connect(context.Background(), m.addr(), ptpip.Options{
		GUID:     testGUID,
		HostName: "framefast",
	})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func attachMock(t *testing.T, m *mockCamera, cfg Config) (*Session, *recordingDelegate) {
	t.Helper()
	client := dialMock(t, m)
	sink := newRecordingDelegate()
	session, err := Attach(context.Background(), client, cfg, sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { session.Disconnect() })
	sink.next(t, "connect")
	return session, sink
}

func TestCanonHappyPath(t *testing.T) {
	m := newMockCamera(t, "canon")
	m.addObject(&mockObject{
		handle:   0x42,
		filename: "IMG_0001.JPG",
		format:   ptp.FMT_EXIF_JPEG,
		data:     make([]byte, 3_200_000),
	})

	session, sink := attachMock(t, m, testConfig())
	if session.Vendor() != VendorCanon {
		t.Fatalf("vendor = %v", session.Vendor())
	}

	m.queueCanonObjectAdded(0x42)

	detect := sink.next(t, "detect")
	if detect.photo.Filename != "IMG_0001.JPG" || detect.photo.Size != 3_200_000 {
		t.Errorf("detected %+v", detect.photo)
	}
	complete := sink.next(t, "complete")
	if complete.dataLen != 3_200_000 {
		t.Errorf("downloaded %d bytes", complete.dataLen)
	}
	if complete.photo.Handle != detect.photo.Handle {
		t.Errorf("handles diverge: %d vs %d", complete.photo.Handle, detect.photo.Handle)
	}
}

func TestRawSkip(t *testing.T) {
	m := newMockCamera(t, "canon")
	m.addObject(&mockObject{
		handle:   0x43,
		filename: "IMG_0002.CR2",
		format:   ptp.FMT_UndefinedImage, // 0x3800, classified RAW
		data:     make([]byte, 1024),
	})

	cfg := testConfig()
	cfg.RawPolicy = JpegOnly
	_, sink := attachMock(t, m, cfg)

	m.queueCanonObjectAdded(0x43)

	skip := sink.next(t, "skipraw")
	if skip.filename != "IMG_0002.CR2" {
		t.Errorf("skipped %q", skip.filename)
	}
	sink.expectNone(t, 200*time.Millisecond)

	// The command log must show no body download for the capture.
	for _, rec := range m.ops() {
		if rec.op == ptp.OC_GetObject || rec.op == ptp.OC_GetPartialObject {
			t.Fatalf("unexpected %#04x issued for a skipped RAW", uint16(rec.op))
		}
	}
}

func TestRawKeptUnderKeepAll(t *testing.T) {
	m := newMockCamera(t, "canon")
	m.addObject(&mockObject{
		handle:   0x44,
		filename: "IMG_0003.CR3",
		format:   ptp.FMT_Canon_CR3,
		data:     make([]byte, 2048),
	})

	cfg := testConfig()
	cfg.RawPolicy = KeepAll
	_, sink := attachMock(t, m, cfg)

	m.queueCanonObjectAdded(0x44)

	detect := sink.next(t, "detect")
	if !detect.photo.Raw {
		t.Error("capture should be flagged RAW")
	}
	complete := sink.next(t, "complete")
	if complete.dataLen != 2048 {
		t.Errorf("downloaded %d bytes", complete.dataLen)
	}
}

// Graceful Canon disconnect: drain GetEvent, SetEventMode(0), CloseSession,
// in that order on the command channel, then the disconnect callback.
func TestCanonGracefulDisconnect(t *testing.T) {
	m := newMockCamera(t, "canon")
	m.addObject(&mockObject{
		handle:   0x42,
		filename: "IMG_0001.JPG",
		format:   ptp.FMT_EXIF_JPEG,
		data:     make([]byte, 4096),
	})

	session, sink := attachMock(t, m, testConfig())
	m.queueCanonObjectAdded(0x42)
	sink.next(t, "detect")
	sink.next(t, "complete")

	if err := session.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	sink.next(t, "disconnect")
	if session.State() != StateClosed {
		t.Errorf("state = %v", session.State())
	}

	ops := m.ops()
	lastGetEvent, lastClearMode, lastClose := -1, -1, -1
	for i, rec := range ops {
		switch rec.op {
		case ptp.OC_Canon_GetEvent:
			lastGetEvent = i
		case ptp.OC_Canon_SetEventMode:
			if len(rec.params) > 0 && rec.params[0] == 0 {
				lastClearMode = i
			}
		case ptp.OC_CloseSession:
			lastClose = i
		}
	}
	if lastClearMode < 0 || lastClose < 0 {
		t.Fatalf("teardown commands missing from log: %v", ops)
	}
	if !(lastGetEvent < lastClearMode && lastClearMode < lastClose) {
		t.Fatalf("teardown order violated: drain=%d clear=%d close=%d", lastGetEvent, lastClearMode, lastClose)
	}

	// Idempotence: a second disconnect changes nothing observable.
	if err := session.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	sink.expectNone(t, 200*time.Millisecond)
	if session.State() != StateClosed {
		t.Errorf("state after second disconnect = %v", session.State())
	}
}

// A frame with length below the header minimum during event streaming is a
// fatal framing error: fail, disconnect, then silence.
func TestFatalFramingError(t *testing.T) {
	m := newMockCamera(t, "sony")
	_, sink := attachMock(t, m, testConfig())

	m.pushRawEventBytes([]byte{0x04, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00})

	fail := sink.next(t, "fail")
	var pe *ptpip.ProtocolError
	if !errors.As(fail.err, &pe) {
		t.Fatalf("failure = %v, want ProtocolError", fail.err)
	}
	sink.next(t, "disconnect")
	sink.expectNone(t, 300*time.Millisecond)
}

// Peer loss during event streaming is equally fatal.
func TestPeerClosedFatal(t *testing.T) {
	m := newMockCamera(t, "sony")
	_, sink := attachMock(t, m, testConfig())

	<-m.evtReady
	m.evtMu.Lock()
	m.evtRaw.Close()
	m.evtMu.Unlock()

	fail := sink.next(t, "fail")
	if !errors.Is(fail.err, ptpip.ErrPeerClosed) {
		t.Fatalf("failure = %v, want ErrPeerClosed", fail.err)
	}
	sink.next(t, "disconnect")
}

func TestNikonPollSource(t *testing.T) {
	m := newMockCamera(t, "nikon")
	m.addObject(&mockObject{
		handle:   0x51,
		filename: "DSC_0100.JPG",
		format:   ptp.FMT_EXIF_JPEG,
		data:     make([]byte, 8192),
	})

	session, sink := attachMock(t, m, testConfig())
	if session.Vendor() != VendorNikon {
		t.Fatalf("vendor = %v", session.Vendor())
	}

	m.queueNikonObjectAdded(0x51)

	detect := sink.next(t, "detect")
	if detect.photo.Filename != "DSC_0100.JPG" {
		t.Errorf("detected %q", detect.photo.Filename)
	}
	complete := sink.next(t, "complete")
	if complete.dataLen != 8192 {
		t.Errorf("downloaded %d bytes", complete.dataLen)
	}
}

func TestGenericEventSource(t *testing.T) {
	m := newMockCamera(t, "generic")
	m.addObject(&mockObject{
		handle:   0x61,
		filename: "PICT0001.JPG",
		format:   ptp.FMT_EXIF_JPEG,
		data:     make([]byte, 100),
	})

	session, sink := attachMock(t, m, testConfig())
	if session.Vendor() != VendorGeneric {
		t.Fatalf("vendor = %v", session.Vendor())
	}

	m.pushEvent(ptp.EC_ObjectAdded, 0x61)

	sink.next(t, "detect")
	complete := sink.next(t, "complete")
	if complete.dataLen != 100 {
		t.Errorf("downloaded %d bytes", complete.dataLen)
	}
}

// Downloads must complete in detection order even when captures queue up
// faster than they resolve.
func TestDownloadOrderMatchesDetection(t *testing.T) {
	m := newMockCamera(t, "canon")
	names := []string{"IMG_0010.JPG", "IMG_0011.JPG", "IMG_0012.JPG"}
	for i, name := range names {
		m.addObject(&mockObject{
			handle:   uint32(0x70 + i),
			filename: name,
			format:   ptp.FMT_EXIF_JPEG,
			data:     make([]byte, 1000*(i+1)),
		})
	}

	_, sink := attachMock(t, m, testConfig())
	for i := range names {
		m.queueCanonObjectAdded(uint32(0x70 + i))
	}

	for _, want := range names {
		detect := sink.next(t, "detect")
		if detect.photo.Filename != want {
			t.Fatalf("detect order: got %q, want %q", detect.photo.Filename, want)
		}
		complete := sink.next(t, "complete")
		if complete.photo.Filename != want {
			t.Fatalf("complete order: got %q, want %q", complete.photo.Filename, want)
		}
	}
}

// A missing object only loses that capture, not the session.
func TestPerObjectFailureKeepsSession(t *testing.T) {
	m := newMockCamera(t, "generic")
	m.addObject(&mockObject{
		handle:   0x81,
		filename: "PICT0002.JPG",
		format:   ptp.FMT_EXIF_JPEG,
		data:     make([]byte, 64),
	})

	_, sink := attachMock(t, m, testConfig())

	m.pushEvent(ptp.EC_ObjectAdded, 0xDEAD) // no such handle
	fail := sink.next(t, "faildownload")
	if fail.handle != 0xDEAD {
		t.Errorf("failed handle = %#x", fail.handle)
	}

	m.pushEvent(ptp.EC_ObjectAdded, 0x81)
	sink.next(t, "detect")
	complete := sink.next(t, "complete")
	if complete.dataLen != 64 {
		t.Errorf("downloaded %d bytes", complete.dataLen)
	}
}
