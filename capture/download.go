package capture

import (
	"bytes"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"framefast.app/ptpkit/ptp"
	"framefast.app/ptpkit/ptpip"
)

// resolveLoop consumes detected captures one at a time, in detection order.
// Per-capture failures are reported and skipped; transport and framing
// failures end the session.
func (s *Session) resolveLoop() {
	defer close(s.resolverDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case pc := <-s.pending:
			if err := s.resolveOne(pc); err != nil {
				if isFatal(err) {
					if !s.disconnecting() {
						s.fail(err)
					}
					return
				}
				s.log.Warn("capture failed", zap.Uint32("handle", pc.logical), zap.Error(err))
				s.dispatch.emit(func(d Delegate) { d.SessionDidFailDownload(pc.logical, err) })
			}
		}
	}
}

// resolveOne runs the full pipeline for one capture: optional readiness
// gate, GetObjectInfo, RAW policy, body download, delivery.
func (s *Session) resolveOne(pc pendingCapture) error {
	if pc.gate {
		if err := s.sonyGateWait(); err != nil {
			return err
		}
	}

	_, data, err := s.client.Engine.RunChecked(s.ctx, ptpip.Request{
		Op:     ptp.OC_GetObjectInfo,
		Params: []uint32{pc.wireHandle},
	})
	if err != nil {
		return errors.Wrap(err, "object info")
	}
	info, err := ptp.ParseObjectInfo(data)
	if err != nil {
		return errors.Wrap(err, "object info")
	}

	photo := DetectedPhoto{
		Handle:      pc.logical,
		Filename:    info.Filename,
		CaptureDate: info.CaptureDate,
		Size:        uint64(info.CompressedSize),
		Raw:         info.Format.IsRaw(),
	}

	if photo.Raw && s.cfg.RawPolicy == JpegOnly {
		s.log.Debug("raw capture skipped", zap.String("filename", photo.Filename), zap.Uint16("format", uint16(info.Format)))
		s.dispatch.emit(func(d Delegate) { d.SessionDidSkipRaw(photo.Filename) })
		return nil
	}

	s.dispatch.emit(func(d Delegate) { d.SessionDidDetectPhoto(photo) })

	body, err := s.downloadBody(pc.wireHandle, photo.Size)
	if err != nil {
		return errors.Wrapf(err, "download %s", photo.Filename)
	}

	s.log.Info("capture downloaded", zap.String("filename", photo.Filename), zap.Int("bytes", len(body)))
	s.dispatch.emit(func(d Delegate) { d.SessionDidCompleteDownload(photo, body) })
	return nil
}

// downloadBody fetches the capture bytes. Vendors that support partial
// transfers stream in ChunkSize pieces; the rest use one GetObject data
// phase.
func (s *Session) downloadBody(handle uint32, size uint64) ([]byte, error) {
	if !s.caps.partialObject || size == 0 {
		_, data, err := s.client.Engine.RunChecked(s.ctx, ptpip.Request{
			Op:     ptp.OC_GetObject,
			Params: []uint32{handle},
		})
		return data, err
	}

	var buf bytes.Buffer
	buf.Grow(int(size))
	for offset := uint64(0); offset < size; {
		want := uint64(s.cfg.ChunkSize)
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		_, chunk, err := s.client.Engine.RunChecked(s.ctx, ptpip.Request{
			Op:     ptp.OC_GetPartialObject,
			Params: []uint32{handle, uint32(offset), uint32(want)},
		})
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, errors.Errorf("empty chunk at offset %d of %d", offset, size)
		}
		buf.Write(chunk)
		offset += uint64(len(chunk))
	}
	return buf.Bytes(), nil
}

// isFatal separates session-ending failures from per-capture ones. A bad
// response code only loses the capture; a broken transport or framing
// violation loses the channel.
func isFatal(err error) bool {
	var cmdErr *ptpip.CommandError
	if errors.As(err, &cmdErr) {
		return false
	}
	if errors.Is(err, ptpip.ErrGateTimeout) {
		return false
	}
	var protoErr *ptpip.ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	return errors.Is(err, ptpip.ErrPeerClosed) ||
		errors.Is(err, ptpip.ErrCancelled) ||
		errors.Is(err, ptpip.ErrTimeout)
}
