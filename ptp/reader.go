package ptp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// reader is a little-endian cursor over a dataset payload. The first failed
// read latches an error; callers check err once at the end.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = errors.Errorf("dataset truncated at %s (offset %d of %d)", what, r.off, len(r.b))
	}
}

func (r *reader) u8(what string) uint8 {
	if r.err != nil || r.off+1 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16(what string) uint16 {
	if r.err != nil || r.off+2 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64(what string) uint64 {
	if r.err != nil || r.off+8 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) skip(n int, what string) {
	if r.err != nil || r.off+n > len(r.b) {
		r.fail(what)
		return
	}
	r.off += n
}

// u16array reads a u32 element count followed by that many u16 values.
func (r *reader) u16array(what string) []uint16 {
	n := r.u32(what)
	if r.err != nil {
		return nil
	}
	if int(n) > (len(r.b)-r.off)/2 {
		r.fail(what)
		return nil
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = r.u16(what)
	}
	return out
}

func (r *reader) str(what string) string {
	if r.err != nil {
		return ""
	}
	s, n, err := decodeDatasetString(r.b[r.off:])
	if err != nil {
		if r.err == nil {
			r.err = errors.Wrap(err, what)
		}
		return ""
	}
	r.off += n
	return s
}
