package ptp

import "time"

// ObjectInfo is the parsed GetObjectInfo dataset for a single capture.
type ObjectInfo struct {
	StorageID       uint32
	Format          ObjectFormatCode
	Protection      uint16
	CompressedSize  uint32
	ThumbFormat     ObjectFormatCode
	ThumbSize       uint32
	ImageWidth      uint32
	ImageHeight     uint32
	ImageBitDepth   uint32
	ParentObject    uint32
	AssociationType uint16
	AssociationDesc uint32
	SequenceNumber  uint32
	Filename        string
	CaptureDate     time.Time
	ModificationDate time.Time
	Keywords        string
}

// ParseObjectInfo decodes the data phase of a GetObjectInfo response.
func ParseObjectInfo(data []byte) (*ObjectInfo, error) {
	r := newReader(data)
	oi := &ObjectInfo{}
	oi.StorageID = r.u32("storage id")
	oi.Format = ObjectFormatCode(r.u16("object format"))
	oi.Protection = r.u16("protection status")
	oi.CompressedSize = r.u32("compressed size")
	oi.ThumbFormat = ObjectFormatCode(r.u16("thumb format"))
	oi.ThumbSize = r.u32("thumb size")
	r.skip(8, "thumb dimensions")
	oi.ImageWidth = r.u32("image width")
	oi.ImageHeight = r.u32("image height")
	oi.ImageBitDepth = r.u32("image bit depth")
	oi.ParentObject = r.u32("parent object")
	oi.AssociationType = r.u16("association type")
	oi.AssociationDesc = r.u32("association desc")
	oi.SequenceNumber = r.u32("sequence number")
	oi.Filename = r.str("filename")
	oi.CaptureDate = parsePTPDate(r.str("capture date"))
	oi.ModificationDate = parsePTPDate(r.str("modification date"))
	oi.Keywords = r.str("keywords")
	if r.err != nil {
		return nil, r.err
	}
	return oi, nil
}

// parsePTPDate reads the "YYYYMMDDThhmmss" PTP DateTime form, tolerating the
// optional tenths-of-seconds and zone suffixes some vendors append. A date
// that does not parse yields the zero time; capture dates are advisory.
func parsePTPDate(s string) time.Time {
	if len(s) > 15 {
		s = s[:15]
	}
	t, err := time.ParseInLocation("20060102T150405", s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatPTPDate renders t in the PTP DateTime form.
func FormatPTPDate(t time.Time) string {
	return t.Format("20060102T150405")
}
