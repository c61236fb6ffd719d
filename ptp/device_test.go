package ptp

import (
	"encoding/binary"
	"testing"
)

// appendDataset helpers shared by the dataset parser tests.

func appendU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func appendU16Array(b []byte, vs ...uint16) []byte {
	b = appendU32(b, uint32(len(vs)))
	for _, v := range vs {
		b = appendU16(b, v)
	}
	return b
}

func buildDeviceInfo() []byte {
	var b []byte
	b = appendU16(b, 100)                    // standard version
	b = appendU32(b, uint32(VendorCanon))    // vendor extension id
	b = appendU16(b, 1)                      // vendor extension version
	b = append(b, encodeDatasetString("")...) // vendor extension desc
	b = appendU16(b, 0)                      // functional mode
	b = appendU16Array(b, uint16(OC_GetDeviceInfo), uint16(OC_OpenSession), uint16(OC_Canon_GetEvent))
	b = appendU16Array(b, uint16(EC_ObjectAdded))
	b = appendU16Array(b, 0x5001)
	b = appendU16Array(b, uint16(FMT_EXIF_JPEG))
	b = appendU16Array(b, uint16(FMT_EXIF_JPEG), uint16(FMT_Canon_CR3))
	b = append(b, encodeDatasetString("Canon Inc.")...)
	b = append(b, encodeDatasetString("Canon EOS R6")...)
	b = append(b, encodeDatasetString("1.5.0")...)
	b = append(b, encodeDatasetString("123456789")...)
	return b
}

func TestParseDeviceInfo(t *testing.T) {
	di, err := ParseDeviceInfo(buildDeviceInfo())
	if err != nil {
		t.Fatal(err)
	}
	if di.VendorExtension != VendorCanon {
		t.Errorf("vendor extension = %#x", uint32(di.VendorExtension))
	}
	if di.Manufacturer != "Canon Inc." || di.Model != "Canon EOS R6" {
		t.Errorf("identity = %q / %q", di.Manufacturer, di.Model)
	}
	if di.SerialNumber != "123456789" {
		t.Errorf("serial = %q", di.SerialNumber)
	}
	if !di.SupportsOperation(OC_Canon_GetEvent) {
		t.Error("expected Canon GetEvent in operations")
	}
	if di.SupportsOperation(OC_GetPartialObject) {
		t.Error("unexpected GetPartialObject in operations")
	}
	if !di.SupportsEvent(EC_ObjectAdded) {
		t.Error("expected ObjectAdded in events")
	}
	if !di.ManufacturerIs("canon") {
		t.Error("manufacturer prefix match failed")
	}
}

func TestParseDeviceInfoTruncated(t *testing.T) {
	full := buildDeviceInfo()
	for _, n := range []int{0, 1, 6, 9, len(full) / 2} {
		if _, err := ParseDeviceInfo(full[:n]); err == nil {
			t.Errorf("ParseDeviceInfo(%d bytes) succeeded", n)
		}
	}
}
