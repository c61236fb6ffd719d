package ptp

import "strings"

// DeviceInfo is the parsed GetDeviceInfo dataset. Only fields the capture
// layer consumes are surfaced; reserved playback fields are skipped over.
type DeviceInfo struct {
	StandardVersion    uint16
	VendorExtension    VendorExtensionID
	VendorExtVersion   uint16
	VendorExtDesc      string
	FunctionalMode     uint16
	Operations         []OperationCode
	Events             []EventCode
	Properties         []DevicePropCode
	CaptureFormats     []ObjectFormatCode
	ImageFormats       []ObjectFormatCode
	Manufacturer       string
	Model              string
	DeviceVersion      string
	SerialNumber       string
}

// ParseDeviceInfo decodes the data phase of a GetDeviceInfo response.
func ParseDeviceInfo(data []byte) (*DeviceInfo, error) {
	r := newReader(data)
	di := &DeviceInfo{}
	di.StandardVersion = r.u16("standard version")
	di.VendorExtension = VendorExtensionID(r.u32("vendor extension id"))
	di.VendorExtVersion = r.u16("vendor extension version")
	di.VendorExtDesc = r.str("vendor extension description")
	di.FunctionalMode = r.u16("functional mode")
	for _, op := range r.u16array("operations supported") {
		di.Operations = append(di.Operations, OperationCode(op))
	}
	for _, ev := range r.u16array("events supported") {
		di.Events = append(di.Events, EventCode(ev))
	}
	for _, p := range r.u16array("device properties supported") {
		di.Properties = append(di.Properties, DevicePropCode(p))
	}
	for _, f := range r.u16array("capture formats") {
		di.CaptureFormats = append(di.CaptureFormats, ObjectFormatCode(f))
	}
	for _, f := range r.u16array("image formats") {
		di.ImageFormats = append(di.ImageFormats, ObjectFormatCode(f))
	}
	di.Manufacturer = r.str("manufacturer")
	di.Model = r.str("model")
	di.DeviceVersion = r.str("device version")
	di.SerialNumber = r.str("serial number")
	if r.err != nil {
		return nil, r.err
	}
	return di, nil
}

// SupportsOperation reports whether the device advertised the operation.
func (di *DeviceInfo) SupportsOperation(op OperationCode) bool {
	for _, o := range di.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// SupportsEvent reports whether the device advertised the event code.
func (di *DeviceInfo) SupportsEvent(ev EventCode) bool {
	for _, e := range di.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// ManufacturerIs matches the manufacturer string case-insensitively on a
// prefix, which copes with the "Canon Inc." / "NIKON CORPORATION" /
// "Sony Corporation" variants seen in the wild.
func (di *DeviceInfo) ManufacturerIs(name string) bool {
	return strings.HasPrefix(strings.ToLower(di.Manufacturer), strings.ToLower(name))
}
