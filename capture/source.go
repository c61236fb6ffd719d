package capture

import (
	"context"

	"framefast.app/ptpkit/ptp"
)

// Vendor selects the event-source state machine for a session.
type Vendor int

const (
	VendorGeneric Vendor = iota
	VendorCanon
	VendorNikon
	VendorSony
)

func (v Vendor) String() string {
	switch v {
	case VendorCanon:
		return "canon"
	case VendorNikon:
		return "nikon"
	case VendorSony:
		return "sony"
	default:
		return "generic"
	}
}

// capabilities is the small per-vendor feature set the session dispatches
// on. Kept as data rather than behavior so the download pipeline stays one
// code path.
type capabilities struct {
	// partialObject: download with GetPartialObject in chunks instead of a
	// single GetObject data phase.
	partialObject bool
	// inMemoryGate: wait for the object-in-memory property before touching
	// a capture.
	inMemoryGate bool
	// contiguousTIDs is informational; the engine always allocates
	// contiguous ids, which is mandatory for these vendors.
	contiguousTIDs bool
}

// vendorOf maps parsed device info onto a vendor. Sony ILCE bodies often
// advertise the Microsoft extension id, so the manufacturer string is
// consulted as well.
func vendorOf(info *ptp.DeviceInfo) Vendor {
	switch info.VendorExtension {
	case ptp.VendorCanon:
		return VendorCanon
	case ptp.VendorNikon:
		return VendorNikon
	case ptp.VendorSony:
		return VendorSony
	}
	switch {
	case info.ManufacturerIs("canon"):
		return VendorCanon
	case info.ManufacturerIs("nikon"):
		return VendorNikon
	case info.ManufacturerIs("sony"):
		return VendorSony
	}
	return VendorGeneric
}

func capabilitiesOf(v Vendor) capabilities {
	switch v {
	case VendorSony:
		return capabilities{partialObject: true, inMemoryGate: true, contiguousTIDs: true}
	default:
		return capabilities{}
	}
}

// pendingCapture is one capture handed from the event source to the
// resolver. logical differs from the wire handle only for Sony in-memory
// captures, where the wire handle is a shared sentinel.
type pendingCapture struct {
	wireHandle uint32
	logical    uint32
	gate       bool
}

// eventSource produces pendingCaptures for one vendor family.
//
// start begins production; stop is cooperative and must interrupt any
// in-flight I/O within the teardown budget; cleanup performs the
// vendor-specific goodbye sequence on the command channel and must run
// before CloseSession.
type eventSource interface {
	start(ctx context.Context) error
	stop()
	cleanup(ctx context.Context) error
}

// newEventSource picks the source implementation for the session. Vendors
// whose poll operation is absent from the advertised operation set fall
// back to the generic event-channel source.
func newEventSource(s *Session) eventSource {
	switch s.vendor {
	case VendorCanon:
		if s.client.Info.SupportsOperation(ptp.OC_Canon_GetEvent) {
			return newCanonSource(s)
		}
	case VendorNikon:
		if s.cfg.NikonEvents && s.client.Info.SupportsOperation(ptp.OC_Nikon_GetEvents) {
			return newNikonSource(s)
		}
	case VendorSony:
		return newSonySource(s)
	}
	return newGenericSource(s)
}
