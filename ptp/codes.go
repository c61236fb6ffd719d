// Package ptp holds the ISO 15740 code tables and dataset parsers shared by
// the wire layer and the capture session. Vendor extension codes are limited
// to the ones the supported camera families actually emit.
package ptp

import "fmt"

type OperationCode uint16
type ResponseCode uint16
type EventCode uint16
type ObjectFormatCode uint16
type DevicePropCode uint16
type VendorExtensionID uint32

const (
	OC_GetDeviceInfo    OperationCode = 0x1001
	OC_OpenSession      OperationCode = 0x1002
	OC_CloseSession     OperationCode = 0x1003
	OC_GetObjectInfo    OperationCode = 0x1008
	OC_GetObject        OperationCode = 0x1009
	OC_GetDevicePropDesc OperationCode = 0x1014
	OC_GetPartialObject OperationCode = 0x101B

	// Canon vendor operations.
	OC_Canon_SetEventMode OperationCode = 0x9115
	OC_Canon_GetEvent     OperationCode = 0x9116

	// Nikon vendor operations.
	OC_Nikon_GetEvents OperationCode = 0x90C7

	// Sony vendor operations. SDIO_Connect must be issued three times with
	// parameter triples {1,0,0}, {2,0,0}, {3,0,0}; the triples are taken from
	// observed traffic, not from a published document.
	OC_Sony_SDIOConnect        OperationCode = 0x9201
	OC_Sony_GetDevicePropDesc  OperationCode = 0x9203
	OC_Sony_GetAllDevicePropData OperationCode = 0x9209
	OC_Sony_SDIOSetExtDeviceInfo OperationCode = 0x920D
)

const (
	RC_OK                   ResponseCode = 0x2001
	RC_GeneralError         ResponseCode = 0x2002
	RC_SessionNotOpen       ResponseCode = 0x2003
	RC_InvalidTransactionID ResponseCode = 0x2004
	RC_OperationNotSupported ResponseCode = 0x2005
	RC_ParameterNotSupported ResponseCode = 0x2006
	RC_IncompleteTransfer   ResponseCode = 0x2007
	RC_InvalidObjectHandle  ResponseCode = 0x2009
	RC_DevicePropNotSupported ResponseCode = 0x200A
	RC_AccessDenied         ResponseCode = 0x200F
	RC_DeviceBusy           ResponseCode = 0x2019
	RC_InvalidParameter     ResponseCode = 0x201D
	RC_SessionAlreadyOpen   ResponseCode = 0x201E
)

const (
	EC_ObjectAdded     EventCode = 0x4002
	EC_DeviceInfoChanged EventCode = 0x4008
	EC_StoreFull       EventCode = 0x400A
	EC_CaptureComplete EventCode = 0x400D

	// Sony raises this on the event channel when a capture landed in the
	// camera's transfer buffer. The object handle is always the in-memory
	// sentinel, see SonyInMemoryHandle.
	EC_Sony_ObjectInMemory EventCode = 0xC201
)

const (
	FMT_Undefined      ObjectFormatCode = 0x3000
	FMT_Association    ObjectFormatCode = 0x3001
	FMT_UndefinedImage ObjectFormatCode = 0x3800
	FMT_EXIF_JPEG      ObjectFormatCode = 0x3801
	FMT_TIFF_EP        ObjectFormatCode = 0x3802
	FMT_JFIF           ObjectFormatCode = 0x3808
	FMT_TIFF           ObjectFormatCode = 0x380D
	FMT_PNG            ObjectFormatCode = 0x380B

	// Vendor RAW container formats.
	FMT_Canon_CRW ObjectFormatCode = 0xB101
	FMT_Canon_CR2 ObjectFormatCode = 0xB103
	FMT_Canon_CR3 ObjectFormatCode = 0xB108
	FMT_Nikon_NEF ObjectFormatCode = 0xB102
	FMT_Sony_ARW  ObjectFormatCode = 0xB982
)

const (
	// DPC_Sony_ObjectInMemory reads >= 0x8000 once the capture bytes are
	// ready to be fetched with GetObjectInfo/GetPartialObject.
	DPC_Sony_ObjectInMemory DevicePropCode = 0xD215
)

const (
	VendorCanon     VendorExtensionID = 0x0000000B
	VendorNikon     VendorExtensionID = 0x0000000A
	VendorSony      VendorExtensionID = 0x00000011
	VendorMicrosoft VendorExtensionID = 0x00000006
)

// SonyInMemoryHandle is the fixed object handle Sony bodies report for
// captures that live in the transfer buffer rather than on a storage card.
const SonyInMemoryHandle uint32 = 0xFFFFC001

// IsRaw reports whether the format code denotes a RAW container. The known
// vendor RAW codes, the undefined-image code 0x3800 and any other code in the
// vendor range 0xB000–0xBFFF count as RAW; the other standard 0x38xx image
// formats do not.
func (f ObjectFormatCode) IsRaw() bool {
	switch f {
	case FMT_Canon_CRW, FMT_Canon_CR2, FMT_Canon_CR3, FMT_Nikon_NEF, FMT_Sony_ARW:
		return true
	case FMT_EXIF_JPEG, FMT_JFIF, FMT_PNG, FMT_TIFF, FMT_TIFF_EP:
		return false
	case FMT_UndefinedImage:
		return true
	}
	// Unrecognized vendor image formats are almost always RAW variants.
	return f >= 0xB000 && f <= 0xBFFF
}

// IsImage reports whether the format code denotes any image object, RAW or
// compressed. Associations, scripts and the like are filtered out with this.
func (f ObjectFormatCode) IsImage() bool {
	return (f >= 0x3800 && f <= 0x38FF) || f.IsRaw()
}

func (c ResponseCode) String() string {
	switch c {
	case RC_OK:
		return "OK"
	case RC_GeneralError:
		return "general error"
	case RC_SessionNotOpen:
		return "session not open"
	case RC_InvalidTransactionID:
		return "invalid transaction id"
	case RC_OperationNotSupported:
		return "operation not supported"
	case RC_ParameterNotSupported:
		return "parameter not supported"
	case RC_IncompleteTransfer:
		return "incomplete transfer"
	case RC_InvalidObjectHandle:
		return "invalid object handle"
	case RC_DevicePropNotSupported:
		return "device property not supported"
	case RC_AccessDenied:
		return "access denied"
	case RC_DeviceBusy:
		return "device busy"
	case RC_InvalidParameter:
		return "invalid parameter"
	case RC_SessionAlreadyOpen:
		return "session already open"
	default:
		return fmt.Sprintf("response code %#04x", uint16(c))
	}
}
