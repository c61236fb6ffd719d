package ptp

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeString encodes s as the UTF-16LE NUL-terminated form used in the
// PTP/IP init packets.
func EncodeString(s string) []byte {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// The encoder replaces unrepresentable runes, it does not fail on
		// valid UTF-8 input.
		b = nil
	}
	return append(b, 0x00, 0x00)
}

// DecodeString decodes a UTF-16LE NUL-terminated string from the front of b
// and returns it together with the number of bytes consumed, terminator
// included.
func DecodeString(b []byte) (string, int, error) {
	end := -1
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return "", 0, fmt.Errorf("unterminated UTF-16LE string")
	}
	s, err := utf16le.NewDecoder().Bytes(b[:end])
	if err != nil {
		return "", 0, fmt.Errorf("malformed UTF-16LE string: %w", err)
	}
	return string(s), end + 2, nil
}

// PTP dataset strings carry a leading count of 16-bit characters, terminator
// included. An empty string is the single byte 0x00.

func encodeDatasetString(s string) []byte {
	if s == "" {
		return []byte{0}
	}
	body := EncodeString(s)
	var buf bytes.Buffer
	buf.WriteByte(byte(len(body) / 2))
	buf.Write(body)
	return buf.Bytes()
}

func decodeDatasetString(b []byte) (string, int, error) {
	if len(b) < 1 {
		return "", 0, fmt.Errorf("dataset string: missing count byte")
	}
	n := int(b[0])
	if n == 0 {
		return "", 1, nil
	}
	if len(b) < 1+2*n {
		return "", 0, fmt.Errorf("dataset string: %d chars declared, %d bytes left", n, len(b)-1)
	}
	s, _, err := DecodeString(b[1 : 1+2*n])
	if err != nil {
		return "", 0, err
	}
	return s, 1 + 2*n, nil
}
