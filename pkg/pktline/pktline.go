// Package pktline implements the pkt-line framing used by the git smart
// transfer protocol: a 4-digit ASCII-hex length header (counting itself)
// followed by the payload. The zero length "0000" is a flush-pkt marking the
// end of a section; "0001" and "0002" are the delim and response-end markers.
package pktline

import (
	"fmt"
	"strconv"
)

const (
	// FlushPkt ends a protocol section.
	FlushPkt = "0000"
	// DelimPkt separates sections in protocol v2 responses.
	DelimPkt = "0001"
	// ResponseEndPkt ends a stateless-rpc response.
	ResponseEndPkt = "0002"

	headerLen = 4

	// MaxPayloadLen is the largest payload that fits in a single pkt-line.
	MaxPayloadLen = 0xFFFF - headerLen
)

// Encode wraps payload in a single pkt-line record.
func Encode(payload []byte) ([]byte, error) {
	length := len(payload) + headerLen
	if length > 0xFFFF {
		return nil, fmt.Errorf("pkt-line payload too long: %d bytes", len(payload))
	}

	out := make([]byte, 0, length)
	out = append(out, fmt.Sprintf("%04x", length)...)
	out = append(out, payload...)
	return out, nil
}

// Flush returns a flush-pkt.
func Flush() []byte {
	return []byte(FlushPkt)
}

// Parse scans buf left to right and returns the payloads of all data packets
// before the first flush-pkt. Delim and response-end markers are skipped.
// A length header of 4 or less (other than the control values) yields an empty
// payload. Truncated input is tolerated: scanning stops at the first header or
// payload that would run past the end of buf, returning what was parsed so far.
func Parse(buf []byte) [][]byte {
	var packets [][]byte
	offset := 0

	for offset < len(buf) {
		if offset+headerLen > len(buf) {
			break
		}

		length64, err := strconv.ParseUint(string(buf[offset:offset+headerLen]), 16, 32)
		if err != nil {
			break
		}
		length := int(length64)

		switch length {
		case 0:
			// Flush: remaining bytes belong to the next section.
			return packets
		case 1, 2:
			offset += headerLen
			continue
		}

		if offset+length > len(buf) {
			break
		}
		if length > headerLen {
			packets = append(packets, buf[offset+headerLen:offset+length])
		} else {
			packets = append(packets, []byte{})
		}
		offset += length
	}

	return packets
}
