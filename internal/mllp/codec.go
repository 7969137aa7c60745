// Package mllp implements the Minimal Lower Layer Protocol framing used to
// carry HL7 v2 messages over TCP: <VT> payload <FS><CR>, where the payload is
// a sequence of \r-terminated HL7 segments.
package mllp

import (
	"fmt"
	"strings"
	"time"
)

const (
	startOfBlock   = 0x0b // VT
	endOfBlock     = 0x1c // FS
	carriageReturn = 0x0d // CR
)

// Split consumes complete MLLP frames from buf and returns their payloads
// plus the unconsumed tail. The payload excludes the framing bytes but keeps
// the trailing \r of the last segment. A frame split across reads is left in
// the tail until the remaining bytes arrive.
//
// A byte that is not VT at a frame boundary, or anything but CR right after
// FS, is a framing error; the caller is expected to drop the connection.
func Split(buf []byte) (payloads [][]byte, rest []byte, err error) {
	consumed := 0
	i := 0
	for i < len(buf) {
		if buf[i] != startOfBlock {
			return payloads, buf[consumed:], fmt.Errorf(
				"mllp: bad framing at offset %d: want 0x%02x, found 0x%02x", i, startOfBlock, buf[i])
		}
		start := i
		i++
		// Scan for FS.
		for i < len(buf) && buf[i] != endOfBlock {
			i++
		}
		if i >= len(buf) {
			// Incomplete frame.
			return payloads, buf[consumed:], nil
		}
		fs := i
		i++
		if i >= len(buf) {
			return payloads, buf[consumed:], nil
		}
		if buf[i] != carriageReturn {
			return payloads, buf[consumed:], fmt.Errorf(
				"mllp: bad framing at offset %d: want 0x%02x, found 0x%02x", i, carriageReturn, buf[i])
		}
		payloads = append(payloads, buf[start+1:fs])
		i++
		consumed = i
	}
	return payloads, buf[consumed:], nil
}

// Encode frames a segment list as VT seg1\r seg2\r … segN\r FS CR.
func Encode(segments []string) []byte {
	var b strings.Builder
	b.WriteByte(startOfBlock)
	for _, s := range segments {
		b.WriteString(s)
		b.WriteByte(carriageReturn)
	}
	b.WriteByte(endOfBlock)
	b.WriteByte(carriageReturn)
	return []byte(b.String())
}

// Segments splits a frame payload into its HL7 segments, dropping the
// trailing \r after the last segment.
func Segments(payload []byte) []string {
	s := string(payload)
	s = strings.TrimSuffix(s, "\r")
	return strings.Split(s, "\r")
}

// ACK builds the acknowledgement frame sent after every inbound message.
func ACK(now time.Time) []byte {
	return Encode([]string{
		fmt.Sprintf(`MSH|^~\&|||||%s||ACK|||2.5`, now.Format("20060102150405")),
		"MSA|AA",
	})
}
