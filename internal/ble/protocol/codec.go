// Package protocol implements the payload encoding for the shot counter
// peripheral: little-endian counter values and the ASCII date command.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CounterSize is the wire size of a counter value.
const CounterSize = 4

// DateCommandPrefix starts every date-sync command written to the RX characteristic.
const DateCommandPrefix = "DATE:"

// dateLayout is YYYYMMDD.
const dateLayout = "20060102"

// ErrMalformedPayload is returned when a characteristic value is too short to decode.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// DecodeCounter interprets the first 4 bytes of data as an unsigned
// little-endian integer. Extra bytes are ignored.
func DecodeCounter(data []byte) (uint32, error) {
	if len(data) < CounterSize {
		return 0, fmt.Errorf("%w: counter needs %d bytes, got %d", ErrMalformedPayload, CounterSize, len(data))
	}
	return binary.LittleEndian.Uint32(data[:CounterSize]), nil
}

// EncodeCounter is the inverse of DecodeCounter.
func EncodeCounter(n uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, CounterSize), n)
}

// EncodeDateCommand builds the "DATE:YYYYMMDD" command for the local
// calendar date of t.
func EncodeDateCommand(t time.Time) []byte {
	return []byte(DateCommandPrefix + t.Local().Format(dateLayout))
}

// ParseDateCommand decodes a command produced by EncodeDateCommand. The
// returned time is midnight of that date in the local time zone.
func ParseDateCommand(data []byte) (time.Time, error) {
	s := string(data)
	if !strings.HasPrefix(s, DateCommandPrefix) {
		return time.Time{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedPayload, DateCommandPrefix)
	}
	d, err := time.ParseInLocation(dateLayout, s[len(DateCommandPrefix):], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return d, nil
}
