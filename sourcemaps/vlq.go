package sourcemaps

import (
	"errors"
	"fmt"
)

// Base64 VLQ as used by the source map v3 "mappings" field: little-endian
// groups of 5 bits per base64 character, lowest bit of the first group is the
// sign, highest bit of each group is the continuation flag.

const vlqAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

//nolint:gochecknoglobals
var vlqReverse = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(vlqAlphabet); i++ {
		table[vlqAlphabet[i]] = int8(i)
	}
	return table
}()

var errVLQTruncated = errors.New("unexpected end of VLQ sequence")

// decodeVLQ reads one VLQ value from s and returns it together with the
// number of bytes consumed.
func decodeVLQ(s string) (value, n int, err error) {
	shift := uint(0)
	for n < len(s) {
		digit := vlqReverse[s[n]]
		if digit < 0 {
			return 0, 0, fmt.Errorf("invalid VLQ character %q", s[n])
		}
		n++
		value |= int(digit&0x1f) << shift
		if digit&0x20 == 0 {
			if value&1 != 0 {
				return -(value >> 1), n, nil
			}
			return value >> 1, n, nil
		}
		shift += 5
	}
	return 0, 0, errVLQTruncated
}

// decodeSegment decodes one comma-separated mappings segment into fields.
// Valid segments have 1, 4 or 5 fields.
func decodeSegment(s string, fields []int) ([]int, error) {
	fields = fields[:0]
	for len(s) > 0 {
		v, n, err := decodeVLQ(s)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
		s = s[n:]
	}
	switch len(fields) {
	case 1, 4, 5:
		return fields, nil
	default:
		return nil, fmt.Errorf("segment has %d fields, want 1, 4 or 5", len(fields))
	}
}
