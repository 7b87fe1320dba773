// Package bech32 implements the BIP-173 bech32 encoding used by age keys.
package bech32

import (
	"fmt"
	"strings"
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var generator = []uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

func polymod(values []byte) uint32 {
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= generator[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []byte {
	h := []byte(strings.ToLower(hrp))
	out := make([]byte, 0, len(h)*2+1)
	for _, c := range h {
		out = append(out, c>>5)
	}
	out = append(out, 0)
	for _, c := range h {
		out = append(out, c&31)
	}
	return out
}

func verifyChecksum(hrp string, data []byte) bool {
	return polymod(append(hrpExpand(hrp), data...)) == 1
}

func createChecksum(hrp string, data []byte) []byte {
	values := append(hrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := polymod(values) ^ 1
	out := make([]byte, 6)
	for i := range out {
		out[i] = byte(mod>>uint(5*(5-i))) & 31
	}
	return out
}

// convertBits regroups a byte slice from fromBits-wide to toBits-wide groups.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var (
		acc  uint32
		bits uint
		out  []byte
	)
	maxv := uint32(1)<<toBits - 1
	for _, b := range data {
		if uint32(b)>>fromBits != 0 {
			return nil, fmt.Errorf("invalid data range: %d", b)
		}
		acc = acc<<fromBits | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits {
		return nil, fmt.Errorf("illegal zero padding")
	} else if acc<<(toBits-bits)&maxv != 0 {
		return nil, fmt.Errorf("non-zero padding")
	}
	return out, nil
}

// Encode encodes 8-bit data with the given human-readable part.
// The output case follows the case of hrp.
func Encode(hrp string, data []byte) (string, error) {
	if hrp == "" {
		return "", fmt.Errorf("empty HRP")
	}
	for _, c := range hrp {
		if c < 33 || c > 126 {
			return "", fmt.Errorf("invalid HRP character: %q", c)
		}
	}
	lower := strings.ToLower(hrp)
	upper := strings.ToUpper(hrp)
	if hrp != lower && hrp != upper {
		return "", fmt.Errorf("mixed case HRP: %q", hrp)
	}

	values, err := convertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	combined := append(values, createChecksum(lower, values)...)

	var sb strings.Builder
	sb.Grow(len(lower) + 1 + len(combined))
	sb.WriteString(lower)
	sb.WriteByte('1')
	for _, v := range combined {
		sb.WriteByte(charset[v])
	}
	if hrp == upper {
		return strings.ToUpper(sb.String()), nil
	}
	return sb.String(), nil
}

// Decode decodes a bech32 string and returns the human-readable part
// (with its original case) and the 8-bit data.
func Decode(s string) (string, []byte, error) {
	lower := strings.ToLower(s)
	if s != lower && s != strings.ToUpper(s) {
		return "", nil, fmt.Errorf("mixed case string")
	}
	pos := strings.LastIndex(lower, "1")
	if pos < 1 {
		return "", nil, fmt.Errorf("missing or misplaced separator")
	}
	if pos+7 > len(lower) {
		return "", nil, fmt.Errorf("data part too short")
	}
	hrp := s[:pos]
	for _, c := range hrp {
		if c < 33 || c > 126 {
			return "", nil, fmt.Errorf("invalid HRP character: %q", c)
		}
	}

	values := make([]byte, 0, len(lower)-pos-1)
	for _, c := range lower[pos+1:] {
		idx := strings.IndexRune(charset, c)
		if idx < 0 {
			return "", nil, fmt.Errorf("invalid data character: %q", c)
		}
		values = append(values, byte(idx))
	}
	if !verifyChecksum(lower[:pos], values) {
		return "", nil, fmt.Errorf("invalid checksum")
	}

	data, err := convertBits(values[:len(values)-6], 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return hrp, data, nil
}
