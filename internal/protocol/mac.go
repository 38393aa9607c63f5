package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Mac is a 6-byte node hardware address. It is a value type: equality is
// byte-wise and ordering is lexicographic, so it can key a map or sort a
// slice directly.
type Mac [6]byte

func (m Mac) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Less reports whether m sorts before other under lexicographic byte order.
func (m Mac) Less(other Mac) bool {
	return bytes.Compare(m[:], other[:]) < 0
}

// IsZero reports whether m is the zero MAC (unset).
func (m Mac) IsZero() bool {
	return m == Mac{}
}

// ParseMac accepts "AA:BB:CC:DD:EE:FF" or the bare "AABBCCDDEEFF" form.
func ParseMac(s string) (Mac, error) {
	clean := strings.ReplaceAll(s, ":", "")
	clean = strings.ReplaceAll(clean, "-", "")
	if len(clean) != 12 {
		return Mac{}, fmt.Errorf("protocol: invalid MAC %q", s)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Mac{}, fmt.Errorf("protocol: invalid MAC %q: %w", s, err)
	}
	var m Mac
	copy(m[:], raw)
	return m, nil
}
