package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType MsgType
		seq     uint8
		payload []byte
	}{
		{"empty payload", MsgHeartbeat, 0, nil},
		{"small payload", MsgRelayCmd, 7, []byte{0x01, 0x02}},
		{"max payload", MsgOtaData, 255, bytes.Repeat([]byte{0xAB}, MaxPayloadSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.msgType, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			frame, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if frame.MsgType != tt.msgType {
				t.Errorf("MsgType = %v, want %v", frame.MsgType, tt.msgType)
			}
			if frame.Seq != tt.seq {
				t.Errorf("Seq = %v, want %v", frame.Seq, tt.seq)
			}
			if frame.Version != Version {
				t.Errorf("Version = %v, want %v", frame.Version, Version)
			}
			if !bytes.Equal(frame.Payload, tt.payload) && !(len(frame.Payload) == 0 && len(tt.payload) == 0) {
				t.Errorf("Payload = %x, want %x", frame.Payload, tt.payload)
			}
		})
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	_, err := Encode(MsgOtaData, 0, bytes.Repeat([]byte{0x00}, MaxPayloadSize+1))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestDecode_Rejections(t *testing.T) {
	validFrame, _ := Encode(MsgHeartbeat, 1, []byte{0x01, 0x02})

	tests := []struct {
		name string
		buf  []byte
	}{
		{"too short", []byte{0x01, 0x02, 0x03}},
		{"bad magic", func() []byte {
			b := append([]byte(nil), validFrame...)
			b[0] = 0xFF
			return b
		}()},
		{"bad version", func() []byte {
			b := append([]byte(nil), validFrame...)
			b[2] = 0x99
			return b
		}()},
		{"declared length exceeds cap", func() []byte {
			b := append([]byte(nil), validFrame...)
			b[6] = 0xFF
			b[7] = 0xFF
			return b
		}()},
		{"declared length exceeds buffer", func() []byte {
			b := append([]byte(nil), validFrame...)
			b[6] = 200 // declares far more payload than buf actually has
			b[7] = 0
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.buf); err == nil {
				t.Errorf("expected rejection for %q", tt.name)
			}
		})
	}
}

func TestPackUnpackVersion(t *testing.T) {
	packed := PackVersion(1, 2, 3)
	major, minor, patch := UnpackVersion(packed)
	if major != 1 || minor != 2 || patch != 3 {
		t.Errorf("UnpackVersion(%#x) = %d.%d.%d, want 1.2.3", packed, major, minor, patch)
	}
}

func TestMac_ParseAndOrder(t *testing.T) {
	a, err := ParseMac("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("ParseMac: %v", err)
	}
	b, err := ParseMac("aabbccddeeff")
	if err != nil {
		t.Fatalf("ParseMac bare: %v", err)
	}
	if a != b {
		t.Errorf("expected colon and bare forms to parse equal, got %v != %v", a, b)
	}

	c, _ := ParseMac("AA:BB:CC:DD:EE:00")
	if !c.Less(a) {
		t.Errorf("expected %v < %v", c, a)
	}

	if _, err := ParseMac("not-a-mac"); err == nil {
		t.Error("expected error for malformed MAC")
	}
}
