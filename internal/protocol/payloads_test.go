package protocol

import (
	"encoding/binary"
	"testing"
)

func TestDecodeHeartbeatAck(t *testing.T) {
	mac, _ := ParseMac("01:02:03:04:05:06")
	b := make([]byte, 18)
	copy(b[0:6], mac[:])
	b[6] = uint8(DeviceRelay)
	b[7] = uint8(StatusOffline) // arbitrary, overwritten by caller in real use
	b[8] = 2                    // mesh layer
	b[9] = byte(int8(-60))
	binary.LittleEndian.PutUint32(b[10:14], PackVersion(1, 2, 3))
	binary.LittleEndian.PutUint32(b[14:18], 120)

	p, err := DecodeHeartbeatAck(b)
	if err != nil {
		t.Fatalf("DecodeHeartbeatAck: %v", err)
	}
	if p.Mac != mac {
		t.Errorf("Mac = %v, want %v", p.Mac, mac)
	}
	if p.MeshLayer != 2 {
		t.Errorf("MeshLayer = %d, want 2", p.MeshLayer)
	}
	if p.RSSI != -60 {
		t.Errorf("RSSI = %d, want -60", p.RSSI)
	}
	major, minor, patch := UnpackVersion(p.FwVersion)
	if major != 1 || minor != 2 || patch != 3 {
		t.Errorf("firmware = %d.%d.%d, want 1.2.3", major, minor, patch)
	}
	if p.Uptime != 120 {
		t.Errorf("Uptime = %d, want 120", p.Uptime)
	}
}

func TestDecodeHeartbeatAck_WrongLength(t *testing.T) {
	if _, err := DecodeHeartbeatAck([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error for undersized payload")
	}
}

func TestCommissionEncodeCarriesFields(t *testing.T) {
	target, _ := ParseMac("AA:BB:CC:DD:EE:FF")
	var networkID [6]byte
	copy(networkID[:], "OMNIAP")
	var name [32]byte
	copy(name[:], "r1")

	p := CommissionPayload{TargetMac: target, NetworkID: networkID, NodeName: name}
	b := EncodeCommission(p)

	if len(b) != 108 {
		t.Fatalf("encoded Commission length = %d, want 108", len(b))
	}

	var gotMac Mac
	copy(gotMac[:], b[0:6])
	if gotMac != target {
		t.Errorf("TargetMac round-trip = %v, want %v", gotMac, target)
	}
	if string(b[6:12]) != "OMNIAP" {
		t.Errorf("NetworkID round-trip = %q, want %q", b[6:12], "OMNIAP")
	}
}

func TestOtaDataEncodeDecode_Clamping(t *testing.T) {
	data := make([]byte, 76)
	p := OtaDataPayload{Offset: 4020, Length: 76, LastChunk: true, Data: data}
	encoded, err := EncodeOtaData(p)
	if err != nil {
		t.Fatalf("EncodeOtaData: %v", err)
	}
	decoded, err := DecodeOtaData(encoded)
	if err != nil {
		t.Fatalf("DecodeOtaData: %v", err)
	}
	if decoded.Offset != 4020 || decoded.Length != 76 || !decoded.LastChunk {
		t.Errorf("decoded = %+v, want offset=4020 length=76 lastChunk=true", decoded)
	}
	if len(decoded.Data) != 76 {
		t.Errorf("decoded data length = %d, want 76", len(decoded.Data))
	}
}
