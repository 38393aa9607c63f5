package protocol

import (
	"encoding/binary"

	"github.com/omniapi/gateway/internal/errs"
)

const opPayload errs.Op = "protocol.decodePayload"

func mismatch(want int, got []byte) error {
	return errs.E(opPayload, errs.KindInvalid, "payload length mismatch")
}

func checkLen(want int, got []byte) error {
	if len(got) != want {
		return mismatch(want, got)
	}
	return nil
}

// HeartbeatAckPayload — 0x02.
type HeartbeatAckPayload struct {
	Mac        Mac
	DeviceType DeviceType
	Status     NodeStatus
	MeshLayer  uint8
	RSSI       int8
	FwVersion  uint32
	Uptime     uint32
}

func DecodeHeartbeatAck(b []byte) (HeartbeatAckPayload, error) {
	if err := checkLen(18, b); err != nil {
		return HeartbeatAckPayload{}, err
	}
	var p HeartbeatAckPayload
	copy(p.Mac[:], b[0:6])
	p.DeviceType = DeviceType(b[6])
	p.Status = NodeStatus(b[7])
	p.MeshLayer = b[8]
	p.RSSI = int8(b[9])
	p.FwVersion = binary.LittleEndian.Uint32(b[10:14])
	p.Uptime = binary.LittleEndian.Uint32(b[14:18])
	return p, nil
}

// NodeAnnouncePayload — 0x07.
type NodeAnnouncePayload struct {
	Mac          Mac
	DeviceType   DeviceType
	Capabilities uint8
	FwVersion    uint32
	Commissioned bool
}

func DecodeNodeAnnounce(b []byte) (NodeAnnouncePayload, error) {
	if err := checkLen(13, b); err != nil {
		return NodeAnnouncePayload{}, err
	}
	var p NodeAnnouncePayload
	copy(p.Mac[:], b[0:6])
	p.DeviceType = DeviceType(b[6])
	p.Capabilities = b[7]
	p.FwVersion = binary.LittleEndian.Uint32(b[8:12])
	p.Commissioned = b[12] != 0
	return p, nil
}

// ScanResponsePayload — 0x11.
type ScanResponsePayload struct {
	Mac          Mac
	DeviceType   DeviceType
	FwVersion    uint32
	Commissioned bool
	RSSI         int8
}

func DecodeScanResponse(b []byte) (ScanResponsePayload, error) {
	if err := checkLen(13, b); err != nil {
		return ScanResponsePayload{}, err
	}
	var p ScanResponsePayload
	copy(p.Mac[:], b[0:6])
	p.DeviceType = DeviceType(b[6])
	p.FwVersion = binary.LittleEndian.Uint32(b[7:11])
	p.Commissioned = b[11] != 0
	p.RSSI = int8(b[12])
	return p, nil
}

// CommissionPayload — 0x12.
type CommissionPayload struct {
	TargetMac Mac
	NetworkID [6]byte
	NetworkKey [32]byte
	PlantID   [32]byte
	NodeName  [32]byte
}

func EncodeCommission(p CommissionPayload) []byte {
	b := make([]byte, 6+6+32+32+32)
	copy(b[0:6], p.TargetMac[:])
	copy(b[6:12], p.NetworkID[:])
	copy(b[12:44], p.NetworkKey[:])
	copy(b[44:76], p.PlantID[:])
	copy(b[76:108], p.NodeName[:])
	return b
}

// CommissionAckPayload — 0x13, also used to decode DecommissionAck (0x15) which shares shape.
type CommissionAckPayload struct {
	Mac    Mac
	Status uint8 // 0 = success
}

func DecodeCommissionAck(b []byte) (CommissionAckPayload, error) {
	if err := checkLen(7, b); err != nil {
		return CommissionAckPayload{}, err
	}
	var p CommissionAckPayload
	copy(p.Mac[:], b[0:6])
	p.Status = b[6]
	return p, nil
}

// DecommissionPayload — 0x14.
type DecommissionPayload struct {
	TargetMac Mac
}

func EncodeDecommission(p DecommissionPayload) []byte {
	b := make([]byte, 6)
	copy(b, p.TargetMac[:])
	return b
}

// IdentifyPayload — 0x16.
type IdentifyPayload struct {
	TargetMac Mac
}

func EncodeIdentify(p IdentifyPayload) []byte {
	b := make([]byte, 6)
	copy(b, p.TargetMac[:])
	return b
}

// RelayCmdPayload — 0x20.
type RelayCmdPayload struct {
	Channel uint8
	Action  RelayAction
}

func EncodeRelayCmd(p RelayCmdPayload) []byte {
	return []byte{p.Channel, uint8(p.Action)}
}

// RelayStatusPayload — 0x21.
type RelayStatusPayload struct {
	Channel uint8
	State   uint8
}

func DecodeRelayStatus(b []byte) (RelayStatusPayload, error) {
	if err := checkLen(2, b); err != nil {
		return RelayStatusPayload{}, err
	}
	return RelayStatusPayload{Channel: b[0], State: b[1]}, nil
}

// LedCmdPayload — 0x22.
type LedCmdPayload struct {
	Action      uint8
	R, G, B     uint8
	Brightness  uint8
	EffectID    uint8
	EffectSpeed uint16
}

func EncodeLedCmd(p LedCmdPayload) []byte {
	b := make([]byte, 8)
	b[0] = p.Action
	b[1] = p.R
	b[2] = p.G
	b[3] = p.B
	b[4] = p.Brightness
	b[5] = p.EffectID
	binary.LittleEndian.PutUint16(b[6:8], p.EffectSpeed)
	return b
}

// LedStatusPayload — 0x23.
type LedStatusPayload struct {
	On         uint8
	R, G, B    uint8
	Brightness uint8
	EffectID   uint8
}

func DecodeLedStatus(b []byte) (LedStatusPayload, error) {
	if err := checkLen(6, b); err != nil {
		return LedStatusPayload{}, err
	}
	return LedStatusPayload{On: b[0], R: b[1], G: b[2], B: b[3], Brightness: b[4], EffectID: b[5]}, nil
}

// OtaAvailablePayload — 0x40.
type OtaAvailablePayload struct {
	DeviceType DeviceType
	FwVersion  uint32
	TotalSize  uint32
	SHA256     [32]byte
	ChunkSize  uint16
}

func EncodeOtaAvailable(p OtaAvailablePayload) []byte {
	b := make([]byte, 1+4+4+32+2)
	b[0] = uint8(p.DeviceType)
	binary.LittleEndian.PutUint32(b[1:5], p.FwVersion)
	binary.LittleEndian.PutUint32(b[5:9], p.TotalSize)
	copy(b[9:41], p.SHA256[:])
	binary.LittleEndian.PutUint16(b[41:43], p.ChunkSize)
	return b
}

// OtaRequestPayload — 0x41.
type OtaRequestPayload struct {
	Mac    Mac
	Offset uint32
	Length uint16
}

func DecodeOtaRequest(b []byte) (OtaRequestPayload, error) {
	if err := checkLen(12, b); err != nil {
		return OtaRequestPayload{}, err
	}
	var p OtaRequestPayload
	copy(p.Mac[:], b[0:6])
	p.Offset = binary.LittleEndian.Uint32(b[6:10])
	p.Length = binary.LittleEndian.Uint16(b[10:12])
	return p, nil
}

// OtaDataPayload — 0x42.
type OtaDataPayload struct {
	Offset    uint32
	Length    uint16
	LastChunk bool
	Data      []byte
}

func EncodeOtaData(p OtaDataPayload) ([]byte, error) {
	if len(p.Data) > MaxPayloadSize-7 {
		return nil, errs.E(opPayload, errs.KindInvalid, "ota data chunk exceeds frame capacity")
	}
	b := make([]byte, 7+len(p.Data))
	binary.LittleEndian.PutUint32(b[0:4], p.Offset)
	binary.LittleEndian.PutUint16(b[4:6], p.Length)
	if p.LastChunk {
		b[6] = 1
	}
	copy(b[7:], p.Data)
	return b, nil
}

func DecodeOtaData(b []byte) (OtaDataPayload, error) {
	if len(b) < 7 {
		return OtaDataPayload{}, mismatch(7, b)
	}
	p := OtaDataPayload{
		Offset:    binary.LittleEndian.Uint32(b[0:4]),
		Length:    binary.LittleEndian.Uint16(b[4:6]),
		LastChunk: b[6] != 0,
	}
	p.Data = append([]byte(nil), b[7:]...)
	return p, nil
}

// OtaCompletePayload — 0x43.
type OtaCompletePayload struct {
	Mac        Mac
	NewVersion uint32
}

func DecodeOtaComplete(b []byte) (OtaCompletePayload, error) {
	if err := checkLen(10, b); err != nil {
		return OtaCompletePayload{}, err
	}
	var p OtaCompletePayload
	copy(p.Mac[:], b[0:6])
	p.NewVersion = binary.LittleEndian.Uint32(b[6:10])
	return p, nil
}

// OtaFailedPayload — 0x44.
type OtaFailedPayload struct {
	Mac   Mac
	Error uint8
	Msg   [32]byte
}

func DecodeOtaFailed(b []byte) (OtaFailedPayload, error) {
	if err := checkLen(39, b); err != nil {
		return OtaFailedPayload{}, err
	}
	var p OtaFailedPayload
	copy(p.Mac[:], b[0:6])
	p.Error = b[6]
	copy(p.Msg[:], b[7:39])
	return p, nil
}

// OtaAbortPayload — 0x45.
type OtaAbortPayload struct {
	DeviceType DeviceType
}

func EncodeOtaAbort(p OtaAbortPayload) []byte {
	return []byte{uint8(p.DeviceType)}
}

// OtaBeginPayload — 0x46.
type OtaBeginPayload struct {
	Target      Mac
	TotalSize   uint32
	ChunkSize   uint16
	TotalChunks uint16
	CRC32       uint32
}

func EncodeOtaBegin(p OtaBeginPayload) []byte {
	b := make([]byte, 6+4+2+2+4)
	copy(b[0:6], p.Target[:])
	binary.LittleEndian.PutUint32(b[6:10], p.TotalSize)
	binary.LittleEndian.PutUint16(b[10:12], p.ChunkSize)
	binary.LittleEndian.PutUint16(b[12:14], p.TotalChunks)
	binary.LittleEndian.PutUint32(b[14:18], p.CRC32)
	return b
}

// OtaAckPayload — 0x47.
type OtaAckPayload struct {
	Mac        Mac
	ChunkIndex uint16
	Status     uint8
}

func DecodeOtaAck(b []byte) (OtaAckPayload, error) {
	if err := checkLen(9, b); err != nil {
		return OtaAckPayload{}, err
	}
	var p OtaAckPayload
	copy(p.Mac[:], b[0:6])
	p.ChunkIndex = binary.LittleEndian.Uint16(b[6:8])
	p.Status = b[8]
	return p, nil
}

// OtaAck status codes.
const (
	OtaAckOK        uint8 = 0
	OtaAckCRCError  uint8 = 1
	OtaAckWriteErr  uint8 = 2
	OtaAckAbort     uint8 = 3
)

// OtaEndPayload — 0x48.
type OtaEndPayload struct {
	Target      Mac
	TotalChunks uint16
	CRC32       uint32
}

func EncodeOtaEnd(p OtaEndPayload) []byte {
	b := make([]byte, 6+2+4)
	copy(b[0:6], p.Target[:])
	binary.LittleEndian.PutUint16(b[6:8], p.TotalChunks)
	binary.LittleEndian.PutUint32(b[8:12], p.CRC32)
	return b
}

// ConfigSetPayload — 0x60.
type ConfigSetPayload struct {
	Mac   Mac
	Key   uint8
	Value []byte
}

const ConfigKeyRelayMode uint8 = 0x01

func EncodeConfigSet(p ConfigSetPayload) ([]byte, error) {
	if len(p.Value) > 32 {
		return nil, errs.E(opPayload, errs.KindInvalid, "config value exceeds 32 bytes")
	}
	b := make([]byte, 6+1+1+len(p.Value))
	copy(b[0:6], p.Mac[:])
	b[6] = p.Key
	b[7] = uint8(len(p.Value))
	copy(b[8:], p.Value)
	return b, nil
}
