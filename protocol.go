// Package dynamixel provides a Go library for controlling Dynamixel servo
// actuators speaking protocol 1.0 over a half-duplex serial bus.
package dynamixel

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Instruction codes per the Dynamixel protocol 1.0 specification.
const (
	InstPing      byte = 0x01
	InstRead      byte = 0x02
	InstWrite     byte = 0x03
	InstRegWrite  byte = 0x04
	InstAction    byte = 0x05
	InstReset     byte = 0x06
	InstSyncWrite byte = 0x83
	InstSyncRead  byte = 0x84
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxMotorID  = 0xFD
)

// Packet header bytes.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF
)

// maxParameters is the largest parameter payload one frame can carry: the
// length byte must hold len(params) + 2 and stay below 0xFF.
const maxParameters = 253

// StatusError holds the error bit flags reported in a status packet. All
// flags may be set simultaneously.
type StatusError byte

const (
	ErrVoltage     StatusError = 1 << 0
	ErrAngleLimit  StatusError = 1 << 1
	ErrOverheat    StatusError = 1 << 2
	ErrRange       StatusError = 1 << 3
	ErrChecksum    StatusError = 1 << 4
	ErrOverload    StatusError = 1 << 5
	ErrInstruction StatusError = 1 << 6
	ErrAlert       StatusError = 1 << 7
)

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msgs []string
	if e&ErrVoltage != 0 {
		msgs = append(msgs, "input voltage")
	}
	if e&ErrAngleLimit != 0 {
		msgs = append(msgs, "angle limit")
	}
	if e&ErrOverheat != 0 {
		msgs = append(msgs, "overheating")
	}
	if e&ErrRange != 0 {
		msgs = append(msgs, "range")
	}
	if e&ErrChecksum != 0 {
		msgs = append(msgs, "checksum")
	}
	if e&ErrOverload != 0 {
		msgs = append(msgs, "overload")
	}
	if e&ErrInstruction != 0 {
		msgs = append(msgs, "instruction")
	}
	if e&ErrAlert != 0 {
		msgs = append(msgs, "alert")
	}

	return fmt.Sprintf("motor status error: %v", msgs)
}

// HasError returns true if any error flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// Packet represents a Dynamixel protocol 1.0 packet. For status packets the
// Instruction byte carries the error bitfield instead of an instruction code.
type Packet struct {
	ID          byte
	Instruction byte
	Parameters  []byte
}

// Status interprets the instruction byte of a response packet as its error
// bitfield.
func (p Packet) Status() StatusError {
	return StatusError(p.Instruction)
}

// EncodeWord converts a 16-bit value to its two-byte wire representation.
// Protocol 1.0 is little-endian.
func EncodeWord(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

// DecodeWord converts two wire bytes to a 16-bit value.
func DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(data)
}

// Encode constructs a wire-format frame from the given packet.
func Encode(pkt Packet) ([]byte, error) {
	if pkt.ID > BroadcastID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, pkt.ID)
	}
	if len(pkt.Parameters) > maxParameters {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(pkt.Parameters))
	}

	length := byte(len(pkt.Parameters) + 2) // instruction + params + checksum

	// header(2) + id(1) + length(1) + instruction(1) + params(n) + checksum(1)
	buf := make([]byte, 0, 6+len(pkt.Parameters))
	buf = append(buf, headerByte1, headerByte2)
	buf = append(buf, pkt.ID)
	buf = append(buf, length)
	buf = append(buf, pkt.Instruction)
	buf = append(buf, pkt.Parameters...)

	checksum := calculateChecksum(buf[2:]) // from ID onwards
	buf = append(buf, checksum)

	return buf, nil
}

// Decode parses a wire-format frame into its components, skipping any noise
// bytes before the header. A header candidate that fails to parse restarts
// the search one byte later, so a stray 0xFF right before a real frame does
// not mask it. Returns the packet and the number of bytes consumed.
// decode(encode(p)) == p for every well-formed p.
func Decode(data []byte) (Packet, int, error) {
	if len(data) < 6 {
		return Packet{}, 0, fmt.Errorf("%w: packet too short", ErrMalformed)
	}

	var firstErr error
	for start := 0; start+6 <= len(data); start++ {
		if data[start] != headerByte1 || data[start+1] != headerByte2 {
			continue
		}
		pkt, consumed, err := decodeFrame(data[start:])
		if err == nil {
			return pkt, start + consumed, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return Packet{}, 0, firstErr
	}
	return Packet{}, 0, fmt.Errorf("%w: header not found", ErrMalformed)
}

// decodeFrame parses a single frame whose header starts at data[0].
func decodeFrame(data []byte) (Packet, int, error) {
	id := data[2]
	length := int(data[3])
	if length < 2 {
		return Packet{}, 0, fmt.Errorf("%w: declared length %d", ErrMalformed, length)
	}

	totalLen := 4 + length // header(2) + id(1) + length(1) + [length bytes]
	if len(data) < totalLen {
		return Packet{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, totalLen, len(data))
	}

	expected := calculateChecksum(data[2 : totalLen-1])
	actual := data[totalLen-1]
	if expected != actual {
		return Packet{}, 0, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksumMismatch, expected, actual)
	}

	pkt := Packet{
		ID:          id,
		Instruction: data[4],
	}

	paramLen := length - 2 // subtract instruction/error byte and checksum
	if paramLen > 0 {
		pkt.Parameters = make([]byte, paramLen)
		copy(pkt.Parameters, data[5:5+paramLen])
	}

	return pkt, totalLen, nil
}

// DecodeMultiple parses up to count response packets from a buffer. Decode
// already resynchronizes past corrupt frames, so a failure here means no
// parseable frame remains.
func DecodeMultiple(data []byte, count int) []Packet {
	packets := make([]Packet, 0, count)
	offset := 0

	for i := 0; i < count && offset < len(data); i++ {
		pkt, consumed, err := Decode(data[offset:])
		if err != nil {
			break
		}
		packets = append(packets, pkt)
		offset += consumed
	}

	return packets
}

// ResponseLength returns the expected wire length of a status packet
// carrying dataLen parameter bytes.
func ResponseLength(dataLen int) int {
	// header(2) + id(1) + length(1) + error(1) + data(n) + checksum(1)
	return 6 + dataLen
}

func calculateChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// Instruction packet builders

// PingPacket creates a ping instruction packet.
func PingPacket(id byte) ([]byte, error) {
	return Encode(Packet{
		ID:          id,
		Instruction: InstPing,
	})
}

// ReadPacket creates a read instruction packet.
func ReadPacket(id, address, length byte) ([]byte, error) {
	return Encode(Packet{
		ID:          id,
		Instruction: InstRead,
		Parameters:  []byte{address, length},
	})
}

// WritePacket creates a write instruction packet.
func WritePacket(id, address byte, data []byte) ([]byte, error) {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)

	return Encode(Packet{
		ID:          id,
		Instruction: InstWrite,
		Parameters:  params,
	})
}

// RegWritePacket creates a buffered write instruction packet. The write is
// held by the motor until an ACTION instruction arrives.
func RegWritePacket(id, address byte, data []byte) ([]byte, error) {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)

	return Encode(Packet{
		ID:          id,
		Instruction: InstRegWrite,
		Parameters:  params,
	})
}

// ActionPacket creates a broadcast action packet triggering buffered writes.
func ActionPacket() ([]byte, error) {
	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstAction,
	})
}

// ResetPacket creates a factory reset instruction packet.
func ResetPacket(id byte) ([]byte, error) {
	return Encode(Packet{
		ID:          id,
		Instruction: InstReset,
	})
}

// SyncWritePacket creates a sync write instruction packet carrying data for
// several motors at once. IDs are emitted in ascending order to keep bus
// timing deterministic.
func SyncWritePacket(address byte, dataLen byte, motorData map[byte][]byte) ([]byte, error) {
	ids := make([]byte, 0, len(motorData))
	for id := range motorData {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// address(1) + dataLen(1) + [id(1) + data(n)]...
	params := make([]byte, 0, 2+len(motorData)*(1+int(dataLen)))
	params = append(params, address, dataLen)
	for _, id := range ids {
		params = append(params, id)
		params = append(params, motorData[id]...)
	}

	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstSyncWrite,
		Parameters:  params,
	})
}

// SyncReadPacket creates a sync read instruction packet.
func SyncReadPacket(address, dataLen byte, ids []byte) ([]byte, error) {
	params := make([]byte, 0, 2+len(ids))
	params = append(params, address, dataLen)
	params = append(params, ids...)

	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstSyncRead,
		Parameters:  params,
	})
}
