package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// FrameType identifies the kind of payload a frame carries.
type FrameType uint16

const (
	// FrameControl carries a JSON control message.
	FrameControl FrameType = iota + 1
	// FrameChunk carries raw file chunk bytes.
	FrameChunk
)

// Frame flag bits.
const (
	// FlagChecksumFooter marks a frame followed by a 32-byte SHA-256
	// footer over the payload.
	FlagChecksumFooter uint16 = 1 << 0
	// FlagCompressed marks an LZ4-compressed payload.
	FlagCompressed uint16 = 1 << 1
	// FlagEncrypted marks a payload encrypted under the session key.
	FlagEncrypted uint16 = 1 << 2
)

// FrameHeaderSize is the fixed size of the frame header in bytes.
const FrameHeaderSize = 32

// MaxFramePayload is the maximum payload size per frame.
const MaxFramePayload = 262144

// FrameVersion is the current wire format version.
const FrameVersion uint16 = 1

// frameMagic identifies AirLink frames on the wire.
var frameMagic = [4]byte{0xA1, 'R', 'L', 0x01}

var (
	// ErrBadMagic indicates a frame that does not start with the
	// AirLink magic bytes.
	ErrBadMagic = errors.New("bad frame magic")

	// ErrFrameTooShort indicates truncated frame data.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrPayloadTooLarge indicates a payload over MaxFramePayload.
	ErrPayloadTooLarge = errors.New("frame payload too large")

	// ErrChecksumMismatch indicates header CRC or footer hash mismatch.
	ErrChecksumMismatch = errors.New("frame checksum mismatch")

	// ErrVersionMismatch indicates an unsupported wire format version.
	ErrVersionMismatch = errors.New("unsupported frame version")
)

// Frame is the binary envelope every transport payload travels in.
//
// Header layout (big-endian, 32 bytes):
//
//	magic(4) version(2) type(2) flags(2) seq(4)
//	chunkIndex(4) totalChunks(4) payloadLen(4) checksum(4) reserved(2)
//
// followed by the payload and, when FlagChecksumFooter is set, a
// 32-byte SHA-256 footer over the payload.
type Frame struct {
	Type        FrameType
	Flags       uint16
	Seq         uint32
	ChunkIndex  uint32
	TotalChunks uint32
	Payload     []byte
}

// Serialize converts a frame to its wire representation.
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	size := FrameHeaderSize + len(f.Payload)
	withFooter := f.Flags&FlagChecksumFooter != 0
	if withFooter {
		size += sha256.Size
	}

	buf := make([]byte, size)
	copy(buf[0:4], frameMagic[:])
	binary.BigEndian.PutUint16(buf[4:6], FrameVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Type))
	binary.BigEndian.PutUint16(buf[8:10], f.Flags)
	binary.BigEndian.PutUint32(buf[10:14], f.Seq)
	binary.BigEndian.PutUint32(buf[14:18], f.ChunkIndex)
	binary.BigEndian.PutUint32(buf[18:22], f.TotalChunks)
	binary.BigEndian.PutUint32(buf[22:26], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[26:30], crc32.ChecksumIEEE(f.Payload))
	// buf[30:32] reserved, zero

	copy(buf[FrameHeaderSize:], f.Payload)

	if withFooter {
		digest := sha256.Sum256(f.Payload)
		copy(buf[FrameHeaderSize+len(f.Payload):], digest[:])
	}

	return buf, nil
}

// ParseFrame converts wire bytes back into a Frame, validating magic,
// version, length, CRC, and the SHA-256 footer when present.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < FrameHeaderSize {
		return nil, ErrFrameTooShort
	}
	if [4]byte(data[0:4]) != frameMagic {
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersionMismatch, v)
	}

	frame := &Frame{
		Type:        FrameType(binary.BigEndian.Uint16(data[6:8])),
		Flags:       binary.BigEndian.Uint16(data[8:10]),
		Seq:         binary.BigEndian.Uint32(data[10:14]),
		ChunkIndex:  binary.BigEndian.Uint32(data[14:18]),
		TotalChunks: binary.BigEndian.Uint32(data[18:22]),
	}

	payloadLen := binary.BigEndian.Uint32(data[22:26])
	if payloadLen > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	want := FrameHeaderSize + int(payloadLen)
	if frame.Flags&FlagChecksumFooter != 0 {
		want += sha256.Size
	}
	if len(data) < want {
		return nil, ErrFrameTooShort
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[FrameHeaderSize:FrameHeaderSize+payloadLen])

	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(data[26:30]) {
		return nil, fmt.Errorf("%w: header crc", ErrChecksumMismatch)
	}

	if frame.Flags&FlagChecksumFooter != 0 {
		digest := sha256.Sum256(payload)
		footer := data[FrameHeaderSize+payloadLen : FrameHeaderSize+payloadLen+sha256.Size]
		if [sha256.Size]byte(footer) != digest {
			return nil, fmt.Errorf("%w: sha256 footer", ErrChecksumMismatch)
		}
	}

	frame.Payload = payload
	return frame, nil
}
