package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// binaryChunkType is the only frame kind defined for constrained
// transports; file metadata travels out of band there.
const binaryChunkType = 1

// maxBinaryFileID bounds the file ID length carried in a single byte.
const maxBinaryFileID = 255

var (
	// ErrBinaryFrameTooShort indicates truncated constrained-transport
	// frame data.
	ErrBinaryFrameTooShort = errors.New("binary chunk frame too short")

	// ErrBinaryFrameType indicates an unknown constrained frame type.
	ErrBinaryFrameType = errors.New("unknown binary frame type")
)

// EncodeBinaryChunk serializes a file chunk for constrained
// transports.
//
// Layout: [type:1][fileIdLen:1][fileId][offset:8 BE][dataLen:4 BE][data]
func EncodeBinaryChunk(fileID string, offset uint64, data []byte) ([]byte, error) {
	idBytes := []byte(fileID)
	if len(idBytes) == 0 || len(idBytes) > maxBinaryFileID {
		return nil, fmt.Errorf("file id length %d out of range", len(idBytes))
	}

	buf := make([]byte, 2+len(idBytes)+8+4+len(data))
	buf[0] = binaryChunkType
	buf[1] = byte(len(idBytes))
	copy(buf[2:], idBytes)

	off := 2 + len(idBytes)
	binary.BigEndian.PutUint64(buf[off:off+8], offset)
	binary.BigEndian.PutUint32(buf[off+8:off+12], uint32(len(data)))
	copy(buf[off+12:], data)

	return buf, nil
}

// DecodeBinaryChunk parses a constrained-transport chunk frame into a
// FileChunkPayload.
func DecodeBinaryChunk(data []byte) (*FileChunkPayload, error) {
	if len(data) < 2 {
		return nil, ErrBinaryFrameTooShort
	}
	if data[0] != binaryChunkType {
		return nil, fmt.Errorf("%w: %d", ErrBinaryFrameType, data[0])
	}

	idLen := int(data[1])
	headerLen := 2 + idLen + 8 + 4
	if len(data) < headerLen {
		return nil, ErrBinaryFrameTooShort
	}

	fileID := string(data[2 : 2+idLen])
	offset := binary.BigEndian.Uint64(data[2+idLen : 2+idLen+8])
	dataLen := binary.BigEndian.Uint32(data[2+idLen+8 : headerLen])

	if len(data) < headerLen+int(dataLen) {
		return nil, ErrBinaryFrameTooShort
	}

	chunk := make([]byte, dataLen)
	copy(chunk, data[headerLen:headerLen+int(dataLen)])

	return &FileChunkPayload{
		FileID: fileID,
		Offset: offset,
		Size:   dataLen,
		Data:   chunk,
	}, nil
}
