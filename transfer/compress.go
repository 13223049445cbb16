package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/airlink-dev/airlink/limits"
)

// ErrDecompressionFailed indicates that a compressed chunk could not
// be expanded.
var ErrDecompressionFailed = errors.New("failed to decompress chunk")

var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// compressChunk compresses a chunk with LZ4. It returns the original
// slice and false when compression does not shrink the data.
func compressChunk(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

// decompressChunk expands an LZ4-compressed chunk. Expansion is capped
// at MaxProcessingBuffer so a hostile peer cannot inflate a small
// frame into an unbounded allocation.
func decompressChunk(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limits.MaxProcessingBuffer+1))
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n > limits.MaxProcessingBuffer {
		return nil, fmt.Errorf("%w: decompressed chunk exceeds %d bytes",
			limits.ErrMessageTooLarge, limits.MaxProcessingBuffer)
	}
	return buf.Bytes(), nil
}

// shouldCompress reports whether a mime type is worth compressing.
// Media containers and archives are already compressed.
func shouldCompress(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	for _, prefix := range []string{"video/", "audio/", "image/"} {
		if strings.HasPrefix(mimeType, prefix) {
			return false
		}
	}
	switch mimeType {
	case "application/zip", "application/gzip", "application/x-7z-compressed",
		"application/x-rar-compressed", "application/vnd.android.package-archive":
		return false
	}
	return true
}
