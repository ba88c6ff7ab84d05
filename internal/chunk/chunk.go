// Package chunk moves binary payloads over the bridge's call/result channel as
// an ordered sequence of bounded, base64-encoded chunks.
package chunk

import (
	"encoding/base64"
	"fmt"
)

// DefaultSize is the default maximum number of raw bytes per chunk.
const DefaultSize = 64 * 1024

// FrameOverhead is a generous allowance for the JSON envelope around the
// encoded data of one chunk call.
const FrameOverhead = 1024

// Split partitions data into ordered chunks of at most size bytes. The
// returned slices alias data.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultSize
	}
	if len(data) == 0 {
		return nil
	}
	n := Count(len(data), size)
	out := make([][]byte, 0, n)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

// Count returns the number of chunks needed for n bytes.
func Count(n, size int) int {
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Encode renders a chunk in the text-safe transport encoding.
func Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// Decode reverses Encode.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode chunk data: %w", err)
	}
	return b, nil
}

// FrameSize estimates the size of a chunk call frame carrying size raw bytes.
func FrameSize(size int) int {
	return base64.StdEncoding.EncodedLen(size) + FrameOverhead
}
