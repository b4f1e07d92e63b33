package chunker

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"
)

// Span is the byte range [Start, End) of one chunk within a file.
type Span struct {
	Index int
	Start int64
	End   int64
}

// Size returns the number of bytes covered by the span.
func (s Span) Size() int64 {
	return s.End - s.Start
}

// Chunker partitions file buffers into fixed-size chunks
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured chunk size in bytes
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// TotalChunks returns ceil(size / chunkSize), or 0 for a non-positive size.
func (c *Chunker) TotalChunks(size int64) int {
	return TotalChunks(size, c.chunkSize)
}

// Plan returns the spans of every chunk of a file of the given size, in
// ascending index order. Every span is chunkSize long except possibly the last.
func (c *Chunker) Plan(size int64) []Span {
	total := c.TotalChunks(size)
	spans := make([]Span, 0, total)
	for i := 0; i < total; i++ {
		spans = append(spans, c.SpanAt(i, size))
	}
	return spans
}

// SpanAt returns the span of chunk index within a file of the given size.
func (c *Chunker) SpanAt(index int, size int64) Span {
	start := int64(index) * c.chunkSize
	end := start + c.chunkSize
	if end > size {
		end = size
	}
	return Span{Index: index, Start: start, End: end}
}

// Slice returns the bytes of chunk index from data. The returned slice
// aliases data.
func (c *Chunker) Slice(data []byte, index int) []byte {
	span := c.SpanAt(index, int64(len(data)))
	return data[span.Start:span.End]
}

// TotalChunks computes ceil(size / chunkSize).
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ReassembleChunks combines chunks in order
func ReassembleChunks(chunks [][]byte) []byte {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk)
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}

	return result
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	actualHash := ComputeHash(data)
	return actualHash == expectedHash
}
