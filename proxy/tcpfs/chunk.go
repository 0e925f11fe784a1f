package tcpfs

// ProgressFunc receives the completed fraction of a transfer, from 0 to 1.
type ProgressFunc func(fraction float64)

// Fraction is count/size clamped to 1. An empty transfer is complete.
func Fraction(count, size int64) float64 {
	if size <= 0 || count >= size {
		return 1
	}
	return float64(count) / float64(size)
}

// ChunkBuffer tracks the bytes of one transfer against its declared size.
//
// Upload buffers slice a source into chunks with NextChunk. Download buffers accumulate
// received chunks with Append. The progress func is called after every chunk.
type ChunkBuffer struct {
	size      int64
	count     int64
	chunks    int
	chunkSize int

	src  []byte
	data []byte

	overflowed bool
	progress   ProgressFunc
}

// NewUploadBuffer slices src into chunks of at most chunkSize bytes.
func NewUploadBuffer(src []byte, chunkSize int, progress ProgressFunc) *ChunkBuffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkBuffer{
		size:      int64(len(src)),
		chunkSize: chunkSize,
		src:       src,
		progress:  progress,
	}
}

// NewDownloadBuffer accumulates up to size bytes.
func NewDownloadBuffer(size int64, progress ProgressFunc) *ChunkBuffer {
	capacity := size
	if capacity > 1<<20 {
		capacity = 1 << 20
	}
	if capacity < 0 {
		capacity = 0
	}
	return &ChunkBuffer{
		size:     size,
		data:     make([]byte, 0, capacity),
		progress: progress,
	}
}

// NextChunk returns the next slice of the source, or false once everything was handed out.
func (b *ChunkBuffer) NextChunk() ([]byte, bool) {
	if b.count >= int64(len(b.src)) {
		return nil, false
	}
	end := b.count + int64(b.chunkSize)
	if end > int64(len(b.src)) {
		end = int64(len(b.src))
	}
	chunk := b.src[b.count:end]
	b.count = end
	b.chunks++
	b.report()
	return chunk, true
}

// Append adds a received chunk.
func (b *ChunkBuffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
	b.count += int64(len(chunk))
	b.chunks++
	if b.count > b.size {
		b.overflowed = true
	}
	b.report()
}

func (b *ChunkBuffer) report() {
	if b.progress != nil {
		b.progress(Fraction(b.count, b.size))
	}
}

// IsDone reports whether exactly the declared size was moved.
func (b *ChunkBuffer) IsDone() bool {
	return b.count == b.size
}

// IsOverflowed reports whether more than the declared size was ever moved.
func (b *ChunkBuffer) IsOverflowed() bool {
	return b.overflowed
}

func (b *ChunkBuffer) Size() int64 { return b.size }

func (b *ChunkBuffer) Count() int64 { return b.count }

func (b *ChunkBuffer) Chunks() int { return b.chunks }

// Bytes returns the accumulated download data.
func (b *ChunkBuffer) Bytes() []byte { return b.data }

// Remaining is the number of bytes still expected.
func (b *ChunkBuffer) Remaining() int64 {
	if b.count >= b.size {
		return 0
	}
	return b.size - b.count
}
