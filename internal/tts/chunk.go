package tts

import (
	"errors"

	"github.com/MrWong99/claudmaster/pkg/provider/tts"
)

// DefaultChunkSize is the default payload size of one audio chunk.
const DefaultChunkSize = 32 * 1024

// Chunk is one piece of a synthesized audio stream. Chunks of a stream share
// StreamID and TotalChunks; receivers reassemble strictly by Sequence and may
// receive chunks out of order.
type Chunk struct {
	StreamID    string
	Sequence    int
	TotalChunks int
	Format      string
	SampleRate  int
	DurationMs  int
	Data        []byte
}

// Split cuts one audio payload into delivery chunks of at most chunkSize
// bytes. chunkSize <= 0 uses [DefaultChunkSize]. PCM chunks are aligned to
// whole samples.
func Split(streamID string, audio *tts.Audio, chunkSize int) []Chunk {
	if audio == nil || len(audio.Data) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if audio.Format == tts.FormatPCM16 {
		chunkSize -= chunkSize % 2
		if chunkSize < 2 {
			chunkSize = 2
		}
	}

	total := (len(audio.Data) + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(audio.Data))
		part := tts.Audio{Format: audio.Format, SampleRate: audio.SampleRate, Data: audio.Data[start:end]}
		chunks = append(chunks, Chunk{
			StreamID:    streamID,
			Sequence:    i,
			TotalChunks: total,
			Format:      audio.Format,
			SampleRate:  audio.SampleRate,
			DurationMs:  part.DurationMs(),
			Data:        audio.Data[start:end],
		})
	}
	return chunks
}

// ErrStreamMismatch is returned when a chunk belongs to a different stream
// than the one the assembler was started with.
var ErrStreamMismatch = errors.New("tts: chunk from different stream")

// Assembler reassembles one stream from chunks arriving in any order.
// Not safe for concurrent use.
type Assembler struct {
	streamID string
	total    int
	parts    map[int][]byte
	received int
}

// NewAssembler starts reassembly for one stream.
func NewAssembler(streamID string) *Assembler {
	return &Assembler{streamID: streamID, parts: make(map[int][]byte)}
}

// Add records one chunk. Duplicate sequences are ignored. When the last
// missing chunk arrives, Add returns the full payload and done=true.
func (a *Assembler) Add(c Chunk) (data []byte, done bool, err error) {
	if c.StreamID != a.streamID {
		return nil, false, ErrStreamMismatch
	}
	if a.total == 0 {
		a.total = c.TotalChunks
	}
	if _, dup := a.parts[c.Sequence]; dup {
		return nil, false, nil
	}
	a.parts[c.Sequence] = c.Data
	a.received++
	if a.received < a.total {
		return nil, false, nil
	}

	var size int
	for _, p := range a.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for i := 0; i < a.total; i++ {
		out = append(out, a.parts[i]...)
	}
	return out, true, nil
}

// Missing returns how many chunks are still outstanding, or -1 before the
// first chunk arrives.
func (a *Assembler) Missing() int {
	if a.total == 0 {
		return -1
	}
	return a.total - a.received
}
