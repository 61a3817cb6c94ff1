package tts

import (
	"bytes"
	"testing"

	tp "github.com/MrWong99/claudmaster/pkg/provider/tts"
)

func TestSplit(t *testing.T) {
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	audio := &tp.Audio{Format: tp.FormatPCM16, SampleRate: 16000, Data: data}

	chunks := Split("s-1", audio, 4)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.StreamID != "s-1" || c.Sequence != i || c.TotalChunks != 3 {
			t.Errorf("chunks[%d] = %+v", i, c)
		}
		if c.Format != tp.FormatPCM16 || c.SampleRate != 16000 {
			t.Errorf("chunks[%d] format = %q rate = %d", i, c.Format, c.SampleRate)
		}
	}
	if len(chunks[2].Data) != 2 {
		t.Errorf("last chunk len = %d, want 2", len(chunks[2].Data))
	}
}

func TestSplit_AlignsPCMToSamples(t *testing.T) {
	audio := &tp.Audio{Format: tp.FormatPCM16, SampleRate: 16000, Data: make([]byte, 10)}
	chunks := Split("s-1", audio, 5)
	// Odd chunk size rounds down to 4 so no sample is torn across chunks.
	for i, c := range chunks[:len(chunks)-1] {
		if len(c.Data)%2 != 0 {
			t.Errorf("chunks[%d] len = %d, not sample aligned", i, len(c.Data))
		}
	}
}

func TestSplit_TinyPCMChunkSize(t *testing.T) {
	audio := &tp.Audio{Format: tp.FormatPCM16, SampleRate: 16000, Data: make([]byte, 6)}
	// A chunk size below one sample clamps to a whole sample.
	chunks := Split("s-1", audio, 1)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Data) != 2 {
			t.Errorf("chunks[%d] len = %d, want 2", i, len(c.Data))
		}
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := Split("s-1", nil, 4); got != nil {
		t.Errorf("Split(nil) = %v", got)
	}
	if got := Split("s-1", &tp.Audio{}, 4); got != nil {
		t.Errorf("Split(empty) = %v", got)
	}
}

func TestAssembler_OutOfOrder(t *testing.T) {
	data := []byte("the quick brown fox")
	audio := &tp.Audio{Format: tp.FormatPCM16, SampleRate: 16000, Data: data}
	chunks := Split("s-1", audio, 4)

	a := NewAssembler("s-1")
	// Deliver in reverse order.
	var got []byte
	var done bool
	for i := len(chunks) - 1; i >= 0; i-- {
		var err error
		got, done, err = a.Add(chunks[i])
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if i > 0 && done {
			t.Fatal("done before all chunks arrived")
		}
	}
	if !done {
		t.Fatal("not done after all chunks")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("reassembled = %q, want %q", got, data)
	}
}

func TestAssembler_DuplicatesIgnored(t *testing.T) {
	audio := &tp.Audio{Format: tp.FormatPCM16, SampleRate: 16000, Data: []byte("abcdef")}
	chunks := Split("s-1", audio, 2)

	a := NewAssembler("s-1")
	a.Add(chunks[0])
	if _, done, _ := a.Add(chunks[0]); done {
		t.Fatal("duplicate advanced completion")
	}
	if a.Missing() != 2 {
		t.Errorf("Missing() = %d, want 2", a.Missing())
	}
}

func TestAssembler_StreamMismatch(t *testing.T) {
	a := NewAssembler("s-1")
	_, _, err := a.Add(Chunk{StreamID: "s-2", TotalChunks: 1})
	if err == nil {
		t.Fatal("Add(other stream) error = nil")
	}
}
