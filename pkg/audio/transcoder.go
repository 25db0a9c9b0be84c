package audio

// Transcoder converts frames from a source PCM format to a destination PCM
// format: linear resampling when sample rates differ, pass-through copy when
// they match, and re-chunking to the destination's expected frame size. The
// internal residual buffer is private to the Transcoder, so each stream
// direction needs its own instance.
//
// Not safe for concurrent use; each direction's forwarding loop owns exactly
// one Transcoder.
type Transcoder struct {
	src     Format
	dst     Format
	dir     Direction
	chunker *Chunker
}

// NewTranscoder creates a Transcoder from src to dst format, emitting frames
// of dstChunkBytes bytes (zero disables re-chunking). Both formats must be
// mono; a *FormatError is returned otherwise.
func NewTranscoder(src, dst Format, dstChunkBytes int, dir Direction) (*Transcoder, error) {
	if src.Channels != 1 {
		return nil, &FormatError{SampleRate: src.SampleRate, Channels: src.Channels, Reason: "source must be mono"}
	}
	if dst.Channels != 1 {
		return nil, &FormatError{SampleRate: dst.SampleRate, Channels: dst.Channels, Reason: "destination must be mono"}
	}
	if src.SampleRate <= 0 || dst.SampleRate <= 0 {
		return nil, &FormatError{SampleRate: src.SampleRate, Channels: src.Channels, Reason: "sample rate must be positive"}
	}
	return &Transcoder{
		src:     src,
		dst:     dst,
		dir:     dir,
		chunker: NewChunker(dstChunkBytes),
	}, nil
}

// Process converts one input frame and returns zero or more destination-format
// frames, preserving sample order. A frame whose format does not match the
// configured source format yields a *FormatError; the caller should drop the
// frame and continue.
func (t *Transcoder) Process(frame Frame) ([]Frame, error) {
	if frame.Channels != t.src.Channels {
		return nil, &FormatError{SampleRate: frame.SampleRate, Channels: frame.Channels, Reason: "channel count mismatch"}
	}
	if frame.SampleRate != t.src.SampleRate {
		return nil, &FormatError{SampleRate: frame.SampleRate, Channels: frame.Channels, Reason: "sample rate mismatch"}
	}
	if len(frame.Data)%2 != 0 {
		return nil, &FormatError{SampleRate: frame.SampleRate, Channels: frame.Channels, Reason: "odd byte count for int16 PCM"}
	}

	pcm := ResampleMono16(frame.Data, t.src.SampleRate, t.dst.SampleRate)
	chunks := t.chunker.Push(pcm)
	if len(chunks) == 0 {
		return nil, nil
	}

	out := make([]Frame, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, Frame{
			Data:       chunk,
			SampleRate: t.dst.SampleRate,
			Channels:   t.dst.Channels,
			Direction:  t.dir,
			Timestamp:  frame.Timestamp,
		})
	}
	return out, nil
}

// Reset discards any buffered residual. Used when a stream is cut mid-chunk
// and the tail must not leak into the next stream.
func (t *Transcoder) Reset() {
	t.chunker.Flush()
}

// Flush drains the residual buffer as a final short frame. Returns false when
// nothing is pending.
func (t *Transcoder) Flush() (Frame, bool) {
	rest := t.chunker.Flush()
	if len(rest) == 0 {
		return Frame{}, false
	}
	return Frame{
		Data:       rest,
		SampleRate: t.dst.SampleRate,
		Channels:   t.dst.Channels,
		Direction:  t.dir,
	}, true
}
