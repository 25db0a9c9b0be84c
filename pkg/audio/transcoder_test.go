package audio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/voxgate/voxgate/pkg/audio"
)

func mustTranscoder(t *testing.T, src, dst audio.Format, chunkBytes int) *audio.Transcoder {
	t.Helper()
	tc, err := audio.NewTranscoder(src, dst, chunkBytes, audio.CallerToAI)
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	return tc
}

func TestNewTranscoder_RejectsNonMono(t *testing.T) {
	_, err := audio.NewTranscoder(
		audio.Format{SampleRate: 16000, Channels: 2},
		audio.Format{SampleRate: 24000, Channels: 1},
		0, audio.CallerToAI,
	)
	var fe *audio.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FormatError, got %v", err)
	}
}

func TestTranscoder_PassThroughSameFormat(t *testing.T) {
	fmt16 := audio.Format{SampleRate: 16000, Channels: 1}
	tc := mustTranscoder(t, fmt16, fmt16, 0)

	in := audio.Frame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 16000, Channels: 1}
	out, err := tc.Process(in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	if !bytes.Equal(out[0].Data, in.Data) {
		t.Errorf("same-format conversion must be byte-identical")
	}
}

func TestTranscoder_UpsampleRatio(t *testing.T) {
	// 50 frames of 320 samples at 16kHz → frames at the AI leg totalling 1.5x
	// the input sample count within rounding tolerance.
	tc := mustTranscoder(t,
		audio.Format{SampleRate: 16000, Channels: 1},
		audio.Format{SampleRate: 24000, Channels: 1},
		960, // 20ms at 24kHz
	)

	inSamples, outSamples := 0, 0
	frame := audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	for range 50 {
		inSamples += frame.Samples()
		out, err := tc.Process(frame)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		for _, f := range out {
			if f.SampleRate != 24000 {
				t.Fatalf("output sample rate: got %d, want 24000", f.SampleRate)
			}
			outSamples += f.Samples()
		}
	}
	if rest, ok := tc.Flush(); ok {
		outSamples += rest.Samples()
	}

	want := inSamples * 3 / 2
	if diff := outSamples - want; diff < -50 || diff > 50 {
		t.Fatalf("output samples: got %d, want ~%d", outSamples, want)
	}
}

func TestTranscoder_RejectsMismatchedFrame(t *testing.T) {
	tc := mustTranscoder(t,
		audio.Format{SampleRate: 16000, Channels: 1},
		audio.Format{SampleRate: 24000, Channels: 1},
		0,
	)

	cases := []struct {
		name  string
		frame audio.Frame
	}{
		{"wrong rate", audio.Frame{Data: make([]byte, 4), SampleRate: 8000, Channels: 1}},
		{"stereo", audio.Frame{Data: make([]byte, 4), SampleRate: 16000, Channels: 2}},
		{"odd bytes", audio.Frame{Data: make([]byte, 3), SampleRate: 16000, Channels: 1}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.Process(tt.frame)
			var fe *audio.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FormatError, got %v", err)
			}
		})
	}
}

func TestTranscoder_OrderPreserved(t *testing.T) {
	fmt16 := audio.Format{SampleRate: 16000, Channels: 1}
	tc := mustTranscoder(t, fmt16, fmt16, 4)

	var got []byte
	for i := range 10 {
		frame := audio.Frame{
			Data:       []byte{byte(i), 0, byte(i + 100), 0, byte(i + 200), 0},
			SampleRate: 16000, Channels: 1,
		}
		out, err := tc.Process(frame)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		for _, f := range out {
			got = append(got, f.Data...)
		}
	}
	if rest, ok := tc.Flush(); ok {
		got = append(got, rest.Data...)
	}

	var want []byte
	for i := range 10 {
		want = append(want, byte(i), 0, byte(i+100), 0, byte(i+200), 0)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("byte order not preserved across re-chunking")
	}
}
