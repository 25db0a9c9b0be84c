package audio_test

import (
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
)

func TestDrain_ConsumesUntilClose(t *testing.T) {
	ch := make(chan audio.Frame, 8)
	for range 8 {
		ch <- audio.Frame{Data: []byte{0, 0}}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		audio.Drain(ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after channel close")
	}
}

func TestDrain_UnblocksSender(t *testing.T) {
	ch := make(chan audio.Frame)

	sent := make(chan struct{})
	go func() {
		// Unbuffered: this send only completes once a reader shows up.
		ch <- audio.Frame{Data: []byte{1, 0}}
		close(ch)
		close(sent)
	}()
	go audio.Drain(ch)

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Drain did not release the blocked sender")
	}
}
