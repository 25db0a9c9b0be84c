package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel's remaining
// data is no longer needed (e.g., a media stream during call teardown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
