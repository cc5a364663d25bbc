package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer must be unblocked but
// its output is no longer wanted (e.g., the Frames channel of a source that
// was stopped during teardown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
