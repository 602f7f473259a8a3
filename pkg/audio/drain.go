package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer's channel is no longer
// consumed (e.g. the event channel of a remote session that was opened after
// the caller gave up on it).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
