package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it on a capture frame channel nobody will read, so a backend that is
// still shutting down never blocks on a send.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
