package usecase

import (
	"time"
)

// pumpAudioChunks drains the device stream into the session buffer until the
// device closes it.
func pumpAudioChunks(chunks <-chan []byte, buffer *chunkBuffer, done chan struct{}) {
	defer close(done)

	for chunk := range chunks {
		buffer.Append(chunk)
	}
}

// waitForPump waits for the pump to finish. On timeout it runs release, which
// must end the chunk stream, and waits again.
func waitForPump(done <-chan struct{}, timeout time.Duration, release func()) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		release()
		<-done
		return false
	}
}
