package main

import (
	"fmt"
	"io"
	"sync"

	"readaloud/internal/domain"
)

// consoleSink prints session events for the terminal and signals the record
// loop when a take ends or the session is ready for the next sentence.
type consoleSink struct {
	mu           sync.Mutex
	out          io.Writer
	showProgress bool
	ended        chan domain.SessionState
	ready        chan struct{}
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{
		out:       out,
		ended:     make(chan domain.SessionState, 1),
		ready:     make(chan struct{}, 1),
	}
}

func (c *consoleSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	switch reason {
	case domain.SessionReasonAutoStopped:
		c.printf("time limit reached, recording stopped\n")
	case domain.SessionReasonEmptyCapture:
		c.printf("no audio was captured\n")
	case domain.SessionReasonCaptureEnded:
		c.printf("the microphone stopped delivering audio\n")
	case domain.SessionReasonBackendUnavailable:
		c.printf("the corpus store is unavailable; recording is disabled\n")
	case domain.SessionReasonBackendRestored:
		c.printf("the corpus store is reachable again\n")
	}

	if reason == domain.SessionReasonReady {
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
	if state == domain.SessionStateStopped || state == domain.SessionStateIdle {
		select {
		case c.ended <- state:
		default:
		}
	}
}

func (c *consoleSink) SessionError(code domain.ErrorCode, detail string) {
	if detail == "" {
		c.printf("error: %s\n", code)
		return
	}
	c.printf("error: %s: %s\n", code, detail)
}

func (c *consoleSink) SentenceChanged(domain.SentenceTask) {}

func (c *consoleSink) ProgressUpdated(snapshot domain.ProgressSnapshot) {
	if !c.showProgress || snapshot.Stale || snapshot.Global.TotalCount == 0 {
		return
	}
	c.printf("progress: %d/%d recorded (%.1f%%)\n",
		snapshot.Global.RecordedCount, snapshot.Global.TotalCount, snapshot.Global.ProgressPercent)
}

func (c *consoleSink) IdentityChanged(identity domain.ContributorIdentity, bound bool) {
	if bound {
		c.printf("contributor: %s\n", identity.Name)
	}
}

// reset drops a pending end signal left over from an earlier take.
func (c *consoleSink) reset() {
	select {
	case <-c.ended:
	default:
	}
}

func (c *consoleSink) resetReady() {
	select {
	case <-c.ready:
	default:
	}
}

func (c *consoleSink) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
