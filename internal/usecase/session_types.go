package usecase

import (
	"bytes"
	"sync"
	"time"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

type stopCause int

const (
	stopManual stopCause = iota
	stopDeadline
	stopDeviceEnded
)

func (c stopCause) reason() domain.SessionStateReason {
	switch c {
	case stopDeadline:
		return domain.SessionReasonAutoStopped
	case stopDeviceEnded:
		return domain.SessionReasonCaptureEnded
	default:
		return domain.SessionReasonRecordingStopped
	}
}

// activeSession is one pass through Recording. It owns the device, the
// chunk buffer and the deadline until it is detached from the controller.
type activeSession struct {
	seq       uint64
	device    ports.AudioDevice
	mimeType  string
	task      domain.SentenceTask
	startedAt time.Time
	deadline  *deadline
	chunks    *chunkBuffer
	pumpDone  chan struct{}
}

func newActiveSession(seq uint64, device ports.AudioDevice, mimeType string, task domain.SentenceTask, startedAt time.Time, clock ports.Clock) *activeSession {
	return &activeSession{
		seq:       seq,
		device:    device,
		mimeType:  mimeType,
		task:      task,
		startedAt: startedAt,
		deadline:  newDeadline(clock),
		chunks:    &chunkBuffer{},
		pumpDone:  make(chan struct{}),
	}
}

// artifact concatenates the captured chunks. Duration is capped at limit.
func (s *activeSession) artifact(stoppedAt time.Time, limit time.Duration, auto bool) domain.AudioArtifact {
	duration := stoppedAt.Sub(s.startedAt)
	if limit > 0 && duration > limit {
		duration = limit
		stoppedAt = s.startedAt.Add(limit)
	}
	if duration < 0 {
		duration = 0
	}
	return domain.AudioArtifact{
		Data:        s.chunks.Bytes(),
		MimeType:    s.mimeType,
		Duration:    duration,
		StartedAt:   s.startedAt,
		StoppedAt:   stoppedAt,
		AutoStopped: auto,
	}
}

// chunkBuffer is the append-only accumulation of captured chunks.
type chunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

func (b *chunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

func (b *chunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *chunkBuffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *chunkBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil
	}
	return bytes.Join(b.chunks, nil)
}
