package ports

import (
	"context"
	"time"

	"readaloud/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
	ChunkSize   int
}

// AudioDevice is an opened microphone. Chunks are delivered in capture order
// and the channel is closed once the device stops or fails.
type AudioDevice interface {
	NegotiateFormat(candidates []string) string
	Start(ctx context.Context, mimeType string) error
	Chunks() <-chan []byte
	Stop() error
	Close() error
	Err() error
}

// AudioCapture opens exclusive microphone handles.
type AudioCapture interface {
	Open(ctx context.Context) (AudioDevice, error)
}

// Timer is a pending deferred action.
type Timer interface {
	Stop() bool
}

// Clock supplies time and deferred actions.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SentenceFeed hands out the next sentence to record.
type SentenceFeed interface {
	Next(ctx context.Context) (domain.SentenceTask, error)
}

// StatsSource exposes global and per-contributor counters.
type StatsSource interface {
	GlobalStats(ctx context.Context) (domain.Stats, error)
	ContributorStats(ctx context.Context, name string) (domain.ContributorStats, error)
}

// IdentityDirectory lists contributors known to the remote store.
type IdentityDirectory interface {
	ListContributors(ctx context.Context) ([]domain.DirectoryEntry, error)
}

// Uploader sends one recording to the remote store.
type Uploader interface {
	Upload(ctx context.Context, upload domain.Upload) (domain.UploadReceipt, error)
}

// HealthProbe reports whether the backing store is reachable.
type HealthProbe interface {
	Health(ctx context.Context) (domain.Health, error)
}

// IdentityStore persists the bound identity across runs.
type IdentityStore interface {
	Load() (domain.ContributorIdentity, bool, error)
	Save(identity domain.ContributorIdentity) error
}

// IdentitySource yields the currently bound identity, if any.
type IdentitySource interface {
	Current() (domain.ContributorIdentity, bool)
}

// TaskSource yields the sentence currently offered for recording.
type TaskSource interface {
	Current() (domain.SentenceTask, bool)
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	SessionError(code domain.ErrorCode, detail string)
	SentenceChanged(task domain.SentenceTask)
	ProgressUpdated(snapshot domain.ProgressSnapshot)
	IdentityChanged(identity domain.ContributorIdentity, bound bool)
}
