package domain

import "time"

// SessionState models the recording lifecycle for one sentence.
type SessionState string

const (
	SessionStateIdle               SessionState = "idle"
	SessionStateAwaitingPermission SessionState = "awaiting_permission"
	SessionStateRecording          SessionState = "recording"
	SessionStateStopped            SessionState = "stopped"
	SessionStateSubmitting         SessionState = "submitting"
	SessionStateCompleted          SessionState = "completed"
)

// Active reports whether the state holds the session slot.
func (s SessionState) Active() bool {
	switch s {
	case SessionStateAwaitingPermission, SessionStateRecording, SessionStateSubmitting, SessionStateCompleted:
		return true
	default:
		return false
	}
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonReady              SessionStateReason = "ready"
	SessionReasonRequestingMic      SessionStateReason = "requesting_microphone"
	SessionReasonRecordingStarted   SessionStateReason = "recording_started"
	SessionReasonRecordingRestarted SessionStateReason = "recording_restarted"
	SessionReasonRecordingStopped   SessionStateReason = "recording_stopped"
	SessionReasonAutoStopped        SessionStateReason = "auto_stopped"
	SessionReasonCaptureEnded       SessionStateReason = "capture_ended"
	SessionReasonCaptureFailed      SessionStateReason = "capture_failed"
	SessionReasonEmptyCapture       SessionStateReason = "empty_capture"
	SessionReasonRecordingDiscarded SessionStateReason = "recording_discarded"
	SessionReasonUploading          SessionStateReason = "uploading"
	SessionReasonSubmitted          SessionStateReason = "submitted"
	SessionReasonSubmitFailed       SessionStateReason = "submit_failed"
	SessionReasonBackendUnavailable SessionStateReason = "backend_unavailable"
	SessionReasonBackendRestored    SessionStateReason = "backend_restored"
	SessionReasonSentenceSkipped    SessionStateReason = "sentence_skipped"
)

// ContributorIdentity is the persisted contributor name bound to submissions.
type ContributorIdentity struct {
	Name    string    `json:"name" yaml:"name"`
	BoundAt time.Time `json:"boundAt" yaml:"bound_at"`
}

// DirectoryEntry is one known contributor in the remote directory.
type DirectoryEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// SentenceTask is the sentence currently offered for recording.
type SentenceTask struct {
	Text       string `json:"text"`
	IsTerminal bool   `json:"isTerminal"`
	Remaining  int    `json:"remaining"`
}

// AudioArtifact is the immutable payload produced by one completed recording.
type AudioArtifact struct {
	Data        []byte        `json:"-"`
	MimeType    string        `json:"mimeType"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"startedAt"`
	StoppedAt   time.Time     `json:"stoppedAt"`
	AutoStopped bool          `json:"autoStopped"`
}

// Size returns the payload length in bytes.
func (a AudioArtifact) Size() int {
	return len(a.Data)
}

// Empty reports whether the artifact must never be surfaced for review or upload.
func (a AudioArtifact) Empty() bool {
	return len(a.Data) == 0 || a.Duration <= 0
}

// SubmissionOutcome is the resolution of one upload attempt.
type SubmissionOutcome string

const (
	SubmissionPending SubmissionOutcome = "pending"
	SubmissionSuccess SubmissionOutcome = "success"
	SubmissionFailure SubmissionOutcome = "failure"
)

// SubmissionAttempt is a transient record of one upload.
type SubmissionAttempt struct {
	ID        string              `json:"id"`
	Artifact  AudioArtifact       `json:"artifact"`
	Sentence  SentenceTask        `json:"sentence"`
	Identity  ContributorIdentity `json:"identity"`
	Outcome   SubmissionOutcome   `json:"outcome"`
	ErrorKind ErrorCode           `json:"errorKind,omitempty"`
	Filename  string              `json:"filename,omitempty"`
}

// Upload is the single unit sent to the submission endpoint.
type Upload struct {
	AttemptID    string
	Audio        []byte
	MimeType     string
	Duration     time.Duration
	SentenceText string
	IdentityName string
}

// UploadReceipt is the remote verdict for an upload.
type UploadReceipt struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Stats are the global script counters.
type Stats struct {
	TotalCount      int     `json:"totalCount"`
	RecordedCount   int     `json:"recordedCount"`
	RemainingCount  int     `json:"remainingCount"`
	ProgressPercent float64 `json:"progressPercent"`
}

// ContributorStats are the counters for one identity.
type ContributorStats struct {
	Name           string `json:"name"`
	RecordingCount int    `json:"recordingCount"`
}

// ProgressSnapshot is the last known sentence and counters.
type ProgressSnapshot struct {
	Task      SentenceTask     `json:"task"`
	HasTask   bool             `json:"hasTask"`
	Completed bool             `json:"completed"`
	Global    Stats            `json:"global"`
	Personal  ContributorStats `json:"personal"`
	Stale     bool             `json:"stale"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Health is the backing store health report.
type Health struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Status summarizes the current runtime status.
type Status struct {
	State            SessionState `json:"state"`
	Active           bool         `json:"active"`
	MimeType         string       `json:"mimeType,omitempty"`
	HasArtifact      bool         `json:"hasArtifact"`
	ArtifactDuration int64        `json:"artifactDurationMs,omitempty"`
	BackendAvailable bool         `json:"backendAvailable"`
	Identity         string       `json:"identity,omitempty"`
	Message          string       `json:"message,omitempty"`
}
