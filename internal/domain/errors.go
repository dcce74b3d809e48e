package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrDeviceNotFound     = errors.New("microphone not found")
	ErrEmptyCapture       = errors.New("no audio captured")
	ErrIdentityRequired   = errors.New("contributor identity required")
	ErrInvalidFormat      = errors.New("invalid contributor name")
	ErrNameCollision      = errors.New("contributor name already has recordings")
	ErrSessionBusy        = errors.New("a recording session is already active")
	ErrNetworkFailure     = errors.New("network failure")
	ErrRemoteRejected     = errors.New("remote store rejected the recording")
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrNoActiveSession = errors.New("no active recording session")
	ErrNothingToSubmit = errors.New("no recording ready for submission")
	ErrNoSentence      = errors.New("no sentence to record")
	ErrCaptureFailed   = errors.New("audio capture failed")
)

// ErrorCode identifies errors surfaced to the operator.
type ErrorCode string

const (
	ErrorCodePermissionDenied   ErrorCode = "permission_denied"
	ErrorCodeDeviceNotFound     ErrorCode = "device_not_found"
	ErrorCodeEmptyCapture       ErrorCode = "empty_capture"
	ErrorCodeIdentityRequired   ErrorCode = "identity_required"
	ErrorCodeInvalidFormat      ErrorCode = "invalid_format"
	ErrorCodeNameCollision      ErrorCode = "name_collision"
	ErrorCodeSessionBusy        ErrorCode = "session_busy"
	ErrorCodeNetworkFailure     ErrorCode = "network_failure"
	ErrorCodeRemoteRejected     ErrorCode = "remote_rejected"
	ErrorCodeBackendUnavailable ErrorCode = "backend_unavailable"
	ErrorCodeNoActiveSession    ErrorCode = "no_active_session"
	ErrorCodeNothingToSubmit    ErrorCode = "nothing_to_submit"
	ErrorCodeNoSentence         ErrorCode = "no_sentence"
	ErrorCodeCaptureFailed      ErrorCode = "capture_failed"
	ErrorCodeStartup            ErrorCode = "startup"
	ErrorCodeUnknown            ErrorCode = "unknown"
)

var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrPermissionDenied, ErrorCodePermissionDenied},
	{ErrDeviceNotFound, ErrorCodeDeviceNotFound},
	{ErrEmptyCapture, ErrorCodeEmptyCapture},
	{ErrIdentityRequired, ErrorCodeIdentityRequired},
	{ErrInvalidFormat, ErrorCodeInvalidFormat},
	{ErrNameCollision, ErrorCodeNameCollision},
	{ErrSessionBusy, ErrorCodeSessionBusy},
	{ErrNetworkFailure, ErrorCodeNetworkFailure},
	{ErrRemoteRejected, ErrorCodeRemoteRejected},
	{ErrBackendUnavailable, ErrorCodeBackendUnavailable},
	{ErrNoActiveSession, ErrorCodeNoActiveSession},
	{ErrNothingToSubmit, ErrorCodeNothingToSubmit},
	{ErrNoSentence, ErrorCodeNoSentence},
	{ErrCaptureFailed, ErrorCodeCaptureFailed},
}

// CodeOf maps an error to the code shown to the operator.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return ErrorCodeUnknown
}

// CollisionError reports that a candidate name matches an existing contributor.
type CollisionError struct {
	Candidate string
	Existing  DirectoryEntry
}

func (e *CollisionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %q matches %q with %d recordings", ErrNameCollision.Error(), e.Candidate, e.Existing.Name, e.Existing.Count)
}

func (e *CollisionError) Unwrap() error { return ErrNameCollision }
