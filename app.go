package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"readaloud/internal/audio"
	"readaloud/internal/bootstrap"
	"readaloud/internal/domain"
)

const (
	eventSession  = "readaloud:session"
	eventError    = "readaloud:error"
	eventSentence = "readaloud:sentence"
	eventProgress = "readaloud:progress"
	eventIdentity = "readaloud:identity"
)

// App is the Wails application root.
type App struct {
	ctx        context.Context
	configPath string

	services bootstrap.Services
	ready    bool
	bootErr  error
}

func NewApp(configPath string) *App {
	return &App{configPath: configPath}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a.configPath, a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	a.services = services
	a.ready = true

	if err := services.Start(ctx); err != nil {
		a.bootErr = err
		a.ready = false
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	a.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonReady)
}

func (a *App) shutdown(_ context.Context) {
	if a.ready {
		_ = a.services.Logger.Sync()
	}
}

// IdentityView is the identity state shown in the header.
type IdentityView struct {
	Name    string `json:"name"`
	Bound   bool   `json:"bound"`
	Editing bool   `json:"editing"`
}

// ClaimResult reports either the bound identity or a collision that needs
// the operator's confirmation.
type ClaimResult struct {
	Identity  IdentityView           `json:"identity"`
	Collision *domain.DirectoryEntry `json:"collision,omitempty"`
}

// GetIdentity returns the bound identity.
func (a *App) GetIdentity() IdentityView {
	if !a.ready {
		return IdentityView{}
	}
	identity, bound := a.services.Identity.Current()
	return IdentityView{Name: identity.Name, Bound: bound, Editing: a.services.Identity.Editing()}
}

// ValidateName checks the format of a candidate name without binding it.
func (a *App) ValidateName(name string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Identity.Validate(name)
}

// ClaimIdentity binds name. A name that already has recordings is returned as
// a collision unless confirm is set, in which case the existing contributor
// is resumed.
func (a *App) ClaimIdentity(name string, confirm bool) (ClaimResult, error) {
	if err := a.requireReady(); err != nil {
		return ClaimResult{}, err
	}
	if _, bound := a.services.Identity.Current(); bound {
		return ClaimResult{}, errors.New("identity already bound; edit it first")
	}
	identity, err := a.services.Identity.Claim(a.ctx, strings.TrimSpace(name), confirm)
	if err != nil {
		var collision *domain.CollisionError
		if errors.As(err, &collision) {
			existing := collision.Existing
			return ClaimResult{Collision: &existing}, nil
		}
		a.SessionError(domain.CodeOf(err), err.Error())
		return ClaimResult{}, err
	}

	a.services.Progress.Refresh(a.ctx)
	return ClaimResult{Identity: IdentityView{Name: identity.Name, Bound: true}}, nil
}

// EditIdentity unbinds the identity until a new name is claimed.
func (a *App) EditIdentity() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if a.services.Controller.Status().Active {
		return domain.ErrSessionBusy
	}
	a.services.Identity.BeginEdit()
	return nil
}

// CancelEditIdentity restores the identity bound before EditIdentity.
func (a *App) CancelEditIdentity() IdentityView {
	if !a.ready {
		return IdentityView{}
	}
	identity, bound := a.services.Identity.CancelEdit()
	return IdentityView{Name: identity.Name, Bound: bound}
}

// StartRecording opens the microphone and starts recording the current sentence.
func (a *App) StartRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.services.Controller.Start(a.ctx); err != nil {
		return a.services.Controller.Status(), err
	}
	return a.services.Controller.Status(), nil
}

// RecordingView is the artifact under review, with its audio as a data URL
// for playback.
type RecordingView struct {
	MimeType    string `json:"mimeType"`
	DurationMS  int64  `json:"durationMs"`
	Size        int    `json:"size"`
	AutoStopped bool   `json:"autoStopped"`
	DataURL     string `json:"dataUrl"`
}

// StopRecording ends recording and returns the clip for review.
func (a *App) StopRecording() (RecordingView, error) {
	if err := a.requireReady(); err != nil {
		return RecordingView{}, err
	}
	artifact, err := a.services.Controller.Stop()
	if err != nil {
		return RecordingView{}, err
	}
	return recordingView(artifact), nil
}

// GetRecording returns the clip under review, including after an auto-stop.
func (a *App) GetRecording() (RecordingView, error) {
	if err := a.requireReady(); err != nil {
		return RecordingView{}, err
	}
	artifact, ok := a.services.Controller.Artifact()
	if !ok {
		return RecordingView{}, domain.ErrNothingToSubmit
	}
	return recordingView(artifact), nil
}

// SubmitRecording uploads the clip under review.
func (a *App) SubmitRecording() (domain.SubmissionAttempt, error) {
	if err := a.requireReady(); err != nil {
		return domain.SubmissionAttempt{}, err
	}
	attempt, err := a.services.Controller.Submit(a.ctx)
	attempt.Artifact.Data = nil
	return attempt, err
}

// DiscardRecording drops the clip under review.
func (a *App) DiscardRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Controller.Discard()
}

// SkipSentence moves on to another sentence.
func (a *App) SkipSentence() (domain.SentenceTask, error) {
	if err := a.requireReady(); err != nil {
		return domain.SentenceTask{}, err
	}
	return a.services.Controller.Skip(a.ctx)
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if !a.ready {
		status := domain.Status{State: domain.SessionStateIdle}
		if a.bootErr != nil {
			status.Message = a.bootErr.Error()
		}
		return status
	}
	return a.services.Controller.Status()
}

// GetProgress returns the last known sentence and counters.
func (a *App) GetProgress() domain.ProgressSnapshot {
	if !a.ready {
		return domain.ProgressSnapshot{}
	}
	return a.services.Progress.Snapshot()
}

// RefreshProgress reloads the counters.
func (a *App) RefreshProgress() domain.ProgressSnapshot {
	if !a.ready {
		return domain.ProgressSnapshot{}
	}
	return a.services.Progress.Refresh(a.ctx)
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if !a.ready {
		return map[string]string{}
	}

	return runtimeInfo(a.services)
}

func runtimeInfo(services bootstrap.Services) map[string]string {
	cfg := services.Config
	info := map[string]string{
		"remote":       cfg.Remote.BaseURL,
		"audioBackend": cfg.Audio.Backend,
		"maxDuration":  cfg.Session.MaxDuration.String(),
		"formats":      strings.Join(cfg.Audio.Formats, ","),
	}
	if services.Bridge != nil {
		info["bridgeAddr"] = cfg.Audio.BridgeAddr
		info["bridgeConnected"] = strconv.FormatBool(services.Bridge.Connected())
	} else {
		info["audioInput"] = cfg.Audio.InputDevice
		info["audioInputFormat"] = cfg.Audio.InputFormat
		info["captureFormats"] = strings.Join(audio.SupportedFormats(), ",")
	}
	return info
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if !a.ready {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func recordingView(artifact domain.AudioArtifact) RecordingView {
	mimeType := artifact.MimeType
	return RecordingView{
		MimeType:    mimeType,
		DurationMS:  artifact.Duration.Milliseconds(),
		Size:        artifact.Size(),
		AutoStopped: artifact.AutoStopped,
		DataURL:     "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(artifact.Data),
	}
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": sessionReasonMessage(reason),
	})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	if a.ready {
		a.services.Logger.Debug("session error", zap.String("code", string(code)), zap.String("detail", detail))
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func (a *App) SentenceChanged(task domain.SentenceTask) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSentence, task)
}

func (a *App) ProgressUpdated(snapshot domain.ProgressSnapshot) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventProgress, snapshot)
}

func (a *App) IdentityChanged(identity domain.ContributorIdentity, bound bool) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventIdentity, map[string]any{
		"name":    identity.Name,
		"bound":   bound,
		"boundAt": identity.BoundAt.Format(time.RFC3339),
	})
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonReady:
		return "Ready to record"
	case domain.SessionReasonRequestingMic:
		return "Waiting for microphone access..."
	case domain.SessionReasonRecordingStarted:
		return "Recording... read the sentence aloud"
	case domain.SessionReasonRecordingRestarted:
		return "Recording again; previous take discarded"
	case domain.SessionReasonRecordingStopped:
		return "Recording stopped. Review and submit"
	case domain.SessionReasonAutoStopped:
		return "Time limit reached. Review and submit"
	case domain.SessionReasonCaptureEnded:
		return "Microphone stopped. Review and submit"
	case domain.SessionReasonCaptureFailed:
		return "Microphone unavailable"
	case domain.SessionReasonEmptyCapture:
		return "No audio was captured"
	case domain.SessionReasonRecordingDiscarded:
		return "Recording discarded"
	case domain.SessionReasonUploading:
		return "Uploading..."
	case domain.SessionReasonSubmitted:
		return "Recording submitted"
	case domain.SessionReasonSubmitFailed:
		return "Upload failed; your recording is kept"
	case domain.SessionReasonBackendUnavailable:
		return "Storage unavailable; recording disabled"
	case domain.SessionReasonBackendRestored:
		return "Storage available again"
	case domain.SessionReasonSentenceSkipped:
		return "Sentence skipped"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermissionDenied:
		return "Microphone permission denied"
	case domain.ErrorCodeDeviceNotFound:
		return "No microphone found"
	case domain.ErrorCodeEmptyCapture:
		return "No audio captured; please try again"
	case domain.ErrorCodeIdentityRequired:
		return "Enter your name before recording"
	case domain.ErrorCodeInvalidFormat:
		return "Names may only use letters, digits and underscores"
	case domain.ErrorCodeNameCollision:
		return "That name already has recordings"
	case domain.ErrorCodeSessionBusy:
		return "A recording is already in progress"
	case domain.ErrorCodeNetworkFailure:
		return "Network error; please retry"
	case domain.ErrorCodeRemoteRejected:
		return "The server did not accept the recording"
	case domain.ErrorCodeBackendUnavailable:
		return "Storage is unavailable"
	case domain.ErrorCodeCaptureFailed:
		return "Audio capture failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
