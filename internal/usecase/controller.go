package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

const (
	DefaultMaxDuration  = 20 * time.Second
	DefaultFormat       = "audio/webm"
	DefaultDrainTimeout = 2 * time.Second
)

// DefaultFormats is the codec preference order offered to the device.
var DefaultFormats = []string{
	"audio/webm",
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/mp4",
}

// Config controls recording behavior.
type Config struct {
	MaxDuration   time.Duration
	Formats       []string
	DefaultFormat string
	DrainTimeout  time.Duration
}

// Dependencies are the collaborators of a SessionController.
type Dependencies struct {
	Capture  ports.AudioCapture
	Identity ports.IdentitySource
	Tasks    ports.TaskSource
	Advancer Advancer
	Pipeline *SubmissionPipeline
	Health   ports.HealthProbe
	Events   ports.EventSink
	Clock    ports.Clock
	Logger   *zap.Logger
}

// SessionController runs the recording lifecycle for one sentence at a time.
type SessionController struct {
	capture  ports.AudioCapture
	identity ports.IdentitySource
	tasks    ports.TaskSource
	advancer Advancer
	pipeline *SubmissionPipeline
	health   ports.HealthProbe
	events   ports.EventSink
	clock    ports.Clock
	logger   *zap.Logger
	cfg      Config

	// emitMu pairs each state change with its event so listeners observe
	// changes in the order they happened. Lock order: emitMu, then mu.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       domain.SessionState
	seq         uint64
	current     *activeSession
	mimeType    string
	review      *domain.AudioArtifact
	reviewTask  domain.SentenceTask
	submitSeq   uint64
	advancing   uint64
	advanced    bool
	needTask    bool
	backendDown bool
	backendErr  string
}

func NewSessionController(deps Dependencies, cfg Config) *SessionController {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = append([]string(nil), DefaultFormats...)
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = DefaultFormat
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &SessionController{
		capture:  deps.Capture,
		identity: deps.Identity,
		tasks:    deps.Tasks,
		advancer: deps.Advancer,
		pipeline: deps.Pipeline,
		health:   deps.Health,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger.With(zap.String("component", "session")),
		cfg:      cfg,
		state:    domain.SessionStateIdle,
	}
}

var allowedTransitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionStateIdle:               {domain.SessionStateAwaitingPermission},
	domain.SessionStateAwaitingPermission: {domain.SessionStateRecording, domain.SessionStateIdle},
	domain.SessionStateRecording:          {domain.SessionStateStopped, domain.SessionStateIdle},
	domain.SessionStateStopped:            {domain.SessionStateSubmitting, domain.SessionStateIdle},
	domain.SessionStateSubmitting:         {domain.SessionStateCompleted, domain.SessionStateStopped},
	domain.SessionStateCompleted:          {domain.SessionStateIdle},
}

func isAllowedTransition(from, to domain.SessionState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionLocked moves the machine to state. Callers hold c.mu.
func (c *SessionController) transitionLocked(to domain.SessionState) {
	if !isAllowedTransition(c.state, to) {
		c.logger.Error("disallowed session transition",
			zap.String("from", string(c.state)), zap.String("to", string(to)))
	}
	c.state = to
}

// Start requests the microphone and begins recording the current sentence.
// Starting from Stopped discards the artifact under review. The sentence is
// fixed for the take at this point.
func (c *SessionController) Start(ctx context.Context) error {
	c.emitMu.Lock()
	c.mu.Lock()
	task, err := c.checkStartLocked()
	if err != nil {
		c.mu.Unlock()
		c.emitMu.Unlock()
		c.reportError(err)
		return err
	}
	restarted := c.review != nil
	if c.state == domain.SessionStateStopped {
		c.review = nil
		c.reviewTask = domain.SentenceTask{}
		c.transitionLocked(domain.SessionStateIdle)
	}
	c.seq++
	seq := c.seq
	c.mimeType = ""
	c.transitionLocked(domain.SessionStateAwaitingPermission)
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateAwaitingPermission, domain.SessionReasonRequestingMic)
	c.emitMu.Unlock()

	device, mimeType, err := c.openDevice(ctx)
	if err != nil {
		c.logger.Warn("microphone unavailable", zap.Error(err))
		c.setState(domain.SessionStateIdle, domain.SessionReasonCaptureFailed, nil)
		c.reportError(err)
		return err
	}

	active := newActiveSession(seq, device, mimeType, task, c.clock.Now(), c.clock)
	reason := domain.SessionReasonRecordingStarted
	if restarted {
		reason = domain.SessionReasonRecordingRestarted
	}

	// The Recording event goes out before the pump or the deadline can end
	// the take.
	c.emitMu.Lock()
	c.mu.Lock()
	c.current = active
	c.mimeType = mimeType
	c.transitionLocked(domain.SessionStateRecording)
	active.deadline.Arm(c.cfg.MaxDuration, func() { c.endFromDeadline(active) })
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateRecording, reason)
	c.emitMu.Unlock()

	go func() {
		pumpAudioChunks(device.Chunks(), active.chunks, active.pumpDone)
		c.endFromDevice(active)
	}()

	c.logger.Info("recording started",
		zap.Uint64("session", seq), zap.String("mimeType", mimeType), zap.String("sentence", task.Text))
	return nil
}

// setState applies a transition and emits it as one step. apply, when set,
// runs under mu before the transition.
func (c *SessionController) setState(to domain.SessionState, reason domain.SessionStateReason, apply func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if apply != nil {
		apply()
	}
	c.transitionLocked(to)
	c.mu.Unlock()
	c.events.SessionStateChanged(to, reason)
}

func (c *SessionController) checkStartLocked() (domain.SentenceTask, error) {
	if c.backendDown {
		return domain.SentenceTask{}, fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, c.backendErr)
	}
	if _, ok := c.identity.Current(); !ok {
		return domain.SentenceTask{}, domain.ErrIdentityRequired
	}
	if c.state.Active() {
		return domain.SentenceTask{}, domain.ErrSessionBusy
	}
	if c.needTask {
		return domain.SentenceTask{}, fmt.Errorf("%w: the next sentence could not be loaded", domain.ErrNoSentence)
	}
	if c.tasks == nil {
		return domain.SentenceTask{}, nil
	}
	task, ok := c.tasks.Current()
	if !ok {
		return domain.SentenceTask{}, domain.ErrNoSentence
	}
	return task, nil
}

func (c *SessionController) openDevice(ctx context.Context) (ports.AudioDevice, string, error) {
	device, err := c.capture.Open(ctx)
	if err != nil {
		return nil, "", captureError(err)
	}

	mimeType := device.NegotiateFormat(c.cfg.Formats)
	if mimeType == "" {
		mimeType = c.cfg.DefaultFormat
	}

	if err := device.Start(ctx, mimeType); err != nil {
		_ = device.Close()
		return nil, "", captureError(err)
	}
	return device, mimeType, nil
}

func captureError(err error) error {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrDeviceNotFound),
		errors.Is(err, domain.ErrSessionBusy),
		errors.Is(err, domain.ErrCaptureFailed):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrCaptureFailed, err)
	}
}

// Stop ends recording and returns the artifact now under review.
func (c *SessionController) Stop() (domain.AudioArtifact, error) {
	c.mu.Lock()
	active := c.current
	if active == nil || c.state != domain.SessionStateRecording {
		c.mu.Unlock()
		return domain.AudioArtifact{}, domain.ErrNoActiveSession
	}
	c.detachLocked(active)
	c.mu.Unlock()

	return c.finishRecording(active, stopManual, c.clock.Now())
}

func (c *SessionController) endFromDeadline(active *activeSession) {
	c.mu.Lock()
	if c.current != active {
		c.mu.Unlock()
		return
	}
	c.detachLocked(active)
	c.mu.Unlock()
	stoppedAt := c.clock.Now()

	c.logger.Info("recording reached the time limit", zap.Uint64("session", active.seq), zap.Duration("limit", c.cfg.MaxDuration))
	_, _ = c.finishRecording(active, stopDeadline, stoppedAt)
}

func (c *SessionController) endFromDevice(active *activeSession) {
	c.mu.Lock()
	if c.current != active {
		c.mu.Unlock()
		return
	}
	c.detachLocked(active)
	c.mu.Unlock()

	_, _ = c.finishRecording(active, stopDeviceEnded, c.clock.Now())
}

// detachLocked releases the session slot's ownership of active so that only
// one exit path finishes it.
func (c *SessionController) detachLocked(active *activeSession) {
	c.current = nil
	active.deadline.Disarm()
}

// finishRecording releases the device and settles the take. stoppedAt is
// taken by the caller before the device is torn down.
func (c *SessionController) finishRecording(active *activeSession, cause stopCause, stoppedAt time.Time) (domain.AudioArtifact, error) {
	stopErr := active.device.Stop()
	drained := waitForPump(active.pumpDone, c.cfg.DrainTimeout, func() { _ = active.device.Close() })
	closeErr := active.device.Close()
	deviceErr := active.device.Err()

	logger := c.logger.With(zap.Uint64("session", active.seq))
	if stopErr != nil {
		logger.Warn("failed to stop audio capture cleanly", zap.Error(stopErr))
	}
	if closeErr != nil {
		logger.Warn("failed to release microphone", zap.Error(closeErr))
	}
	if !drained {
		logger.Warn("audio stream did not drain before timeout")
	}

	if cause == stopDeviceEnded && deviceErr != nil {
		err := fmt.Errorf("%w: %v", domain.ErrCaptureFailed, deviceErr)
		c.toIdle(domain.SessionReasonCaptureFailed)
		c.reportError(err)
		return domain.AudioArtifact{}, err
	}

	artifact := active.artifact(stoppedAt, c.cfg.MaxDuration, cause == stopDeadline)
	if artifact.Empty() {
		logger.Info("recording captured no audio")
		c.toIdle(domain.SessionReasonEmptyCapture)
		c.reportError(domain.ErrEmptyCapture)
		return domain.AudioArtifact{}, domain.ErrEmptyCapture
	}

	logger.Info("recording ready for review",
		zap.Int("bytes", artifact.Size()),
		zap.Int("chunks", active.chunks.Count()),
		zap.Duration("duration", artifact.Duration),
		zap.Bool("autoStopped", artifact.AutoStopped),
	)
	c.setState(domain.SessionStateStopped, cause.reason(), func() {
		c.review = &artifact
		c.reviewTask = active.task
	})
	return artifact, nil
}

func (c *SessionController) toIdle(reason domain.SessionStateReason) {
	c.setState(domain.SessionStateIdle, reason, func() {
		c.review = nil
		c.reviewTask = domain.SentenceTask{}
	})
}

// Submit uploads the artifact under review together with the sentence it was
// recorded for. On failure the artifact is kept so the operator can retry
// without recording again. On success the session stays Completed until the
// next sentence has been requested.
func (c *SessionController) Submit(ctx context.Context) (domain.SubmissionAttempt, error) {
	c.emitMu.Lock()
	c.mu.Lock()
	if c.state != domain.SessionStateStopped || c.review == nil {
		err := domain.ErrNothingToSubmit
		if c.state.Active() {
			err = domain.ErrSessionBusy
		}
		c.mu.Unlock()
		c.emitMu.Unlock()
		return domain.SubmissionAttempt{}, err
	}
	identity, ok := c.identity.Current()
	if !ok {
		c.mu.Unlock()
		c.emitMu.Unlock()
		c.reportError(domain.ErrIdentityRequired)
		return domain.SubmissionAttempt{}, domain.ErrIdentityRequired
	}
	task := c.reviewTask
	if task.Text == "" || task.IsTerminal {
		c.mu.Unlock()
		c.emitMu.Unlock()
		c.reportError(domain.ErrNoSentence)
		return domain.SubmissionAttempt{}, domain.ErrNoSentence
	}
	artifact := *c.review
	c.submitSeq++
	ticket := c.submitSeq
	c.advancing = ticket
	c.advanced = false
	c.transitionLocked(domain.SessionStateSubmitting)
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateSubmitting, domain.SessionReasonUploading)
	c.emitMu.Unlock()

	attempt, err := c.pipeline.SubmitThen(ctx, artifact, task, identity, func(err error) {
		c.nextTaskLoaded(ticket, err)
	})
	if err != nil {
		c.setState(domain.SessionStateStopped, domain.SessionReasonSubmitFailed, func() {
			c.advancing = 0
		})
		c.reportError(err)
		return attempt, err
	}

	c.emitMu.Lock()
	c.mu.Lock()
	c.review = nil
	c.reviewTask = domain.SentenceTask{}
	c.transitionLocked(domain.SessionStateCompleted)
	landed := c.advancing == ticket && c.advanced
	if landed {
		c.advancing = 0
		c.transitionLocked(domain.SessionStateIdle)
	}
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateCompleted, domain.SessionReasonSubmitted)
	if landed {
		c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonReady)
	}
	c.emitMu.Unlock()
	return attempt, nil
}

// nextTaskLoaded releases Completed once the post-submit advance for ticket
// has finished. A failed advance keeps recording blocked until Skip loads a
// sentence.
func (c *SessionController) nextTaskLoaded(ticket uint64, err error) {
	if err != nil {
		c.logger.Warn("next sentence unavailable after submission", zap.Error(err))
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.advancing != ticket {
		c.mu.Unlock()
		return
	}
	c.needTask = err != nil
	if c.state != domain.SessionStateCompleted {
		c.advanced = true
		c.mu.Unlock()
		return
	}
	c.advancing = 0
	c.transitionLocked(domain.SessionStateIdle)
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonReady)
}

// Discard drops the artifact under review and returns to Idle.
func (c *SessionController) Discard() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.state != domain.SessionStateStopped {
		err := domain.ErrNothingToSubmit
		if c.state.Active() {
			err = domain.ErrSessionBusy
		}
		c.mu.Unlock()
		return err
	}
	c.review = nil
	c.reviewTask = domain.SentenceTask{}
	c.transitionLocked(domain.SessionStateIdle)
	c.mu.Unlock()

	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonRecordingDiscarded)
	return nil
}

// Skip moves to another sentence. Any artifact under review is discarded.
func (c *SessionController) Skip(ctx context.Context) (domain.SentenceTask, error) {
	if c.advancer == nil {
		return domain.SentenceTask{}, domain.ErrNoSentence
	}

	c.emitMu.Lock()
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return domain.SentenceTask{}, domain.ErrSessionBusy
	}
	discarded := c.state == domain.SessionStateStopped
	if discarded {
		c.review = nil
		c.reviewTask = domain.SentenceTask{}
		c.transitionLocked(domain.SessionStateIdle)
	}
	c.mu.Unlock()
	if discarded {
		c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonRecordingDiscarded)
	}
	c.emitMu.Unlock()

	task, err := c.advancer.Advance(ctx)
	if err != nil {
		c.reportError(err)
		return domain.SentenceTask{}, err
	}

	c.emitMu.Lock()
	c.mu.Lock()
	c.needTask = false
	state := c.state
	c.mu.Unlock()
	c.events.SessionStateChanged(state, domain.SessionReasonSentenceSkipped)
	c.emitMu.Unlock()
	return task, nil
}

// ProbeBackend refreshes the backend availability gate.
func (c *SessionController) ProbeBackend(ctx context.Context) error {
	if c.health == nil {
		return nil
	}

	health, err := c.health.Health(ctx)
	detail := health.Detail
	down := err != nil || !health.Healthy
	if err != nil {
		detail = err.Error()
	}
	if down && detail == "" {
		detail = "backing store reported unhealthy"
	}

	c.emitMu.Lock()
	c.mu.Lock()
	wasDown := c.backendDown
	c.backendDown = down
	c.backendErr = ""
	if down {
		c.backendErr = detail
	}
	state := c.state
	c.mu.Unlock()

	switch {
	case down && !wasDown:
		c.logger.Warn("backend unavailable, recording disabled", zap.String("detail", detail))
		c.events.SessionStateChanged(state, domain.SessionReasonBackendUnavailable)
	case !down && wasDown:
		c.logger.Info("backend available again")
		c.events.SessionStateChanged(state, domain.SessionReasonBackendRestored)
	}
	c.emitMu.Unlock()

	if down {
		return fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, detail)
	}
	return nil
}

// MonitorBackend probes the backend every interval until ctx is done.
func (c *SessionController) MonitorBackend(ctx context.Context, interval time.Duration) {
	if c.health == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.ProbeBackend(ctx)
		}
	}
}

// Artifact returns the artifact under review, if any.
func (c *SessionController) Artifact() (domain.AudioArtifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.review == nil {
		return domain.AudioArtifact{}, false
	}
	return *c.review, true
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.Status{
		State:            c.state,
		Active:           c.state.Active(),
		BackendAvailable: !c.backendDown,
		Message:          c.backendErr,
	}
	if c.state == domain.SessionStateRecording || c.review != nil {
		status.MimeType = c.mimeType
	}
	if c.review != nil {
		status.HasArtifact = true
		status.ArtifactDuration = c.review.Duration.Milliseconds()
	}
	if identity, ok := c.identity.Current(); ok {
		status.Identity = identity.Name
	}
	return status
}

func (c *SessionController) reportError(err error) {
	c.events.SessionError(domain.CodeOf(err), err.Error())
}
