package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

// Advancer moves the sentence feed forward after a successful upload.
type Advancer interface {
	Advance(ctx context.Context) (domain.SentenceTask, error)
}

// Refresher reloads progress counters.
type Refresher interface {
	Refresh(ctx context.Context) domain.ProgressSnapshot
}

// SubmissionPipeline uploads finalized artifacts and interprets the remote
// verdict. It never retries on its own.
type SubmissionPipeline struct {
	uploader  ports.Uploader
	advancer  Advancer
	refresher Refresher
	logger    *zap.Logger

	// dispatch runs the post-success follow-ups without blocking Submit.
	dispatch func(func())
	newID    func() string
}

func NewSubmissionPipeline(uploader ports.Uploader, advancer Advancer, refresher Refresher, logger *zap.Logger) *SubmissionPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionPipeline{
		uploader:  uploader,
		advancer:  advancer,
		refresher: refresher,
		logger:    logger.With(zap.String("component", "submission")),
		dispatch:  func(f func()) { go f() },
		newID:     func() string { return uuid.NewString() },
	}
}

// Submit sends artifact with its sentence and identity as one upload.
func (p *SubmissionPipeline) Submit(
	ctx context.Context,
	artifact domain.AudioArtifact,
	sentence domain.SentenceTask,
	identity domain.ContributorIdentity,
) (domain.SubmissionAttempt, error) {
	return p.SubmitThen(ctx, artifact, sentence, identity, nil)
}

// SubmitThen is Submit with a hook that runs in the follow-up once the
// sentence feed has been advanced, with the advance error if any. It is not
// called when the upload fails.
func (p *SubmissionPipeline) SubmitThen(
	ctx context.Context,
	artifact domain.AudioArtifact,
	sentence domain.SentenceTask,
	identity domain.ContributorIdentity,
	advanced func(error),
) (domain.SubmissionAttempt, error) {
	attempt := domain.SubmissionAttempt{
		ID:       p.newID(),
		Artifact: artifact,
		Sentence: sentence,
		Identity: identity,
		Outcome:  domain.SubmissionPending,
	}

	if err := checkSubmittable(artifact, sentence, identity); err != nil {
		return p.fail(attempt, err)
	}

	logger := p.logger.With(
		zap.String("attempt", attempt.ID),
		zap.String("speaker", identity.Name),
		zap.Int("bytes", artifact.Size()),
		zap.Duration("duration", artifact.Duration),
	)
	logger.Info("uploading recording")

	receipt, err := p.uploader.Upload(ctx, domain.Upload{
		AttemptID:    attempt.ID,
		Audio:        artifact.Data,
		MimeType:     artifact.MimeType,
		Duration:     artifact.Duration,
		SentenceText: sentence.Text,
		IdentityName: identity.Name,
	})
	if err != nil {
		logger.Warn("upload failed", zap.Error(err))
		return p.fail(attempt, classifyUploadErr(err))
	}
	if !receipt.Success {
		logger.Warn("upload rejected", zap.String("message", receipt.Message))
		return p.fail(attempt, fmt.Errorf("%w: %s", domain.ErrRemoteRejected, rejectionDetail(receipt)))
	}

	attempt.Outcome = domain.SubmissionSuccess
	attempt.Filename = receipt.Filename
	logger.Info("recording stored", zap.String("filename", receipt.Filename))

	followCtx := context.WithoutCancel(ctx)
	p.dispatch(func() { p.followUp(followCtx, advanced) })
	return attempt, nil
}

func (p *SubmissionPipeline) followUp(ctx context.Context, advanced func(error)) {
	var err error
	if p.advancer != nil {
		if _, err = p.advancer.Advance(ctx); err != nil {
			p.logger.Warn("failed to load next sentence", zap.Error(err))
		}
	}
	if advanced != nil {
		advanced(err)
	}
	if p.refresher != nil {
		p.refresher.Refresh(ctx)
	}
}

func (p *SubmissionPipeline) fail(attempt domain.SubmissionAttempt, err error) (domain.SubmissionAttempt, error) {
	attempt.Outcome = domain.SubmissionFailure
	attempt.ErrorKind = domain.CodeOf(err)
	return attempt, err
}

func checkSubmittable(artifact domain.AudioArtifact, sentence domain.SentenceTask, identity domain.ContributorIdentity) error {
	if artifact.Empty() {
		return domain.ErrEmptyCapture
	}
	if identity.Name == "" {
		return domain.ErrIdentityRequired
	}
	if sentence.IsTerminal || sentence.Text == "" {
		return domain.ErrNoSentence
	}
	return nil
}

// classifyUploadErr keeps typed failures and treats everything else as a
// transport failure.
func classifyUploadErr(err error) error {
	if errors.Is(err, domain.ErrRemoteRejected) || errors.Is(err, domain.ErrNetworkFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
}

func rejectionDetail(receipt domain.UploadReceipt) string {
	if receipt.Message != "" {
		return receipt.Message
	}
	return "success flag not set"
}
