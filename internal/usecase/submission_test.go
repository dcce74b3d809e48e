package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"readaloud/internal/domain"
)

func newTestPipeline(uploader *fakeUploader, tasks *fakeTasks, refresher *fakeRefresher) *SubmissionPipeline {
	pipeline := NewSubmissionPipeline(uploader, tasks, refresher, nil)
	pipeline.dispatch = func(fn func()) { fn() }
	pipeline.newID = func() string { return "attempt-1" }
	return pipeline
}

func sampleArtifact() domain.AudioArtifact {
	return domain.AudioArtifact{Data: []byte("opus"), MimeType: "audio/webm", Duration: 1500 * time.Millisecond}
}

func TestSubmissionPipelineSuccessRunsFollowUps(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	tasks := currentTask("first")
	tasks.next = []domain.SentenceTask{{Text: "second"}}
	refresher := &fakeRefresher{}
	pipeline := newTestPipeline(uploader, tasks, refresher)

	attempt, err := pipeline.Submit(context.Background(), sampleArtifact(), domain.SentenceTask{Text: "first"}, domain.ContributorIdentity{Name: "ada"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if attempt.ID != "attempt-1" || attempt.Outcome != domain.SubmissionSuccess || attempt.Filename != "clip.webm" {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}

	uploads := uploader.snapshot()
	if len(uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(uploads))
	}
	upload := uploads[0]
	if upload.AttemptID != "attempt-1" || upload.SentenceText != "first" || upload.IdentityName != "ada" || upload.MimeType != "audio/webm" {
		t.Fatalf("unexpected upload: %+v", upload)
	}
	if tasks.advanceCalls() != 1 || refresher.calls != 1 {
		t.Fatalf("expected advance and refresh after success")
	}
	if task, _ := tasks.Current(); task.Text != "second" {
		t.Fatalf("expected feed to move on, got %+v", task)
	}
}

func TestSubmissionPipelineClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		result uploadResult
		want   error
		code   domain.ErrorCode
	}{
		{
			name:   "transport",
			result: uploadResult{err: errors.New("dial tcp: i/o timeout")},
			want:   domain.ErrNetworkFailure,
			code:   domain.ErrorCodeNetworkFailure,
		},
		{
			name:   "success flag unset",
			result: uploadResult{receipt: domain.UploadReceipt{Success: false}},
			want:   domain.ErrRemoteRejected,
			code:   domain.ErrorCodeRemoteRejected,
		},
		{
			name:   "typed rejection",
			result: uploadResult{err: fmt.Errorf("%w: status 500", domain.ErrRemoteRejected)},
			want:   domain.ErrRemoteRejected,
			code:   domain.ErrorCodeRemoteRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			uploader := &fakeUploader{results: []uploadResult{tc.result}}
			tasks := currentTask("first")
			refresher := &fakeRefresher{}
			pipeline := newTestPipeline(uploader, tasks, refresher)

			attempt, err := pipeline.Submit(context.Background(), sampleArtifact(), domain.SentenceTask{Text: "first"}, domain.ContributorIdentity{Name: "ada"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if attempt.Outcome != domain.SubmissionFailure || attempt.ErrorKind != tc.code {
				t.Fatalf("unexpected attempt: %+v", attempt)
			}
			if tasks.advanceCalls() != 0 || refresher.calls != 0 {
				t.Fatalf("failed submission must not run follow-ups")
			}
		})
	}
}

func TestSubmissionPipelineRejectsIncompleteInput(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	pipeline := newTestPipeline(uploader, currentTask("x"), &fakeRefresher{})
	ctx := context.Background()

	if _, err := pipeline.Submit(ctx, domain.AudioArtifact{}, domain.SentenceTask{Text: "x"}, domain.ContributorIdentity{Name: "ada"}); !errors.Is(err, domain.ErrEmptyCapture) {
		t.Fatalf("expected ErrEmptyCapture, got %v", err)
	}
	if _, err := pipeline.Submit(ctx, sampleArtifact(), domain.SentenceTask{Text: "x"}, domain.ContributorIdentity{}); !errors.Is(err, domain.ErrIdentityRequired) {
		t.Fatalf("expected ErrIdentityRequired, got %v", err)
	}
	if _, err := pipeline.Submit(ctx, sampleArtifact(), domain.SentenceTask{IsTerminal: true}, domain.ContributorIdentity{Name: "ada"}); !errors.Is(err, domain.ErrNoSentence) {
		t.Fatalf("expected ErrNoSentence, got %v", err)
	}
	if len(uploader.snapshot()) != 0 {
		t.Fatalf("invalid submissions must not reach the uploader")
	}
}

func TestSubmissionPipelineHookSeesAdvanceOutcome(t *testing.T) {
	t.Parallel()

	tasks := currentTask("first")
	tasks.next = []domain.SentenceTask{{Text: "second"}}
	refresher := &fakeRefresher{}
	pipeline := newTestPipeline(&fakeUploader{}, tasks, refresher)

	var (
		calls   int
		hookErr error
		seen    domain.SentenceTask
	)
	_, err := pipeline.SubmitThen(context.Background(), sampleArtifact(), domain.SentenceTask{Text: "first"}, domain.ContributorIdentity{Name: "ada"},
		func(err error) {
			calls++
			hookErr = err
			seen, _ = tasks.Current()
		})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if calls != 1 || hookErr != nil {
		t.Fatalf("expected one clean hook call, got %d (%v)", calls, hookErr)
	}
	if seen.Text != "second" {
		t.Fatalf("hook must run after the feed moved on, saw %+v", seen)
	}

	tasks.err = domain.ErrNetworkFailure
	calls = 0
	if _, err := pipeline.SubmitThen(context.Background(), sampleArtifact(), domain.SentenceTask{Text: "second"}, domain.ContributorIdentity{Name: "ada"},
		func(err error) { calls++; hookErr = err }); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if calls != 1 || !errors.Is(hookErr, domain.ErrNetworkFailure) {
		t.Fatalf("expected the hook to carry the advance error, got %d (%v)", calls, hookErr)
	}
}

func TestSubmissionPipelineHookSkippedOnUploadFailure(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{results: []uploadResult{{err: errors.New("connection reset")}}}
	pipeline := newTestPipeline(uploader, currentTask("first"), &fakeRefresher{})

	called := false
	_, err := pipeline.SubmitThen(context.Background(), sampleArtifact(), domain.SentenceTask{Text: "first"}, domain.ContributorIdentity{Name: "ada"},
		func(error) { called = true })
	if !errors.Is(err, domain.ErrNetworkFailure) {
		t.Fatalf("expected ErrNetworkFailure, got %v", err)
	}
	if called {
		t.Fatalf("hook must not run when the upload failed")
	}
}
