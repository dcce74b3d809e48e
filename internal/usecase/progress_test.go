package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"readaloud/internal/domain"
)

type fakeFeed struct {
	tasks []domain.SentenceTask
	err   error
}

func (f *fakeFeed) Next(_ context.Context) (domain.SentenceTask, error) {
	if f.err != nil {
		return domain.SentenceTask{}, f.err
	}
	if len(f.tasks) == 0 {
		return domain.SentenceTask{IsTerminal: true}, nil
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task, nil
}

type fakeStats struct {
	mu          sync.Mutex
	global      domain.Stats
	globalErr   error
	personal    domain.ContributorStats
	personalErr error
	names       []string
}

func (f *fakeStats) GlobalStats(_ context.Context) (domain.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.global, f.globalErr
}

func (f *fakeStats) ContributorStats(_ context.Context, name string) (domain.ContributorStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return f.personal, f.personalErr
}

func TestProgressAdvanceTracksCurrentSentence(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	feed := &fakeFeed{tasks: []domain.SentenceTask{{Text: "bir", Remaining: 2}}}
	progress := NewProgress(feed, &fakeStats{}, boundIdentity("ada"), events, nil)

	if _, ok := progress.Current(); ok {
		t.Fatalf("no sentence must be offered before the first advance")
	}

	task, err := progress.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if current, ok := progress.Current(); !ok || current.Text != "bir" || task.Remaining != 2 {
		t.Fatalf("unexpected current sentence: %+v", current)
	}

	if _, err := progress.Advance(context.Background()); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if _, ok := progress.Current(); ok {
		t.Fatalf("terminal sentence must not be offered")
	}
	if !progress.Snapshot().Completed {
		t.Fatalf("expected completed snapshot")
	}
	if len(events.sentences) != 2 {
		t.Fatalf("expected two sentence events, got %d", len(events.sentences))
	}
}

func TestProgressAdvanceWrapsFeedError(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{err: domain.ErrNetworkFailure}
	progress := NewProgress(feed, &fakeStats{}, nil, nil, nil)

	_, err := progress.Advance(context.Background())
	if !errors.Is(err, domain.ErrNetworkFailure) {
		t.Fatalf("expected wrapped network failure, got %v", err)
	}
}

func TestProgressRefreshLoadsCounters(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{
		global:   domain.Stats{TotalCount: 10, RecordedCount: 4, RemainingCount: 6, ProgressPercent: 40},
		personal: domain.ContributorStats{Name: "ada", RecordingCount: 3},
	}
	events := &fakeEventSink{}
	progress := NewProgress(&fakeFeed{}, stats, boundIdentity("ada"), events, nil)

	snapshot := progress.Refresh(context.Background())
	if snapshot.Stale || snapshot.Global.RecordedCount != 4 || snapshot.Personal.RecordingCount != 3 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.UpdatedAt.IsZero() {
		t.Fatalf("expected refresh timestamp")
	}
	if len(stats.names) != 1 || stats.names[0] != "ada" {
		t.Fatalf("expected personal stats for bound identity, got %v", stats.names)
	}
	if len(events.progress) != 1 {
		t.Fatalf("expected progress event")
	}
}

func TestProgressRefreshKeepsStaleCountersOnFailure(t *testing.T) {
	t.Parallel()

	stats := &fakeStats{
		global:   domain.Stats{TotalCount: 10, RecordedCount: 4},
		personal: domain.ContributorStats{Name: "ada", RecordingCount: 3},
	}
	progress := NewProgress(&fakeFeed{}, stats, boundIdentity("ada"), nil, nil)
	progress.Refresh(context.Background())

	stats.mu.Lock()
	stats.globalErr = errors.New("timeout")
	stats.personalErr = errors.New("timeout")
	stats.mu.Unlock()

	snapshot := progress.Refresh(context.Background())
	if !snapshot.Stale {
		t.Fatalf("expected stale snapshot")
	}
	if snapshot.Global.RecordedCount != 4 || snapshot.Personal.RecordingCount != 3 {
		t.Fatalf("previous counters must be kept: %+v", snapshot)
	}
}

func TestProgressRefreshWithoutIdentitySkipsPersonal(t *testing.T) {
	t.Parallel()

	identity := boundIdentity("ada")
	identity.clear()
	stats := &fakeStats{global: domain.Stats{TotalCount: 1}}
	progress := NewProgress(&fakeFeed{}, stats, identity, nil, nil)

	snapshot := progress.Refresh(context.Background())
	if len(stats.names) != 0 {
		t.Fatalf("personal stats must not be requested without identity")
	}
	if snapshot.Personal != (domain.ContributorStats{}) {
		t.Fatalf("expected empty personal counters, got %+v", snapshot.Personal)
	}
}

type gatedFeed struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFeed) Next(_ context.Context) (domain.SentenceTask, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	f.entered <- struct{}{}
	<-f.release
	return domain.SentenceTask{Text: fmt.Sprintf("sentence-%d", n)}, nil
}

func TestProgressOverlappingAdvancesShareOneFetch(t *testing.T) {
	t.Parallel()

	feed := &gatedFeed{entered: make(chan struct{}, 2), release: make(chan struct{})}
	progress := NewProgress(feed, &fakeStats{}, nil, nil, nil)

	results := make(chan domain.SentenceTask, 2)
	advance := func() {
		task, err := progress.Advance(context.Background())
		if err != nil {
			t.Errorf("advance failed: %v", err)
		}
		results <- task
	}

	go advance()
	<-feed.entered
	go advance()
	time.Sleep(50 * time.Millisecond)
	close(feed.release)

	first, second := <-results, <-results
	if first.Text != "sentence-1" || second.Text != "sentence-1" {
		t.Fatalf("expected both callers to share the in-flight sentence, got %q and %q", first.Text, second.Text)
	}
	feed.mu.Lock()
	calls := feed.calls
	feed.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one feed request, got %d", calls)
	}
	if current, ok := progress.Current(); !ok || current.Text != "sentence-1" {
		t.Fatalf("unexpected current sentence: %+v", current)
	}
}
