package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

// Progress tracks the current sentence and the last known counters.
type Progress struct {
	feed     ports.SentenceFeed
	stats    ports.StatsSource
	identity ports.IdentitySource
	events   ports.EventSink
	logger   *zap.Logger
	now      func() time.Time

	// advances collapses concurrent Advance calls into one feed request.
	advances singleflight.Group

	mu       sync.Mutex
	snapshot domain.ProgressSnapshot
}

func NewProgress(feed ports.SentenceFeed, stats ports.StatsSource, identity ports.IdentitySource, events ports.EventSink, logger *zap.Logger) *Progress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Progress{
		feed:     feed,
		stats:    stats,
		identity: identity,
		events:   events,
		logger:   logger.With(zap.String("component", "progress")),
		now:      time.Now,
	}
}

// Current returns the sentence offered for recording. It is unset before the
// first Advance and once the script is exhausted.
func (p *Progress) Current() (domain.SentenceTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.snapshot.HasTask || p.snapshot.Task.IsTerminal {
		return domain.SentenceTask{}, false
	}
	return p.snapshot.Task, true
}

// Advance fetches the next sentence from the feed. Callers that overlap an
// advance already in flight share its result instead of pulling again.
func (p *Progress) Advance(ctx context.Context) (domain.SentenceTask, error) {
	v, err, _ := p.advances.Do("next", func() (any, error) {
		return p.advance(ctx)
	})
	if err != nil {
		return domain.SentenceTask{}, err
	}
	return v.(domain.SentenceTask), nil
}

func (p *Progress) advance(ctx context.Context) (domain.SentenceTask, error) {
	task, err := p.feed.Next(ctx)
	if err != nil {
		return domain.SentenceTask{}, fmt.Errorf("load next sentence: %w", err)
	}

	p.mu.Lock()
	p.snapshot.Task = task
	p.snapshot.HasTask = true
	p.snapshot.Completed = task.IsTerminal
	p.mu.Unlock()

	if task.IsTerminal {
		p.logger.Info("script completed")
	}
	if p.events != nil {
		p.events.SentenceChanged(task)
	}
	return task, nil
}

// Refresh pulls global and personal counters. Failures are logged and the
// previous counters are kept and marked stale.
func (p *Progress) Refresh(ctx context.Context) domain.ProgressSnapshot {
	var (
		global      domain.Stats
		personal    domain.ContributorStats
		globalErr   error
		personalErr error
	)

	identity, bound := domain.ContributorIdentity{}, false
	if p.identity != nil {
		identity, bound = p.identity.Current()
	}

	var g errgroup.Group
	g.Go(func() error {
		global, globalErr = p.stats.GlobalStats(ctx)
		return nil
	})
	if bound {
		g.Go(func() error {
			personal, personalErr = p.stats.ContributorStats(ctx, identity.Name)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	stale := false
	if globalErr != nil {
		stale = true
		p.logger.Warn("failed to refresh global stats", zap.Error(globalErr))
	} else {
		p.snapshot.Global = global
	}
	switch {
	case !bound:
		p.snapshot.Personal = domain.ContributorStats{}
	case personalErr != nil:
		stale = true
		p.logger.Warn("failed to refresh contributor stats", zap.String("name", identity.Name), zap.Error(personalErr))
	default:
		p.snapshot.Personal = personal
	}
	p.snapshot.Stale = stale
	if !stale {
		p.snapshot.UpdatedAt = p.now().UTC()
	}
	snapshot := p.snapshot
	p.mu.Unlock()

	if p.events != nil {
		p.events.ProgressUpdated(snapshot)
	}
	return snapshot
}

// Snapshot returns the last known progress without fetching.
func (p *Progress) Snapshot() domain.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}
