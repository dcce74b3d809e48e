package identity

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

// Manager owns the single contributor identity of this client installation.
type Manager struct {
	store     ports.IdentityStore
	directory ports.IdentityDirectory
	events    ports.EventSink
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	current domain.ContributorIdentity
	bound   bool
	editing bool
}

func NewManager(store ports.IdentityStore, directory ports.IdentityDirectory, events ports.EventSink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		directory: directory,
		events:    events,
		logger:    logger.With(zap.String("component", "identity")),
		now:       time.Now,
	}
}

// Load restores the previously bound identity, if any.
func (m *Manager) Load() (domain.ContributorIdentity, bool, error) {
	identity, ok, err := m.store.Load()
	if err != nil {
		return domain.ContributorIdentity{}, false, fmt.Errorf("load identity: %w", err)
	}
	if ok {
		if err := Validate(identity.Name); err != nil {
			m.logger.Warn("ignoring persisted identity with invalid name", zap.String("name", identity.Name), zap.Error(err))
			return domain.ContributorIdentity{}, false, nil
		}
	}

	m.mu.Lock()
	m.current = identity
	m.bound = ok
	m.editing = false
	m.mu.Unlock()
	return identity, ok, nil
}

// Current returns the bound identity. It is unset while an edit is in progress.
func (m *Manager) Current() (domain.ContributorIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.bound || m.editing {
		return domain.ContributorIdentity{}, false
	}
	return m.current, true
}

// Validate checks the lexical format of candidate.
func (m *Manager) Validate(candidate string) error {
	return Validate(candidate)
}

// CheckCollision looks candidate up in the remote directory. A case-insensitive
// match with recordings yields a *domain.CollisionError. Directory failures are
// logged and treated as no collision.
func (m *Manager) CheckCollision(ctx context.Context, candidate string) error {
	if m.directory == nil {
		return nil
	}
	entries, err := m.directory.ListContributors(ctx)
	if err != nil {
		m.logger.Warn("contributor directory unavailable, name uniqueness not verified",
			zap.String("name", candidate), zap.Error(err))
		return nil
	}
	for _, entry := range entries {
		if SameName(entry.Name, candidate) && entry.Count > 0 {
			return &domain.CollisionError{Candidate: candidate, Existing: entry}
		}
	}
	return nil
}

// Bind validates and persists candidate as the contributor identity.
func (m *Manager) Bind(candidate string) (domain.ContributorIdentity, error) {
	if err := Validate(candidate); err != nil {
		return domain.ContributorIdentity{}, err
	}

	identity := domain.ContributorIdentity{Name: candidate, BoundAt: m.now().UTC()}
	if err := m.store.Save(identity); err != nil {
		return domain.ContributorIdentity{}, fmt.Errorf("persist identity: %w", err)
	}

	m.mu.Lock()
	m.current = identity
	m.bound = true
	m.editing = false
	m.mu.Unlock()

	m.logger.Info("identity bound", zap.String("name", identity.Name))
	if m.events != nil {
		m.events.IdentityChanged(identity, true)
	}
	return identity, nil
}

// Claim runs validation, the collision check and binding in order. With resume
// set, a colliding name is bound using the directory's spelling so the
// contributor continues their existing count.
func (m *Manager) Claim(ctx context.Context, candidate string, resume bool) (domain.ContributorIdentity, error) {
	if err := Validate(candidate); err != nil {
		return domain.ContributorIdentity{}, err
	}

	name := candidate
	if err := m.CheckCollision(ctx, candidate); err != nil {
		var collision *domain.CollisionError
		if !errors.As(err, &collision) || !resume {
			return domain.ContributorIdentity{}, err
		}
		name = collision.Existing.Name
		m.logger.Info("resuming as existing contributor",
			zap.String("name", name), zap.Int("recordings", collision.Existing.Count))
	}
	return m.Bind(name)
}

// BeginEdit unbinds the identity until Bind or CancelEdit is called. The
// persisted identity is kept until it is replaced.
func (m *Manager) BeginEdit() {
	m.mu.Lock()
	wasBound := m.bound && !m.editing
	m.editing = true
	m.mu.Unlock()

	if wasBound && m.events != nil {
		m.events.IdentityChanged(domain.ContributorIdentity{}, false)
	}
}

// CancelEdit restores the identity that was bound before BeginEdit.
func (m *Manager) CancelEdit() (domain.ContributorIdentity, bool) {
	m.mu.Lock()
	restore := m.editing && m.bound
	m.editing = false
	identity, bound := m.current, m.bound
	m.mu.Unlock()

	if restore && m.events != nil {
		m.events.IdentityChanged(identity, true)
	}
	return identity, bound
}

// Editing reports whether an edit is in progress.
func (m *Manager) Editing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editing
}
