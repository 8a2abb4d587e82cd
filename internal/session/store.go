// Package session keeps multi-step questionnaire state keyed by an opaque
// session token.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/db"
	"diet-report/internal/models"
	"diet-report/pkg/logger"

	"github.com/google/uuid"
)

// Repository persists sessions. LoadSession returns db.ErrNotFound for an
// unknown token.
type Repository interface {
	SaveSession(ctx context.Context, s *models.Session) error
	LoadSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	TTL         time.Duration
	DirtyWindow time.Duration
	Now         func() time.Time
}

type entry struct {
	mu     sync.Mutex
	s      *models.Session
	closed bool
}

type Store struct {
	repo        Repository
	ttl         time.Duration
	dirtyWindow time.Duration
	now         func() time.Time
	logger      *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewStore(repo Repository, opts Options, log *logger.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Store{
		repo:        repo,
		ttl:         opts.TTL,
		dirtyWindow: opts.DirtyWindow,
		now:         opts.Now,
		logger:      log.Named("session"),
		entries:     make(map[string]*entry),
	}
}

func expiredErr(token string) error {
	return fmt.Errorf("%w: %w: %s", apperr.ErrSessionExpired, apperr.ErrSessionNotFound, token)
}

func notFoundErr(token string) error {
	return fmt.Errorf("%w: %s", apperr.ErrSessionNotFound, token)
}

// Create starts a new empty session.
func (s *Store) Create(ctx context.Context) (*models.Session, error) {
	now := s.now()
	sess := &models.Session{
		Token:     uuid.NewString(),
		Steps:     make(map[int]map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveSession(ctx, sess.Clone()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.mu.Lock()
	s.entries[sess.Token] = &entry{s: sess}
	s.mu.Unlock()

	s.logger.Infow("Session created", "session", sess.Token)
	return sess.Clone(), nil
}

// lookup returns the in-memory entry for token, loading it from the
// repository when this instance has not seen it yet.
func (s *Store) lookup(ctx context.Context, token string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[token]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	persisted, err := s.repo.LoadSession(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFoundErr(token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if persisted.Steps == nil {
		persisted.Steps = make(map[int]map[string]any)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[token]; ok {
		return e, nil
	}
	e = &entry{s: persisted}
	s.entries[token] = e
	return e, nil
}

// live checks e under its lock. Expired sessions are dropped.
func (s *Store) live(ctx context.Context, e *entry) error {
	if e.closed {
		return notFoundErr(e.s.Token)
	}
	if e.s.Expired(s.now(), s.ttl) {
		s.drop(ctx, e)
		return expiredErr(e.s.Token)
	}
	return nil
}

func (s *Store) drop(ctx context.Context, e *entry) {
	e.closed = true
	s.mu.Lock()
	delete(s.entries, e.s.Token)
	s.mu.Unlock()
	if err := s.repo.DeleteSession(ctx, e.s.Token); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logger.Errorw("Failed to delete session", "session", e.s.Token, "error", err)
	}
}

// SubmitStep merges payload into step and returns the merged profile
// payload. Only the fields present in payload are overwritten.
func (s *Store) SubmitStep(ctx context.Context, token string, step int, payload map[string]any) (map[string]any, error) {
	if step < 1 {
		return nil, fmt.Errorf("%w: step index must be at least 1", apperr.ErrValidation)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: step payload must be a JSON object", apperr.ErrValidation)
	}

	e, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.live(ctx, e); err != nil {
		return nil, err
	}

	e.s.Writing = true
	defer func() {
		e.s.Writing = false
		e.s.DirtyUntil = s.now().Add(s.dirtyWindow)
	}()

	current := e.s.Steps[step]
	if current == nil {
		current = make(map[string]any, len(payload))
	}
	e.s.Steps[step] = models.DeepMerge(current, payload)
	e.s.UpdatedAt = s.now()

	if err := s.repo.SaveSession(ctx, e.s.Clone()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Debugw("Step submitted", "session", token, "step", step, "fields", len(payload))
	return e.s.Merged(), nil
}

// Get returns a copy of the session.
func (s *Store) Get(ctx context.Context, token string) (*models.Session, error) {
	e, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.live(ctx, e); err != nil {
		return nil, err
	}
	return e.s.Clone(), nil
}

// Merged returns the left-to-right merge of every submitted step.
func (s *Store) Merged(ctx context.Context, token string) (map[string]any, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return sess.Merged(), nil
}

// MergedProfile returns the typed profile. The result shares nothing with
// the store, so later edits do not affect it.
func (s *Store) MergedProfile(ctx context.Context, token string) (models.Profile, error) {
	merged, err := s.Merged(ctx, token)
	if err != nil {
		return models.Profile{}, err
	}
	p, err := models.ProfileFromPayload(merged)
	if err != nil {
		return models.Profile{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return p, nil
}

// Complete ends a session once its report is ready.
func (s *Store) Complete(ctx context.Context, token string) error {
	e, err := s.lookup(ctx, token)
	if errors.Is(err, apperr.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		s.drop(ctx, e)
		s.logger.Infow("Session completed", "session", token)
	}
	return nil
}
