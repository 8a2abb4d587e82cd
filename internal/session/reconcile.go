package session

import (
	"context"
	"errors"
	"time"

	"diet-report/internal/db"
)

// Reconcile replaces the in-memory copy of token with the persisted one, so
// out-of-band changes become visible. The persisted copy is discarded
// wholesale while the session is dirty or when it is older than what is in
// memory. It reports whether the persisted copy was applied.
func (s *Store) Reconcile(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[token]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	// The read happens without the entry lock: it may be slow, and a user
	// edit may land while it is in flight.
	persisted, err := s.repo.LoadSession(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, nil
	}
	now := s.now()
	if e.s.IsDirty(now) {
		s.logger.Debugw("Reconcile discarded, session is dirty", "session", token)
		return false, nil
	}
	if persisted.UpdatedAt.Before(e.s.UpdatedAt) {
		s.logger.Debugw("Reconcile discarded, persisted copy is older", "session", token)
		return false, nil
	}

	e.s.Steps = persisted.Steps
	e.s.UpdatedAt = persisted.UpdatedAt
	return true, nil
}

// ReconcileAll reconciles every session held in memory.
func (s *Store) ReconcileAll(ctx context.Context) int {
	s.mu.RLock()
	tokens := make([]string, 0, len(s.entries))
	for t := range s.entries {
		tokens = append(tokens, t)
	}
	s.mu.RUnlock()

	applied := 0
	for _, t := range tokens {
		ok, err := s.Reconcile(ctx, t)
		if err != nil {
			s.logger.Warnw("Reconcile failed", "session", t, "error", err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied
}

// Sweep drops sessions inactive for longer than the TTL, in memory and in
// the repository.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	s.mu.RLock()
	var stale []*entry
	for _, e := range s.entries {
		stale = append(stale, e)
	}
	s.mu.RUnlock()

	var dropped int64
	for _, e := range stale {
		e.mu.Lock()
		if !e.closed && !e.s.Writing && e.s.Expired(now, s.ttl) {
			s.drop(ctx, e)
			dropped++
		}
		e.mu.Unlock()
	}

	n, err := s.repo.DeleteSessionsBefore(ctx, now.Add(-s.ttl))
	if err != nil {
		return dropped, err
	}
	if n > dropped {
		dropped = n
	}
	return dropped, nil
}

// RunReconciler reconciles all sessions every interval until ctx is done.
func (s *Store) RunReconciler(ctx context.Context, interval time.Duration) error {
	return s.every(ctx, interval, func() {
		if n := s.ReconcileAll(ctx); n > 0 {
			s.logger.Debugw("Sessions reconciled", "applied", n)
		}
	})
}

// RunSweeper expires sessions every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	return s.every(ctx, interval, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Errorw("Session sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Infow("Expired sessions removed", "count", n)
		}
	})
}

func (s *Store) every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
