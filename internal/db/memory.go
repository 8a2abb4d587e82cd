package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"diet-report/internal/models"
)

// Memory implements every repository in process. It backs tests and runs
// without a database configured; rows are copied in and out so callers
// never share state with it.
type Memory struct {
	mu            sync.RWMutex
	sessions      map[string]*models.Session
	checkouts     map[string]models.Checkout
	coupons       map[string]models.Coupon
	confirmations map[string]models.PaymentConfirmation
	reports       map[string]models.Report
	tokens        map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]*models.Session),
		checkouts:     make(map[string]models.Checkout),
		coupons:       make(map[string]models.Coupon),
		confirmations: make(map[string]models.PaymentConfirmation),
		reports:       make(map[string]models.Report),
		tokens:        make(map[string]string),
	}
}

func (m *Memory) SaveSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s.Clone()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	delete(m.checkouts, token)
	return nil
}

func (m *Memory) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, s := range m.sessions {
		if !s.UpdatedAt.After(cutoff) {
			delete(m.sessions, token)
			delete(m.checkouts, token)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveCheckout(_ context.Context, c *models.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts[c.SessionToken] = *c
	return nil
}

func (m *Memory) GetCheckout(_ context.Context, sessionToken string) (*models.Checkout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkouts[sessionToken]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// UpsertCoupon stores a coupon under its normalized code. Uses is kept
// when the coupon already exists.
func (m *Memory) UpsertCoupon(_ context.Context, c *models.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code := models.NormalizeCouponCode(c.Code)
	stored := *c
	stored.Code = code
	if prev, ok := m.coupons[code]; ok {
		stored.Uses = prev.Uses
	}
	m.coupons[code] = stored
	return nil
}

func (m *Memory) GetCoupon(_ context.Context, code string) (*models.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[models.NormalizeCouponCode(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) GetConfirmation(_ context.Context, sessionToken string) (*models.PaymentConfirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.confirmations[sessionToken]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// InsertConfirmation records c and counts one use of its coupon. A second
// confirmation for the same session fails with ErrConflict.
func (m *Memory) InsertConfirmation(_ context.Context, c *models.PaymentConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.confirmations[c.SessionToken]; ok {
		return ErrConflict
	}
	m.confirmations[c.SessionToken] = *c
	if c.CouponCode != "" {
		code := models.NormalizeCouponCode(c.CouponCode)
		if cp, ok := m.coupons[code]; ok {
			cp.Uses++
			m.coupons[code] = cp
		}
	}
	return nil
}

func (m *Memory) CreateReport(_ context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; ok {
		return ErrConflict
	}
	m.reports[r.ID] = copyReport(r)
	return nil
}

func (m *Memory) UpdateReport(_ context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; !ok {
		return ErrNotFound
	}
	m.reports[r.ID] = copyReport(r)
	return nil
}

func (m *Memory) GetReport(_ context.Context, id string) (*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyReport(&r)
	return &out, nil
}

// LatestReport returns the most recently created report for a payment
// confirmation.
func (m *Memory) LatestReport(_ context.Context, confirmationID string) (*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Report
	for _, r := range m.reports {
		if r.ConfirmationID != confirmationID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			c := copyReport(&r)
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// StaleReports lists reports in status that were last updated before cutoff,
// oldest first.
func (m *Memory) StaleReports(_ context.Context, status models.ReportStatus, cutoff time.Time) ([]*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Report
	for _, r := range m.reports {
		if r.Status == status && r.UpdatedAt.Before(cutoff) {
			c := copyReport(&r)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) PutToken(_ context.Context, token, reportID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; ok {
		return ErrConflict
	}
	m.tokens[token] = reportID
	return nil
}

func (m *Memory) GetToken(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[token]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func copyReport(r *models.Report) models.Report {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}
