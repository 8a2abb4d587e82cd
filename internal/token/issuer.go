// Package token mints and redeems the opaque access tokens that unlock a
// generated report.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/db"
	"diet-report/internal/models"
	"diet-report/pkg/logger"
)

const (
	tokenBytes = 32
	tokenLen   = 43 // base64url without padding
	maxMintTry = 3
)

// Store maps tokens to report IDs. GetToken returns db.ErrNotFound for an
// unknown token and PutToken returns db.ErrConflict for a taken one.
type Store interface {
	PutToken(ctx context.Context, token, reportID string, ttl time.Duration) error
	GetToken(ctx context.Context, token string) (string, error)
}

type Reports interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
}

type Options struct {
	// Retention is how long the store keeps a token mapping. It must
	// outlive the report's own expiry so redemption can answer "expired".
	Retention time.Duration
	Now       func() time.Time
	Rand      io.Reader
}

type Issuer struct {
	store     Store
	reports   Reports
	retention time.Duration
	now       func() time.Time
	rand      io.Reader
	logger    *logger.Logger
}

func NewIssuer(store Store, reports Reports, opts Options, log *logger.Logger) *Issuer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Issuer{
		store:     store,
		reports:   reports,
		retention: opts.Retention,
		now:       opts.Now,
		rand:      opts.Rand,
		logger:    log.Named("token"),
	}
}

func (i *Issuer) mint() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue mints a new access token for reportID.
func (i *Issuer) Issue(ctx context.Context, reportID string) (string, error) {
	for try := 0; try < maxMintTry; try++ {
		tok, err := i.mint()
		if err != nil {
			return "", err
		}
		err = i.store.PutToken(ctx, tok, reportID, i.retention)
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to store access token: %w", err)
		}
		return tok, nil
	}
	return "", errors.New("could not mint a unique access token")
}

func wellFormed(tok string) bool {
	if len(tok) != tokenLen {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(tok)
	return err == nil
}

// Resolve returns the report behind tok whatever its status.
func (i *Issuer) Resolve(ctx context.Context, tok string) (*models.Report, error) {
	if !wellFormed(tok) {
		return nil, apperr.ErrNotFound
	}
	id, err := i.store.GetToken(ctx, tok)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access token: %w", err)
	}
	r, err := i.reports.GetReport(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	return r, nil
}

// Expired reports whether r is a ready report past its expiry. Redeem
// refuses exactly these.
func (i *Issuer) Expired(r *models.Report) bool {
	return r.Status == models.ReportReady && (r.ExpiresAt == nil || !i.now().Before(*r.ExpiresAt))
}

// Redeem returns the report content. A ready report is refused once
// now >= expires_at, whether or not the content is still stored.
func (i *Issuer) Redeem(ctx context.Context, tok string) (string, error) {
	r, err := i.Resolve(ctx, tok)
	if err != nil {
		return "", err
	}

	switch r.Status {
	case models.ReportReady:
		if i.Expired(r) {
			return "", apperr.ErrExpired
		}
		return r.Content, nil
	case models.ReportFailed:
		if cause := apperr.FromCode(r.FailureCode); cause != nil {
			return "", fmt.Errorf("%w: %s", cause, r.FailureReason)
		}
		return "", fmt.Errorf("%w: %s", apperr.ErrGenerationFailed, r.FailureReason)
	default:
		return "", fmt.Errorf("%w: %s", apperr.ErrReportNotReady, r.Stage.Name())
	}
}
