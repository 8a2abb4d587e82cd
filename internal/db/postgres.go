package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diet-report/config"
	"diet-report/internal/models"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(cfg config.DBConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	// Set connection pool parameters
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnLifetime
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	// Connect with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// EnsureSchema creates missing tables and indexes.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (db *PostgresDB) SaveSession(ctx context.Context, s *models.Session) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode session steps: %w", err)
	}
	query := `
        INSERT INTO sessions (token, steps, created_at, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (token) DO UPDATE
        SET steps = $2, updated_at = $4
    `
	_, err = db.pool.Exec(ctx, query, s.Token, steps, s.CreatedAt, s.UpdatedAt)
	return err
}

func (db *PostgresDB) LoadSession(ctx context.Context, token string) (*models.Session, error) {
	query := `
        SELECT token, steps, created_at, updated_at
        FROM sessions
        WHERE token = $1
    `
	var (
		s     models.Session
		steps []byte
	)
	err := db.pool.QueryRow(ctx, query, token).Scan(&s.Token, &steps, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode session steps: %w", err)
	}
	if s.Steps == nil {
		s.Steps = make(map[int]map[string]any)
	}
	return &s, nil
}

func (db *PostgresDB) DeleteSession(ctx context.Context, token string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (db *PostgresDB) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE updated_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *PostgresDB) SaveCheckout(ctx context.Context, c *models.Checkout) error {
	query := `
        INSERT INTO checkouts (session_token, tier_id, coupon_code, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_token) DO UPDATE
        SET tier_id = $2, coupon_code = $3, updated_at = $4
    `
	_, err := db.pool.Exec(ctx, query, c.SessionToken, c.TierID, c.CouponCode, c.UpdatedAt)
	return err
}

func (db *PostgresDB) GetCheckout(ctx context.Context, sessionToken string) (*models.Checkout, error) {
	query := `
        SELECT session_token, tier_id, coupon_code, updated_at
        FROM checkouts
        WHERE session_token = $1
    `
	var c models.Checkout
	err := db.pool.QueryRow(ctx, query, sessionToken).Scan(&c.SessionToken, &c.TierID, &c.CouponCode, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (db *PostgresDB) UpsertCoupon(ctx context.Context, c *models.Coupon) error {
	query := `
        INSERT INTO coupons (code, kind, value, expires_at, max_uses)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (code) DO UPDATE
        SET kind = $2, value = $3, expires_at = $4, max_uses = $5
    `
	_, err := db.pool.Exec(ctx, query,
		models.NormalizeCouponCode(c.Code), string(c.Kind), c.Value, c.ExpiresAt, c.MaxUses,
	)
	return err
}

func (db *PostgresDB) GetCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	query := `
        SELECT code, kind, value, expires_at, max_uses, uses
        FROM coupons
        WHERE code = $1
    `
	var (
		c    models.Coupon
		kind string
	)
	err := db.pool.QueryRow(ctx, query, models.NormalizeCouponCode(code)).Scan(
		&c.Code, &kind, &c.Value, &c.ExpiresAt, &c.MaxUses, &c.Uses,
	)
	if err != nil {
		return nil, notFound(err)
	}
	c.Kind = models.DiscountKind(kind)
	return &c, nil
}

func (db *PostgresDB) GetConfirmation(ctx context.Context, sessionToken string) (*models.PaymentConfirmation, error) {
	query := `
        SELECT id, session_token, tier_id, coupon_code, payment_reference, final_price_cents, confirmed_at
        FROM payment_confirmations
        WHERE session_token = $1
    `
	var c models.PaymentConfirmation
	err := db.pool.QueryRow(ctx, query, sessionToken).Scan(
		&c.ID, &c.SessionToken, &c.TierID, &c.CouponCode,
		&c.PaymentReference, &c.FinalPriceCents, &c.ConfirmedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// InsertConfirmation records c and counts its coupon use in one
// transaction.
func (db *PostgresDB) InsertConfirmation(ctx context.Context, c *models.PaymentConfirmation) error {
	err := db.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		query := `
            INSERT INTO payment_confirmations
                (id, session_token, tier_id, coupon_code, payment_reference, final_price_cents, confirmed_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `
		if _, err := tx.Exec(ctx, query,
			c.ID, c.SessionToken, c.TierID, c.CouponCode,
			c.PaymentReference, c.FinalPriceCents, c.ConfirmedAt,
		); err != nil {
			return err
		}
		if c.CouponCode == "" {
			return nil
		}
		_, err := tx.Exec(ctx, `UPDATE coupons SET uses = uses + 1 WHERE code = $1`,
			models.NormalizeCouponCode(c.CouponCode))
		return err
	})
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const reportColumns = `id, access_token, session_token, confirmation_id, status, stage,
        content, failure_code, failure_reason, created_at, updated_at, expires_at`

func scanReport(row pgx.Row) (*models.Report, error) {
	var (
		r      models.Report
		status string
		stage  int
	)
	err := row.Scan(
		&r.ID, &r.AccessToken, &r.SessionToken, &r.ConfirmationID, &status, &stage,
		&r.Content, &r.FailureCode, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	r.Status = models.ReportStatus(status)
	r.Stage = models.Stage(stage)
	return &r, nil
}

func (db *PostgresDB) CreateReport(ctx context.Context, r *models.Report) error {
	query := `
        INSERT INTO reports (` + reportColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `
	_, err := db.pool.Exec(ctx, query,
		r.ID, r.AccessToken, r.SessionToken, r.ConfirmationID, string(r.Status), int(r.Stage),
		r.Content, r.FailureCode, r.FailureReason, r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (db *PostgresDB) UpdateReport(ctx context.Context, r *models.Report) error {
	query := `
        UPDATE reports
        SET status = $2, stage = $3, content = $4, failure_code = $5,
            failure_reason = $6, updated_at = $7, expires_at = $8
        WHERE id = $1
    `
	tag, err := db.pool.Exec(ctx, query,
		r.ID, string(r.Status), int(r.Stage), r.Content, r.FailureCode,
		r.FailureReason, r.UpdatedAt, r.ExpiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) GetReport(ctx context.Context, id string) (*models.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`
	return scanReport(db.pool.QueryRow(ctx, query, id))
}

func (db *PostgresDB) LatestReport(ctx context.Context, confirmationID string) (*models.Report, error) {
	query := `
        SELECT ` + reportColumns + `
        FROM reports
        WHERE confirmation_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `
	return scanReport(db.pool.QueryRow(ctx, query, confirmationID))
}

func (db *PostgresDB) StaleReports(ctx context.Context, status models.ReportStatus, cutoff time.Time) ([]*models.Report, error) {
	query := `
        SELECT ` + reportColumns + `
        FROM reports
        WHERE status = $1 AND updated_at < $2
        ORDER BY updated_at
    `
	rows, err := db.pool.Query(ctx, query, string(status), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *PostgresDB) PutToken(ctx context.Context, token, reportID string, ttl time.Duration) error {
	query := `
        INSERT INTO access_tokens (token, report_id, expires_at)
        VALUES ($1, $2, $3)
    `
	_, err := db.pool.Exec(ctx, query, token, reportID, time.Now().Add(ttl))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (db *PostgresDB) GetToken(ctx context.Context, token string) (string, error) {
	query := `
        SELECT report_id
        FROM access_tokens
        WHERE token = $1 AND expires_at > NOW()
    `
	var id string
	if err := db.pool.QueryRow(ctx, query, token).Scan(&id); err != nil {
		return "", notFound(err)
	}
	return id, nil
}
