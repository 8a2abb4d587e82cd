// Package report runs paid report generation: a per-report state machine
// that advances through named stages on a background goroutine.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/db"
	"diet-report/internal/dietfilter"
	"diet-report/internal/foods"
	"diet-report/internal/keylock"
	"diet-report/internal/macros"
	"diet-report/internal/models"
	"diet-report/pkg/logger"

	"github.com/google/uuid"
)

type Repository interface {
	CreateReport(ctx context.Context, r *models.Report) error
	UpdateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	LatestReport(ctx context.Context, confirmationID string) (*models.Report, error)
	StaleReports(ctx context.Context, status models.ReportStatus, cutoff time.Time) ([]*models.Report, error)
}

type Sessions interface {
	MergedProfile(ctx context.Context, token string) (models.Profile, error)
	Complete(ctx context.Context, token string) error
}

type TokenIssuer interface {
	Issue(ctx context.Context, reportID string) (string, error)
}

// GenerationInput is what the writer receives: the macro result, the
// filtered food guide and the health profile as snapshotted at start.
type GenerationInput struct {
	ReportID string
	Profile  models.Profile
	Macros   macros.Result
	Guide    dietfilter.Guide
}

// Writer turns a generation input into report content.
type Writer interface {
	Write(ctx context.Context, in GenerationInput) (string, error)
}

type WriterFunc func(ctx context.Context, in GenerationInput) (string, error)

func (f WriterFunc) Write(ctx context.Context, in GenerationInput) (string, error) {
	return f(ctx, in)
}

// Hook runs once a report is ready. Hook errors are logged and never
// change the report.
type Hook interface {
	Name() string
	ReportReady(ctx context.Context, r *models.Report, p models.Profile) error
}

type Options struct {
	// Timeout bounds one generation run from start to a terminal status.
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	// TTL is how long a ready report can be redeemed.
	TTL         time.Duration
	HookTimeout time.Duration
	Hooks       []Hook
	Now         func() time.Time
}

type Orchestrator struct {
	repo     Repository
	sessions Sessions
	tokens   TokenIssuer
	writer   Writer
	kb       *foods.KnowledgeBase
	opts     Options
	now      func() time.Time
	locks    *keylock.Map
	logger   *logger.Logger

	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.Map
}

func NewOrchestrator(repo Repository, sessions Sessions, tokens TokenIssuer, writer Writer, kb *foods.KnowledgeBase, opts Options, log *logger.Logger) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.TTL <= 0 {
		opts.TTL = 48 * time.Hour
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:     repo,
		sessions: sessions,
		tokens:   tokens,
		writer:   writer,
		kb:       kb,
		opts:     opts,
		now:      opts.Now,
		locks:    keylock.New(),
		logger:   log.Named("report"),
		base:     base,
		cancel:   cancel,
	}
}

// Start begins generation for a confirmed payment and returns without
// waiting for it. While the latest report of the confirmation is pending,
// generating or ready it is returned unchanged; after a failure a fresh
// report is started.
func (o *Orchestrator) Start(ctx context.Context, conf *models.PaymentConfirmation) (*models.Report, error) {
	unlock := o.locks.Lock(conf.ID)
	defer unlock()

	latest, err := o.repo.LatestReport(ctx, conf.ID)
	switch {
	case err == nil && latest.Status != models.ReportFailed:
		return latest, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("failed to load report: %w", err)
	}

	profile, profileErr := o.sessions.MergedProfile(ctx, conf.SessionToken)

	now := o.now()
	r := &models.Report{
		ID:             uuid.NewString(),
		SessionToken:   conf.SessionToken,
		ConfirmationID: conf.ID,
		Status:         models.ReportPending,
		Stage:          models.StageNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.AccessToken, err = o.tokens.Issue(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if err := o.repo.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	if profileErr != nil {
		// Recorded as failed so the token still resolves.
		o.fail(ctx, r, profileErr)
		return r, nil
	}

	r.Status = models.ReportGenerating
	r.UpdatedAt = o.now()
	if err := o.repo.UpdateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to start report: %w", err)
	}

	run := *r
	o.inflight.Store(r.ID, struct{}{})
	o.wg.Add(1)
	go o.run(&run, profile)

	o.logger.Infow("Report generation started",
		"report", r.ID,
		"session", r.SessionToken,
		"confirmation", conf.ID,
		"retry", latest != nil,
	)
	return r, nil
}

// Check runs the macro and food-guide stages on the session's current
// profile without generating anything.
func (o *Orchestrator) Check(ctx context.Context, sessionToken string) error {
	profile, err := o.sessions.MergedProfile(ctx, sessionToken)
	if err != nil {
		return err
	}
	if _, err := macros.ComputeProfile(profile); err != nil {
		return err
	}
	_, err = dietfilter.FilterProfile(o.kb, profile)
	return err
}

// Status returns the current state of a report.
func (o *Orchestrator) Status(ctx context.Context, reportID string) (*models.Report, error) {
	r, err := o.repo.GetReport(ctx, reportID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrNotFound
	}
	return r, err
}

func (o *Orchestrator) run(r *models.Report, profile models.Profile) {
	defer o.wg.Done()
	defer o.inflight.Delete(r.ID)

	ctx, cancel := context.WithTimeout(o.base, o.opts.Timeout)
	defer cancel()
	log := o.logger.With("report", r.ID)

	content, err := o.generate(ctx, r, profile)
	if err != nil {
		o.fail(ctx, r, err)
		return
	}

	exp := o.now().Add(o.opts.TTL)
	r.Status = models.ReportReady
	r.Content = content
	r.ExpiresAt = &exp
	r.UpdatedAt = o.now()
	if err := o.repo.UpdateReport(ctx, r); err != nil {
		o.fail(ctx, r, fmt.Errorf("failed to store report: %w", err))
		return
	}
	log.Infow("Report ready", "expires_at", exp, "bytes", len(content))

	o.completed(r, profile)
}

// generate walks the stages. Stage numbers only ever increase.
func (o *Orchestrator) generate(ctx context.Context, r *models.Report, profile models.Profile) (string, error) {
	if err := o.advance(ctx, r, models.StageCalculatingMacros); err != nil {
		return "", err
	}
	m, err := macros.ComputeProfile(profile)
	if err != nil {
		return "", err
	}

	if err := o.advance(ctx, r, models.StageBuildingFoodGuide); err != nil {
		return "", err
	}
	guide, err := dietfilter.FilterProfile(o.kb, profile)
	if err != nil {
		return "", err
	}

	if err := o.advance(ctx, r, models.StageDraftingReport); err != nil {
		return "", err
	}
	content, err := o.draft(ctx, GenerationInput{
		ReportID: r.ID,
		Profile:  profile,
		Macros:   m,
		Guide:    guide,
	})
	if err != nil {
		return "", err
	}

	if err := o.advance(ctx, r, models.StageFinalizing); err != nil {
		return "", err
	}
	return content, nil
}

func (o *Orchestrator) advance(ctx context.Context, r *models.Report, stage models.Stage) error {
	if stage <= r.Stage {
		return nil
	}
	r.Stage = stage
	r.UpdatedAt = o.now()
	if err := o.repo.UpdateReport(ctx, r); err != nil {
		return fmt.Errorf("failed to record stage %s: %w", stage.Name(), err)
	}
	o.logger.Debugw("Report stage", "report", r.ID, "stage", stage.Name())
	return nil
}

// draft calls the writer, retrying while attempts and budget remain.
func (o *Orchestrator) draft(ctx context.Context, in GenerationInput) (string, error) {
	for attempt := 1; ; attempt++ {
		content, err := o.writer.Write(ctx, in)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", interrupted(ctx, err)
		}

		o.logger.Warnw("Report writer failed", "report", in.ReportID, "attempt", attempt, "error", err)
		if attempt >= o.opts.MaxAttempts {
			return "", fmt.Errorf("%w: %v", apperr.ErrGenerationFailed, err)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= o.opts.RetryBackoff {
			return "", fmt.Errorf("%w: no budget left to retry: %v", apperr.ErrGenerationFailed, err)
		}

		timer := time.NewTimer(o.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", interrupted(ctx, err)
		case <-timer.C:
		}
	}
}

// interrupted classifies a writer error once ctx has ended: a spent budget
// is a timeout, a cancellation is a plain failure.
func interrupted(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperr.ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %v", apperr.ErrGenerationFailed, err)
}

// failureCode maps err onto the code recorded on a failed report.
func (o *Orchestrator) failureCode(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, apperr.ErrGenerationTimeout):
		return "GENERATION_TIMEOUT"
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && o.base.Err() == nil:
		return "GENERATION_TIMEOUT"
	}
	if code := apperr.Code(err); code != "INTERNAL" {
		return code
	}
	return "GENERATION_FAILED"
}

func (o *Orchestrator) fail(ctx context.Context, r *models.Report, cause error) {
	r.Status = models.ReportFailed
	r.FailureCode = o.failureCode(ctx, cause)
	r.FailureReason = cause.Error()
	if o.base.Err() != nil {
		r.FailureReason = "interrupted by shutdown: " + r.FailureReason
	}
	r.UpdatedAt = o.now()

	// ctx may already be done; the terminal status must still land.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.repo.UpdateReport(writeCtx, r); err != nil {
		o.logger.Errorw("Failed to record report failure", "report", r.ID, "error", err)
		return
	}
	o.logger.Warnw("Report generation failed",
		"report", r.ID,
		"stage", r.Stage.Name(),
		"code", r.FailureCode,
		"reason", r.FailureReason,
	)
}

func (o *Orchestrator) completed(r *models.Report, profile models.Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.HookTimeout)
	defer cancel()

	for _, h := range o.opts.Hooks {
		if err := h.ReportReady(ctx, r, profile); err != nil {
			o.logger.Errorw("Completion hook failed", "report", r.ID, "hook", h.Name(), "error", err)
		}
	}
	if err := o.sessions.Complete(ctx, r.SessionToken); err != nil {
		o.logger.Errorw("Failed to close session", "report", r.ID, "session", r.SessionToken, "error", err)
	}
}

// SweepStale forces reports left pending or generating past the timeout
// budget to failed, for example after a restart.
func (o *Orchestrator) SweepStale(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.opts.Timeout)
	swept := 0
	for _, status := range []models.ReportStatus{models.ReportPending, models.ReportGenerating} {
		stale, err := o.repo.StaleReports(ctx, status, cutoff)
		if err != nil {
			return swept, err
		}
		for _, r := range stale {
			if _, running := o.inflight.Load(r.ID); running {
				continue
			}
			r.Status = models.ReportFailed
			r.FailureCode = "GENERATION_TIMEOUT"
			r.FailureReason = fmt.Sprintf("stuck in %s past the %s budget", status, o.opts.Timeout)
			r.UpdatedAt = o.now()
			if err := o.repo.UpdateReport(ctx, r); err != nil {
				return swept, err
			}
			swept++
			o.logger.Warnw("Stale report failed", "report", r.ID, "stage", r.Stage.Name())
		}
	}
	return swept, nil
}

// RunSweeper calls SweepStale every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
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
			if _, err := o.SweepStale(ctx); err != nil {
				o.logger.Errorw("Report sweep failed", "error", err)
			}
		}
	}
}

// Wait blocks until every in-flight generation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels in-flight generations and waits for them to record a
// terminal status, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
