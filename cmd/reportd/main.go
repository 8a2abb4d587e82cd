// cmd/reportd/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diet-report/config"
	"diet-report/internal/bot"
	"diet-report/internal/db"
	"diet-report/internal/foods"
	"diet-report/internal/gpt"
	"diet-report/internal/models"
	"diet-report/internal/notify"
	"diet-report/internal/payment"
	"diet-report/internal/report"
	"diet-report/internal/server"
	"diet-report/internal/session"
	"diet-report/internal/token"
	"diet-report/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// repository is what every component needs from storage. Both the
// PostgreSQL and the in-memory store provide it.
type repository interface {
	session.Repository
	payment.Repository
	report.Repository
	token.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatalw("Failed to load config", "error", err)
	}

	l := logger.ForMode(cfg.Mode)
	defer l.Sync()
	l.Infow("Starting diet report service...", "mode", cfg.Mode)

	if cfg.GPT.APIKey == "" {
		l.Fatalw("GPT API key is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo := openRepository(ctx, cfg, l)
	defer closeRepo()

	var tokenStore token.Store = repo
	if cfg.Redis.Addr != "" {
		rs, err := token.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			l.Fatalw("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		}
		defer rs.Close()
		tokenStore = rs
		l.Infow("Access tokens stored in Redis", "addr", cfg.Redis.Addr)
	}

	kb, err := foods.Default()
	if err != nil {
		l.Fatalw("Failed to load food knowledge base", "error", err)
	}

	sessions := session.NewStore(repo, session.Options{
		TTL:         cfg.Session.TTL,
		DirtyWindow: cfg.Session.DirtyWindow,
	}, l)

	issuer := token.NewIssuer(tokenStore, repo, token.Options{Retention: cfg.Report.TokenRetention}, l)

	gptClient := gpt.NewClient(cfg.GPT)

	orch := report.NewOrchestrator(repo, sessions, issuer, gptClient, kb, report.Options{
		Timeout:      cfg.Report.GenerationTimeout,
		MaxAttempts:  cfg.Report.MaxAttempts,
		RetryBackoff: cfg.Report.RetryBackoff,
		TTL:          cfg.Report.TTL,
		Hooks:        buildHooks(ctx, cfg, l),
	}, l)

	gateOpts := payment.Options{Tiers: tiersFrom(cfg.Tiers)}
	var webhooks server.WebhookParser
	if cfg.Stripe.SecretKey != "" {
		stripeClient := payment.NewStripeClient(cfg.Stripe)
		gateOpts.Verifier = stripeClient
		gateOpts.Checkouts = stripeClient
		if cfg.Stripe.WebhookKey != "" {
			webhooks = stripeClient
		}
	} else {
		l.Warnw("Stripe is not configured, paid references are accepted unverified")
	}

	gate, err := payment.NewGate(repo, sessions, orch, gateOpts, l)
	if err != nil {
		l.Fatalw("Failed to create payment gate", "error", err)
	}
	if err := gate.SeedCoupons(ctx, couponsFrom(cfg.Coupons)); err != nil {
		l.Fatalw("Failed to seed coupons", "error", err)
	}

	var intake *bot.TelegramBot
	if cfg.Telegram.Token != "" && cfg.Telegram.Intake {
		intake, err = bot.NewTelegramBot(cfg.Telegram.Token, sessions, gate, l)
		if err != nil {
			l.Fatalw("Failed to create Telegram bot", "error", err)
		}
	}

	router := server.NewRouter(server.Deps{
		Sessions: sessions,
		Gate:     gate,
		Tokens:   issuer,
		Webhooks: webhooks,
	}, l)
	httpServer := server.NewServer(cfg.Server.Port, router, l)

	// Reports left generating by a previous process can never finish.
	if n, err := orch.SweepStale(ctx); err != nil {
		l.Errorw("Initial report sweep failed", "error", err)
	} else if n > 0 {
		l.Infow("Marked stale reports as timed out", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Infow("Starting HTTP server...", "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sessions.RunReconciler(gctx, cfg.Session.ReconcileInterval) })
	g.Go(func() error { return sessions.RunSweeper(gctx, cfg.Session.SweepInterval) })
	g.Go(func() error { return orch.RunSweeper(gctx, cfg.Report.SweepInterval) })
	if intake != nil {
		// The HTTP API keeps serving if the bot cannot poll.
		g.Go(func() error {
			if err := intake.Run(gctx); err != nil {
				l.Errorw("Telegram intake stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		l.Infow("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop HTTP server first
		if err := httpServer.Stop(shutdownCtx); err != nil {
			l.Errorw("Error during HTTP server shutdown", "error", err)
		}
		// Then let running generations record their outcome
		if err := orch.Shutdown(shutdownCtx); err != nil {
			l.Errorw("Report generations did not finish in time", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Errorw("Service stopped with error", "error", err)
		closeRepo()
		os.Exit(1)
	}
	l.Infow("Service stopped successfully")
}

func openRepository(ctx context.Context, cfg *config.Config, l *logger.Logger) (repository, func()) {
	if !cfg.DB.Enabled() {
		l.Warnw("No database configured, using in-memory storage")
		return db.NewMemory(), func() {}
	}

	// Initialize database connection with retry
	var (
		database *db.PostgresDB
		err      error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(cfg.DB)
		if err == nil {
			break
		}
		l.Errorw("Failed to connect to database, retrying...", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if database == nil {
		l.Fatalw("Failed to connect to database after multiple attempts", "error", err)
	}
	if err := database.EnsureSchema(ctx); err != nil {
		database.Close()
		l.Fatalw("Failed to apply database schema", "error", err)
	}
	return database, database.Close
}

// buildHooks returns the delivery hooks whose credentials are configured.
func buildHooks(ctx context.Context, cfg *config.Config, l *logger.Logger) []report.Hook {
	var hooks []report.Hook

	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Report.PublicURL, l)
		if err != nil {
			l.Errorw("Telegram notifications disabled", "error", err)
		} else {
			hooks = append(hooks, tg)
		}
	}

	if cfg.AWS.Region != "" && (cfg.AWS.SESSender != "" || cfg.AWS.S3Bucket != "") {
		awsCfg, err := notify.LoadAWSConfig(ctx, cfg.AWS.Region)
		if err != nil {
			l.Errorw("AWS hooks disabled", "error", err)
			return hooks
		}
		if cfg.AWS.SESSender != "" {
			hooks = append(hooks, notify.NewEmail(awsCfg, cfg.AWS.SESSender, cfg.Report.PublicURL, l))
		}
		if cfg.AWS.S3Bucket != "" {
			hooks = append(hooks, notify.NewArchive(awsCfg, cfg.AWS.S3Bucket, l))
		}
	}

	for _, h := range hooks {
		l.Infow("Delivery hook enabled", "hook", h.Name())
	}
	return hooks
}

func tiersFrom(in []config.TierConfig) []models.Tier {
	out := make([]models.Tier, 0, len(in))
	for _, t := range in {
		out = append(out, models.Tier{ID: t.ID, Name: t.Name, PriceCents: t.PriceCents})
	}
	return out
}

func couponsFrom(in []config.CouponConfig) []models.Coupon {
	out := make([]models.Coupon, 0, len(in))
	for _, c := range in {
		cp := models.Coupon{
			Code:    c.Code,
			Kind:    models.DiscountKind(c.Kind),
			Value:   c.Value,
			MaxUses: c.MaxUses,
		}
		if !c.ExpiresAt.IsZero() {
			exp := c.ExpiresAt
			cp.ExpiresAt = &exp
		}
		out = append(out, cp)
	}
	return out
}
