package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"diet-report/internal/db"
	"diet-report/internal/foods"
	"diet-report/internal/models"
	"diet-report/internal/payment"
	"diet-report/internal/report"
	"diet-report/internal/session"
	"diet-report/internal/token"
	"diet-report/pkg/logger"
)

type stack struct {
	srv    *httptest.Server
	orch   *report.Orchestrator
	repo   *db.Memory
	writes int
	// skew moves the issuer clock ahead of the wall clock.
	skew atomic.Int64
}

type fakeWebhooks struct {
	completed *payment.CompletedCheckout
	err       error
}

func (f *fakeWebhooks) ParseWebhook([]byte, string) (*payment.CompletedCheckout, error) {
	return f.completed, f.err
}

func newStack(t *testing.T, webhooks WebhookParser) *stack {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()
	kb, err := foods.Default()
	if err != nil {
		t.Fatalf("foods.Default: %v", err)
	}

	st := &stack{repo: db.NewMemory()}
	sessions := session.NewStore(st.repo, session.Options{TTL: time.Hour, DirtyWindow: time.Second}, log)
	issuer := token.NewIssuer(st.repo, st.repo, token.Options{
		Retention: 7 * 24 * time.Hour,
		Now:       func() time.Time { return time.Now().Add(time.Duration(st.skew.Load())) },
	}, log)
	writer := report.WriterFunc(func(_ context.Context, in report.GenerationInput) (string, error) {
		st.writes++
		return "<h1>Report for " + in.Guide.DietType + "</h1>", nil
	})
	st.orch = report.NewOrchestrator(st.repo, sessions, issuer, writer, kb, report.Options{
		Timeout:     5 * time.Second,
		MaxAttempts: 2,
		TTL:         48 * time.Hour,
	}, log)
	t.Cleanup(func() { _ = st.orch.Shutdown(context.Background()) })

	gate, err := payment.NewGate(st.repo, sessions, st.orch, payment.Options{
		Tiers: []models.Tier{{ID: "bundle", Name: "Bundle", PriceCents: 999}},
	}, log)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := gate.SeedCoupons(ctx, []models.Coupon{{Code: "TEST999", Kind: models.DiscountPercentage, Value: 100}}); err != nil {
		t.Fatalf("SeedCoupons: %v", err)
	}

	router := NewRouter(Deps{
		Sessions: sessions,
		Gate:     gate,
		Tokens:   issuer,
		Webhooks: webhooks,
	}, log)
	st.srv = httptest.NewServer(router)
	t.Cleanup(st.srv.Close)
	return st
}

func (s *stack) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, s.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (s *stack) newSession(t *testing.T) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/session", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /session = %d", resp.StatusCode)
	}
	return body["session_token"].(string)
}

func expectCode(t *testing.T, resp *http.Response, body map[string]any, status int, code string) {
	t.Helper()
	if resp.StatusCode != status || body["code"] != code {
		t.Fatalf("expected %d %s, got %d %v", status, code, resp.StatusCode, body)
	}
}

// Questionnaire through a free checkout to the stored report.
func TestPaidReportFlow(t *testing.T) {
	s := newStack(t, nil)
	tok := s.newSession(t)

	steps := []map[string]any{
		{"sex": "male", "age": 35, "height_cm": 178, "weight_kg": 82},
		{"activity_level": "moderate", "goal": "lose", "deficit_percent": 15},
		{"diet_type": "carnivore", "health": map[string]any{"allergies": "dairy, eggs", "foods_to_avoid": "ground beef"}},
	}
	for i, step := range steps {
		resp, body := s.do(t, http.MethodPost, "/session/"+tok+"/step/"+string(rune('1'+i)), step)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("step %d = %d %v", i+1, resp.StatusCode, body)
		}
	}

	resp, m := s.do(t, http.MethodGet, "/session/"+tok+"/macros", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("macros = %d %v", resp.StatusCode, m)
	}
	if m["calories"].(float64) != 2322 || m["carb_g"].(float64) != 0 {
		t.Fatalf("unexpected macros: %v", m)
	}

	if resp, body := s.do(t, http.MethodPost, "/session/"+tok+"/tier", map[string]string{"tier_id": "bundle"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("tier = %d %v", resp.StatusCode, body)
	}
	resp, q := s.do(t, http.MethodPost, "/session/"+tok+"/coupon", map[string]string{"code": "test999"})
	if resp.StatusCode != http.StatusOK || q["final_price"].(float64) != 0 || q["discount"].(float64) != 999 {
		t.Fatalf("coupon = %d %v", resp.StatusCode, q)
	}

	resp, co := s.do(t, http.MethodPost, "/session/"+tok+"/checkout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkout = %d %v", resp.StatusCode, co)
	}
	ref := co["payment_reference"].(string)
	if !strings.HasPrefix(ref, payment.FreeReferencePrefix) {
		t.Fatalf("expected a free reference, got %q", ref)
	}

	resp, conf := s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]string{"payment_reference": ref})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("confirm = %d %v", resp.StatusCode, conf)
	}
	access := conf["access_token"].(string)
	if conf["report"].(map[string]any)["status"] != "generating" {
		t.Fatalf("expected a generating report, got %v", conf["report"])
	}

	// Same reference again: same report, no second generation.
	_, again := s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]string{"payment_reference": ref})
	if again["access_token"] != access {
		t.Fatalf("repeat confirmation returned a different token")
	}
	s.orch.Wait()
	if s.writes != 1 {
		t.Fatalf("expected one generation, got %d", s.writes)
	}

	resp, st := s.do(t, http.MethodGet, "/report/"+access+"/status", nil)
	if resp.StatusCode != http.StatusOK || st["status"] != "ready" || st["stage_name"] != "finalizing" {
		t.Fatalf("status = %d %v", resp.StatusCode, st)
	}

	resp, _ = s.do(t, http.MethodGet, "/report/"+access, nil)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("report = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, body := s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]string{"payment_reference": "cs_other"})
	expectCode(t, resp, body, http.StatusConflict, "ALREADY_PAID")
}

func TestReportContentIsVerbatim(t *testing.T) {
	s := newStack(t, nil)
	tok := s.newSession(t)
	s.do(t, http.MethodPost, "/session/"+tok+"/step/1", map[string]any{
		"sex": "female", "age": 30, "height_cm": 165, "weight_kg": 60,
		"activity_level": "light", "goal": "maintain", "diet_type": "keto",
	})
	s.do(t, http.MethodPost, "/session/"+tok+"/coupon", map[string]string{"code": "TEST999"})
	_, co := s.do(t, http.MethodPost, "/session/"+tok+"/checkout", nil)
	_, conf := s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]any{"payment_reference": co["payment_reference"]})
	s.orch.Wait()

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/report/"+conf["access_token"].(string), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET report: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "<h1>Report for keto</h1>" {
		t.Fatalf("unexpected content %q", buf.String())
	}
}

func TestUnusableProfileIsNotConfirmed(t *testing.T) {
	s := newStack(t, nil)
	tok := s.newSession(t)
	profile := map[string]any{
		"sex": "female", "age": "thirty-five", "height_cm": 165, "weight_kg": 60,
		"activity_level": "light", "goal": "maintain", "diet_type": "keto",
	}
	s.do(t, http.MethodPost, "/session/"+tok+"/step/1", profile)
	s.do(t, http.MethodPost, "/session/"+tok+"/tier", map[string]string{"tier_id": "bundle"})

	resp, body := s.do(t, http.MethodPost, "/session/"+tok+"/checkout", nil)
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")
	resp, body = s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]string{"payment_reference": "cs_test_1"})
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")
	if _, err := s.repo.GetConfirmation(context.Background(), tok); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("rejected confirmation was stored: %v", err)
	}

	profile["age"] = 35
	s.do(t, http.MethodPost, "/session/"+tok+"/step/1", profile)
	resp, conf := s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]string{"payment_reference": "cs_test_2"})
	if resp.StatusCode != http.StatusAccepted || conf["access_token"] == nil {
		t.Fatalf("confirm after fixing the profile = %d %v", resp.StatusCode, conf)
	}
	s.orch.Wait()
}

func TestErrorMapping(t *testing.T) {
	s := newStack(t, nil)
	tok := s.newSession(t)

	resp, body := s.do(t, http.MethodPost, "/session/nope/step/1", map[string]any{"age": 30})
	expectCode(t, resp, body, http.StatusNotFound, "SESSION_NOT_FOUND")

	resp, body = s.do(t, http.MethodPost, "/session/"+tok+"/step/1", "[1,2]")
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")

	resp, body = s.do(t, http.MethodPost, "/session/"+tok+"/step/0", map[string]any{"age": 30})
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")

	resp, body = s.do(t, http.MethodGet, "/session/"+tok+"/macros", nil)
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")

	resp, body = s.do(t, http.MethodPost, "/session/"+tok+"/coupon", map[string]string{"code": "GUESS"})
	expectCode(t, resp, body, http.StatusBadRequest, "INVALID_COUPON")

	resp, body = s.do(t, http.MethodPost, "/session/"+tok+"/confirm-payment", map[string]string{"payment_reference": "cs_1"})
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")

	resp, body = s.do(t, http.MethodGet, "/report/"+strings.Repeat("A", 43), nil)
	expectCode(t, resp, body, http.StatusNotFound, "NOT_FOUND")

	resp, _ = s.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}

func TestExpiredReportIsGone(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if err := s.repo.CreateReport(ctx, &models.Report{ID: "r-old", Status: models.ReportReady, Content: "still here", ExpiresAt: &past}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	access := strings.Repeat("B", 43)
	if err := s.repo.PutToken(ctx, access, "r-old", time.Hour); err != nil {
		t.Fatalf("PutToken: %v", err)
	}

	resp, body := s.do(t, http.MethodGet, "/report/"+access, nil)
	expectCode(t, resp, body, http.StatusGone, "EXPIRED")

	resp, st := s.do(t, http.MethodGet, "/report/"+access+"/status", nil)
	if resp.StatusCode != http.StatusOK || st["expired"] != true {
		t.Fatalf("status of an expired report = %d %v", resp.StatusCode, st)
	}
}

func TestStatusAndRedeemAgreeOnExpiry(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	if err := s.repo.CreateReport(ctx, &models.Report{ID: "r-soon", Status: models.ReportReady, Content: "plan", ExpiresAt: &exp}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	access := strings.Repeat("C", 43)
	if err := s.repo.PutToken(ctx, access, "r-soon", time.Hour); err != nil {
		t.Fatalf("PutToken: %v", err)
	}

	resp, st := s.do(t, http.MethodGet, "/report/"+access+"/status", nil)
	if resp.StatusCode != http.StatusOK || st["expired"] == true {
		t.Fatalf("fresh report reported expired: %d %v", resp.StatusCode, st)
	}
	if resp, _ := s.do(t, http.MethodGet, "/report/"+access, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh report = %d", resp.StatusCode)
	}

	s.skew.Store(int64(2 * time.Hour))
	resp, st = s.do(t, http.MethodGet, "/report/"+access+"/status", nil)
	if resp.StatusCode != http.StatusOK || st["expired"] != true {
		t.Fatalf("status should follow the issuer clock: %d %v", resp.StatusCode, st)
	}
	resp, body := s.do(t, http.MethodGet, "/report/"+access, nil)
	expectCode(t, resp, body, http.StatusGone, "EXPIRED")
}

func TestStripeWebhook(t *testing.T) {
	hooks := &fakeWebhooks{}
	s := newStack(t, hooks)
	tok := s.newSession(t)
	s.do(t, http.MethodPost, "/session/"+tok+"/step/1", map[string]any{
		"sex": "male", "age": 40, "height_cm": 180, "weight_kg": 90,
		"activity_level": "active", "goal": "gain", "deficit_percent": 10, "diet_type": "paleo",
	})
	s.do(t, http.MethodPost, "/session/"+tok+"/tier", map[string]string{"tier_id": "bundle"})

	post := func(sig string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/webhook/stripe", strings.NewReader(`{}`))
		if sig != "" {
			req.Header.Set("Stripe-Signature", sig)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST webhook: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post(""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing signature = %d", resp.StatusCode)
	}

	// Unrelated events are acknowledged without side effects.
	if resp := post("t=1,v1=x"); resp.StatusCode != http.StatusOK {
		t.Fatalf("ignored event = %d", resp.StatusCode)
	}

	hooks.completed = &payment.CompletedCheckout{Reference: "cs_live_1", SessionToken: tok}
	for i := 0; i < 2; i++ {
		if resp := post("t=1,v1=x"); resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d = %d", i+1, resp.StatusCode)
		}
	}
	s.orch.Wait()
	if s.writes != 1 {
		t.Fatalf("redelivered webhook generated %d reports", s.writes)
	}
	conf, err := s.repo.GetConfirmation(context.Background(), tok)
	if err != nil || conf.PaymentReference != "cs_live_1" {
		t.Fatalf("webhook did not confirm payment: %v %v", conf, err)
	}

	hooks.err = errors.New("signature mismatch")
	if resp := post("t=1,v1=bad"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("bad signature = %d", resp.StatusCode)
	}
}

func TestWebhookWithoutProcessor(t *testing.T) {
	s := newStack(t, nil)
	resp, body := s.do(t, http.MethodPost, "/webhook/stripe", `{}`)
	expectCode(t, resp, body, http.StatusServiceUnavailable, "NOT_CONFIGURED")
}
