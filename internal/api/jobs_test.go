package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/gemstudio/internal/config"
	"github.com/xiaopang/gemstudio/internal/core"
	"github.com/xiaopang/gemstudio/internal/model"
	"github.com/xiaopang/gemstudio/internal/store"
)

type apiFixture struct {
	router  *gin.Engine
	store   *store.Store
	userKey string
}

type echoUpstream struct{}

func (echoUpstream) Submit(ctx context.Context, req *model.SubmitJobRequest, credential string) (*model.JobOutcome, error) {
	images := make([]model.EditedImage, req.Units())
	for i := range images {
		images[i] = model.EditedImage{URL: "https://cdn.example.com/out.png"}
	}
	return &model.JobOutcome{Images: images, CompletedUnits: len(images)}, nil
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath, 20)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	uk, err := st.CreateUserKey(context.Background(), "user-1", "test")
	if err != nil {
		t.Fatalf("failed to create user key: %v", err)
	}

	cfg := &config.Config{}
	cfg.Server.AdminAPIKey = "admin-secret"

	credits := core.NewCreditManager(st, 15*time.Minute, time.Minute)
	limiter := core.NewRateLimiter(core.NewMemoryWindowStore())
	pool := core.NewKeyPool([]config.UpstreamKey{{Key: "sk-up-1234"}}, 5*time.Second, 10*time.Minute)
	jobs := core.NewJobService(credits, limiter, pool, echoUpstream{}, st, nil, 30*time.Second)

	jobHandler := NewJobHandler(jobs, credits, limiter)
	adminHandler := NewAdminHandler(credits, pool, st)
	router := SetupRouter(cfg, jobHandler, adminHandler, st)

	return &apiFixture{router: router, store: st, userKey: uk.Key}
}

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/ping", "", nil)
	if w.Code != 200 {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestSubmitJob_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/v1/jobs", "", map[string]any{"operation": "retouch"})
	if w.Code != 401 {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}

	w = f.do("POST", "/v1/jobs", "gsk-bogus", map[string]any{"operation": "retouch"})
	if w.Code != 401 {
		t.Errorf("expected 401 with bogus key, got %d", w.Code)
	}
}

func TestSubmitJob_Success(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/v1/jobs", f.userKey, map[string]any{
		"operation":  "retouch",
		"image_urls": []string{"https://img.example.com/ring.jpg"},
		"variants":   2,
	})
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result model.JobResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.CreditsCharged != 2 {
		t.Errorf("expected 2 charged, got %d", result.CreditsCharged)
	}
	if len(result.Images) != 2 {
		t.Errorf("expected 2 images, got %d", len(result.Images))
	}
}

func TestSubmitJob_ValidationError(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/v1/jobs", f.userKey, map[string]any{"operation": "retouch"})
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp model.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != model.CodeValidation {
		t.Errorf("expected validation_error code, got %q", resp.Error.Code)
	}
}

func TestSubmitJob_InsufficientCredits(t *testing.T) {
	f := newAPIFixture(t)

	// model_wear x4 needs 24 credits, signup grant is 20
	w := f.do("POST", "/v1/jobs", f.userKey, map[string]any{
		"operation":  "model_wear",
		"image_urls": []string{"https://img.example.com/ring.jpg"},
		"variants":   4,
	})
	if w.Code != 402 {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	var resp model.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != model.CodeInsufficientCredits {
		t.Errorf("expected insufficient_credits code, got %q", resp.Error.Code)
	}
	if resp.Error.Shortfall != 4 {
		t.Errorf("expected shortfall 4, got %d", resp.Error.Shortfall)
	}
}

func TestGetCredits(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/v1/credits", f.userKey, nil)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp model.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Balance != 20 || resp.Available != 20 {
		t.Errorf("expected balance=available=20, got %+v", resp)
	}
}

func TestAdmin_RequiresKey(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/api/accounts/user-1", "", nil)
	if w.Code != 401 {
		t.Errorf("expected 401 without admin key, got %d", w.Code)
	}

	w = f.do("GET", "/api/accounts/user-1", "wrong", nil)
	if w.Code != 401 {
		t.Errorf("expected 401 with wrong admin key, got %d", w.Code)
	}

	w = f.do("GET", "/api/accounts/user-1", "admin-secret", nil)
	if w.Code != 200 {
		t.Errorf("expected 200 with admin key, got %d", w.Code)
	}
}

func TestAdmin_GrantCredits(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/api/accounts/user-1/grant", "admin-secret", model.GrantRequest{Amount: 30})
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	acc, _ := f.store.GetOrCreateAccount(context.Background(), "user-1")
	if acc.Balance != 50 {
		t.Errorf("expected balance 50 after grant, got %d", acc.Balance)
	}

	// Non-positive grants are rejected
	w = f.do("POST", "/api/accounts/user-1/grant", "admin-secret", model.GrantRequest{Amount: -5})
	if w.Code != 400 {
		t.Errorf("expected 400 for negative grant, got %d", w.Code)
	}
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/api/keys", "admin-secret", map[string]any{"user_id": "user-2", "name": "phone"})
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Data model.UserKey `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Data.Key == "" {
		t.Fatal("expected generated key in response")
	}

	// New key authenticates
	w = f.do("GET", "/v1/credits", created.Data.Key, nil)
	if w.Code != 200 {
		t.Errorf("expected new key to authenticate, got %d", w.Code)
	}

	// Disable and verify it stops working
	w = f.do("DELETE", "/api/keys/"+created.Data.ID, "admin-secret", nil)
	if w.Code != 200 {
		t.Fatalf("expected 200 on disable, got %d", w.Code)
	}
	w = f.do("GET", "/v1/credits", created.Data.Key, nil)
	if w.Code != 401 {
		t.Errorf("expected disabled key to be rejected, got %d", w.Code)
	}
}

func TestAdmin_GetPool(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/api/pool", "admin-secret", nil)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// Key material must never appear in the snapshot
	if bytes.Contains(w.Body.Bytes(), []byte("sk-up-1234")) {
		t.Error("pool snapshot leaked the upstream key")
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("GET", "/ping", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	// Provided request ids are echoed back
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("expected echoed request id, got %q", got)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	f := newAPIFixture(t)

	// Rebuild with a tight submit limit
	limiter := core.NewRateLimiter(core.NewMemoryWindowStore())
	limiter.SetRule(core.ScopeSubmitIP, 1, time.Minute)
	credits := core.NewCreditManager(f.store, 15*time.Minute, time.Minute)
	pool := core.NewKeyPool([]config.UpstreamKey{{Key: "sk-up-1234"}}, 5*time.Second, 10*time.Minute)
	jobs := core.NewJobService(credits, limiter, pool, echoUpstream{}, f.store, nil, 30*time.Second)
	cfg := &config.Config{}
	f.router = SetupRouter(cfg, NewJobHandler(jobs, credits, limiter), NewAdminHandler(credits, pool, f.store), f.store)

	body := map[string]any{
		"operation":  "retouch",
		"image_urls": []string{"https://img.example.com/ring.jpg"},
	}
	f.do("POST", "/v1/jobs", f.userKey, body)

	w := f.do("POST", "/v1/jobs", f.userKey, body)
	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var resp model.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.RetryAfterSeconds < 1 {
		t.Errorf("expected retry_after_seconds >= 1, got %d", resp.Error.RetryAfterSeconds)
	}
}
