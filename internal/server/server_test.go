package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"kidstream/internal/api"
	"kidstream/internal/auth"
	"kidstream/internal/credentials"
	"kidstream/internal/models"
	"kidstream/internal/session"
	"kidstream/internal/stagepool"
	"kidstream/internal/storage"
	"kidstream/internal/testsupport/upstreamstub"
)

func newTestServer(t *testing.T, rateCfg RateLimitConfig) *Server {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	stub := upstreamstub.New().WithNow(clock.Now)
	repo := storage.NewMemory()

	issuer, err := credentials.NewIssuer(stub, credentials.Config{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	poolCfg := stagepool.DefaultConfig("us-east-1")
	poolCfg.TargetPoolSize = 0
	poolCfg.CreateSpacing = 0
	pool, err := stagepool.New(stub, issuer, poolCfg, nil, clock)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize pool: %v", err)
	}
	t.Cleanup(pool.Shutdown)

	manager, err := session.NewManager(repo, stub, pool, issuer, nil, nil, session.Config{}, nil, clock)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	authenticator, err := auth.NewStaticAuthenticator([]string{"tok-owner:owner-1"})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	repo.PutChild(models.Child{ID: "child-1", OwnerUserID: "owner-1", StreamingEnabled: true})

	handler := api.NewHandler(manager, pool, repo, authenticator, nil, "us-east-1")
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", RateLimit: rateCfg})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func doRequest(srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.HTTPServer().Handler.ServeHTTP(rec, req)
	return rec
}

func TestPublicRoutesSkipAuthentication(t *testing.T) {
	srv := newTestServer(t, RateLimitConfig{})

	for _, path := range []string{"/streams/whip", "/healthz", "/metrics"} {
		rec := doRequest(srv, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	srv := newTestServer(t, RateLimitConfig{})

	rec := doRequest(srv, http.MethodPost, "/streams/whip", "", `{"childId":"child-1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	rec = doRequest(srv, http.MethodPost, "/streams/whip", "bogus", `{"childId":"child-1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	rec = doRequest(srv, http.MethodPost, "/streams/whip", "tok-owner", `{"childId":"child-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid token status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	srv := newTestServer(t, RateLimitConfig{})

	rec := doRequest(srv, http.MethodGet, "/healthz", "", "")
	headers := rec.Header()
	if headers.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", headers.Get("X-Content-Type-Options"))
	}
	if headers.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("X-Frame-Options = %q", headers.Get("X-Frame-Options"))
	}
	if headers.Get("Content-Security-Policy") == "" {
		t.Fatal("missing Content-Security-Policy header")
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	srv := newTestServer(t, RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-from-client")
	rec := httptest.NewRecorder()
	srv.HTTPServer().Handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "req-from-client" {
		t.Fatalf("request id = %q", rec.Header().Get("X-Request-Id"))
	}

	rec = doRequest(srv, http.MethodGet, "/healthz", "", "")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestStartLimitBoundsStreamStarts(t *testing.T) {
	srv := newTestServer(t, RateLimitConfig{StartLimit: 1, StartWindow: time.Minute})

	rec := doRequest(srv, http.MethodPost, "/streams/whip", "tok-owner", `{"childId":"child-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(srv, http.MethodPost, "/streams/whip", "tok-owner", `{"childId":"child-1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second start status = %d", rec.Code)
	}
	// Reads are not start requests and stay unthrottled.
	rec = doRequest(srv, http.MethodGet, "/streams/whip", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status read status = %d", rec.Code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1})

	if rec := doRequest(srv, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
}
