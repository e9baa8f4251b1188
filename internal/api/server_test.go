package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMEE-Chain/internal/auth"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/job"
)

const samplePlan = `{
  "intents": [
    {"type": "transfer", "chain_id": 1, "token": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "recipient": "$account", "amount": "10000000"},
    {"type": "call", "chain_id": 1, "to": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "abi": "erc20", "function": "approve",
     "args": ["0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2", {"runtime": "erc20_balance_of", "token": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "holder": "$account"}]}
  ],
  "trigger": {"chain_id": 1, "token": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "amount": "10000000"},
  "fee_token": {"chain_id": 1, "address": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}
}`

type nopProducer struct {
	published []string
	err       error
}

func (p *nopProducer) Publish(_ context.Context, id string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, id)
	return nil
}

func (p *nopProducer) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *job.MemoryStore, *nopProducer) {
	t.Helper()
	store := job.NewMemoryStore()
	producer := &nopProducer{}
	return NewServer(":0", job.NewService(store, producer, "0xaa", 3)), store, producer
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestSubmitAndFetchJob(t *testing.T) {
	server, _, producer := newTestServer(t)
	handler := server.Handler()

	body := `{"id": "job-1", "plan": ` + samplePlan + `}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/supertx", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var created job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if created.ID != "job-1" || created.Status != job.StatusPending || len(created.Plan.Intents) != 2 {
		t.Fatalf("unexpected job %+v", created)
	}
	if len(producer.published) != 1 {
		t.Fatalf("job should be queued, published=%v", producer.published)
	}
	if created.Plan.Intents[1].Args[1].Runtime == nil {
		t.Fatal("runtime argument lost in the response")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var fetched job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if fetched.ID != "job-1" || fetched.Owner != "0xaa" {
		t.Fatalf("unexpected fetched job %+v", fetched)
	}
}

func TestSubmitRejectsInvalidPlans(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	cases := []struct {
		name string
		body string
		code xerrors.Code
	}{
		{name: "malformed json", body: `{"plan": `, code: xerrors.CodeInvalidArgument},
		{name: "unknown field", body: `{"plan": ` + samplePlan + `, "priority": 1}`, code: xerrors.CodeInvalidArgument},
		{name: "empty plan", body: `{"plan": {}}`, code: job.CodeJobValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/supertx", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, got)
			}
		})
	}
}

func TestSubmitReportsQueueFailure(t *testing.T) {
	server, _, producer := newTestServer(t)
	producer.err = errors.New("broker down")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/supertx",
		bytes.NewReader([]byte(`{"plan": `+samplePlan+`}`))))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != job.CodeJobPublish {
		t.Fatalf("unexpected error body %+v", got)
	}
}

func TestListAndStats(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()
	for _, j := range []*job.Job{
		{ID: "a", Status: job.StatusPending, MaxRetries: 3},
		{ID: "b", Status: job.StatusPending, MaxRetries: 3},
	} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.MarkSucceeded(ctx, "b", job.Result{Handle: "0xbeef", Status: "MINED_SUCCESS"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx?status=succeeded&limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var list struct {
		Jobs []job.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != "b" || list.Jobs[0].Result.Handle != "0xbeef" {
		t.Fatalf("unexpected list %+v", list.Jobs)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx/stats", nil))
	var stats job.JobStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	for _, query := range []string{"status=done", "limit=-1", "has_result=maybe", "order=sideways"} {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx?"+query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestHandleDetailErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.handleDetail(rec, httptest.NewRequest(http.MethodPost, "/api/v1/supertx/job-1", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.handleDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx/", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.handleDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx/missing", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		if got := decodeError(t, rec); got.Code != job.CodeJobNotFound {
			t.Fatalf("unexpected error body %+v", got)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/supertx/missing", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "supertx_detail") {
		t.Fatal("http request metrics should be labelled by handler")
	}
}

func TestAuthProtectsJobRoutes(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeAPIKey, Keys: []auth.KeyConfig{
		{Name: "reader", Key: "read-only", Permissions: []string{auth.PermissionRead}},
	}})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	store := job.NewMemoryStore()
	handler := NewServer(":0", job.NewService(store, &nopProducer{}, "0xaa", 3), WithAuth(svc)).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/supertx", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/supertx", strings.NewReader(`{"plan": `+samplePlan+`}`))
	req.Header.Set("Authorization", "Bearer read-only")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != auth.CodePermissionDenied {
		t.Fatalf("unexpected code %s", body.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/supertx/stats", nil)
	req.Header.Set("X-API-Key", "read-only")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics should stay public, got %d", rec.Code)
	}
}
