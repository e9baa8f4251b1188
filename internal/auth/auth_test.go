package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "OpenMEE-Chain/internal/errors"
)

func newKeyService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeAPIKey,
		Keys: []KeyConfig{
			{Name: "ops", Hash: HashKey("ops-secret"), Permissions: []string{"*"}},
			{Name: "viewer", Key: "viewer-secret", Permissions: []string{PermissionRead}},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidatesConfig(t *testing.T) {
	cases := map[string]Config{
		"unknown mode": {Mode: "oauth"},
		"no keys":      {Mode: ModeAPIKey},
		"bad hash":     {Mode: ModeAPIKey, Keys: []KeyConfig{{Name: "a", Hash: "sha256:zz"}}},
		"empty key":    {Mode: ModeAPIKey, Keys: []KeyConfig{{Name: "a"}}},
	}
	for name, cfg := range cases {
		if _, err := NewService(cfg); !xerrors.HasCode(err, xerrors.CodeConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth: %v %v", svc.Mode(), err)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer ops-secret", "")
	if err != nil || subject.Name != "ops" {
		t.Fatalf("bearer: %v %+v", err, subject)
	}
	subject, err = svc.AuthenticateRequest(ctx, "", "viewer-secret")
	if err != nil || subject.Name != "viewer" {
		t.Fatalf("header: %v %+v", err, subject)
	}
	if subject.HasPermission(PermissionSubmit) || !subject.HasPermission(PermissionRead) {
		t.Fatalf("unexpected permissions: %v", subject.Permissions)
	}
	if _, err := svc.AuthenticateRequest(ctx, "", ""); err != ErrMissingKey {
		t.Fatalf("expected missing key, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic abc", "wrong"); err != ErrInvalidKey {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newKeyService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermissionSubmit},
		"*":             {PermissionRead},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method string
		key    string
		status int
		code   xerrors.Code
	}{
		{http.MethodGet, "", http.StatusUnauthorized, CodeUnauthenticated},
		{http.MethodGet, "nope", http.StatusUnauthorized, CodeUnauthenticated},
		{http.MethodPost, "viewer-secret", http.StatusForbidden, CodePermissionDenied},
		{http.MethodGet, "viewer-secret", http.StatusNoContent, ""},
		{http.MethodPost, "ops-secret", http.StatusNoContent, ""},
	}
	for _, tc := range cases {
		seen = nil
		req := httptest.NewRequest(tc.method, "/api/v1/supertx", nil)
		if tc.key != "" {
			req.Header.Set("X-API-Key", tc.key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %q: expected %d, got %d", tc.method, tc.key, tc.status, rec.Code)
		}
		if tc.code == "" {
			if seen == nil {
				t.Fatalf("%s %q: subject missing from context", tc.method, tc.key)
			}
			continue
		}
		var body struct {
			Code xerrors.Code `json:"code"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Code != tc.code {
			t.Fatalf("%s %q: expected code %s, got %s (%v)", tc.method, tc.key, tc.code, body.Code, err)
		}
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	called := false
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("expected handler to run")
	}
}
