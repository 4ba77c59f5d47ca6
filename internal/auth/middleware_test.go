package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/credential"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

func TestMiddlewareAuthenticatesSessionJWT(t *testing.T) {
	sm := testSessionManager(t)
	store := newFakeStore()
	hmacKey := []byte("test-hmac-key-not-for-production")
	apikeyAuth := NewAPIKeyAuthenticator(store, hmacKey)

	orgID := uuid.New()
	token, err := sm.IssueToken(SessionClaims{
		UserID:         uuid.New().String(),
		OrgID:          orgID.String(),
		PlatformRole:   tenantctx.RoleUser,
		MembershipRole: tenantctx.MemberRoleOwner,
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var captured *tenantctx.Context
	handler := Middleware(sm, apikeyAuth, store, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = tenantctx.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured == nil || captured.OrgID != orgID {
		t.Fatalf("expected tenant context with org %s, got %+v", orgID, captured)
	}
}

func TestMiddlewareAuthenticatesAPIKey(t *testing.T) {
	sm := testSessionManager(t)
	store := newFakeStore()
	hmacKey := []byte("test-hmac-key-not-for-production")

	issued, err := credential.GenerateAPIKey(hmacKey)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	orgID := uuid.New()
	store.apiKeys[issued.Prefix] = APIKeyRecord{
		ID: uuid.New(), OrgID: orgID, Prefix: issued.Prefix, Hash: issued.Hash, Role: tenantctx.MemberRoleMember,
	}

	apikeyAuth := NewAPIKeyAuthenticator(store, hmacKey)

	var captured *tenantctx.Context
	handler := Middleware(sm, apikeyAuth, store, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = tenantctx.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/mcp/proxy", nil)
	req.Header.Set("X-API-Key", issued.RawKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured == nil || captured.OrgID != orgID {
		t.Fatalf("expected tenant context with org %s, got %+v", orgID, captured)
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	sm := testSessionManager(t)
	store := newFakeStore()
	apikeyAuth := NewAPIKeyAuthenticator(store, []byte("test-hmac-key-not-for-production"))

	handler := Middleware(sm, apikeyAuth, store, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
