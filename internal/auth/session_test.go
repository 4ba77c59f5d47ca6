package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	sm, err := NewSessionManager("this-is-a-32-byte-test-secret!!!", time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return sm
}

func TestNewSessionManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewSessionManager("too-short", time.Hour); err == nil {
		t.Fatal("expected error for a secret shorter than 32 bytes")
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	sm := testSessionManager(t)
	claims := SessionClaims{
		UserID:         uuid.New().String(),
		Email:          "alice@example.com",
		OrgID:          uuid.New().String(),
		PlatformRole:   "user",
		MembershipRole: "owner",
	}

	token, err := sm.IssueToken(claims)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	got, err := sm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if *got != claims {
		t.Fatalf("got %+v, want %+v", *got, claims)
	}
}

func TestValidateTokenRejectsTamperedSignature(t *testing.T) {
	sm := testSessionManager(t)
	token, err := sm.IssueToken(SessionClaims{UserID: uuid.New().String()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	other, err := NewSessionManager("a-completely-different-32-byte-k", time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatal("expected token signed with a different key to fail validation")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	sm, err := NewSessionManager("this-is-a-32-byte-test-secret!!!", -time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	token, err := sm.IssueToken(SessionClaims{UserID: uuid.New().String()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := sm.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestPendingTokenRoundTrip(t *testing.T) {
	sm := testSessionManager(t)
	userID := uuid.New()

	token, err := sm.IssuePendingToken(userID)
	if err != nil {
		t.Fatalf("IssuePendingToken: %v", err)
	}

	got, err := sm.ValidatePendingToken(token)
	if err != nil {
		t.Fatalf("ValidatePendingToken: %v", err)
	}
	if got != userID {
		t.Fatalf("got %s, want %s", got, userID)
	}

	if _, err := sm.ValidateToken(token); err == nil {
		t.Fatal("expected a pending token to be rejected as a session token")
	}
}
