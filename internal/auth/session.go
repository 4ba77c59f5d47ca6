package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// sessionIssuer is the fixed jwt "iss" claim for every token this service
// mints, checked on every ValidateToken call.
const sessionIssuer = "plexmcp"

// SessionClaims are the claims embedded in a self-issued session JWT,
// carrying the full org-scoped identity needed to build a
// tenantctx.Context without an extra lookup.
type SessionClaims struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	OrgID          string `json:"org_id"`
	PlatformRole   string `json:"platform_role"`
	MembershipRole string `json:"membership_role"`
}

// pendingClaims are embedded in the short-lived token issued after a
// correct password but before the second factor is verified.
type pendingClaims struct {
	UserID string `json:"pending_user_id"`
}

// SessionManager issues and validates self-signed HMAC-SHA256 session
// JWTs via go-jose.
type SessionManager struct {
	signingKey []byte
	sessionTTL time.Duration
	pendingTTL time.Duration
}

// NewSessionManager creates a session manager. secret must be at least 32
// bytes; config.Config.Validate enforces this before the manager is built.
func NewSessionManager(secret string, sessionTTL time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &SessionManager{
		signingKey: []byte(secret),
		sessionTTL: sessionTTL,
		pendingTTL: 5 * time.Minute,
	}, nil
}

func (sm *SessionManager) sign(subject string, ttl time.Duration, custom any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: sm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    sessionIssuer,
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// IssueToken creates a fully authenticated session JWT.
func (sm *SessionManager) IssueToken(claims SessionClaims) (string, error) {
	return sm.sign(claims.UserID, sm.sessionTTL, claims)
}

// IssuePendingToken creates a short-lived token scoped only to completing
// the second authentication factor.
func (sm *SessionManager) IssuePendingToken(userID uuid.UUID) (string, error) {
	return sm.sign(userID.String(), sm.pendingTTL, pendingClaims{UserID: userID.String()})
}

// ValidateToken verifies the JWT signature, issuer, and expiry and returns
// the embedded session claims.
func (sm *SessionManager) ValidateToken(raw string) (*SessionClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom SessionClaims
	if err := tok.Claims(sm.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: sessionIssuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	if custom.UserID == "" {
		return nil, fmt.Errorf("token is not a session token")
	}

	return &custom, nil
}

// ValidatePendingToken verifies a token minted by IssuePendingToken and
// returns the pending user id.
func (sm *SessionManager) ValidatePendingToken(raw string) (uuid.UUID, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom pendingClaims
	if err := tok.Claims(sm.signingKey, &registered, &custom); err != nil {
		return uuid.Nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: sessionIssuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return uuid.Nil, fmt.Errorf("validating claims: %w", err)
	}

	if custom.UserID == "" {
		return uuid.Nil, fmt.Errorf("token is not a pending 2fa token")
	}

	userID, err := uuid.Parse(custom.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing pending user id: %w", err)
	}
	return userID, nil
}
