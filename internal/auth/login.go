package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/credential"
)

// TwoFactorStore is the slice of credential.Store that login needs:
// reading and consuming a user's TOTP enrollment. Kept as an interface so
// the HTTP handler can be tested without a live Postgres connection.
type TwoFactorStore interface {
	GetTwoFactor(ctx context.Context, userID uuid.UUID) (secretPlain string, backupHashes []string, err error)
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, remaining []string) error
}

// LoginHandler handles email/password login, the 2FA second factor, and
// logout: the HTTP surface of session authentication.
type LoginHandler struct {
	sessionMgr *SessionManager
	store      Storage
	creds      TwoFactorStore
	logger     *slog.Logger
	rateLimit  *RateLimiter
	auditW     *audit.Writer
}

// NewLoginHandler builds a LoginHandler.
func NewLoginHandler(sm *SessionManager, store Storage, creds TwoFactorStore, rl *RateLimiter, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{sessionMgr: sm, store: store, creds: creds, rateLimit: rl, logger: logger}
}

// WithAudit attaches the audit writer that records login_success,
// login_failure, token_refresh, and logout events.
func (h *LoginHandler) WithAudit(w *audit.Writer) *LoginHandler {
	h.auditW = w
	return h
}

// LoginRequest is the JSON body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned on success, or when a second factor is required.
type LoginResponse struct {
	Token             string `json:"token,omitempty"`
	TwoFactorRequired bool   `json:"two_factor_required,omitempty"`
	PendingToken      string `json:"pending_token,omitempty"`
}

// HandleLogin authenticates a user by email and password, then either
// issues a session JWT directly or, if 2FA is enrolled, a pending token
// scoped only to verifying the second factor.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	limitKey := fmt.Sprintf("%s:%s", req.Email, clientIP(r))
	if h.rateLimit != nil {
		result, err := h.rateLimit.Check(r.Context(), limitKey)
		if err != nil {
			h.logger.Error("rate limit check failed", "error", err)
		} else if !result.Allowed {
			retryAfter := int(time.Until(result.RetryAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			respondErr(w, http.StatusTooManyRequests, "RateLimited", "too many login attempts")
			return
		}
	}

	user, err := h.store.FindUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.fail(r, limitKey, "unknown email", req.Email)
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
		return
	}

	ok, err := credential.VerifyPassword(user.PasswordHash, req.Password)
	if err != nil || !ok {
		h.fail(r, limitKey, "bad password", req.Email)
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
		return
	}

	if user.Suspended {
		if h.auditW != nil {
			actor := user.ID
			h.auditW.LogFromRequest(r, "login_failure", &actor, nil, "user:"+user.ID.String(), map[string]any{
				"reason": "account suspended",
			})
		}
		respondErr(w, http.StatusForbidden, "Forbidden", "account is suspended")
		return
	}

	if h.rateLimit != nil {
		_ = h.rateLimit.Reset(r.Context(), limitKey)
	}

	if user.TwoFactorEnabled {
		pending, err := h.sessionMgr.IssuePendingToken(user.ID)
		if err != nil {
			h.logger.Error("issuing pending token", "error", err)
			respondErr(w, http.StatusInternalServerError, "Internal", "failed to start login")
			return
		}
		respondJSON(w, http.StatusOK, LoginResponse{TwoFactorRequired: true, PendingToken: pending})
		return
	}

	h.completeLogin(w, r, user)
}

// TwoFactorRequest is the JSON body for POST /v1/auth/2fa/verify.
type TwoFactorRequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

// HandleVerifyTwoFactor completes login given a valid pending token and
// either a TOTP code or an unused backup code.
func (h *LoginHandler) HandleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	userID, err := h.sessionMgr.ValidatePendingToken(req.PendingToken)
	if err != nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired pending token")
		return
	}

	// Second-factor attempts are throttled per user so codes cannot be
	// brute-forced inside the pending-token window.
	limitKey := "2fa:" + userID.String()
	if h.rateLimit != nil {
		result, err := h.rateLimit.Check(r.Context(), limitKey)
		if err != nil {
			h.logger.Error("2fa rate limit check failed", "error", err)
		} else if !result.Allowed {
			h.fail(r, limitKey, "2fa attempts exhausted", userID.String())
			respondErr(w, http.StatusTooManyRequests, "RateLimited", "too many verification attempts")
			return
		}
	}

	user, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired pending token")
		return
	}

	secret, backupHashes, err := h.creds.GetTwoFactor(r.Context(), userID)
	if err != nil {
		h.logger.Error("loading 2fa enrollment", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to verify second factor")
		return
	}

	valid, err := credential.ValidateTOTPCode(secret, req.Code)
	if err != nil {
		h.logger.Error("validating totp code", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to verify second factor")
		return
	}

	if !valid {
		idx, ok := credential.VerifyBackupCode(backupHashes, req.Code)
		if !ok {
			h.fail(r, limitKey, "invalid 2fa code", user.Email)
			respondErr(w, http.StatusUnauthorized, "TwoFactorInvalid", "invalid two-factor code")
			return
		}
		remaining := append(append([]string{}, backupHashes[:idx]...), backupHashes[idx+1:]...)
		if err := h.creds.ConsumeBackupCode(r.Context(), userID, remaining); err != nil {
			h.logger.Error("consuming backup code", "error", err)
		}
	}

	if h.rateLimit != nil {
		_ = h.rateLimit.Reset(r.Context(), limitKey)
	}
	h.completeLogin(w, r, user)
}

func (h *LoginHandler) completeLogin(w http.ResponseWriter, r *http.Request, user UserRecord) {
	orgID, err := h.store.DefaultOrgForUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("resolving default org", "error", err, "user_id", user.ID)
		respondErr(w, http.StatusForbidden, "Forbidden", "no organization membership found")
		return
	}

	membership, err := h.store.GetMembership(r.Context(), user.ID, orgID)
	if err != nil {
		h.logger.Error("resolving membership", "error", err, "user_id", user.ID)
		respondErr(w, http.StatusForbidden, "Forbidden", "no organization membership found")
		return
	}

	sessionID := uuid.New()
	if err := h.store.CreateSession(r.Context(), SessionRecord{
		ID:        sessionID,
		UserID:    user.ID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}); err != nil {
		h.logger.Error("creating session", "error", err, "user_id", user.ID)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to create session")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		SessionID:      sessionID.String(),
		UserID:         user.ID.String(),
		Email:          user.Email,
		OrgID:          orgID.String(),
		PlatformRole:   user.PlatformRole,
		MembershipRole: membership.Role,
	})
	if err != nil {
		h.logger.Error("issuing session token", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to issue token")
		return
	}

	_ = h.store.TouchLastLogin(r.Context(), user.ID)
	if h.auditW != nil {
		actor := user.ID
		h.auditW.LogFromRequest(r, "login_success", &actor, &orgID, "user:"+user.ID.String(), nil)
	}
	respondJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// HandleRefresh reissues a session token for a still-valid bearer token,
// provided the underlying session is not revoked and the user is not
// suspended.
func (h *LoginHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "a bearer token is required")
		return
	}

	claims, err := h.sessionMgr.ValidateToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
	if err != nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
		return
	}

	if claims.SessionID != "" {
		sessionID, err := uuid.Parse(claims.SessionID)
		if err != nil {
			respondErr(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
			return
		}
		sess, err := h.store.GetSession(r.Context(), sessionID)
		if err != nil || sess.RevokedAt != nil {
			respondErr(w, http.StatusUnauthorized, "Unauthorized", "session has been revoked")
			return
		}
	}

	user, err := h.store.GetUser(r.Context(), userID)
	if err != nil || user.Suspended {
		respondErr(w, http.StatusForbidden, "Forbidden", "account is suspended")
		return
	}

	token, err := h.sessionMgr.IssueToken(*claims)
	if err != nil {
		h.logger.Error("reissuing session token", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to refresh token")
		return
	}

	if h.auditW != nil {
		actor := userID
		h.auditW.LogFromRequest(r, "token_refresh", &actor, nil, "user:"+userID.String(), nil)
	}
	respondJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (h *LoginHandler) fail(r *http.Request, limitKey, reason, email string) {
	h.logger.Warn("login failed", "reason", reason, "email", email)
	if h.auditW != nil {
		h.auditW.LogFromRequest(r, "login_failure", nil, nil, "email:"+email, map[string]any{
			"reason": reason,
		})
	}
	if h.rateLimit != nil {
		if err := h.rateLimit.Record(r.Context(), limitKey); err != nil {
			h.logger.Error("recording failed login attempt", "error", err)
		}
	}
}

// HandleLogout acknowledges logout. Tokens reference a session row; the
// client discards its copy here, and server-side revocation (self-service
// or operator-initiated) marks the row revoked so remaining copies die on
// their next request.
func (h *LoginHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if h.auditW != nil {
		h.auditW.LogFromRequest(r, "logout", nil, nil, "", nil)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// clientIP extracts the caller's address, preferring X-Forwarded-For /
// X-Real-IP behind a trusted proxy and falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
