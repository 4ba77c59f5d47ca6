package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/credential"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// TwoFactorCredStore is the slice of credential.Store the enrollment
// handlers need.
type TwoFactorCredStore interface {
	TwoFactorStore
	PutTwoFactor(ctx context.Context, userID uuid.UUID, secretPlain string, backupHashes []string) error
	DeleteTwoFactor(ctx context.Context, userID uuid.UUID) error
}

// TwoFactorHandler serves self-service 2FA enrollment: generate a secret,
// activate it by proving possession, and disable it again. Admin-forced
// disable lives in the admin package.
type TwoFactorHandler struct {
	store  Storage
	creds  TwoFactorCredStore
	logger *slog.Logger
}

// NewTwoFactorHandler builds a TwoFactorHandler.
func NewTwoFactorHandler(store Storage, creds TwoFactorCredStore, logger *slog.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{store: store, creds: creds, logger: logger}
}

// Routes returns the authenticated 2FA management routes.
func (h *TwoFactorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/enroll", h.handleEnroll)
	r.Post("/activate", h.handleActivate)
	r.Post("/disable", h.handleDisable)
	return r
}

// handleEnroll generates a fresh TOTP secret and backup codes. The secret
// stays inactive until the user proves possession via /activate; the
// plaintext codes appear in this response and nowhere else.
func (h *TwoFactorHandler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok || tc.UserID == uuid.Nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "a user session is required")
		return
	}

	user, err := h.store.GetUser(r.Context(), tc.UserID)
	if err != nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "a user session is required")
		return
	}

	secret, uri, err := credential.GenerateTOTPSecret(user.Email)
	if err != nil {
		h.logger.Error("generating totp secret", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to start enrollment")
		return
	}

	codes, hashes, err := credential.GenerateBackupCodes(10)
	if err != nil {
		h.logger.Error("generating backup codes", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to start enrollment")
		return
	}

	if err := h.creds.PutTwoFactor(r.Context(), tc.UserID, secret, hashes); err != nil {
		h.logger.Error("storing 2fa enrollment", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to start enrollment")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"secret":       secret,
		"otpauth_uri":  uri,
		"backup_codes": codes,
	})
}

// twoFactorCodeRequest carries a current TOTP code.
type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

// handleActivate flips the enrollment live once the user presents a code
// generated from the new secret.
func (h *TwoFactorHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok || tc.UserID == uuid.Nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "a user session is required")
		return
	}

	var req twoFactorCodeRequest
	if !decodeCode(w, r, &req) {
		return
	}

	secret, _, err := h.creds.GetTwoFactor(r.Context(), tc.UserID)
	if err != nil {
		respondErr(w, http.StatusConflict, "Conflict", "no pending enrollment; call /enroll first")
		return
	}

	valid, err := credential.ValidateTOTPCode(secret, req.Code)
	if err != nil || !valid {
		respondErr(w, http.StatusUnauthorized, "TwoFactorInvalid", "invalid two-factor code")
		return
	}

	if err := h.store.SetTwoFactorEnabled(r.Context(), tc.UserID, true); err != nil {
		h.logger.Error("enabling 2fa", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to activate two-factor")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// handleDisable turns 2FA off for the caller. Requires a current code or an
// unused backup code, then deletes the stored secret and backup codes and
// clears the user's 2FA flag as two separate writes. Trusted devices are
// not removed.
func (h *TwoFactorHandler) handleDisable(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok || tc.UserID == uuid.Nil {
		respondErr(w, http.StatusUnauthorized, "Unauthorized", "a user session is required")
		return
	}

	var req twoFactorCodeRequest
	if !decodeCode(w, r, &req) {
		return
	}

	secret, backupHashes, err := h.creds.GetTwoFactor(r.Context(), tc.UserID)
	if err != nil {
		respondErr(w, http.StatusConflict, "Conflict", "two-factor is not enabled")
		return
	}

	valid, err := credential.ValidateTOTPCode(secret, req.Code)
	if err != nil {
		h.logger.Error("validating totp code", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to disable two-factor")
		return
	}
	if !valid {
		if _, ok := credential.VerifyBackupCode(backupHashes, req.Code); !ok {
			respondErr(w, http.StatusUnauthorized, "TwoFactorInvalid", "invalid two-factor code")
			return
		}
	}

	if err := h.creds.DeleteTwoFactor(r.Context(), tc.UserID); err != nil {
		h.logger.Error("deleting 2fa enrollment", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to disable two-factor")
		return
	}
	if err := h.store.SetTwoFactorEnabled(r.Context(), tc.UserID, false); err != nil {
		h.logger.Error("clearing 2fa flag", "error", err)
		respondErr(w, http.StatusInternalServerError, "Internal", "failed to disable two-factor")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func decodeCode(w http.ResponseWriter, r *http.Request, req *twoFactorCodeRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Code == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "a code is required")
		return false
	}
	return true
}
