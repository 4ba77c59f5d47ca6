package org

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Handler serves the organization JSON API for the dashboard.
type Handler struct {
	store  *Store
	auditW *audit.Writer
	logger *slog.Logger
}

// NewHandler creates an organization Handler.
func NewHandler(store *Store, auditW *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, auditW: auditW, logger: logger}
}

// Routes returns the authenticated organization routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Get("/members", h.handleListMembers)
	r.Post("/transfer-ownership", h.handleTransferOwnership)
	r.Delete("/members/{userID}", h.handleRemoveMember)
	return r
}

// SignupRequest is the JSON body for POST /v1/auth/signup.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=12"`
	OrgName  string `json:"org_name" validate:"required,min=1,max=120"`
	OrgSlug  string `json:"org_slug" validate:"required,min=2,max=63"`
}

// HandleSignup provisions a user and their organization. Mounted outside
// the authenticated router — it is the one write that precedes identity.
func (h *Handler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.store.Signup(r.Context(), req.Email, req.Password, req.OrgName, req.OrgSlug)
	if err != nil {
		h.logger.Warn("signup failed", "error", err, "email", req.Email)
		if errors.Is(err, ErrInvalidSignup) {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		httpserver.RespondError(w, http.StatusConflict, "Conflict", "could not create account")
		return
	}

	h.auditW.LogFromRequest(r, "signup", &result.UserID, &result.OrgID, "org:"+result.OrgID.String(), map[string]any{
		"email": req.Email,
		"slug":  req.OrgSlug,
	})

	httpserver.Respond(w, http.StatusCreated, map[string]string{
		"user_id": result.UserID.String(),
		"org_id":  result.OrgID.String(),
	})
}

// orgResponse augments the stored record with the derived effective limits.
type orgResponse struct {
	domain.Organization
	EffectiveLimits domain.TierLimits `json:"effective_limits"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}

	o, err := h.store.Get(r.Context(), tc, tc.OrgID)
	if err != nil {
		h.logger.Error("getting organization", "error", err)
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "organization not found")
		return
	}

	httpserver.Respond(w, http.StatusOK, orgResponse{Organization: o, EffectiveLimits: o.EffectiveLimits()})
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}

	members, err := h.store.ListMembers(r.Context(), tc, tc.OrgID)
	if err != nil {
		h.logger.Error("listing members", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to list members")
		return
	}

	httpserver.Respond(w, http.StatusOK, members)
}

// TransferOwnershipRequest names the member who becomes the new owner.
type TransferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id" validate:"required,uuid"`
}

func (h *Handler) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleOwner) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "only the owner can transfer ownership")
		return
	}

	var req TransferOwnershipRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	newOwner, err := uuid.Parse(req.NewOwnerID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid new_owner_id")
		return
	}

	if err := h.store.TransferOwnership(r.Context(), tc, tc.OrgID, newOwner); err != nil {
		h.logger.Error("transferring ownership", "error", err)
		httpserver.RespondError(w, http.StatusConflict, "Conflict", "could not transfer ownership")
		return
	}

	h.auditW.LogFromRequest(r, domain.AuditRoleChange, &tc.UserID, &tc.OrgID, "user:"+newOwner.String(), map[string]any{
		"change": "ownership_transfer",
	})
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "removing members requires an admin role")
		return
	}

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}

	if err := h.store.RemoveMember(r.Context(), tc, tc.OrgID, userID); err != nil {
		h.logger.Warn("removing member", "error", err)
		httpserver.RespondError(w, http.StatusConflict, "Conflict", "could not remove member")
		return
	}

	h.auditW.LogFromRequest(r, domain.AuditRoleChange, &tc.UserID, &tc.OrgID, "user:"+userID.String(), map[string]any{
		"change": "member_removed",
	})
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
