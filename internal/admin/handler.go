package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/auth"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/mcpregistry"
	"github.com/plexmcp/plexmcp/internal/org"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Handler exposes operator routes under /v1/admin. The whole group is
// gated on the admin platform role; ticket assignment additionally admits
// staff, enforced at the service layer.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates an admin Handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the operator routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireMinRole(tenantctx.RoleAdmin))
		r.Post("/users/{userID}/role", h.handleChangeRole)
		r.Post("/users/{userID}/revoke-sessions", h.handleRevokeSessions)
		r.Post("/users/{userID}/force-password-reset", h.handleForcePasswordReset)
		r.Post("/users/{userID}/disable-2fa", h.handleDisable2FA)
		r.Post("/users/{userID}/suspend", h.handleSuspend)
		r.Post("/users/{userID}/unsuspend", h.handleUnsuspend)
		r.Delete("/users/{userID}", h.handleDeleteUser)
		r.Post("/orgs/{orgID}/api-keys/{keyID}/revoke", h.handleRevokeAPIKey)
		r.Put("/orgs/{orgID}/limits", h.handleSetLimits)
		r.Delete("/orgs/{orgID}/limits", h.handleClearLimits)
		r.Get("/orgs/{orgID}/limits/history", h.handleLimitsHistory)
		r.Put("/orgs/{orgID}/spend-cap", h.handleSetSpendCap)
		r.Post("/orgs/{orgID}/mcps/{mcpID}/active", h.handleSetMCPActive)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireMinRole(tenantctx.RoleStaff))
		r.Post("/orgs/{orgID}/tickets/{ticketID}/assign", h.handleAssignTicket)
	})

	return r
}

func (h *Handler) tc(w http.ResponseWriter, r *http.Request) (*tenantctx.Context, bool) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return nil, false
	}
	return tc, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondSvcErr(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, mcpregistry.ErrNotFound), errors.Is(err, org.ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "not found")
	case errors.Is(err, tenantctx.ErrPermissionDenied):
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "not permitted")
	default:
		h.logger.Error(op, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "operation failed")
	}
}

// reasonRequest is the shared body shape for operations that only need a
// free-form reason.
type reasonRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// ChangeRoleRequest is the body for POST /v1/admin/users/{userID}/role.
type ChangeRoleRequest struct {
	Role   string `json:"role" validate:"required,oneof=user staff admin superadmin"`
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req ChangeRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.ChangeUserRole(r.Context(), tc, userID, req.Role, req.Reason); err != nil {
		h.respondSvcErr(w, err, "changing user role")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	revoked, err := h.svc.RevokeUserSessions(r.Context(), tc, userID, req.Reason)
	if err != nil {
		h.respondSvcErr(w, err, "revoking sessions")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"revoked_sessions": revoked})
}

func (h *Handler) handleForcePasswordReset(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.ForcePasswordReset(r.Context(), tc, userID, req.Reason); err != nil {
		h.respondSvcErr(w, err, "forcing password reset")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDisable2FA(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.DisableTwoFactor(r.Context(), tc, userID, req.Reason); err != nil {
		h.respondSvcErr(w, err, "disabling 2fa")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.handleSetSuspended(w, r, true)
}

func (h *Handler) handleUnsuspend(w http.ResponseWriter, r *http.Request) {
	h.handleSetSuspended(w, r, false)
}

func (h *Handler) handleSetSuspended(w http.ResponseWriter, r *http.Request, suspended bool) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.SetSuspended(r.Context(), tc, userID, suspended, req.Reason); err != nil {
		h.respondSvcErr(w, err, "updating suspension")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.SoftDeleteUser(r.Context(), tc, userID, req.Reason); err != nil {
		h.respondSvcErr(w, err, "deleting user")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}
	keyID, ok := pathUUID(w, r, "keyID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.RevokeAPIKey(r.Context(), tc, orgID, keyID, req.Reason); err != nil {
		h.respondSvcErr(w, err, "revoking api key")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetLimitsRequest is the body for PUT /v1/admin/orgs/{orgID}/limits. Nil
// fields clear that override back to the tier default.
type SetLimitsRequest struct {
	MaxMCPs         *int   `json:"max_mcps" validate:"omitempty,gte=-1"`
	MaxAPIKeys      *int   `json:"max_api_keys" validate:"omitempty,gte=-1"`
	MaxTeamMembers  *int   `json:"max_team_members" validate:"omitempty,gte=-1"`
	MonthlyRequests *int   `json:"monthly_requests" validate:"omitempty,gte=-1"`
	Reason          string `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}

	var req SetLimitsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	limits := domain.CustomLimits{
		MaxMCPs:         req.MaxMCPs,
		MaxAPIKeys:      req.MaxAPIKeys,
		MaxTeamMembers:  req.MaxTeamMembers,
		MonthlyRequests: req.MonthlyRequests,
	}
	if err := h.svc.SetCustomLimits(r.Context(), tc, orgID, limits, req.Reason); err != nil {
		h.respondSvcErr(w, err, "setting custom limits")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleClearLimits(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}

	var req reasonRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.ClearCustomLimits(r.Context(), tc, orgID, req.Reason); err != nil {
		h.respondSvcErr(w, err, "clearing custom limits")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleLimitsHistory(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "limits history review"
	}

	history, err := h.svc.ListCustomLimitsHistory(r.Context(), tc, orgID, reason)
	if err != nil {
		h.respondSvcErr(w, err, "listing limit history")
		return
	}
	httpserver.Respond(w, http.StatusOK, history)
}

// SetSpendCapRequest is the body for PUT /v1/admin/orgs/{orgID}/spend-cap.
type SetSpendCapRequest struct {
	CapCents int64  `json:"cap_cents" validate:"gte=0"`
	Paused   bool   `json:"paused"`
	Reason   string `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) handleSetSpendCap(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}

	var req SetSpendCapRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.SetSpendCap(r.Context(), tc, orgID, req.CapCents, req.Paused, req.Reason); err != nil {
		h.respondSvcErr(w, err, "setting spend cap")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetMCPActiveRequest is the body for the operator-side MCP toggle.
type SetMCPActiveRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) handleSetMCPActive(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}
	mcpID, ok := pathUUID(w, r, "mcpID")
	if !ok {
		return
	}

	var req SetMCPActiveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.SetMCPActive(r.Context(), tc, orgID, mcpID, req.Active, req.Reason); err != nil {
		h.respondSvcErr(w, err, "toggling mcp")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AssignTicketRequest is the body for ticket assignment.
type AssignTicketRequest struct {
	AssigneeID string `json:"assignee_id" validate:"required,uuid"`
	Reason     string `json:"reason" validate:"required,min=3,max=500"`
}

func (h *Handler) handleAssignTicket(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.tc(w, r)
	if !ok {
		return
	}
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}
	ticketID, ok := pathUUID(w, r, "ticketID")
	if !ok {
		return
	}

	var req AssignTicketRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	assigneeID, err := uuid.Parse(req.AssigneeID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid assignee_id")
		return
	}

	if err := h.svc.AssignTicket(r.Context(), tc, orgID, ticketID, assigneeID, req.Reason); err != nil {
		h.respondSvcErr(w, err, "assigning ticket")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
