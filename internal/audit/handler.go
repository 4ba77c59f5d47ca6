package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Handler exposes tenant-scoped, read-only access to the audit log. Reads
// require at least an org-admin membership role.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "audit log access requires an admin role")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	events, err := h.store.ListForOrg(r.Context(), tc, tc.OrgID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to list audit log")
		return
	}

	total, err := h.store.CountForOrg(r.Context(), tc, tc.OrgID)
	if err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(events, params, total))
}
