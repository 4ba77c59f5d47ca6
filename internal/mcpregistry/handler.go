package mcpregistry

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

// Handler serves the /v1/mcps CRUD surface.
type Handler struct {
	store   *Store
	maxMCPs func(r *http.Request, orgID uuid.UUID) (int, error)
	auditW  *audit.Writer
	logger  *slog.Logger
}

// NewHandler creates a registry Handler. maxMCPs resolves the effective
// descriptor cap for an organization at request time.
func NewHandler(store *Store, maxMCPs func(r *http.Request, orgID uuid.UUID) (int, error), auditW *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, maxMCPs: maxMCPs, auditW: auditW, logger: logger}
}

// Routes returns the registry routes. All require authentication; writes
// require an org-admin membership role.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{mcpID}", h.handleGet)
	r.Patch("/{mcpID}", h.handleUpdate)
	r.Delete("/{mcpID}", h.handleDelete)
	return r
}

// descriptorResponse is the caller-facing view of a descriptor. The secret
// reference is omitted: secrets are write-only.
type descriptorResponse struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	EndpointURL         string    `json:"endpoint_url"`
	AuthScheme          string    `json:"auth_scheme"`
	AuthHeaderName      string    `json:"auth_header_name,omitempty"`
	HealthStatus        string    `json:"health_status"`
	LastLatencyMS       int64     `json:"last_latency_ms"`
	DiscoveredTools     []string  `json:"discovered_tools,omitempty"`
	DiscoveredResources []string  `json:"discovered_resources,omitempty"`
	ProtocolVersion     string    `json:"protocol_version,omitempty"`
	ServerName          string    `json:"server_name,omitempty"`
	ServerVersion       string    `json:"server_version,omitempty"`
	IsActive            bool      `json:"is_active"`
	Version             int64     `json:"version"`
}

func toResponse(d domain.McpDescriptor) descriptorResponse {
	return descriptorResponse{
		ID:                  d.ID,
		Name:                d.Name,
		EndpointURL:         d.EndpointURL,
		AuthScheme:          d.AuthScheme,
		AuthHeaderName:      d.AuthHeaderName,
		HealthStatus:        d.HealthStatus,
		LastLatencyMS:       d.LastLatencyMS,
		DiscoveredTools:     d.DiscoveredTools,
		DiscoveredResources: d.DiscoveredResources,
		ProtocolVersion:     d.ProtocolVersion,
		ServerName:          d.ServerName,
		ServerVersion:       d.ServerVersion,
		IsActive:            d.IsActive,
		Version:             d.Version,
	}
}

func requireTC(w http.ResponseWriter, r *http.Request) (*tenantctx.Context, bool) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return nil, false
	}
	return tc, true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTC(w, r)
	if !ok {
		return
	}

	descriptors, err := h.store.List(r.Context(), tc, tc.OrgID)
	if err != nil {
		h.logger.Error("listing descriptors", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to list MCP servers")
		return
	}

	out := make([]descriptorResponse, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, toResponse(d))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// CreateRequest is the JSON body for POST /v1/mcps.
type CreateRequest struct {
	Name           string `json:"name" validate:"required,min=1,max=120"`
	EndpointURL    string `json:"endpoint_url" validate:"required,url"`
	AuthScheme     string `json:"auth_scheme" validate:"required,oneof=none bearer api_key_header basic"`
	AuthHeaderName string `json:"auth_header_name" validate:"omitempty,max=64"`
	Secret         string `json:"secret" validate:"omitempty,max=4096"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTC(w, r)
	if !ok {
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "registering MCP servers requires an admin role")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	maxMCPs, err := h.maxMCPs(r, tc.OrgID)
	if err != nil {
		h.logger.Error("resolving org limits", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to register MCP server")
		return
	}

	d, err := h.store.Create(r.Context(), tc, tc.OrgID, maxMCPs, CreateParams{
		Name:           req.Name,
		EndpointURL:    req.EndpointURL,
		AuthScheme:     req.AuthScheme,
		AuthHeaderName: req.AuthHeaderName,
		Secret:         req.Secret,
	})
	if err != nil {
		h.respondStoreErr(w, err, "creating descriptor")
		return
	}

	h.auditW.LogFromRequest(r, domain.AuditMCPCreated, actor(tc), &tc.OrgID, "mcp:"+d.ID.String(), map[string]any{
		"name":        d.Name,
		"auth_scheme": d.AuthScheme,
	})
	httpserver.Respond(w, http.StatusCreated, toResponse(d))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTC(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "mcpID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "MCP server not found")
		return
	}

	d, err := h.store.Get(r.Context(), tc, tc.OrgID, id)
	if err != nil {
		h.respondStoreErr(w, err, "getting descriptor")
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(d))
}

// UpdateRequest is the JSON body for PATCH /v1/mcps/{mcpID}. Absent fields
// leave the stored value unchanged.
type UpdateRequest struct {
	Name           *string `json:"name" validate:"omitempty,min=1,max=120"`
	EndpointURL    *string `json:"endpoint_url" validate:"omitempty,url"`
	AuthScheme     *string `json:"auth_scheme" validate:"omitempty,oneof=none bearer api_key_header basic"`
	AuthHeaderName *string `json:"auth_header_name" validate:"omitempty,max=64"`
	Secret         *string `json:"secret" validate:"omitempty,max=4096"`
	IsActive       *bool   `json:"is_active"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTC(w, r)
	if !ok {
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "updating MCP servers requires an admin role")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "mcpID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "MCP server not found")
		return
	}

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	d, err := h.store.Update(r.Context(), tc, tc.OrgID, id, UpdateParams{
		Name:           req.Name,
		EndpointURL:    req.EndpointURL,
		AuthScheme:     req.AuthScheme,
		AuthHeaderName: req.AuthHeaderName,
		Secret:         req.Secret,
		IsActive:       req.IsActive,
	})
	if err != nil {
		h.respondStoreErr(w, err, "updating descriptor")
		return
	}

	h.auditW.LogFromRequest(r, domain.AuditMCPUpdated, actor(tc), &tc.OrgID, "mcp:"+d.ID.String(), map[string]any{
		"version": d.Version,
	})
	httpserver.Respond(w, http.StatusOK, toResponse(d))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTC(w, r)
	if !ok {
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "deleting MCP servers requires an admin role")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "mcpID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "MCP server not found")
		return
	}

	if err := h.store.Delete(r.Context(), tc, tc.OrgID, id); err != nil {
		h.respondStoreErr(w, err, "deleting descriptor")
		return
	}

	h.auditW.LogFromRequest(r, domain.AuditMCPDeleted, actor(tc), &tc.OrgID, "mcp:"+id.String(), nil)
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondStoreErr(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "MCP server not found")
	case errors.Is(err, ErrInvalidInput):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, ErrLimitReached):
		httpserver.RespondError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, tenantctx.ErrPermissionDenied):
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "not permitted")
	default:
		h.logger.Error(op, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "operation failed")
	}
}

func actor(tc *tenantctx.Context) *uuid.UUID {
	if tc.UserID == uuid.Nil {
		return nil
	}
	id := tc.UserID
	return &id
}
