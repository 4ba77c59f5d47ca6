package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/apierr"
	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Handler is the MCP-over-HTTPS ingress surface: API-key
// authenticated tool calls forwarded to a registered upstream.
type Handler struct {
	engine         *Engine
	requestTimeout time.Duration
	maxBodyBytes   int64
	logger         *slog.Logger
}

// NewHandler builds the proxy Handler. requestTimeout is the total upstream
// deadline; maxBodyBytes caps the inbound payload.
func NewHandler(engine *Engine, requestTimeout time.Duration, maxBodyBytes int64, logger *slog.Logger) *Handler {
	return &Handler{
		engine:         engine,
		requestTimeout: requestTimeout,
		maxBodyBytes:   maxBodyBytes,
		logger:         logger,
	}
}

// Routes returns the proxy routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{mcpID}", h.handleToolCall)
	return r
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}

	mcpID, err := uuid.Parse(chi.URLParam(r, "mcpID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "MCP server not found")
		return
	}

	var req Request
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "request body too large")
			return
		}
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Tool == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tool is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	result, err := h.engine.Execute(ctx, tc, mcpID, req)
	if err != nil {
		h.respondEngineErr(w, err)
		return
	}

	// Relay the upstream MCP response verbatim; nothing is persisted.
	httpserver.Respond(w, http.StatusOK, result.Response)
}

func (h *Handler) respondEngineErr(w http.ResponseWriter, err error) {
	if ae, ok := apierr.As(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ae.Kind.HTTPStatus())
		payload := map[string]any{
			"kind":    string(ae.Kind),
			"message": ae.Message,
		}
		if ae.Details != nil {
			payload["details"] = ae.Details
		}
		if ae.CorrelationID != "" {
			payload["correlation_id"] = ae.CorrelationID
		}
		_ = json.NewEncoder(w).Encode(payload)
		return
	}

	h.logger.Error("unclassified proxy error", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "internal error")
}
