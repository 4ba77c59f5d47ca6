package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/plexmcp/plexmcp/internal/apierr"
	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/mcpregistry"
	"github.com/plexmcp/plexmcp/internal/ratequota"
	"github.com/plexmcp/plexmcp/internal/telemetry"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// connectAttempts bounds retries for transient connect failures.
const (
	connectAttempts    = 3
	connectBackoffBase = 200 * time.Millisecond
)

// Registry is the slice of mcpregistry.Store the engine depends on.
type Registry interface {
	Get(ctx context.Context, tc *tenantctx.Context, orgID, id uuid.UUID) (domain.McpDescriptor, error)
	DecryptSecret(ctx context.Context, d domain.McpDescriptor) (string, error)
}

// OrgResolver loads the caller's organization for effective-limit math.
type OrgResolver interface {
	GetUnscoped(ctx context.Context, orgID uuid.UUID) (domain.Organization, error)
}

// Quota is the slice of ratequota.Accounting the engine depends on.
type Quota interface {
	Admit(ctx context.Context, orgID uuid.UUID, effectiveLimit int) error
	RecordOutcome(ctx context.Context, orgID uuid.UUID, out ratequota.Outcome) error
}

// RateLimiter is the short-window admission check.
type RateLimiter interface {
	Allow(ctx context.Context, orgID, apiKeyID uuid.UUID, perMinute int) (bool, error)
}

// Reprober schedules an urgent health re-probe after a protocol error.
type Reprober func(ctx context.Context, descriptorID uuid.UUID)

// Request is the inbound tool-call envelope: an explicit tagged record
// rather than a free-form map. Unknown fields are ignored on read and
// never forwarded.
type Request struct {
	Tool      string         `json:"tool" validate:"required,min=1,max=256"`
	Arguments map[string]any `json:"arguments"`

	// Degraded opts the caller into calling an unhealthy upstream.
	// Degraded calls still consume quota.
	Degraded bool `json:"degraded"`

	// Idempotent marks the call safe to retry on transient connect
	// failure. Defaults to false: no retry.
	Idempotent bool `json:"idempotent"`
}

// Result is a completed proxy call: the upstream MCP response, relayed
// verbatim, plus outcome metadata. Bodies are never persisted — only size,
// duration, and outcome reach the audit log.
type Result struct {
	Response  *mcp.CallToolResult
	LatencyMS int64
}

// Engine executes the proxied tool-call workflow.
type Engine struct {
	registry Registry
	orgs     OrgResolver
	quota    Quota
	rate     RateLimiter
	pool     *Pool
	reprobe  Reprober
	auditW   *audit.Writer
	logger   *slog.Logger
}

// NewEngine wires the proxy engine's collaborators.
func NewEngine(registry Registry, orgs OrgResolver, quota Quota, rate RateLimiter, pool *Pool, reprobe Reprober, auditW *audit.Writer, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		orgs:     orgs,
		quota:    quota,
		rate:     rate,
		pool:     pool,
		reprobe:  reprobe,
		auditW:   auditW,
		logger:   logger,
	}
}

// Execute runs the full proxy workflow for one tool call. The caller is
// already authenticated; tc carries the tenant identity.
func (e *Engine) Execute(ctx context.Context, tc *tenantctx.Context, mcpID uuid.UUID, req Request) (Result, error) {
	start := time.Now()

	// Resolve the target, scoped to the caller's organization. A
	// descriptor in another org is indistinguishable from a missing one.
	d, err := e.registry.Get(ctx, tc, tc.OrgID, mcpID)
	if err != nil {
		switch {
		case errors.Is(err, tenantctx.ErrPermissionDenied):
			e.recordOutcome(ctx, tc, mcpID, "not_found", 0, req)
			return Result{}, apierr.New(apierr.Forbidden, "not permitted")
		case errors.Is(err, mcpregistry.ErrNotFound):
			e.recordOutcome(ctx, tc, mcpID, "not_found", 0, req)
			return Result{}, apierr.New(apierr.NotFound, "MCP server not found")
		default:
			return Result{}, e.internal(ctx, tc, "resolving descriptor", err)
		}
	}
	if !d.IsActive {
		e.recordOutcome(ctx, tc, mcpID, "not_found", 0, req)
		return Result{}, apierr.New(apierr.NotFound, "MCP server not found")
	}

	// Fail fast on unhealthy upstreams unless the caller opted into
	// degraded mode.
	if d.HealthStatus == domain.HealthUnhealthy && !req.Degraded {
		e.recordOutcome(ctx, tc, mcpID, "upstream_unhealthy", 0, req)
		return Result{}, apierr.New(apierr.UpstreamUnhealthy, "upstream MCP server is unhealthy")
	}

	// Admission: short-window rate limit first, then monthly quota.
	// Neither opens an upstream connection; a rejection here never
	// increments the usage counter.
	org, err := e.orgs.GetUnscoped(ctx, tc.OrgID)
	if err != nil {
		return Result{}, e.internal(ctx, tc, "resolving organization", err)
	}
	limits := org.EffectiveLimits()

	apiKeyID := uuid.Nil
	if tc.APIKeyID != nil {
		apiKeyID = *tc.APIKeyID
	}
	allowed, err := e.rate.Allow(ctx, tc.OrgID, apiKeyID, ratequota.RatePerMinute(org.Tier))
	if err != nil {
		return Result{}, e.internal(ctx, tc, "checking rate limit", err)
	}
	if !allowed {
		telemetry.QuotaRejectionsTotal.WithLabelValues("rate_limited").Inc()
		e.recordOutcome(ctx, tc, mcpID, "rate_limited", 0, req)
		return Result{}, apierr.New(apierr.RateLimited, "request rate limit exceeded")
	}

	if err := e.quota.Admit(ctx, tc.OrgID, limits.MonthlyRequests); err != nil {
		switch {
		case errors.Is(err, ratequota.ErrQuotaExceeded), errors.Is(err, ratequota.ErrSpendCapped):
			telemetry.QuotaRejectionsTotal.WithLabelValues("quota_exceeded").Inc()
			e.recordOutcome(ctx, tc, mcpID, "quota_exceeded", 0, req)
			return Result{}, apierr.New(apierr.QuotaExceeded, "monthly request quota exceeded")
		default:
			return Result{}, e.internal(ctx, tc, "checking quota", err)
		}
	}

	secret, err := e.registry.DecryptSecret(ctx, d)
	if err != nil {
		return Result{}, e.internal(ctx, tc, "decrypting upstream secret", err)
	}

	// Acquire an upstream session, retrying transient connect failures
	// only for requests the caller declared idempotent.
	session, err := e.acquire(ctx, d, secret, req.Idempotent)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) && ae.Kind == apierr.RateLimited {
			e.recordOutcome(ctx, tc, mcpID, "rate_limited", 0, req)
			return Result{}, err
		}
		e.countBillable(ctx, tc, limits, true)
		e.recordOutcome(ctx, tc, mcpID, "upstream_unavailable", 0, req)
		return Result{}, apierr.Wrap(apierr.UpstreamUnavailable, "could not reach upstream MCP server", err)
	}

	response, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      req.Tool,
		Arguments: req.Arguments,
	})
	latency := time.Since(start)

	if err != nil {
		e.pool.Release(d, session, true)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Timeouts are never retried.
			e.countBillable(ctx, tc, limits, true)
			e.recordOutcome(ctx, tc, mcpID, "upstream_timeout", latency.Milliseconds(), req)
			return Result{}, apierr.Wrap(apierr.UpstreamTimeout, "upstream MCP server timed out", err)
		}

		// Anything else after a successful connect is a protocol error;
		// mark the descriptor for urgent re-probe.
		if e.reprobe != nil {
			e.reprobe(context.WithoutCancel(ctx), d.ID)
		}
		e.countBillable(ctx, tc, limits, true)
		e.recordOutcome(ctx, tc, mcpID, "upstream_protocol_error", latency.Milliseconds(), req)
		return Result{}, apierr.Wrap(apierr.UpstreamProtocolError, "upstream MCP server returned an invalid response", err)
	}

	e.pool.Release(d, session, false)
	e.countBillable(ctx, tc, limits, false)
	e.recordOutcome(ctx, tc, mcpID, "ok", latency.Milliseconds(), req)

	return Result{Response: response, LatencyMS: latency.Milliseconds()}, nil
}

// acquire obtains a pooled session, retrying transient dial failures with
// exponential backoff and full jitter when the request is idempotent.
func (e *Engine) acquire(ctx context.Context, d domain.McpDescriptor, secret string, idempotent bool) (Session, error) {
	attempts := 1
	if idempotent {
		attempts = connectAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		session, err := e.pool.Acquire(ctx, d, secret)
		if err == nil {
			return session, nil
		}
		var ae *apierr.Error
		if errors.As(err, &ae) {
			// Pool exhaustion is not transient; don't burn retries on it.
			return nil, err
		}
		lastErr = err

		if i < attempts-1 {
			backoff := connectBackoffBase << i
			sleep := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// countBillable increments the monthly usage counter after the upstream
// call completed (success or upstream error), never on admission
// rejections.
func (e *Engine) countBillable(ctx context.Context, tc *tenantctx.Context, limits domain.TierLimits, isError bool) {
	err := e.quota.RecordOutcome(context.WithoutCancel(ctx), tc.OrgID, ratequota.Outcome{
		IsError:          isError,
		EffectiveLimit:   limits.MonthlyRequests,
		OverageRateCents: limits.OverageRateCents,
	})
	if err != nil {
		e.logger.Error("recording usage outcome", "error", err, "org_id", tc.OrgID)
	}
}

// recordOutcome emits the proxy_request audit event with outcome metadata.
// No request or response body is included.
func (e *Engine) recordOutcome(ctx context.Context, tc *tenantctx.Context, mcpID uuid.UUID, status string, latencyMS int64, req Request) {
	telemetry.ProxyRequestsTotal.WithLabelValues(status).Inc()
	telemetry.ProxyRequestDuration.WithLabelValues(status).Observe(float64(latencyMS) / 1000)

	details := map[string]any{
		"status": status,
		"tool":   req.Tool,
	}
	if latencyMS > 0 {
		details["latency_ms"] = latencyMS
	}
	if req.Degraded {
		details["degraded"] = true
	}

	entry := audit.Entry{
		Kind:    domain.AuditProxyRequest,
		OrgID:   &tc.OrgID,
		Target:  "mcp:" + mcpID.String(),
		Details: details,
	}
	if tc.UserID != uuid.Nil {
		actor := tc.UserID
		entry.ActorUserID = &actor
	}
	e.auditW.Log(ctx, entry)
}

// internal wraps an unexpected failure: the caller sees only the fixed
// Internal kind with a correlation id, while details go to the log and a
// high-severity audit event.
func (e *Engine) internal(ctx context.Context, tc *tenantctx.Context, op string, err error) error {
	correlationID := tc.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	e.logger.Error(op, "error", err, "correlation_id", correlationID, "org_id", tc.OrgID)
	e.auditW.RecordInternalError(ctx, correlationID, map[string]any{"op": op})
	return apierr.Wrap(apierr.Internal, "internal error", fmt.Errorf("%s: %w", op, err)).WithCorrelationID(correlationID)
}
