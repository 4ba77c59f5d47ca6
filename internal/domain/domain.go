// Package domain holds the entity types shared across PlexMCP's storage
// and service packages. It intentionally carries no behavior beyond small
// derived accessors; business logic lives in the package that owns each
// entity's lifecycle.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierTeam       = "team"
	TierEnterprise = "enterprise"
)

// UnlimitedQuota is the sentinel recognized by the effective-limit
// calculation.
const UnlimitedQuota = -1

// TierLimits describes the default resource caps for a subscription tier.
type TierLimits struct {
	MaxMCPs          int
	MaxAPIKeys       int
	MaxTeamMembers   int
	MonthlyRequests  int
	OverageRateCents int // cents per request once MonthlyRequests is exceeded
}

// DefaultTierLimits returns the built-in limits for each subscription tier.
var DefaultTierLimits = map[string]TierLimits{
	TierFree: {
		MaxMCPs: 2, MaxAPIKeys: 2, MaxTeamMembers: 1,
		MonthlyRequests: 1000, OverageRateCents: 0,
	},
	TierPro: {
		MaxMCPs: 10, MaxAPIKeys: 10, MaxTeamMembers: 5,
		MonthlyRequests: 50000, OverageRateCents: 1,
	},
	TierTeam: {
		MaxMCPs: 50, MaxAPIKeys: 50, MaxTeamMembers: 25,
		MonthlyRequests: 500000, OverageRateCents: 1,
	},
	TierEnterprise: {
		MaxMCPs: UnlimitedQuota, MaxAPIKeys: UnlimitedQuota, MaxTeamMembers: UnlimitedQuota,
		MonthlyRequests: UnlimitedQuota, OverageRateCents: 1,
	},
}

// CustomLimits overrides tier defaults when any field is non-nil.
type CustomLimits struct {
	MaxMCPs         *int
	MaxAPIKeys      *int
	MaxTeamMembers  *int
	MonthlyRequests *int
}

// Organization is a tenant: the billing and isolation boundary.
type Organization struct {
	ID                 uuid.UUID
	Name               string
	Slug               string
	Tier               string
	SubscriptionStatus string
	Custom             CustomLimits
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// EffectiveLimits merges tier defaults with any custom override.
func (o Organization) EffectiveLimits() TierLimits {
	def := DefaultTierLimits[o.Tier]
	if o.Custom.MaxMCPs != nil {
		def.MaxMCPs = *o.Custom.MaxMCPs
	}
	if o.Custom.MaxAPIKeys != nil {
		def.MaxAPIKeys = *o.Custom.MaxAPIKeys
	}
	if o.Custom.MaxTeamMembers != nil {
		def.MaxTeamMembers = *o.Custom.MaxTeamMembers
	}
	if o.Custom.MonthlyRequests != nil {
		def.MonthlyRequests = *o.Custom.MonthlyRequests
	}
	return def
}

// Platform-wide user roles. Mirrored from
// tenantctx to keep this package import-light; values must stay identical.
const (
	PlatformRoleUser       = "user"
	PlatformRoleStaff      = "staff"
	PlatformRoleAdmin      = "admin"
	PlatformRoleSuperadmin = "superadmin"
)

// User is a platform account. A user belongs to exactly one organization
// at a time, via a Membership.
type User struct {
	ID              uuid.UUID
	Email           string
	PlatformRole    string
	Verified        bool
	Suspended       bool
	SuspendedReason string
	SuspendedAt     *time.Time
	PasswordChangedAt time.Time
	LastLoginAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Membership roles.
const (
	MembershipRoleOwner  = "owner"
	MembershipRoleAdmin  = "admin"
	MembershipRoleMember = "member"
)

// Membership ties a user to an organization with an org-level role.
type Membership struct {
	UserID    uuid.UUID
	OrgID     uuid.UUID
	Role      string
	CreatedAt time.Time
}

// McpDescriptor auth schemes.
const (
	AuthSchemeNone          = "none"
	AuthSchemeBearer        = "bearer"
	AuthSchemeAPIKeyHeader  = "api_key_header"
	AuthSchemeBasic         = "basic"
)

// Health states.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// McpDescriptor describes one registered upstream MCP server.
type McpDescriptor struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	Name              string
	EndpointURL       string
	AuthScheme        string
	AuthHeaderName    string // only meaningful for AuthSchemeAPIKeyHeader; defaults to X-API-Key
	SecretRef         uuid.UUID
	HealthStatus      string
	LastLatencyMS     int64
	LastHealthCheck   *time.Time
	ConsecutiveFails  int
	DiscoveredTools   []string
	DiscoveredResources []string
	ProtocolVersion   string
	ServerName        string
	ServerVersion     string
	IsActive          bool
	Version           int64 // descriptor version counter (connection-pool key component)
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UsageCounter tracks one organization's requests for one billing period.
type UsageCounter struct {
	OrgID        uuid.UUID
	PeriodStart  time.Time
	RequestsUsed int
	TokensUsed   int64
	Errors       int
}

// SpendCap limits an organization's overage spend.
type SpendCap struct {
	OrgID              uuid.UUID
	CapCents           int64
	CurrentSpendCents  int64
	Paused             bool
}

// Audit event kinds.
const (
	AuditLoginSuccess       = "login_success"
	AuditLoginFailure       = "login_failure"
	AuditTokenRefresh       = "token_refresh"
	AuditLogout             = "logout"
	AuditRoleChange         = "role_change"
	AuditAPIKeyCreated      = "api_key_created"
	AuditAPIKeyRevoked      = "api_key_revoked"
	AuditMCPCreated         = "mcp_created"
	AuditMCPUpdated         = "mcp_updated"
	AuditMCPDeleted         = "mcp_deleted"
	AuditProxyRequest       = "proxy_request"
	Audit2FAEnabled         = "2fa_enabled"
	Audit2FADisabled        = "2fa_disabled"
	AuditCustomLimitsChanged = "custom_limits_changed"
	AuditElevation          = "elevation"
	AuditInternalError      = "internal_error"
)

// AuditEvent is one immutable audit log record.
type AuditEvent struct {
	ID            uuid.UUID
	Seq           int64
	Kind          string
	ActorUserID   *uuid.UUID
	OrgID         *uuid.UUID
	Target        string
	IPAddress     string
	UserAgent     string
	Details       map[string]any
	CorrelationID string
	CreatedAt     time.Time
}
