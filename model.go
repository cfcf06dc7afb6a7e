package shield

import (
	"context"
	"regexp"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Entity carries the bookkeeping every stored record shares: identity,
// timestamps, soft-delete state and optional creator/updater identity.
type Entity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deleted_at,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

type RoleType string

const (
	RoleTypeSystem         RoleType = "system"
	RoleTypeOrganizational RoleType = "organizational"
	RoleTypeFunctional     RoleType = "functional"
	RoleTypeProject        RoleType = "project"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type InheritanceType string

const (
	InheritFull        InheritanceType = "full"
	InheritPartial     InheritanceType = "partial"
	InheritConditional InheritanceType = "conditional"
)

type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

type SecurityLevel string

const (
	SecurityPublic       SecurityLevel = "public"
	SecurityInternal     SecurityLevel = "internal"
	SecurityConfidential SecurityLevel = "confidential"
	SecurityRestricted   SecurityLevel = "restricted"
	SecurityTopSecret    SecurityLevel = "top_secret"
)

type GrantType string

const (
	GrantDirect    GrantType = "direct"
	GrantInherited GrantType = "inherited"
	GrantDelegated GrantType = "delegated"
	GrantTemporary GrantType = "temporary"
)

var (
	roleNameRe       = regexp.MustCompile(`^[a-z0-9_-]+$`)
	permissionNameRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)
)

// Role is a named bundle of permissions. Roles form a single-parent tree;
// the parent chain must be acyclic and a role may not be its own ancestor.
type Role struct {
	Entity
	Name         string      `json:"name"`
	DisplayName  string      `json:"display_name,omitempty"`
	IsSystemRole bool        `json:"is_system_role,omitempty"`
	IsActive     bool        `json:"is_active"`
	ParentRole   string      `json:"parent_role,omitempty"` // role id
	Level        int         `json:"level"`                 // depth in the tree, root = 0
	RoleType     RoleType    `json:"role_type,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	MaxUsers     int         `json:"max_users,omitempty"` // 0 = unlimited
	AutoAssign   []Condition `json:"auto_assign,omitempty"`
}

// Permission names an action on a resource type.
type Permission struct {
	Entity
	Name             string    `json:"name"`
	Category         string    `json:"category,omitempty"`
	ResourceType     string    `json:"resource_type,omitempty"`
	Action           string    `json:"action,omitempty"`
	RiskLevel        RiskLevel `json:"risk_level,omitempty"`
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	DependsOn        []string  `json:"depends_on,omitempty"`     // permission ids
	ConflictsWith    []string  `json:"conflicts_with,omitempty"` // permission ids
}

// RoleHierarchy records an explicit edge between two roles. Unique per
// (parent, child); self-edges are rejected at registration.
type RoleHierarchy struct {
	Entity
	ParentRole      string          `json:"parent_role"`
	ChildRole       string          `json:"child_role"`
	Depth           int             `json:"depth"` // >= 1
	InheritanceType InheritanceType `json:"inheritance_type"`
}

// RolePermission grants a permission to a role, optionally gated by a
// validity window, conditions and resource-pattern constraints.
type RolePermission struct {
	Entity
	RoleID              string      `json:"role_id"`
	PermissionID        string      `json:"permission_id"`
	IsActive            bool        `json:"is_active"`
	ValidFrom           *time.Time  `json:"valid_from,omitempty"`
	ValidUntil          *time.Time  `json:"valid_until,omitempty"`
	Conditions          []Condition `json:"conditions,omitempty"`
	ResourceConstraints []string    `json:"resource_constraints,omitempty"` // patterns like "document:*"
}

// InWindow reports whether t falls inside the grant's validity window.
// Unset bounds are open.
func (rp *RolePermission) InWindow(t time.Time) bool {
	return inWindow(rp.ValidFrom, rp.ValidUntil, t)
}

// UserRole assigns a role to a user, scoped by a free-form context string
// (e.g. "project:123"). Unique per (user, role, context).
type UserRole struct {
	Entity
	UserID         string         `json:"user_id"`
	RoleID         string         `json:"role_id"`
	Context        string         `json:"context,omitempty"`
	IsActive       bool           `json:"is_active"`
	ValidFrom      *time.Time     `json:"valid_from,omitempty"`
	ValidUntil     *time.Time     `json:"valid_until,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	AssignedBy     string         `json:"assigned_by,omitempty"`
}

// IsValid reports whether the assignment is effective at t: active,
// approved (or auto-approved) and inside its validity window.
func (ur *UserRole) IsValid(t time.Time) bool {
	if !ur.IsActive || ur.Deleted {
		return false
	}
	if ur.ApprovalStatus != ApprovalApproved && ur.ApprovalStatus != ApprovalAutoApproved {
		return false
	}
	return inWindow(ur.ValidFrom, ur.ValidUntil, t)
}

// Resource is a protected object. (ResourceType, ExternalID) is unique;
// resources form a single-parent tree with a materialized path.
type Resource struct {
	Entity
	ResourceType  string         `json:"resource_type"`
	ExternalID    string         `json:"external_id"`
	Name          string         `json:"name"`
	ParentID      string         `json:"parent_id,omitempty"`
	Path          string         `json:"path"`
	SecurityLevel SecurityLevel  `json:"security_level,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	IsActive      bool           `json:"is_active"`
}

// Key returns the canonical "type:externalID" form used in cache keys,
// constraint patterns and decision trails.
func (r *Resource) Key() string {
	return r.ResourceType + ":" + r.ExternalID
}

// ResourcePermission configures how a permission behaves on a resource:
// whether descendants inherit it and whether holders may re-grant it.
// Unique per (resource, permission).
type ResourcePermission struct {
	Entity
	ResourceID    string      `json:"resource_id"`
	PermissionID  string      `json:"permission_id"`
	IsInheritable bool        `json:"is_inheritable"`
	IsDelegatable bool        `json:"is_delegatable"`
	Conditions    []Condition `json:"conditions,omitempty"`
	IsActive      bool        `json:"is_active"`
}

// UserResourcePermission grants a user a permission on a specific
// resource. Unique per (user, resource, permission).
type UserResourcePermission struct {
	Entity
	UserID        string      `json:"user_id"`
	ResourceID    string      `json:"resource_id"`
	PermissionID  string      `json:"permission_id"`
	GrantType     GrantType   `json:"grant_type"`
	GrantedBy     string      `json:"granted_by,omitempty"`
	ValidFrom     *time.Time  `json:"valid_from,omitempty"`
	ValidUntil    *time.Time  `json:"valid_until,omitempty"`
	DelegatedFrom string      `json:"delegated_from,omitempty"` // grant id, lookup only
	Conditions    []Condition `json:"conditions,omitempty"`
	IsActive      bool        `json:"is_active"`
}

// IsValid reports whether the grant is effective at t.
func (g *UserResourcePermission) IsValid(t time.Time) bool {
	if !g.IsActive || g.Deleted {
		return false
	}
	return inWindow(g.ValidFrom, g.ValidUntil, t)
}

func inWindow(from, until *time.Time, t time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if until != nil && !t.Before(*until) {
		return false
	}
	return true
}

// GrantKind identifies which grant family a schedule or condition record
// is attached to. Exactly one attachment per record.
type GrantKind string

const (
	GrantKindUserResource   GrantKind = "user_resource"
	GrantKindRolePermission GrantKind = "role_permission"
)

// ============================================================================
// REQUEST CONTEXT AND DECISIONS
// ============================================================================

// RequestContext carries the caller-supplied evaluation context for
// conditional permissions. The zero value fails every condition that
// needs a field it does not carry.
type RequestContext struct {
	Time           time.Time      `json:"time,omitempty"`
	Location       string         `json:"location,omitempty"`
	IP             string         `json:"ip,omitempty"`
	DeviceType     string         `json:"device_type,omitempty"`
	AuthMethod     string         `json:"auth_method,omitempty"`
	RiskScore      float64        `json:"risk_score,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	MFAVerified    bool           `json:"mfa_verified,omitempty"`
	MFATime        time.Time      `json:"mfa_time,omitempty"`
	UserAttributes map[string]any `json:"user_attributes,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// GrantSource orders candidate grants: direct beats resource-inherited
// beats role-based.
type GrantSource string

const (
	SourceDirect    GrantSource = "direct"
	SourceInherited GrantSource = "inherited"
	SourceRole      GrantSource = "role"
)

// GrantRef identifies one candidate grant in a decision trail.
type GrantRef struct {
	Source  GrantSource `json:"source"`
	GrantID string      `json:"grant_id,omitempty"`
	Role    string      `json:"role,omitempty"` // role name for role-based grants
	Path    string      `json:"path,omitempty"` // resource path the grant came from
}

// Decision is the outcome of an Authorize call, with the ordered reason
// trail collected while evaluating candidate grants.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Principal    string     `json:"principal"`
	Permission   string     `json:"permission"`
	Resource     string     `json:"resource,omitempty"` // "type:id"
	SourceGrants []GrantRef `json:"source_grants,omitempty"`
	Reasons      []string   `json:"reasons"`
	Timestamp    time.Time  `json:"timestamp"`
	Cached       bool       `json:"cached,omitempty"`
}

// GrantView is one row of GetInheritedPermissions output: a valid grant
// on the resource itself or on an ancestor whose configuration marks the
// permission inheritable.
type GrantView struct {
	GrantID        string      `json:"grant_id"`
	PermissionID   string      `json:"permission_id"`
	PermissionName string      `json:"permission_name"`
	Source         GrantSource `json:"source"` // direct | inherited
	ResourceID     string      `json:"resource_id"`
	ResourcePath   string      `json:"resource_path"`
	GrantType      GrantType   `json:"grant_type"`
	ValidUntil     *time.Time  `json:"valid_until,omitempty"`
}

// HierarchyView describes a resource with its ancestor chain (root first)
// and descendant tree. Permissions holds the resource's permission
// configurations when the view is requested with them.
type HierarchyView struct {
	Resource    *Resource             `json:"resource"`
	Ancestors   []*Resource           `json:"ancestors"` // root .. parent
	Descendants []*HierarchyNode      `json:"descendants"`
	Permissions []*ResourcePermission `json:"permissions,omitempty"`
}

type HierarchyNode struct {
	Resource *Resource        `json:"resource"`
	Children []*HierarchyNode `json:"children,omitempty"`
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// PermissionStore persists permission definitions.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p *Permission) error
	UpdatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id string) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
	DeletePermission(ctx context.Context, id string) error
}

// RoleStore persists roles, hierarchy edges, role-permission grants and
// user-role assignments. DeleteRole soft-deletes the role and deactivates
// its user-role assignments in the same transaction.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	DeleteRole(ctx context.Context, id string) error

	AddHierarchyEdge(ctx context.Context, e *RoleHierarchy) error
	ListHierarchyEdges(ctx context.Context, roleID string) ([]*RoleHierarchy, error)

	GrantRolePermission(ctx context.Context, rp *RolePermission) error
	ListRolePermissions(ctx context.Context, roleID string) ([]*RolePermission, error)
	RevokeRolePermission(ctx context.Context, roleID, permissionID string) error

	AssignUserRole(ctx context.Context, ur *UserRole) error
	UpdateUserRole(ctx context.Context, ur *UserRole) error
	ListUserRoles(ctx context.Context, userID string) ([]*UserRole, error)
	CountActiveRoleUsers(ctx context.Context, roleID string) (int, error)
}

// ResourceStore persists resources, per-resource permission configuration
// and user grants. DeleteResources soft-deletes the given resources and
// deactivates every grant on them in the same transaction.
type ResourceStore interface {
	CreateResource(ctx context.Context, r *Resource) error
	UpdateResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	GetResourceByKey(ctx context.Context, resourceType, externalID string) (*Resource, error)
	ListChildren(ctx context.Context, parentID string) ([]*Resource, error)
	DeleteResources(ctx context.Context, ids []string) error

	UpsertResourcePermission(ctx context.Context, rp *ResourcePermission) error
	ListResourcePermissions(ctx context.Context, resourceID string) ([]*ResourcePermission, error)
	GetResourcePermission(ctx context.Context, resourceID, permissionID string) (*ResourcePermission, error)

	GrantUserResourcePermission(ctx context.Context, g *UserResourcePermission) error
	GetUserResourcePermission(ctx context.Context, userID, resourceID, permissionID string) (*UserResourcePermission, error)
	ListUserResourcePermissions(ctx context.Context, userID, resourceID string) ([]*UserResourcePermission, error)
	RevokeUserResourcePermission(ctx context.Context, userID, resourceID, permissionID, revokedBy string) error
}

// ConditionStore persists reusable named condition sets.
// RecordConditionEvaluation updates the bookkeeping fields after an
// evaluation; it never fails a decision.
type ConditionStore interface {
	CreateCondition(ctx context.Context, pc *PermissionCondition) error
	GetCondition(ctx context.Context, id string) (*PermissionCondition, error)
	GetConditionByName(ctx context.Context, name string) (*PermissionCondition, error)
	ListGlobalConditions(ctx context.Context) ([]*PermissionCondition, error)
	UpdateCondition(ctx context.Context, pc *PermissionCondition) error
	DeleteCondition(ctx context.Context, id string) error
	RecordConditionEvaluation(ctx context.Context, id string, at time.Time, result bool) error
}

// TemporalStore persists schedules attached to grants.
type TemporalStore interface {
	CreateTemporalPermission(ctx context.Context, tp *TemporalPermission) error
	GetTemporalPermission(ctx context.Context, id string) (*TemporalPermission, error)
	GetTemporalForGrant(ctx context.Context, kind GrantKind, grantID string) (*TemporalPermission, error)
	UpdateTemporalPermission(ctx context.Context, tp *TemporalPermission) error
	IncrementUses(ctx context.Context, id string) error
	RecordEvaluation(ctx context.Context, id string, at time.Time, result bool) error
}
