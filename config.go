package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the declarative seed format: the whole authorization model
// in one document, suitable for bootstrap and for drift-free redeploys.
// ApplyConfig is idempotent; records that already exist are left alone.
type Config struct {
	Version     int                      `json:"version"`
	Engine      EngineConfig             `json:"engine"`
	Permissions []*Permission            `json:"permissions"`
	Roles       []RoleConfig             `json:"roles"`
	Hierarchy   map[string]string        `json:"hierarchy"` // child role name -> parent role name
	RoleGrants  []RoleGrantConfig        `json:"role_grants"`
	Resources   []ResourceConfig         `json:"resources"`
	Behaviors   []ResourceBehaviorConfig `json:"resource_permissions"`
	Grants      []ResourceGrantConfig    `json:"grants"`
	Assignments []AssignmentConfig       `json:"assignments"`
	Schedules   []TemporalScheduleConfig `json:"schedules"`
}

// EngineConfig tunes caching. Environment variables with the SHIELD_
// prefix override file values (SHIELD_POSITIVE_TTL_MS and so on).
type EngineConfig struct {
	PositiveTTLMillis   int64  `json:"positive_ttl_ms" envconfig:"POSITIVE_TTL_MS"`
	NegativeTTLMillis   int64  `json:"negative_ttl_ms" envconfig:"NEGATIVE_TTL_MS"`
	HierarchyTTLMillis  int64  `json:"hierarchy_ttl_ms" envconfig:"HIERARCHY_TTL_MS"`
	RedisAddr           string `json:"redis_addr,omitempty" envconfig:"REDIS_ADDR"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter,omitempty" envconfig:"RISTRETTO_NUM_COUNTER"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost,omitempty" envconfig:"RISTRETTO_MAX_COST"`
	RistrettoBuffer     int64  `json:"ristretto_buffer,omitempty" envconfig:"RISTRETTO_BUFFER"`
}

// RoleConfig declares a role by name, with parent by name.
type RoleConfig struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name,omitempty"`
	Parent      string      `json:"parent,omitempty"`
	RoleType    RoleType    `json:"role_type,omitempty"`
	MaxUsers    int         `json:"max_users,omitempty"`
	AutoAssign  []Condition `json:"auto_assign,omitempty"`
}

// RoleGrantConfig attaches a permission to a role, both by name.
type RoleGrantConfig struct {
	Role                string      `json:"role"`
	Permission          string      `json:"permission"`
	Conditions          []Condition `json:"conditions,omitempty"`
	ResourceConstraints []string    `json:"resource_constraints,omitempty"`
}

// ResourceConfig declares a resource; the parent is a "type:id" key.
type ResourceConfig struct {
	ResourceType  string         `json:"resource_type"`
	ExternalID    string         `json:"external_id"`
	Name          string         `json:"name,omitempty"`
	Parent        string         `json:"parent,omitempty"`
	SecurityLevel SecurityLevel  `json:"security_level,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
}

// ResourceBehaviorConfig configures a permission on a resource.
type ResourceBehaviorConfig struct {
	Resource      string      `json:"resource"` // "type:id"
	Permission    string      `json:"permission"`
	IsInheritable bool        `json:"is_inheritable"`
	IsDelegatable bool        `json:"is_delegatable"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// ResourceGrantConfig grants a user a permission on a resource.
type ResourceGrantConfig struct {
	User       string     `json:"user"`
	Resource   string     `json:"resource"` // "type:id"
	Permission string     `json:"permission"`
	GrantType  GrantType  `json:"grant_type,omitempty"`
	GrantedBy  string     `json:"granted_by,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// AssignmentConfig assigns a role to a user.
type AssignmentConfig struct {
	User    string `json:"user"`
	Role    string `json:"role"`
	Context string `json:"context,omitempty"`
}

// TemporalScheduleConfig attaches a schedule to a grant declared in the
// same document. The grant is located by its declaration coordinates.
type TemporalScheduleConfig struct {
	Role       string              `json:"role,omitempty"` // role grant schedules
	User       string              `json:"user,omitempty"` // resource grant schedules
	Resource   string              `json:"resource,omitempty"`
	Permission string              `json:"permission"`
	Schedule   *TemporalPermission `json:"schedule"`
}

// ConfigLoader parses configuration documents.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

// LoadYAML bridges the document through its JSON representation so the
// field names match the json tags everywhere, including the embedded
// condition and schedule structures.
func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return l.LoadJSON(buf)
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile dispatches on the file extension, then applies SHIELD_*
// environment overrides to the engine section.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	if strings.HasSuffix(path, ".json") {
		cfg, err = l.LoadJSON(data)
	} else {
		cfg, err = l.LoadYAML(data)
	}
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process("shield", &cfg.Engine); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports the configuration document, using the json field names.
func (c *Config) ToYAML() ([]byte, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, err
	}
	return yaml.Marshal(raw)
}

// ToJSON exports the configuration document.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Validate checks the document without touching any store.
func (c *Config) Validate() error {
	permNames := make(map[string]bool)
	for _, p := range c.Permissions {
		if p.Name == "" || !permissionNameRe.MatchString(p.Name) {
			return validationErr("permissions", "invalid permission name %q", p.Name)
		}
		if permNames[p.Name] {
			return validationErr("permissions", "duplicate permission %q", p.Name)
		}
		permNames[p.Name] = true
	}
	roleNames := make(map[string]bool)
	for _, r := range c.Roles {
		if r.Name == "" || !roleNameRe.MatchString(r.Name) {
			return validationErr("roles", "invalid role name %q", r.Name)
		}
		if roleNames[r.Name] {
			return validationErr("roles", "duplicate role %q", r.Name)
		}
		roleNames[r.Name] = true
		if err := ValidateConditions(r.AutoAssign); err != nil {
			return err
		}
	}
	for child, parent := range c.Hierarchy {
		if child == parent {
			return validationErr("hierarchy", "role %q cannot inherit from itself", child)
		}
	}
	for _, g := range c.RoleGrants {
		if !roleNames[g.Role] {
			return validationErr("role_grants", "unknown role %q", g.Role)
		}
		if !permNames[g.Permission] {
			return validationErr("role_grants", "unknown permission %q", g.Permission)
		}
		if err := ValidateConditions(g.Conditions); err != nil {
			return err
		}
	}
	for _, s := range c.Schedules {
		if s.Schedule == nil {
			return validationErr("schedules", "schedule body is required")
		}
	}
	return nil
}

// ApplyConfig seeds the stores from a configuration document. Existing
// records are kept; conflicts on re-apply are not errors.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Engine.PositiveTTLMillis > 0 {
		e.positiveTTL = time.Duration(cfg.Engine.PositiveTTLMillis) * time.Millisecond
	}
	if cfg.Engine.NegativeTTLMillis > 0 {
		e.negativeTTL = time.Duration(cfg.Engine.NegativeTTLMillis) * time.Millisecond
	}
	if cfg.Engine.HierarchyTTLMillis > 0 {
		e.hierarchyTTL = time.Duration(cfg.Engine.HierarchyTTLMillis) * time.Millisecond
	}

	for _, p := range cfg.Permissions {
		if _, err := e.CreatePermission(ctx, p); err != nil && !IsConflict(err) {
			return fmt.Errorf("permission %s: %w", p.Name, err)
		}
	}

	for _, rc := range cfg.Roles {
		role := &Role{
			Name:        rc.Name,
			DisplayName: rc.DisplayName,
			RoleType:    rc.RoleType,
			MaxUsers:    rc.MaxUsers,
			AutoAssign:  rc.AutoAssign,
		}
		if _, err := e.CreateRole(ctx, role); err != nil && !IsConflict(err) {
			return fmt.Errorf("role %s: %w", rc.Name, err)
		}
	}

	for child, parent := range cfg.Hierarchy {
		childRole, err := e.roles.GetRoleByName(ctx, child)
		if err != nil {
			return fmt.Errorf("hierarchy child %s: %w", child, err)
		}
		parentRole, err := e.roles.GetRoleByName(ctx, parent)
		if err != nil {
			return fmt.Errorf("hierarchy parent %s: %w", parent, err)
		}
		if childRole.ParentRole == parentRole.ID {
			continue
		}
		if err := e.AddHierarchyEdge(ctx, parentRole.ID, childRole.ID, InheritFull); err != nil && !IsConflict(err) {
			return fmt.Errorf("hierarchy %s -> %s: %w", parent, child, err)
		}
	}

	for _, g := range cfg.RoleGrants {
		role, err := e.roles.GetRoleByName(ctx, g.Role)
		if err != nil {
			return fmt.Errorf("role grant %s: %w", g.Role, err)
		}
		perm, err := e.permissions.GetPermissionByName(ctx, g.Permission)
		if err != nil {
			return fmt.Errorf("role grant %s: %w", g.Permission, err)
		}
		rp := &RolePermission{
			RoleID:              role.ID,
			PermissionID:        perm.ID,
			Conditions:          g.Conditions,
			ResourceConstraints: g.ResourceConstraints,
		}
		if _, err := e.GrantRolePermission(ctx, rp); err != nil && !IsConflict(err) {
			return fmt.Errorf("role grant %s/%s: %w", g.Role, g.Permission, err)
		}
	}

	for _, rc := range cfg.Resources {
		res := &Resource{
			ResourceType:  rc.ResourceType,
			ExternalID:    rc.ExternalID,
			Name:          rc.Name,
			SecurityLevel: rc.SecurityLevel,
			OwnerID:       rc.OwnerID,
			Attributes:    rc.Attributes,
			Tags:          rc.Tags,
		}
		if rc.Parent != "" {
			parent, err := e.resolveResourceKey(ctx, rc.Parent)
			if err != nil {
				return fmt.Errorf("resource %s:%s parent: %w", rc.ResourceType, rc.ExternalID, err)
			}
			res.ParentID = parent.ID
		}
		// re-applies skip resources that already exist
		if existing, err := e.resources.GetResourceByKey(ctx, rc.ResourceType, rc.ExternalID); err == nil && existing != nil {
			continue
		} else if err != nil && !IsNotFound(err) {
			return fmt.Errorf("resource %s:%s: %w", rc.ResourceType, rc.ExternalID, err)
		}
		if _, err := e.RegisterResource(ctx, res); err != nil {
			return fmt.Errorf("resource %s:%s: %w", rc.ResourceType, rc.ExternalID, err)
		}
	}

	for _, bc := range cfg.Behaviors {
		res, err := e.resolveResourceKey(ctx, bc.Resource)
		if err != nil {
			return fmt.Errorf("resource permission %s: %w", bc.Resource, err)
		}
		perm, err := e.permissions.GetPermissionByName(ctx, bc.Permission)
		if err != nil {
			return fmt.Errorf("resource permission %s: %w", bc.Permission, err)
		}
		cfgRow := &ResourcePermission{
			ResourceID:    res.ID,
			PermissionID:  perm.ID,
			IsInheritable: bc.IsInheritable,
			IsDelegatable: bc.IsDelegatable,
			Conditions:    bc.Conditions,
		}
		if err := e.ConfigureResourcePermission(ctx, cfgRow); err != nil {
			return fmt.Errorf("resource permission %s/%s: %w", bc.Resource, bc.Permission, err)
		}
	}

	for _, gc := range cfg.Grants {
		res, err := e.resolveResourceKey(ctx, gc.Resource)
		if err != nil {
			return fmt.Errorf("grant %s: %w", gc.Resource, err)
		}
		perm, err := e.permissions.GetPermissionByName(ctx, gc.Permission)
		if err != nil {
			return fmt.Errorf("grant %s: %w", gc.Permission, err)
		}
		grant := &UserResourcePermission{
			UserID:       gc.User,
			ResourceID:   res.ID,
			PermissionID: perm.ID,
			GrantType:    gc.GrantType,
			GrantedBy:    gc.GrantedBy,
			ValidFrom:    gc.ValidFrom,
			ValidUntil:   gc.ValidUntil,
		}
		if _, err := e.GrantResourcePermission(ctx, grant); err != nil && !IsConflict(err) {
			return fmt.Errorf("grant %s on %s: %w", gc.User, gc.Resource, err)
		}
	}

	for _, ac := range cfg.Assignments {
		role, err := e.roles.GetRoleByName(ctx, ac.Role)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", ac.Role, err)
		}
		ur := &UserRole{UserID: ac.User, RoleID: role.ID, Context: ac.Context}
		if _, err := e.AssignUserRole(ctx, ur); err != nil && !IsConflict(err) {
			return fmt.Errorf("assignment %s/%s: %w", ac.User, ac.Role, err)
		}
	}

	for _, sc := range cfg.Schedules {
		tp := sc.Schedule
		perm, err := e.permissions.GetPermissionByName(ctx, sc.Permission)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.Permission, err)
		}
		switch {
		case sc.Role != "":
			role, err := e.roles.GetRoleByName(ctx, sc.Role)
			if err != nil {
				return fmt.Errorf("schedule role %s: %w", sc.Role, err)
			}
			grants, err := e.roles.ListRolePermissions(ctx, role.ID)
			if err != nil {
				return err
			}
			tp.GrantKind = GrantKindRolePermission
			tp.GrantID = ""
			for _, g := range grants {
				if g.PermissionID == perm.ID && g.IsActive && !g.Deleted {
					tp.GrantID = g.ID
					break
				}
			}
		case sc.User != "" && sc.Resource != "":
			res, err := e.resolveResourceKey(ctx, sc.Resource)
			if err != nil {
				return fmt.Errorf("schedule resource %s: %w", sc.Resource, err)
			}
			g, err := e.resources.GetUserResourcePermission(ctx, sc.User, res.ID, perm.ID)
			if err != nil {
				return fmt.Errorf("schedule grant for %s: %w", sc.User, err)
			}
			tp.GrantKind = GrantKindUserResource
			tp.GrantID = g.ID
		default:
			return validationErr("schedules", "schedule must name either a role or a user and resource")
		}
		if tp.GrantID == "" {
			return notFoundErr("grant for schedule", sc.Permission)
		}
		if _, err := e.CreateTemporalPermission(ctx, tp); err != nil && !IsConflict(err) {
			return fmt.Errorf("schedule %s: %w", sc.Permission, err)
		}
	}

	e.logger.Info("configuration applied",
		"permissions", len(cfg.Permissions),
		"roles", len(cfg.Roles),
		"resources", len(cfg.Resources),
		"grants", len(cfg.Grants),
	)
	return nil
}

// resolveResourceKey resolves a "type:id" key to a stored resource.
func (e *Engine) resolveResourceKey(ctx context.Context, key string) (*Resource, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, validationErr("resource", "%q is not a type:id key", key)
	}
	return e.resources.GetResourceByKey(ctx, parts[0], parts[1])
}
