package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
)

// SQLRoleStore persists roles, hierarchy edges, role permission grants
// and user assignments in SQL (squealx).
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

const roleColumns = `id, name, display_name, is_system_role, is_active, parent_role, level, role_type,
	scope, max_users, auto_assign_json, deleted, created_at, updated_at`

func roleArgs(r *shield.Role) map[string]any {
	return map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"display_name":     r.DisplayName,
		"is_system_role":   boolToInt(r.IsSystemRole),
		"is_active":        boolToInt(r.IsActive),
		"parent_role":      r.ParentRole,
		"level":            r.Level,
		"role_type":        string(r.RoleType),
		"scope":            r.Scope,
		"max_users":        r.MaxUsers,
		"auto_assign_json": marshalJSON(r.AutoAssign),
		"deleted":          boolToInt(r.Deleted),
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}
}

func scanRole(r rowScanner) (*shield.Role, error) {
	var (
		role                   shield.Role
		system, active, del    int
		roleType, autoJSON     string
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&role.ID, &role.Name, &role.DisplayName, &system, &active, &role.ParentRole,
		&role.Level, &roleType, &role.Scope, &role.MaxUsers, &autoJSON, &del, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role.IsSystemRole = system != 0
	role.IsActive = active != 0
	role.Deleted = del != 0
	role.RoleType = shield.RoleType(roleType)
	unmarshalJSON(autoJSON, &role.AutoAssign)
	role.CreatedAt = scanTime(createdRaw)
	role.UpdatedAt = scanTime(updatedRaw)
	return &role, nil
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *shield.Role) error {
	q := `INSERT INTO roles(` + roleColumns + `) VALUES(:id, :name, :display_name, :is_system_role, :is_active, :parent_role, :level, :role_type, :scope, :max_users, :auto_assign_json, :deleted, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, roleArgs(r))
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *shield.Role) error {
	q := `UPDATE roles SET name=:name, display_name=:display_name, is_system_role=:is_system_role, is_active=:is_active, parent_role=:parent_role, level=:level, role_type=:role_type, scope=:scope, max_users=:max_users, auto_assign_json=:auto_assign_json, updated_at=:updated_at WHERE id=:id AND deleted=0`
	_, err := s.db.NamedExecContext(ctx, q, roleArgs(r))
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*shield.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE id = :id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "role", Key: id}
	}
	return scanRole(r)
}

func (s *SQLRoleStore) GetRoleByName(ctx context.Context, name string) (*shield.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE name = :name AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "role", Key: name}
	}
	return scanRole(r)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*shield.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE deleted = 0 ORDER BY level, name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// DeleteRole soft-deletes the role and deactivates its assignments.
func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.NamedExecContext(ctx, `UPDATE roles SET deleted=1, is_active=0, deleted_at=:now WHERE id=:id AND deleted=0`,
		map[string]any{"id": id, "now": now})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "role", Key: id}
	}
	_, err = s.db.NamedExecContext(ctx, `UPDATE user_roles SET is_active=0, updated_at=:now WHERE role_id=:id AND is_active=1`,
		map[string]any{"id": id, "now": now})
	return err
}

func (s *SQLRoleStore) AddHierarchyEdge(ctx context.Context, e *shield.RoleHierarchy) error {
	q := `INSERT INTO role_hierarchy(id, parent_role, child_role, depth, inheritance_type, deleted, created_at, updated_at) VALUES(:id, :parent_role, :child_role, :depth, :inheritance_type, 0, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               e.ID,
		"parent_role":      e.ParentRole,
		"child_role":       e.ChildRole,
		"depth":            e.Depth,
		"inheritance_type": string(e.InheritanceType),
		"created_at":       e.CreatedAt,
		"updated_at":       e.UpdatedAt,
	})
	return err
}

func (s *SQLRoleStore) ListHierarchyEdges(ctx context.Context, roleID string) ([]*shield.RoleHierarchy, error) {
	q := `SELECT id, parent_role, child_role, depth, inheritance_type, created_at FROM role_hierarchy WHERE deleted = 0 AND (:role_id = '' OR parent_role = :role_id OR child_role = :role_id)`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.RoleHierarchy, 0)
	for r.Next() {
		var (
			e          shield.RoleHierarchy
			inhType    string
			createdRaw any
		)
		if err := r.Scan(&e.ID, &e.ParentRole, &e.ChildRole, &e.Depth, &inhType, &createdRaw); err != nil {
			return nil, err
		}
		e.InheritanceType = shield.InheritanceType(inhType)
		e.CreatedAt = scanTime(createdRaw)
		out = append(out, &e)
	}
	return out, nil
}

const rolePermColumns = `id, role_id, permission_id, is_active, valid_from, valid_until,
	conditions_json, resource_constraints_json, deleted, created_at, updated_at`

func scanRolePermission(r rowScanner) (*shield.RolePermission, error) {
	var (
		rp                        shield.RolePermission
		active, del               int
		fromRaw, untilRaw         any
		condJSON, constraintsJSON string
		createdRaw, updatedRaw    any
	)
	if err := r.Scan(&rp.ID, &rp.RoleID, &rp.PermissionID, &active, &fromRaw, &untilRaw,
		&condJSON, &constraintsJSON, &del, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rp.IsActive = active != 0
	rp.Deleted = del != 0
	rp.ValidFrom = scanTimePtr(fromRaw)
	rp.ValidUntil = scanTimePtr(untilRaw)
	unmarshalJSON(condJSON, &rp.Conditions)
	unmarshalJSON(constraintsJSON, &rp.ResourceConstraints)
	rp.CreatedAt = scanTime(createdRaw)
	rp.UpdatedAt = scanTime(updatedRaw)
	return &rp, nil
}

func (s *SQLRoleStore) GrantRolePermission(ctx context.Context, rp *shield.RolePermission) error {
	q := `INSERT INTO role_permissions(` + rolePermColumns + `) VALUES(:id, :role_id, :permission_id, :is_active, :valid_from, :valid_until, :conditions_json, :resource_constraints_json, 0, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                        rp.ID,
		"role_id":                   rp.RoleID,
		"permission_id":             rp.PermissionID,
		"is_active":                 boolToInt(rp.IsActive),
		"valid_from":                timeOrNil(rp.ValidFrom),
		"valid_until":               timeOrNil(rp.ValidUntil),
		"conditions_json":           marshalJSON(rp.Conditions),
		"resource_constraints_json": marshalJSON(rp.ResourceConstraints),
		"created_at":                rp.CreatedAt,
		"updated_at":                rp.UpdatedAt,
	})
	return err
}

func (s *SQLRoleStore) ListRolePermissions(ctx context.Context, roleID string) ([]*shield.RolePermission, error) {
	q := `SELECT ` + rolePermColumns + ` FROM role_permissions WHERE role_id = :role_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.RolePermission, 0)
	for r.Next() {
		rp, err := scanRolePermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, nil
}

func (s *SQLRoleStore) RevokeRolePermission(ctx context.Context, roleID, permissionID string) error {
	q := `UPDATE role_permissions SET is_active=0, deleted=1, deleted_at=CURRENT_TIMESTAMP WHERE role_id=:role_id AND permission_id=:permission_id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "permission_id": permissionID})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "role permission", Key: roleID + "/" + permissionID}
	}
	return nil
}

const userRoleColumns = `id, user_id, role_id, context, is_active, valid_from, valid_until,
	approval_status, assigned_by, deleted, created_at, updated_at, updated_by`

func scanUserRole(r rowScanner) (*shield.UserRole, error) {
	var (
		ur                     shield.UserRole
		active, del            int
		fromRaw, untilRaw      any
		status                 string
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.Context, &active, &fromRaw, &untilRaw,
		&status, &ur.AssignedBy, &del, &createdRaw, &updatedRaw, &ur.UpdatedBy); err != nil {
		return nil, err
	}
	ur.IsActive = active != 0
	ur.Deleted = del != 0
	ur.ValidFrom = scanTimePtr(fromRaw)
	ur.ValidUntil = scanTimePtr(untilRaw)
	ur.ApprovalStatus = shield.ApprovalStatus(status)
	ur.CreatedAt = scanTime(createdRaw)
	ur.UpdatedAt = scanTime(updatedRaw)
	return &ur, nil
}

func (s *SQLRoleStore) AssignUserRole(ctx context.Context, ur *shield.UserRole) error {
	q := `INSERT INTO user_roles(` + userRoleColumns + `) VALUES(:id, :user_id, :role_id, :context, :is_active, :valid_from, :valid_until, :approval_status, :assigned_by, 0, :created_at, :updated_at, :updated_by)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              ur.ID,
		"user_id":         ur.UserID,
		"role_id":         ur.RoleID,
		"context":         ur.Context,
		"is_active":       boolToInt(ur.IsActive),
		"valid_from":      timeOrNil(ur.ValidFrom),
		"valid_until":     timeOrNil(ur.ValidUntil),
		"approval_status": string(ur.ApprovalStatus),
		"assigned_by":     ur.AssignedBy,
		"created_at":      ur.CreatedAt,
		"updated_at":      ur.UpdatedAt,
		"updated_by":      ur.UpdatedBy,
	})
	return err
}

func (s *SQLRoleStore) UpdateUserRole(ctx context.Context, ur *shield.UserRole) error {
	q := `UPDATE user_roles SET is_active=:is_active, valid_from=:valid_from, valid_until=:valid_until, approval_status=:approval_status, updated_at=:updated_at, updated_by=:updated_by WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              ur.ID,
		"is_active":       boolToInt(ur.IsActive),
		"valid_from":      timeOrNil(ur.ValidFrom),
		"valid_until":     timeOrNil(ur.ValidUntil),
		"approval_status": string(ur.ApprovalStatus),
		"updated_at":      ur.UpdatedAt,
		"updated_by":      ur.UpdatedBy,
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "user role", Key: ur.ID}
	}
	return nil
}

func (s *SQLRoleStore) ListUserRoles(ctx context.Context, userID string) ([]*shield.UserRole, error) {
	q := `SELECT ` + userRoleColumns + ` FROM user_roles WHERE user_id = :user_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.UserRole, 0)
	for r.Next() {
		ur, err := scanUserRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	return out, nil
}

func (s *SQLRoleStore) CountActiveRoleUsers(ctx context.Context, roleID string) (int, error) {
	q := `SELECT COUNT(*) FROM user_roles WHERE role_id = :role_id AND is_active = 1 AND deleted = 0 AND approval_status IN ('approved', 'auto_approved')`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	n := 0
	if r.Next() {
		if err := r.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, nil
}
