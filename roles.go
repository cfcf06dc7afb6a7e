package shield

import (
	"context"
	"fmt"
)

// ============================================================================
// PERMISSION MANAGEMENT
// ============================================================================

// CreatePermission registers a permission definition and returns its id.
func (e *Engine) CreatePermission(ctx context.Context, p *Permission) (string, error) {
	if p == nil || p.Name == "" {
		return "", validationErr("name", "required")
	}
	if !permissionNameRe.MatchString(p.Name) {
		return "", validationErr("name", "%q must match %s", p.Name, permissionNameRe.String())
	}
	if existing, err := e.permissions.GetPermissionByName(ctx, p.Name); err == nil && existing != nil {
		return "", conflictErr("permission", p.Name)
	} else if err != nil && !IsNotFound(err) {
		return "", err
	}
	for _, dep := range p.DependsOn {
		if _, err := e.permissions.GetPermission(ctx, dep); err != nil {
			return "", err
		}
	}
	for _, c := range p.ConflictsWith {
		if _, err := e.permissions.GetPermission(ctx, c); err != nil {
			return "", err
		}
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = e.now()
	p.UpdatedAt = p.CreatedAt
	if err := e.permissions.CreatePermission(ctx, p); err != nil {
		return "", err
	}
	e.logger.Info("permission created", "id", p.ID, "name", p.Name)
	return p.ID, nil
}

// UpdatePermission rewrites a permission definition in place.
func (e *Engine) UpdatePermission(ctx context.Context, p *Permission) error {
	if p == nil || p.ID == "" {
		return validationErr("id", "required")
	}
	if p.Name != "" && !permissionNameRe.MatchString(p.Name) {
		return validationErr("name", "%q must match %s", p.Name, permissionNameRe.String())
	}
	p.UpdatedAt = e.now()
	if err := e.permissions.UpdatePermission(ctx, p); err != nil {
		return err
	}
	e.cache.DeletePattern(ctx, "decision:*")
	return nil
}

// GetPermissionByName resolves a permission definition.
func (e *Engine) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return e.permissions.GetPermissionByName(ctx, name)
}

// ============================================================================
// ROLE MANAGEMENT
// ============================================================================

// CreateRole registers a role and returns its id. The parent, when set,
// must already exist; the new role's level is derived from it.
func (e *Engine) CreateRole(ctx context.Context, r *Role) (string, error) {
	if r == nil || r.Name == "" {
		return "", validationErr("name", "required")
	}
	if !roleNameRe.MatchString(r.Name) {
		return "", validationErr("name", "%q must match %s", r.Name, roleNameRe.String())
	}
	if existing, err := e.roles.GetRoleByName(ctx, r.Name); err == nil && existing != nil {
		return "", conflictErr("role", r.Name)
	} else if err != nil && !IsNotFound(err) {
		return "", err
	}
	if err := ValidateConditions(r.AutoAssign); err != nil {
		return "", err
	}
	r.Level = 0
	if r.ParentRole != "" {
		parent, err := e.roles.GetRole(ctx, r.ParentRole)
		if err != nil {
			return "", err
		}
		if _, err := e.roleChain(ctx, parent.ID); err != nil {
			return "", err
		}
		r.Level = parent.Level + 1
	}
	if r.ID == "" {
		r.ID = newID()
	}
	r.IsActive = true
	r.CreatedAt = e.now()
	r.UpdatedAt = r.CreatedAt
	if err := e.roles.CreateRole(ctx, r); err != nil {
		return "", err
	}
	e.logger.Info("role created", "id", r.ID, "name", r.Name, "parent", r.ParentRole)
	return r.ID, nil
}

// UpdateRole rewrites a role. Changing the parent is rejected when it
// would make the role its own ancestor.
func (e *Engine) UpdateRole(ctx context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return validationErr("id", "required")
	}
	if r.Name != "" && !roleNameRe.MatchString(r.Name) {
		return validationErr("name", "%q must match %s", r.Name, roleNameRe.String())
	}
	if err := ValidateConditions(r.AutoAssign); err != nil {
		return err
	}
	if r.ParentRole != "" {
		if r.ParentRole == r.ID {
			return validationErr("parent_role", "role cannot be its own parent")
		}
		chain, err := e.roleChain(ctx, r.ParentRole)
		if err != nil {
			return err
		}
		for _, anc := range chain {
			if anc.ID == r.ID {
				return validationErr("parent_role", "change would create a hierarchy cycle")
			}
		}
		r.Level = chain[0].Level + 1
	} else {
		r.Level = 0
	}
	r.UpdatedAt = e.now()
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return err
	}
	e.invalidateRole(ctx, r.ID)
	return nil
}

// DeleteRole soft-deletes a role and deactivates its user assignments.
// System roles cannot be deleted.
func (e *Engine) DeleteRole(ctx context.Context, roleID string) error {
	role, err := e.roles.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return validationErr("role", "system role %q cannot be deleted", role.Name)
	}
	if err := e.roles.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	e.invalidateRole(ctx, roleID)
	e.logger.Info("role deleted", "id", roleID, "name", role.Name)
	return nil
}

// GetRoleByName resolves a role definition.
func (e *Engine) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return e.roles.GetRoleByName(ctx, name)
}

// AddHierarchyEdge records an explicit parent-child edge and points the
// child's parent chain at the parent. Self-edges and edges that would
// close a cycle are rejected.
func (e *Engine) AddHierarchyEdge(ctx context.Context, parentID, childID string, inheritance InheritanceType) error {
	if parentID == childID {
		return validationErr("child_role", "role cannot inherit from itself")
	}
	parent, err := e.roles.GetRole(ctx, parentID)
	if err != nil {
		return err
	}
	child, err := e.roles.GetRole(ctx, childID)
	if err != nil {
		return err
	}
	chain, err := e.roleChain(ctx, parentID)
	if err != nil {
		return err
	}
	for _, anc := range chain {
		if anc.ID == childID {
			return validationErr("child_role", "edge would create a hierarchy cycle")
		}
	}
	if inheritance == "" {
		inheritance = InheritFull
	}
	edge := &RoleHierarchy{
		ParentRole:      parentID,
		ChildRole:       childID,
		Depth:           1,
		InheritanceType: inheritance,
	}
	edge.ID = newID()
	edge.CreatedAt = e.now()
	edge.UpdatedAt = edge.CreatedAt
	if err := e.roles.AddHierarchyEdge(ctx, edge); err != nil {
		return err
	}
	child.ParentRole = parentID
	child.Level = parent.Level + 1
	child.UpdatedAt = e.now()
	if err := e.roles.UpdateRole(ctx, child); err != nil {
		return err
	}
	e.invalidateRole(ctx, childID)
	return nil
}

// roleChain walks the parent chain starting at roleID, returning the
// roles from roleID up to the root. A repeated id yields a
// StructuralError.
func (e *Engine) roleChain(ctx context.Context, roleID string) ([]*Role, error) {
	var chain []*Role
	visited := make(map[string]bool)
	id := roleID
	for id != "" {
		if visited[id] {
			return nil, &StructuralError{Kind: "role", ID: id}
		}
		visited[id] = true
		role, err := e.roles.GetRole(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, role)
		id = role.ParentRole
	}
	return chain, nil
}

// ============================================================================
// ROLE PERMISSION GRANTS
// ============================================================================

// GrantRolePermission attaches a permission to a role. Dependencies of
// the permission must already be granted to the role; conflicting
// permissions must not be.
func (e *Engine) GrantRolePermission(ctx context.Context, rp *RolePermission) (string, error) {
	if rp == nil || rp.RoleID == "" || rp.PermissionID == "" {
		return "", validationErr("grant", "role_id and permission_id are required")
	}
	if rp.ValidFrom != nil && rp.ValidUntil != nil && !rp.ValidFrom.Before(*rp.ValidUntil) {
		return "", validationErr("valid_until", "must be after valid_from")
	}
	if err := ValidateConditions(rp.Conditions); err != nil {
		return "", err
	}
	if _, err := e.roles.GetRole(ctx, rp.RoleID); err != nil {
		return "", err
	}
	perm, err := e.permissions.GetPermission(ctx, rp.PermissionID)
	if err != nil {
		return "", err
	}
	existing, err := e.roles.ListRolePermissions(ctx, rp.RoleID)
	if err != nil {
		return "", err
	}
	held := make(map[string]bool, len(existing))
	for _, g := range existing {
		if g.IsActive && !g.Deleted {
			held[g.PermissionID] = true
		}
	}
	if held[rp.PermissionID] {
		return "", conflictErr("role permission", rp.RoleID+"/"+rp.PermissionID)
	}
	for _, dep := range perm.DependsOn {
		if !held[dep] {
			return "", validationErr("permission_id",
				"permission %q depends on %s which the role does not hold", perm.Name, dep)
		}
	}
	for _, c := range perm.ConflictsWith {
		if held[c] {
			return "", conflictErr("conflicting permission", c)
		}
	}
	if rp.ID == "" {
		rp.ID = newID()
	}
	rp.IsActive = true
	rp.CreatedAt = e.now()
	rp.UpdatedAt = rp.CreatedAt
	if err := e.roles.GrantRolePermission(ctx, rp); err != nil {
		return "", err
	}
	e.invalidateRole(ctx, rp.RoleID)
	e.logger.Info("role permission granted", "role", rp.RoleID, "permission", perm.Name)
	return rp.ID, nil
}

// RevokeRolePermission removes a permission from a role.
func (e *Engine) RevokeRolePermission(ctx context.Context, roleID, permissionID string) error {
	if err := e.roles.RevokeRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	e.invalidateRole(ctx, roleID)
	return nil
}

// GetEffectivePermissions returns the permission set a role carries,
// its own grants plus everything inherited up the parent chain. The
// result is cached; a cyclic chain yields a StructuralError.
func (e *Engine) GetEffectivePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	key := rolePermsKey(roleID)
	var cached []*Permission
	if e.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	chain, err := e.roleChain(ctx, roleID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*Permission
	for _, role := range chain {
		if !role.IsActive || role.Deleted {
			continue
		}
		grants, err := e.roles.ListRolePermissions(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			if !g.IsActive || g.Deleted || seen[g.PermissionID] {
				continue
			}
			perm, err := e.permissions.GetPermission(ctx, g.PermissionID)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return nil, err
			}
			seen[g.PermissionID] = true
			out = append(out, perm)
		}
	}
	e.cache.Set(ctx, key, out, e.hierarchyTTL)
	return out, nil
}

// ============================================================================
// USER ROLE ASSIGNMENT
// ============================================================================

// AssignUserRole assigns a role to a user and returns the assignment id.
// The assignment lands pending when any of the role's permissions
// requires approval, otherwise it is auto-approved. A max_users cap on
// the role is enforced against currently active assignments.
func (e *Engine) AssignUserRole(ctx context.Context, ur *UserRole) (string, error) {
	if ur == nil || ur.UserID == "" || ur.RoleID == "" {
		return "", validationErr("assignment", "user_id and role_id are required")
	}
	if ur.ValidFrom != nil && ur.ValidUntil != nil && !ur.ValidFrom.Before(*ur.ValidUntil) {
		return "", validationErr("valid_until", "must be after valid_from")
	}
	role, err := e.roles.GetRole(ctx, ur.RoleID)
	if err != nil {
		return "", err
	}
	if !role.IsActive || role.Deleted {
		return "", validationErr("role_id", "role %q is not active", role.Name)
	}
	existing, err := e.roles.ListUserRoles(ctx, ur.UserID)
	if err != nil {
		return "", err
	}
	for _, cur := range existing {
		if cur.RoleID == ur.RoleID && cur.Context == ur.Context && cur.IsActive && !cur.Deleted {
			return "", conflictErr("user role", ur.UserID+"/"+role.Name)
		}
	}
	if role.MaxUsers > 0 {
		n, err := e.roles.CountActiveRoleUsers(ctx, ur.RoleID)
		if err != nil {
			return "", err
		}
		if n >= role.MaxUsers {
			return "", conflictErr("role capacity", fmt.Sprintf("%s (%d/%d)", role.Name, n, role.MaxUsers))
		}
	}
	if ur.ApprovalStatus == "" {
		needsApproval, err := e.roleNeedsApproval(ctx, ur.RoleID)
		if err != nil {
			return "", err
		}
		if needsApproval {
			ur.ApprovalStatus = ApprovalPending
		} else {
			ur.ApprovalStatus = ApprovalAutoApproved
		}
	}
	if ur.ID == "" {
		ur.ID = newID()
	}
	ur.IsActive = true
	ur.CreatedAt = e.now()
	ur.UpdatedAt = ur.CreatedAt
	if err := e.roles.AssignUserRole(ctx, ur); err != nil {
		return "", err
	}
	e.invalidateUser(ctx, ur.UserID)
	e.logger.Info("role assigned", "user", ur.UserID, "role", role.Name, "status", string(ur.ApprovalStatus))
	return ur.ID, nil
}

func (e *Engine) roleNeedsApproval(ctx context.Context, roleID string) (bool, error) {
	perms, err := e.GetEffectivePermissions(ctx, roleID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.RequiresApproval {
			return true, nil
		}
	}
	return false, nil
}

// ResolveAssignment moves a pending assignment to approved or rejected.
func (e *Engine) ResolveAssignment(ctx context.Context, userID, roleID, approver string, approve bool) error {
	assignments, err := e.roles.ListUserRoles(ctx, userID)
	if err != nil {
		return err
	}
	for _, ur := range assignments {
		if ur.RoleID != roleID || ur.Deleted || ur.ApprovalStatus != ApprovalPending {
			continue
		}
		if approve {
			ur.ApprovalStatus = ApprovalApproved
		} else {
			ur.ApprovalStatus = ApprovalRejected
			ur.IsActive = false
		}
		ur.UpdatedBy = approver
		ur.UpdatedAt = e.now()
		if err := e.roles.UpdateUserRole(ctx, ur); err != nil {
			return err
		}
		e.invalidateUser(ctx, userID)
		e.logger.Info("assignment resolved", "user", userID, "role", roleID, "approved", approve, "by", approver)
		return nil
	}
	return notFoundErr("pending assignment", userID+"/"+roleID)
}

// RevokeUserRole deactivates a user's role assignment in a context.
func (e *Engine) RevokeUserRole(ctx context.Context, userID, roleID, roleContext, revokedBy string) error {
	assignments, err := e.roles.ListUserRoles(ctx, userID)
	if err != nil {
		return err
	}
	for _, ur := range assignments {
		if ur.RoleID != roleID || ur.Context != roleContext || !ur.IsActive || ur.Deleted {
			continue
		}
		ur.IsActive = false
		ur.UpdatedBy = revokedBy
		ur.UpdatedAt = e.now()
		if err := e.roles.UpdateUserRole(ctx, ur); err != nil {
			return err
		}
		e.invalidateUser(ctx, userID)
		return nil
	}
	return notFoundErr("user role", userID+"/"+roleID)
}

// AutoAssignRoles evaluates every role carrying auto-assign conditions
// against the request context and assigns the ones that match. Returns
// the names of roles assigned in this call.
func (e *Engine) AutoAssignRoles(ctx context.Context, userID string, rctx *RequestContext) ([]string, error) {
	roles, err := e.roles.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	current, err := e.roles.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(current))
	for _, ur := range current {
		if ur.IsActive && !ur.Deleted {
			have[ur.RoleID] = true
		}
	}
	var assigned []string
	for _, role := range roles {
		if len(role.AutoAssign) == 0 || !role.IsActive || role.Deleted || have[role.ID] {
			continue
		}
		ok, _ := e.conditions.Evaluate(role.AutoAssign, rctx, nil)
		if !ok {
			continue
		}
		ur := &UserRole{
			UserID:         userID,
			RoleID:         role.ID,
			ApprovalStatus: ApprovalAutoApproved,
			AssignedBy:     "auto-assign",
		}
		if _, err := e.AssignUserRole(ctx, ur); err != nil {
			if IsConflict(err) {
				continue
			}
			return assigned, err
		}
		assigned = append(assigned, role.Name)
	}
	return assigned, nil
}

// HasRolePermission reports whether any of the user's valid role
// assignments carries the named permission, ignoring resource scoping.
func (e *Engine) HasRolePermission(ctx context.Context, userID, permissionName string) (bool, error) {
	at := e.now()
	assignments, err := e.roles.ListUserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, ur := range assignments {
		if !ur.IsValid(at) {
			continue
		}
		perms, err := e.GetEffectivePermissions(ctx, ur.RoleID)
		if err != nil {
			if IsStructural(err) {
				continue
			}
			return false, err
		}
		for _, p := range perms {
			if p.Name == permissionName {
				return true, nil
			}
		}
	}
	return false, nil
}
