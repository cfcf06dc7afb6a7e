package shield

import (
	"context"
)

// ============================================================================
// RESOURCE MANAGEMENT
// ============================================================================

// RegisterResource records a protected object and returns its id. The
// (type, external id) pair must be unique; the parent, when set, must
// exist and be active. The materialized path is derived here.
func (e *Engine) RegisterResource(ctx context.Context, r *Resource) (string, error) {
	if r == nil || r.ResourceType == "" || r.ExternalID == "" {
		return "", validationErr("resource", "resource_type and external_id are required")
	}
	if existing, err := e.resources.GetResourceByKey(ctx, r.ResourceType, r.ExternalID); err == nil && existing != nil {
		return "", validationErr("resource", "%s is already registered", r.Key())
	} else if err != nil && !IsNotFound(err) {
		return "", err
	}
	r.Path = "/" + r.Key()
	if r.ParentID != "" {
		parent, err := e.resources.GetResource(ctx, r.ParentID)
		if err != nil {
			return "", err
		}
		if !parent.IsActive || parent.Deleted {
			return "", validationErr("parent_id", "parent resource %s is not active", parent.Key())
		}
		r.Path = parent.Path + "/" + r.Key()
	}
	if r.ID == "" {
		r.ID = newID()
	}
	r.IsActive = true
	r.CreatedAt = e.now()
	r.UpdatedAt = r.CreatedAt
	if err := e.resources.CreateResource(ctx, r); err != nil {
		return "", err
	}
	e.logger.Info("resource registered", "id", r.ID, "key", r.Key(), "path", r.Path)
	return r.ID, nil
}

// UpdateResource rewrites a resource's metadata. Reparenting is not
// supported; the materialized path stays fixed for the resource's life.
func (e *Engine) UpdateResource(ctx context.Context, r *Resource) error {
	if r == nil || r.ID == "" {
		return validationErr("id", "required")
	}
	current, err := e.resources.GetResource(ctx, r.ID)
	if err != nil {
		return err
	}
	if r.ParentID != current.ParentID {
		return validationErr("parent_id", "resources cannot be reparented")
	}
	r.Path = current.Path
	r.UpdatedAt = e.now()
	if err := e.resources.UpdateResource(ctx, r); err != nil {
		return err
	}
	e.invalidateResource(ctx, r.ID)
	return nil
}

// GetResourceByKey resolves a resource by its canonical key.
func (e *Engine) GetResourceByKey(ctx context.Context, resourceType, externalID string) (*Resource, error) {
	return e.resources.GetResourceByKey(ctx, resourceType, externalID)
}

// DeleteResource soft-deletes a resource and deactivates every grant
// on it. With cascade set the whole descendant subtree goes too;
// without it the call fails while active children exist.
func (e *Engine) DeleteResource(ctx context.Context, resourceID string, cascade bool) error {
	res, err := e.resources.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if !cascade {
		children, err := e.resources.ListChildren(ctx, res.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.IsActive && !c.Deleted {
				return validationErr("resource", "%s has active children; delete with cascade", res.Key())
			}
		}
	}
	ids := []string{res.ID}
	queue := []string{res.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := e.resources.ListChildren(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
			queue = append(queue, c.ID)
		}
	}
	if err := e.resources.DeleteResources(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		e.invalidateResource(ctx, id)
	}
	e.logger.Info("resource deleted", "key", res.Key(), "subtree_size", len(ids))
	return nil
}

// ============================================================================
// RESOURCE PERMISSION CONFIGURATION AND GRANTS
// ============================================================================

// ConfigureResourcePermission sets how a permission behaves on a
// resource: inheritability, delegatability and attached conditions.
// Existing configuration for the pair is replaced.
func (e *Engine) ConfigureResourcePermission(ctx context.Context, rp *ResourcePermission) error {
	if rp == nil || rp.ResourceID == "" || rp.PermissionID == "" {
		return validationErr("configuration", "resource_id and permission_id are required")
	}
	if err := ValidateConditions(rp.Conditions); err != nil {
		return err
	}
	if _, err := e.resources.GetResource(ctx, rp.ResourceID); err != nil {
		return err
	}
	if _, err := e.permissions.GetPermission(ctx, rp.PermissionID); err != nil {
		return err
	}
	if rp.ID == "" {
		rp.ID = newID()
	}
	rp.IsActive = true
	rp.UpdatedAt = e.now()
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = rp.UpdatedAt
	}
	if err := e.resources.UpsertResourcePermission(ctx, rp); err != nil {
		return err
	}
	e.invalidateResource(ctx, rp.ResourceID)
	return nil
}

// GrantResourcePermission grants a user a permission on a resource and
// returns the grant id. Delegated grants require the permission to be
// configured delegatable on the resource and the delegator to hold it.
func (e *Engine) GrantResourcePermission(ctx context.Context, g *UserResourcePermission) (string, error) {
	if g == nil || g.UserID == "" || g.ResourceID == "" || g.PermissionID == "" {
		return "", validationErr("grant", "user_id, resource_id and permission_id are required")
	}
	if g.ValidFrom != nil && g.ValidUntil != nil && !g.ValidFrom.Before(*g.ValidUntil) {
		return "", validationErr("valid_until", "must be after valid_from")
	}
	if err := ValidateConditions(g.Conditions); err != nil {
		return "", err
	}
	res, err := e.resources.GetResource(ctx, g.ResourceID)
	if err != nil {
		return "", err
	}
	if !res.IsActive || res.Deleted {
		return "", validationErr("resource_id", "resource %s is not active", res.Key())
	}
	if _, err := e.permissions.GetPermission(ctx, g.PermissionID); err != nil {
		return "", err
	}
	if existing, err := e.resources.GetUserResourcePermission(ctx, g.UserID, g.ResourceID, g.PermissionID); err == nil && existing != nil && existing.IsActive && !existing.Deleted {
		return "", conflictErr("resource grant", g.UserID+"/"+res.Key())
	} else if err != nil && !IsNotFound(err) {
		return "", err
	}
	if g.GrantType == "" {
		g.GrantType = GrantDirect
	}
	if g.GrantType == GrantDelegated {
		if err := e.checkDelegation(ctx, g, res); err != nil {
			return "", err
		}
	}
	if g.ID == "" {
		g.ID = newID()
	}
	g.IsActive = true
	g.CreatedAt = e.now()
	g.UpdatedAt = g.CreatedAt
	if err := e.resources.GrantUserResourcePermission(ctx, g); err != nil {
		return "", err
	}
	e.invalidateUser(ctx, g.UserID)
	e.logger.Info("resource permission granted",
		"user", g.UserID, "resource", res.Key(), "permission", g.PermissionID, "type", string(g.GrantType))
	return g.ID, nil
}

// checkDelegation verifies a delegated grant: the permission must be
// configured delegatable on the resource and the delegator must hold a
// currently valid grant for it there.
func (e *Engine) checkDelegation(ctx context.Context, g *UserResourcePermission, res *Resource) error {
	if g.GrantedBy == "" {
		return validationErr("granted_by", "delegated grants must name the delegator")
	}
	cfg, err := e.resources.GetResourcePermission(ctx, g.ResourceID, g.PermissionID)
	if err != nil {
		if IsNotFound(err) {
			return validationErr("grant_type", "permission is not configured on %s", res.Key())
		}
		return err
	}
	if !cfg.IsDelegatable || !cfg.IsActive || cfg.Deleted {
		return validationErr("grant_type", "permission is not delegatable on %s", res.Key())
	}
	source, err := e.resources.GetUserResourcePermission(ctx, g.GrantedBy, g.ResourceID, g.PermissionID)
	if err != nil {
		if IsNotFound(err) {
			return validationErr("granted_by", "delegator does not hold the permission on this resource")
		}
		return err
	}
	if !source.IsValid(e.now()) {
		return validationErr("granted_by", "delegator's grant is not currently valid")
	}
	g.DelegatedFrom = source.ID
	return nil
}

// RevokeResourcePermission deactivates a user's grant on a resource.
func (e *Engine) RevokeResourcePermission(ctx context.Context, userID, resourceID, permissionID, revokedBy string) error {
	if err := e.resources.RevokeUserResourcePermission(ctx, userID, resourceID, permissionID, revokedBy); err != nil {
		return err
	}
	e.invalidateUser(ctx, userID)
	e.logger.Info("resource permission revoked",
		"user", userID, "resource", resourceID, "permission", permissionID, "by", revokedBy)
	return nil
}

// ============================================================================
// HIERARCHY QUERIES
// ============================================================================

// ancestorChain returns the resources on the path from the root down to
// the direct parent of res. A repeated id yields a StructuralError.
func (e *Engine) ancestorChain(ctx context.Context, res *Resource) ([]*Resource, error) {
	var up []*Resource
	visited := map[string]bool{res.ID: true}
	id := res.ParentID
	for id != "" {
		if visited[id] {
			return nil, &StructuralError{Kind: "resource", ID: id}
		}
		visited[id] = true
		parent, err := e.resources.GetResource(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				break
			}
			return nil, err
		}
		up = append(up, parent)
		id = parent.ParentID
	}
	// reverse to root-first order
	for i, j := 0, len(up)-1; i < j; i, j = i+1, j-1 {
		up[i], up[j] = up[j], up[i]
	}
	return up, nil
}

// GetResourceHierarchy returns a resource with its ancestor chain (root
// first) and full descendant tree. With includePermissions set the view
// also carries the resource's permission configurations. The view is
// cached per variant.
func (e *Engine) GetResourceHierarchy(ctx context.Context, resourceType, externalID string, includePermissions bool) (*HierarchyView, error) {
	res, err := e.resources.GetResourceByKey(ctx, resourceType, externalID)
	if err != nil {
		return nil, err
	}
	key := hierarchyKey(res.ID)
	if includePermissions {
		key += ":perms"
	}
	view := &HierarchyView{}
	if e.cache.Get(ctx, key, view) {
		return view, nil
	}
	ancestors, err := e.ancestorChain(ctx, res)
	if err != nil {
		return nil, err
	}
	descendants, err := e.descendantTree(ctx, res.ID, map[string]bool{res.ID: true})
	if err != nil {
		return nil, err
	}
	view = &HierarchyView{
		Resource:    res,
		Ancestors:   ancestors,
		Descendants: descendants,
	}
	if includePermissions {
		perms, err := e.resources.ListResourcePermissions(ctx, res.ID)
		if err != nil {
			return nil, err
		}
		view.Permissions = perms
	}
	e.cache.Set(ctx, key, view, e.hierarchyTTL)
	return view, nil
}

func (e *Engine) descendantTree(ctx context.Context, parentID string, visited map[string]bool) ([]*HierarchyNode, error) {
	children, err := e.resources.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var nodes []*HierarchyNode
	for _, c := range children {
		if visited[c.ID] {
			return nil, &StructuralError{Kind: "resource", ID: c.ID}
		}
		visited[c.ID] = true
		if !c.IsActive || c.Deleted {
			continue
		}
		sub, err := e.descendantTree(ctx, c.ID, visited)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &HierarchyNode{Resource: c, Children: sub})
	}
	return nodes, nil
}

// GetInheritedPermissions lists the user's valid grants on a resource:
// its own direct grants plus grants on ancestors whose configuration
// marks the permission inheritable. Nearer sources come first.
func (e *Engine) GetInheritedPermissions(ctx context.Context, userID, resourceType, externalID string) ([]*GrantView, error) {
	res, err := e.resources.GetResourceByKey(ctx, resourceType, externalID)
	if err != nil {
		return nil, err
	}
	at := e.now()
	var out []*GrantView

	appendGrants := func(r *Resource, source GrantSource) error {
		grants, err := e.resources.ListUserResourcePermissions(ctx, userID, r.ID)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if !g.IsValid(at) {
				continue
			}
			if source == SourceInherited {
				cfg, err := e.resources.GetResourcePermission(ctx, r.ID, g.PermissionID)
				if err != nil {
					if IsNotFound(err) {
						continue
					}
					return err
				}
				if !cfg.IsInheritable || !cfg.IsActive || cfg.Deleted {
					continue
				}
			}
			perm, err := e.permissions.GetPermission(ctx, g.PermissionID)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return err
			}
			out = append(out, &GrantView{
				GrantID:        g.ID,
				PermissionID:   g.PermissionID,
				PermissionName: perm.Name,
				Source:         source,
				ResourceID:     r.ID,
				ResourcePath:   r.Path,
				GrantType:      g.GrantType,
				ValidUntil:     g.ValidUntil,
			})
		}
		return nil
	}

	if err := appendGrants(res, SourceDirect); err != nil {
		return nil, err
	}
	ancestors, err := e.ancestorChain(ctx, res)
	if err != nil {
		return nil, err
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		if err := appendGrants(ancestors[i], SourceInherited); err != nil {
			return nil, err
		}
	}
	return out, nil
}
