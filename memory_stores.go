package shield

import (
	"context"
	"sync"
	"time"
)

// MemoryPermissionStore implements permission persistence in-memory for
// testing and demos.
type MemoryPermissionStore struct {
	mu     sync.RWMutex
	perms  map[string]*Permission
	byName map[string]string
}

func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{perms: make(map[string]*Permission), byName: make(map[string]string)}
}

func (s *MemoryPermissionStore) CreatePermission(ctx context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[p.Name]; ok {
		return &ConflictError{Kind: "permission", Key: p.Name}
	}
	cop := *p
	s.perms[p.ID] = &cop
	s.byName[p.Name] = p.ID
	return nil
}

func (s *MemoryPermissionStore) UpdatePermission(ctx context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.perms[p.ID]
	if !ok {
		return &NotFoundError{Kind: "permission", Key: p.ID}
	}
	if old.Name != p.Name {
		delete(s.byName, old.Name)
		s.byName[p.Name] = p.ID
	}
	cop := *p
	s.perms[p.ID] = &cop
	return nil
}

func (s *MemoryPermissionStore) GetPermission(ctx context.Context, id string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok || p.Deleted {
		return nil, &NotFoundError{Kind: "permission", Key: id}
	}
	cop := *p
	return &cop, nil
}

func (s *MemoryPermissionStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "permission", Key: name}
	}
	return s.GetPermission(ctx, id)
}

func (s *MemoryPermissionStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(s.perms))
	for _, p := range s.perms {
		if p.Deleted {
			continue
		}
		cop := *p
		out = append(out, &cop)
	}
	return out, nil
}

func (s *MemoryPermissionStore) DeletePermission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[id]
	if !ok {
		return &NotFoundError{Kind: "permission", Key: id}
	}
	p.Deleted = true
	p.DeletedAt = time.Now()
	delete(s.byName, p.Name)
	return nil
}

// MemoryRoleStore implements in-memory role persistence, covering
// roles, hierarchy edges, role permission grants and user assignments.
type MemoryRoleStore struct {
	mu        sync.RWMutex
	roles     map[string]*Role
	byName    map[string]string
	edges     []*RoleHierarchy
	rolePerms map[string][]*RolePermission
	userRoles map[string][]*UserRole
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{
		roles:     make(map[string]*Role),
		byName:    make(map[string]string),
		rolePerms: make(map[string][]*RolePermission),
		userRoles: make(map[string][]*UserRole),
	}
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[r.Name]; ok {
		return &ConflictError{Kind: "role", Key: r.Name}
	}
	cop := *r
	s.roles[r.ID] = &cop
	s.byName[r.Name] = r.ID
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.roles[r.ID]
	if !ok {
		return &NotFoundError{Kind: "role", Key: r.ID}
	}
	if old.Name != r.Name {
		delete(s.byName, old.Name)
		s.byName[r.Name] = r.ID
	}
	cop := *r
	s.roles[r.ID] = &cop
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok || r.Deleted {
		return nil, &NotFoundError{Kind: "role", Key: id}
	}
	cop := *r
	return &cop, nil
}

func (s *MemoryRoleStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "role", Key: name}
	}
	return s.GetRole(ctx, id)
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		if r.Deleted {
			continue
		}
		cop := *r
		out = append(out, &cop)
	}
	return out, nil
}

// DeleteRole soft-deletes the role and deactivates every assignment of
// it, mirroring the transactional cascade of the SQL store.
func (s *MemoryRoleStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok || r.Deleted {
		return &NotFoundError{Kind: "role", Key: id}
	}
	r.Deleted = true
	r.DeletedAt = time.Now()
	r.IsActive = false
	delete(s.byName, r.Name)
	for _, assignments := range s.userRoles {
		for _, ur := range assignments {
			if ur.RoleID == id {
				ur.IsActive = false
			}
		}
	}
	return nil
}

func (s *MemoryRoleStore) AddHierarchyEdge(ctx context.Context, e *RoleHierarchy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.edges {
		if cur.ParentRole == e.ParentRole && cur.ChildRole == e.ChildRole && !cur.Deleted {
			return &ConflictError{Kind: "hierarchy edge", Key: e.ParentRole + "/" + e.ChildRole}
		}
	}
	cop := *e
	s.edges = append(s.edges, &cop)
	return nil
}

func (s *MemoryRoleStore) ListHierarchyEdges(ctx context.Context, roleID string) ([]*RoleHierarchy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RoleHierarchy, 0)
	for _, e := range s.edges {
		if e.Deleted {
			continue
		}
		if roleID == "" || e.ParentRole == roleID || e.ChildRole == roleID {
			cop := *e
			out = append(out, &cop)
		}
	}
	return out, nil
}

func (s *MemoryRoleStore) GrantRolePermission(ctx context.Context, rp *RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.rolePerms[rp.RoleID] {
		if cur.PermissionID == rp.PermissionID && cur.IsActive && !cur.Deleted {
			return &ConflictError{Kind: "role permission", Key: rp.RoleID + "/" + rp.PermissionID}
		}
	}
	cop := *rp
	s.rolePerms[rp.RoleID] = append(s.rolePerms[rp.RoleID], &cop)
	return nil
}

func (s *MemoryRoleStore) ListRolePermissions(ctx context.Context, roleID string) ([]*RolePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grants := s.rolePerms[roleID]
	out := make([]*RolePermission, 0, len(grants))
	for _, g := range grants {
		cop := *g
		out = append(out, &cop)
	}
	return out, nil
}

func (s *MemoryRoleStore) RevokeRolePermission(ctx context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.rolePerms[roleID] {
		if g.PermissionID == permissionID && g.IsActive && !g.Deleted {
			g.IsActive = false
			g.Deleted = true
			g.DeletedAt = time.Now()
			return nil
		}
	}
	return &NotFoundError{Kind: "role permission", Key: roleID + "/" + permissionID}
}

func (s *MemoryRoleStore) AssignUserRole(ctx context.Context, ur *UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.userRoles[ur.UserID] {
		if cur.RoleID == ur.RoleID && cur.Context == ur.Context && cur.IsActive && !cur.Deleted {
			return &ConflictError{Kind: "user role", Key: ur.UserID + "/" + ur.RoleID}
		}
	}
	cop := *ur
	s.userRoles[ur.UserID] = append(s.userRoles[ur.UserID], &cop)
	return nil
}

func (s *MemoryRoleStore) UpdateUserRole(ctx context.Context, ur *UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.userRoles[ur.UserID] {
		if cur.ID == ur.ID {
			cop := *ur
			s.userRoles[ur.UserID][i] = &cop
			return nil
		}
	}
	return &NotFoundError{Kind: "user role", Key: ur.ID}
}

func (s *MemoryRoleStore) ListUserRoles(ctx context.Context, userID string) ([]*UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignments := s.userRoles[userID]
	out := make([]*UserRole, 0, len(assignments))
	for _, ur := range assignments {
		cop := *ur
		out = append(out, &cop)
	}
	return out, nil
}

func (s *MemoryRoleStore) CountActiveRoleUsers(ctx context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, assignments := range s.userRoles {
		for _, ur := range assignments {
			if ur.RoleID != roleID || !ur.IsActive || ur.Deleted {
				continue
			}
			if ur.ApprovalStatus == ApprovalApproved || ur.ApprovalStatus == ApprovalAutoApproved {
				n++
			}
		}
	}
	return n, nil
}

// MemoryResourceStore implements in-memory resource persistence.
type MemoryResourceStore struct {
	mu       sync.RWMutex
	byID     map[string]*Resource
	byKey    map[string]string
	resPerms map[string]*ResourcePermission // resourceID + "/" + permissionID
	grants   map[string][]*UserResourcePermission
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{
		byID:     make(map[string]*Resource),
		byKey:    make(map[string]string),
		resPerms: make(map[string]*ResourcePermission),
		grants:   make(map[string][]*UserResourcePermission),
	}
}

func (s *MemoryResourceStore) CreateResource(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[r.Key()]; ok {
		return &ConflictError{Kind: "resource", Key: r.Key()}
	}
	cop := *r
	s.byID[r.ID] = &cop
	s.byKey[r.Key()] = r.ID
	return nil
}

func (s *MemoryResourceStore) UpdateResource(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; !ok {
		return &NotFoundError{Kind: "resource", Key: r.ID}
	}
	cop := *r
	s.byID[r.ID] = &cop
	return nil
}

func (s *MemoryResourceStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok || r.Deleted {
		return nil, &NotFoundError{Kind: "resource", Key: id}
	}
	cop := *r
	return &cop, nil
}

func (s *MemoryResourceStore) GetResourceByKey(ctx context.Context, resourceType, externalID string) (*Resource, error) {
	s.mu.RLock()
	id, ok := s.byKey[resourceType+":"+externalID]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "resource", Key: resourceType + ":" + externalID}
	}
	return s.GetResource(ctx, id)
}

func (s *MemoryResourceStore) ListChildren(ctx context.Context, parentID string) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, 0)
	for _, r := range s.byID {
		if r.ParentID == parentID && !r.Deleted {
			cop := *r
			out = append(out, &cop)
		}
	}
	return out, nil
}

// DeleteResources soft-deletes the given resources and deactivates
// every grant and permission configuration on them.
func (s *MemoryResourceStore) DeleteResources(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[string]bool, len(ids))
	now := time.Now()
	for _, id := range ids {
		r, ok := s.byID[id]
		if !ok || r.Deleted {
			continue
		}
		r.Deleted = true
		r.DeletedAt = now
		r.IsActive = false
		delete(s.byKey, r.Key())
		doomed[id] = true
	}
	for _, cfg := range s.resPerms {
		if doomed[cfg.ResourceID] {
			cfg.IsActive = false
		}
	}
	for _, userGrants := range s.grants {
		for _, g := range userGrants {
			if doomed[g.ResourceID] {
				g.IsActive = false
			}
		}
	}
	return nil
}

func (s *MemoryResourceStore) UpsertResourcePermission(ctx context.Context, rp *ResourcePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *rp
	s.resPerms[rp.ResourceID+"/"+rp.PermissionID] = &cop
	return nil
}

func (s *MemoryResourceStore) ListResourcePermissions(ctx context.Context, resourceID string) ([]*ResourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ResourcePermission, 0)
	for _, cfg := range s.resPerms {
		if cfg.ResourceID == resourceID && !cfg.Deleted {
			cop := *cfg
			out = append(out, &cop)
		}
	}
	return out, nil
}

func (s *MemoryResourceStore) GetResourcePermission(ctx context.Context, resourceID, permissionID string) (*ResourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.resPerms[resourceID+"/"+permissionID]
	if !ok || cfg.Deleted {
		return nil, &NotFoundError{Kind: "resource permission", Key: resourceID + "/" + permissionID}
	}
	cop := *cfg
	return &cop, nil
}

func (s *MemoryResourceStore) GrantUserResourcePermission(ctx context.Context, g *UserResourcePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.grants[g.UserID] {
		if cur.ResourceID == g.ResourceID && cur.PermissionID == g.PermissionID && cur.IsActive && !cur.Deleted {
			return &ConflictError{Kind: "resource grant", Key: g.UserID + "/" + g.ResourceID}
		}
	}
	cop := *g
	s.grants[g.UserID] = append(s.grants[g.UserID], &cop)
	return nil
}

func (s *MemoryResourceStore) GetUserResourcePermission(ctx context.Context, userID, resourceID, permissionID string) (*UserResourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants[userID] {
		if g.ResourceID == resourceID && g.PermissionID == permissionID && !g.Deleted {
			cop := *g
			return &cop, nil
		}
	}
	return nil, &NotFoundError{Kind: "resource grant", Key: userID + "/" + resourceID + "/" + permissionID}
}

func (s *MemoryResourceStore) ListUserResourcePermissions(ctx context.Context, userID, resourceID string) ([]*UserResourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UserResourcePermission, 0)
	for _, g := range s.grants[userID] {
		if g.ResourceID == resourceID && !g.Deleted {
			cop := *g
			out = append(out, &cop)
		}
	}
	return out, nil
}

func (s *MemoryResourceStore) RevokeUserResourcePermission(ctx context.Context, userID, resourceID, permissionID, revokedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants[userID] {
		if g.ResourceID == resourceID && g.PermissionID == permissionID && g.IsActive && !g.Deleted {
			g.IsActive = false
			g.UpdatedBy = revokedBy
			g.UpdatedAt = time.Now()
			return nil
		}
	}
	return &NotFoundError{Kind: "resource grant", Key: userID + "/" + resourceID + "/" + permissionID}
}

// MemoryTemporalStore implements in-memory schedule persistence.
type MemoryTemporalStore struct {
	mu      sync.RWMutex
	byID    map[string]*TemporalPermission
	byGrant map[string]string // kind + "/" + grantID -> id
}

func NewMemoryTemporalStore() *MemoryTemporalStore {
	return &MemoryTemporalStore{
		byID:    make(map[string]*TemporalPermission),
		byGrant: make(map[string]string),
	}
}

func grantKey(kind GrantKind, grantID string) string {
	return string(kind) + "/" + grantID
}

func (s *MemoryTemporalStore) CreateTemporalPermission(ctx context.Context, tp *TemporalPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(tp.GrantKind, tp.GrantID)
	if _, ok := s.byGrant[key]; ok {
		return &ConflictError{Kind: "temporal permission", Key: tp.GrantID}
	}
	cop := *tp
	s.byID[tp.ID] = &cop
	s.byGrant[key] = tp.ID
	return nil
}

func (s *MemoryTemporalStore) GetTemporalPermission(ctx context.Context, id string) (*TemporalPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.byID[id]
	if !ok || tp.Deleted {
		return nil, &NotFoundError{Kind: "temporal permission", Key: id}
	}
	cop := *tp
	return &cop, nil
}

// GetTemporalForGrant returns nil without error when the grant carries
// no schedule.
func (s *MemoryTemporalStore) GetTemporalForGrant(ctx context.Context, kind GrantKind, grantID string) (*TemporalPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byGrant[grantKey(kind, grantID)]
	if !ok {
		return nil, nil
	}
	tp, ok := s.byID[id]
	if !ok || tp.Deleted {
		return nil, nil
	}
	cop := *tp
	return &cop, nil
}

func (s *MemoryTemporalStore) UpdateTemporalPermission(ctx context.Context, tp *TemporalPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[tp.ID]; !ok {
		return &NotFoundError{Kind: "temporal permission", Key: tp.ID}
	}
	cop := *tp
	s.byID[tp.ID] = &cop
	return nil
}

func (s *MemoryTemporalStore) IncrementUses(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, ok := s.byID[id]
	if !ok {
		return &NotFoundError{Kind: "temporal permission", Key: id}
	}
	tp.CurrentUses++
	tp.UpdatedAt = time.Now()
	return nil
}

// MemoryConditionStore implements in-memory named condition persistence.
type MemoryConditionStore struct {
	mu     sync.RWMutex
	byID   map[string]*PermissionCondition
	byName map[string]string
}

func NewMemoryConditionStore() *MemoryConditionStore {
	return &MemoryConditionStore{
		byID:   make(map[string]*PermissionCondition),
		byName: make(map[string]string),
	}
}

func (s *MemoryConditionStore) CreateCondition(ctx context.Context, pc *PermissionCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[pc.Name]; ok {
		return &ConflictError{Kind: "condition", Key: pc.Name}
	}
	cop := *pc
	s.byID[pc.ID] = &cop
	s.byName[pc.Name] = pc.ID
	return nil
}

func (s *MemoryConditionStore) GetCondition(ctx context.Context, id string) (*PermissionCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.byID[id]
	if !ok || pc.Deleted {
		return nil, &NotFoundError{Kind: "condition", Key: id}
	}
	cop := *pc
	return &cop, nil
}

func (s *MemoryConditionStore) GetConditionByName(ctx context.Context, name string) (*PermissionCondition, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "condition", Key: name}
	}
	return s.GetCondition(ctx, id)
}

func (s *MemoryConditionStore) ListGlobalConditions(ctx context.Context) ([]*PermissionCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PermissionCondition, 0)
	for _, pc := range s.byID {
		if pc.IsGlobal && !pc.Deleted {
			cop := *pc
			out = append(out, &cop)
		}
	}
	return out, nil
}

func (s *MemoryConditionStore) UpdateCondition(ctx context.Context, pc *PermissionCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[pc.ID]
	if !ok {
		return &NotFoundError{Kind: "condition", Key: pc.ID}
	}
	if old.Name != pc.Name {
		delete(s.byName, old.Name)
		s.byName[pc.Name] = pc.ID
	}
	cop := *pc
	s.byID[pc.ID] = &cop
	return nil
}

func (s *MemoryConditionStore) DeleteCondition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.byID[id]
	if !ok || pc.Deleted {
		return &NotFoundError{Kind: "condition", Key: id}
	}
	pc.Deleted = true
	pc.DeletedAt = time.Now()
	pc.IsActive = false
	delete(s.byName, pc.Name)
	return nil
}

func (s *MemoryConditionStore) RecordConditionEvaluation(ctx context.Context, id string, at time.Time, result bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.byID[id]
	if !ok {
		return &NotFoundError{Kind: "condition", Key: id}
	}
	pc.LastEvaluatedAt = at
	pc.LastResult = result
	pc.EvaluationCount++
	return nil
}

func (s *MemoryTemporalStore) RecordEvaluation(ctx context.Context, id string, at time.Time, result bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, ok := s.byID[id]
	if !ok {
		return &NotFoundError{Kind: "temporal permission", Key: id}
	}
	tp.LastEvaluatedAt = at
	tp.LastResult = result
	tp.EvaluationCount++
	return nil
}
