package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
)

// SQLResourceStore persists resources, per-resource permission
// configuration and user grants in SQL (squealx).
type SQLResourceStore struct {
	db *squealx.DB
}

func NewSQLResourceStore(db *squealx.DB) *SQLResourceStore {
	return &SQLResourceStore{db: db}
}

const resourceColumns = `id, resource_type, external_id, name, parent_id, path, security_level,
	owner_id, attributes_json, tags_json, is_active, deleted, created_at, updated_at`

func resourceArgs(r *shield.Resource) map[string]any {
	return map[string]any{
		"id":              r.ID,
		"resource_type":   r.ResourceType,
		"external_id":     r.ExternalID,
		"name":            r.Name,
		"parent_id":       r.ParentID,
		"path":            r.Path,
		"security_level":  string(r.SecurityLevel),
		"owner_id":        r.OwnerID,
		"attributes_json": marshalObjectJSON(r.Attributes),
		"tags_json":       marshalJSON(r.Tags),
		"is_active":       boolToInt(r.IsActive),
		"deleted":         boolToInt(r.Deleted),
		"created_at":      r.CreatedAt,
		"updated_at":      r.UpdatedAt,
	}
}

func scanResource(r rowScanner) (*shield.Resource, error) {
	var (
		res                    shield.Resource
		level                  string
		attrsJSON, tagsJSON    string
		active, del            int
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&res.ID, &res.ResourceType, &res.ExternalID, &res.Name, &res.ParentID, &res.Path,
		&level, &res.OwnerID, &attrsJSON, &tagsJSON, &active, &del, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	res.SecurityLevel = shield.SecurityLevel(level)
	res.IsActive = active != 0
	res.Deleted = del != 0
	unmarshalJSON(attrsJSON, &res.Attributes)
	unmarshalJSON(tagsJSON, &res.Tags)
	res.CreatedAt = scanTime(createdRaw)
	res.UpdatedAt = scanTime(updatedRaw)
	return &res, nil
}

func (s *SQLResourceStore) CreateResource(ctx context.Context, r *shield.Resource) error {
	q := `INSERT INTO resources(` + resourceColumns + `) VALUES(:id, :resource_type, :external_id, :name, :parent_id, :path, :security_level, :owner_id, :attributes_json, :tags_json, :is_active, :deleted, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, resourceArgs(r))
	return err
}

func (s *SQLResourceStore) UpdateResource(ctx context.Context, r *shield.Resource) error {
	q := `UPDATE resources SET name=:name, security_level=:security_level, owner_id=:owner_id, attributes_json=:attributes_json, tags_json=:tags_json, is_active=:is_active, updated_at=:updated_at WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, resourceArgs(r))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "resource", Key: r.ID}
	}
	return nil
}

func (s *SQLResourceStore) GetResource(ctx context.Context, id string) (*shield.Resource, error) {
	q := `SELECT ` + resourceColumns + ` FROM resources WHERE id = :id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "resource", Key: id}
	}
	return scanResource(r)
}

func (s *SQLResourceStore) GetResourceByKey(ctx context.Context, resourceType, externalID string) (*shield.Resource, error) {
	q := `SELECT ` + resourceColumns + ` FROM resources WHERE resource_type = :resource_type AND external_id = :external_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_type": resourceType, "external_id": externalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "resource", Key: resourceType + ":" + externalID}
	}
	return scanResource(r)
}

func (s *SQLResourceStore) ListChildren(ctx context.Context, parentID string) ([]*shield.Resource, error) {
	q := `SELECT ` + resourceColumns + ` FROM resources WHERE parent_id = :parent_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"parent_id": parentID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.Resource, 0)
	for r.Next() {
		res, err := scanResource(r)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// DeleteResources soft-deletes the given resources and deactivates
// every grant and permission configuration on them.
func (s *SQLResourceStore) DeleteResources(ctx context.Context, ids []string) error {
	now := time.Now()
	for _, id := range ids {
		args := map[string]any{"id": id, "now": now}
		if _, err := s.db.NamedExecContext(ctx, `UPDATE resources SET deleted=1, is_active=0, deleted_at=:now WHERE id=:id AND deleted=0`, args); err != nil {
			return err
		}
		if _, err := s.db.NamedExecContext(ctx, `UPDATE resource_permissions SET is_active=0, updated_at=:now WHERE resource_id=:id AND is_active=1`, args); err != nil {
			return err
		}
		if _, err := s.db.NamedExecContext(ctx, `UPDATE user_resource_permissions SET is_active=0, updated_at=:now WHERE resource_id=:id AND is_active=1`, args); err != nil {
			return err
		}
	}
	return nil
}

const resPermColumns = `id, resource_id, permission_id, is_inheritable, is_delegatable,
	conditions_json, is_active, deleted, created_at, updated_at`

func scanResourcePermission(r rowScanner) (*shield.ResourcePermission, error) {
	var (
		rp                       shield.ResourcePermission
		inheritable, delegatable int
		condJSON                 string
		active, del              int
		createdRaw, updatedRaw   any
	)
	if err := r.Scan(&rp.ID, &rp.ResourceID, &rp.PermissionID, &inheritable, &delegatable,
		&condJSON, &active, &del, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rp.IsInheritable = inheritable != 0
	rp.IsDelegatable = delegatable != 0
	rp.IsActive = active != 0
	rp.Deleted = del != 0
	unmarshalJSON(condJSON, &rp.Conditions)
	rp.CreatedAt = scanTime(createdRaw)
	rp.UpdatedAt = scanTime(updatedRaw)
	return &rp, nil
}

func (s *SQLResourceStore) UpsertResourcePermission(ctx context.Context, rp *shield.ResourcePermission) error {
	args := map[string]any{
		"id":              rp.ID,
		"resource_id":     rp.ResourceID,
		"permission_id":   rp.PermissionID,
		"is_inheritable":  boolToInt(rp.IsInheritable),
		"is_delegatable":  boolToInt(rp.IsDelegatable),
		"conditions_json": marshalJSON(rp.Conditions),
		"is_active":       boolToInt(rp.IsActive),
		"created_at":      rp.CreatedAt,
		"updated_at":      rp.UpdatedAt,
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE resource_permissions SET is_inheritable=:is_inheritable, is_delegatable=:is_delegatable, conditions_json=:conditions_json, is_active=:is_active, updated_at=:updated_at WHERE resource_id=:resource_id AND permission_id=:permission_id AND deleted=0`, args)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	q := `INSERT INTO resource_permissions(` + resPermColumns + `) VALUES(:id, :resource_id, :permission_id, :is_inheritable, :is_delegatable, :conditions_json, :is_active, 0, :created_at, :updated_at)`
	_, err = s.db.NamedExecContext(ctx, q, args)
	return err
}

func (s *SQLResourceStore) ListResourcePermissions(ctx context.Context, resourceID string) ([]*shield.ResourcePermission, error) {
	q := `SELECT ` + resPermColumns + ` FROM resource_permissions WHERE resource_id = :resource_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_id": resourceID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.ResourcePermission, 0)
	for r.Next() {
		rp, err := scanResourcePermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, nil
}

func (s *SQLResourceStore) GetResourcePermission(ctx context.Context, resourceID, permissionID string) (*shield.ResourcePermission, error) {
	q := `SELECT ` + resPermColumns + ` FROM resource_permissions WHERE resource_id = :resource_id AND permission_id = :permission_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_id": resourceID, "permission_id": permissionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "resource permission", Key: resourceID + "/" + permissionID}
	}
	return scanResourcePermission(r)
}

const urpColumns = `id, user_id, resource_id, permission_id, grant_type, granted_by, valid_from,
	valid_until, delegated_from, conditions_json, is_active, deleted, created_at, updated_at, updated_by`

func scanUserResourcePermission(r rowScanner) (*shield.UserResourcePermission, error) {
	var (
		g                      shield.UserResourcePermission
		grantType, condJSON    string
		fromRaw, untilRaw      any
		active, del            int
		createdRaw, updatedRaw any
	)
	if err := r.Scan(&g.ID, &g.UserID, &g.ResourceID, &g.PermissionID, &grantType, &g.GrantedBy,
		&fromRaw, &untilRaw, &g.DelegatedFrom, &condJSON, &active, &del, &createdRaw, &updatedRaw, &g.UpdatedBy); err != nil {
		return nil, err
	}
	g.GrantType = shield.GrantType(grantType)
	g.ValidFrom = scanTimePtr(fromRaw)
	g.ValidUntil = scanTimePtr(untilRaw)
	g.IsActive = active != 0
	g.Deleted = del != 0
	unmarshalJSON(condJSON, &g.Conditions)
	g.CreatedAt = scanTime(createdRaw)
	g.UpdatedAt = scanTime(updatedRaw)
	return &g, nil
}

func (s *SQLResourceStore) GrantUserResourcePermission(ctx context.Context, g *shield.UserResourcePermission) error {
	q := `INSERT INTO user_resource_permissions(` + urpColumns + `) VALUES(:id, :user_id, :resource_id, :permission_id, :grant_type, :granted_by, :valid_from, :valid_until, :delegated_from, :conditions_json, :is_active, 0, :created_at, :updated_at, :updated_by)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              g.ID,
		"user_id":         g.UserID,
		"resource_id":     g.ResourceID,
		"permission_id":   g.PermissionID,
		"grant_type":      string(g.GrantType),
		"granted_by":      g.GrantedBy,
		"valid_from":      timeOrNil(g.ValidFrom),
		"valid_until":     timeOrNil(g.ValidUntil),
		"delegated_from":  g.DelegatedFrom,
		"conditions_json": marshalJSON(g.Conditions),
		"is_active":       boolToInt(g.IsActive),
		"created_at":      g.CreatedAt,
		"updated_at":      g.UpdatedAt,
		"updated_by":      g.UpdatedBy,
	})
	return err
}

func (s *SQLResourceStore) GetUserResourcePermission(ctx context.Context, userID, resourceID, permissionID string) (*shield.UserResourcePermission, error) {
	q := `SELECT ` + urpColumns + ` FROM user_resource_permissions WHERE user_id = :user_id AND resource_id = :resource_id AND permission_id = :permission_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID, "resource_id": resourceID, "permission_id": permissionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "resource grant", Key: userID + "/" + resourceID + "/" + permissionID}
	}
	return scanUserResourcePermission(r)
}

func (s *SQLResourceStore) ListUserResourcePermissions(ctx context.Context, userID, resourceID string) ([]*shield.UserResourcePermission, error) {
	q := `SELECT ` + urpColumns + ` FROM user_resource_permissions WHERE user_id = :user_id AND resource_id = :resource_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID, "resource_id": resourceID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.UserResourcePermission, 0)
	for r.Next() {
		g, err := scanUserResourcePermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *SQLResourceStore) RevokeUserResourcePermission(ctx context.Context, userID, resourceID, permissionID, revokedBy string) error {
	q := `UPDATE user_resource_permissions SET is_active=0, updated_by=:revoked_by, updated_at=:now WHERE user_id=:user_id AND resource_id=:resource_id AND permission_id=:permission_id AND is_active=1 AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":       userID,
		"resource_id":   resourceID,
		"permission_id": permissionID,
		"revoked_by":    revokedBy,
		"now":           time.Now(),
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "resource grant", Key: userID + "/" + resourceID + "/" + permissionID}
	}
	return nil
}
