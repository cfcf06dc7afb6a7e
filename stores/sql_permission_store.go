package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
)

// SQLPermissionStore persists permission definitions in SQL (squealx).
type SQLPermissionStore struct {
	db *squealx.DB
}

func NewSQLPermissionStore(db *squealx.DB) *SQLPermissionStore {
	return &SQLPermissionStore{db: db}
}

const permissionColumns = `id, name, category, resource_type, action, risk_level, requires_approval,
	depends_on_json, conflicts_with_json, deleted, created_at, updated_at`

func permissionArgs(p *shield.Permission) map[string]any {
	return map[string]any{
		"id":                  p.ID,
		"name":                p.Name,
		"category":            p.Category,
		"resource_type":       p.ResourceType,
		"action":              p.Action,
		"risk_level":          string(p.RiskLevel),
		"requires_approval":   boolToInt(p.RequiresApproval),
		"depends_on_json":     marshalJSON(p.DependsOn),
		"conflicts_with_json": marshalJSON(p.ConflictsWith),
		"deleted":             boolToInt(p.Deleted),
		"created_at":          p.CreatedAt,
		"updated_at":          p.UpdatedAt,
	}
}

func scanPermission(r rowScanner) (*shield.Permission, error) {
	var (
		p                       shield.Permission
		risk                    string
		approval, deleted       int
		depsJSON, conflictsJSON string
		createdRaw, updatedRaw  any
	)
	if err := r.Scan(&p.ID, &p.Name, &p.Category, &p.ResourceType, &p.Action, &risk, &approval,
		&depsJSON, &conflictsJSON, &deleted, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.RiskLevel = shield.RiskLevel(risk)
	p.RequiresApproval = approval != 0
	p.Deleted = deleted != 0
	unmarshalJSON(depsJSON, &p.DependsOn)
	unmarshalJSON(conflictsJSON, &p.ConflictsWith)
	p.CreatedAt = scanTime(createdRaw)
	p.UpdatedAt = scanTime(updatedRaw)
	return &p, nil
}

func (s *SQLPermissionStore) CreatePermission(ctx context.Context, p *shield.Permission) error {
	q := `INSERT INTO permissions(` + permissionColumns + `) VALUES(:id, :name, :category, :resource_type, :action, :risk_level, :requires_approval, :depends_on_json, :conflicts_with_json, :deleted, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, permissionArgs(p))
	return err
}

func (s *SQLPermissionStore) UpdatePermission(ctx context.Context, p *shield.Permission) error {
	q := `UPDATE permissions SET name=:name, category=:category, resource_type=:resource_type, action=:action, risk_level=:risk_level, requires_approval=:requires_approval, depends_on_json=:depends_on_json, conflicts_with_json=:conflicts_with_json, updated_at=:updated_at WHERE id=:id AND deleted=0`
	_, err := s.db.NamedExecContext(ctx, q, permissionArgs(p))
	return err
}

func (s *SQLPermissionStore) GetPermission(ctx context.Context, id string) (*shield.Permission, error) {
	q := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = :id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "permission", Key: id}
	}
	return scanPermission(r)
}

func (s *SQLPermissionStore) GetPermissionByName(ctx context.Context, name string) (*shield.Permission, error) {
	q := `SELECT ` + permissionColumns + ` FROM permissions WHERE name = :name AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "permission", Key: name}
	}
	return scanPermission(r)
}

func (s *SQLPermissionStore) ListPermissions(ctx context.Context) ([]*shield.Permission, error) {
	q := `SELECT ` + permissionColumns + ` FROM permissions WHERE deleted = 0 ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.Permission, 0)
	for r.Next() {
		p, err := scanPermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLPermissionStore) DeletePermission(ctx context.Context, id string) error {
	q := `UPDATE permissions SET deleted=1, deleted_at=CURRENT_TIMESTAMP WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "permission", Key: id}
	}
	return nil
}
