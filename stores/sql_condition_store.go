package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
)

// SQLConditionStore persists named condition sets in SQL (squealx).
type SQLConditionStore struct {
	db *squealx.DB
}

func NewSQLConditionStore(db *squealx.DB) *SQLConditionStore {
	return &SQLConditionStore{db: db}
}

const conditionColumns = `id, name, description, condition_type, conditions_json, is_global,
	risk_level, is_active, last_evaluated_at, last_result, evaluation_count, deleted,
	created_at, updated_at`

func conditionArgs(pc *shield.PermissionCondition) map[string]any {
	return map[string]any{
		"id":                pc.ID,
		"name":              pc.Name,
		"description":       pc.Description,
		"condition_type":    string(pc.ConditionType),
		"conditions_json":   marshalJSON(pc.Conditions),
		"is_global":         boolToInt(pc.IsGlobal),
		"risk_level":        string(pc.RiskLevel),
		"is_active":         boolToInt(pc.IsActive),
		"last_evaluated_at": timeValueOrNil(pc.LastEvaluatedAt),
		"last_result":       boolToInt(pc.LastResult),
		"evaluation_count":  pc.EvaluationCount,
		"deleted":           boolToInt(pc.Deleted),
		"created_at":        pc.CreatedAt,
		"updated_at":        pc.UpdatedAt,
	}
}

func scanCondition(r rowScanner) (*shield.PermissionCondition, error) {
	var (
		pc                           shield.PermissionCondition
		category, risk, condJSON     string
		global, active, lastRes, del int
		lastEvalRaw, createdRaw      any
		updatedRaw                   any
	)
	if err := r.Scan(&pc.ID, &pc.Name, &pc.Description, &category, &condJSON, &global,
		&risk, &active, &lastEvalRaw, &lastRes, &pc.EvaluationCount, &del,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	pc.ConditionType = shield.ConditionCategory(category)
	pc.RiskLevel = shield.RiskLevel(risk)
	pc.IsGlobal = global != 0
	pc.IsActive = active != 0
	pc.LastResult = lastRes != 0
	pc.Deleted = del != 0
	unmarshalJSON(condJSON, &pc.Conditions)
	pc.LastEvaluatedAt = scanTime(lastEvalRaw)
	pc.CreatedAt = scanTime(createdRaw)
	pc.UpdatedAt = scanTime(updatedRaw)
	return &pc, nil
}

func (s *SQLConditionStore) CreateCondition(ctx context.Context, pc *shield.PermissionCondition) error {
	q := `INSERT INTO permission_conditions(` + conditionColumns + `) VALUES(:id, :name, :description, :condition_type, :conditions_json, :is_global, :risk_level, :is_active, :last_evaluated_at, :last_result, :evaluation_count, :deleted, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, conditionArgs(pc))
	return err
}

func (s *SQLConditionStore) GetCondition(ctx context.Context, id string) (*shield.PermissionCondition, error) {
	q := `SELECT ` + conditionColumns + ` FROM permission_conditions WHERE id = :id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "condition", Key: id}
	}
	return scanCondition(r)
}

func (s *SQLConditionStore) GetConditionByName(ctx context.Context, name string) (*shield.PermissionCondition, error) {
	q := `SELECT ` + conditionColumns + ` FROM permission_conditions WHERE name = :name AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "condition", Key: name}
	}
	return scanCondition(r)
}

func (s *SQLConditionStore) ListGlobalConditions(ctx context.Context) ([]*shield.PermissionCondition, error) {
	q := `SELECT ` + conditionColumns + ` FROM permission_conditions WHERE is_global = 1 AND deleted = 0 ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.PermissionCondition, 0)
	for r.Next() {
		pc, err := scanCondition(r)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func (s *SQLConditionStore) UpdateCondition(ctx context.Context, pc *shield.PermissionCondition) error {
	q := `UPDATE permission_conditions SET name=:name, description=:description, condition_type=:condition_type, conditions_json=:conditions_json, is_global=:is_global, risk_level=:risk_level, is_active=:is_active, updated_at=:updated_at WHERE id=:id AND deleted=0`
	_, err := s.db.NamedExecContext(ctx, q, conditionArgs(pc))
	return err
}

func (s *SQLConditionStore) DeleteCondition(ctx context.Context, id string) error {
	q := `UPDATE permission_conditions SET deleted=1, deleted_at=CURRENT_TIMESTAMP, is_active=0 WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "condition", Key: id}
	}
	return nil
}

func (s *SQLConditionStore) RecordConditionEvaluation(ctx context.Context, id string, at time.Time, result bool) error {
	q := `UPDATE permission_conditions SET last_evaluated_at=:at, last_result=:result,
	evaluation_count = evaluation_count + 1, updated_at=CURRENT_TIMESTAMP WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "at": at, "result": boolToInt(result)})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "condition", Key: id}
	}
	return nil
}
