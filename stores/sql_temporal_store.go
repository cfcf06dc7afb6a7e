package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/shield"
)

// SQLTemporalStore persists grant schedules in SQL (squealx).
type SQLTemporalStore struct {
	db *squealx.DB
}

func NewSQLTemporalStore(db *squealx.DB) *SQLTemporalStore {
	return &SQLTemporalStore{db: db}
}

const temporalColumns = `id, grant_kind, grant_id, schedule_type, time_zone, start_date, end_date,
	windows_json, allowed_days_json, recurrence_pattern, max_duration_minutes, excluded_dates_json,
	conditions_json, max_uses, current_uses, is_active, last_evaluated_at, last_result,
	evaluation_count, deleted, created_at, updated_at`

func temporalArgs(tp *shield.TemporalPermission) map[string]any {
	return map[string]any{
		"id":                   tp.ID,
		"grant_kind":           string(tp.GrantKind),
		"grant_id":             tp.GrantID,
		"schedule_type":        string(tp.ScheduleType),
		"time_zone":            tp.TimeZone,
		"start_date":           timeOrNil(tp.StartDate),
		"end_date":             timeOrNil(tp.EndDate),
		"windows_json":         marshalJSON(tp.Windows),
		"allowed_days_json":    marshalJSON(tp.AllowedDays),
		"recurrence_pattern":   tp.RecurrencePattern,
		"max_duration_minutes": tp.MaxDurationMinutes,
		"excluded_dates_json":  marshalJSON(tp.ExcludedDates),
		"conditions_json":      marshalJSON(tp.Conditions),
		"max_uses":             tp.MaxUses,
		"current_uses":         tp.CurrentUses,
		"is_active":            boolToInt(tp.IsActive),
		"last_evaluated_at":    timeValueOrNil(tp.LastEvaluatedAt),
		"last_result":          boolToInt(tp.LastResult),
		"evaluation_count":     tp.EvaluationCount,
		"deleted":              boolToInt(tp.Deleted),
		"created_at":           tp.CreatedAt,
		"updated_at":           tp.UpdatedAt,
	}
}

func scanTemporal(r rowScanner) (*shield.TemporalPermission, error) {
	var (
		tp                      shield.TemporalPermission
		kind, schedType         string
		startRaw, endRaw        any
		windowsJSON, daysJSON   string
		excludedJSON, condJSON  string
		active, lastResult, del int
		lastEvalRaw             any
		createdRaw, updatedRaw  any
	)
	if err := r.Scan(&tp.ID, &kind, &tp.GrantID, &schedType, &tp.TimeZone, &startRaw, &endRaw,
		&windowsJSON, &daysJSON, &tp.RecurrencePattern, &tp.MaxDurationMinutes, &excludedJSON,
		&condJSON, &tp.MaxUses, &tp.CurrentUses, &active, &lastEvalRaw, &lastResult,
		&tp.EvaluationCount, &del, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	tp.GrantKind = shield.GrantKind(kind)
	tp.ScheduleType = shield.ScheduleType(schedType)
	tp.StartDate = scanTimePtr(startRaw)
	tp.EndDate = scanTimePtr(endRaw)
	unmarshalJSON(windowsJSON, &tp.Windows)
	unmarshalJSON(daysJSON, &tp.AllowedDays)
	unmarshalJSON(excludedJSON, &tp.ExcludedDates)
	unmarshalJSON(condJSON, &tp.Conditions)
	tp.IsActive = active != 0
	tp.LastResult = lastResult != 0
	tp.LastEvaluatedAt = scanTime(lastEvalRaw)
	tp.Deleted = del != 0
	tp.CreatedAt = scanTime(createdRaw)
	tp.UpdatedAt = scanTime(updatedRaw)
	return &tp, nil
}

func (s *SQLTemporalStore) CreateTemporalPermission(ctx context.Context, tp *shield.TemporalPermission) error {
	q := `INSERT INTO temporal_permissions(` + temporalColumns + `) VALUES(:id, :grant_kind, :grant_id, :schedule_type, :time_zone, :start_date, :end_date, :windows_json, :allowed_days_json, :recurrence_pattern, :max_duration_minutes, :excluded_dates_json, :conditions_json, :max_uses, :current_uses, :is_active, :last_evaluated_at, :last_result, :evaluation_count, :deleted, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, temporalArgs(tp))
	return err
}

func (s *SQLTemporalStore) GetTemporalPermission(ctx context.Context, id string) (*shield.TemporalPermission, error) {
	q := `SELECT ` + temporalColumns + ` FROM temporal_permissions WHERE id = :id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &shield.NotFoundError{Kind: "temporal permission", Key: id}
	}
	return scanTemporal(r)
}

// GetTemporalForGrant returns nil without error when the grant carries
// no schedule.
func (s *SQLTemporalStore) GetTemporalForGrant(ctx context.Context, kind shield.GrantKind, grantID string) (*shield.TemporalPermission, error) {
	q := `SELECT ` + temporalColumns + ` FROM temporal_permissions WHERE grant_kind = :grant_kind AND grant_id = :grant_id AND deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"grant_kind": string(kind), "grant_id": grantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	return scanTemporal(r)
}

func (s *SQLTemporalStore) UpdateTemporalPermission(ctx context.Context, tp *shield.TemporalPermission) error {
	q := `UPDATE temporal_permissions SET schedule_type=:schedule_type, time_zone=:time_zone, start_date=:start_date, end_date=:end_date, windows_json=:windows_json, allowed_days_json=:allowed_days_json, recurrence_pattern=:recurrence_pattern, max_duration_minutes=:max_duration_minutes, excluded_dates_json=:excluded_dates_json, conditions_json=:conditions_json, max_uses=:max_uses, current_uses=:current_uses, is_active=:is_active, last_evaluated_at=:last_evaluated_at, last_result=:last_result, evaluation_count=:evaluation_count, updated_at=:updated_at WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, temporalArgs(tp))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "temporal permission", Key: tp.ID}
	}
	return nil
}

// IncrementUses bumps the usage counter atomically in the database.
func (s *SQLTemporalStore) IncrementUses(ctx context.Context, id string) error {
	q := `UPDATE temporal_permissions SET current_uses = current_uses + 1, updated_at=CURRENT_TIMESTAMP WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "temporal permission", Key: id}
	}
	return nil
}

func (s *SQLTemporalStore) RecordEvaluation(ctx context.Context, id string, at time.Time, result bool) error {
	q := `UPDATE temporal_permissions SET last_evaluated_at=:at, last_result=:result,
	evaluation_count = evaluation_count + 1, updated_at=CURRENT_TIMESTAMP WHERE id=:id AND deleted=0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "at": at, "result": boolToInt(result)})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &shield.NotFoundError{Kind: "temporal permission", Key: id}
	}
	return nil
}
