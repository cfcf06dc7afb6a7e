package shield

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ============================================================================
// TEMPORAL PERMISSIONS
// ============================================================================

// ScheduleType selects the evaluation algorithm for a temporal permission.
type ScheduleType string

const (
	ScheduleFixed       ScheduleType = "fixed"
	ScheduleRecurring   ScheduleType = "recurring"
	ScheduleCron        ScheduleType = "cron"
	ScheduleConditional ScheduleType = "conditional"
)

// cronTolerance is how far an evaluation instant may sit from a cron
// trigger and still count as "at" the trigger.
const cronTolerance = 60 * time.Second

// ClockRange is a daily local-time window, "HH:MM" inclusive on both ends.
type ClockRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TemporalPermission is a schedule attached to exactly one grant (a
// UserResourcePermission or a RolePermission) restricting when the grant
// is in force. Days use 0=Monday .. 6=Sunday.
type TemporalPermission struct {
	Entity
	GrantKind          GrantKind    `json:"grant_kind"`
	GrantID            string       `json:"grant_id"`
	ScheduleType       ScheduleType `json:"schedule_type"`
	TimeZone           string       `json:"time_zone,omitempty"` // IANA name, default UTC
	StartDate          *time.Time   `json:"start_date,omitempty"`
	EndDate            *time.Time   `json:"end_date,omitempty"`
	Windows            []ClockRange `json:"windows,omitempty"`
	AllowedDays        []int        `json:"allowed_days,omitempty"`
	RecurrencePattern  string       `json:"recurrence_pattern,omitempty"` // cron expression
	MaxDurationMinutes int          `json:"max_duration_minutes,omitempty"`
	ExcludedDates      []string     `json:"excluded_dates,omitempty"` // "2006-01-02" in TimeZone
	Conditions         []Condition  `json:"conditions,omitempty"`     // for conditional schedules
	MaxUses            int          `json:"max_uses,omitempty"`       // 0 = unlimited
	CurrentUses        int          `json:"current_uses,omitempty"`
	IsActive           bool         `json:"is_active"`

	LastEvaluatedAt time.Time `json:"last_evaluated_at,omitempty"`
	LastResult      bool      `json:"last_result,omitempty"`
	EvaluationCount int       `json:"evaluation_count,omitempty"`
}

// Validate checks schedule configuration at construction time so broken
// schedules never reach the evaluator.
func (tp *TemporalPermission) Validate() error {
	switch tp.ScheduleType {
	case ScheduleFixed, ScheduleRecurring, ScheduleCron, ScheduleConditional:
	default:
		return validationErr("schedule_type", "unknown schedule type %q", tp.ScheduleType)
	}
	if tp.GrantKind != GrantKindUserResource && tp.GrantKind != GrantKindRolePermission {
		return validationErr("grant_kind", "unknown grant kind %q", tp.GrantKind)
	}
	if tp.GrantID == "" {
		return validationErr("grant_id", "grant id is required")
	}
	if tp.TimeZone != "" {
		if _, err := time.LoadLocation(tp.TimeZone); err != nil {
			return validationErr("time_zone", "unknown timezone %q", tp.TimeZone)
		}
	}
	if tp.StartDate != nil && tp.EndDate != nil && !tp.StartDate.Before(*tp.EndDate) {
		return validationErr("end_date", "end must be after start")
	}
	for _, w := range tp.Windows {
		s, err := parseClock(w.Start)
		if err != nil {
			return validationErr("windows", "bad start %q", w.Start)
		}
		e, err := parseClock(w.End)
		if err != nil {
			return validationErr("windows", "bad end %q", w.End)
		}
		if s >= e {
			return validationErr("windows", "start %q must precede end %q", w.Start, w.End)
		}
	}
	for _, d := range tp.AllowedDays {
		if d < 0 || d > 6 {
			return validationErr("allowed_days", "day %d out of range 0..6", d)
		}
	}
	for _, d := range tp.ExcludedDates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return validationErr("excluded_dates", "bad date %q", d)
		}
	}
	if tp.ScheduleType == ScheduleCron {
		if tp.RecurrencePattern == "" {
			return validationErr("recurrence_pattern", "cron schedule needs a pattern")
		}
		if _, err := cron.ParseStandard(tp.RecurrencePattern); err != nil {
			return validationErr("recurrence_pattern", "bad cron expression %q: %v", tp.RecurrencePattern, err)
		}
	}
	if tp.ScheduleType == ScheduleConditional && len(tp.Conditions) == 0 {
		return validationErr("conditions", "conditional schedule needs conditions")
	}
	return ValidateConditions(tp.Conditions)
}

func (tp *TemporalPermission) location() (*time.Location, error) {
	if tp.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tp.TimeZone)
}

// weekday maps Go's Sunday-based weekday to the 0=Monday convention.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// ============================================================================
// TEMPORAL EVALUATOR
// ============================================================================

// TemporalEvaluator decides whether a temporal permission is in force at
// a given instant. Every path returns a human-readable reason that the
// decision engine surfaces in its trail.
type TemporalEvaluator struct {
	conditions *ConditionEvaluator
}

func NewTemporalEvaluator(conditions *ConditionEvaluator) *TemporalEvaluator {
	if conditions == nil {
		conditions = NewConditionEvaluator(nil)
	}
	return &TemporalEvaluator{conditions: conditions}
}

// IsInForce evaluates the schedule at the given instant. rctx is only
// consulted for conditional schedules and may be nil otherwise.
func (ev *TemporalEvaluator) IsInForce(tp *TemporalPermission, at time.Time, rctx *RequestContext) (bool, string) {
	if tp == nil {
		return true, "no schedule attached"
	}
	if !tp.IsActive || tp.Deleted {
		return false, "schedule is inactive"
	}
	if tp.MaxUses > 0 && tp.CurrentUses >= tp.MaxUses {
		return false, fmt.Sprintf("quota exhausted (%d/%d uses)", tp.CurrentUses, tp.MaxUses)
	}

	loc, err := tp.location()
	if err != nil {
		return false, fmt.Sprintf("misconfigured grant: bad timezone %q", tp.TimeZone)
	}
	local := at.In(loc)

	if !inWindow(tp.StartDate, tp.EndDate, at) {
		return false, fmt.Sprintf("outside validity dates at %s", at.Format(time.RFC3339))
	}
	day := local.Format("2006-01-02")
	for _, ex := range tp.ExcludedDates {
		if ex == day {
			return false, fmt.Sprintf("date %s is excluded", day)
		}
	}

	switch tp.ScheduleType {
	case ScheduleFixed:
		// the date-range check above is the whole schedule
		return true, "within fixed validity window"
	case ScheduleRecurring:
		return ev.evalRecurring(tp, local)
	case ScheduleCron:
		return ev.evalCron(tp, local)
	case ScheduleConditional:
		ok, reasons := ev.conditions.Evaluate(tp.Conditions, rctx, nil)
		if !ok {
			if len(reasons) == 0 {
				return false, "schedule conditions not met"
			}
			return false, "schedule condition failed: " + reasons[0]
		}
		return true, "schedule conditions satisfied"
	default:
		return false, fmt.Sprintf("misconfigured grant: unknown schedule type %q", tp.ScheduleType)
	}
}

func (ev *TemporalEvaluator) evalRecurring(tp *TemporalPermission, local time.Time) (bool, string) {
	if len(tp.AllowedDays) > 0 {
		allowed := false
		for _, d := range tp.AllowedDays {
			if d == weekday(local) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("weekday %s not in allowed days", local.Weekday())
		}
	}
	if len(tp.Windows) == 0 {
		return true, "recurring schedule matches (no time window)"
	}
	for _, w := range tp.Windows {
		if clockWithin(local, w.Start, w.End) {
			return true, fmt.Sprintf("within window %s-%s", w.Start, w.End)
		}
	}
	return false, fmt.Sprintf("time %s outside allowed windows", local.Format("15:04"))
}

// evalCron is in force when the instant sits within cronTolerance of a
// trigger; with MaxDurationMinutes set, each trigger instead opens a
// window of that length.
func (ev *TemporalEvaluator) evalCron(tp *TemporalPermission, local time.Time) (bool, string) {
	sched, err := cron.ParseStandard(tp.RecurrencePattern)
	if err != nil {
		return false, fmt.Sprintf("misconfigured grant: bad cron expression %q", tp.RecurrencePattern)
	}
	after := cronTolerance
	if tp.MaxDurationMinutes > 0 {
		after = time.Duration(tp.MaxDurationMinutes) * time.Minute
	}
	// Step triggers forward from just before the reachable window; a
	// standard 5-field expression fires at most once a minute, so the
	// iteration count is bounded by the window size in minutes.
	scan := local.Add(-(after + cronTolerance))
	limit := int(after/time.Minute) + 3
	for i := 0; i < limit; i++ {
		trigger := sched.Next(scan)
		if trigger.IsZero() || trigger.After(local.Add(cronTolerance)) {
			break
		}
		if trigger.Sub(local) <= cronTolerance && local.Sub(trigger) <= after {
			return true, fmt.Sprintf("within window of cron trigger at %s", trigger.Format("15:04:05"))
		}
		scan = trigger
	}
	return false, fmt.Sprintf("no cron trigger near %s", local.Format(time.RFC3339))
}
