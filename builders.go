package shield

import "time"

// Fluent builders for assembling roles, permissions, resources,
// schedules and condition lists in code. Each Build returns a value
// ready to hand to the corresponding Engine call.

// RoleBuilder builds a Role.
type RoleBuilder struct {
	role *Role
}

func NewRole(name string) *RoleBuilder {
	return &RoleBuilder{role: &Role{Name: name}}
}

func (b *RoleBuilder) DisplayName(s string) *RoleBuilder {
	b.role.DisplayName = s
	return b
}

func (b *RoleBuilder) Parent(roleID string) *RoleBuilder {
	b.role.ParentRole = roleID
	return b
}

func (b *RoleBuilder) Type(t RoleType) *RoleBuilder {
	b.role.RoleType = t
	return b
}

func (b *RoleBuilder) System() *RoleBuilder {
	b.role.IsSystemRole = true
	return b
}

func (b *RoleBuilder) MaxUsers(n int) *RoleBuilder {
	b.role.MaxUsers = n
	return b
}

func (b *RoleBuilder) AutoAssignWhen(conds ...Condition) *RoleBuilder {
	b.role.AutoAssign = append(b.role.AutoAssign, conds...)
	return b
}

func (b *RoleBuilder) Build() *Role { return b.role }

// PermissionBuilder builds a Permission.
type PermissionBuilder struct {
	perm *Permission
}

func NewPermission(name string) *PermissionBuilder {
	return &PermissionBuilder{perm: &Permission{Name: name}}
}

func (b *PermissionBuilder) Category(c string) *PermissionBuilder {
	b.perm.Category = c
	return b
}

func (b *PermissionBuilder) On(resourceType, action string) *PermissionBuilder {
	b.perm.ResourceType = resourceType
	b.perm.Action = action
	return b
}

func (b *PermissionBuilder) Risk(level RiskLevel) *PermissionBuilder {
	b.perm.RiskLevel = level
	return b
}

func (b *PermissionBuilder) RequiresApproval() *PermissionBuilder {
	b.perm.RequiresApproval = true
	return b
}

func (b *PermissionBuilder) DependsOn(permissionIDs ...string) *PermissionBuilder {
	b.perm.DependsOn = append(b.perm.DependsOn, permissionIDs...)
	return b
}

func (b *PermissionBuilder) ConflictsWith(permissionIDs ...string) *PermissionBuilder {
	b.perm.ConflictsWith = append(b.perm.ConflictsWith, permissionIDs...)
	return b
}

func (b *PermissionBuilder) Build() *Permission { return b.perm }

// ResourceBuilder builds a Resource.
type ResourceBuilder struct {
	res *Resource
}

func NewResource(resourceType, externalID string) *ResourceBuilder {
	return &ResourceBuilder{res: &Resource{ResourceType: resourceType, ExternalID: externalID}}
}

func (b *ResourceBuilder) Name(n string) *ResourceBuilder {
	b.res.Name = n
	return b
}

func (b *ResourceBuilder) Parent(resourceID string) *ResourceBuilder {
	b.res.ParentID = resourceID
	return b
}

func (b *ResourceBuilder) Security(level SecurityLevel) *ResourceBuilder {
	b.res.SecurityLevel = level
	return b
}

func (b *ResourceBuilder) Owner(userID string) *ResourceBuilder {
	b.res.OwnerID = userID
	return b
}

func (b *ResourceBuilder) Attr(key string, value any) *ResourceBuilder {
	if b.res.Attributes == nil {
		b.res.Attributes = make(map[string]any)
	}
	b.res.Attributes[key] = value
	return b
}

func (b *ResourceBuilder) Tags(tags ...string) *ResourceBuilder {
	b.res.Tags = append(b.res.Tags, tags...)
	return b
}

func (b *ResourceBuilder) Build() *Resource { return b.res }

// ScheduleBuilder builds a TemporalPermission for a grant.
type ScheduleBuilder struct {
	tp *TemporalPermission
}

func NewSchedule(kind GrantKind, grantID string) *ScheduleBuilder {
	return &ScheduleBuilder{tp: &TemporalPermission{
		GrantKind:    kind,
		GrantID:      grantID,
		ScheduleType: ScheduleFixed,
		TimeZone:     "UTC",
	}}
}

func (b *ScheduleBuilder) Fixed(start, end time.Time) *ScheduleBuilder {
	b.tp.ScheduleType = ScheduleFixed
	b.tp.StartDate = &start
	b.tp.EndDate = &end
	return b
}

func (b *ScheduleBuilder) Recurring(days []int, windows ...ClockRange) *ScheduleBuilder {
	b.tp.ScheduleType = ScheduleRecurring
	b.tp.AllowedDays = days
	b.tp.Windows = append(b.tp.Windows, windows...)
	return b
}

func (b *ScheduleBuilder) Cron(expr string, durationMinutes int) *ScheduleBuilder {
	b.tp.ScheduleType = ScheduleCron
	b.tp.RecurrencePattern = expr
	b.tp.MaxDurationMinutes = durationMinutes
	return b
}

func (b *ScheduleBuilder) Conditional(conds ...Condition) *ScheduleBuilder {
	b.tp.ScheduleType = ScheduleConditional
	b.tp.Conditions = append(b.tp.Conditions, conds...)
	return b
}

func (b *ScheduleBuilder) TimeZone(tz string) *ScheduleBuilder {
	b.tp.TimeZone = tz
	return b
}

func (b *ScheduleBuilder) Between(start, end time.Time) *ScheduleBuilder {
	b.tp.StartDate = &start
	b.tp.EndDate = &end
	return b
}

func (b *ScheduleBuilder) Excluding(dates ...string) *ScheduleBuilder {
	b.tp.ExcludedDates = append(b.tp.ExcludedDates, dates...)
	return b
}

func (b *ScheduleBuilder) MaxUses(n int) *ScheduleBuilder {
	b.tp.MaxUses = n
	return b
}

func (b *ScheduleBuilder) Build() *TemporalPermission { return b.tp }

// ConditionBuilder builds a condition list.
type ConditionBuilder struct {
	conds []Condition
}

func NewConditions() *ConditionBuilder { return &ConditionBuilder{} }

func (b *ConditionBuilder) add(c Condition) *ConditionBuilder {
	if c.Combine == "" {
		c.Combine = CombineAnd
	}
	b.conds = append(b.conds, c)
	return b
}

func (b *ConditionBuilder) Location(allowed ...string) *ConditionBuilder {
	return b.add(Condition{Kind: CondLocation, Location: &LocationParams{Allowed: allowed}})
}

func (b *ConditionBuilder) TimeRange(ranges ...[2]string) *ConditionBuilder {
	return b.add(Condition{Kind: CondTimeRange, TimeRange: &TimeRangeParams{Ranges: ranges}})
}

func (b *ConditionBuilder) IPAllowed(cidrs ...string) *ConditionBuilder {
	return b.add(Condition{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: cidrs}})
}

func (b *ConditionBuilder) DeviceType(allowed ...string) *ConditionBuilder {
	return b.add(Condition{Kind: CondDeviceType, Membership: &MembershipParams{Allowed: allowed}})
}

func (b *ConditionBuilder) AuthMethod(allowed ...string) *ConditionBuilder {
	return b.add(Condition{Kind: CondAuthMethod, Membership: &MembershipParams{Allowed: allowed}})
}

func (b *ConditionBuilder) MaxRiskScore(max float64) *ConditionBuilder {
	return b.add(Condition{Kind: CondRiskScore, RiskScore: &RiskScoreParams{Max: max}})
}

func (b *ConditionBuilder) UserAttr(name, operator string, value any) *ConditionBuilder {
	return b.add(Condition{Kind: CondUserAttribute, Attribute: &AttributeParams{Name: name, Operator: operator, Value: value}})
}

func (b *ConditionBuilder) ResourceAttr(name, operator string, value any) *ConditionBuilder {
	return b.add(Condition{Kind: CondResourceAttribute, Attribute: &AttributeParams{Name: name, Operator: operator, Value: value}})
}

func (b *ConditionBuilder) Expression(expr string, vars map[string]string) *ConditionBuilder {
	return b.add(Condition{Kind: CondCustomExpression, Expression: &ExpressionParams{Expression: expr, Variables: vars}})
}

func (b *ConditionBuilder) ApprovalRequired() *ConditionBuilder {
	return b.add(Condition{Kind: CondApprovalRequired})
}

func (b *ConditionBuilder) MFA(maxAgeMinutes int) *ConditionBuilder {
	return b.add(Condition{Kind: CondMFARequired, MFA: &MFAParams{MaxAgeMinutes: maxAgeMinutes}})
}

// Or marks the most recently added condition as part of the or group.
func (b *ConditionBuilder) Or() *ConditionBuilder {
	if len(b.conds) > 0 {
		b.conds[len(b.conds)-1].Combine = CombineOr
	}
	return b
}

func (b *ConditionBuilder) Build() []Condition { return b.conds }
