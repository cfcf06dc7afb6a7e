package shield

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// ============================================================================
// CONDITION MODEL
// ============================================================================

// ConditionKind enumerates the supported contextual checks.
type ConditionKind string

const (
	CondLocation          ConditionKind = "location"
	CondTimeRange         ConditionKind = "time_range"
	CondIPAddress         ConditionKind = "ip_address"
	CondDeviceType        ConditionKind = "device_type"
	CondAuthMethod        ConditionKind = "authentication_method"
	CondRiskScore         ConditionKind = "risk_score"
	CondUserAttribute     ConditionKind = "user_attribute"
	CondResourceAttribute ConditionKind = "resource_attribute"
	CondCustomExpression  ConditionKind = "custom_expression"
	CondApprovalRequired  ConditionKind = "approval_required"
	CondMFARequired       ConditionKind = "mfa_required"
)

// CombineOp joins a condition with its siblings. The default is "and"
// (every such condition must pass); "or" conditions form a group where
// one passing member is enough.
type CombineOp string

const (
	CombineAnd CombineOp = "and"
	CombineOr  CombineOp = "or"
)

// Condition is a tagged union over ConditionKind: exactly the parameter
// struct matching Kind must be set. Malformed variants are caught by
// Validate at construction rather than at evaluation time.
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Combine CombineOp     `json:"combine,omitempty"`

	Location   *LocationParams   `json:"location,omitempty"`
	TimeRange  *TimeRangeParams  `json:"time_range,omitempty"`
	IPAddress  *IPAddressParams  `json:"ip_address,omitempty"`
	Membership *MembershipParams `json:"membership,omitempty"` // device_type, authentication_method
	RiskScore  *RiskScoreParams  `json:"risk_score,omitempty"`
	Attribute  *AttributeParams  `json:"attribute,omitempty"` // user_attribute, resource_attribute
	Expression *ExpressionParams `json:"expression,omitempty"`
	MFA        *MFAParams        `json:"mfa,omitempty"`
}

type LocationParams struct {
	Allowed []string `json:"allowed"`
}

// TimeRangeParams holds one or more local-clock windows ("09:00"-"17:00").
type TimeRangeParams struct {
	Ranges [][2]string `json:"ranges"`
}

type IPAddressParams struct {
	Allowed []string `json:"allowed"` // single addresses or CIDR blocks
}

type MembershipParams struct {
	Allowed []string `json:"allowed"`
}

type RiskScoreParams struct {
	Max float64 `json:"max"`
}

type AttributeParams struct {
	Name     string `json:"name"`
	Operator string `json:"operator"` // equals, not_equals, in, not_in, gt, lt, gte, lte, contains, not_contains, regex_match, between
	Value    any    `json:"value"`
}

type ExpressionParams struct {
	Expression string            `json:"expression"`
	Variables  map[string]string `json:"variables,omitempty"` // name -> dotted context path
}

type MFAParams struct {
	MaxAgeMinutes int `json:"max_age_minutes,omitempty"` // 0 = any age
}

var attributeOps = map[string]bool{
	"equals": true, "not_equals": true, "in": true, "not_in": true,
	"gt": true, "lt": true, "gte": true, "lte": true,
	"contains": true, "not_contains": true, "regex_match": true, "between": true,
}

// Validate checks that the variant matching Kind is present and its
// parameters parse (CIDRs, clock ranges, regexes, expressions).
func (c *Condition) Validate() error {
	if c.Combine != "" && c.Combine != CombineAnd && c.Combine != CombineOr {
		return validationErr("combine", "unknown operator %q", c.Combine)
	}
	switch c.Kind {
	case CondLocation:
		if c.Location == nil || len(c.Location.Allowed) == 0 {
			return validationErr("location", "allowed set is required")
		}
	case CondTimeRange:
		if c.TimeRange == nil || len(c.TimeRange.Ranges) == 0 {
			return validationErr("time_range", "at least one range is required")
		}
		for _, r := range c.TimeRange.Ranges {
			if _, err := parseClock(r[0]); err != nil {
				return validationErr("time_range", "bad start %q", r[0])
			}
			if _, err := parseClock(r[1]); err != nil {
				return validationErr("time_range", "bad end %q", r[1])
			}
		}
	case CondIPAddress:
		if c.IPAddress == nil || len(c.IPAddress.Allowed) == 0 {
			return validationErr("ip_address", "allowed set is required")
		}
		for _, a := range c.IPAddress.Allowed {
			if !strings.Contains(a, "/") {
				if net.ParseIP(a) == nil {
					return validationErr("ip_address", "bad address %q", a)
				}
				continue
			}
			if _, _, err := net.ParseCIDR(a); err != nil {
				return validationErr("ip_address", "bad CIDR %q", a)
			}
		}
	case CondDeviceType, CondAuthMethod:
		if c.Membership == nil || len(c.Membership.Allowed) == 0 {
			return validationErr(string(c.Kind), "allowed set is required")
		}
	case CondRiskScore:
		if c.RiskScore == nil {
			return validationErr("risk_score", "max is required")
		}
	case CondUserAttribute, CondResourceAttribute:
		if c.Attribute == nil || c.Attribute.Name == "" {
			return validationErr(string(c.Kind), "attribute name is required")
		}
		op := c.Attribute.Operator
		if op == "" {
			op = "equals"
		}
		if !attributeOps[op] {
			return validationErr(string(c.Kind), "unknown operator %q", op)
		}
		if op == "regex_match" {
			s, ok := c.Attribute.Value.(string)
			if !ok {
				return validationErr(string(c.Kind), "regex_match needs a string pattern")
			}
			if _, err := regexp.Compile(s); err != nil {
				return validationErr(string(c.Kind), "bad regex: %v", err)
			}
		}
	case CondCustomExpression:
		if c.Expression == nil || c.Expression.Expression == "" {
			return validationErr("custom_expression", "expression is required")
		}
		if _, err := lexExpr(c.Expression.Expression); err != nil {
			return validationErr("custom_expression", "bad expression: %v", err)
		}
	case CondApprovalRequired:
		// no parameters
	case CondMFARequired:
		// MFA params are optional; nil means "verified, any age"
	default:
		return validationErr("kind", "unknown condition kind %q", c.Kind)
	}
	return nil
}

// ValidateConditions validates a whole set at once.
func ValidateConditions(conds []Condition) error {
	for i := range conds {
		if err := conds[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// DecodeConditions parses a stored JSON condition blob and validates
// it. Failures are misconfigurations: the blob passed validation when
// written, so an unparsable one means the stored data is broken.
func DecodeConditions(blob []byte) ([]Condition, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var conds []Condition
	if err := json.Unmarshal(blob, &conds); err != nil {
		return nil, &MisconfigurationError{Reason: fmt.Sprintf("bad condition JSON: %v", err)}
	}
	if err := ValidateConditions(conds); err != nil {
		return nil, &MisconfigurationError{Reason: err.Error()}
	}
	return conds, nil
}

// ============================================================================
// CONDITION EVALUATOR
// ============================================================================

// ConditionEvaluator decides whether a grant's contextual conditions are
// satisfied by a request context. Every verdict carries a specific
// reason so the decision trail can explain denials precisely.
type ConditionEvaluator struct {
	now func() time.Time
}

func NewConditionEvaluator(now func() time.Time) *ConditionEvaluator {
	if now == nil {
		now = time.Now
	}
	return &ConditionEvaluator{now: now}
}

// Evaluate combines the conditions: every "and" condition must pass
// (short-circuits on the first failure); "or" conditions form a single
// disjunction group where one pass suffices, otherwise all their reasons
// are collected. resource may be nil when no resource is in scope.
func (ce *ConditionEvaluator) Evaluate(conds []Condition, rctx *RequestContext, resource *Resource) (bool, []string) {
	if len(conds) == 0 {
		return true, nil
	}
	if rctx == nil {
		rctx = &RequestContext{}
	}
	var orReasons []string
	orSeen := false
	orPassed := false
	for i := range conds {
		c := &conds[i]
		ok, reason := ce.evalOne(c, rctx, resource)
		if c.Combine == CombineOr {
			orSeen = true
			if ok {
				orPassed = true
			} else {
				orReasons = append(orReasons, reason)
			}
			continue
		}
		if !ok {
			return false, []string{reason}
		}
	}
	if orSeen && !orPassed {
		return false, orReasons
	}
	return true, nil
}

func (ce *ConditionEvaluator) evalOne(c *Condition, rctx *RequestContext, resource *Resource) (bool, string) {
	switch c.Kind {
	case CondLocation:
		for _, loc := range c.Location.Allowed {
			if strings.EqualFold(loc, rctx.Location) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("location %q not in allowed set %v", rctx.Location, c.Location.Allowed)
	case CondTimeRange:
		at := rctx.Time
		if at.IsZero() {
			at = ce.now()
		}
		for _, r := range c.TimeRange.Ranges {
			if clockWithin(at, r[0], r[1]) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("time %s outside allowed ranges %v", at.Format("15:04"), c.TimeRange.Ranges)
	case CondIPAddress:
		ip := net.ParseIP(rctx.IP)
		if ip == nil {
			return false, fmt.Sprintf("request IP %q is not a valid address", rctx.IP)
		}
		for _, a := range c.IPAddress.Allowed {
			if strings.Contains(a, "/") {
				if _, ipnet, err := net.ParseCIDR(a); err == nil && ipnet.Contains(ip) {
					return true, ""
				}
				continue
			}
			if allowed := net.ParseIP(a); allowed != nil && allowed.Equal(ip) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("IP %s not in allowed ranges %v", rctx.IP, c.IPAddress.Allowed)
	case CondDeviceType:
		for _, d := range c.Membership.Allowed {
			if strings.EqualFold(d, rctx.DeviceType) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("device type %q not in %v", rctx.DeviceType, c.Membership.Allowed)
	case CondAuthMethod:
		for _, m := range c.Membership.Allowed {
			if strings.EqualFold(m, rctx.AuthMethod) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("authentication method %q not in %v", rctx.AuthMethod, c.Membership.Allowed)
	case CondRiskScore:
		if rctx.RiskScore <= c.RiskScore.Max {
			return true, ""
		}
		return false, fmt.Sprintf("risk score %.2f exceeds maximum %.2f", rctx.RiskScore, c.RiskScore.Max)
	case CondUserAttribute:
		val, ok := rctx.UserAttributes[c.Attribute.Name]
		if !ok {
			return false, fmt.Sprintf("user attribute %q not present", c.Attribute.Name)
		}
		return ce.compareAttr(c, val, "user")
	case CondResourceAttribute:
		if resource == nil {
			return false, fmt.Sprintf("resource attribute %q: no resource in scope", c.Attribute.Name)
		}
		val, ok := resource.Attributes[c.Attribute.Name]
		if !ok {
			return false, fmt.Sprintf("resource attribute %q not present on %s", c.Attribute.Name, resource.Key())
		}
		return ce.compareAttr(c, val, "resource")
	case CondCustomExpression:
		vars := buildExprVars(rctx, resource, c.Expression.Variables)
		ok, err := EvalExpr(c.Expression.Expression, vars)
		if err != nil {
			return false, fmt.Sprintf("expression %q failed to evaluate: %v", c.Expression.Expression, err)
		}
		if !ok {
			return false, fmt.Sprintf("expression %q evaluated to false", c.Expression.Expression)
		}
		return true, ""
	case CondApprovalRequired:
		if rctx.ApprovalStatus == ApprovalApproved || rctx.ApprovalStatus == ApprovalAutoApproved {
			return true, ""
		}
		return false, fmt.Sprintf("approval required but status is %q", rctx.ApprovalStatus)
	case CondMFARequired:
		if !rctx.MFAVerified {
			return false, "MFA required but not verified"
		}
		if c.MFA != nil && c.MFA.MaxAgeMinutes > 0 {
			if rctx.MFATime.IsZero() {
				return false, "MFA required but verification time unknown"
			}
			age := ce.now().Sub(rctx.MFATime)
			if age > time.Duration(c.MFA.MaxAgeMinutes)*time.Minute {
				return false, fmt.Sprintf("MFA verification is %s old, limit %dm", age.Round(time.Minute), c.MFA.MaxAgeMinutes)
			}
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown condition kind %q", c.Kind)
	}
}

func (ce *ConditionEvaluator) compareAttr(c *Condition, val any, who string) (bool, string) {
	op := c.Attribute.Operator
	if op == "" {
		op = "equals"
	}
	ok, err := compareValues(val, op, c.Attribute.Value)
	if err != nil {
		return false, fmt.Sprintf("%s attribute %q: %v", who, c.Attribute.Name, err)
	}
	if !ok {
		return false, fmt.Sprintf("%s attribute %q=%v does not satisfy %s %v", who, c.Attribute.Name, val, op, c.Attribute.Value)
	}
	return true, ""
}

func compareValues(val any, op string, expected any) (bool, error) {
	switch op {
	case "equals":
		eq, _ := valuesEqual(val, expected)
		return eq, nil
	case "not_equals":
		eq, comparable := valuesEqual(val, expected)
		return comparable && !eq, nil
	case "in", "not_in":
		list, ok := anySlice(expected)
		if !ok {
			return false, fmt.Errorf("%s operator needs a list", op)
		}
		found := false
		for _, item := range list {
			if eq, _ := valuesEqual(val, item); eq {
				found = true
				break
			}
		}
		if op == "in" {
			return found, nil
		}
		return !found, nil
	case "gt", "lt", "gte", "lte":
		vf, ok1 := toFloat(val)
		ef, ok2 := toFloat(expected)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%s operator needs numeric operands", op)
		}
		switch op {
		case "gt":
			return vf > ef, nil
		case "lt":
			return vf < ef, nil
		case "gte":
			return vf >= ef, nil
		default:
			return vf <= ef, nil
		}
	case "contains", "not_contains":
		contains := false
		switch v := val.(type) {
		case string:
			s, ok := expected.(string)
			if !ok {
				return false, fmt.Errorf("%s needs a string operand", op)
			}
			contains = strings.Contains(v, s)
		default:
			list, ok := anySlice(val)
			if !ok {
				return false, fmt.Errorf("%s needs a string or list value", op)
			}
			for _, item := range list {
				if eq, _ := valuesEqual(item, expected); eq {
					contains = true
					break
				}
			}
		}
		if op == "contains" {
			return contains, nil
		}
		return !contains, nil
	case "regex_match":
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("regex_match needs a string pattern")
		}
		s, ok := val.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("bad regex: %v", err)
		}
		return re.MatchString(s), nil
	case "between":
		bounds, ok := anySlice(expected)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("between needs a [low, high] pair")
		}
		vf, ok1 := toFloat(val)
		lo, ok2 := toFloat(bounds[0])
		hi, ok3 := toFloat(bounds[1])
		if !ok1 || !ok2 || !ok3 {
			return false, fmt.Errorf("between needs numeric operands")
		}
		return vf >= lo && vf <= hi, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

// buildExprVars assembles the variable map for custom expressions. The
// base context fields are always addressable; named variables re-map
// dotted context paths to short names.
func buildExprVars(rctx *RequestContext, resource *Resource, named map[string]string) map[string]any {
	base := map[string]any{
		"location":    rctx.Location,
		"ip":          rctx.IP,
		"device_type": rctx.DeviceType,
		"auth_method": rctx.AuthMethod,
		"risk_score":  rctx.RiskScore,
		"mfa":         rctx.MFAVerified,
	}
	if rctx.UserAttributes != nil {
		base["user"] = rctx.UserAttributes
	}
	if rctx.Extra != nil {
		base["extra"] = rctx.Extra
	}
	if resource != nil {
		base["resource"] = map[string]any{
			"type":           resource.ResourceType,
			"id":             resource.ExternalID,
			"owner":          resource.OwnerID,
			"security_level": string(resource.SecurityLevel),
			"attrs":          resource.Attributes,
		}
	}
	for name, path := range named {
		base[name] = lookupPath(base, path)
	}
	return base
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// clockWithin reports whether t's local clock falls in [start, end],
// handling windows that cross midnight.
func clockWithin(t time.Time, start, end string) bool {
	s, err := parseClock(start)
	if err != nil {
		return false
	}
	e, err := parseClock(end)
	if err != nil {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if s <= e {
		return m >= s && m <= e
	}
	return m >= s || m <= e
}

// ============================================================================
// NAMED CONDITIONS
// ============================================================================

// ConditionCategory classifies a reusable named condition set.
type ConditionCategory string

const (
	CategoryTimeBased      ConditionCategory = "time_based"
	CategoryLocationBased  ConditionCategory = "location_based"
	CategoryAttributeBased ConditionCategory = "attribute_based"
	CategoryApprovalBased  ConditionCategory = "approval_based"
	CategoryQuotaBased     ConditionCategory = "quota_based"
	CategoryCustom         ConditionCategory = "custom"
)

var conditionCategories = map[ConditionCategory]bool{
	CategoryTimeBased: true, CategoryLocationBased: true, CategoryAttributeBased: true,
	CategoryApprovalBased: true, CategoryQuotaBased: true, CategoryCustom: true,
}

// PermissionCondition is a named, reusable condition set. Global
// conditions gate every authorization decision; non-global ones are
// evaluated on demand through EvaluateCondition. The bookkeeping
// fields record the outcome of the most recent evaluation.
type PermissionCondition struct {
	Entity
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	ConditionType   ConditionCategory `json:"condition_type"`
	Conditions      []Condition       `json:"conditions"`
	IsGlobal        bool              `json:"is_global,omitempty"`
	RiskLevel       RiskLevel         `json:"risk_level,omitempty"`
	IsActive        bool              `json:"is_active"`
	LastEvaluatedAt time.Time         `json:"last_evaluated_at,omitempty"`
	LastResult      bool              `json:"last_result,omitempty"`
	EvaluationCount int               `json:"evaluation_count,omitempty"`
}
