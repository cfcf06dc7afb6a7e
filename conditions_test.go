package shield

import (
	"context"
	"strings"
	"testing"
	"time"
)

func fixedClock(s string) func() time.Time {
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return at }
}

func TestConditionIPAddress(t *testing.T) {
	ce := NewConditionEvaluator(nil)
	conds := []Condition{
		{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: []string{"10.0.0.5", "192.168.1.0/24"}}},
	}

	ok, _ := ce.Evaluate(conds, &RequestContext{IP: "192.168.1.77"}, nil)
	if !ok {
		t.Fatalf("expected CIDR member to pass")
	}
	ok, _ = ce.Evaluate(conds, &RequestContext{IP: "10.0.0.5"}, nil)
	if !ok {
		t.Fatalf("expected exact address to pass")
	}
	ok, reasons := ce.Evaluate(conds, &RequestContext{IP: "192.168.2.1"}, nil)
	if ok {
		t.Fatalf("expected address outside range to fail")
	}
	if len(reasons) != 1 || !strings.Contains(reasons[0], "192.168.2.1") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	ok, reasons = ce.Evaluate(conds, &RequestContext{IP: "not-an-ip"}, nil)
	if ok || len(reasons) == 0 {
		t.Fatalf("expected malformed address to fail with a reason")
	}
}

func TestConditionTimeRange(t *testing.T) {
	ce := NewConditionEvaluator(fixedClock("2025-06-02T13:30:00Z"))
	conds := []Condition{
		{Kind: CondTimeRange, TimeRange: &TimeRangeParams{Ranges: [][2]string{{"09:00", "17:00"}}}},
	}

	if ok, _ := ce.Evaluate(conds, nil, nil); !ok {
		t.Fatalf("13:30 should be inside 09:00-17:00")
	}
	late := &RequestContext{Time: time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC)}
	if ok, _ := ce.Evaluate(conds, late, nil); ok {
		t.Fatalf("22:00 should be outside the window")
	}

	// windows that cross midnight wrap
	night := []Condition{
		{Kind: CondTimeRange, TimeRange: &TimeRangeParams{Ranges: [][2]string{{"22:00", "06:00"}}}},
	}
	if ok, _ := ce.Evaluate(night, late, nil); !ok {
		t.Fatalf("22:00 should be inside a 22:00-06:00 window")
	}
	early := &RequestContext{Time: time.Date(2025, 6, 3, 5, 0, 0, 0, time.UTC)}
	if ok, _ := ce.Evaluate(night, early, nil); !ok {
		t.Fatalf("05:00 should be inside a 22:00-06:00 window")
	}
}

func TestConditionRiskAndMembership(t *testing.T) {
	ce := NewConditionEvaluator(nil)
	conds := []Condition{
		{Kind: CondRiskScore, RiskScore: &RiskScoreParams{Max: 0.5}},
		{Kind: CondDeviceType, Membership: &MembershipParams{Allowed: []string{"laptop", "desktop"}}},
		{Kind: CondAuthMethod, Membership: &MembershipParams{Allowed: []string{"sso"}}},
	}

	rctx := &RequestContext{RiskScore: 0.3, DeviceType: "Laptop", AuthMethod: "SSO"}
	if ok, _ := ce.Evaluate(conds, rctx, nil); !ok {
		t.Fatalf("expected case-insensitive membership plus risk under max to pass")
	}

	rctx.RiskScore = 0.9
	ok, reasons := ce.Evaluate(conds, rctx, nil)
	if ok {
		t.Fatalf("risk above max must fail")
	}
	if len(reasons) != 1 || !strings.Contains(reasons[0], "risk score") {
		t.Fatalf("and-conditions must short-circuit with a single reason, got %v", reasons)
	}
}

func TestConditionAttributeOperators(t *testing.T) {
	ce := NewConditionEvaluator(nil)
	rctx := &RequestContext{UserAttributes: map[string]any{
		"department": "engineering",
		"clearance":  7,
		"teams":      []any{"core", "infra"},
		"email":      "dev@example.com",
	}}

	cases := []struct {
		name string
		attr AttributeParams
		want bool
	}{
		{"equals", AttributeParams{Name: "department", Operator: "equals", Value: "engineering"}, true},
		{"default equals", AttributeParams{Name: "department", Value: "sales"}, false},
		{"not_equals", AttributeParams{Name: "department", Operator: "not_equals", Value: "sales"}, true},
		{"in", AttributeParams{Name: "department", Operator: "in", Value: []any{"sales", "engineering"}}, true},
		{"not_in", AttributeParams{Name: "department", Operator: "not_in", Value: []string{"sales"}}, true},
		{"gt", AttributeParams{Name: "clearance", Operator: "gt", Value: 5}, true},
		{"lte", AttributeParams{Name: "clearance", Operator: "lte", Value: 6}, false},
		{"between", AttributeParams{Name: "clearance", Operator: "between", Value: []any{5, 10}}, true},
		{"contains list", AttributeParams{Name: "teams", Operator: "contains", Value: "infra"}, true},
		{"not_contains string", AttributeParams{Name: "email", Operator: "not_contains", Value: "@corp"}, true},
		{"regex_match", AttributeParams{Name: "email", Operator: "regex_match", Value: `^dev@`}, true},
	}
	for _, tc := range cases {
		conds := []Condition{{Kind: CondUserAttribute, Attribute: &tc.attr}}
		ok, reasons := ce.Evaluate(conds, rctx, nil)
		if ok != tc.want {
			t.Fatalf("%s: got %v (reasons %v), want %v", tc.name, ok, reasons, tc.want)
		}
	}

	// missing attribute fails with a reason, not an error
	conds := []Condition{{Kind: CondUserAttribute, Attribute: &AttributeParams{Name: "absent", Value: "x"}}}
	ok, reasons := ce.Evaluate(conds, rctx, nil)
	if ok || len(reasons) != 1 {
		t.Fatalf("missing attribute should fail with one reason, got %v %v", ok, reasons)
	}
}

func TestConditionResourceAttribute(t *testing.T) {
	ce := NewConditionEvaluator(nil)
	conds := []Condition{
		{Kind: CondResourceAttribute, Attribute: &AttributeParams{Name: "tier", Operator: "equals", Value: "gold"}},
	}

	res := &Resource{ResourceType: "project", ExternalID: "apollo", Attributes: map[string]any{"tier": "gold"}}
	if ok, _ := ce.Evaluate(conds, &RequestContext{}, res); !ok {
		t.Fatalf("matching resource attribute should pass")
	}
	ok, reasons := ce.Evaluate(conds, &RequestContext{}, nil)
	if ok {
		t.Fatalf("resource attribute without a resource in scope must fail")
	}
	if len(reasons) != 1 || !strings.Contains(reasons[0], "no resource in scope") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestConditionOrGroup(t *testing.T) {
	ce := NewConditionEvaluator(nil)
	conds := []Condition{
		{Kind: CondLocation, Combine: CombineOr, Location: &LocationParams{Allowed: []string{"office"}}},
		{Kind: CondIPAddress, Combine: CombineOr, IPAddress: &IPAddressParams{Allowed: []string{"10.0.0.0/8"}}},
	}

	// one disjunct passing is enough
	if ok, _ := ce.Evaluate(conds, &RequestContext{Location: "home", IP: "10.1.2.3"}, nil); !ok {
		t.Fatalf("expected one passing or-member to suffice")
	}
	// all disjuncts failing collects every reason
	ok, reasons := ce.Evaluate(conds, &RequestContext{Location: "home", IP: "8.8.8.8"}, nil)
	if ok {
		t.Fatalf("expected failure when every or-member fails")
	}
	if len(reasons) != 2 {
		t.Fatalf("expected both or-reasons, got %v", reasons)
	}
}

func TestConditionMFA(t *testing.T) {
	now := fixedClock("2025-06-02T12:00:00Z")
	ce := NewConditionEvaluator(now)
	conds := []Condition{
		{Kind: CondMFARequired, MFA: &MFAParams{MaxAgeMinutes: 30}},
	}

	fresh := &RequestContext{MFAVerified: true, MFATime: now().Add(-10 * time.Minute)}
	if ok, _ := ce.Evaluate(conds, fresh, nil); !ok {
		t.Fatalf("10 minute old MFA should pass a 30 minute limit")
	}
	stale := &RequestContext{MFAVerified: true, MFATime: now().Add(-45 * time.Minute)}
	if ok, _ := ce.Evaluate(conds, stale, nil); ok {
		t.Fatalf("45 minute old MFA must fail a 30 minute limit")
	}
	if ok, _ := ce.Evaluate(conds, &RequestContext{MFAVerified: false}, nil); ok {
		t.Fatalf("unverified MFA must fail")
	}

	// no params means any age is acceptable
	anyAge := []Condition{{Kind: CondMFARequired}}
	if ok, _ := ce.Evaluate(anyAge, &RequestContext{MFAVerified: true}, nil); !ok {
		t.Fatalf("verified MFA with no age limit should pass")
	}
}

func TestConditionApprovalAndExpression(t *testing.T) {
	ce := NewConditionEvaluator(nil)

	approval := []Condition{{Kind: CondApprovalRequired}}
	if ok, _ := ce.Evaluate(approval, &RequestContext{ApprovalStatus: ApprovalApproved}, nil); !ok {
		t.Fatalf("approved status should satisfy approval_required")
	}
	if ok, _ := ce.Evaluate(approval, &RequestContext{ApprovalStatus: ApprovalPending}, nil); ok {
		t.Fatalf("pending status must not satisfy approval_required")
	}

	expr := []Condition{{
		Kind: CondCustomExpression,
		Expression: &ExpressionParams{
			Expression: `risk_score < 0.5 and user.department == "engineering"`,
		},
	}}
	rctx := &RequestContext{RiskScore: 0.2, UserAttributes: map[string]any{"department": "engineering"}}
	if ok, reasons := ce.Evaluate(expr, rctx, nil); !ok {
		t.Fatalf("expression should pass: %v", reasons)
	}
	rctx.RiskScore = 0.9
	if ok, _ := ce.Evaluate(expr, rctx, nil); ok {
		t.Fatalf("expression should fail on high risk")
	}
}

func TestConditionValidate(t *testing.T) {
	bad := []Condition{
		{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: []string{"999.1.1.1"}}},
		{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: []string{"10.0.0.0/99"}}},
		{Kind: CondTimeRange, TimeRange: &TimeRangeParams{Ranges: [][2]string{{"25:00", "09:00"}}}},
		{Kind: CondUserAttribute, Attribute: &AttributeParams{Name: "x", Operator: "like", Value: "y"}},
		{Kind: CondUserAttribute, Attribute: &AttributeParams{Name: "x", Operator: "regex_match", Value: "("}},
		{Kind: CondCustomExpression, Expression: &ExpressionParams{Expression: "a = b"}},
		{Kind: ConditionKind("geo_fence")},
		{Kind: CondLocation, Location: &LocationParams{Allowed: []string{"hq"}}, Combine: CombineOp("xor")},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("condition %d should fail validation", i)
		} else if !IsValidation(err) {
			t.Fatalf("condition %d: expected a validation error, got %v", i, err)
		}
	}

	good := []Condition{
		{Kind: CondLocation, Location: &LocationParams{Allowed: []string{"hq"}}},
		{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: []string{"10.0.0.0/8", "::1"}}},
		{Kind: CondApprovalRequired},
		{Kind: CondMFARequired},
	}
	if err := ValidateConditions(good); err != nil {
		t.Fatalf("valid conditions rejected: %v", err)
	}
}

func TestDecodeConditions(t *testing.T) {
	blob := []byte(`[{"kind":"location","location":{"allowed":["hq"]}}]`)
	conds, err := DecodeConditions(blob)
	if err != nil {
		t.Fatalf("DecodeConditions: %v", err)
	}
	if len(conds) != 1 || conds[0].Kind != CondLocation {
		t.Fatalf("unexpected decode result: %+v", conds)
	}
	if _, err := DecodeConditions([]byte(`{"kind":`)); !IsMisconfiguration(err) {
		t.Fatalf("malformed JSON should be a misconfiguration, got %v", err)
	}
	if _, err := DecodeConditions([]byte(`[{"kind":"location"}]`)); !IsMisconfiguration(err) {
		t.Fatalf("invalid stored condition should be a misconfiguration, got %v", err)
	}
	if conds, err := DecodeConditions(nil); err != nil || conds != nil {
		t.Fatalf("empty blob should decode to nil, got %v %v", conds, err)
	}
}

func TestCreateConditionValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	good := &PermissionCondition{
		Name:          "office-hours",
		ConditionType: CategoryTimeBased,
		RiskLevel:     RiskLow,
		Conditions:    []Condition{{Kind: CondTimeRange, TimeRange: &TimeRangeParams{Ranges: [][2]string{{"09:00", "17:00"}}}}},
	}
	id, err := e.CreateCondition(ctx, good)
	if err != nil {
		t.Fatalf("CreateCondition: %v", err)
	}
	if id == "" {
		t.Fatalf("condition id should be set")
	}
	if _, err := e.CreateCondition(ctx, good); !IsConflict(err) {
		t.Fatalf("duplicate name should conflict, got %v", err)
	}

	bad := []*PermissionCondition{
		nil,
		{Name: "Bad Name!", ConditionType: CategoryCustom, Conditions: good.Conditions},
		{Name: "x", ConditionType: "weird", Conditions: good.Conditions},
		{Name: "x", ConditionType: CategoryCustom},
		{Name: "x", ConditionType: CategoryCustom, Conditions: []Condition{{Kind: CondLocation}}},
		{Name: "x", ConditionType: CategoryCustom, RiskLevel: "extreme", Conditions: good.Conditions},
	}
	for i, pc := range bad {
		if _, err := e.CreateCondition(ctx, pc); !IsValidation(err) {
			t.Fatalf("case %d should fail validation, got %v", i, err)
		}
	}
}

func TestEvaluateNamedCondition(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateCondition(ctx, &PermissionCondition{
		Name:          "hq-only",
		ConditionType: CategoryLocationBased,
		Conditions:    []Condition{{Kind: CondLocation, Location: &LocationParams{Allowed: []string{"hq"}}}},
	}); err != nil {
		t.Fatalf("CreateCondition: %v", err)
	}

	ok, _, err := e.EvaluateCondition(ctx, "hq-only", &RequestContext{Location: "hq"}, "", "")
	if err != nil || !ok {
		t.Fatalf("hq should pass: %v %v", ok, err)
	}
	ok, reasons, err := e.EvaluateCondition(ctx, "hq-only", &RequestContext{Location: "warehouse"}, "", "")
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if ok || len(reasons) == 0 {
		t.Fatalf("warehouse should fail with a reason, got %v %v", ok, reasons)
	}

	pc, err := e.GetConditionByName(ctx, "hq-only")
	if err != nil {
		t.Fatalf("GetConditionByName: %v", err)
	}
	if pc.EvaluationCount != 2 || pc.LastResult {
		t.Fatalf("bookkeeping should track both evaluations, got count=%d last=%v", pc.EvaluationCount, pc.LastResult)
	}

	if _, _, err := e.EvaluateCondition(ctx, "no-such", nil, "", ""); !IsNotFound(err) {
		t.Fatalf("unknown condition should be not-found, got %v", err)
	}
}

func TestWithConditionStoreRejectsNil(t *testing.T) {
	_, err := NewEngine(
		NewMemoryPermissionStore(),
		NewMemoryRoleStore(),
		NewMemoryResourceStore(),
		NewMemoryTemporalStore(),
		WithConditionStore(nil),
	)
	if !IsMisconfiguration(err) {
		t.Fatalf("nil condition store should be a misconfiguration, got %v", err)
	}
}
