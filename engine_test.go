package shield

import (
	"context"
	"strings"
	"testing"
	"time"
)

func mustAssign(t *testing.T, e *Engine, userID, roleID string) {
	t.Helper()
	if _, err := e.AssignUserRole(context.Background(), &UserRole{UserID: userID, RoleID: roleID}); err != nil {
		t.Fatalf("AssignUserRole: %v", err)
	}
}

func TestAuthorizeViaRole(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	role := mustCreateRole(t, e, &Role{Name: "viewer"})
	mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)

	d, err := e.Authorize(ctx, "u1", "document.read", "", "", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, reasons %v", d.Reasons)
	}
	if len(d.SourceGrants) != 1 || d.SourceGrants[0].Source != SourceRole || d.SourceGrants[0].Role != "viewer" {
		t.Fatalf("unexpected source grants %+v", d.SourceGrants)
	}

	d, err = e.Authorize(ctx, "u2", "document.read", "", "", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("user without the role must be denied")
	}
	if len(d.Reasons) == 0 || !strings.Contains(d.Reasons[0], "no grant found") {
		t.Fatalf("unexpected deny reasons %v", d.Reasons)
	}

	if _, err := e.Authorize(ctx, "u1", "no.such.permission", "", "", nil); !IsNotFound(err) {
		t.Fatalf("unknown permission should be an error, got %v", err)
	}
}

func TestAuthorizePrecedence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	doc := mustRegisterResource(t, e, &Resource{ResourceType: "document", ExternalID: "plan"})

	role := mustCreateRole(t, e, &Role{Name: "viewer"})
	mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)
	if _, err := e.GrantResourcePermission(ctx, &UserResourcePermission{UserID: "u1", ResourceID: doc, PermissionID: perm}); err != nil {
		t.Fatalf("GrantResourcePermission: %v", err)
	}

	// the direct grant wins over the role grant
	d, err := e.Authorize(ctx, "u1", "document.read", "document", "plan", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || len(d.SourceGrants) != 1 {
		t.Fatalf("expected a single winning grant, got %+v", d)
	}
	if d.SourceGrants[0].Source != SourceDirect {
		t.Fatalf("direct grant should take precedence, got %s", d.SourceGrants[0].Source)
	}
}

func TestAuthorizeInheritedGrant(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	org := mustRegisterResource(t, e, &Resource{ResourceType: "org", ExternalID: "acme"})
	proj := mustRegisterResource(t, e, &Resource{ResourceType: "project", ExternalID: "apollo", ParentID: org})
	mustRegisterResource(t, e, &Resource{ResourceType: "document", ExternalID: "plan", ParentID: proj})

	if err := e.ConfigureResourcePermission(ctx, &ResourcePermission{ResourceID: org, PermissionID: perm, IsInheritable: true}); err != nil {
		t.Fatalf("ConfigureResourcePermission: %v", err)
	}
	if _, err := e.GrantResourcePermission(ctx, &UserResourcePermission{UserID: "u1", ResourceID: org, PermissionID: perm}); err != nil {
		t.Fatalf("GrantResourcePermission: %v", err)
	}

	d, err := e.Authorize(ctx, "u1", "document.read", "document", "plan", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("inheritable grant on the org should reach the document, reasons %v", d.Reasons)
	}
	if d.SourceGrants[0].Source != SourceInherited {
		t.Fatalf("expected an inherited source, got %s", d.SourceGrants[0].Source)
	}

	// flip inheritability off and the grant no longer flows down
	if err := e.ConfigureResourcePermission(ctx, &ResourcePermission{ResourceID: org, PermissionID: perm, IsInheritable: false}); err != nil {
		t.Fatalf("ConfigureResourcePermission: %v", err)
	}
	d, err = e.Authorize(ctx, "u1", "document.read", "document", "plan", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("non-inheritable grant must not flow down")
	}
}

func TestAuthorizeResourceConstraints(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	role := mustCreateRole(t, e, &Role{Name: "doc-viewer"})
	if _, err := e.GrantRolePermission(ctx, &RolePermission{
		RoleID: role, PermissionID: perm,
		ResourceConstraints: []string{"document:*"},
	}); err != nil {
		t.Fatalf("GrantRolePermission: %v", err)
	}
	mustAssign(t, e, "u1", role)

	d, err := e.Authorize(ctx, "u1", "document.read", "document", "plan", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("constraint document:* should match, reasons %v", d.Reasons)
	}

	d, err = e.Authorize(ctx, "u1", "document.read", "spreadsheet", "budget", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("constraint document:* must not match spreadsheet:budget")
	}

	// resourceless requests never satisfy a constrained grant
	d, err = e.Authorize(ctx, "u1", "document.read", "", "", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("constrained grant must not apply without a resource")
	}
}

func TestAuthorizeConditionDenyReasons(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	role := mustCreateRole(t, e, &Role{Name: "office-viewer"})
	if _, err := e.GrantRolePermission(ctx, &RolePermission{
		RoleID: role, PermissionID: perm,
		Conditions: []Condition{
			{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: []string{"10.0.0.0/8"}}},
		},
	}); err != nil {
		t.Fatalf("GrantRolePermission: %v", err)
	}
	mustAssign(t, e, "u1", role)

	d, err := e.Authorize(ctx, "u1", "document.read", "", "", &RequestContext{IP: "10.2.3.4"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("matching IP should allow, reasons %v", d.Reasons)
	}

	d, err = e.Authorize(ctx, "u1", "document.read", "", "", &RequestContext{IP: "8.8.8.8"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("non-matching IP must deny")
	}
	found := false
	for _, r := range d.Reasons {
		if strings.HasPrefix(r, "role office-viewer:") && strings.Contains(r, "8.8.8.8") {
			found = true
		}
	}
	if !found {
		t.Fatalf("deny trail should name the failing grant and IP, got %v", d.Reasons)
	}
}

func TestAuthorizeCaching(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	role := mustCreateRole(t, e, &Role{Name: "viewer"})
	mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)

	d, err := e.Authorize(ctx, "u1", "document.read", "", "", nil)
	if err != nil || !d.Allowed {
		t.Fatalf("first call should allow: %v %v", d, err)
	}
	if d.Cached {
		t.Fatalf("first decision must not be served from cache")
	}
	d, err = e.Authorize(ctx, "u1", "document.read", "", "", nil)
	if err != nil || !d.Allowed {
		t.Fatalf("second call should allow: %v %v", d, err)
	}
	if !d.Cached {
		t.Fatalf("second decision should come from cache")
	}

	// revoking invalidates synchronously
	if err := e.RevokeUserRole(ctx, "u1", role, "", "admin"); err != nil {
		t.Fatalf("RevokeUserRole: %v", err)
	}
	d, err = e.Authorize(ctx, "u1", "document.read", "", "", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Cached || d.Allowed {
		t.Fatalf("revocation must take effect immediately, got %+v", d)
	}
}

func TestAuthorizeTemporalQuota(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "vault.open"})
	doc := mustRegisterResource(t, e, &Resource{ResourceType: "vault", ExternalID: "main"})
	grantID, err := e.GrantResourcePermission(ctx, &UserResourcePermission{UserID: "u1", ResourceID: doc, PermissionID: perm})
	if err != nil {
		t.Fatalf("GrantResourcePermission: %v", err)
	}
	if _, err := e.CreateTemporalPermission(ctx, &TemporalPermission{
		GrantKind:    GrantKindUserResource,
		GrantID:      grantID,
		ScheduleType: ScheduleFixed,
		MaxUses:      2,
	}); err != nil {
		t.Fatalf("CreateTemporalPermission: %v", err)
	}

	for i := 0; i < 2; i++ {
		d, err := e.Authorize(ctx, "u1", "vault.open", "vault", "main", nil)
		if err != nil {
			t.Fatalf("Authorize use %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("use %d should be allowed, reasons %v", i+1, d.Reasons)
		}
		if d.Cached {
			t.Fatalf("quota-limited allows must never be served from cache")
		}
	}

	d, err := e.Authorize(ctx, "u1", "vault.open", "vault", "main", nil)
	if err != nil {
		t.Fatalf("Authorize after quota: %v", err)
	}
	if d.Allowed {
		t.Fatalf("third use must exhaust the quota")
	}
	found := false
	for _, r := range d.Reasons {
		if strings.Contains(r, "quota exhausted") {
			found = true
		}
	}
	if !found {
		t.Fatalf("deny trail should mention the quota, got %v", d.Reasons)
	}
}

func TestAuthorizeTemporalWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "report.run"})
	role := mustCreateRole(t, e, &Role{Name: "analyst"})
	rpID := mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)

	if _, err := e.CreateTemporalPermission(ctx, &TemporalPermission{
		GrantKind:    GrantKindRolePermission,
		GrantID:      rpID,
		ScheduleType: ScheduleRecurring,
		AllowedDays:  []int{0, 1, 2, 3, 4},
		Windows:      []ClockRange{{Start: "09:00", End: "17:00"}},
	}); err != nil {
		t.Fatalf("CreateTemporalPermission: %v", err)
	}

	// a second schedule on the same grant conflicts
	if _, err := e.CreateTemporalPermission(ctx, &TemporalPermission{
		GrantKind:    GrantKindRolePermission,
		GrantID:      rpID,
		ScheduleType: ScheduleFixed,
	}); !IsConflict(err) {
		t.Fatalf("duplicate schedule should conflict, got %v", err)
	}

	// 2025-06-02 is a Monday
	inside := &RequestContext{Time: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	d, err := e.Authorize(ctx, "u1", "report.run", "", "", inside)
	if err != nil || !d.Allowed {
		t.Fatalf("Monday 10:00 should allow: %+v %v", d, err)
	}

	outside := &RequestContext{Time: time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)}
	d, err = e.Authorize(ctx, "u1", "report.run", "", "", outside)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Saturday must deny")
	}

	ok, reason, err := e.CheckTemporalPermission(ctx, "u1", "report.run", "", "", inside.Time, nil)
	if err != nil || !ok {
		t.Fatalf("CheckTemporalPermission inside window: %v %q %v", ok, reason, err)
	}
	ok, reason, err = e.CheckTemporalPermission(ctx, "u1", "report.run", "", "", outside.Time, nil)
	if err != nil {
		t.Fatalf("CheckTemporalPermission: %v", err)
	}
	if ok || !strings.Contains(reason, "not in allowed days") {
		t.Fatalf("Saturday check should fail with a weekday reason, got %v %q", ok, reason)
	}
}

func TestAuthorizeUnregisteredResource(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	role := mustCreateRole(t, e, &Role{Name: "viewer"})
	mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)

	// an unregistered resource is a note, not an error; the role path
	// still applies
	d, err := e.Authorize(ctx, "u1", "document.read", "document", "ghost", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("unconstrained role grant should allow, reasons %v", d.Reasons)
	}
	found := false
	for _, r := range d.Reasons {
		if strings.Contains(r, "not registered") {
			found = true
		}
	}
	if !found {
		t.Fatalf("trail should note the unregistered resource, got %v", d.Reasons)
	}
}

func TestListEffectivePermissions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	read := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	audit := mustCreatePermission(t, e, &Permission{Name: "audit.view", ResourceType: "audit_log"})
	role := mustCreateRole(t, e, &Role{Name: "viewer"})
	mustGrant(t, e, role, read)
	mustGrant(t, e, role, audit)
	mustAssign(t, e, "u1", role)

	doc := mustRegisterResource(t, e, &Resource{ResourceType: "document", ExternalID: "plan"})
	write := mustCreatePermission(t, e, &Permission{Name: "document.write"})
	if _, err := e.GrantResourcePermission(ctx, &UserResourcePermission{UserID: "u1", ResourceID: doc, PermissionID: write}); err != nil {
		t.Fatalf("GrantResourcePermission: %v", err)
	}

	names, err := e.ListEffectivePermissions(ctx, "u1", "document", "plan")
	if err != nil {
		t.Fatalf("ListEffectivePermissions: %v", err)
	}
	got := make(map[string]bool, len(names))
	for _, n := range names {
		got[n] = true
	}
	if !got["document.read"] || !got["document.write"] {
		t.Fatalf("expected read and write, got %v", names)
	}
	// a permission scoped to another resource type is excluded
	if got["audit.view"] {
		t.Fatalf("audit.view is scoped to audit_log and must not appear, got %v", names)
	}
}

func TestEvaluateConditionsOperation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	conds := []Condition{
		{Kind: CondLocation, Location: &LocationParams{Allowed: []string{"office"}}},
	}
	ok, reasons, err := e.EvaluateConditions(ctx, conds, &RequestContext{Location: "office"}, "", "")
	if err != nil || !ok {
		t.Fatalf("EvaluateConditions: %v %v %v", ok, reasons, err)
	}
	ok, reasons, err = e.EvaluateConditions(ctx, conds, &RequestContext{Location: "home"}, "", "")
	if err != nil {
		t.Fatalf("EvaluateConditions: %v", err)
	}
	if ok || len(reasons) != 1 {
		t.Fatalf("expected one deny reason, got %v %v", ok, reasons)
	}

	// malformed conditions fail closed with the defect as the reason
	broken := []Condition{{Kind: CondLocation}}
	ok, reasons, err = e.EvaluateConditions(ctx, broken, nil, "", "")
	if err != nil {
		t.Fatalf("EvaluateConditions: %v", err)
	}
	if ok || len(reasons) == 0 {
		t.Fatalf("malformed conditions should fail with a reason, got %v %v", ok, reasons)
	}
}

func TestAuthorizeThroughRoleParentChain(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "audit.read"})
	senior := mustCreateRole(t, e, &Role{Name: "senior-auditor"})
	junior := mustCreateRole(t, e, &Role{Name: "junior-auditor"})
	if err := e.AddHierarchyEdge(ctx, senior, junior, InheritFull); err != nil {
		t.Fatalf("AddHierarchyEdge: %v", err)
	}
	mustGrant(t, e, senior, perm)
	mustAssign(t, e, "u1", junior)

	d, err := e.Authorize(ctx, "u1", "audit.read", "", "", nil)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("assignment to the child role should inherit the ancestor's grant, reasons %v", d.Reasons)
	}
	if len(d.SourceGrants) != 1 || d.SourceGrants[0].Role != "senior-auditor" {
		t.Fatalf("the granting ancestor should be named in the source, got %+v", d.SourceGrants)
	}
}

func TestAuthorizeGlobalCondition(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "document.read"})
	role := mustCreateRole(t, e, &Role{Name: "viewer"})
	mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)

	if _, err := e.CreateCondition(ctx, &PermissionCondition{
		Name:          "corp-network-only",
		ConditionType: CategoryLocationBased,
		IsGlobal:      true,
		Conditions:    []Condition{{Kind: CondIPAddress, IPAddress: &IPAddressParams{Allowed: []string{"10.0.0.0/8"}}}},
	}); err != nil {
		t.Fatalf("CreateCondition: %v", err)
	}

	// distinct evaluation instants keep the two decisions out of the
	// same cache bucket
	inside := &RequestContext{IP: "10.1.2.3", Time: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	outside := &RequestContext{IP: "8.8.8.8", Time: time.Date(2025, 6, 2, 10, 1, 0, 0, time.UTC)}

	d, err := e.Authorize(ctx, "u1", "document.read", "", "", inside)
	if err != nil || !d.Allowed {
		t.Fatalf("inside the network should allow: %+v %v", d, err)
	}

	d, err = e.Authorize(ctx, "u1", "document.read", "", "", outside)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("global condition should deny from outside the network")
	}
	if len(d.Reasons) == 0 || !strings.Contains(d.Reasons[0], "global condition corp-network-only") {
		t.Fatalf("deny should name the global condition, got %v", d.Reasons)
	}

	pc, err := e.GetConditionByName(ctx, "corp-network-only")
	if err != nil {
		t.Fatalf("GetConditionByName: %v", err)
	}
	if pc.EvaluationCount != 2 || pc.LastResult {
		t.Fatalf("bookkeeping should record both evaluations ending in a failure, got count=%d last=%v",
			pc.EvaluationCount, pc.LastResult)
	}
}

func TestScheduleEvaluationBookkeeping(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	perm := mustCreatePermission(t, e, &Permission{Name: "report.run"})
	role := mustCreateRole(t, e, &Role{Name: "analyst"})
	rpID := mustGrant(t, e, role, perm)
	mustAssign(t, e, "u1", role)

	tpID, err := e.CreateTemporalPermission(ctx, &TemporalPermission{
		GrantKind:    GrantKindRolePermission,
		GrantID:      rpID,
		ScheduleType: ScheduleRecurring,
		AllowedDays:  []int{0, 1, 2, 3, 4},
		Windows:      []ClockRange{{Start: "09:00", End: "17:00"}},
	})
	if err != nil {
		t.Fatalf("CreateTemporalPermission: %v", err)
	}

	monday := &RequestContext{Time: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	saturday := &RequestContext{Time: time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)}
	if _, err := e.Authorize(ctx, "u1", "report.run", "", "", monday); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if _, err := e.Authorize(ctx, "u1", "report.run", "", "", saturday); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	tp, err := e.temporal.GetTemporalPermission(ctx, tpID)
	if err != nil {
		t.Fatalf("GetTemporalPermission: %v", err)
	}
	if tp.EvaluationCount != 2 {
		t.Fatalf("expected two recorded evaluations, got %d", tp.EvaluationCount)
	}
	if tp.LastResult {
		t.Fatalf("last evaluation was the Saturday deny, last_result should be false")
	}
	if !tp.LastEvaluatedAt.Equal(saturday.Time) {
		t.Fatalf("last_evaluated_at should be the evaluation instant, got %v", tp.LastEvaluatedAt)
	}
}
