package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLPermissionStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLPermissionStore(db)
	ctx := context.Background()

	p := &shield.Permission{
		Name:             "document.read",
		Category:         "documents",
		ResourceType:     "document",
		Action:           "read",
		RiskLevel:        shield.RiskLow,
		RequiresApproval: false,
		DependsOn:        []string{"perm-base"},
	}
	p.ID = "perm-1"
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	if err := store.CreatePermission(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetPermissionByName(ctx, "document.read")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != "perm-1" || got.Action != "read" || got.RiskLevel != shield.RiskLow {
		t.Fatalf("unexpected row %+v", got)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "perm-base" {
		t.Fatalf("depends_on lost in round trip: %v", got.DependsOn)
	}

	got.Category = "docs"
	if err := store.UpdatePermission(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := store.GetPermission(ctx, "perm-1")
	if err != nil || again.Category != "docs" {
		t.Fatalf("update not persisted: %+v %v", again, err)
	}

	if err := store.DeletePermission(ctx, "perm-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetPermission(ctx, "perm-1"); !shield.IsNotFound(err) {
		t.Fatalf("soft-deleted row should be invisible, got %v", err)
	}
	if err := store.DeletePermission(ctx, "perm-1"); !shield.IsNotFound(err) {
		t.Fatalf("double delete should be not-found, got %v", err)
	}
}

func TestSQLRoleStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLRoleStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	role := &shield.Role{
		Name:     "editor",
		IsActive: true,
		RoleType: shield.RoleTypeFunctional,
		AutoAssign: []shield.Condition{
			{Kind: shield.CondLocation, Location: &shield.LocationParams{Allowed: []string{"office"}}},
		},
	}
	role.ID = "role-1"
	role.CreatedAt = now
	role.UpdatedAt = now
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}

	got, err := store.GetRoleByName(ctx, "editor")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != "role-1" || len(got.AutoAssign) != 1 || got.AutoAssign[0].Kind != shield.CondLocation {
		t.Fatalf("conditions lost in round trip: %+v", got)
	}

	rp := &shield.RolePermission{
		RoleID:              "role-1",
		PermissionID:        "perm-1",
		IsActive:            true,
		ResourceConstraints: []string{"document:*"},
	}
	rp.ID = "rp-1"
	rp.CreatedAt = now
	rp.UpdatedAt = now
	if err := store.GrantRolePermission(ctx, rp); err != nil {
		t.Fatalf("grant: %v", err)
	}
	grants, err := store.ListRolePermissions(ctx, "role-1")
	if err != nil || len(grants) != 1 {
		t.Fatalf("list grants: %v %v", grants, err)
	}
	if len(grants[0].ResourceConstraints) != 1 || grants[0].ResourceConstraints[0] != "document:*" {
		t.Fatalf("constraints lost: %+v", grants[0])
	}

	ur := &shield.UserRole{
		UserID:         "u1",
		RoleID:         "role-1",
		IsActive:       true,
		ApprovalStatus: shield.ApprovalAutoApproved,
	}
	ur.ID = "ur-1"
	ur.CreatedAt = now
	ur.UpdatedAt = now
	if err := store.AssignUserRole(ctx, ur); err != nil {
		t.Fatalf("assign: %v", err)
	}
	n, err := store.CountActiveRoleUsers(ctx, "role-1")
	if err != nil || n != 1 {
		t.Fatalf("count active users: %d %v", n, err)
	}

	// deleting the role deactivates the assignment
	if err := store.DeleteRole(ctx, "role-1"); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if _, err := store.GetRole(ctx, "role-1"); !shield.IsNotFound(err) {
		t.Fatalf("deleted role should be invisible, got %v", err)
	}
	assignments, err := store.ListUserRoles(ctx, "u1")
	if err != nil {
		t.Fatalf("list user roles: %v", err)
	}
	for _, a := range assignments {
		if a.RoleID == "role-1" && a.IsActive {
			t.Fatalf("assignment should be deactivated with the role")
		}
	}
}

func TestSQLResourceStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLResourceStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	org := &shield.Resource{
		ResourceType:  "org",
		ExternalID:    "acme",
		Name:          "Acme",
		Path:          "/org:acme",
		SecurityLevel: shield.SecurityInternal,
		Attributes:    map[string]any{"tier": "gold"},
		Tags:          []string{"prod"},
		IsActive:      true,
	}
	org.ID = "res-1"
	org.CreatedAt = now
	org.UpdatedAt = now
	if err := store.CreateResource(ctx, org); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	doc := &shield.Resource{
		ResourceType: "document",
		ExternalID:   "plan",
		ParentID:     "res-1",
		Path:         "/org:acme/document:plan",
		IsActive:     true,
	}
	doc.ID = "res-2"
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := store.CreateResource(ctx, doc); err != nil {
		t.Fatalf("create child: %v", err)
	}

	got, err := store.GetResourceByKey(ctx, "org", "acme")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.Attributes["tier"] != "gold" || len(got.Tags) != 1 {
		t.Fatalf("attributes lost in round trip: %+v", got)
	}
	children, err := store.ListChildren(ctx, "res-1")
	if err != nil || len(children) != 1 || children[0].ID != "res-2" {
		t.Fatalf("list children: %v %v", children, err)
	}

	cfg := &shield.ResourcePermission{
		ResourceID:    "res-1",
		PermissionID:  "perm-1",
		IsInheritable: true,
		IsActive:      true,
	}
	cfg.ID = "cfg-1"
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if err := store.UpsertResourcePermission(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// a second upsert for the same pair updates in place
	cfg.IsInheritable = false
	if err := store.UpsertResourcePermission(ctx, cfg); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	stored, err := store.GetResourcePermission(ctx, "res-1", "perm-1")
	if err != nil || stored.IsInheritable {
		t.Fatalf("upsert should update in place: %+v %v", stored, err)
	}

	grant := &shield.UserResourcePermission{
		UserID:       "u1",
		ResourceID:   "res-2",
		PermissionID: "perm-1",
		GrantType:    shield.GrantDirect,
		IsActive:     true,
	}
	grant.ID = "urp-1"
	grant.CreatedAt = now
	grant.UpdatedAt = now
	if err := store.GrantUserResourcePermission(ctx, grant); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := store.RevokeUserResourcePermission(ctx, "u1", "res-2", "perm-1", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	g, err := store.GetUserResourcePermission(ctx, "u1", "res-2", "perm-1")
	if err != nil {
		t.Fatalf("get after revoke: %v", err)
	}
	if g.IsActive {
		t.Fatalf("revoke should deactivate the grant")
	}
	if err := store.RevokeUserResourcePermission(ctx, "u1", "res-2", "perm-1", "admin"); !shield.IsNotFound(err) {
		t.Fatalf("revoking an inactive grant should be not-found, got %v", err)
	}

	// cascade delete deactivates configuration and grants
	if err := store.DeleteResources(ctx, []string{"res-1", "res-2"}); err != nil {
		t.Fatalf("delete resources: %v", err)
	}
	if _, err := store.GetResourceByKey(ctx, "document", "plan"); !shield.IsNotFound(err) {
		t.Fatalf("deleted resource should be invisible, got %v", err)
	}
}

func TestSQLTemporalStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLTemporalStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	tp := &shield.TemporalPermission{
		GrantKind:    shield.GrantKindUserResource,
		GrantID:      "urp-1",
		ScheduleType: shield.ScheduleRecurring,
		TimeZone:     "UTC",
		StartDate:    &start,
		EndDate:      &end,
		Windows:      []shield.ClockRange{{Start: "09:00", End: "17:00"}},
		AllowedDays:  []int{0, 1, 2, 3, 4},
		MaxUses:      5,
		IsActive:     true,
	}
	tp.ID = "tp-1"
	tp.CreatedAt = now
	tp.UpdatedAt = now
	if err := store.CreateTemporalPermission(ctx, tp); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetTemporalForGrant(ctx, shield.GrantKindUserResource, "urp-1")
	if err != nil {
		t.Fatalf("get for grant: %v", err)
	}
	if got == nil || got.ID != "tp-1" {
		t.Fatalf("unexpected row %+v", got)
	}
	if len(got.Windows) != 1 || got.Windows[0].Start != "09:00" {
		t.Fatalf("windows lost in round trip: %+v", got.Windows)
	}
	if len(got.AllowedDays) != 5 || got.MaxUses != 5 {
		t.Fatalf("schedule fields lost: %+v", got)
	}
	if got.StartDate == nil || got.EndDate == nil {
		t.Fatalf("validity dates lost: %+v", got)
	}

	// absent schedules are (nil, nil), not an error
	none, err := store.GetTemporalForGrant(ctx, shield.GrantKindRolePermission, "missing")
	if err != nil || none != nil {
		t.Fatalf("absent schedule: %v %v", none, err)
	}

	for i := 0; i < 3; i++ {
		if err := store.IncrementUses(ctx, "tp-1"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	got, err = store.GetTemporalPermission(ctx, "tp-1")
	if err != nil || got.CurrentUses != 3 {
		t.Fatalf("uses should accumulate: %+v %v", got, err)
	}

	at := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	if err := store.RecordEvaluation(ctx, "tp-1", at, true); err != nil {
		t.Fatalf("record evaluation: %v", err)
	}
	if err := store.RecordEvaluation(ctx, "tp-1", at.Add(time.Hour), false); err != nil {
		t.Fatalf("record evaluation: %v", err)
	}
	got, err = store.GetTemporalPermission(ctx, "tp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EvaluationCount != 2 || got.LastResult {
		t.Fatalf("bookkeeping lost: count=%d last=%v", got.EvaluationCount, got.LastResult)
	}
	if err := store.RecordEvaluation(ctx, "missing", at, true); err == nil {
		t.Fatalf("recording against an absent schedule should fail")
	}
}

func TestSQLConditionStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLConditionStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	pc := &shield.PermissionCondition{
		Name:          "corp-network-only",
		Description:   "requests must originate on the corporate network",
		ConditionType: shield.CategoryLocationBased,
		IsGlobal:      true,
		RiskLevel:     shield.RiskHigh,
		IsActive:      true,
		Conditions: []shield.Condition{{
			Kind:      shield.CondIPAddress,
			IPAddress: &shield.IPAddressParams{Allowed: []string{"10.0.0.0/8"}},
		}},
	}
	pc.ID = "pc-1"
	pc.CreatedAt = now
	pc.UpdatedAt = now
	if err := store.CreateCondition(ctx, pc); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetConditionByName(ctx, "corp-network-only")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != "pc-1" || !got.IsGlobal || got.RiskLevel != shield.RiskHigh {
		t.Fatalf("unexpected row %+v", got)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Kind != shield.CondIPAddress {
		t.Fatalf("conditions lost in round trip: %+v", got.Conditions)
	}

	globals, err := store.ListGlobalConditions(ctx)
	if err != nil || len(globals) != 1 {
		t.Fatalf("global listing: %v %v", globals, err)
	}

	got.IsGlobal = false
	got.UpdatedAt = now.Add(time.Minute)
	if err := store.UpdateCondition(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	globals, err = store.ListGlobalConditions(ctx)
	if err != nil || len(globals) != 0 {
		t.Fatalf("demoted condition should leave the global set: %v %v", globals, err)
	}

	at := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	if err := store.RecordConditionEvaluation(ctx, "pc-1", at, false); err != nil {
		t.Fatalf("record evaluation: %v", err)
	}
	got, err = store.GetCondition(ctx, "pc-1")
	if err != nil || got.EvaluationCount != 1 || got.LastResult {
		t.Fatalf("bookkeeping lost: %+v %v", got, err)
	}

	if err := store.DeleteCondition(ctx, "pc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConditionByName(ctx, "corp-network-only"); !shield.IsNotFound(err) {
		t.Fatalf("deleted condition should be invisible, got %v", err)
	}
	if err := store.DeleteCondition(ctx, "pc-1"); !shield.IsNotFound(err) {
		t.Fatalf("double delete should be not-found, got %v", err)
	}
}
