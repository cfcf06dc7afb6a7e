package shield

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/shield/logger"
	"github.com/oarkflow/shield/utils"
)

// Engine answers "may principal P perform permission X on resource R at
// time T given context C". It is stateless per request: all mutable
// state lives in the stores and the cache, so evaluations may run fully
// in parallel.
type Engine struct {
	permissions PermissionStore
	roles       RoleStore
	resources   ResourceStore
	temporal    TemporalStore
	namedConds  ConditionStore

	cache      Cache
	conditions *ConditionEvaluator
	schedule   *TemporalEvaluator
	logger     logger.Logger
	now        func() time.Time

	positiveTTL  time.Duration
	negativeTTL  time.Duration
	hierarchyTTL time.Duration
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

// WithLogger installs a structured logger; the default is the phuslu
// implementation.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithCache installs a cache backend; the default is an in-process
// MemoryCache.
func WithCache(c Cache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithConditionStore installs persistence for named condition sets;
// the default is an in-memory store.
func WithConditionStore(s ConditionStore) EngineOption {
	return func(e *Engine) error {
		if s == nil {
			return &MisconfigurationError{Reason: "nil condition store"}
		}
		e.namedConds = s
		return nil
	}
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// WithDecisionTTL sets the cache lifetimes for allow and deny decisions.
// Allows default shorter than denies: a stale allow is the expensive
// failure.
func WithDecisionTTL(positive, negative time.Duration) EngineOption {
	return func(e *Engine) error {
		if positive > 0 {
			e.positiveTTL = positive
		}
		if negative > 0 {
			e.negativeTTL = negative
		}
		return nil
	}
}

// WithHierarchyTTL sets the cache lifetime for hierarchy and
// permission-set lookups.
func WithHierarchyTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.hierarchyTTL = ttl
		}
		return nil
	}
}

func NewEngine(permissions PermissionStore, roles RoleStore, resources ResourceStore, temporal TemporalStore, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		permissions:  permissions,
		roles:        roles,
		resources:    resources,
		temporal:     temporal,
		namedConds:   NewMemoryConditionStore(),
		cache:        NewMemoryCache(),
		logger:       logger.NewPhusluLogger(),
		now:          time.Now,
		positiveTTL:  60 * time.Second,
		negativeTTL:  300 * time.Second,
		hierarchyTTL: 300 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.conditions = NewConditionEvaluator(e.now)
	e.schedule = NewTemporalEvaluator(e.conditions)
	return e, nil
}

func newID() string { return uuid.NewString() }

// candidateGrant is one possible path to the requested permission,
// carrying everything the gates need.
type candidateGrant struct {
	ref        GrantRef
	grantKind  GrantKind
	grantID    string
	conditions [][]Condition // grant-level first, then configuration-level
	resource   *Resource
	hasQuota   bool
}

func (c *candidateGrant) label() string {
	switch c.ref.Source {
	case SourceRole:
		return fmt.Sprintf("role %s", c.ref.Role)
	case SourceInherited:
		return fmt.Sprintf("inherited grant via %s", c.ref.Path)
	default:
		return fmt.Sprintf("direct grant on %s", c.ref.Path)
	}
}

// Authorize makes an access decision. It returns an error only for
// malformed requests (unknown permission name) or store failures;
// evaluation defects in stored grants become deny reasons, never errors.
func (e *Engine) Authorize(ctx context.Context, userID, permissionName, resourceType, resourceID string, rctx *RequestContext) (*Decision, error) {
	at := e.now()
	if rctx != nil && !rctx.Time.IsZero() {
		at = rctx.Time
	}
	perm, err := e.permissions.GetPermissionByName(ctx, permissionName)
	if err != nil {
		return nil, err
	}

	key := decisionKey(userID, permissionName, resourceType, resourceID, at)
	cached := &Decision{}
	if e.cache.Get(ctx, key, cached) {
		cached.Cached = true
		return cached, nil
	}

	decision := &Decision{
		Principal:  userID,
		Permission: permissionName,
		Timestamp:  at,
	}
	if resourceType != "" {
		decision.Resource = resourceType + ":" + resourceID
	}

	if ok, reasons := e.globalConditionGate(ctx, rctx); !ok {
		decision.Reasons = append(decision.Reasons, reasons...)
		e.finishDecision(ctx, key, decision)
		return decision, nil
	}

	candidates, collectReasons, err := e.resolveCandidates(ctx, userID, perm, resourceType, resourceID, at)
	if err != nil {
		return nil, err
	}
	decision.Reasons = append(decision.Reasons, collectReasons...)

	if len(candidates) == 0 {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("no grant found for permission %q", permissionName))
		e.finishDecision(ctx, key, decision)
		return decision, nil
	}

	for i := range candidates {
		cand := &candidates[i]
		ok, reason := e.gateCandidate(ctx, cand, at, rctx)
		if !ok {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s: %s", cand.label(), reason))
			continue
		}
		decision.Allowed = true
		decision.SourceGrants = append(decision.SourceGrants, cand.ref)
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s: %s", cand.label(), reason))
		if cand.hasQuota {
			e.consumeQuota(ctx, cand.grantKind, cand.grantID)
		}
		break
	}

	// quota-limited allows are never cached: every use must count
	if !decision.Allowed || !hasQuotaGrant(decision, candidates) {
		e.finishDecision(ctx, key, decision)
	} else {
		e.auditDecision(decision)
	}
	return decision, nil
}

func hasQuotaGrant(d *Decision, candidates []candidateGrant) bool {
	if len(d.SourceGrants) == 0 {
		return false
	}
	winner := d.SourceGrants[0]
	for _, c := range candidates {
		if c.ref == winner {
			return c.hasQuota
		}
	}
	return false
}

func (e *Engine) finishDecision(ctx context.Context, key string, d *Decision) {
	ttl := e.negativeTTL
	if d.Allowed {
		ttl = e.positiveTTL
	}
	e.cache.Set(ctx, key, d, ttl)
	e.auditDecision(d)
}

func (e *Engine) auditDecision(d *Decision) {
	reason := ""
	if len(d.Reasons) > 0 {
		reason = d.Reasons[len(d.Reasons)-1]
	}
	source := ""
	if len(d.SourceGrants) > 0 {
		source = string(d.SourceGrants[0].Source)
	}
	e.logger.Info("authorization decision",
		"principal", d.Principal,
		"permission", d.Permission,
		"resource", d.Resource,
		"allowed", d.Allowed,
		"source", source,
		"reason", reason,
	)
}

// gateCandidate runs the temporal and conditional gates for one grant.
func (e *Engine) gateCandidate(ctx context.Context, cand *candidateGrant, at time.Time, rctx *RequestContext) (bool, string) {
	tp, err := e.temporal.GetTemporalForGrant(ctx, cand.grantKind, cand.grantID)
	if err != nil {
		e.logger.Error("temporal lookup failed", "grant", cand.grantID, "error", err.Error())
		return false, "misconfigured grant: schedule unavailable"
	}
	if tp != nil {
		cand.hasQuota = tp.MaxUses > 0
		ok, reason := e.schedule.IsInForce(tp, at, rctx)
		e.recordScheduleEvaluation(ctx, tp.ID, at, ok)
		if !ok {
			return false, reason
		}
	}
	for _, conds := range cand.conditions {
		ok, reasons := e.conditions.Evaluate(conds, rctx, cand.resource)
		if !ok {
			if len(reasons) == 0 {
				return false, "conditions not met"
			}
			return false, reasons[0]
		}
	}
	return true, "grant valid"
}

func (e *Engine) consumeQuota(ctx context.Context, kind GrantKind, grantID string) {
	tp, err := e.temporal.GetTemporalForGrant(ctx, kind, grantID)
	if err != nil || tp == nil {
		return
	}
	if err := e.temporal.IncrementUses(ctx, tp.ID); err != nil {
		e.logger.Error("quota increment failed", "schedule", tp.ID, "error", err.Error())
	}
}

// resolveCandidates gathers every possible path to the permission in
// precedence order: direct grants, resource-inherited grants, then
// role-based grants.
func (e *Engine) resolveCandidates(ctx context.Context, userID string, perm *Permission, resourceType, resourceID string, at time.Time) ([]candidateGrant, []string, error) {
	var candidates []candidateGrant
	var notes []string

	var res *Resource
	if resourceType != "" {
		var err error
		res, err = e.resources.GetResourceByKey(ctx, resourceType, resourceID)
		if err != nil {
			if !IsNotFound(err) {
				return nil, nil, err
			}
			notes = append(notes, fmt.Sprintf("resource %s:%s not registered", resourceType, resourceID))
		} else if res.Deleted || !res.IsActive {
			notes = append(notes, fmt.Sprintf("resource %s is inactive", res.Key()))
			res = nil
		}
	}

	if res != nil {
		direct, inherited, err := e.resourceCandidates(ctx, userID, perm, res, at)
		if err != nil {
			return nil, nil, err
		}
		candidates = append(candidates, direct...)
		candidates = append(candidates, inherited...)
	}

	roleCands, err := e.roleCandidates(ctx, userID, perm, resourceType, resourceID, res, at)
	if err != nil {
		return nil, nil, err
	}
	candidates = append(candidates, roleCands...)
	return candidates, notes, nil
}

// resourceCandidates collects direct grants on the resource and valid
// inheritable grants from its ancestor chain.
func (e *Engine) resourceCandidates(ctx context.Context, userID string, perm *Permission, res *Resource, at time.Time) (direct, inherited []candidateGrant, err error) {
	appendGrant := func(r *Resource, g *UserResourcePermission, source GrantSource) error {
		layers := [][]Condition{g.Conditions}
		cfg, cfgErr := e.resources.GetResourcePermission(ctx, r.ID, perm.ID)
		if cfgErr != nil && !IsNotFound(cfgErr) {
			return cfgErr
		}
		if cfg != nil && len(cfg.Conditions) > 0 {
			layers = append(layers, cfg.Conditions)
		}
		cand := candidateGrant{
			ref:        GrantRef{Source: source, GrantID: g.ID, Path: r.Path},
			grantKind:  GrantKindUserResource,
			grantID:    g.ID,
			conditions: layers,
			resource:   res,
		}
		if source == SourceDirect {
			direct = append(direct, cand)
		} else {
			inherited = append(inherited, cand)
		}
		return nil
	}

	grants, err := e.resources.ListUserResourcePermissions(ctx, userID, res.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, g := range grants {
		if g.PermissionID == perm.ID && g.IsValid(at) {
			if err := appendGrant(res, g, SourceDirect); err != nil {
				return nil, nil, err
			}
		}
	}

	ancestors, err := e.ancestorChain(ctx, res)
	if err != nil {
		return nil, nil, err
	}
	// walk nearest ancestor first so closer grants take precedence
	for i := len(ancestors) - 1; i >= 0; i-- {
		anc := ancestors[i]
		cfg, err := e.resources.GetResourcePermission(ctx, anc.ID, perm.ID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, nil, err
		}
		if cfg == nil || !cfg.IsInheritable || !cfg.IsActive || cfg.Deleted {
			continue
		}
		grants, err := e.resources.ListUserResourcePermissions(ctx, userID, anc.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, g := range grants {
			if g.PermissionID == perm.ID && g.IsValid(at) {
				if err := appendGrant(anc, g, SourceInherited); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return direct, inherited, nil
}

// roleCandidates expands every valid user-role assignment through the
// role parent chain, scoped by any resource constraints on the grant.
func (e *Engine) roleCandidates(ctx context.Context, userID string, perm *Permission, resourceType, resourceID string, res *Resource, at time.Time) ([]candidateGrant, error) {
	assignments, err := e.roles.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	resourceKey := ""
	if resourceType != "" {
		resourceKey = resourceType + ":" + resourceID
	}
	var out []candidateGrant
	for _, ur := range assignments {
		if !ur.IsValid(at) {
			continue
		}
		visited := make(map[string]bool)
		roleID := ur.RoleID
		for roleID != "" {
			if visited[roleID] {
				break // cycle; traversal-level callers surface StructuralError
			}
			visited[roleID] = true
			role, err := e.roles.GetRole(ctx, roleID)
			if err != nil {
				if IsNotFound(err) {
					break
				}
				return nil, err
			}
			if !role.IsActive || role.Deleted {
				break
			}
			grants, err := e.roles.ListRolePermissions(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			for _, rp := range grants {
				if rp.PermissionID != perm.ID || !rp.IsActive || rp.Deleted || !rp.InWindow(at) {
					continue
				}
				if len(rp.ResourceConstraints) > 0 {
					if resourceKey == "" || !utils.MatchAny(resourceKey, rp.ResourceConstraints) {
						continue
					}
				}
				out = append(out, candidateGrant{
					ref:        GrantRef{Source: SourceRole, GrantID: rp.ID, Role: role.Name},
					grantKind:  GrantKindRolePermission,
					grantID:    rp.ID,
					conditions: [][]Condition{rp.Conditions},
					resource:   res,
				})
			}
			roleID = role.ParentRole
		}
	}
	return out, nil
}

// CheckTemporalPermission reports whether any grant path to the
// permission is in force at the given time, with a reason either way.
func (e *Engine) CheckTemporalPermission(ctx context.Context, userID, permissionName, resourceType, resourceID string, at time.Time, rctx *RequestContext) (bool, string, error) {
	if at.IsZero() {
		at = e.now()
	}
	perm, err := e.permissions.GetPermissionByName(ctx, permissionName)
	if err != nil {
		return false, "", err
	}
	candidates, _, err := e.resolveCandidates(ctx, userID, perm, resourceType, resourceID, at)
	if err != nil {
		return false, "", err
	}
	if len(candidates) == 0 {
		return false, fmt.Sprintf("no grant found for permission %q", permissionName), nil
	}
	lastReason := ""
	for _, cand := range candidates {
		tp, err := e.temporal.GetTemporalForGrant(ctx, cand.grantKind, cand.grantID)
		if err != nil {
			lastReason = "misconfigured grant: schedule unavailable"
			continue
		}
		if tp == nil {
			return true, fmt.Sprintf("%s has no temporal restriction", cand.label()), nil
		}
		ok, reason := e.schedule.IsInForce(tp, at, rctx)
		e.recordScheduleEvaluation(ctx, tp.ID, at, ok)
		if ok {
			return true, fmt.Sprintf("%s: %s", cand.label(), reason), nil
		}
		lastReason = fmt.Sprintf("%s: %s", cand.label(), reason)
	}
	return false, lastReason, nil
}

// CreateTemporalPermission attaches a schedule to a grant after
// validating it. The grant must exist and carry at most one schedule.
func (e *Engine) CreateTemporalPermission(ctx context.Context, tp *TemporalPermission) (string, error) {
	if err := tp.Validate(); err != nil {
		return "", err
	}
	existing, err := e.temporal.GetTemporalForGrant(ctx, tp.GrantKind, tp.GrantID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", conflictErr("temporal permission", tp.GrantID)
	}
	if tp.ID == "" {
		tp.ID = newID()
	}
	tp.IsActive = true
	tp.CreatedAt = e.now()
	tp.UpdatedAt = tp.CreatedAt
	if err := e.temporal.CreateTemporalPermission(ctx, tp); err != nil {
		return "", err
	}
	e.cache.DeletePattern(ctx, "decision:*")
	return tp.ID, nil
}

// EvaluateConditions exposes the conditional evaluator for callers that
// manage their own grants.
func (e *Engine) EvaluateConditions(ctx context.Context, conds []Condition, rctx *RequestContext, resourceType, resourceID string) (bool, []string, error) {
	if err := ValidateConditions(conds); err != nil {
		return false, []string{err.Error()}, nil
	}
	var res *Resource
	if resourceType != "" {
		var err error
		res, err = e.resources.GetResourceByKey(ctx, resourceType, resourceID)
		if err != nil && !IsNotFound(err) {
			return false, nil, err
		}
	}
	ok, reasons := e.conditions.Evaluate(conds, rctx, res)
	return ok, reasons, nil
}

// CreateCondition registers a reusable named condition set and returns
// its id. Global conditions gate every subsequent Authorize call.
func (e *Engine) CreateCondition(ctx context.Context, pc *PermissionCondition) (string, error) {
	if pc == nil || pc.Name == "" {
		return "", validationErr("name", "required")
	}
	if !permissionNameRe.MatchString(pc.Name) {
		return "", validationErr("name", "%q must match %s", pc.Name, permissionNameRe.String())
	}
	if !conditionCategories[pc.ConditionType] {
		return "", validationErr("condition_type", "unknown category %q", pc.ConditionType)
	}
	if len(pc.Conditions) == 0 {
		return "", validationErr("conditions", "at least one condition is required")
	}
	if err := ValidateConditions(pc.Conditions); err != nil {
		return "", err
	}
	switch pc.RiskLevel {
	case "", RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return "", validationErr("risk_level", "unknown level %q", pc.RiskLevel)
	}
	if existing, err := e.namedConds.GetConditionByName(ctx, pc.Name); err == nil && existing != nil {
		return "", conflictErr("condition", pc.Name)
	} else if err != nil && !IsNotFound(err) {
		return "", err
	}
	if pc.ID == "" {
		pc.ID = newID()
	}
	pc.IsActive = true
	pc.CreatedAt = e.now()
	pc.UpdatedAt = pc.CreatedAt
	if err := e.namedConds.CreateCondition(ctx, pc); err != nil {
		return "", err
	}
	e.logger.Info("condition created", "id", pc.ID, "name", pc.Name, "global", pc.IsGlobal)
	return pc.ID, nil
}

// GetConditionByName resolves a named condition set.
func (e *Engine) GetConditionByName(ctx context.Context, name string) (*PermissionCondition, error) {
	return e.namedConds.GetConditionByName(ctx, name)
}

// EvaluateCondition evaluates a named condition set against a request
// context and records the outcome on the condition's bookkeeping fields.
func (e *Engine) EvaluateCondition(ctx context.Context, name string, rctx *RequestContext, resourceType, resourceID string) (bool, []string, error) {
	pc, err := e.namedConds.GetConditionByName(ctx, name)
	if err != nil {
		return false, nil, err
	}
	ok, reasons, err := e.EvaluateConditions(ctx, pc.Conditions, rctx, resourceType, resourceID)
	if err != nil {
		return false, nil, err
	}
	if rerr := e.namedConds.RecordConditionEvaluation(ctx, pc.ID, e.now(), ok); rerr != nil {
		e.logger.Error("condition bookkeeping failed", "condition", pc.ID, "error", rerr.Error())
	}
	return ok, reasons, nil
}

// globalConditionGate evaluates every active global named condition.
// Global conditions see the request context only, never a resource.
// A failing store never blocks the decision; it is logged and skipped.
func (e *Engine) globalConditionGate(ctx context.Context, rctx *RequestContext) (bool, []string) {
	globals, err := e.namedConds.ListGlobalConditions(ctx)
	if err != nil {
		e.logger.Error("global condition lookup failed", "error", err.Error())
		return true, nil
	}
	for _, pc := range globals {
		if !pc.IsActive {
			continue
		}
		ok, reasons := e.conditions.Evaluate(pc.Conditions, rctx, nil)
		if rerr := e.namedConds.RecordConditionEvaluation(ctx, pc.ID, e.now(), ok); rerr != nil {
			e.logger.Error("condition bookkeeping failed", "condition", pc.ID, "error", rerr.Error())
		}
		if !ok {
			out := make([]string, 0, len(reasons))
			for _, r := range reasons {
				out = append(out, fmt.Sprintf("global condition %s: %s", pc.Name, r))
			}
			if len(out) == 0 {
				out = append(out, fmt.Sprintf("global condition %s not met", pc.Name))
			}
			return false, out
		}
	}
	return true, nil
}

func (e *Engine) recordScheduleEvaluation(ctx context.Context, id string, at time.Time, result bool) {
	if err := e.temporal.RecordEvaluation(ctx, id, at, result); err != nil {
		e.logger.Error("schedule bookkeeping failed", "schedule", id, "error", err.Error())
	}
}

// ListEffectivePermissions returns the distinct permission names a user
// holds on a resource through any source.
func (e *Engine) ListEffectivePermissions(ctx context.Context, userID, resourceType, resourceID string) ([]string, error) {
	at := e.now()
	names := make(map[string]bool)

	views, err := e.GetInheritedPermissions(ctx, userID, resourceType, resourceID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	for _, v := range views {
		names[v.PermissionName] = true
	}

	assignments, err := e.roles.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, ur := range assignments {
		if !ur.IsValid(at) {
			continue
		}
		perms, err := e.GetEffectivePermissions(ctx, ur.RoleID)
		if err != nil {
			if IsStructural(err) || IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, p := range perms {
			if p.ResourceType == "" || p.ResourceType == resourceType {
				names[p.Name] = true
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	return out, nil
}

// invalidation helpers; these run synchronously inside every mutating
// call, before it returns.

func (e *Engine) invalidateUser(ctx context.Context, userID string) {
	e.cache.DeletePattern(ctx, "decision:"+userID+":*")
}

func (e *Engine) invalidateRole(ctx context.Context, roleID string) {
	e.cache.DeletePattern(ctx, rolePermsKey(roleID)+"*")
	e.cache.DeletePattern(ctx, "decision:*")
}

func (e *Engine) invalidateResource(ctx context.Context, resourceID string) {
	e.cache.DeletePattern(ctx, hierarchyKey(resourceID)+"*")
	e.cache.DeletePattern(ctx, "decision:*")
}
