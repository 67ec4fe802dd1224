package quota

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operator compares an admission field against a rule value. Ordered
// operators apply to numeric fields only; eq and ne also compare strings.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpLt  Operator = "lt"
	OpGte Operator = "gte"
	OpLte Operator = "lte"
)

func validOperator(op Operator) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte:
		return true
	}
	return false
}

// RuleAction decides what a matching rule does: deny the allocation or log
// a warning and let it through.
type RuleAction string

const (
	ActionDeny RuleAction = "deny"
	ActionWarn RuleAction = "warn"
)

// PolicyRule is an org-defined admission condition evaluated against the
// projected allocation before counters are charged. Fields it can inspect:
// agents, concurrent_agents, agents_today, agents_this_week,
// agents_this_month, compute_hours_today, storage_bytes, session_id. A rule
// whose field is absent or not comparable does not match.
type PolicyRule struct {
	ID       string     `json:"id,omitempty" yaml:"id,omitempty"`
	Field    string     `json:"field" yaml:"field"`
	Operator Operator   `json:"operator" yaml:"operator"`
	Value    any        `json:"value" yaml:"value"`
	Action   RuleAction `json:"action" yaml:"action"`
}

func (r PolicyRule) describe() string {
	return fmt.Sprintf("%s %s %v", r.Field, r.Operator, r.Value)
}

// AuditEntry records one administrative change to an organization.
type AuditEntry struct {
	Time   time.Time `json:"time"`
	OrgID  string    `json:"orgId"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// auditRetention bounds how far back the admin audit log reaches.
const auditRetention = 30 * 24 * time.Hour

type org struct {
	ledger   ledger
	parent   string
	children map[string]struct{}
	rules    []PolicyRule
	audit    []AuditEntry
}

// OrgQuotas enforces organization limits. Organizations form a tree: a
// child's allocations charge every ancestor, so a parent limit caps the sum
// of its subtree. Each org can attach custom policy rules checked on
// admission, and administrative changes land in a per-org audit log kept
// for the last 30 days.
type OrgQuotas struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	defaults Limits
	orgs     map[string]*org
}

func NewOrgQuotas(defaults Limits, logger *zap.Logger) *OrgQuotas {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrgQuotas{
		logger:   logger.Named("quota.org"),
		now:      time.Now,
		defaults: defaults,
		orgs:     make(map[string]*org),
	}
}

func (q *OrgQuotas) orgLocked(orgID string) *org {
	o, ok := q.orgs[orgID]
	if !ok {
		o = &org{
			ledger:   ledger{limits: q.defaults},
			children: make(map[string]struct{}),
		}
		q.orgs[orgID] = o
	}
	o.ledger.roll(q.now())
	return o
}

// chainLocked returns orgID followed by its ancestors up to the root.
func (q *OrgQuotas) chainLocked(orgID string) []string {
	chain := []string{orgID}
	for id := q.orgLocked(orgID).parent; id != ""; {
		chain = append(chain, id)
		id = q.orgLocked(id).parent
	}
	return chain
}

func (q *OrgQuotas) auditLocked(orgID, actor, action, detail string) {
	o := q.orgLocked(orgID)
	now := q.now()
	o.audit = append(o.audit, AuditEntry{
		Time:   now,
		OrgID:  orgID,
		Actor:  actor,
		Action: action,
		Detail: detail,
	})
	cutoff := now.Add(-auditRetention)
	for len(o.audit) > 0 && o.audit[0].Time.Before(cutoff) {
		o.audit = o.audit[1:]
	}
}

// SetLimits replaces the limits for one organization.
func (q *OrgQuotas) SetLimits(orgID string, limits Limits, actor string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orgLocked(orgID).ledger.limits = limits
	q.auditLocked(orgID, actor, "set_limits", fmt.Sprintf("concurrent=%d perDay=%d", limits.ConcurrentAgents, limits.AgentsPerDay))
}

// AddChildOrg attaches childID under parentID. A child has exactly one
// parent and the tree stays acyclic.
func (q *OrgQuotas) AddChildOrg(parentID, childID, actor string) error {
	if parentID == childID {
		return fmt.Errorf("quota: org %s cannot parent itself", parentID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	child := q.orgLocked(childID)
	if child.parent != "" {
		return fmt.Errorf("quota: org %s already belongs to %s", childID, child.parent)
	}
	for _, id := range q.chainLocked(parentID) {
		if id == childID {
			return fmt.Errorf("quota: adding %s under %s would create a cycle", childID, parentID)
		}
	}
	parent := q.orgLocked(parentID)
	parent.children[childID] = struct{}{}
	child.parent = parentID
	q.auditLocked(parentID, actor, "add_child_org", childID)
	return nil
}

// ChildOrgs returns the direct children of one organization.
func (q *OrgQuotas) ChildOrgs(orgID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.orgs[orgID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(o.children))
	for id := range o.children {
		out = append(out, id)
	}
	return out
}

// AddPolicyRule attaches a custom admission rule and returns its id.
func (q *OrgQuotas) AddPolicyRule(orgID string, rule PolicyRule, actor string) (string, error) {
	if rule.Field == "" {
		return "", fmt.Errorf("quota: policy rule needs a field")
	}
	if !validOperator(rule.Operator) {
		return "", fmt.Errorf("quota: unknown operator %q", rule.Operator)
	}
	if rule.Action != ActionDeny && rule.Action != ActionWarn {
		return "", fmt.Errorf("quota: unknown rule action %q", rule.Action)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	o := q.orgLocked(orgID)
	o.rules = append(o.rules, rule)
	q.auditLocked(orgID, actor, "add_policy_rule", rule.describe())
	return rule.ID, nil
}

// RemovePolicyRule drops a rule by id.
func (q *OrgQuotas) RemovePolicyRule(orgID, ruleID, actor string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	o := q.orgLocked(orgID)
	for i, r := range o.rules {
		if r.ID == ruleID {
			o.rules = append(o.rules[:i], o.rules[i+1:]...)
			q.auditLocked(orgID, actor, "remove_policy_rule", r.describe())
			return nil
		}
	}
	return fmt.Errorf("quota: org %s has no rule %q", orgID, ruleID)
}

// PolicyRules returns a copy of the org's rules.
func (q *OrgQuotas) PolicyRules(orgID string) []PolicyRule {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.orgs[orgID]
	if !ok {
		return nil
	}
	out := make([]PolicyRule, len(o.rules))
	copy(out, o.rules)
	return out
}

// AuditLog returns the org's admin audit entries from the last 30 days,
// oldest first.
func (q *OrgQuotas) AuditLog(orgID string) []AuditEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.orgs[orgID]
	if !ok {
		return nil
	}
	cutoff := q.now().Add(-auditRetention)
	for len(o.audit) > 0 && o.audit[0].Time.Before(cutoff) {
		o.audit = o.audit[1:]
	}
	out := make([]AuditEntry, len(o.audit))
	copy(out, o.audit)
	return out
}

// admissionDoc projects the allocation onto the fields policy rules can
// inspect. Window counts include the requested agents so rules see the
// state the commit would produce.
func admissionDoc(l *ledger, agents int, sessionID string) map[string]any {
	return map[string]any{
		"agents":              agents,
		"concurrent_agents":   l.concurrent + agents,
		"agents_today":        l.day.count + agents,
		"agents_this_week":    l.week.count + agents,
		"agents_this_month":   l.month.count + agents,
		"compute_hours_today": l.computeHours,
		"storage_bytes":       l.storage,
		"session_id":          sessionID,
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func ruleMatches(r PolicyRule, doc map[string]any) bool {
	fv, ok := doc[r.Field]
	if !ok {
		return false
	}
	af, aok := toFloat(fv)
	bf, bok := toFloat(r.Value)
	switch r.Operator {
	case OpEq, OpNe:
		var eq bool
		if aok && bok {
			eq = af == bf
		} else {
			eq = fmt.Sprint(fv) == fmt.Sprint(r.Value)
		}
		return (r.Operator == OpEq) == eq
	case OpGt, OpLt, OpGte, OpLte:
		if !aok || !bok {
			return false
		}
		switch r.Operator {
		case OpGt:
			return af > bf
		case OpLt:
			return af < bf
		case OpGte:
			return af >= bf
		case OpLte:
			return af <= bf
		}
	}
	return false
}

// checkRulesLocked evaluates the org's rules against the projected
// allocation. Warn rules log and continue; the first deny rule wins.
func (q *OrgQuotas) checkRulesLocked(orgID string, o *org, agents int, sessionID string) *Decision {
	if len(o.rules) == 0 {
		return nil
	}
	doc := admissionDoc(&o.ledger, agents, sessionID)
	for _, r := range o.rules {
		if !ruleMatches(r, doc) {
			continue
		}
		if r.Action == ActionWarn {
			q.logger.Warn("org policy rule matched",
				zap.String("org_id", orgID),
				zap.String("rule", r.describe()))
			continue
		}
		d := Decision{
			Allowed:     false,
			Reason:      fmt.Sprintf("org %s policy denies allocation: %s", orgID, r.describe()),
			Level:       LevelOrg,
			PrincipalID: orgID,
			Dimension:   DimPolicy,
		}
		return &d
	}
	return nil
}

// checkChainLocked verifies counters and rules for the org and every
// ancestor without committing anything.
func (q *OrgQuotas) checkChainLocked(orgID string, agents int, sessionID string) *Decision {
	for _, id := range q.chainLocked(orgID) {
		o := q.orgLocked(id)
		if v := o.ledger.check(agents); v != nil {
			d := deny(LevelOrg, id, v)
			return &d
		}
		if d := q.checkRulesLocked(id, o, agents, sessionID); d != nil {
			return d
		}
	}
	return nil
}

// CanAllocate reports whether the org and its ancestors can absorb agents
// more agents.
func (q *OrgQuotas) CanAllocate(orgID string, agents int, sessionID string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d := q.checkChainLocked(orgID, agents, sessionID); d != nil {
		return *d
	}
	return Decision{Allowed: true, Level: LevelOrg, PrincipalID: orgID}
}

// Allocate checks the whole ancestor chain, then charges every org in it.
func (q *OrgQuotas) Allocate(orgID string, agents int, sessionID string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d := q.checkChainLocked(orgID, agents, sessionID); d != nil {
		return *d
	}
	for _, id := range q.chainLocked(orgID) {
		q.orgLocked(id).ledger.commit(agents)
	}
	return Decision{Allowed: true, Level: LevelOrg, PrincipalID: orgID}
}

func (q *OrgQuotas) unallocate(orgID string, agents int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.chainLocked(orgID) {
		q.orgLocked(id).ledger.uncommit(agents)
	}
}

// Release returns concurrency along the ancestor chain.
func (q *OrgQuotas) Release(orgID string, agents int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.chainLocked(orgID) {
		q.orgLocked(id).ledger.release(agents)
	}
}

func (q *OrgQuotas) RecordComputeHours(orgID string, hours float64) {
	if hours <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.chainLocked(orgID) {
		q.orgLocked(id).ledger.computeHours += hours
	}
}

func (q *OrgQuotas) RecordStorage(orgID string, delta int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.chainLocked(orgID) {
		l := &q.orgLocked(id).ledger
		l.storage += delta
		if l.storage < 0 {
			l.storage = 0
		}
	}
}

func (q *OrgQuotas) Usage(orgID string) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orgLocked(orgID).ledger.usage(LevelOrg, orgID)
}
