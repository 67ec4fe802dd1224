package quota

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// policyQuery is the rego document admission decisions are read from.
// Rule files declare `package godel.quota` and produce a `decision`
// object, or a bare `decision` boolean.
const policyQuery = "data.godel.quota.decision"

// PolicyOptions configures the optional rego admission hook.
type PolicyOptions struct {
	Enabled bool
	// Path is a directory walked for .rego files.
	Path string
	// FailClosed denies admissions when rules cannot be loaded or
	// evaluated. The default is to let the counter checks decide alone.
	FailClosed bool
	// CacheTTL bounds how long a cached decision is served. Zero picks
	// 30 seconds.
	CacheTTL time.Duration
}

// PolicyInput is the document handed to the rego rules.
type PolicyInput struct {
	UserID    string    `json:"user_id"`
	TeamID    string    `json:"team_id,omitempty"`
	OrgID     string    `json:"org_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Agents    int       `json:"agents"`
	Timestamp time.Time `json:"timestamp"`
}

// Policy evaluates organization-supplied rego rules before the counter
// checks. Decisions are cached briefly keyed on principal and agent count,
// so repeated admissions for the same principal skip evaluation.
type Policy struct {
	logger   *zap.Logger
	opts     PolicyOptions
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *policyCache
}

// NewPolicy loads and compiles rules from opts.Path. With FailClosed unset
// a load failure logs and disables the hook; set, it is returned.
func NewPolicy(opts PolicyOptions, logger *zap.Logger) (*Policy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{
		logger:  logger.Named("quota.policy"),
		opts:    opts,
		enabled: opts.Enabled,
		cache:   newPolicyCache(1000, opts.CacheTTL),
	}
	if p.enabled {
		if err := p.LoadRules(); err != nil {
			if opts.FailClosed {
				return nil, fmt.Errorf("quota: loading policy rules in fail-closed mode: %w", err)
			}
			p.logger.Warn("policy rules unavailable, hook disabled", zap.Error(err))
			p.enabled = false
		}
	}
	return p, nil
}

// LoadRules walks the rule directory and compiles every .rego file into
// one prepared query.
func (p *Policy) LoadRules() error {
	if !p.opts.Enabled {
		return nil
	}
	modules := make(map[string]string)
	err := filepath.Walk(p.opts.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading rule file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(p.opts.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking rule directory: %w", err)
	}
	if len(modules) == 0 {
		if p.opts.FailClosed {
			return fmt.Errorf("no rule files under %s", p.opts.Path)
		}
		p.logger.Warn("no rule files found", zap.String("path", p.opts.Path))
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(policyQuery)}
	for name, content := range modules {
		regoOptions = append(regoOptions, rego.Module(name, content))
	}
	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compiling rules: %w", err)
	}
	p.compiled = &compiled
	p.cache.Purge()
	p.logger.Info("policy rules loaded",
		zap.Int("rule_files", len(modules)),
		zap.String("query", policyQuery))
	return nil
}

// Enabled reports whether the hook has compiled rules to consult.
func (p *Policy) Enabled() bool {
	return p != nil && p.enabled && p.compiled != nil
}

// Evaluate runs the compiled rules against input. Evaluation trouble
// resolves per FailClosed.
func (p *Policy) Evaluate(ctx context.Context, input PolicyInput) Decision {
	if !p.Enabled() {
		return p.fallback("policy rules not loaded")
	}
	if d, ok := p.cache.Get(input); ok {
		return d
	}
	doc, err := policyInputDoc(input)
	if err != nil {
		p.logger.Error("policy input conversion failed", zap.Error(err))
		return p.fallback("policy input conversion failed")
	}
	results, err := p.compiled.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		p.logger.Error("policy evaluation failed", zap.Error(err))
		return p.fallback("policy evaluation failed")
	}
	d := p.parse(results, input)
	p.cache.Set(input, d)
	return d
}

// fallback is the decision used when rules cannot answer.
func (p *Policy) fallback(reason string) Decision {
	d := Decision{
		Allowed:   !p.opts.FailClosed,
		Level:     LevelPolicy,
		Dimension: DimPolicy,
	}
	if !d.Allowed {
		d.Reason = reason + " (fail-closed)"
	}
	return d
}

func (p *Policy) parse(results rego.ResultSet, input PolicyInput) Decision {
	d := Decision{
		Allowed:     false,
		Reason:      "no matching policy rules",
		Level:       LevelPolicy,
		PrincipalID: input.UserID,
		Dimension:   DimPolicy,
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Rules compiled but produced no decision document. Treat like
		// an unavailable engine rather than a deliberate deny.
		return p.fallback("rules produced no decision")
	}
	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			d.Allowed = allow
		}
		if reason, ok := value["reason"].(string); ok {
			d.Reason = reason
		} else if d.Allowed {
			d.Reason = ""
		}
	case bool:
		d.Allowed = value
		if value {
			d.Reason = ""
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}

func policyInputDoc(input PolicyInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// policyCache is a small LRU with TTL. Keys skip the session id so a
// session churn does not defeat caching.

type policyCache struct {
	cap int
	ttl time.Duration

	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type policyCacheEntry struct {
	key       string
	expiresAt time.Time
	decision  Decision
}

func newPolicyCache(cap int, ttl time.Duration) *policyCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &policyCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func policyCacheKey(input PolicyInput) string {
	return fmt.Sprintf("%s|%s|%s|%d", input.UserID, input.TeamID, input.OrgID, input.Agents)
}

func (c *policyCache) Get(input PolicyInput) (Decision, bool) {
	key := policyCacheKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		entry := el.Value.(policyCacheEntry)
		if entry.expiresAt.After(now) {
			c.list.MoveToFront(el)
			return entry.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	return Decision{}, false
}

func (c *policyCache) Set(input PolicyInput, d Decision) {
	key := policyCacheKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = policyCacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(policyCacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			entry := lru.Value.(policyCacheEntry)
			delete(c.m, entry.key)
			c.list.Remove(lru)
		}
	}
}

func (c *policyCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}
