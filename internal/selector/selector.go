// Package selector scores healthy agents against task criteria and picks
// the best match. Scoring reads registry snapshots only; the one piece of
// mutable state is the rotation/recency bookkeeping used by the
// load-balanced strategy, guarded by the selector mutex.
package selector

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/metrics"
)

// Strategy names a scoring composition.
type Strategy string

const (
	StrategySkillMatch           Strategy = "skill-match"
	StrategyCostOptimized        Strategy = "cost-optimized"
	StrategySpeedOptimized       Strategy = "speed-optimized"
	StrategyReliabilityOptimized Strategy = "reliability-optimized"
	StrategyLoadBalanced         Strategy = "load-balanced"
	StrategyBalanced             Strategy = "balanced"
)

func validStrategy(s Strategy) bool {
	switch s {
	case StrategySkillMatch, StrategyCostOptimized, StrategySpeedOptimized,
		StrategyReliabilityOptimized, StrategyLoadBalanced, StrategyBalanced:
		return true
	}
	return false
}

// Selection error codes.
const (
	CodeNoCandidates       = "NO_CANDIDATES"
	CodeNoMatchingAgents   = "NO_MATCHING_AGENTS"
	CodeInsufficientAgents = "INSUFFICIENT_AGENTS"
	CodeInvalidStrategy    = "INVALID_STRATEGY"
	CodeInvalidCount       = "INVALID_COUNT"
)

// SelectionError is returned by every selection failure so callers can
// branch on Code without parsing messages.
type SelectionError struct {
	Code    string
	Message string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func selectionErrorf(code, format string, args ...any) *SelectionError {
	return &SelectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Criteria describes what a task needs from an agent. The zero value means
// "any healthy agent, balanced strategy". Constraint fields at their zero
// value are not enforced.
type Criteria struct {
	RequiredSkills   []string      `json:"requiredSkills,omitempty" yaml:"requiredSkills,omitempty"`
	PreferredSkills  []string      `json:"preferredSkills,omitempty" yaml:"preferredSkills,omitempty"`
	Specialties      []string      `json:"specialties,omitempty" yaml:"specialties,omitempty"`
	Languages        []string      `json:"languages,omitempty" yaml:"languages,omitempty"`
	MaxCostPerHour   float64       `json:"maxCostPerHour,omitempty" yaml:"maxCostPerHour,omitempty"`
	MinReliability   float64       `json:"minReliability,omitempty" yaml:"minReliability,omitempty"`
	MinSpeed         float64       `json:"minSpeed,omitempty" yaml:"minSpeed,omitempty"`
	PreferredRuntime agent.Runtime `json:"preferredRuntime,omitempty" yaml:"preferredRuntime,omitempty"`
	Strategy         Strategy      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// Weights tune the balanced strategy. They are applied as given, not
// normalized.
type Weights struct {
	Skill       float64 `json:"skill" yaml:"skill"`
	Cost        float64 `json:"cost" yaml:"cost"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	Load        float64 `json:"load" yaml:"load"`
}

// DefaultWeights match the balanced strategy's documented defaults.
var DefaultWeights = Weights{Skill: 0.4, Cost: 0.2, Reliability: 0.2, Load: 0.2}

// Breakdown carries the per-dimension scores behind a selection so callers
// can explain why an agent won.
type Breakdown struct {
	Skill       float64 `json:"skill"`
	Preferred   float64 `json:"preferred"`
	Cost        float64 `json:"cost"`
	Reliability float64 `json:"reliability"`
	Load        float64 `json:"load"`
	Speed       float64 `json:"speed"`
}

// Selection is one scored candidate.
type Selection struct {
	Agent                *agent.Agent `json:"agent"`
	Score                float64      `json:"score"`
	Breakdown            Breakdown    `json:"breakdown"`
	Strategy             Strategy     `json:"strategy"`
	CandidatesConsidered int          `json:"candidatesConsidered"`
}

// Directory is the slice of the agent registry the selector needs.
type Directory interface {
	Healthy() []*agent.Agent
}

// DefaultRecencyWindow is how long a selection counts as "recent" for the
// load-balanced penalty.
const DefaultRecencyWindow = 30 * time.Second

// Options tune a Selector.
type Options struct {
	Weights       Weights
	RecencyWindow time.Duration
	Logger        *zap.Logger
}

// Selector picks agents from a directory. Safe for concurrent use.
type Selector struct {
	directory Directory
	weights   Weights
	window    time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	rotation int
	recent   map[string]time.Time
	now      func() time.Time
}

// New returns a Selector over directory.
func New(directory Directory, opts Options) *Selector {
	w := opts.Weights
	if w == (Weights{}) {
		w = DefaultWeights
	}
	window := opts.RecencyWindow
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		directory: directory,
		weights:   w,
		window:    window,
		logger:    logger,
		recent:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// SelectAgent returns the best-scored healthy agent for criteria.
func (s *Selector) SelectAgent(criteria Criteria) (*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked, err := s.rank(criteria)
	if err != nil {
		metrics.AgentSelections.WithLabelValues(strategyLabel(criteria.Strategy), "error").Inc()
		return nil, err
	}
	top := ranked[0]
	s.noteSelection(top)
	metrics.AgentSelections.WithLabelValues(string(top.Strategy), "ok").Inc()
	s.logger.Debug("agent selected",
		zap.String("agent_id", top.Agent.ID),
		zap.String("strategy", string(top.Strategy)),
		zap.Float64("score", top.Score),
		zap.Int("candidates", top.CandidatesConsidered),
	)
	return top, nil
}

// SelectMultiple returns the top n agents for criteria. It fails with
// INSUFFICIENT_AGENTS when fewer than n candidates survive the constraint
// filter.
func (s *Selector) SelectMultiple(criteria Criteria, n int) ([]*Selection, error) {
	if n < 1 {
		metrics.AgentSelections.WithLabelValues(strategyLabel(criteria.Strategy), "error").Inc()
		return nil, selectionErrorf(CodeInvalidCount, "requested %d agents", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ranked, err := s.rank(criteria)
	if err != nil {
		metrics.AgentSelections.WithLabelValues(strategyLabel(criteria.Strategy), "error").Inc()
		return nil, err
	}
	if len(ranked) < n {
		metrics.AgentSelections.WithLabelValues(string(ranked[0].Strategy), "error").Inc()
		return nil, selectionErrorf(CodeInsufficientAgents,
			"need %d agents, only %d match", n, len(ranked))
	}
	out := ranked[:n]
	for _, sel := range out {
		s.noteSelection(sel)
	}
	metrics.AgentSelections.WithLabelValues(string(out[0].Strategy), "ok").Inc()
	return out, nil
}

// RankAgents returns every matching candidate in descending score order.
// Ranking is a pure query: it does not touch rotation or recency state.
func (s *Selector) RankAgents(criteria Criteria) ([]*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rank(criteria)
}

// rank scores the filtered candidate set. Caller holds s.mu.
func (s *Selector) rank(criteria Criteria) ([]*Selection, error) {
	strategy := criteria.Strategy
	if strategy == "" {
		strategy = StrategyBalanced
	}
	if !validStrategy(strategy) {
		return nil, selectionErrorf(CodeInvalidStrategy, "unknown strategy %q", strategy)
	}

	candidates := s.directory.Healthy()
	if len(candidates) == 0 {
		return nil, selectionErrorf(CodeNoCandidates, "no healthy agents registered")
	}

	matching := filterCandidates(candidates, criteria)
	if len(matching) == 0 {
		return nil, selectionErrorf(CodeNoMatchingAgents,
			"no agents satisfy the constraints (%d considered)", len(candidates))
	}

	maxSpeed := 0.0
	for _, a := range matching {
		if a.Capabilities.AvgSpeed > maxSpeed {
			maxSpeed = a.Capabilities.AvgSpeed
		}
	}

	cutoff := s.now().Add(-s.window)
	ranked := make([]*Selection, 0, len(matching))
	for i, a := range matching {
		b := Breakdown{
			Skill:       skillRatio(criteria.RequiredSkills, a.Capabilities.Skills, 1),
			Preferred:   skillRatio(criteria.PreferredSkills, a.Capabilities.Skills, 0),
			Cost:        math.Exp(-a.Capabilities.CostPerHour / 10),
			Reliability: a.Capabilities.Reliability,
			Load:        1 - a.CurrentLoad,
		}
		if maxSpeed > 0 {
			b.Speed = a.Capabilities.AvgSpeed / maxSpeed
		}

		var score float64
		switch strategy {
		case StrategySkillMatch:
			score = b.Skill*0.7 + b.Preferred*0.3
			if b.Skill == 1 {
				score = math.Max(score, 0.9+0.1*b.Preferred)
			}
		case StrategyCostOptimized:
			score = b.Cost*0.6 + b.Skill*0.25 + b.Preferred*0.15
		case StrategySpeedOptimized:
			score = b.Speed*0.5 + b.Load*0.25 + b.Skill*0.25
		case StrategyReliabilityOptimized:
			score = b.Reliability*0.7 + b.Skill*0.3
		case StrategyLoadBalanced:
			score = b.Load*0.5 + b.Skill*0.3
			if i == s.rotation%len(matching) {
				score += 0.1
			}
			if at, ok := s.recent[a.ID]; ok && at.After(cutoff) {
				score -= 0.15
			}
		case StrategyBalanced:
			score = (b.Skill*0.7+b.Preferred*0.3)*s.weights.Skill +
				b.Cost*s.weights.Cost +
				b.Reliability*s.weights.Reliability +
				b.Load*s.weights.Load
		}

		ranked = append(ranked, &Selection{
			Agent:                a,
			Score:                clamp01(score),
			Breakdown:            b,
			Strategy:             strategy,
			CandidatesConsidered: len(candidates),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Agent.ID < ranked[j].Agent.ID
	})
	return ranked, nil
}

// noteSelection records recency and advances the rotation cursor. Caller
// holds s.mu.
func (s *Selector) noteSelection(sel *Selection) {
	now := s.now()
	s.recent[sel.Agent.ID] = now
	if sel.Strategy == StrategyLoadBalanced {
		s.rotation++
	}
	// Drop stale entries so the map tracks the active fleet, not history.
	cutoff := now.Add(-s.window)
	for id, at := range s.recent {
		if at.Before(cutoff) {
			delete(s.recent, id)
		}
	}
}

// filterCandidates applies the hard constraints. Any failure removes the
// candidate before scoring.
func filterCandidates(candidates []*agent.Agent, c Criteria) []*agent.Agent {
	out := make([]*agent.Agent, 0, len(candidates))
	for _, a := range candidates {
		if !containsAll(a.Capabilities.Skills, c.RequiredSkills) {
			continue
		}
		if !containsAll(a.Capabilities.Specialties, c.Specialties) {
			continue
		}
		if !containsAll(a.Capabilities.Languages, c.Languages) {
			continue
		}
		if c.MaxCostPerHour > 0 && a.Capabilities.CostPerHour > c.MaxCostPerHour {
			continue
		}
		if c.MinReliability > 0 && a.Capabilities.Reliability < c.MinReliability {
			continue
		}
		if c.MinSpeed > 0 && a.Capabilities.AvgSpeed < c.MinSpeed {
			continue
		}
		if c.PreferredRuntime != "" && a.Runtime != c.PreferredRuntime {
			continue
		}
		out = append(out, a)
	}
	return out
}

// skillRatio is |wanted ∩ have| / |wanted|, or empty when nothing is
// wanted.
func skillRatio(wanted, have []string, empty float64) float64 {
	if len(wanted) == 0 {
		return empty
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	hits := 0
	for _, w := range wanted {
		if _, ok := set[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(wanted))
}

func containsAll(have, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func strategyLabel(s Strategy) string {
	if s == "" {
		return string(StrategyBalanced)
	}
	return string(s)
}
