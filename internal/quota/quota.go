// Package quota enforces allocation limits for agents across three levels
// of authority. Users are checked first, then their team, then their
// organization; the first denial wins. Counters for calendar windows reset
// lazily on access, so idle principals cost nothing.
package quota

import (
	"fmt"
	"strconv"
	"time"
)

// Level names one authority in the admission chain.
type Level string

const (
	LevelUser   Level = "user"
	LevelTeam   Level = "team"
	LevelOrg    Level = "org"
	LevelPolicy Level = "policy"
)

// Dimension names the limit a decision was made against.
type Dimension string

const (
	DimAgentsPerDay   Dimension = "agents_per_day"
	DimAgentsPerWeek  Dimension = "agents_per_week"
	DimAgentsPerMonth Dimension = "agents_per_month"
	DimComputeHours   Dimension = "compute_hours_per_day"
	DimConcurrent     Dimension = "concurrent_agents"
	DimStorage        Dimension = "storage_bytes"
	DimAdmissionRate  Dimension = "admission_rate"
	DimPolicy         Dimension = "policy"
)

// Limits bounds one principal. Zero or negative values mean unlimited.
type Limits struct {
	AgentsPerDay       int     `json:"agentsPerDay,omitempty" yaml:"agentsPerDay,omitempty"`
	AgentsPerWeek      int     `json:"agentsPerWeek,omitempty" yaml:"agentsPerWeek,omitempty"`
	AgentsPerMonth     int     `json:"agentsPerMonth,omitempty" yaml:"agentsPerMonth,omitempty"`
	ComputeHoursPerDay float64 `json:"computeHoursPerDay,omitempty" yaml:"computeHoursPerDay,omitempty"`
	ConcurrentAgents   int     `json:"concurrentAgents,omitempty" yaml:"concurrentAgents,omitempty"`
	StorageBytes       int64   `json:"storageBytes,omitempty" yaml:"storageBytes,omitempty"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason,omitempty"`
	Level       Level     `json:"level,omitempty"`
	PrincipalID string    `json:"principalId,omitempty"`
	Dimension   Dimension `json:"dimension,omitempty"`
	Limit       float64   `json:"limit,omitempty"`
	Attempted   float64   `json:"attempted,omitempty"`
}

// ViolationError carries a denial through error-returning call sites so
// callers can recover the structured decision with errors.As.
type ViolationError struct {
	Decision Decision
}

func (e *ViolationError) Error() string {
	if e.Decision.Reason != "" {
		return "quota: " + e.Decision.Reason
	}
	return "quota: allocation denied"
}

// Usage is a point-in-time consumption snapshot for one principal.
type Usage struct {
	PrincipalID       string  `json:"principalId"`
	Level             Level   `json:"level"`
	AgentsToday       int     `json:"agentsToday"`
	AgentsThisWeek    int     `json:"agentsThisWeek"`
	AgentsThisMonth   int     `json:"agentsThisMonth"`
	ComputeHoursToday float64 `json:"computeHoursToday"`
	ConcurrentAgents  int     `json:"concurrentAgents"`
	StorageBytes      int64   `json:"storageBytes"`
	Limits            Limits  `json:"limits"`
}

// window is a counter bound to one calendar window, reset lazily when the
// window start moves.
type window struct {
	start time.Time
	count int
}

func (w *window) roll(start time.Time) {
	if !w.start.Equal(start) {
		w.start = start
		w.count = 0
	}
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart truncates to the preceding Monday.
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// violation describes which dimension an allocation would exceed.
type violation struct {
	dimension Dimension
	limit     float64
	attempted float64
}

// ledger tracks one principal's consumption. Callers hold the owning
// registry's lock; ledger itself is not safe for concurrent use.
type ledger struct {
	limits       Limits
	day          window
	week         window
	month        window
	computeDay   time.Time
	computeHours float64
	concurrent   int
	storage      int64
}

// roll resets any counter whose calendar window has moved on.
func (l *ledger) roll(now time.Time) {
	l.day.roll(dayStart(now))
	l.week.roll(weekStart(now))
	l.month.roll(monthStart(now))
	if ds := dayStart(now); !l.computeDay.Equal(ds) {
		l.computeDay = ds
		l.computeHours = 0
	}
}

// check reports the first dimension that starting n more agents would
// exceed. Dimensions are checked in the order they are documented: agent
// windows, compute hours, concurrency, storage.
func (l *ledger) check(agents int) *violation {
	if n := l.limits.AgentsPerDay; n > 0 && l.day.count+agents > n {
		return &violation{DimAgentsPerDay, float64(n), float64(l.day.count + agents)}
	}
	if n := l.limits.AgentsPerWeek; n > 0 && l.week.count+agents > n {
		return &violation{DimAgentsPerWeek, float64(n), float64(l.week.count + agents)}
	}
	if n := l.limits.AgentsPerMonth; n > 0 && l.month.count+agents > n {
		return &violation{DimAgentsPerMonth, float64(n), float64(l.month.count + agents)}
	}
	if h := l.limits.ComputeHoursPerDay; h > 0 && l.computeHours >= h {
		return &violation{DimComputeHours, h, l.computeHours}
	}
	if n := l.limits.ConcurrentAgents; n > 0 && l.concurrent+agents > n {
		return &violation{DimConcurrent, float64(n), float64(l.concurrent + agents)}
	}
	if b := l.limits.StorageBytes; b > 0 && l.storage >= b {
		return &violation{DimStorage, float64(b), float64(l.storage)}
	}
	return nil
}

// commit charges n agents to every window and to the concurrency gauge.
// Window counts are cumulative; Release only returns concurrency.
func (l *ledger) commit(agents int) {
	l.day.count += agents
	l.week.count += agents
	l.month.count += agents
	l.concurrent += agents
}

// uncommit reverses a commit made during a multi-level admission whose
// later level denied. It is not Release: window counters go back too.
func (l *ledger) uncommit(agents int) {
	l.day.count -= agents
	l.week.count -= agents
	l.month.count -= agents
	l.concurrent -= agents
	if l.day.count < 0 {
		l.day.count = 0
	}
	if l.week.count < 0 {
		l.week.count = 0
	}
	if l.month.count < 0 {
		l.month.count = 0
	}
	if l.concurrent < 0 {
		l.concurrent = 0
	}
}

func (l *ledger) release(agents int) {
	l.concurrent -= agents
	if l.concurrent < 0 {
		l.concurrent = 0
	}
}

func (l *ledger) usage(level Level, principalID string) Usage {
	return Usage{
		PrincipalID:       principalID,
		Level:             level,
		AgentsToday:       l.day.count,
		AgentsThisWeek:    l.week.count,
		AgentsThisMonth:   l.month.count,
		ComputeHoursToday: l.computeHours,
		ConcurrentAgents:  l.concurrent,
		StorageBytes:      l.storage,
		Limits:            l.limits,
	}
}

func deny(level Level, principalID string, v *violation) Decision {
	return Decision{
		Allowed:     false,
		Reason:      fmt.Sprintf("%s %s over %s: attempted %s, limit %s", level, principalID, v.dimension, fnum(v.attempted), fnum(v.limit)),
		Level:       level,
		PrincipalID: principalID,
		Dimension:   v.dimension,
		Limit:       v.limit,
		Attempted:   v.attempted,
	}
}

// fnum prints whole numbers without a trailing ".0".
func fnum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
