package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role grades a team member's authority. Admin operations (project
// allocations, quota transfers) require RoleAdmin.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

func validRole(r Role) bool {
	return r == RoleAdmin || r == RoleMember || r == RoleViewer
}

// ErrNotAuthorized rejects admin operations from principals without the
// required role.
var ErrNotAuthorized = errors.New("quota: not authorized")

// TransferStatus tracks a quota transfer through its approval flow.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferApproved TransferStatus = "approved"
	TransferRejected TransferStatus = "rejected"
)

// Transfer moves concurrent-agent capacity between two teams once an admin
// of the donating team approves it.
type Transfer struct {
	ID          string         `json:"id"`
	FromTeam    string         `json:"fromTeam"`
	ToTeam      string         `json:"toTeam"`
	Agents      int            `json:"agents"`
	Requester   string         `json:"requester"`
	Approver    string         `json:"approver,omitempty"`
	Status      TransferStatus `json:"status"`
	RequestedAt time.Time      `json:"requestedAt"`
	ResolvedAt  time.Time      `json:"resolvedAt,omitempty"`
}

type team struct {
	ledger   ledger
	members  map[string]Role
	projects map[string]int
}

// TeamQuotas enforces per-team limits and manages the team-scoped admin
// surface: members, project allocations and quota transfers.
type TeamQuotas struct {
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	defaults  Limits
	teams     map[string]*team
	transfers map[string]*Transfer
}

func NewTeamQuotas(defaults Limits, logger *zap.Logger) *TeamQuotas {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeamQuotas{
		logger:    logger.Named("quota.team"),
		now:       time.Now,
		defaults:  defaults,
		teams:     make(map[string]*team),
		transfers: make(map[string]*Transfer),
	}
}

func (q *TeamQuotas) teamLocked(teamID string) *team {
	t, ok := q.teams[teamID]
	if !ok {
		t = &team{
			ledger:   ledger{limits: q.defaults},
			members:  make(map[string]Role),
			projects: make(map[string]int),
		}
		q.teams[teamID] = t
	}
	t.ledger.roll(q.now())
	return t
}

// SetLimits replaces the limits for one team.
func (q *TeamQuotas) SetLimits(teamID string, limits Limits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.teamLocked(teamID).ledger.limits = limits
}

// SetMember adds or re-grades a team member.
func (q *TeamQuotas) SetMember(teamID, userID string, role Role) error {
	if !validRole(role) {
		return fmt.Errorf("quota: unknown role %q", role)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.teamLocked(teamID).members[userID] = role
	return nil
}

// RemoveMember drops a member; unknown members are a no-op.
func (q *TeamQuotas) RemoveMember(teamID, userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.teamLocked(teamID).members, userID)
}

// MemberRole returns a member's role within the team.
func (q *TeamQuotas) MemberRole(teamID, userID string) (Role, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.teams[teamID]
	if !ok {
		return "", false
	}
	role, ok := t.members[userID]
	return role, ok
}

// CanAllocate reports whether the team may absorb agents more agents.
func (q *TeamQuotas) CanAllocate(teamID string, agents int, sessionID string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v := q.teamLocked(teamID).ledger.check(agents); v != nil {
		return deny(LevelTeam, teamID, v)
	}
	return Decision{Allowed: true, Level: LevelTeam, PrincipalID: teamID}
}

// Allocate checks and commits in one step.
func (q *TeamQuotas) Allocate(teamID string, agents int, sessionID string) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.teamLocked(teamID)
	if v := t.ledger.check(agents); v != nil {
		return deny(LevelTeam, teamID, v)
	}
	t.ledger.commit(agents)
	return Decision{Allowed: true, Level: LevelTeam, PrincipalID: teamID}
}

func (q *TeamQuotas) unallocate(teamID string, agents int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.teamLocked(teamID).ledger.uncommit(agents)
}

func (q *TeamQuotas) Release(teamID string, agents int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.teamLocked(teamID).ledger.release(agents)
}

func (q *TeamQuotas) RecordComputeHours(teamID string, hours float64) {
	if hours <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.teamLocked(teamID).ledger.computeHours += hours
}

func (q *TeamQuotas) RecordStorage(teamID string, delta int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := &q.teamLocked(teamID).ledger
	l.storage += delta
	if l.storage < 0 {
		l.storage = 0
	}
}

func (q *TeamQuotas) Usage(teamID string) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.teamLocked(teamID).ledger.usage(LevelTeam, teamID)
}

// AllocateToProject reserves concurrent-agent capacity for a named project.
// Reservations across all projects cannot exceed the team's concurrency
// limit. Requires an admin requester.
func (q *TeamQuotas) AllocateToProject(teamID, projectID string, agents int, requester string) error {
	if agents <= 0 {
		return fmt.Errorf("quota: project allocation must be positive, got %d", agents)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.teamLocked(teamID)
	if t.members[requester] != RoleAdmin {
		return fmt.Errorf("%w: %s is not an admin of team %s", ErrNotAuthorized, requester, teamID)
	}
	if limit := t.ledger.limits.ConcurrentAgents; limit > 0 {
		total := agents
		for _, n := range t.projects {
			total += n
		}
		if total > limit {
			return &ViolationError{Decision: deny(LevelTeam, teamID, &violation{
				dimension: DimConcurrent,
				limit:     float64(limit),
				attempted: float64(total),
			})}
		}
	}
	t.projects[projectID] += agents
	q.logger.Info("project allocation",
		zap.String("team_id", teamID),
		zap.String("project_id", projectID),
		zap.Int("agents", agents),
		zap.String("requester", requester))
	return nil
}

// ProjectAllocations returns a copy of the team's project reservations.
func (q *TeamQuotas) ProjectAllocations(teamID string) map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.teams[teamID]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(t.projects))
	for k, v := range t.projects {
		out[k] = v
	}
	return out
}

// RequestQuotaTransfer opens a pending transfer of concurrent-agent
// capacity from one team to another. The requester must be an admin of the
// receiving team; an admin of the donating team resolves it.
func (q *TeamQuotas) RequestQuotaTransfer(fromTeam, toTeam string, agents int, requester string) (string, error) {
	if agents <= 0 {
		return "", fmt.Errorf("quota: transfer amount must be positive, got %d", agents)
	}
	if fromTeam == toTeam {
		return "", fmt.Errorf("quota: cannot transfer within team %s", fromTeam)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	from := q.teamLocked(fromTeam)
	to := q.teamLocked(toTeam)
	if to.members[requester] != RoleAdmin {
		return "", fmt.Errorf("%w: %s is not an admin of team %s", ErrNotAuthorized, requester, toTeam)
	}
	if from.ledger.limits.ConcurrentAgents <= 0 || to.ledger.limits.ConcurrentAgents <= 0 {
		return "", fmt.Errorf("quota: transfers need finite concurrency limits on both teams")
	}
	if from.ledger.limits.ConcurrentAgents < agents {
		return "", fmt.Errorf("quota: team %s has only %d concurrent slots, cannot transfer %d",
			fromTeam, from.ledger.limits.ConcurrentAgents, agents)
	}
	tr := &Transfer{
		ID:          uuid.NewString(),
		FromTeam:    fromTeam,
		ToTeam:      toTeam,
		Agents:      agents,
		Requester:   requester,
		Status:      TransferPending,
		RequestedAt: q.now(),
	}
	q.transfers[tr.ID] = tr
	q.logger.Info("quota transfer requested",
		zap.String("transfer_id", tr.ID),
		zap.String("from_team", fromTeam),
		zap.String("to_team", toTeam),
		zap.Int("agents", agents),
		zap.String("requester", requester))
	return tr.ID, nil
}

// ResolveQuotaTransfer commits or rejects a pending transfer. The approver
// must be an admin of the donating team. Approval moves concurrency limit
// from the donor to the receiver.
func (q *TeamQuotas) ResolveQuotaTransfer(transferID string, approved bool, approver string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tr, ok := q.transfers[transferID]
	if !ok {
		return fmt.Errorf("quota: unknown transfer %q", transferID)
	}
	if tr.Status != TransferPending {
		return fmt.Errorf("quota: transfer %s already %s", transferID, tr.Status)
	}
	from := q.teamLocked(tr.FromTeam)
	if from.members[approver] != RoleAdmin {
		return fmt.Errorf("%w: %s is not an admin of team %s", ErrNotAuthorized, approver, tr.FromTeam)
	}
	tr.Approver = approver
	tr.ResolvedAt = q.now()
	if !approved {
		tr.Status = TransferRejected
		return nil
	}
	to := q.teamLocked(tr.ToTeam)
	if from.ledger.limits.ConcurrentAgents < tr.Agents {
		tr.Status = TransferRejected
		return fmt.Errorf("quota: team %s no longer has %d concurrent slots to give",
			tr.FromTeam, tr.Agents)
	}
	from.ledger.limits.ConcurrentAgents -= tr.Agents
	to.ledger.limits.ConcurrentAgents += tr.Agents
	tr.Status = TransferApproved
	q.logger.Info("quota transfer approved",
		zap.String("transfer_id", tr.ID),
		zap.String("from_team", tr.FromTeam),
		zap.String("to_team", tr.ToTeam),
		zap.Int("agents", tr.Agents),
		zap.String("approver", approver))
	return nil
}

// Transfer returns a copy of one transfer record.
func (q *TeamQuotas) Transfer(transferID string) (Transfer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tr, ok := q.transfers[transferID]
	if !ok {
		return Transfer{}, false
	}
	return *tr, true
}
