package phase

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shritish20/volguard-production/internal/observ"
)

// ApprovalStatus tracks the lifecycle of a pending human decision.
type ApprovalStatus string

const (
	StatusPending     ApprovalStatus = "pending"
	StatusApproved    ApprovalStatus = "approved"
	StatusRejected    ApprovalStatus = "rejected"
	StatusExpired     ApprovalStatus = "expired"
	StatusInvalidated ApprovalStatus = "invalidated" // market moved under it
)

// Approval is one decision parked for human review in SEMI_AUTO. The spot
// fingerprint captures the market the approver would be approving; if the
// market moves too far from it the approval is void even inside the window.
type Approval struct {
	ID          string         `json:"id"`
	Summary     string         `json:"summary"`
	Payload     map[string]any `json:"payload,omitempty"`
	SpotAtReq   float64        `json:"spot_at_request"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Status      ApprovalStatus `json:"status"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	DecidedAt   time.Time      `json:"decided_at,omitempty"`
	VoidReason  string         `json:"void_reason,omitempty"`
	SpotAtCheck float64        `json:"spot_at_check,omitempty"`
}

// ApprovalStore holds pending approvals in memory. Restart drops them on
// purpose: a decision nobody could act on across a restart is stale.
type ApprovalStore struct {
	mu         sync.Mutex
	expiry     time.Duration
	maxMovePct float64
	items      map[string]*Approval
}

func NewApprovalStore(expiry time.Duration, maxMovePct float64) *ApprovalStore {
	if expiry <= 0 {
		expiry = 120 * time.Second
	}
	if maxMovePct <= 0 {
		maxMovePct = 1.0
	}
	return &ApprovalStore{
		expiry:     expiry,
		maxMovePct: maxMovePct,
		items:      make(map[string]*Approval),
	}
}

// Request parks a decision and returns its approval record.
func (s *ApprovalStore) Request(summary string, payload map[string]any, spot float64, now time.Time) *Approval {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Approval{
		ID:        uuid.NewString(),
		Summary:   summary,
		Payload:   payload,
		SpotAtReq: spot,
		CreatedAt: now,
		ExpiresAt: now.Add(s.expiry),
		Status:    StatusPending,
	}
	s.items[a.ID] = a
	observ.ApprovalsTotal.WithLabelValues(string(StatusPending)).Inc()
	observ.Log("approval_requested", map[string]any{
		"approval_id": a.ID, "summary": summary, "spot": spot,
		"expires_at": a.ExpiresAt.Format(time.RFC3339),
	})
	return a.clone()
}

// Approve resolves a pending approval. The current spot is re-checked
// against the fingerprint captured at request time.
func (s *ApprovalStore) Approve(id, by string, currentSpot float64, now time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("approval %s already %s", id, a.Status)
	}
	if now.After(a.ExpiresAt) {
		a.Status = StatusExpired
		a.VoidReason = "approval window elapsed"
		observ.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
		return nil, fmt.Errorf("approval %s expired at %s", id, a.ExpiresAt.Format(time.RFC3339))
	}
	if mv := spotMovePct(a.SpotAtReq, currentSpot); mv > s.maxMovePct {
		a.Status = StatusInvalidated
		a.SpotAtCheck = currentSpot
		a.VoidReason = fmt.Sprintf("spot moved %.2f%% since request", mv)
		observ.ApprovalsTotal.WithLabelValues(string(StatusInvalidated)).Inc()
		observ.Warn("approval_invalidated", map[string]any{
			"approval_id": id, "spot_at_request": a.SpotAtReq,
			"spot_now": currentSpot, "move_pct": mv,
		})
		return nil, fmt.Errorf("approval %s invalidated: %s", id, a.VoidReason)
	}

	a.Status = StatusApproved
	a.DecidedBy = by
	a.DecidedAt = now
	a.SpotAtCheck = currentSpot
	observ.ApprovalsTotal.WithLabelValues(string(StatusApproved)).Inc()
	observ.Log("approval_granted", map[string]any{"approval_id": id, "by": by})
	return a.clone(), nil
}

// Reject resolves a pending approval negatively.
func (s *ApprovalStore) Reject(id, by, reason string, now time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("approval %s already %s", id, a.Status)
	}
	a.Status = StatusRejected
	a.DecidedBy = by
	a.DecidedAt = now
	a.VoidReason = reason
	observ.ApprovalsTotal.WithLabelValues(string(StatusRejected)).Inc()
	observ.Log("approval_rejected", map[string]any{"approval_id": id, "by": by, "reason": reason})
	return a.clone(), nil
}

// Get returns a single approval by id.
func (s *ApprovalStore) Get(id string) (*Approval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Pending lists still-actionable approvals, expiring lapsed ones as a side
// effect. Sorted oldest first so operators see them in arrival order.
func (s *ApprovalStore) Pending(now time.Time) []*Approval {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Approval
	for _, a := range s.items {
		if a.Status == StatusPending && now.After(a.ExpiresAt) {
			a.Status = StatusExpired
			a.VoidReason = "approval window elapsed"
			observ.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
		}
		if a.Status == StatusPending {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep drops resolved approvals older than the retention window so the
// map does not grow without bound.
func (s *ApprovalStore) Sweep(now time.Time, retain time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, a := range s.items {
		if a.Status == StatusPending {
			continue
		}
		ref := a.DecidedAt
		if ref.IsZero() {
			ref = a.ExpiresAt
		}
		if now.Sub(ref) > retain {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

func (a *Approval) clone() *Approval {
	cp := *a
	return &cp
}

func spotMovePct(atRequest, now float64) float64 {
	if atRequest == 0 {
		return 0
	}
	return math.Abs(now-atRequest) / atRequest * 100
}
