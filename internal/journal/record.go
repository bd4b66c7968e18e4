package journal

import (
	"context"
	"time"

	"github.com/shritish20/volguard-production/internal/marketdata"
	"github.com/shritish20/volguard-production/internal/positions"
	"github.com/shritish20/volguard-production/internal/risk"
	"github.com/shritish20/volguard-production/internal/safety"
)

// Fault classes partition everything that can go wrong in a cycle. The
// class decides how the loop reacts: transient faults count toward the
// consecutive-fault halt, governance vetoes do not.
const (
	FaultTransientIO    = "TRANSIENT_IO"
	FaultDataQuality    = "DATA_QUALITY"
	FaultGovernanceVeto = "GOVERNANCE_VETO"
	FaultReconciliation = "RECONCILIATION_DIVERGENCE"
	FaultFatalCycle     = "FATAL_CYCLE"
)

// Fault is one classified failure observed during a cycle.
type Fault struct {
	Class   string `json:"class"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Decision outcomes. A proposal either clears the governor and follows the
// phase gate's action, or it is rejected outright.
const (
	DecisionReleased        = "released"
	DecisionJournaled       = "journaled"
	DecisionPendingApproval = "pending_approval"
	DecisionRejected        = "rejected_by_governor"
)

// Decision is one proposed trade dispositioned during a cycle.
type Decision struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Quantity   int64   `json:"quantity"`
	DeltaAdd   float64 `json:"delta_add"`
	MarginAdd  float64 `json:"margin_add"`
	Action     string  `json:"action"`
	Outcome    string  `json:"outcome"`
	ApprovalID string  `json:"approval_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// CycleRecord is the single audit row emitted for every supervision cycle,
// complete or not. Sequence is strictly monotonic for the process lifetime
// and records are journaled in sequence order.
type CycleRecord struct {
	Sequence      uint64              `json:"seq"`
	CorrelationID string              `json:"correlation_id"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
	DurationMs    int64               `json:"duration_ms"`
	Incomplete    bool                `json:"incomplete,omitempty"`

	ModeBefore safety.Mode        `json:"mode_before"`
	ModeAfter  safety.Mode        `json:"mode_after"`
	Transition *safety.Transition `json:"transition,omitempty"`

	Phase  string `json:"phase"`
	Action string `json:"action"`

	Quality        *marketdata.Report `json:"quality,omitempty"`
	Verdict        *risk.Verdict      `json:"verdict,omitempty"`
	Reconciliation *positions.Result  `json:"reconciliation,omitempty"`

	Decisions []Decision `json:"decisions,omitempty"`
	Faults    []Fault    `json:"faults,omitempty"`
}

// Store persists cycle records. Append must be durable before it returns;
// the loop treats a failed append as a cycle fault.
type Store interface {
	Append(ctx context.Context, rec *CycleRecord) error
	Close() error
}
