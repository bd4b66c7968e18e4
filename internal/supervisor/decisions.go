package supervisor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shritish20/volguard-production/internal/journal"
	"github.com/shritish20/volguard-production/internal/observ"
	"github.com/shritish20/volguard-production/internal/phase"
)

// Proposal is a trade the strategy layer wants to place. It carries the
// incremental risk the governor checks against its remaining budgets.
type Proposal struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Quantity   int64   `json:"quantity"`
	DeltaAdd   float64 `json:"delta_add"`
	MarginAdd  float64 `json:"margin_add"`
}

type queuedProposal struct {
	id string
	p  Proposal
}

// SubmitProposal queues a proposal for disposition at the next cycle and
// returns its decision id. Proposals are never acted on inline: the cycle
// owns the governor check, the phase gate and the journal entry.
func (l *Loop) SubmitProposal(p Proposal) string {
	id := uuid.NewString()
	l.propMu.Lock()
	l.proposals = append(l.proposals, queuedProposal{id: id, p: p})
	queued := len(l.proposals)
	l.propMu.Unlock()

	observ.Log("proposal_queued", map[string]any{
		"decision_id": id, "instrument": p.Instrument, "side": p.Side,
		"quantity": p.Quantity, "queued": queued,
	})
	return id
}

func (l *Loop) drainProposals() []queuedProposal {
	l.propMu.Lock()
	defer l.propMu.Unlock()
	out := l.proposals
	l.proposals = nil
	return out
}

// decide dispositions every queued proposal: the governor checks the
// incremental risk first, then the phase gate's action decides what
// happens to survivors. REQUIRES_APPROVAL parks the decision for a human
// with the cycle's spot as the market fingerprint.
func (l *Loop) decide(rec *journal.CycleRecord, action phase.Action, spot float64, now time.Time) {
	for _, q := range l.drainProposals() {
		d := journal.Decision{
			ID:         q.id,
			Instrument: q.p.Instrument,
			Side:       q.p.Side,
			Quantity:   q.p.Quantity,
			DeltaAdd:   q.p.DeltaAdd,
			MarginAdd:  q.p.MarginAdd,
			Action:     string(action),
		}

		if err := l.governor.CheckTrade(q.p.DeltaAdd, q.p.MarginAdd); err != nil {
			d.Outcome = journal.DecisionRejected
			d.Reason = err.Error()
			rec.Faults = append(rec.Faults, journal.Fault{
				Class: journal.FaultGovernanceVeto, Stage: "decision", Message: err.Error(),
			})
		} else {
			switch action {
			case phase.Execute:
				d.Outcome = journal.DecisionReleased
			case phase.RequiresApproval:
				a := l.approvals.Request(
					fmt.Sprintf("%s %d %s", q.p.Side, q.p.Quantity, q.p.Instrument),
					map[string]any{
						"decision_id": q.id, "delta_add": q.p.DeltaAdd, "margin_add": q.p.MarginAdd,
					},
					spot, now)
				d.Outcome = journal.DecisionPendingApproval
				d.ApprovalID = a.ID
			default:
				d.Outcome = journal.DecisionJournaled
			}
		}

		rec.Decisions = append(rec.Decisions, d)
		observ.Log("decision", map[string]any{
			"decision_id": d.ID, "seq": rec.Sequence, "instrument": d.Instrument,
			"outcome": d.Outcome, "action": d.Action, "reason": d.Reason,
		})
	}
}
