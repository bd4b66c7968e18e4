package phase

import (
	"testing"
	"time"

	"github.com/shritish20/volguard-production/internal/safety"
)

func TestDecide_CrossProduct(t *testing.T) {
	tests := []struct {
		phase Phase
		mode  safety.Mode
		want  Action
	}{
		{FullAuto, safety.ModeNormal, Execute},
		{SemiAuto, safety.ModeNormal, RequiresApproval},
		{Shadow, safety.ModeNormal, JournalOnly},
		{FullAuto, safety.ModeDegraded, JournalOnly},
		{FullAuto, safety.ModeHalted, JournalOnly},
		{FullAuto, safety.ModeEmergency, JournalOnly},
		{FullAuto, safety.ModeShutdown, JournalOnly},
		{SemiAuto, safety.ModeDegraded, JournalOnly},
		{Shadow, safety.ModeEmergency, JournalOnly},
	}
	for _, tc := range tests {
		if got := Decide(tc.phase, tc.mode); got != tc.want {
			t.Errorf("Decide(%s, %s) = %s, want %s", tc.phase, tc.mode, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Phase
		wantErr bool
	}{
		{"shadow", Shadow, false},
		{"SEMI_AUTO", SemiAuto, false},
		{"full_auto", FullAuto, false},
		{"", Shadow, false},
		{"yolo", "", true},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("Parse(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestApprovals_HappyPath(t *testing.T) {
	s := NewApprovalStore(120*time.Second, 1.0)
	now := time.Now()

	a := s.Request("sell 2x NIFTY straddle", map[string]any{"qty": 2}, 22000, now)
	if a.Status != StatusPending {
		t.Fatalf("status = %s, want pending", a.Status)
	}

	got, err := s.Approve(a.ID, "trader1", 22050, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != StatusApproved || got.DecidedBy != "trader1" {
		t.Errorf("unexpected approval record: %+v", got)
	}
}

func TestApprovals_Expiry(t *testing.T) {
	s := NewApprovalStore(120*time.Second, 1.0)
	now := time.Now()

	a := s.Request("close ITM leg", nil, 22000, now)
	if _, err := s.Approve(a.ID, "trader1", 22000, now.Add(121*time.Second)); err == nil {
		t.Fatalf("approve past expiry should fail")
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestApprovals_SpotMoveInvalidates(t *testing.T) {
	s := NewApprovalStore(120*time.Second, 1.0)
	now := time.Now()

	a := s.Request("roll short put", nil, 22000, now)
	// 1.5% move, over the 1.0% fingerprint tolerance.
	if _, err := s.Approve(a.ID, "trader1", 22330, now.Add(10*time.Second)); err == nil {
		t.Fatalf("approve after large spot move should fail")
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusInvalidated {
		t.Errorf("status = %s, want invalidated", got.Status)
	}

	// A fresh request with a move just inside tolerance still approves.
	b := s.Request("roll short put", nil, 22000, now)
	if _, err := s.Approve(b.ID, "trader1", 22180, now.Add(10*time.Second)); err != nil {
		t.Errorf("0.8%% move should be within tolerance: %v", err)
	}
}

func TestApprovals_DoubleDecision(t *testing.T) {
	s := NewApprovalStore(120*time.Second, 1.0)
	now := time.Now()

	a := s.Request("exit all", nil, 22000, now)
	if _, err := s.Reject(a.ID, "trader2", "too risky", now); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := s.Approve(a.ID, "trader1", 22000, now); err == nil {
		t.Errorf("approve after reject should fail")
	}
	if _, err := s.Reject(a.ID, "trader2", "again", now); err == nil {
		t.Errorf("double reject should fail")
	}
}

func TestApprovals_PendingExpiresLapsed(t *testing.T) {
	s := NewApprovalStore(120*time.Second, 1.0)
	now := time.Now()

	old := s.Request("old decision", nil, 22000, now)
	s.Request("fresh decision", nil, 22000, now.Add(100*time.Second))

	pending := s.Pending(now.Add(130 * time.Second))
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Summary != "fresh decision" {
		t.Errorf("wrong survivor: %s", pending[0].Summary)
	}
	got, _ := s.Get(old.ID)
	if got.Status != StatusExpired {
		t.Errorf("lapsed approval status = %s, want expired", got.Status)
	}
}

func TestApprovals_Sweep(t *testing.T) {
	s := NewApprovalStore(120*time.Second, 1.0)
	now := time.Now()

	a := s.Request("done deal", nil, 22000, now)
	s.Approve(a.ID, "trader1", 22000, now.Add(time.Second))
	s.Request("still pending", nil, 22000, now)

	if n := s.Sweep(now.Add(25*time.Hour), 24*time.Hour); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, ok := s.Get(a.ID); ok {
		t.Errorf("resolved approval should be gone after sweep")
	}
	if len(s.Pending(now)) != 1 {
		t.Errorf("pending approval must survive sweep")
	}
}
