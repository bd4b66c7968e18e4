package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/shritish20/volguard-production/internal/emergency"
	"github.com/shritish20/volguard-production/internal/observ"
	"github.com/shritish20/volguard-production/internal/phase"
	"github.com/shritish20/volguard-production/internal/safety"
	"github.com/shritish20/volguard-production/internal/supervisor"
)

// SpotFunc returns the current underlying spot, used to re-check approval
// fingerprints at decision time.
type SpotFunc func(ctx context.Context) (float64, error)

// Server is the operator control surface. It is deliberately small: state
// queries, the kill switch, phase changes and approvals. Everything it
// does goes through the same safety machine the cycle loop uses.
type Server struct {
	machine   *safety.Machine
	loop      *supervisor.Loop
	approvals *phase.ApprovalStore
	exec      *emergency.Executor
	spot      SpotFunc
	limiter   *rate.Limiter
}

func NewServer(machine *safety.Machine, loop *supervisor.Loop, approvals *phase.ApprovalStore,
	exec *emergency.Executor, spot SpotFunc, rateLimitPerSec int) *Server {
	if rateLimitPerSec <= 0 {
		rateLimitPerSec = 20
	}
	return &Server{
		machine:   machine,
		loop:      loop,
		approvals: approvals,
		exec:      exec,
		spot:      spot,
		limiter:   rate.NewLimiter(rate.Limit(rateLimitPerSec), rateLimitPerSec),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", observ.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/safety/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/safety/kill-switch", s.handleKillSwitchAssert).Methods(http.MethodPost)
	api.HandleFunc("/safety/kill-switch", s.handleKillSwitchClear).Methods(http.MethodDelete)
	api.HandleFunc("/safety/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/safety/shutdown", s.handleShutdown).Methods(http.MethodPost)
	api.HandleFunc("/phase", s.handlePhaseGet).Methods(http.MethodGet)
	api.HandleFunc("/phase", s.handlePhaseSet).Methods(http.MethodPut)
	api.HandleFunc("/decisions", s.handleDecisionSubmit).Methods(http.MethodPost)
	api.HandleFunc("/approvals", s.handleApprovalsList).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/reject", s.handleReject).Methods(http.MethodPost)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type operatorRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"safety":   s.machine.Status(),
		"phase":    string(s.loop.Phase()),
		"action":   string(phase.Decide(s.loop.Phase(), s.machine.Mode())),
		"cycles":   s.loop.Cycles(),
		"pending":  len(s.approvals.Pending(time.Now())),
		"unwinds":  len(s.exec.History()),
		"reported": time.Now().UTC(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": s.machine.History(100),
		"attempts":    s.exec.History(),
	})
}

// handleKillSwitchAssert pins EMERGENCY and starts the unwind. The unwind
// runs detached from the request so the operator gets an acknowledgment
// instead of a multi-minute hang; the control loop blocks at its next
// cycle boundary until the unwind completes.
func (s *Server) handleKillSwitchAssert(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}

	_, transitioned := s.machine.AssertKillSwitch(req.By, req.Reason)
	if transitioned {
		go func() {
			if err := s.exec.Execute(context.Background(), emergency.GlobalKillSwitch, nil, "manual kill switch"); err != nil {
				observ.Error("kill_switch_unwind_failed", err, map[string]any{"by": req.By})
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"mode":        string(s.machine.Mode()),
		"transition":  transitioned,
		"kill_switch": true,
	})
}

func (s *Server) handleKillSwitchClear(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	cleared := s.machine.ClearKillSwitch(req.By)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared, "mode": string(s.machine.Mode())})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	tr, err := s.machine.Reset(req.By, req.Reason)
	if err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transition": tr})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	tr, ok := s.machine.Shutdown(req.By, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"transition": tr, "changed": ok})
}

func (s *Server) handlePhaseGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"phase": string(s.loop.Phase())})
}

func (s *Server) handlePhaseSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
		By    string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body")
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	p, err := phase.Parse(req.Phase)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	s.loop.SetPhase(p, req.By)
	writeJSON(w, http.StatusOK, map[string]any{"phase": string(p)})
}

// handleDecisionSubmit queues a proposed trade for the next cycle. The
// cycle runs the governor check and the phase gate; the caller gets the
// decision id to find the outcome in the journal or the approval queue.
func (s *Server) handleDecisionSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		supervisor.Proposal
		By string `json:"by"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	if req.Instrument == "" || req.Quantity == 0 {
		writeErr(w, http.StatusBadRequest, "instrument and quantity are required")
		return
	}
	id := s.loop.SubmitProposal(req.Proposal)
	writeJSON(w, http.StatusAccepted, map[string]any{"decision_id": id, "status": "queued"})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.approvals.Pending(time.Now())})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	spot, err := s.spot(r.Context())
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, "cannot fetch spot for fingerprint check: "+err.Error())
		return
	}
	a, err := s.approvals.Approve(mux.Vars(r)["id"], req.By, spot, time.Now())
	if err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad body: "+err.Error())
		return
	}
	if req.By == "" {
		writeErr(w, http.StatusBadRequest, "by is required")
		return
	}
	a, err := s.approvals.Reject(mux.Vars(r)["id"], req.By, req.Reason, time.Now())
	if err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// decodeBody parses the request body. An empty body is fine (handlers
// validate the fields they need); malformed JSON is not.
func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
