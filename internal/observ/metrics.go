package observ

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the supervision loop. Names follow the
// <subsystem>_<what>_<unit> convention so dashboards can group them.
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_cycles_total",
		Help: "Control loop cycles by outcome (completed, blocked, incomplete, faulted).",
	}, []string{"outcome"})

	CycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "supervisor_cycle_duration_seconds",
		Help:    "Wall time of one full control cycle.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	})

	SafetyMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_mode",
		Help: "Current safety mode (0=normal 1=degraded 2=halted 3=emergency 4=shutdown).",
	})

	SafetyTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_transitions_total",
		Help: "Safety mode transitions by from/to/trigger.",
	}, []string{"from", "to", "trigger"})

	GovernorVetoesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_vetoes_total",
		Help: "Trade decisions vetoed by the capital governor, by reason.",
	}, []string{"reason"})

	DataQualityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketdata_quality_score",
		Help: "Most recent data quality score in [0,1].",
	})

	ReconciliationUnresolved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "positions_reconciliation_unresolved",
		Help: "Instruments unresolved in the latest reconciliation pass.",
	})

	EmergencyAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emergency_attempts_total",
		Help: "Emergency action attempts by action and result.",
	}, []string{"action", "result"})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_total",
		Help: "Manual approval requests by terminal status.",
	}, []string{"status"})

	JournalAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_appends_total",
		Help: "Cycle record appends by store and status.",
	}, []string{"store", "status"})

	CollaboratorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collaborator_errors_total",
		Help: "Failed calls to external collaborators.",
	}, []string{"collaborator"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	startTime = time.Now()
	version   = "dev" // set via -ldflags at build time

	healthMu      sync.RWMutex
	healthDetails = map[string]any{}
)

// SetVersion sets the version string reported by the health endpoint.
func SetVersion(v string) { version = v }

// SetHealthDetail publishes a key into the /healthz payload. Components call
// this with their latest state; the handler only ever reads.
func SetHealthDetail(key string, value any) {
	healthMu.Lock()
	healthDetails[key] = value
	healthMu.Unlock()
}

type healthStatus struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details"`
}

// HealthHandler reports process liveness plus component details. Safety mode
// EMERGENCY or SHUTDOWN downgrades the HTTP status so load balancers and
// deploy scripts notice without parsing the body.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		healthMu.RLock()
		details := make(map[string]any, len(healthDetails))
		for k, v := range healthDetails {
			details[k] = v
		}
		healthMu.RUnlock()

		status := "healthy"
		code := http.StatusOK
		if mode, ok := details["safety_mode"].(string); ok {
			switch mode {
			case "DEGRADED", "HALTED":
				status = "degraded"
				code = http.StatusPartialContent
			case "EMERGENCY", "SHUTDOWN":
				status = "failed"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Details:   details,
		})
	})
}
