package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Supervisor struct {
	CycleIntervalMs      int `yaml:"cycle_interval_ms"`
	CycleDeadlineMs      int `yaml:"cycle_deadline_ms"`
	RecoveryCooldownCyc  int `yaml:"recovery_cooldown_cycles"`
	MaxConsecutiveFaults int `yaml:"max_consecutive_faults"`
}

type Phase struct {
	Mode                   string  `yaml:"mode"` // shadow | semi_auto | full_auto
	ApprovalExpirySecs     int     `yaml:"approval_expiry_seconds"`
	ApprovalMaxSpotMovePct float64 `yaml:"approval_max_spot_move_pct"`
}

type Quality struct {
	MinScoreShadow      float64  `yaml:"min_score_shadow"`
	MinScoreSemiAuto    float64  `yaml:"min_score_semi_auto"`
	MinScoreFullAuto    float64  `yaml:"min_score_full_auto"`
	StaleCutoffSecs     int      `yaml:"stale_cutoff_seconds"`
	ExpectedTickSecs    int      `yaml:"expected_tick_seconds"`
	LowQualityHaltAfter int      `yaml:"low_quality_halt_after_cycles"`
	RequiredInstruments []string `yaml:"required_instruments"`
}

type Capital struct {
	TotalCapital        float64 `yaml:"total_capital"`
	DailyLossPct        float64 `yaml:"daily_loss_pct"`
	PositionCapPct      float64 `yaml:"position_cap_pct"`
	WorstCasePct        float64 `yaml:"worst_case_pct"`
	ConcentrationPct    float64 `yaml:"concentration_pct"`
	MaxPortfolioDelta   float64 `yaml:"max_portfolio_delta"`
	DailyLossWarnAt     float64 `yaml:"daily_loss_warn_at"`
	PositionCapWarnAt   float64 `yaml:"position_cap_warn_at"`
	WorstCaseWarnAt     float64 `yaml:"worst_case_warn_at"`
	ConcentrationWarnAt float64 `yaml:"concentration_warn_at"`
}

type Reconciliation struct {
	MaterialityQty        string  `yaml:"materiality_qty"` // decimal, e.g. "5"
	MaxUnresolved         int     `yaml:"max_unresolved"`
	MaxUnresolvedNotional float64 `yaml:"max_unresolved_notional"`
}

type Emergency struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
}

type Journal struct {
	Path            string `yaml:"path"`
	PostgresDSN     string `yaml:"postgres_dsn"` // optional; file store always on
	AppendAttempts  int    `yaml:"append_attempts"`
	AppendBackoffMs int    `yaml:"append_backoff_ms"`
}

type Collaborator struct {
	BaseURL         string  `yaml:"base_url"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	MaxRetries      int     `yaml:"max_retries"`
	BackoffBaseMs   int     `yaml:"backoff_base_ms"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

type Ledger struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type Feed struct {
	URL         string `yaml:"url"` // ws:// fills/positions stream
	ReconnectMs int    `yaml:"reconnect_ms"`
}

type Admin struct {
	ListenAddr      string  `yaml:"listen_addr"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

type Root struct {
	Supervisor     Supervisor     `yaml:"supervisor"`
	Phase          Phase          `yaml:"phase"`
	Quality        Quality        `yaml:"quality"`
	Capital        Capital        `yaml:"capital"`
	Reconciliation Reconciliation `yaml:"reconciliation"`
	Emergency      Emergency      `yaml:"emergency"`
	Journal        Journal        `yaml:"journal"`
	MarketData     Collaborator   `yaml:"market_data"`
	Execution      Collaborator   `yaml:"execution"`
	Broker         Collaborator   `yaml:"broker"`
	RiskAssessor   Collaborator   `yaml:"risk_assessor"`
	Ledger         Ledger         `yaml:"ledger"`
	Feed           Feed           `yaml:"feed"`
	Admin          Admin          `yaml:"admin"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(c); err != nil {
		return c, err
	}
	return c, nil
}

// Defaults mirrors Load for callers that construct config in code (tests,
// the sim harness) rather than from a file.
func Defaults() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.Supervisor.CycleIntervalMs == 0 {
		c.Supervisor.CycleIntervalMs = 3000
	}
	if c.Supervisor.CycleDeadlineMs == 0 {
		c.Supervisor.CycleDeadlineMs = 2500
	}
	if c.Supervisor.RecoveryCooldownCyc == 0 {
		c.Supervisor.RecoveryCooldownCyc = 5
	}
	if c.Supervisor.MaxConsecutiveFaults == 0 {
		c.Supervisor.MaxConsecutiveFaults = 5
	}

	if c.Phase.Mode == "" {
		c.Phase.Mode = "shadow" // start safe
	}
	if c.Phase.ApprovalExpirySecs == 0 {
		c.Phase.ApprovalExpirySecs = 120
	}
	if c.Phase.ApprovalMaxSpotMovePct == 0 {
		c.Phase.ApprovalMaxSpotMovePct = 1.0
	}

	if c.Quality.MinScoreShadow == 0 {
		c.Quality.MinScoreShadow = 0.5
	}
	if c.Quality.MinScoreSemiAuto == 0 {
		c.Quality.MinScoreSemiAuto = 0.6
	}
	if c.Quality.MinScoreFullAuto == 0 {
		c.Quality.MinScoreFullAuto = 0.8
	}
	if c.Quality.StaleCutoffSecs == 0 {
		c.Quality.StaleCutoffSecs = 15
	}
	if c.Quality.ExpectedTickSecs == 0 {
		c.Quality.ExpectedTickSecs = 5
	}
	if c.Quality.LowQualityHaltAfter == 0 {
		c.Quality.LowQualityHaltAfter = 5
	}

	if c.Capital.TotalCapital == 0 {
		c.Capital.TotalCapital = 1_000_000
	}
	if c.Capital.DailyLossPct == 0 {
		c.Capital.DailyLossPct = 2.0
	}
	if c.Capital.PositionCapPct == 0 {
		c.Capital.PositionCapPct = 30.0
	}
	if c.Capital.WorstCasePct == 0 {
		c.Capital.WorstCasePct = 5.0
	}
	if c.Capital.ConcentrationPct == 0 {
		c.Capital.ConcentrationPct = 10.0
	}
	if c.Capital.MaxPortfolioDelta == 0 {
		c.Capital.MaxPortfolioDelta = 500
	}
	if c.Capital.DailyLossWarnAt == 0 {
		c.Capital.DailyLossWarnAt = 0.8
	}
	if c.Capital.PositionCapWarnAt == 0 {
		c.Capital.PositionCapWarnAt = 0.9
	}
	if c.Capital.WorstCaseWarnAt == 0 {
		c.Capital.WorstCaseWarnAt = 0.7
	}
	if c.Capital.ConcentrationWarnAt == 0 {
		c.Capital.ConcentrationWarnAt = 0.8
	}

	if c.Reconciliation.MaterialityQty == "" {
		c.Reconciliation.MaterialityQty = "1"
	}
	if c.Reconciliation.MaxUnresolved == 0 {
		c.Reconciliation.MaxUnresolved = 1
	}
	if c.Reconciliation.MaxUnresolvedNotional == 0 {
		c.Reconciliation.MaxUnresolvedNotional = 100_000
	}

	if c.Emergency.MaxAttempts == 0 {
		c.Emergency.MaxAttempts = 5
	}
	if c.Emergency.BackoffBaseMs == 0 {
		c.Emergency.BackoffBaseMs = 500
	}
	if c.Emergency.BackoffMaxMs == 0 {
		c.Emergency.BackoffMaxMs = 10_000
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.jsonl"
	}
	if c.Journal.AppendAttempts == 0 {
		c.Journal.AppendAttempts = 3
	}
	if c.Journal.AppendBackoffMs == 0 {
		c.Journal.AppendBackoffMs = 100
	}

	for _, col := range []*Collaborator{&c.MarketData, &c.Execution, &c.Broker, &c.RiskAssessor} {
		if col.TimeoutMs == 0 {
			col.TimeoutMs = 2000
		}
		if col.MaxRetries == 0 {
			col.MaxRetries = 2
		}
		if col.BackoffBaseMs == 0 {
			col.BackoffBaseMs = 100
		}
		if col.RateLimitPerSec == 0 {
			col.RateLimitPerSec = 10
		}
	}

	if c.Ledger.RedisAddr == "" {
		c.Ledger.RedisAddr = "localhost:6379"
	}
	if c.Ledger.KeyPrefix == "" {
		c.Ledger.KeyPrefix = "volguard:ledger"
	}

	if c.Feed.ReconnectMs == 0 {
		c.Feed.ReconnectMs = 2000
	}

	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8080"
	}
	if c.Admin.RateLimitPerSec == 0 {
		c.Admin.RateLimitPerSec = 20
	}
}

func validate(c Root) error {
	switch c.Phase.Mode {
	case "shadow", "semi_auto", "full_auto":
	default:
		return fmt.Errorf("config: unknown phase mode %q", c.Phase.Mode)
	}
	if c.Supervisor.CycleDeadlineMs > c.Supervisor.CycleIntervalMs {
		return fmt.Errorf("config: cycle deadline %dms exceeds interval %dms",
			c.Supervisor.CycleDeadlineMs, c.Supervisor.CycleIntervalMs)
	}
	return nil
}
