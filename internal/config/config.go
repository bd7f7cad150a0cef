package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionWindow gates a strategy to a time-of-day range on selected
// weekdays. Times are "HH:MM" in UTC; an empty weekday list means
// Monday through Friday.
type SessionWindow struct {
	OpenUTC  string   `yaml:"open_utc"`
	CloseUTC string   `yaml:"close_utc"`
	Weekdays []string `yaml:"weekdays"`
}

// StrategyPreset is the full parameterization of one strategy worker.
// Variants differ only by preset, never by code.
type StrategyPreset struct {
	Name            string        `yaml:"name"`
	Instrument      string        `yaml:"instrument"`
	ScanIntervalSec int           `yaml:"scan_interval_seconds"`
	Session         SessionWindow `yaml:"session"`

	Direction            string  `yaml:"direction"` // short | long, default short
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	MaxContracts         int     `yaml:"max_contracts"`
	MaxRiskFraction      float64 `yaml:"max_risk_fraction"`
	PayoffRatio          float64 `yaml:"payoff_ratio"`
	TargetProfitPct      float64 `yaml:"target_profit_pct"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	HoldHours            float64 `yaml:"hold_hours"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	ContractMultiplier   float64 `yaml:"contract_multiplier"`
	StrikeOffsetPct      float64 `yaml:"strike_offset_pct"`
	EvalTimeoutSec       int     `yaml:"eval_timeout_seconds"`
}

type Advisory struct {
	BaseURL             string  `yaml:"base_url"`
	TimeoutMs           int     `yaml:"timeout_ms"`
	FreshnessThresholdH float64 `yaml:"freshness_threshold_hours"`
	RequestsPerSec      float64 `yaml:"requests_per_sec"`
	Burst               int     `yaml:"burst"`
}

type Execution struct {
	Mode             string `yaml:"mode"` // paper | live
	TimeoutMs        int    `yaml:"timeout_ms"`
	LatencyMsMin     int    `yaml:"latency_ms_min"`
	LatencyMsMax     int    `yaml:"latency_ms_max"`
	SlippageBpsMin   int    `yaml:"slippage_bps_min"`
	SlippageBpsMax   int    `yaml:"slippage_bps_max"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Risk struct {
	DailyLossCapUSD         float64 `yaml:"daily_loss_cap_usd"`
	PortfolioExposureCapUSD float64 `yaml:"portfolio_exposure_cap_usd"`
	CapitalBaseUSD          float64 `yaml:"capital_base_usd"`
	SnapshotPath            string  `yaml:"snapshot_path"`
}

type Postgres struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type Audit struct {
	TrailPath string   `yaml:"trail_path"`
	Postgres  Postgres `yaml:"postgres"`
}

type Root struct {
	ListenAddr string           `yaml:"listen_addr"`
	Strategies []StrategyPreset `yaml:"strategies"`
	Advisory   Advisory         `yaml:"advisory"`
	Execution  Execution        `yaml:"execution"`
	Risk       Risk             `yaml:"risk"`
	Audit      Audit            `yaml:"audit"`
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

	if c.ListenAddr == "" {
		c.ListenAddr = ":8085"
	}
	if c.Advisory.TimeoutMs == 0 {
		c.Advisory.TimeoutMs = 5000
	}
	if c.Advisory.FreshnessThresholdH == 0 {
		c.Advisory.FreshnessThresholdH = 24
	}
	if c.Advisory.RequestsPerSec == 0 {
		c.Advisory.RequestsPerSec = 2
	}
	if c.Advisory.Burst == 0 {
		c.Advisory.Burst = 2
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = "paper"
	}
	if c.Execution.TimeoutMs == 0 {
		c.Execution.TimeoutMs = 10000
	}
	if c.Execution.LatencyMsMin == 0 {
		c.Execution.LatencyMsMin = 50
	}
	if c.Execution.LatencyMsMax == 0 {
		c.Execution.LatencyMsMax = 500
	}
	if c.Execution.SlippageBpsMax == 0 {
		c.Execution.SlippageBpsMax = 5
	}
	if c.Execution.DedupeWindowSecs == 0 {
		c.Execution.DedupeWindowSecs = 90
	}
	if c.Audit.TrailPath == "" {
		c.Audit.TrailPath = "data/audit_trail.jsonl"
	}
	if c.Risk.SnapshotPath == "" {
		c.Risk.SnapshotPath = "data/risk_session.json"
	}

	if err := c.Risk.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (r Risk) validate() error {
	if r.DailyLossCapUSD <= 0 {
		return fmt.Errorf("risk: daily_loss_cap_usd must be positive")
	}
	if r.PortfolioExposureCapUSD <= 0 {
		return fmt.Errorf("risk: portfolio_exposure_cap_usd must be positive")
	}
	if r.CapitalBaseUSD <= 0 {
		return fmt.Errorf("risk: capital_base_usd must be positive")
	}
	return nil
}

// Validate reports whether a preset carries every required limit.
// A failing preset disables that strategy only; the caller keeps the
// rest running.
func (p StrategyPreset) Validate() error {
	var missing []string
	if p.Name == "" {
		missing = append(missing, "name")
	}
	if p.Instrument == "" {
		missing = append(missing, "instrument")
	}
	if p.ScanIntervalSec <= 0 {
		missing = append(missing, "scan_interval_seconds")
	}
	if p.MaxContracts <= 0 {
		missing = append(missing, "max_contracts")
	}
	if p.MaxRiskFraction <= 0 || p.MaxRiskFraction > 1 {
		missing = append(missing, "max_risk_fraction")
	}
	if p.PayoffRatio <= 0 {
		missing = append(missing, "payoff_ratio")
	}
	if p.StopLossPct <= 0 {
		missing = append(missing, "stop_loss_pct")
	}
	if p.TargetProfitPct <= 0 {
		missing = append(missing, "target_profit_pct")
	}
	if p.HoldHours <= 0 {
		missing = append(missing, "hold_hours")
	}
	if p.MaxConsecutiveLosses <= 0 {
		missing = append(missing, "max_consecutive_losses")
	}
	if p.ContractMultiplier <= 0 {
		missing = append(missing, "contract_multiplier")
	}
	if _, _, err := p.Session.bounds(); err != nil {
		missing = append(missing, "session")
	}
	if len(missing) > 0 {
		return fmt.Errorf("strategy %q: missing or invalid: %s", p.Name, strings.Join(missing, ", "))
	}
	return nil
}

// MaxOpen defaults to one concurrent position per strategy.
func (p StrategyPreset) MaxOpen() int {
	if p.MaxOpenPositions <= 0 {
		return 1
	}
	return p.MaxOpenPositions
}

// EvalTimeout bounds one full scan-cycle evaluation.
func (p StrategyPreset) EvalTimeout() time.Duration {
	if p.EvalTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.EvalTimeoutSec) * time.Second
}

func (w SessionWindow) bounds() (open, close int, err error) {
	open, err = parseMinutes(w.OpenUTC)
	if err != nil {
		return 0, 0, err
	}
	close, err = parseMinutes(w.CloseUTC)
	if err != nil {
		return 0, 0, err
	}
	if close <= open {
		return 0, 0, fmt.Errorf("session close %q not after open %q", w.CloseUTC, w.OpenUTC)
	}
	return open, close, nil
}

// Contains reports whether t falls inside the trading window.
func (w SessionWindow) Contains(t time.Time) bool {
	open, close, err := w.bounds()
	if err != nil {
		return false
	}
	t = t.UTC()
	if !w.weekdayAllowed(t.Weekday()) {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= open && minutes < close
}

func (w SessionWindow) weekdayAllowed(d time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return d >= time.Monday && d <= time.Friday
	}
	for _, name := range w.Weekdays {
		if strings.EqualFold(name, d.String()[:3]) || strings.EqualFold(name, d.String()) {
			return true
		}
	}
	return false
}

func parseMinutes(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return h*60 + m, nil
}
