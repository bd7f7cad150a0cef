// Prometheus metrics for the decision core.
//
// Primary series:
//   - bot_scan_cycles_total{strategy,outcome}  – scan cycles by outcome (opened|skip|veto|error)
//   - bot_gate_vetoes_total{reason}            – risk gate vetoes by failing check
//   - bot_orders_total{strategy,side}          – orders submitted to the execution adapter
//   - bot_exits_total{strategy,reason}         – position exits by reason
//   - bot_advisory_failures_total{kind}        – advisory call failures (timeout|malformed|transport)
//   - bot_advisory_stale_total                 – recommendations flagged stale
//   - bot_daily_pnl_usd                        – portfolio daily realized P&L (gauge)
//   - bot_open_notional_usd                    – portfolio open notional exposure (gauge)
//   - bot_consecutive_losses{strategy}         – consecutive-loss counters (gauge)
//
// Registered in init() and served at /metrics by cmd/botcore.
package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scanCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_scan_cycles_total",
			Help: "Scan cycles by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	gateVetoes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gate_vetoes_total",
			Help: "Risk gate vetoes by failing check",
		},
		[]string{"reason"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders submitted to the execution adapter",
		},
		[]string{"strategy", "side"},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Position exits by reason",
		},
		[]string{"strategy", "reason"},
	)

	advisoryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_advisory_failures_total",
			Help: "Advisory call failures by kind",
		},
		[]string{"kind"},
	)

	advisoryStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_advisory_stale_total",
			Help: "Advisory recommendations flagged stale",
		},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_daily_pnl_usd",
			Help: "Portfolio daily realized P&L in USD",
		},
	)

	openNotional = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_notional_usd",
			Help: "Portfolio open notional exposure in USD",
		},
	)

	consecutiveLosses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_consecutive_losses",
			Help: "Consecutive losing closes per strategy",
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(scanCycles, gateVetoes, orders, exits)
	prometheus.MustRegister(advisoryFailures, advisoryStale)
	prometheus.MustRegister(dailyPnL, openNotional, consecutiveLosses)
}

func IncScanCycle(strategy, outcome string) { scanCycles.WithLabelValues(strategy, outcome).Inc() }

func IncGateVeto(reason string) { gateVetoes.WithLabelValues(reason).Inc() }

func IncOrder(strategy, side string) { orders.WithLabelValues(strategy, side).Inc() }

func IncExit(strategy, reason string) { exits.WithLabelValues(strategy, reason).Inc() }

func IncAdvisoryFailure(kind string) { advisoryFailures.WithLabelValues(kind).Inc() }

func IncAdvisoryStale() { advisoryStale.Inc() }

func SetDailyPnL(v float64) { dailyPnL.Set(v) }

func SetOpenNotional(v float64) { openNotional.Set(v) }

func SetConsecutiveLosses(strategy string, n int) {
	consecutiveLosses.WithLabelValues(strategy).Set(float64(n))
}

// MetricsHandler serves the Prometheus text exposition format.
func MetricsHandler() http.Handler { return promhttp.Handler() }
