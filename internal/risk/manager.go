// Package risk is the pre-trade veto authority. Every prospective order is
// validated against position, exposure, and loss limits before submission;
// the package also owns the circuit breaker and the kill switch.
package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rule names, in the order they are evaluated.
const (
	RuleKillSwitch        = "kill_switch"
	RuleCircuitBreaker    = "circuit_breaker"
	RuleMaxPositionSize   = "max_position_per_trade"
	RuleWindowExposure    = "max_window_exposure"
	RuleTotalExposure     = "max_total_exposure"
	RuleMaxOpenPositions  = "max_open_positions"
	RuleDailyLoss         = "daily_loss_limit"
	RuleHourlyLoss        = "hourly_loss_limit"
	RuleConsecutiveLosses = "consecutive_losses"
	RuleTradeCooldown     = "trade_cooldown"
	RuleLossCooldown      = "loss_cooldown"
	RuleTimeRemaining     = "time_remaining"
	RuleSpread            = "spread"
	RuleBookDepth         = "book_depth"
	RuleEstimatedSlippage = "estimated_slippage"
)

// Config holds every limit the manager enforces. Zero-valued limits are
// treated as disabled except where noted.
type Config struct {
	MaxPositionPerTrade  float64 // quote currency per single trade
	MaxExposurePerWindow float64 // quote currency per settlement window
	MaxTotalExposure     float64 // aggregate quote currency across windows
	MaxOpenPositions     int

	MaxDailyLoss         float64 // positive number; veto once daily pnl <= -limit
	MaxHourlyLoss        float64 // positive number; rolling 1 hour
	MaxConsecutiveLosses int

	TradeCooldown time.Duration // min gap between consecutive entries
	LossCooldown  time.Duration // longer gap enforced right after a loss

	BreakerWindow    time.Duration // rolling loss window for the circuit breaker
	BreakerThreshold float64       // trip once window losses reach this
	BreakerCooldown  time.Duration // auto-reset delay once tripped

	MinTimeRemaining time.Duration // refuse entries too close to settlement
	MaxTimeRemaining time.Duration // refuse entries too early in the window
	MaxSpreadPct     float64       // spread as fraction of mid
	MinBookSize      float64       // resting size required on both sides
	MaxSlippagePct   float64       // estimated slippage as fraction of size
}

// DefaultConfig returns conservative production limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionPerTrade:  5.0,
		MaxExposurePerWindow: 10.0,
		MaxTotalExposure:     25.0,
		MaxOpenPositions:     3,
		MaxDailyLoss:         25.0,
		MaxHourlyLoss:        15.0,
		MaxConsecutiveLosses: 4,
		TradeCooldown:        30 * time.Second,
		LossCooldown:         2 * time.Minute,
		BreakerWindow:        5 * time.Minute,
		BreakerThreshold:     10.0,
		BreakerCooldown:      15 * time.Minute,
		MinTimeRemaining:     90 * time.Second,
		MaxTimeRemaining:     14 * time.Minute,
		MaxSpreadPct:         0.08,
		MinBookSize:          10.0,
		MaxSlippagePct:       0.05,
	}
}

// TradeRequest describes a prospective entry.
type TradeRequest struct {
	Strategy  string
	Symbol    string
	WindowKey string
	Size      float64 // quote currency notional
}

// MarketContext carries optional book state for context-sensitive rules.
// A nil context skips those rules entirely.
type MarketContext struct {
	TimeRemaining    time.Duration
	SpreadPct        float64 // spread / mid
	BidSize          float64
	AskSize          float64
	EstimatedSlipPct float64 // estimated slippage / trade size
}

// Violation names one broken rule.
type Violation struct {
	Rule   string
	Detail string
}

// Result is the outcome of ValidateTrade.
type Result struct {
	Allowed    bool
	Violations []Violation
}

// lossEntry is one realized loss in the rolling lists.
type lossEntry struct {
	amount float64 // positive magnitude
	at     time.Time
}

// recentViolationsCap bounds the in-memory violation log.
const recentViolationsCap = 64

// Manager enforces the rule chain. All methods are safe for concurrent use.
type Manager struct {
	cfg        Config
	killSwitch *KillSwitch
	log        *zap.Logger
	now        func() time.Time

	mu sync.Mutex

	breakerTripped   bool
	breakerTrippedAt time.Time

	losses            []lossEntry
	consecutiveLosses int

	exposure      map[string]float64 // per window key
	totalExposure float64
	openPositions int

	dailyPnL    float64
	dailyTrades int
	dayStart    time.Time

	lastTradeAt time.Time
	lastLossAt  time.Time

	recentViolations []Violation
}

// NewManager creates a risk manager with the given limits and kill switch.
func NewManager(cfg Config, ks *KillSwitch, log *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		killSwitch: ks,
		log:        log.Named("risk"),
		now:        time.Now,
		exposure:   make(map[string]float64),
		dayStart:   time.Now(),
	}
}

// SetClock overrides the clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// KillSwitch exposes the switch for the control plane.
func (m *Manager) KillSwitch() *KillSwitch {
	return m.killSwitch
}

// ValidateTrade checks a prospective trade against the full rule chain. The
// kill switch and circuit breaker short-circuit; the remaining rules all run
// so the caller sees every violated limit at once. A veto is a deliberate
// refusal, never retried automatically.
func (m *Manager) ValidateTrade(req TradeRequest, mctx *MarketContext) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// 1. Kill switch: immediate veto, no further checks.
	if m.killSwitch != nil && m.killSwitch.Active() {
		_, reason, _ := m.killSwitch.State()
		return m.veto(req, Violation{Rule: RuleKillSwitch, Detail: reason})
	}

	// 2. Circuit breaker, with auto-reset after the cooldown.
	if m.breakerTripped {
		if now.Sub(m.breakerTrippedAt) >= m.cfg.BreakerCooldown {
			m.breakerTripped = false
			m.log.Info("circuit breaker auto-reset",
				zap.Duration("cooldown", m.cfg.BreakerCooldown))
		} else {
			remaining := m.cfg.BreakerCooldown - now.Sub(m.breakerTrippedAt)
			return m.veto(req, Violation{
				Rule:   RuleCircuitBreaker,
				Detail: fmt.Sprintf("cooldown remaining %s", remaining.Round(time.Second)),
			})
		}
	}

	var violations []Violation
	add := func(rule, detail string) {
		violations = append(violations, Violation{Rule: rule, Detail: detail})
	}

	// 3. Size, exposure, and count limits.
	if m.cfg.MaxPositionPerTrade > 0 && req.Size > m.cfg.MaxPositionPerTrade {
		add(RuleMaxPositionSize, fmt.Sprintf("size %.2f > limit %.2f", req.Size, m.cfg.MaxPositionPerTrade))
	}
	if m.cfg.MaxExposurePerWindow > 0 && m.exposure[req.WindowKey]+req.Size > m.cfg.MaxExposurePerWindow {
		add(RuleWindowExposure, fmt.Sprintf("window %s exposure %.2f + %.2f > limit %.2f",
			req.WindowKey, m.exposure[req.WindowKey], req.Size, m.cfg.MaxExposurePerWindow))
	}
	if m.cfg.MaxTotalExposure > 0 && m.totalExposure+req.Size > m.cfg.MaxTotalExposure {
		add(RuleTotalExposure, fmt.Sprintf("total exposure %.2f + %.2f > limit %.2f",
			m.totalExposure, req.Size, m.cfg.MaxTotalExposure))
	}
	if m.cfg.MaxOpenPositions > 0 && m.openPositions >= m.cfg.MaxOpenPositions {
		if _, held := m.exposure[req.WindowKey]; !held {
			add(RuleMaxOpenPositions, fmt.Sprintf("%d positions open", m.openPositions))
		}
	}

	// 4. Loss limits.
	m.pruneLosses(now)
	if m.cfg.MaxDailyLoss > 0 && m.dailyPnL <= -m.cfg.MaxDailyLoss {
		add(RuleDailyLoss, fmt.Sprintf("daily pnl %.2f", m.dailyPnL))
	}
	if m.cfg.MaxHourlyLoss > 0 {
		if hourly := m.lossesWithin(now, time.Hour); hourly >= m.cfg.MaxHourlyLoss {
			add(RuleHourlyLoss, fmt.Sprintf("rolling 1h losses %.2f", hourly))
		}
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		add(RuleConsecutiveLosses, fmt.Sprintf("%d consecutive losses", m.consecutiveLosses))
	}

	// 5. Cooldowns; a loss imposes the longer one.
	if m.cfg.LossCooldown > 0 && !m.lastLossAt.IsZero() && now.Sub(m.lastLossAt) < m.cfg.LossCooldown {
		add(RuleLossCooldown, fmt.Sprintf("%s since last loss", now.Sub(m.lastLossAt).Round(time.Second)))
	} else if m.cfg.TradeCooldown > 0 && !m.lastTradeAt.IsZero() && now.Sub(m.lastTradeAt) < m.cfg.TradeCooldown {
		add(RuleTradeCooldown, fmt.Sprintf("%s since last trade", now.Sub(m.lastTradeAt).Round(time.Second)))
	}

	// 6. Market-context checks, when supplied.
	if mctx != nil {
		if m.cfg.MinTimeRemaining > 0 && mctx.TimeRemaining < m.cfg.MinTimeRemaining {
			add(RuleTimeRemaining, fmt.Sprintf("only %s left in window", mctx.TimeRemaining.Round(time.Second)))
		}
		if m.cfg.MaxTimeRemaining > 0 && mctx.TimeRemaining > m.cfg.MaxTimeRemaining {
			add(RuleTimeRemaining, fmt.Sprintf("%s left, too early", mctx.TimeRemaining.Round(time.Second)))
		}
		if m.cfg.MaxSpreadPct > 0 && mctx.SpreadPct > m.cfg.MaxSpreadPct {
			add(RuleSpread, fmt.Sprintf("spread %.2f%% of mid", mctx.SpreadPct*100))
		}
		if m.cfg.MinBookSize > 0 && (mctx.BidSize < m.cfg.MinBookSize || mctx.AskSize < m.cfg.MinBookSize) {
			add(RuleBookDepth, fmt.Sprintf("bid %.1f / ask %.1f below min %.1f",
				mctx.BidSize, mctx.AskSize, m.cfg.MinBookSize))
		}
		if m.cfg.MaxSlippagePct > 0 && mctx.EstimatedSlipPct > m.cfg.MaxSlippagePct {
			add(RuleEstimatedSlippage, fmt.Sprintf("estimated slippage %.2f%%", mctx.EstimatedSlipPct*100))
		}
	}

	if len(violations) > 0 {
		return m.veto(req, violations...)
	}
	return Result{Allowed: true}
}

// veto records the violations and returns the refusal. Caller holds the lock.
func (m *Manager) veto(req TradeRequest, violations ...Violation) Result {
	for _, v := range violations {
		m.log.Warn("trade vetoed",
			zap.String("strategy", req.Strategy),
			zap.String("window", req.WindowKey),
			zap.Float64("size", req.Size),
			zap.String("rule", v.Rule),
			zap.String("detail", v.Detail))
	}
	m.recentViolations = append(m.recentViolations, violations...)
	if overflow := len(m.recentViolations) - recentViolationsCap; overflow > 0 {
		m.recentViolations = m.recentViolations[overflow:]
	}
	return Result{Allowed: false, Violations: violations}
}

// RecordTradeOpen books exposure for a confirmed entry. The open-position
// counter only moves on a genuinely new window key, not on size additions.
func (m *Manager) RecordTradeOpen(windowKey string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.exposure[windowKey]; !held {
		m.openPositions++
	}
	m.exposure[windowKey] += size
	m.totalExposure += size
	m.lastTradeAt = m.now()
	m.dailyTrades++
}

// RecordTradeClose releases exposure and books realized P&L. Losses feed the
// rolling lists and may trip the circuit breaker; a win resets the
// consecutive-loss counter.
func (m *Manager) RecordTradeClose(windowKey string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if held, ok := m.exposure[windowKey]; ok {
		m.totalExposure -= held
		if m.totalExposure < 0 {
			m.totalExposure = 0
		}
		delete(m.exposure, windowKey)
		m.openPositions--
		if m.openPositions < 0 {
			m.openPositions = 0
		}
	}

	m.dailyPnL += pnl

	if pnl < 0 {
		m.losses = append(m.losses, lossEntry{amount: -pnl, at: now})
		m.consecutiveLosses++
		m.lastLossAt = now
		m.evaluateBreaker(now)
	} else {
		m.consecutiveLosses = 0
	}
}

// evaluateBreaker trips the breaker once rolling-window losses reach the
// threshold. Caller holds the lock.
func (m *Manager) evaluateBreaker(now time.Time) {
	if m.breakerTripped || m.cfg.BreakerThreshold <= 0 {
		return
	}
	windowLosses := m.lossesWithin(now, m.cfg.BreakerWindow)
	if windowLosses >= m.cfg.BreakerThreshold {
		m.breakerTripped = true
		m.breakerTrippedAt = now
		m.log.Warn("circuit breaker tripped",
			zap.Float64("window_losses", windowLosses),
			zap.Float64("threshold", m.cfg.BreakerThreshold),
			zap.Duration("cooldown", m.cfg.BreakerCooldown))
	}
}

// lossesWithin sums realized losses inside the window ending now. Caller
// holds the lock.
func (m *Manager) lossesWithin(now time.Time, window time.Duration) float64 {
	var sum float64
	cutoff := now.Add(-window)
	for _, l := range m.losses {
		if !l.at.Before(cutoff) {
			sum += l.amount
		}
	}
	return sum
}

// pruneLosses drops entries no rule can see anymore. Caller holds the lock.
func (m *Manager) pruneLosses(now time.Time) {
	horizon := time.Hour
	if m.cfg.BreakerWindow > horizon {
		horizon = m.cfg.BreakerWindow
	}
	cutoff := now.Add(-horizon)

	kept := m.losses[:0]
	for _, l := range m.losses {
		if !l.at.Before(cutoff) {
			kept = append(kept, l)
		}
	}
	m.losses = kept
}

// SweepExpired releases exposure held against settlement windows that have
// already closed. It guards the open-position counter against a missed close
// notification. Returns the window keys released.
func (m *Manager) SweepExpired(windowEnd func(windowKey string) (time.Time, bool)) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var released []string
	for key, held := range m.exposure {
		end, ok := windowEnd(key)
		if !ok || end.After(now) {
			continue
		}
		m.totalExposure -= held
		if m.totalExposure < 0 {
			m.totalExposure = 0
		}
		delete(m.exposure, key)
		m.openPositions--
		if m.openPositions < 0 {
			m.openPositions = 0
		}
		released = append(released, key)
		m.log.Warn("swept exposure for closed window",
			zap.String("window", key),
			zap.Float64("released", held))
	}
	return released
}

// ResetDaily zeroes the start-of-day counters. Called by the trader's
// midnight timer.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info("daily risk counters reset",
		zap.Float64("closed_day_pnl", m.dailyPnL),
		zap.Int("closed_day_trades", m.dailyTrades))

	m.dailyPnL = 0
	m.dailyTrades = 0
	m.dayStart = m.now()
}

// State is a read-only snapshot for the control plane.
type State struct {
	KillSwitchActive  bool
	KillSwitchReason  string
	BreakerTripped    bool
	BreakerTrippedAt  time.Time
	ConsecutiveLosses int
	OpenPositions     int
	TotalExposure     float64
	WindowExposure    map[string]float64
	DailyPnL          float64
	DailyTrades       int
	RecentViolations  []Violation
}

// Snapshot copies current state for reporting. The copy is defensive: the
// caller may hold it across ticks.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	exposure := make(map[string]float64, len(m.exposure))
	for k, v := range m.exposure {
		exposure[k] = v
	}
	violations := make([]Violation, len(m.recentViolations))
	copy(violations, m.recentViolations)

	s := State{
		BreakerTripped:    m.breakerTripped,
		BreakerTrippedAt:  m.breakerTrippedAt,
		ConsecutiveLosses: m.consecutiveLosses,
		OpenPositions:     m.openPositions,
		TotalExposure:     m.totalExposure,
		WindowExposure:    exposure,
		DailyPnL:          m.dailyPnL,
		DailyTrades:       m.dailyTrades,
		RecentViolations:  violations,
	}
	if m.killSwitch != nil {
		s.KillSwitchActive, s.KillSwitchReason, _ = m.killSwitch.State()
	}
	return s
}
