package exit

import (
	"fmt"
	"sort"
	"time"
)

// FloorStep maps a peak-profit threshold to the profit floor it locks in.
type FloorStep struct {
	Threshold float64 `yaml:"threshold"` // peak unrealized profit fraction
	Floor     float64 `yaml:"floor"`     // locked-in profit fraction
}

// RuleSet are the per-position exit parameters. A strategy override replaces
// any field it sets.
type RuleSet struct {
	StopLossPct float64     `yaml:"stop_loss_pct"` // exit once loss fraction reaches this
	TrailingPct float64     `yaml:"trailing_pct"`  // exit once drawdown from peak reaches this
	Floors      []FloorStep `yaml:"floors"`        // ascending by threshold
}

// Override is a partial RuleSet; nil fields inherit the defaults.
type Override struct {
	StopLossPct *float64    `yaml:"stop_loss_pct"`
	TrailingPct *float64    `yaml:"trailing_pct"`
	Floors      []FloorStep `yaml:"floors"`
}

// Config configures the exit controller.
type Config struct {
	Defaults  RuleSet             `yaml:"defaults"`
	Overrides map[string]Override `yaml:"overrides"` // keyed by strategy

	// Entry discipline
	PendingEntryTimeout time.Duration `yaml:"pending_entry_timeout"` // marker expiry for a stuck entry
	RetryExtraSlippage  float64       `yaml:"retry_extra_slippage"`  // worse-price budget for the single entry retry
	MinOrderValue       float64       `yaml:"min_order_value"`       // exchange minimum order value
	TrustTxProof        bool          `yaml:"trust_tx_proof"`        // accept txRef+success+matched when balance is inconclusive

	// Exit discipline
	MaxExitAttempts int     `yaml:"max_exit_attempts"` // abandonment threshold
	ExitPriceBuffer float64 `yaml:"exit_price_buffer"` // fraction below bid to cross the spread
}

// DefaultConfig returns the production exit parameters.
func DefaultConfig() Config {
	return Config{
		Defaults: RuleSet{
			StopLossPct: 0.50,
			TrailingPct: 0.10,
			Floors: []FloorStep{
				{Threshold: 0.10, Floor: 0.05},
				{Threshold: 0.20, Floor: 0.12},
				{Threshold: 0.30, Floor: 0.20},
			},
		},
		PendingEntryTimeout: 30 * time.Second,
		RetryExtraSlippage:  0.02,
		MinOrderValue:       1.0,
		TrustTxProof:        true,
		MaxExitAttempts:     5,
		ExitPriceBuffer:     0.02,
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if err := c.Defaults.validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for name := range c.Overrides {
		resolved := c.RulesFor(name)
		if err := resolved.validate(); err != nil {
			return fmt.Errorf("override %s: %w", name, err)
		}
	}
	if c.MaxExitAttempts <= 0 {
		return fmt.Errorf("max_exit_attempts must be positive")
	}
	return nil
}

func (r RuleSet) validate() error {
	if r.StopLossPct <= 0 || r.StopLossPct > 1 {
		return fmt.Errorf("stop_loss_pct %.2f out of (0, 1]", r.StopLossPct)
	}
	if r.TrailingPct <= 0 || r.TrailingPct > 1 {
		return fmt.Errorf("trailing_pct %.2f out of (0, 1]", r.TrailingPct)
	}
	for i, s := range r.Floors {
		if s.Floor > s.Threshold {
			return fmt.Errorf("floor %.2f above its threshold %.2f", s.Floor, s.Threshold)
		}
		if i > 0 && s.Threshold <= r.Floors[i-1].Threshold {
			return fmt.Errorf("floor thresholds must be strictly ascending")
		}
	}
	return nil
}

// RulesFor resolves the effective rule set for a strategy, applying its
// override on top of the defaults. Floors are returned ascending by
// threshold regardless of configured order.
func (c Config) RulesFor(strategy string) RuleSet {
	r := c.Defaults
	if o, ok := c.Overrides[strategy]; ok {
		if o.StopLossPct != nil {
			r.StopLossPct = *o.StopLossPct
		}
		if o.TrailingPct != nil {
			r.TrailingPct = *o.TrailingPct
		}
		if len(o.Floors) > 0 {
			r.Floors = o.Floors
		}
	}

	floors := make([]FloorStep, len(r.Floors))
	copy(floors, r.Floors)
	sort.Slice(floors, func(i, j int) bool { return floors[i].Threshold < floors[j].Threshold })
	r.Floors = floors
	return r
}
