package sizer

import (
	"fmt"
	"math"

	"execution-core/internal/ledger"
	"execution-core/internal/signal"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
)

// quantityFor dispatches to the configured sizing strategy.
func quantityFor(sig signal.Signal, cfg config.RiskConfig, session ledger.SessionView) (float64, error) {
	switch cfg.SizingStrategy {
	case "fixed_amount":
		if cfg.FixedAmount <= 0 {
			return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "fixed_amount not configured"}
		}
		return cfg.FixedAmount / sig.SuggestedEntry, nil

	case "fixed_qty":
		if cfg.FixedQty <= 0 {
			return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "fixed_qty not configured"}
		}
		return cfg.FixedQty, nil

	case "percent_risk":
		return percentRiskQty(sig, cfg, session)

	case "volatility":
		return volatilityQty(sig, cfg, session)

	case "kelly":
		return kellyQty(sig, cfg, session)

	case "risk_parity":
		return riskParityQty(sig, cfg, session)

	case "":
		// Default: fixed percent of capital.
		return session.AvailableCapital * cfg.DefaultPositionSizePercent / 100 / sig.SuggestedEntry, nil
	}
	return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: fmt.Sprintf("unknown sizing strategy %q", cfg.SizingStrategy)}
}

// percentRiskQty risks a fixed percent of capital between entry and stop.
func percentRiskQty(sig signal.Signal, cfg config.RiskConfig, session ledger.SessionView) (float64, error) {
	riskBudget := session.AvailableCapital * cfg.RiskPercent / 100
	if cfg.MaxLossPerTrade > 0 {
		riskBudget = math.Min(riskBudget, cfg.MaxLossPerTrade)
	}
	perUnit := riskPerUnit(sig)
	if perUnit <= 0 {
		return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "stop-loss equals entry; per-unit risk is zero"}
	}
	return riskBudget / perUnit, nil
}

// volatilityQty scales the percent-risk size down as the stop distance
// (a proxy for realized volatility) widens relative to price.
func volatilityQty(sig signal.Signal, cfg config.RiskConfig, session ledger.SessionView) (float64, error) {
	base, err := percentRiskQty(sig, cfg, session)
	if err != nil {
		return 0, err
	}
	volFrac := riskPerUnit(sig) / sig.SuggestedEntry
	if volFrac <= 0 {
		return base, nil
	}
	// Target 1% distance; wider stops shrink the position, tighter stops
	// never grow it past the percent-risk base.
	scale := math.Min(1, 0.01/volFrac)
	return base * scale, nil
}

// kellyQty applies a capped Kelly fraction of capital.
func kellyQty(sig signal.Signal, cfg config.RiskConfig, session ledger.SessionView) (float64, error) {
	p := cfg.WinRate
	b := cfg.WinLossRatio
	if p <= 0 || p >= 1 || b <= 0 {
		return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "kelly inputs win_rate/win_loss_ratio not configured"}
	}
	f := p - (1-p)/b
	if f <= 0 {
		return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "negative edge; kelly size is zero"}
	}
	if cfg.KellyFraction > 0 {
		f *= cfg.KellyFraction
	}
	return session.AvailableCapital * f / sig.SuggestedEntry, nil
}

// riskParityQty divides the daily loss budget equally across position slots
// so every position contributes the same risk.
func riskParityQty(sig signal.Signal, cfg config.RiskConfig, session ledger.SessionView) (float64, error) {
	slots := session.MaxOpenPositions
	if slots <= 0 {
		slots = 1
	}
	budget := cfg.MaxLossPerDay / float64(slots)
	if budget <= 0 {
		return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "max_loss_per_day not configured for risk parity"}
	}
	perUnit := riskPerUnit(sig)
	if perUnit <= 0 {
		return 0, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "stop-loss equals entry; per-unit risk is zero"}
	}
	return budget / perUnit, nil
}

func riskPerUnit(sig signal.Signal) float64 {
	sl := sig.SuggestedSL
	if sl <= 0 {
		// Without an explicit stop assume a 1% adverse move.
		return sig.SuggestedEntry * 0.01
	}
	return math.Abs(sig.SuggestedEntry - sl)
}
