// Package sizer converts a signal plus risk configuration into an order
// quantity with stop-loss and target levels. Sizing is a pure function over
// the provided state; all mutation happens downstream.
package sizer

import (
	"fmt"
	"math"

	"execution-core/internal/ledger"
	"execution-core/internal/signal"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
)

// Sizing is the approved result for one signal.
type Sizing struct {
	Quantity float64
	StopLoss float64
	Target   float64
	Notional float64
	Strategy string
}

// Rejected reports why a signal may not be sized. Limits reject, they
// never clamp silently.
type Rejected struct {
	Code   string
	Reason string
}

func (r *Rejected) Error() string { return fmt.Sprintf("%s: %s", r.Code, r.Reason) }

// Size evaluates one signal against the risk configuration and the current
// session snapshot.
func Size(sig signal.Signal, cfg config.RiskConfig, session ledger.SessionView) (Sizing, error) {
	if sig.SuggestedEntry <= 0 {
		return Sizing{}, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "signal entry price must be positive"}
	}
	if session.OpenPositions >= session.MaxOpenPositions && session.MaxOpenPositions > 0 {
		return Sizing{}, &Rejected{
			Code:   broker.CodePositionLimit,
			Reason: fmt.Sprintf("open positions %d at limit %d", session.OpenPositions, session.MaxOpenPositions),
		}
	}

	qty, err := quantityFor(sig, cfg, session)
	if err != nil {
		return Sizing{}, err
	}
	qty = math.Floor(qty)
	if qty < 1 {
		return Sizing{}, &Rejected{Code: broker.CodeInvalidQuantity, Reason: "computed quantity below one unit"}
	}

	notional := qty * sig.SuggestedEntry
	if cfg.MaxCapitalPerTrade > 0 && notional > cfg.MaxCapitalPerTrade {
		return Sizing{}, &Rejected{
			Code:   broker.CodeCapitalLimit,
			Reason: fmt.Sprintf("trade capital %.2f exceeds per-trade limit %.2f", notional, cfg.MaxCapitalPerTrade),
		}
	}
	if cfg.MaxCapitalPerDay > 0 && session.DayDeployed+notional > cfg.MaxCapitalPerDay {
		return Sizing{}, &Rejected{
			Code:   broker.CodeCapitalLimit,
			Reason: fmt.Sprintf("day capital %.2f would exceed daily limit %.2f", session.DayDeployed+notional, cfg.MaxCapitalPerDay),
		}
	}

	sl, target := protectionLevels(sig, cfg)
	return Sizing{
		Quantity: qty,
		StopLoss: sl,
		Target:   target,
		Notional: notional,
		Strategy: cfg.SizingStrategy,
	}, nil
}

func protectionLevels(sig signal.Signal, cfg config.RiskConfig) (sl, target float64) {
	sl = sig.SuggestedSL
	target = sig.SuggestedTarget
	if sl > 0 && target > 0 {
		return sl, target
	}
	// Derive missing levels from the per-trade loss budget.
	riskPerUnit := sig.SuggestedEntry * 0.01
	if sig.Direction == broker.SideBuy {
		if sl == 0 {
			sl = sig.SuggestedEntry - riskPerUnit
		}
		if target == 0 {
			target = sig.SuggestedEntry + 2*riskPerUnit
		}
	} else {
		if sl == 0 {
			sl = sig.SuggestedEntry + riskPerUnit
		}
		if target == 0 {
			target = sig.SuggestedEntry - 2*riskPerUnit
		}
	}
	return sl, target
}
