package sizer

import (
	"errors"
	"testing"

	"execution-core/internal/ledger"
	"execution-core/internal/signal"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
)

func baseSignal() signal.Signal {
	return signal.Signal{
		Instrument:      "RELIANCE",
		Direction:       broker.SideBuy,
		SuggestedEntry:  2500,
		SuggestedSL:     2475,
		SuggestedTarget: 2550,
	}
}

func baseSession() ledger.SessionView {
	return ledger.SessionView{
		AvailableCapital: 100000,
		MaxOpenPositions: 5,
	}
}

func rejectionCode(t *testing.T, err error) string {
	t.Helper()
	var r *Rejected
	if !errors.As(err, &r) {
		t.Fatalf("expected *Rejected, got %T: %v", err, err)
	}
	return r.Code
}

func TestSizeStrategies(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(c *config.RiskConfig)
		sig     func(s *signal.Signal)
		wantQty float64
	}{
		{
			name:    "fixed amount",
			cfg:     func(c *config.RiskConfig) { c.SizingStrategy = "fixed_amount"; c.FixedAmount = 25000 },
			wantQty: 10, // 25000 / 2500
		},
		{
			name:    "fixed qty",
			cfg:     func(c *config.RiskConfig) { c.SizingStrategy = "fixed_qty"; c.FixedQty = 7 },
			wantQty: 7,
		},
		{
			name: "percent risk",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "percent_risk"
				c.RiskPercent = 1
				c.MaxLossPerTrade = 0
				c.MaxCapitalPerTrade = 200000
			},
			wantQty: 40, // 1000 risk budget / 25 per-unit risk
		},
		{
			name: "percent risk capped by max loss per trade",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "percent_risk"
				c.RiskPercent = 5
				c.MaxLossPerTrade = 500
			},
			wantQty: 20, // 500 / 25
		},
		{
			name: "kelly",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "kelly"
				c.WinRate = 0.6
				c.WinLossRatio = 2
				c.KellyFraction = 0.5
				c.MaxCapitalPerTrade = 200000
				c.MaxCapitalPerDay = 400000
			},
			// f = 0.6 - 0.4/2 = 0.4, halved = 0.2 -> 20000 / 2500
			wantQty: 8,
		},
		{
			name: "risk parity",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "risk_parity"
				c.MaxLossPerDay = 5000
				c.MaxCapitalPerTrade = 200000
				c.MaxCapitalPerDay = 400000
			},
			wantQty: 40, // 5000/5 slots = 1000 budget / 25
		},
		{
			name:    "default percent of capital",
			cfg:     func(c *config.RiskConfig) { c.SizingStrategy = ""; c.DefaultPositionSizePercent = 10 },
			wantQty: 4, // 10000 / 2500
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultRiskConfig()
			tt.cfg(&cfg)
			sig := baseSignal()
			if tt.sig != nil {
				tt.sig(&sig)
			}
			got, err := Size(sig, cfg, baseSession())
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if got.Quantity != tt.wantQty {
				t.Fatalf("qty = %v, want %v", got.Quantity, tt.wantQty)
			}
		})
	}
}

func TestSizeRejections(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(c *config.RiskConfig)
		sig      func(s *signal.Signal)
		session  func(v *ledger.SessionView)
		wantCode string
	}{
		{
			name:     "non-positive entry",
			sig:      func(s *signal.Signal) { s.SuggestedEntry = 0 },
			wantCode: broker.CodeInvalidQuantity,
		},
		{
			name:     "open positions at limit",
			session:  func(v *ledger.SessionView) { v.OpenPositions = 5 },
			wantCode: broker.CodePositionLimit,
		},
		{
			name: "per-trade capital limit rejects, never clamps",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "fixed_qty"
				c.FixedQty = 100 // 250000 notional
				c.MaxCapitalPerTrade = 50000
			},
			wantCode: broker.CodeCapitalLimit,
		},
		{
			name: "daily capital limit counts deployed capital",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "fixed_qty"
				c.FixedQty = 10
				c.MaxCapitalPerDay = 60000
			},
			session:  func(v *ledger.SessionView) { v.DayDeployed = 40000 },
			wantCode: broker.CodeCapitalLimit,
		},
		{
			name: "quantity below one unit",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "fixed_amount"
				c.FixedAmount = 1000 // 0.4 units at 2500
			},
			wantCode: broker.CodeInvalidQuantity,
		},
		{
			name: "kelly negative edge",
			cfg: func(c *config.RiskConfig) {
				c.SizingStrategy = "kelly"
				c.WinRate = 0.3
				c.WinLossRatio = 1
			},
			wantCode: broker.CodeInvalidQuantity,
		},
		{
			name:     "unknown strategy",
			cfg:      func(c *config.RiskConfig) { c.SizingStrategy = "martingale" },
			wantCode: broker.CodeInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultRiskConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			sig := baseSignal()
			if tt.sig != nil {
				tt.sig(&sig)
			}
			session := baseSession()
			if tt.session != nil {
				tt.session(&session)
			}
			_, err := Size(sig, cfg, session)
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if got := rejectionCode(t, err); got != tt.wantCode {
				t.Fatalf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestProtectionLevelsDerivedWhenMissing(t *testing.T) {
	cfg := config.DefaultRiskConfig()
	cfg.SizingStrategy = "fixed_qty"
	cfg.FixedQty = 5

	sig := baseSignal()
	sig.SuggestedSL = 0
	sig.SuggestedTarget = 0

	got, err := Size(sig, cfg, baseSession())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if got.StopLoss >= sig.SuggestedEntry {
		t.Fatalf("derived long stop %v must sit below entry %v", got.StopLoss, sig.SuggestedEntry)
	}
	if got.Target <= sig.SuggestedEntry {
		t.Fatalf("derived long target %v must sit above entry %v", got.Target, sig.SuggestedEntry)
	}
}
