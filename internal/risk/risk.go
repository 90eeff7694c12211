package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// OrderCheck carries everything the checker needs to judge one proposed
// order. Fractions (daily loss, drawdown) are relative to the reference
// balance; percents (stop loss, take profit) are price-move percents.
type OrderCheck struct {
	Symbol            string
	Side              string // "long" or "short"
	NotionalUSD       float64
	Leverage          int
	StopLossPct       float64
	TakeProfitPct     float64
	FundingRate       float64
	FreeBalance       float64
	TotalMarginUsed   float64
	ConsecutiveLosses int
	DailyLossPct      float64
	DrawdownPct       float64
}

// Margin returns notional / leverage for the proposed order.
func (o *OrderCheck) Margin() float64 {
	lev := o.Leverage
	if lev < 1 {
		lev = 1
	}
	return o.NotionalUSD / float64(lev)
}

// Verdict is the outcome of a risk check. A rejection is data, not an
// error: every failed rule contributes one reason.
type Verdict struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons,omitempty"`
}

func (v *Verdict) reject(format string, args ...any) {
	v.Approved = false
	v.Reasons = append(v.Reasons, fmt.Sprintf(format, args...))
}

// Checker validates proposed orders against a bot's risk envelope.
type Checker struct {
	limits db.RiskLimits
}

func NewChecker(limits db.RiskLimits) *Checker {
	return &Checker{limits: limits}
}

// Check runs the full rule set and returns the verdict. Rules are
// evaluated in order and all violations are collected.
func (c *Checker) Check(o OrderCheck) Verdict {
	v := Verdict{Approved: true}
	l := c.limits

	if o.NotionalUSD <= 0 {
		v.reject("invalid position size %.2f USD", o.NotionalUSD)
	}
	if o.Side != "long" && o.Side != "short" {
		v.reject("invalid side %q", o.Side)
	}
	if o.StopLossPct <= 0 || o.TakeProfitPct <= 0 {
		v.reject("stop loss and take profit must be positive (sl=%.2f tp=%.2f)",
			o.StopLossPct, o.TakeProfitPct)
	}

	if o.StopLossPct > 0 && l.MinRiskReward > 0 {
		rr := o.TakeProfitPct / o.StopLossPct
		if rr < l.MinRiskReward {
			v.reject("risk/reward %.2f below minimum %.2f", rr, l.MinRiskReward)
		}
	}

	if o.NotionalUSD > 0 {
		if o.NotionalUSD < l.MinPositionUSD {
			v.reject("position %.2f USD below minimum %.2f", o.NotionalUSD, l.MinPositionUSD)
		}
		if l.MaxPositionUSD > 0 && o.NotionalUSD > l.MaxPositionUSD {
			v.reject("position %.2f USD above maximum %.2f", o.NotionalUSD, l.MaxPositionUSD)
		}
	}

	if l.MaxLeverage > 0 && o.Leverage > l.MaxLeverage {
		v.reject("leverage %dx above maximum %dx", o.Leverage, l.MaxLeverage)
	}

	if o.FreeBalance > 0 {
		margin := o.Margin()
		if l.MaxSinglePosition > 0 && margin > l.MaxSinglePosition*o.FreeBalance {
			v.reject("margin %.2f exceeds single-position cap %.2f",
				margin, l.MaxSinglePosition*o.FreeBalance)
		}
		if l.MaxTotalExposure > 0 && o.TotalMarginUsed+margin > l.MaxTotalExposure*o.FreeBalance {
			v.reject("total margin %.2f would exceed exposure cap %.2f",
				o.TotalMarginUsed+margin, l.MaxTotalExposure*o.FreeBalance)
		}
	}

	if l.MaxConsecutiveLosses > 0 && o.ConsecutiveLosses >= l.MaxConsecutiveLosses {
		v.reject("paused after %d consecutive losses (limit %d)",
			o.ConsecutiveLosses, l.MaxConsecutiveLosses)
	}

	if l.FundingCheck && l.MaxFundingRate > 0 {
		switch o.Side {
		case "long":
			if o.FundingRate > l.MaxFundingRate {
				v.reject("funding rate %.6f too expensive for longs (max %.6f)",
					o.FundingRate, l.MaxFundingRate)
			}
		case "short":
			if o.FundingRate < -l.MaxFundingRate {
				v.reject("funding rate %.6f too expensive for shorts (max %.6f)",
					o.FundingRate, l.MaxFundingRate)
			}
		}
	}

	if l.MaxDailyLoss > 0 && o.DailyLossPct >= l.MaxDailyLoss {
		v.reject("daily loss %.2f%% hit the limit %.2f%%",
			o.DailyLossPct*100, l.MaxDailyLoss*100)
	}
	if l.MaxDrawdown > 0 && o.DrawdownPct >= l.MaxDrawdown {
		v.reject("drawdown %.2f%% hit the limit %.2f%%",
			o.DrawdownPct*100, l.MaxDrawdown*100)
	}

	if !v.Approved {
		log.Warn().
			Str("component", "risk").
			Str("symbol", o.Symbol).
			Str("side", o.Side).
			Strs("reasons", v.Reasons).
			Msg("order rejected by risk checks")
	}
	return v
}
