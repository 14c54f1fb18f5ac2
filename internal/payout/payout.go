// Package payout splits released funds between the seller and the platform.
package payout

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Calculator resolves commission rates and splits amounts.
type Calculator struct {
	defaultRate decimal.Decimal
	overrides   map[string]decimal.Decimal
	scale       int32
}

// NewCalculator validates the platform default and per-seller rates. Rates
// are fractions, so 0.05 is five percent.
func NewCalculator(defaultRate decimal.Decimal, overrides map[string]decimal.Decimal, scale int32) (*Calculator, error) {
	if err := validateRate(defaultRate); err != nil {
		return nil, fmt.Errorf("default commission rate: %w", err)
	}
	ov := make(map[string]decimal.Decimal, len(overrides))
	for seller, rate := range overrides {
		if err := validateRate(rate); err != nil {
			return nil, fmt.Errorf("commission rate for seller %s: %w", seller, err)
		}
		ov[seller] = rate
	}
	return &Calculator{defaultRate: defaultRate, overrides: ov, scale: scale}, nil
}

func validateRate(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("rate must be within 0-1, got %s", r)
	}
	return nil
}

// RateFor returns the seller override when one exists, otherwise the
// platform default.
func (c *Calculator) RateFor(sellerID string) decimal.Decimal {
	if r, ok := c.overrides[sellerID]; ok {
		return r
	}
	return c.defaultRate
}

// Split is one amount divided between seller and platform.
type Split struct {
	Gross         decimal.Decimal `json:"gross"`
	Rate          decimal.Decimal `json:"rate"`
	Commission    decimal.Decimal `json:"platform_commission"`
	SellerRevenue decimal.Decimal `json:"seller_revenue"`
}

// Split divides amount. Commission is rounded to the currency scale and the
// seller receives the remainder, so the two always sum to amount.
func (c *Calculator) Split(sellerID string, amount decimal.Decimal) Split {
	rate := c.RateFor(sellerID)
	commission := amount.Mul(rate).Round(c.scale)
	return Split{
		Gross:         amount,
		Rate:          rate,
		Commission:    commission,
		SellerRevenue: amount.Sub(commission),
	}
}
