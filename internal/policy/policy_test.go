package policy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func standardTiers() []Tier {
	return []Tier{
		{DaysBeforeEvent: 0, PenaltyPercent: d("50")},
		{DaysBeforeEvent: 14, PenaltyPercent: d("0")},
		{DaysBeforeEvent: 7, PenaltyPercent: d("20")},
	}
}

var event = time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

func TestEvaluateTiers(t *testing.T) {
	e, err := NewEvaluator(standardTiers(), 0)
	require.NoError(t, err)

	cases := []struct {
		name    string
		lead    time.Duration
		held    string
		refund  string
		penalty string
		tier    int
	}{
		{"five days, fully held", 5 * 24 * time.Hour, "1000000", "500000", "500000", 0},
		{"twenty days", 20 * 24 * time.Hour, "1000000", "1000000", "0", 14},
		{"fifteen days", 15 * 24 * time.Hour, "1000000", "1000000", "0", 14},
		{"exactly fourteen days takes the stricter tier", 14 * 24 * time.Hour, "1000000", "800000", "200000", 7},
		{"ten days", 10 * 24 * time.Hour, "1000000", "800000", "200000", 7},
		{"exactly seven days takes the stricter tier", 7 * 24 * time.Hour, "1000000", "500000", "500000", 0},
		{"event day", 0, "1000000", "500000", "500000", 0},
		{"deposit only at five days", 5 * 24 * time.Hour, "300000", "0", "300000", 0},
		{"after the event", -2 * 24 * time.Hour, "1000000", "500000", "500000", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := e.Evaluate(Request{
				OrderAmount: d("1000000"),
				HeldAmount:  d(tc.held),
				CancelledAt: event.Add(-tc.lead),
				EventDate:   event,
			})
			assert.Equal(t, tc.refund, out.Refund.String())
			assert.Equal(t, tc.penalty, out.PenaltyCollected.String())
			assert.Equal(t, tc.tier, out.Tier.DaysBeforeEvent)
			assert.True(t, out.Refund.Add(out.PenaltyCollected).Equal(d(tc.held)))
		})
	}
}

func TestLeadDaysFloors(t *testing.T) {
	assert.Equal(t, 6, LeadDays(event.Add(-(6*24*time.Hour + 23*time.Hour)), event))
	assert.Equal(t, 0, LeadDays(event.Add(time.Hour), event))
}

func TestStrictestTierWhenNoneMatches(t *testing.T) {
	e, err := NewEvaluator([]Tier{
		{DaysBeforeEvent: 30, PenaltyPercent: d("0")},
		{DaysBeforeEvent: 3, PenaltyPercent: d("40")},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, e.Match(1).DaysBeforeEvent)
	assert.Equal(t, 3, e.Match(3).DaysBeforeEvent, "boundary belongs to the closer tier")
	assert.Equal(t, 3, e.Match(30).DaysBeforeEvent)
	assert.Equal(t, 30, e.Match(31).DaysBeforeEvent)
	assert.True(t, e.Match(1).PenaltyPercent.Equal(d("40")))
}

func TestTieBreakPrefersHigherPenalty(t *testing.T) {
	e, err := NewEvaluator([]Tier{
		{DaysBeforeEvent: 7, PenaltyPercent: d("10")},
		{DaysBeforeEvent: 7, PenaltyPercent: d("25")},
	}, 0)
	require.NoError(t, err)
	assert.True(t, e.Match(9).PenaltyPercent.Equal(d("25")))
}

func TestPenaltyRoundsToScale(t *testing.T) {
	e, err := NewEvaluator([]Tier{{DaysBeforeEvent: 0, PenaltyPercent: d("33.3333")}}, 2)
	require.NoError(t, err)

	out := e.Evaluate(Request{OrderAmount: d("100"), HeldAmount: d("100"), CancelledAt: event, EventDate: event})
	assert.Equal(t, "33.33", out.Penalty.String())
	assert.Equal(t, "66.67", out.Refund.String())
}

func TestNewEvaluatorRejectsBadTables(t *testing.T) {
	_, err := NewEvaluator(nil, 0)
	assert.Error(t, err)

	_, err = NewEvaluator([]Tier{{DaysBeforeEvent: -1, PenaltyPercent: d("5")}}, 0)
	assert.Error(t, err)

	_, err = NewEvaluator([]Tier{{DaysBeforeEvent: 1, PenaltyPercent: d("101")}}, 0)
	assert.Error(t, err)
}

func TestValidateSplit(t *testing.T) {
	assert.NoError(t, ValidateSplit(d("1000"), d("600"), d("400")))
	assert.Error(t, ValidateSplit(d("1000"), d("600"), d("300")))
	assert.Error(t, ValidateSplit(d("1000"), d("-1"), d("1001")))
}
