// Package entitlement computes entitlement windows: the time range during
// which an account may use paid features, bounded by the subscription end
// date. All functions are pure with respect to the injected clock.
package entitlement

import (
	"math"
	"time"

	"github.com/smallbiznis/billsync/internal/clock"
)

// Grant durations. Purchases extend by the billing cycle length, trials and
// referral bonuses by fixed windows.
const (
	TrialPeriod   = 14 * 24 * time.Hour
	MonthlyPeriod = 30 * 24 * time.Hour
	YearlyPeriod  = 365 * 24 * time.Hour
	ReferralBonus = 7 * 24 * time.Hour
)

// Extend returns the new end date after granting d of entitlement time.
//
// If current is set and still in the future the grant stacks on top of it,
// so previously paid or earned time is never shortened. If current is unset
// or already past, the grant starts from now, so a lapsed subscription is
// never backdated from a stale end date.
func Extend(c clock.Clock, current *time.Time, d time.Duration) time.Time {
	now := c.Now().UTC()
	if current != nil && current.After(now) {
		return current.Add(d)
	}
	return now.Add(d)
}

// RemainingDays returns the number of whole or partial days left before the
// end date, zero when the window is absent or already closed.
func RemainingDays(c clock.Clock, end *time.Time) int {
	if end == nil {
		return 0
	}
	left := end.Sub(c.Now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// IsExpired reports whether the entitlement window is closed. An absent end
// date counts as expired.
func IsExpired(c clock.Clock, end *time.Time) bool {
	return end == nil || !end.After(c.Now())
}

// PeriodFor maps a billing cycle name to its grant duration. Unknown cycles
// fall back to monthly.
func PeriodFor(billingCycle string) time.Duration {
	if billingCycle == "yearly" {
		return YearlyPeriod
	}
	return MonthlyPeriod
}
