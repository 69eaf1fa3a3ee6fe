package entitlement

import (
	"testing"
	"time"

	"github.com/smallbiznis/billsync/internal/clock"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

func TestExtendFromEmptyStartsAtNow(t *testing.T) {
	now := mustTime(t, "2025-01-01T00:00:00Z")
	c := clock.NewFakeClock(now)

	got := Extend(c, nil, TrialPeriod)
	want := mustTime(t, "2025-01-15T00:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtendStacksOnFutureEndDate(t *testing.T) {
	now := mustTime(t, "2025-01-10T00:00:00Z")
	c := clock.NewFakeClock(now)
	end := mustTime(t, "2025-01-15T00:00:00Z")

	got := Extend(c, &end, MonthlyPeriod)
	want := mustTime(t, "2025-02-14T00:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtendResetsFromNowWhenExpired(t *testing.T) {
	now := mustTime(t, "2025-01-10T00:00:00Z")
	c := clock.NewFakeClock(now)
	end := mustTime(t, "2024-12-01T00:00:00Z")

	got := Extend(c, &end, MonthlyPeriod)
	want := mustTime(t, "2025-02-09T00:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtendStackingIsOrderIndependent(t *testing.T) {
	now := mustTime(t, "2025-03-01T00:00:00Z")
	end := mustTime(t, "2025-03-20T00:00:00Z")
	d1 := MonthlyPeriod
	d2 := ReferralBonus

	c := clock.NewFakeClock(now)
	first := Extend(c, &end, d1)
	second := Extend(c, &first, d2)

	c2 := clock.NewFakeClock(now)
	firstAlt := Extend(c2, &end, d2)
	secondAlt := Extend(c2, &firstAlt, d1)

	if !second.Equal(secondAlt) {
		t.Fatalf("expected order-independent stacking, got %v vs %v", second, secondAlt)
	}
	if !second.Equal(end.Add(d1 + d2)) {
		t.Fatalf("expected %v, got %v", end.Add(d1+d2), second)
	}
	if second.Before(end) {
		t.Fatalf("stacking lost entitlement time: %v < %v", second, end)
	}
}

func TestRemainingDays(t *testing.T) {
	now := mustTime(t, "2025-01-01T00:00:00Z")
	c := clock.NewFakeClock(now)

	cases := []struct {
		name string
		end  *time.Time
		want int
	}{
		{"absent", nil, 0},
		{"expired", timePtr(mustTime(t, "2024-12-31T00:00:00Z")), 0},
		{"exact boundary", timePtr(now), 0},
		{"half day rounds up", timePtr(now.Add(12 * time.Hour)), 1},
		{"full fortnight", timePtr(now.Add(TrialPeriod)), 14},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RemainingDays(c, tc.end); got != tc.want {
				t.Fatalf("expected %d days, got %d", tc.want, got)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := mustTime(t, "2025-01-01T00:00:00Z")
	c := clock.NewFakeClock(now)

	if !IsExpired(c, nil) {
		t.Fatal("absent end date should be expired")
	}
	past := now.Add(-time.Second)
	if !IsExpired(c, &past) {
		t.Fatal("past end date should be expired")
	}
	if !IsExpired(c, &now) {
		t.Fatal("end date equal to now should be expired")
	}
	future := now.Add(time.Second)
	if IsExpired(c, &future) {
		t.Fatal("future end date should not be expired")
	}
}

func TestPeriodFor(t *testing.T) {
	if PeriodFor("yearly") != YearlyPeriod {
		t.Fatal("expected yearly period")
	}
	if PeriodFor("monthly") != MonthlyPeriod {
		t.Fatal("expected monthly period")
	}
	if PeriodFor("") != MonthlyPeriod {
		t.Fatal("expected monthly fallback")
	}
}

func timePtr(t time.Time) *time.Time { return &t }
