package recurrence

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		interval int
		from     time.Time
		want     time.Time
	}{
		{"daily", Daily, 1, date(2026, 1, 1), date(2026, 1, 2)},
		{"daily interval 3", Daily, 3, date(2026, 1, 30), date(2026, 2, 2)},
		{"weekly", Weekly, 1, date(2026, 1, 1), date(2026, 1, 8)},
		{"biweekly", Weekly, 2, date(2026, 1, 1), date(2026, 1, 15)},
		{"monthly", Monthly, 1, date(2026, 1, 15), date(2026, 2, 15)},
		{"monthly clamp", Monthly, 1, date(2026, 1, 31), date(2026, 2, 28)},
		{"monthly clamp leap year", Monthly, 1, date(2028, 1, 31), date(2028, 2, 29)},
		{"monthly across year", Monthly, 2, date(2026, 12, 31), date(2027, 2, 28)},
		{"quarterly", Monthly, 3, date(2026, 11, 30), date(2027, 2, 28)},
		{"zero interval counts as one", Daily, 0, date(2026, 1, 1), date(2026, 1, 2)},
		{"pattern is case insensitive", "Weekly", 1, date(2026, 1, 1), date(2026, 1, 8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.pattern, tt.interval, tt.from)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextUnknownPattern(t *testing.T) {
	_, err := Next("hourly", 1, date(2026, 1, 1))
	if !errors.Is(err, ErrUnknownPattern) {
		t.Errorf("Next() error = %v, want ErrUnknownPattern", err)
	}
}

func TestRuleNextKeepsAnchorDay(t *testing.T) {
	anchor := date(2026, 1, 31)
	r := Rule{Pattern: Monthly, Interval: 1, Anchor: &anchor}

	want := []time.Time{
		date(2026, 2, 28),
		date(2026, 3, 31),
		date(2026, 4, 30),
		date(2026, 5, 31),
	}

	from := anchor
	for i, w := range want {
		got, err := r.Next(from)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !got.Equal(w) {
			t.Errorf("occurrence %d = %v, want %v", i+1, got, w)
		}
		from = got
	}
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	for _, pattern := range []string{Daily, Weekly, Monthly} {
		for interval := 0; interval <= 4; interval++ {
			anchor := date(2026, 1, 31)
			r := Rule{Pattern: pattern, Interval: interval, Anchor: &anchor}
			from := anchor
			for i := 0; i < 30; i++ {
				got, err := r.Next(from)
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				if !got.After(from) {
					t.Fatalf("%s/%d: Next(%v) = %v, want strictly later", pattern, interval, from, got)
				}
				from = got
			}
		}
	}
}

func TestRuleAdvance(t *testing.T) {
	end := date(2026, 1, 10)

	t.Run("active", func(t *testing.T) {
		r := Rule{Pattern: Daily, Interval: 1, EndDate: &end}
		got, err := r.Advance(date(2026, 1, 5))
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if got == nil || !got.Equal(date(2026, 1, 6)) {
			t.Errorf("Advance() = %v, want %v", got, date(2026, 1, 6))
		}
	})

	t.Run("last occurrence on end date", func(t *testing.T) {
		r := Rule{Pattern: Daily, Interval: 1, EndDate: &end}
		got, err := r.Advance(date(2026, 1, 9))
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if got == nil || !got.Equal(end) {
			t.Errorf("Advance() = %v, want %v", got, end)
		}
	})

	t.Run("lapsed", func(t *testing.T) {
		r := Rule{Pattern: Weekly, Interval: 1, EndDate: &end}
		got, err := r.Advance(date(2026, 1, 5))
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if got != nil {
			t.Errorf("Advance() = %v, want nil", got)
		}
	})

	t.Run("end date before from", func(t *testing.T) {
		r := Rule{Pattern: Daily, Interval: 1, EndDate: &end}
		got, err := r.Advance(date(2026, 2, 1))
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if got != nil {
			t.Errorf("Advance() = %v, want nil", got)
		}
	})

	t.Run("no end date", func(t *testing.T) {
		r := Rule{Pattern: Monthly, Interval: 12}
		got, err := r.Advance(date(2026, 2, 28))
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if got == nil || !got.Equal(date(2027, 2, 28)) {
			t.Errorf("Advance() = %v, want %v", got, date(2027, 2, 28))
		}
	})
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		rule    Rule
		wantErr bool
	}{
		{Rule{Pattern: Daily, Interval: 1}, false},
		{Rule{Pattern: Monthly}, false},
		{Rule{Pattern: "yearly", Interval: 1}, true},
		{Rule{Pattern: Weekly, Interval: -1}, true},
	}

	for _, tt := range tests {
		err := tt.rule.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.rule, err, tt.wantErr)
		}
	}
}

func TestRuleAdvancePast(t *testing.T) {
	end := date(2026, 1, 20)

	tests := []struct {
		name string
		rule Rule
		from time.Time
		now  time.Time
		want *time.Time
	}{
		{"on time", Rule{Pattern: Daily, Interval: 1}, date(2026, 1, 1), date(2026, 1, 1), ptr(date(2026, 1, 2))},
		{"skips missed runs", Rule{Pattern: Daily, Interval: 1}, date(2026, 1, 1), date(2026, 1, 5).Add(time.Hour), ptr(date(2026, 1, 6))},
		{"weekly catch up", Rule{Pattern: Weekly, Interval: 1}, date(2026, 1, 1), date(2026, 1, 16), ptr(date(2026, 1, 22))},
		{"lapses while catching up", Rule{Pattern: Daily, Interval: 1, EndDate: &end}, date(2026, 1, 1), date(2026, 1, 25), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.rule.AdvancePast(tt.from, tt.now)
			if err != nil {
				t.Fatalf("AdvancePast() error = %v", err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && !got.Equal(*tt.want)) {
				t.Errorf("AdvancePast() = %v, want %v", got, tt.want)
			}
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }
