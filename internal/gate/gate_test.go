package gate

import (
	"errors"
	"testing"
	"time"
)

func TestNewRejectsBadPolicy(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil policy, got %v", err)
	}
	if _, err := New(FixedCooldown(-time.Second)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative cooldown, got %v", err)
	}
}

func TestIsEligibleBoundary(t *testing.T) {
	t.Parallel()

	g, err := New(FixedCooldown(24 * time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	enqueued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"immediately", enqueued, false},
		{"one second early", enqueued.Add(24*time.Hour - time.Second), false},
		{"exactly at cooldown", enqueued.Add(24 * time.Hour), true},
		{"well past cooldown", enqueued.Add(48 * time.Hour), true},
	}
	for _, tc := range cases {
		if got := g.IsEligible(enqueued, tc.now); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestZeroCooldownIsImmediatelyEligible(t *testing.T) {
	t.Parallel()

	g, err := New(FixedCooldown(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if !g.IsEligible(now, now) {
		t.Fatalf("zero cooldown record not eligible at enqueue time")
	}
}

func TestCooldownSnapshot(t *testing.T) {
	t.Parallel()

	policy := &mutablePolicy{d: time.Hour}
	g, err := New(policy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A later policy change never re-locks records under this gate.
	policy.d = 48 * time.Hour

	enqueued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if !g.IsEligible(enqueued, enqueued.Add(time.Hour)) {
		t.Fatalf("gate picked up the policy mutation")
	}
	if g.Cooldown() != time.Hour {
		t.Fatalf("Cooldown: got %v want %v", g.Cooldown(), time.Hour)
	}
}

type mutablePolicy struct {
	d time.Duration
}

func (p *mutablePolicy) CooldownDuration() time.Duration { return p.d }

func TestNilGateNeverEligible(t *testing.T) {
	t.Parallel()

	var g *Gate
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if g.IsEligible(now.Add(-time.Hour), now) {
		t.Fatalf("nil gate reported eligible")
	}
}
