// Package gate decides when a queued withdrawal record has passed its
// mandatory cooldown and may be finalized.
package gate

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("gate: invalid config")

// Policy is the external flow-rate collaborator. Only the cooldown duration
// is consumed here; cross-asset flow caps live outside this engine.
type Policy interface {
	CooldownDuration() time.Duration
}

// FixedCooldown is a Policy with a statically configured delay.
type FixedCooldown time.Duration

func (c FixedCooldown) CooldownDuration() time.Duration {
	return time.Duration(c)
}

// Gate answers eligibility questions for queue records.
//
// The cooldown is snapshotted at construction: IsEligible is monotonic in
// now, and a later policy change never re-locks a record that was already
// eligible under this gate. Deployments that change the policy build a new
// gate and accept that only the relaxed direction applies retroactively.
type Gate struct {
	cooldown time.Duration
}

func New(policy Policy) (*Gate, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidConfig)
	}
	cooldown := policy.CooldownDuration()
	if cooldown < 0 {
		return nil, fmt.Errorf("%w: negative cooldown", ErrInvalidConfig)
	}
	return &Gate{cooldown: cooldown}, nil
}

// IsEligible reports whether a record enqueued at enqueuedAt may be
// finalized at now. The boundary is inclusive: a record becomes eligible at
// exactly enqueuedAt + cooldown.
func (g *Gate) IsEligible(enqueuedAt, now time.Time) bool {
	if g == nil {
		return false
	}
	return !now.Before(enqueuedAt.Add(g.cooldown))
}

// Cooldown returns the snapshotted cooldown duration.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}
