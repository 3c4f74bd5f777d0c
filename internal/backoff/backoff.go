package backoff

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// Mode selects delay growth between attempts.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeExponential Mode = "exponential"
)

const (
	// DefaultInitial is observed reconnect delay of the alert stream.
	DefaultInitial = 3 * time.Second
	// DefaultMax caps exponential growth.
	DefaultMax = time.Minute
	// DefaultJitterRatio spreads reconnects by +/-20%.
	DefaultJitterRatio = 0.2
)

// Policy computes delay before retry attempt.
// Params: growth mode, initial and max delays, jitter ratio in [0,1], and attempt cap (0 = unlimited).
// Returns: value type; Rand may be replaced for deterministic tests.
type Policy struct {
	Mode        Mode
	Initial     time.Duration
	Max         time.Duration
	JitterRatio float64
	MaxAttempts int
	Rand        func() float64
}

// New builds policy from config-style values.
// Params: mode name, delays in milliseconds, jitter ratio, and attempt cap.
// Returns: policy with defaults for non-positive delays.
func New(mode string, initialMS, maxMS int, jitterRatio float64, maxAttempts int) Policy {
	policy := Policy{
		Mode:        ParseMode(mode),
		Initial:     time.Duration(initialMS) * time.Millisecond,
		Max:         time.Duration(maxMS) * time.Millisecond,
		JitterRatio: jitterRatio,
		MaxAttempts: maxAttempts,
	}
	return policy.withDefaults()
}

// Default returns fixed 3s policy with 20% jitter and unlimited attempts.
func Default() Policy {
	return Policy{
		Mode:        ModeFixed,
		Initial:     DefaultInitial,
		Max:         DefaultMax,
		JitterRatio: DefaultJitterRatio,
	}
}

// ParseMode maps config string to mode; unknown values are fixed.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeExponential)) {
		return ModeExponential
	}
	return ModeFixed
}

// Next returns delay before given retry attempt.
// Params: 1-based attempt number.
// Returns: jittered delay; never negative.
func (p Policy) Next(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Initial
	if p.Mode == ModeExponential {
		for step := 1; step < attempt && delay < p.Max; step++ {
			delay *= 2
		}
		if delay > p.Max {
			delay = p.Max
		}
	}
	return p.jitter(delay)
}

// Exhausted reports whether attempt cap is reached.
// Params: number of attempts already made.
// Returns: true when no further attempt is allowed.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Wait blocks for Next(attempt) or until context is done.
// Params: context and 1-based attempt number.
// Returns: context error when cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Next(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
		if p.Mode == ModeExponential && p.Max < DefaultMax {
			p.Max = DefaultMax
		}
	}
	if p.JitterRatio < 0 {
		p.JitterRatio = 0
	}
	if p.JitterRatio > 1 {
		p.JitterRatio = 1
	}
	if p.Mode == "" {
		p.Mode = ModeFixed
	}
	return p
}

func (p Policy) jitter(delay time.Duration) time.Duration {
	if p.JitterRatio == 0 {
		return delay
	}
	random := p.Rand
	if random == nil {
		random = rand.Float64
	}
	factor := 1 + p.JitterRatio*(2*random()-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}
