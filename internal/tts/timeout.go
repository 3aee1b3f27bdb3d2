package tts

import "time"

// TimeoutPolicy sizes the deadline of one synthesis call. Observed latency
// grows roughly linearly with input length, so the deadline is a fixed
// overhead plus a per-character cost, capped at Max.
type TimeoutPolicy struct {
	Base    time.Duration
	PerChar time.Duration
	Max     time.Duration
}

func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Base:    10 * time.Second,
		PerChar: 25 * time.Millisecond,
		Max:     120 * time.Second,
	}
}

// For returns the deadline for n characters of input.
func (p TimeoutPolicy) For(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Base + p.PerChar*time.Duration(n)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
