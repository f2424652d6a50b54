package relay

import (
	"math"
	"time"
)

// inboundAudioLimiter is a token-bucket guard on client audio: frames per
// second and bytes per second, each with a burst window. A nil limiter allows
// everything.
type inboundAudioLimiter struct {
	now        func() time.Time
	fpsRate    float64
	fpsTokens  float64
	fpsMax     float64
	bpsRate    float64
	bpsTokens  float64
	bpsMax     float64
	lastRefill time.Time
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{now: now, lastRefill: now()}
	if fps > 0 {
		l.fpsRate = float64(fps)
		l.fpsMax = l.fpsRate * float64(burstSeconds)
		l.fpsTokens = l.fpsMax
	}
	if bps > 0 {
		l.bpsRate = float64(bps)
		l.bpsMax = l.bpsRate * float64(burstSeconds)
		l.bpsTokens = l.bpsMax
	}
	return l
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.fpsRate > 0 && l.fpsTokens < 1 {
		return false
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	cost := float64(frameBytes)
	if l.bpsRate > 0 && l.bpsTokens < cost {
		return false
	}
	if l.fpsRate > 0 {
		l.fpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= cost
	}
	return true
}

// refill accrues tokens as float64 so that calls spaced closer together than
// one whole token's worth of time still make progress.
func (l *inboundAudioLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now

	if l.fpsRate > 0 {
		l.fpsTokens = math.Min(l.fpsMax, l.fpsTokens+elapsed*l.fpsRate)
	}
	if l.bpsRate > 0 {
		l.bpsTokens = math.Min(l.bpsMax, l.bpsTokens+elapsed*l.bpsRate)
	}
}
