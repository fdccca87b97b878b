package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Config bounds what a single signaling connection may send. Zero values
// disable the corresponding limit.
type Config struct {
	MessagesPerSecond int
	// Burst defaults to MessagesPerSecond.
	Burst int

	BytesPerSecond int
	// MaxFrameBytes raises the byte bucket's depth so that one maximum-size
	// frame can always pass a full bucket.
	MaxFrameBytes int
}

// ConnLimiter is a per-connection inbound limiter. It is driven by an
// injected Clock so tests are deterministic. A nil *ConnLimiter allows
// everything.
type ConnLimiter struct {
	clock    Clock
	messages *rate.Limiter
	bytes    *rate.Limiter
}

func NewConnLimiter(clock Clock, cfg Config) *ConnLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &ConnLimiter{clock: clock}
	now := clock.Now()

	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.MessagesPerSecond
		}
		l.messages = newLimiter(now, cfg.MessagesPerSecond, burst)
	}
	if cfg.BytesPerSecond > 0 {
		burst := cfg.BytesPerSecond
		if cfg.MaxFrameBytes > burst {
			burst = cfg.MaxFrameBytes
		}
		l.bytes = newLimiter(now, cfg.BytesPerSecond, burst)
	}
	return l
}

// newLimiter returns a limiter whose bucket is full as of now.
func newLimiter(now time.Time, perSecond, burst int) *rate.Limiter {
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	lim.SetBurstAt(now, burst)
	return lim
}

// Allow reports whether one inbound frame of frameBytes may be processed.
// A frame rejected by the byte budget does not consume a message token.
func (l *ConnLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	now := l.clock.Now()
	if l.bytes != nil && !l.bytes.AllowN(now, frameBytes) {
		return false
	}
	if l.messages != nil && !l.messages.AllowN(now, 1) {
		return false
	}
	return true
}
