package threading

import (
	"math"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	DefaultActiveHz   = 1000.0
	DefaultInactiveHz = 60.0

	// MinimumHz is what non-positive or NaN rates are clamped to.
	MinimumHz = 1.0

	// Sleeps are cut this short of the deadline and the rest is spun off,
	// since time.Sleep routinely overshoots by tens of microseconds.
	spinThreshold = 200 * time.Microsecond
)

// ThrottledClock caps how often ProcessFrame returns. ProcessFrame is called by exactly
// one goroutine at a time; the rate and throttling knobs may be changed from anywhere.
type ThrottledClock struct {
	maximumHz  atomic.Uint64
	throttling atomic.Bool

	next         time.Time
	lastFrame    time.Time
	windowStart  time.Time
	windowFrames int

	elapsed atomic.Int64
	frames  atomic.Uint64
	fps     atomic.Uint64
}

func NewThrottledClock(hz float64) *ThrottledClock {
	c := &ThrottledClock{}
	c.SetMaximumHz(hz)
	c.throttling.Store(true)
	return c
}

// SetMaximumHz sets the target rate. math.Inf(1) disables the cap.
func (c *ThrottledClock) SetMaximumHz(hz float64) {
	c.maximumHz.Store(math.Float64bits(clampHz(hz)))
}

func (c *ThrottledClock) MaximumHz() float64 {
	return math.Float64frombits(c.maximumHz.Load())
}

// SetThrottling turns the cap on or off starting with the next ProcessFrame call.
func (c *ThrottledClock) SetThrottling(enabled bool) {
	c.throttling.Store(enabled)
}

func (c *ThrottledClock) Throttling() bool {
	return c.throttling.Load()
}

// ProcessFrame marks the end of a frame, blocking until at least 1/MaximumHz has
// passed since the previous frame ended. Deadlines advance by whole intervals so short
// overshoots are repaid on the next frame; after a hitch longer than an interval the
// schedule restarts from now instead of bursting to catch up.
func (c *ThrottledClock) ProcessFrame() {
	target, limited := c.targetInterval()
	if limited && c.throttling.Load() {
		now := time.Now()
		if c.next.IsZero() {
			base := c.lastFrame
			if base.IsZero() {
				base = now
			}
			c.next = base.Add(target)
		} else {
			c.next = c.next.Add(target)
		}
		if now.Sub(c.next) > target {
			c.next = now
		}
		sleepUntil(c.next)
	} else {
		c.next = time.Time{}
	}
	c.record(time.Now())
}

// Reset forgets frame history so the next frame is not throttled against a stale deadline.
func (c *ThrottledClock) Reset() {
	c.next = time.Time{}
	c.lastFrame = time.Time{}
	c.windowStart = time.Time{}
	c.windowFrames = 0
}

// ElapsedFrameTime is the interval between the last two frames.
func (c *ThrottledClock) ElapsedFrameTime() time.Duration {
	return time.Duration(c.elapsed.Load())
}

// FramesPerSecond is measured over windows of roughly one second.
func (c *ThrottledClock) FramesPerSecond() float64 {
	return math.Float64frombits(c.fps.Load())
}

func (c *ThrottledClock) FrameCount() uint64 {
	return c.frames.Load()
}

func (c *ThrottledClock) targetInterval() (time.Duration, bool) {
	hz := c.MaximumHz()
	if math.IsInf(hz, 1) {
		return 0, false
	}
	target := time.Duration(float64(time.Second) / hz)
	return target, target > 0
}

func (c *ThrottledClock) record(now time.Time) {
	if !c.lastFrame.IsZero() {
		c.elapsed.Store(int64(now.Sub(c.lastFrame)))
	}
	c.lastFrame = now
	c.frames.Add(1)

	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	c.windowFrames++
	if window := now.Sub(c.windowStart); window >= time.Second {
		c.fps.Store(math.Float64bits(float64(c.windowFrames) / window.Seconds()))
		c.windowStart = now
		c.windowFrames = 0
	}
}

func clampHz(hz float64) float64 {
	if math.IsNaN(hz) || hz < MinimumHz {
		return MinimumHz
	}
	return hz
}

func sleepUntil(deadline time.Time) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > spinThreshold {
			time.Sleep(remaining - spinThreshold)
			continue
		}
		runtime.Gosched()
	}
}
