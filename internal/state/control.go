// Package state holds the two records shared between input producers, the
// control runtime and presentation: ControlState (what the driver wants) and
// ViewerState (what the link reports). Every field is an atomic so loops can
// read and write without locks.
package state

import (
	"math"
	"sync/atomic"
)

// Scales trims the raw driver input per axis. Forward applies to
// non-negative throttle, Backward to negative throttle.
type Scales struct {
	Forward  float64
	Backward float64
	Steering float64
}

// DefaultScales leaves input unchanged.
var DefaultScales = Scales{Forward: 1, Backward: 1, Steering: 1}

// ControlState is the current control intent.
type ControlState struct {
	throttle atomic.Uint64 // math.Float64bits
	steering atomic.Uint64
	paused   atomic.Bool
}

// NewControlState returns a zeroed, unpaused ControlState.
func NewControlState() *ControlState {
	return &ControlState{}
}

// SetThrottle stores throttle clamped to [-1, 1].
func (c *ControlState) SetThrottle(v float64) {
	c.throttle.Store(math.Float64bits(clampUnit(v)))
}

// SetSteering stores steering clamped to [-1, 1].
func (c *ControlState) SetSteering(v float64) {
	c.steering.Store(math.Float64bits(clampUnit(v)))
}

// Set stores both axes.
func (c *ControlState) Set(throttle, steering float64) {
	c.SetThrottle(throttle)
	c.SetSteering(steering)
}

func (c *ControlState) Throttle() float64 { return math.Float64frombits(c.throttle.Load()) }
func (c *ControlState) Steering() float64 { return math.Float64frombits(c.steering.Load()) }

// Reset centers both axes. The paused flag is left alone.
func (c *ControlState) Reset() {
	c.Set(0, 0)
}

// SetPaused toggles zeroed output. Stored values are kept.
func (c *ControlState) SetPaused(p bool) { c.paused.Store(p) }

func (c *ControlState) Paused() bool { return c.paused.Load() }

// Output returns the values to put on the wire: zeros while paused,
// otherwise the stored axes multiplied by their scale factor.
func (c *ControlState) Output(s Scales) (throttle, steering float64) {
	if c.Paused() {
		return 0, 0
	}

	throttle = c.Throttle()
	if throttle >= 0 {
		throttle *= s.Forward
	} else {
		throttle *= s.Backward
	}
	steering = c.Steering() * s.Steering

	return throttle, steering
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
