package motion

import (
	"context"
	"math"
	"sync"
	"time"
)

// Vector is a gravity-compensated acceleration reading in m/s^2.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sample is one sensor reading. Acceleration is nil when the sensor fires
// without data, which some platforms do.
type Sample struct {
	Acceleration *Vector
	At           time.Time
}

// BumpEvent is the terminal outcome of one detection attempt.
type BumpEvent struct {
	HasMotion    bool      `json:"hasMotion"`
	Acceleration *Vector   `json:"acceleration,omitempty"`
	Magnitude    float64   `json:"magnitude"`
	Timestamp    time.Time `json:"timestamp"`
	Rule         Rule      `json:"rule,omitempty"`
}

// Rule names which classification fired, for decision logging.
type Rule string

const (
	RuleStrongBump            Rule = "strong-bump"
	RuleStrongTap             Rule = "strong-tap"
	RuleMagnitudePrimed       Rule = "magnitude-primed"
	RuleStrongMagnitudePrimed Rule = "strong-magnitude-primed"
	RuleJerkPrimed            Rule = "jerk-primed"
	RuleStrongJerkPrimed      Rule = "strong-jerk-primed"
)

// Source delivers sensor samples to an attached callback. Detach must stop
// delivery before returning so a finished attempt never races a new one.
type Source interface {
	Attach(fn func(Sample))
	Detach()
}

type Config struct {
	// A strong bump is a hard hit: high magnitude with a fast change.
	StrongBumpMagnitude float64 // m/s^2
	StrongBumpJerk      float64 // m/s^3

	// A strong tap is a lighter hit with a very sharp change.
	StrongTapMagnitude float64
	StrongTapJerk      float64

	// WarmupSamples are consumed without running detection rules. Some
	// sensors replay stale cached values right after a listener attaches.
	WarmupSamples int

	// Timeout ends the attempt with hasMotion false. Zero means no timeout.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StrongBumpMagnitude: 10,
		StrongBumpJerk:      100,
		StrongTapMagnitude:  5,
		StrongTapJerk:       200,
		WarmupSamples:       0,
		Timeout:             10 * time.Second,
	}
}

// Detector classifies one acceleration stream into a single bump/no-bump
// outcome. One detector serves exactly one attempt: all priming state starts
// cleared and is discarded with the detector, so nothing leaks between
// attempts.
type Detector struct {
	cfg    Config
	source Source

	mu   sync.Mutex
	done bool

	magnitudePrimed       bool
	strongMagnitudePrimed bool
	jerkPrimed            bool
	strongJerkPrimed      bool

	lastMagnitude float64
	lastAt        time.Time
	haveLast      bool
	samplesSeen   int

	result chan BumpEvent
}

func NewDetector(source Source, cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		source: source,
		result: make(chan BumpEvent, 1),
	}
}

// Detect attaches to the source and blocks until a bump is classified, the
// timeout elapses, or ctx is cancelled. The latter two resolve to
// hasMotion false with magnitude zero.
func (d *Detector) Detect(ctx context.Context) BumpEvent {
	d.source.Attach(d.handleSample)

	var timeout <-chan time.Time
	if d.cfg.Timeout > 0 {
		timer := time.NewTimer(d.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ev := <-d.result:
		return ev
	case <-ctx.Done():
		d.Cancel()
		return BumpEvent{Timestamp: time.Now()}
	case <-timeout:
		d.Cancel()
		return BumpEvent{Timestamp: time.Now()}
	}
}

// Cancel detaches the sensor listener synchronously. After Cancel returns no
// further samples are processed, even ones already in flight.
func (d *Detector) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	d.source.Detach()
}

func (d *Detector) handleSample(s Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done || s.Acceleration == nil {
		return
	}

	magnitude := s.Acceleration.Magnitude()
	jerk := 0.0
	if d.haveLast && s.At.After(d.lastAt) {
		jerk = math.Abs(magnitude-d.lastMagnitude) / s.At.Sub(d.lastAt).Seconds()
	}

	d.samplesSeen++
	if d.samplesSeen <= d.cfg.WarmupSamples {
		d.lastMagnitude = magnitude
		d.lastAt = s.At
		d.haveLast = true
		return
	}

	// Rules consult flags primed by earlier samples only, so classify
	// before this sample contributes its own priming.
	if rule := d.classify(magnitude, jerk); rule != "" {
		d.done = true
		d.source.Detach()
		d.result <- BumpEvent{
			HasMotion:    true,
			Acceleration: s.Acceleration,
			Magnitude:    magnitude,
			Timestamp:    s.At,
			Rule:         rule,
		}
		return
	}

	d.prime(magnitude, jerk)
	d.lastMagnitude = magnitude
	d.lastAt = s.At
	d.haveLast = true
}

func (d *Detector) classify(magnitude, jerk float64) Rule {
	switch {
	case magnitude >= d.cfg.StrongBumpMagnitude && jerk >= d.cfg.StrongBumpJerk:
		return RuleStrongBump
	case magnitude >= d.cfg.StrongTapMagnitude && jerk >= d.cfg.StrongTapJerk:
		return RuleStrongTap
	case d.magnitudePrimed && jerk >= d.cfg.StrongBumpJerk:
		return RuleMagnitudePrimed
	case d.strongMagnitudePrimed && jerk >= d.cfg.StrongBumpJerk:
		return RuleStrongMagnitudePrimed
	case d.jerkPrimed && magnitude >= d.cfg.StrongBumpMagnitude:
		return RuleJerkPrimed
	case d.strongJerkPrimed && magnitude >= d.cfg.StrongTapMagnitude:
		return RuleStrongJerkPrimed
	}
	return ""
}

// Flags are monotonic for the life of the attempt: once primed they stay
// primed, and a trigger consumes without clearing.
func (d *Detector) prime(magnitude, jerk float64) {
	if magnitude >= d.cfg.StrongTapMagnitude {
		d.magnitudePrimed = true
	}
	if magnitude >= d.cfg.StrongBumpMagnitude {
		d.strongMagnitudePrimed = true
	}
	if jerk >= d.cfg.StrongBumpJerk {
		d.jerkPrimed = true
	}
	if jerk >= d.cfg.StrongTapJerk {
		d.strongJerkPrimed = true
	}
}
