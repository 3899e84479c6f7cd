// Package resilience provides the frame bypass guard that keeps audio flowing
// when the processing engine keeps failing.
//
// [Guard] is a three-state breaker (closed → open → half-open) clocked by
// frames rather than wall time: a failing engine is skipped for a fixed number
// of frame periods, then probed with a single frame.
package resilience

import (
	"log/slog"
	"sync/atomic"
)

// State represents the current operating mode of a [Guard].
type State int32

const (
	// StateClosed is the normal operating state; every frame is processed.
	StateClosed State = iota

	// StateOpen means the guard tripped. Capture frames pass through
	// unprocessed until the bypass budget is spent.
	StateOpen

	// StateHalfOpen lets exactly one probe frame reach the engine. Success
	// closes the guard, failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GuardConfig holds tuning knobs for a [Guard].
type GuardConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failing frames that opens the
	// guard. Zero disables the guard: every frame is allowed.
	MaxFailures int

	// BypassFrames is how many frames are skipped while open. Default: 100.
	BypassFrames int

	// OnTrip is called each time the guard opens. Optional.
	OnTrip func()

	// Logger receives state transitions. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Guard decides per capture frame whether the engine should run.
//
// [Guard.Allow] and [Guard.Record] belong to the audio goroutine and never
// lock or allocate. [Guard.State] and [Guard.Trips] may be read from any
// goroutine.
type Guard struct {
	name         string
	maxFailures  int
	bypassFrames int
	onTrip       func()
	log          *slog.Logger

	state atomic.Int32
	trips atomic.Int64

	// audio goroutine only
	consecutiveFail int
	bypassLeft      int
	probing         bool
}

// NewGuard creates a [Guard]. A zero BypassFrames is replaced with 100.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.BypassFrames <= 0 {
		cfg.BypassFrames = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		bypassFrames: cfg.BypassFrames,
		onTrip:       cfg.OnTrip,
		log:          cfg.Logger,
	}
}

// Enabled reports whether the guard can ever open.
func (g *Guard) Enabled() bool {
	return g.maxFailures > 0
}

// Allow reports whether the current frame should reach the engine. While
// open it spends one frame of the bypass budget and returns false; the frame
// after the budget runs out is the half-open probe.
func (g *Guard) Allow() bool {
	switch State(g.state.Load()) {
	case StateOpen:
		if g.bypassLeft > 0 {
			g.bypassLeft--
			return false
		}
		g.state.Store(int32(StateHalfOpen))
		g.probing = true
		g.log.Info("frame guard half-open, probing engine", "name", g.name)
		return true
	case StateHalfOpen:
		// Record was skipped for the previous probe; probe again.
		g.probing = true
		return true
	}
	return true
}

// Record reports the outcome of a frame that [Guard.Allow] let through.
func (g *Guard) Record(ok bool) {
	if !g.Enabled() {
		return
	}
	if g.probing {
		g.probing = false
		if ok {
			g.state.Store(int32(StateClosed))
			g.consecutiveFail = 0
			g.log.Info("frame guard closed after successful probe", "name", g.name)
			return
		}
		g.trip()
		return
	}

	if ok {
		g.consecutiveFail = 0
		return
	}
	g.consecutiveFail++
	if g.consecutiveFail >= g.maxFailures {
		g.trip()
	}
}

// trip opens the guard with a full bypass budget.
func (g *Guard) trip() {
	g.state.Store(int32(StateOpen))
	g.bypassLeft = g.bypassFrames
	g.trips.Add(1)
	g.log.Warn("frame guard opened; bypassing engine",
		"name", g.name,
		"consecutive_failures", g.consecutiveFail,
		"bypass_frames", g.bypassFrames,
	)
	if g.onTrip != nil {
		g.onTrip()
	}
}

// State returns the current [State].
func (g *Guard) State() State {
	return State(g.state.Load())
}

// Trips returns how many times the guard has opened.
func (g *Guard) Trips() int64 {
	return g.trips.Load()
}

// Reset forces the guard back to [StateClosed]. Call it from the audio
// goroutine, e.g. after a successful reconfiguration.
func (g *Guard) Reset() {
	g.state.Store(int32(StateClosed))
	g.consecutiveFail = 0
	g.bypassLeft = 0
	g.probing = false
}
