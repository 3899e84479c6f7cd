// Package pipeline drives an [apm.Session] from frame sources: one render
// frame, then one capture frame, every period. Non-real-time session calls
// from other goroutines are queued and run between frames so they never
// overlap frame processing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/audioproc/internal/config"
	"github.com/MrWong99/audioproc/internal/observe"
	"github.com/MrWong99/audioproc/internal/resilience"
	"github.com/MrWong99/audioproc/pkg/apm"
	"github.com/MrWong99/audioproc/pkg/audio"
)

var (
	// ErrNotRunning is returned by [Pipeline.Submit] once Run has returned.
	ErrNotRunning = errors.New("pipeline: not running")

	// ErrAlreadyRunning is returned by a second call to [Pipeline.Run].
	ErrAlreadyRunning = errors.New("pipeline: already running")

	// ErrRateChange is returned by [Pipeline.ApplyDiff] for a geometry at a
	// rate other than [Pipeline.SourceRate]; sources are cut at a fixed rate,
	// so that needs a restart.
	ErrRateChange = errors.New("pipeline: sample rate change requires restart")
)

// opQueueSize bounds how many control operations can wait for the next
// frame boundary.
const opQueueSize = 16

// Snapshot is the most recent stats read plus pipeline counters. It is
// published atomically and safe to read from any goroutine.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Stats apm.Stats `json:"stats"`

	Frames          int64  `json:"frames"`
	RenderFailures  int64  `json:"render_failures"`
	CaptureFailures int64  `json:"capture_failures"`
	Bypassed        int64  `json:"bypassed"`
	GuardState      string `json:"guard_state"`

	SourceRateHz int                `json:"source_rate_hz"`
	Capture      apm.StreamGeometry `json:"capture"`
	Render       apm.StreamGeometry `json:"render"`
	Config       apm.Config         `json:"config"`
	PendingDelay apm.Optional[int]  `json:"pending_delay_ms"`
}

// Report summarizes a finished [Pipeline.Run].
type Report struct {
	Frames          int64
	RenderFailures  int64
	CaptureFailures int64
	Bypassed        int64
	GuardTrips      int64
	Elapsed         time.Duration
	Stats           apm.Stats

	// FirstFailure is the first non-success status of the run, or
	// [apm.StatusOK] when every frame succeeded.
	FirstFailure apm.StatusCode
}

// op is a control operation executed on the frame goroutine.
type op struct {
	kind   string
	fn     func(*apm.Session) apm.StatusCode
	result chan apm.StatusCode
}

// Pipeline owns the frame loop for one session. The session itself is owned
// by the caller and must outlive Run.
type Pipeline struct {
	id       string
	session  *apm.Session
	guard    *resilience.Guard
	metrics  *observe.Metrics
	log      *slog.Logger
	interval time.Duration
	realtime bool

	// sourceRate is the capture rate at New. Sources deliver frames at this
	// rate for the whole run, whatever the session is reconfigured to.
	sourceRate int

	ops     chan op
	started atomic.Bool
	stopped chan struct{}

	frames   atomic.Int64
	renderKO atomic.Int64
	capKO    atomic.Int64
	bypassed atomic.Int64

	snapshot atomic.Pointer[Snapshot]
	lastSnap time.Time

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	// frame goroutine only
	captureConv audio.FormatConverter
	renderConv  audio.FormatConverter
	scratch     [][]float32
	silence     *retargetSilence
	firstFail   apm.StatusCode
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithGuard sets the bypass guard. Without one every frame reaches the engine.
func WithGuard(g *resilience.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithStatsInterval bounds how often stats are read from the session. Zero
// reads after every frame.
func WithStatsInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithRealtime paces the loop at one frame per 10 ms instead of running as
// fast as the sources allow.
func WithRealtime(on bool) Option {
	return func(p *Pipeline) { p.realtime = on }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(p *Pipeline) { p.id = id }
}

// New creates a pipeline around session.
func New(session *apm.Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		id:       uuid.NewString(),
		session:  session,
		log:      slog.Default(),
		interval: time.Second,
		ops:      make(chan op, opQueueSize),
		stopped:  make(chan struct{}),
		subs:     make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.guard == nil {
		p.guard = resilience.NewGuard(resilience.GuardConfig{Name: p.id, Logger: p.log})
	}
	p.log = p.log.With("session_id", p.id)
	p.sourceRate = session.CaptureGeometry().SampleRateHz
	p.retarget()
	p.publish(time.Now())
	return p
}

// ID returns the session id used in logs and snapshots.
func (p *Pipeline) ID() string { return p.id }

// SourceRate returns the sample rate the frame sources run at. Geometry
// changes must keep it.
func (p *Pipeline) SourceRate() int { return p.sourceRate }

// Guard returns the bypass guard.
func (p *Pipeline) Guard() *resilience.Guard { return p.guard }

// Snapshot returns the latest published snapshot.
func (p *Pipeline) Snapshot() Snapshot { return *p.snapshot.Load() }

// Stats returns the stats of the latest snapshot.
func (p *Pipeline) Stats() apm.Stats { return p.snapshot.Load().Stats }

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} { return p.stopped }

// SetDelayMs forwards to the session; it is safe from any goroutine.
func (p *Pipeline) SetDelayMs(ms int) { p.session.SetDelayMs(ms) }

// SetOutputMuted forwards to the session; it is safe from any goroutine.
func (p *Pipeline) SetOutputMuted(muted bool) { p.session.SetOutputMuted(muted) }

// Submit queues fn to run between two frames and waits for its status. Ops
// submitted before Run starts execute before the first frame.
func (p *Pipeline) Submit(ctx context.Context, kind string, fn func(*apm.Session) apm.StatusCode) (code apm.StatusCode, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline."+kind,
		trace.WithAttributes(attribute.String("session.id", p.id)))
	defer func() {
		span.SetAttributes(attribute.String("status", code.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if !apm.IsSuccess(code) {
			span.SetStatus(codes.Error, code.String())
		}
		span.End()
	}()

	o := op{kind: kind, fn: fn, result: make(chan apm.StatusCode, 1)}
	select {
	case p.ops <- o:
	case <-p.stopped:
		return apm.StatusUnspecified, ErrNotRunning
	case <-ctx.Done():
		return apm.StatusUnspecified, ctx.Err()
	}
	select {
	case c := <-o.result:
		return c, nil
	case <-p.stopped:
		select {
		case c := <-o.result:
			return c, nil
		default:
			return apm.StatusUnspecified, ErrNotRunning
		}
	case <-ctx.Done():
		return apm.StatusUnspecified, ctx.Err()
	}
}

// ApplyConfig queues [apm.Session.ApplyConfig].
func (p *Pipeline) ApplyConfig(ctx context.Context, cfg apm.Config) (apm.StatusCode, error) {
	return p.Submit(ctx, "apply_config", func(s *apm.Session) apm.StatusCode { return s.ApplyConfig(cfg) })
}

// Reconfigure queues [apm.Session.Reconfigure].
func (p *Pipeline) Reconfigure(ctx context.Context, pc apm.ProcessingConfig) (apm.StatusCode, error) {
	return p.Submit(ctx, "reconfigure", func(s *apm.Session) apm.StatusCode { return s.Reconfigure(pc) })
}

// ResetToDefaults queues [apm.Session.ResetToDefaults]. The reset drops the
// session to the default geometry; with keepGeometry the previous geometry is
// restored right after, in the same frame gap, so the sources keep fitting.
// Without it, frames fail until a geometry at [Pipeline.SourceRate] is
// applied again with [Pipeline.Reconfigure] or [Pipeline.ApplyDiff].
func (p *Pipeline) ResetToDefaults(ctx context.Context, keepGeometry bool) (apm.StatusCode, error) {
	return p.Submit(ctx, "reset", func(s *apm.Session) apm.StatusCode {
		prev := s.ProcessingConfig()
		code := s.ResetToDefaults()
		if !apm.IsSuccess(code) || !keepGeometry || prev == apm.DefaultProcessingConfig() {
			return code
		}
		return s.Reconfigure(prev)
	})
}

// ApplyDiff pushes a config change to the running session. Stream controls
// apply immediately; processing and geometry changes are queued. Engine and
// sample rate changes are reported, not applied.
func (p *Pipeline) ApplyDiff(ctx context.Context, d config.ConfigDiff) error {
	var errs []error
	if d.EngineChanged {
		p.log.Warn("pipeline: session.engine changed; restart to switch engines")
	}
	if d.DelayChanged {
		p.SetDelayMs(d.NewDelayMs)
	}
	if d.MuteChanged {
		p.SetOutputMuted(d.NewOutputMuted)
	}
	if d.GeometryChanged {
		if d.NewProcessing.CaptureInput.SampleRateHz != p.sourceRate {
			errs = append(errs, ErrRateChange)
		} else if code, err := p.Reconfigure(ctx, d.NewProcessing); err != nil {
			errs = append(errs, err)
		} else if !apm.IsSuccess(code) {
			errs = append(errs, fmt.Errorf("pipeline: reconfigure: %w", code.Err()))
		}
	}
	if d.ProcessingChanged {
		if code, err := p.ApplyConfig(ctx, d.NewConfig); err != nil {
			errs = append(errs, err)
		} else if !apm.IsSuccess(code) {
			errs = append(errs, fmt.Errorf("pipeline: apply config: %w", code.Err()))
		}
	}
	return errors.Join(errs...)
}

// Subscribe returns a channel that receives every published snapshot. Slow
// readers miss snapshots rather than stall the frame loop. Call cancel to
// unsubscribe.
func (p *Pipeline) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, max(buffer, 1))
	p.subMu.Lock()
	p.subs[ch] = struct{}{}
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, ch)
			p.subMu.Unlock()
		})
	}
}

// Run processes frames until capture is exhausted or ctx is cancelled. A
// render source that ends early is continued with silence; render may be nil.
// sink may be nil. Reaching the end of capture returns a nil error.
func (p *Pipeline) Run(ctx context.Context, render, capture FrameSource, sink FrameSink) (Report, error) {
	if !p.started.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer close(p.stopped)

	start := time.Now()
	if render == nil {
		render = p.silence
	}

	p.metrics.ActiveSessions.Add(ctx, 1)
	defer p.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	var ticker *time.Ticker
	if p.realtime {
		ticker = time.NewTicker(apm.FrameDurationMs * time.Millisecond)
		defer ticker.Stop()
	}

	p.log.Info("pipeline: started",
		"capture", p.session.CaptureGeometry(),
		"render", p.session.RenderGeometry(),
		"realtime", p.realtime,
	)

	var runErr error
loop:
	for {
		p.drainOps(ctx)

		if ticker != nil {
			select {
			case <-ctx.Done():
				runErr = ctx.Err()
				break loop
			case <-ticker.C:
			}
		}

		rf, err := render.Next(ctx)
		if errors.Is(err, io.EOF) {
			p.log.Debug("pipeline: render source ended, continuing with silence")
			render = p.silence
			rf, err = render.Next(ctx)
		}
		if err != nil {
			runErr = err
			break
		}
		cf, err := capture.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			runErr = err
			break
		}

		p.processRender(ctx, rf)
		out := p.processCapture(ctx, cf)
		p.frames.Add(1)

		if sink != nil {
			if err := sink.Write(ctx, out); err != nil {
				runErr = fmt.Errorf("pipeline: sink: %w", err)
				break
			}
		}
		if now := time.Now(); now.Sub(p.lastSnap) >= p.interval {
			p.publish(now)
		}
	}

	p.publish(time.Now())
	p.drainOps(ctx)

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	rep := Report{
		Frames:          p.frames.Load(),
		RenderFailures:  p.renderKO.Load(),
		CaptureFailures: p.capKO.Load(),
		Bypassed:        p.bypassed.Load(),
		GuardTrips:      p.guard.Trips(),
		Elapsed:         time.Since(start),
		Stats:           p.Stats(),
		FirstFailure:    p.firstFail,
	}
	p.log.Info("pipeline: stopped",
		"frames", rep.Frames,
		"capture_failures", rep.CaptureFailures,
		"bypassed", rep.Bypassed,
		"elapsed", rep.Elapsed,
	)
	return rep, runErr
}

// drainOps runs every queued control operation.
func (p *Pipeline) drainOps(ctx context.Context) {
	for {
		select {
		case o := <-p.ops:
			code := o.fn(p.session)
			o.result <- code
			p.metrics.RecordReconfiguration(ctx, o.kind, code)
			if apm.IsSuccess(code) {
				p.log.Info("pipeline: session updated", "kind", o.kind)
				p.retarget()
				p.guard.Reset()
				p.publish(time.Now())
				if g := p.session.CaptureGeometry(); g.SampleRateHz != p.sourceRate {
					p.log.Warn("pipeline: session rate differs from sources; frames will fail until the rate is restored",
						"session_rate_hz", g.SampleRateHz, "source_rate_hz", p.sourceRate)
				}
			} else {
				p.log.Warn("pipeline: session update rejected", "kind", o.kind, "status", code)
			}
		default:
			return
		}
	}
}

// retarget follows the session geometry after a successful reconfiguration.
func (p *Pipeline) retarget() {
	cg := p.session.CaptureGeometry()
	rg := p.session.RenderGeometry()
	p.captureConv = audio.FormatConverter{Target: audio.Format{SampleRate: cg.SampleRateHz, Channels: cg.Channels}}
	p.renderConv = audio.FormatConverter{Target: audio.Format{SampleRate: rg.SampleRateHz, Channels: rg.Channels}}
	if p.silence == nil {
		p.silence = &retargetSilence{}
	}
	p.silence.SilenceSource = NewSilenceSource(rg)
	p.scratch = make([][]float32, cg.Channels)
	for c := range p.scratch {
		p.scratch[c] = make([]float32, cg.FrameSize())
	}
}

func (p *Pipeline) processRender(ctx context.Context, f audio.Frame) {
	f = p.renderConv.Convert(f)
	t := time.Now()
	code := p.session.ProcessRenderFrame(f.Channels)
	p.metrics.RecordFrame(ctx, observe.DirectionRender, time.Since(t).Seconds(), code)
	if !apm.IsSuccess(code) {
		p.renderKO.Add(1)
		p.noteFailure(observe.DirectionRender, code)
	}
}

// noteFailure logs the first failing frame of a run; later ones only count.
func (p *Pipeline) noteFailure(direction string, code apm.StatusCode) {
	if p.firstFail != apm.StatusOK {
		return
	}
	p.firstFail = code
	p.log.Warn("pipeline: frame failed", "direction", direction, "status", code, "frame", p.frames.Load())
}

// processCapture runs the engine on f in place. A frame the guard skips or
// the engine rejects is passed through as it arrived.
func (p *Pipeline) processCapture(ctx context.Context, f audio.Frame) audio.Frame {
	f = p.captureConv.Convert(f)
	if !p.guard.Allow() {
		p.bypassed.Add(1)
		p.metrics.RecordBypass(ctx)
		return f
	}

	saved := p.save(f)
	t := time.Now()
	code := p.session.ProcessCaptureFrame(f.Channels)
	p.metrics.RecordFrame(ctx, observe.DirectionCapture, time.Since(t).Seconds(), code)

	ok := apm.IsSuccess(code)
	before := p.guard.Trips()
	p.guard.Record(ok)
	if p.guard.Trips() != before {
		p.metrics.RecordGuardTrip(ctx)
	}
	if !ok {
		p.capKO.Add(1)
		p.noteFailure(observe.DirectionCapture, code)
		if saved {
			p.restore(f)
		}
	}
	return f
}

// save copies f into scratch when the shapes line up.
func (p *Pipeline) save(f audio.Frame) bool {
	if len(f.Channels) != len(p.scratch) {
		return false
	}
	for c, ch := range f.Channels {
		if len(ch) != len(p.scratch[c]) {
			return false
		}
		copy(p.scratch[c], ch)
	}
	return true
}

func (p *Pipeline) restore(f audio.Frame) {
	for c, ch := range f.Channels {
		copy(ch, p.scratch[c])
	}
}

// publish reads stats from the session and stores a new snapshot. Must run
// on the frame goroutine, or before Run starts.
func (p *Pipeline) publish(now time.Time) {
	p.lastSnap = now
	snap := &Snapshot{
		SessionID:       p.id,
		Time:            now,
		Stats:           p.session.Stats(),
		Frames:          p.frames.Load(),
		RenderFailures:  p.renderKO.Load(),
		CaptureFailures: p.capKO.Load(),
		Bypassed:        p.bypassed.Load(),
		GuardState:      p.guard.State().String(),
		SourceRateHz:    p.sourceRate,
		Capture:         p.session.CaptureGeometry(),
		Render:          p.session.RenderGeometry(),
		Config:          p.session.Config(),
		PendingDelay:    p.session.PendingDelayMs(),
	}
	p.snapshot.Store(snap)

	p.subMu.Lock()
	for ch := range p.subs {
		select {
		case ch <- *snap:
		default:
		}
	}
	p.subMu.Unlock()
}

// retargetSilence stands in for an exhausted render source and follows the
// render geometry across reconfigurations.
type retargetSilence struct {
	*SilenceSource
}
