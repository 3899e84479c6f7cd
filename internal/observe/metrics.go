// Package observe provides application-wide observability primitives for
// audioproc: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/audioproc/pkg/apm"
)

// meterName is the instrumentation scope name used for all audioproc metrics.
const meterName = "github.com/MrWong99/audioproc"

// Frame directions used as the "direction" attribute.
const (
	DirectionRender  = "render"
	DirectionCapture = "capture"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Frame path ---

	// FrameDuration tracks the wall time of one engine call. Use with
	// attribute.String("direction", ...).
	FrameDuration metric.Float64Histogram

	// Frames counts processed frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	Frames metric.Int64Counter

	// EngineErrors counts non-success engine status codes. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	EngineErrors metric.Int64Counter

	// BypassedFrames counts capture frames passed through unprocessed while
	// the guard was open.
	BypassedFrames metric.Int64Counter

	// GuardTrips counts transitions of the bypass guard into the open state.
	GuardTrips metric.Int64Counter

	// --- Control path ---

	// Reconfigurations counts non-real-time session changes. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	Reconfigurations metric.Int64Counter

	// ActiveSessions tracks the number of open sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets defines histogram bucket boundaries (in seconds) for a single
// 10 ms frame; anything near the upper end misses the real-time deadline.
var frameBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FrameDuration, err = m.Float64Histogram("audioproc.frame.duration",
		metric.WithDescription("Engine processing time of one frame by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("audioproc.frames",
		metric.WithDescription("Total frames by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("audioproc.engine.errors",
		metric.WithDescription("Total non-success engine status codes by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.BypassedFrames, err = m.Int64Counter("audioproc.frames.bypassed",
		metric.WithDescription("Capture frames passed through while the guard was open."),
	); err != nil {
		return nil, err
	}
	if met.GuardTrips, err = m.Int64Counter("audioproc.guard.trips",
		metric.WithDescription("Times the bypass guard opened."),
	); err != nil {
		return nil, err
	}
	if met.Reconfigurations, err = m.Int64Counter("audioproc.reconfigurations",
		metric.WithDescription("Session reconfigurations by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("audioproc.active_sessions",
		metric.WithDescription("Number of open processing sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("audioproc.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one engine call: its duration, the frame counter and,
// for non-success codes, the engine error counter.
func (m *Metrics) RecordFrame(ctx context.Context, direction string, seconds float64, code apm.StatusCode) {
	dir := attribute.String("direction", direction)
	status := attribute.String("status", code.String())
	m.FrameDuration.Record(ctx, seconds, metric.WithAttributes(dir))
	m.Frames.Add(ctx, 1, metric.WithAttributes(dir, status))
	if !apm.IsSuccess(code) {
		m.EngineErrors.Add(ctx, 1, metric.WithAttributes(dir, status))
	}
}

// RecordBypass records a capture frame that skipped the engine.
func (m *Metrics) RecordBypass(ctx context.Context) {
	m.BypassedFrames.Add(ctx, 1)
}

// RecordGuardTrip records the guard opening.
func (m *Metrics) RecordGuardTrip(ctx context.Context) {
	m.GuardTrips.Add(ctx, 1)
}

// RecordReconfiguration records a non-real-time session change such as
// "reconfigure", "apply_config" or "reset".
func (m *Metrics) RecordReconfiguration(ctx context.Context, kind string, code apm.StatusCode) {
	m.Reconfigurations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", code.String()),
		),
	)
}

// RegisterStatsGauges exposes the values returned by snapshot as observable
// gauges. snapshot is called on every collection and must be safe to call
// from the exporter goroutine. Absent stats are not reported. Unregister the
// returned registration when the session closes.
func (m *Metrics) RegisterStatsGauges(snapshot func() apm.Stats) (metric.Registration, error) {
	rms, err := m.meter.Int64ObservableGauge("audioproc.stats.rms_level",
		metric.WithDescription("Capture RMS level as positive dB below full scale (127 is silence)."),
		metric.WithUnit("dB"),
	)
	if err != nil {
		return nil, err
	}
	voice, err := m.meter.Int64ObservableGauge("audioproc.stats.has_voice",
		metric.WithDescription("1 while the voice detector reports speech."),
	)
	if err != nil {
		return nil, err
	}
	erl, err := m.meter.Float64ObservableGauge("audioproc.stats.echo_return_loss",
		metric.WithDescription("Echo return loss."),
		metric.WithUnit("dB"),
	)
	if err != nil {
		return nil, err
	}
	erle, err := m.meter.Float64ObservableGauge("audioproc.stats.echo_return_loss_enhancement",
		metric.WithDescription("Echo return loss enhancement."),
		metric.WithUnit("dB"),
	)
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := snapshot()
		if v, ok := st.RMSLevel.Get(); ok {
			o.ObserveInt64(rms, int64(v))
		}
		if v, ok := st.HasVoice.Get(); ok {
			var n int64
			if v {
				n = 1
			}
			o.ObserveInt64(voice, n)
		}
		if v, ok := st.EchoReturnLoss.Get(); ok {
			o.ObserveFloat64(erl, v)
		}
		if v, ok := st.EchoReturnLossEnhancement.Get(); ok {
			o.ObserveFloat64(erle, v)
		}
		return nil
	}, rms, voice, erl, erle)
}
