package pipeline_test

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/audioproc/internal/config"
	"github.com/MrWong99/audioproc/internal/observe"
	"github.com/MrWong99/audioproc/internal/pipeline"
	"github.com/MrWong99/audioproc/internal/resilience"
	"github.com/MrWong99/audioproc/pkg/apm"
	"github.com/MrWong99/audioproc/pkg/apm/mock"
	"github.com/MrWong99/audioproc/pkg/apm/native"
	"github.com/MrWong99/audioproc/pkg/audio"
)

const rate = 48000

// ── helpers ──

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter returns the sum over all data points of the named int64 counter.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func newMockSession(t *testing.T, eng *mock.Engine) *apm.Session {
	t.Helper()
	sess, err := apm.New(1, 1, rate, apm.WithEngineFactory(eng.Factory()))
	if err != nil {
		t.Fatalf("apm.New: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// frames returns n mono frames filled with v.
func frames(n int, v float32) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		f := audio.NewFrame(rate, 1, rate/100)
		for j := range f.Channels[0] {
			f.Channels[0][j] = v
		}
		out[i] = f
	}
	return out
}

// chanSource hands out frames as the test pushes them.
type chanSource chan audio.Frame

func (c chanSource) Next(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-c:
		if !ok {
			return audio.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

type failingSink struct{}

func (failingSink) Write(context.Context, audio.Frame) error { return errors.New("disk full") }

// ── Run ──

func TestRun_ProcessesEveryFrame(t *testing.T) {
	eng := &mock.Engine{}
	m, reader := newTestMetrics(t)
	p := pipeline.New(newMockSession(t, eng), pipeline.WithMetrics(m))

	sink := &pipeline.CollectSink{}
	rep, err := p.Run(context.Background(),
		pipeline.NewSliceSource(frames(5, 0)),
		pipeline.NewSliceSource(frames(5, 0.25)),
		sink,
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Frames != 5 {
		t.Errorf("Frames = %d, want 5", rep.Frames)
	}
	if len(eng.ProcessStreamCalls) != 5 {
		t.Errorf("ProcessStream calls = %d, want 5", len(eng.ProcessStreamCalls))
	}
	if eng.ProcessReverseStreamCallCount != 5 {
		t.Errorf("ProcessReverseStream calls = %d, want 5", eng.ProcessReverseStreamCallCount)
	}
	if got := len(sink.Frames()); got != 5 {
		t.Errorf("sink frames = %d, want 5", got)
	}
	if got := counter(t, reader, "audioproc.frames"); got != 10 {
		t.Errorf("audioproc.frames = %d, want 10", got)
	}
	if got := counter(t, reader, "audioproc.active_sessions"); got != 0 {
		t.Errorf("active sessions after Run = %d, want 0", got)
	}
}

func TestRun_RenderEndsEarly(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))

	rep, err := p.Run(context.Background(),
		pipeline.NewSliceSource(frames(2, 0.5)),
		pipeline.NewSliceSource(frames(6, 0)),
		nil,
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Frames != 6 || eng.ProcessReverseStreamCallCount != 6 {
		t.Errorf("frames = %d, reverse calls = %d, want 6 and 6", rep.Frames, eng.ProcessReverseStreamCallCount)
	}
}

func TestRun_NilRender(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))

	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(3, 0)), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.ProcessReverseStreamCallCount != 3 {
		t.Errorf("reverse calls = %d, want 3", eng.ProcessReverseStreamCallCount)
	}
}

func TestRun_FailedFramePassesInputThrough(t *testing.T) {
	eng := &mock.Engine{
		ProcessStreamResult: apm.StatusUnspecified,
		OnProcessStream: func(ch [][]float32) {
			for i := range ch[0] {
				ch[0][i] = 0
			}
		},
	}
	p := pipeline.New(newMockSession(t, eng))

	sink := &pipeline.CollectSink{}
	rep, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(3, 0.5)), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.CaptureFailures != 3 {
		t.Errorf("CaptureFailures = %d, want 3", rep.CaptureFailures)
	}
	for i, f := range sink.Frames() {
		if f.Channels[0][0] != 0.5 {
			t.Errorf("frame %d sample = %v, want input 0.5", i, f.Channels[0][0])
		}
	}
}

func TestRun_FirstFailure(t *testing.T) {
	eng := &mock.Engine{ProcessStreamResult: apm.StatusBadParameter}
	p := pipeline.New(newMockSession(t, eng))
	rep, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(2, 0)), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.FirstFailure != apm.StatusBadParameter {
		t.Errorf("FirstFailure = %v, want bad_parameter", rep.FirstFailure)
	}

	ok := pipeline.New(newMockSession(t, &mock.Engine{}))
	rep, _ = ok.Run(context.Background(), nil, pipeline.NewSliceSource(frames(2, 0)), nil)
	if rep.FirstFailure != apm.StatusOK {
		t.Errorf("FirstFailure = %v, want ok", rep.FirstFailure)
	}
}

func TestRun_ProcessedFrameReachesSink(t *testing.T) {
	eng := &mock.Engine{
		OnProcessStream: func(ch [][]float32) { ch[0][0] = -1 },
	}
	p := pipeline.New(newMockSession(t, eng))

	sink := &pipeline.CollectSink{}
	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(1, 0.5)), sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.Frames()[0].Channels[0][0]; got != -1 {
		t.Errorf("sample = %v, want engine output -1", got)
	}
}

func TestRun_RemixesCaptureChannels(t *testing.T) {
	eng := &mock.Engine{}
	sess, err := apm.New(2, 1, rate, apm.WithEngineFactory(eng.Factory()))
	if err != nil {
		t.Fatalf("apm.New: %v", err)
	}
	defer sess.Close()
	p := pipeline.New(sess)

	rep, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(2, 0.1)), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.CaptureFailures != 0 {
		t.Errorf("CaptureFailures = %d, want 0", rep.CaptureFailures)
	}
	if got := eng.ProcessStreamCalls[0].Channels; got != 2 {
		t.Errorf("engine saw %d channels, want 2", got)
	}
}

func TestRun_GuardBypassesFailingEngine(t *testing.T) {
	eng := &mock.Engine{ProcessStreamResult: apm.StatusUnspecified}
	m, reader := newTestMetrics(t)
	guard := resilience.NewGuard(resilience.GuardConfig{Name: "test", MaxFailures: 2, BypassFrames: 3})
	p := pipeline.New(newMockSession(t, eng), pipeline.WithGuard(guard), pipeline.WithMetrics(m))

	// fail, fail+trip, 3 bypassed, probe fails, 3 bypassed, probe fails
	rep, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(10, 0)), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.ProcessStreamCalls) != 4 {
		t.Errorf("engine calls = %d, want 4", len(eng.ProcessStreamCalls))
	}
	if rep.Bypassed != 6 {
		t.Errorf("Bypassed = %d, want 6", rep.Bypassed)
	}
	if rep.GuardTrips != 3 {
		t.Errorf("GuardTrips = %d, want 3", rep.GuardTrips)
	}
	if got := counter(t, reader, "audioproc.frames.bypassed"); got != 6 {
		t.Errorf("audioproc.frames.bypassed = %d, want 6", got)
	}
	if got := counter(t, reader, "audioproc.guard.trips"); got != 3 {
		t.Errorf("audioproc.guard.trips = %d, want 3", got)
	}
	if got := p.Snapshot().GuardState; got != "open" {
		t.Errorf("GuardState = %q, want open", got)
	}
}

func TestRun_SinkErrorStops(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	rep, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(3, 0)), failingSink{})
	if err == nil {
		t.Fatal("expected sink error")
	}
	if rep.Frames != 1 {
		t.Errorf("Frames = %d, want 1", rep.Frames)
	}
}

func TestRun_CancelIsNotAnError(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, nil, make(chanSource), nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-p.Done()
}

func TestRun_Twice(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(nil), nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(nil), nil); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestRun_Realtime(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}), pipeline.WithRealtime(true))
	start := time.Now()
	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(5, 0)), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Errorf("5 realtime frames took %v, want at least 40ms", el)
	}
}

// ── control ops ──

// runLive starts Run on a capture channel and returns a function that pushes
// frames until done fires.
func runLive(t *testing.T, p *pipeline.Pipeline) (feed func(done <-chan struct{}), stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	capture := make(chanSource)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = p.Run(ctx, nil, capture, nil)
	}()

	feed = func(done <-chan struct{}) {
		deadline := time.After(2 * time.Second)
		for {
			g := p.Snapshot().Capture
			select {
			case <-done:
				return
			case capture <- audio.NewFrame(g.SampleRateHz, g.Channels, g.FrameSize()):
			case <-deadline:
				t.Fatal("timed out feeding frames")
			}
		}
	}
	stop = func() {
		cancel()
		<-finished
	}
	return feed, stop
}

func TestSubmit_RunsBetweenFrames(t *testing.T) {
	eng := &mock.Engine{}
	m, reader := newTestMetrics(t)
	p := pipeline.New(newMockSession(t, eng), pipeline.WithMetrics(m))
	feed, stop := runLive(t, p)
	defer stop()

	cfg := apm.DefaultConfig()
	cfg.VoiceDetection.Enabled = true

	done := make(chan struct{})
	var code apm.StatusCode
	var err error
	go func() {
		defer close(done)
		code, err = p.ApplyConfig(context.Background(), cfg)
	}()
	feed(done)

	if err != nil || code != apm.StatusOK {
		t.Fatalf("ApplyConfig = %v, %v", code, err)
	}
	if len(eng.ApplyConfigCalls) == 0 || eng.ApplyConfigCalls[len(eng.ApplyConfigCalls)-1] != cfg {
		t.Error("engine did not receive the config")
	}
	if !p.Snapshot().Config.VoiceDetection.Enabled {
		t.Error("snapshot not refreshed after apply")
	}
	if got := counter(t, reader, "audioproc.reconfigurations"); got != 1 {
		t.Errorf("audioproc.reconfigurations = %d, want 1", got)
	}
}

func TestSubmit_RecordsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(nil), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, _ = p.ResetToDefaults(context.Background(), false)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.reset" {
		t.Fatalf("spans = %v, want one pipeline.reset", spans)
	}
	if len(spans[0].Events) == 0 {
		t.Error("ErrNotRunning not recorded on span")
	}
}

func TestSubmit_BeforeRun(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))

	done := make(chan apm.StatusCode, 1)
	go func() {
		code, _ := p.Submit(context.Background(), "noop", func(*apm.Session) apm.StatusCode { return apm.StatusOK })
		done <- code
	}()
	// Give Submit time to enqueue before Run drains.
	time.Sleep(20 * time.Millisecond)

	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(1, 0)), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case code := <-done:
		if code != apm.StatusOK {
			t.Errorf("code = %v", code)
		}
	case <-time.After(time.Second):
		t.Fatal("queued op never ran")
	}
}

func TestSubmit_AfterRun(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(nil), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, err := p.Submit(context.Background(), "noop", func(*apm.Session) apm.StatusCode { return apm.StatusOK })
	if !errors.Is(err, pipeline.ErrNotRunning) {
		t.Errorf("Submit after Run = %v, want ErrNotRunning", err)
	}
}

func TestSubmit_ContextCancelled(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either the enqueue or the wait sees the cancelled context.
	_, err := p.Submit(ctx, "noop", func(*apm.Session) apm.StatusCode { return apm.StatusOK })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Submit = %v, want context.Canceled", err)
	}
}

func TestResetToDefaults_KeepGeometry(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))
	feed, stop := runLive(t, p)
	defer stop()

	done := make(chan struct{})
	var code apm.StatusCode
	go func() {
		defer close(done)
		code, _ = p.ResetToDefaults(context.Background(), true)
	}()
	feed(done)

	if code != apm.StatusOK {
		t.Fatalf("ResetToDefaults = %v", code)
	}
	if g := p.Snapshot().Capture; g.SampleRateHz != rate {
		t.Errorf("capture geometry = %v, want %d Hz kept", g, rate)
	}
	last := eng.InitializeCalls[len(eng.InitializeCalls)-1]
	if last.CaptureInput.SampleRateHz != rate {
		t.Errorf("last Initialize = %+v, want %d Hz", last, rate)
	}
}

func TestResetToDefaults_DropsGeometry(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))
	feed, stop := runLive(t, p)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.ResetToDefaults(context.Background(), false)
	}()
	feed(done)

	if g := p.Snapshot().Capture; g != (apm.StreamGeometry{SampleRateHz: 16000, Channels: 1}) {
		t.Errorf("capture geometry = %v, want 16 kHz mono", g)
	}
}

func TestResetToDefaults_DroppedRateCanBeRestored(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))
	feed, stop := runLive(t, p)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.ResetToDefaults(context.Background(), false)
	}()
	feed(done)

	snap := p.Snapshot()
	if snap.Capture.SampleRateHz != 16000 {
		t.Fatalf("capture after reset = %v, want 16 kHz", snap.Capture)
	}
	if snap.SourceRateHz != rate || p.SourceRate() != rate {
		t.Fatalf("source rate = %d / %d, want %d", snap.SourceRateHz, p.SourceRate(), rate)
	}

	// The session's current rate is not the sources' rate.
	def := apm.StreamGeometry{SampleRateHz: 16000, Channels: 1}
	err := p.ApplyDiff(context.Background(), config.ConfigDiff{
		GeometryChanged: true,
		NewProcessing:   apm.NewProcessingConfig(def, def),
	})
	if !errors.Is(err, pipeline.ErrRateChange) {
		t.Errorf("ApplyDiff at 16 kHz = %v, want ErrRateChange", err)
	}

	mono := apm.StreamGeometry{SampleRateHz: rate, Channels: 1}
	done = make(chan struct{})
	go func() {
		defer close(done)
		err = p.ApplyDiff(context.Background(), config.ConfigDiff{
			GeometryChanged: true,
			NewProcessing:   apm.NewProcessingConfig(mono, mono),
		})
	}()
	feed(done)

	if err != nil {
		t.Fatalf("ApplyDiff back to %d Hz: %v", rate, err)
	}
	if got := p.Snapshot().Capture; got != mono {
		t.Errorf("capture = %v, want %v", got, mono)
	}
	last := eng.InitializeCalls[len(eng.InitializeCalls)-1]
	if last.CaptureInput != mono {
		t.Errorf("last Initialize = %+v, want %v", last, mono)
	}
}

// ── ApplyDiff ──

func TestApplyDiff_StreamControls(t *testing.T) {
	eng := &mock.Engine{}
	sess := newMockSession(t, eng)
	p := pipeline.New(sess)

	err := p.ApplyDiff(context.Background(), config.ConfigDiff{
		DelayChanged: true, NewDelayMs: 120,
		MuteChanged: true, NewOutputMuted: true,
		EngineChanged: true,
	})
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if v, ok := sess.PendingDelayMs().Get(); !ok || v != 120 {
		t.Errorf("pending delay = %v, %v", v, ok)
	}
	if len(eng.MuteCalls) == 0 || !eng.MuteCalls[len(eng.MuteCalls)-1] {
		t.Errorf("MuteCalls = %v", eng.MuteCalls)
	}
}

func TestApplyDiff_RateChangeRejected(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}))
	g := apm.StreamGeometry{SampleRateHz: 16000, Channels: 1}
	err := p.ApplyDiff(context.Background(), config.ConfigDiff{
		GeometryChanged: true,
		NewProcessing:   apm.NewProcessingConfig(g, g),
	})
	if !errors.Is(err, pipeline.ErrRateChange) {
		t.Errorf("ApplyDiff = %v, want ErrRateChange", err)
	}
}

func TestApplyDiff_ChannelChange(t *testing.T) {
	eng := &mock.Engine{}
	p := pipeline.New(newMockSession(t, eng))
	feed, stop := runLive(t, p)
	defer stop()

	stereo := apm.StreamGeometry{SampleRateHz: rate, Channels: 2}
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		err = p.ApplyDiff(context.Background(), config.ConfigDiff{
			GeometryChanged: true,
			NewProcessing:   apm.NewProcessingConfig(stereo, stereo),
		})
	}()
	feed(done)

	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if got := p.Snapshot().Capture; got != stereo {
		t.Errorf("capture = %v, want %v", got, stereo)
	}
}

func TestApplyDiff_RejectedConfig(t *testing.T) {
	eng := &mock.Engine{ApplyConfigResult: apm.StatusBadParameter}
	p := pipeline.New(newMockSession(t, eng))
	feed, stop := runLive(t, p)
	defer stop()

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		err = p.ApplyDiff(context.Background(), config.ConfigDiff{
			ProcessingChanged: true,
			NewConfig:         apm.DefaultConfig(),
		})
	}()
	feed(done)

	var se *apm.StatusError
	if !errors.As(err, &se) || se.Code != apm.StatusBadParameter {
		t.Errorf("ApplyDiff = %v, want bad_parameter status error", err)
	}
}

// ── snapshots ──

func TestSubscribe(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}), pipeline.WithStatsInterval(0))
	ch, cancel := p.Subscribe(16)
	defer cancel()

	if _, err := p.Run(context.Background(), nil, pipeline.NewSliceSource(frames(3, 0)), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var last pipeline.Snapshot
	for n := 0; n < 3; n++ {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatalf("received %d snapshots, want at least 3", n)
		}
	}
	if last.SessionID != p.ID() {
		t.Errorf("SessionID = %q, want %q", last.SessionID, p.ID())
	}
	cancel()
	cancel()
}

func TestSnapshot_BeforeRun(t *testing.T) {
	p := pipeline.New(newMockSession(t, &mock.Engine{}), pipeline.WithSessionID("abc"))
	snap := p.Snapshot()
	if snap.SessionID != "abc" || snap.Frames != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Capture.SampleRateHz != rate {
		t.Errorf("capture = %v", snap.Capture)
	}
}

func TestRun_NativeEngineLevels(t *testing.T) {
	sess, err := native.NewSession(1, 1, rate)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()
	cfg := apm.DefaultConfig()
	cfg.LevelEstimation.Enabled = true
	if code := sess.ApplyConfig(cfg); code != apm.StatusOK {
		t.Fatalf("ApplyConfig = %v", code)
	}

	in := make([]float32, rate)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	p := pipeline.New(sess)
	rep, err := p.Run(context.Background(), nil,
		pipeline.NewSliceSource(audio.Split([][]float32{in}, rate, sess.SamplesPerFrame())), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Frames != 100 || rep.CaptureFailures != 0 {
		t.Errorf("report = %+v", rep)
	}
	lvl, ok := rep.Stats.RMSLevel.Get()
	if !ok {
		t.Fatal("RMS level absent with level estimation enabled")
	}
	// 0.5 amplitude sine: RMS ≈ -9 dBFS.
	if lvl < 7 || lvl > 11 {
		t.Errorf("RMS level = %d, want about 9", lvl)
	}
}
