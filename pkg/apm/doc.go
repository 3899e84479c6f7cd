// Package apm drives a frame-synchronous audio processing session.
//
// A [Session] owns exactly one [Engine] (echo cancellation, gain control,
// voice detection, level estimation) together with the capture and render
// [StreamGeometry]. Hosts push render (speaker) frames and capture
// (microphone) frames in strict alternation, render first, and query a
// [Stats] snapshot between frames on the same goroutine.
//
// The frame entry points [Session.ProcessRenderFrame] and
// [Session.ProcessCaptureFrame] are meant to run inside a real-time audio
// callback: they never block, never log and never allocate. Per-frame
// failures are reported as [StatusCode] values so the host can decide whether
// to drop, mute or abort.
//
// [Session.SetDelayMs] and [Session.SetOutputMuted] may be called from a
// control goroutine while frames are processed. The delay is a single atomic
// word read at the start of each capture frame; a stale value for one frame
// is tolerated. [Session.Reconfigure] and [Session.ResetToDefaults] are
// destructive and must only be called while the audio goroutine is quiesced.
//
// This package lives under pkg/ because Engine implementations are expected
// to come from outside the module (a cgo binding, a remote DSP, a test
// double). The pure-Go reference engine lives in the native subpackage.
package apm
