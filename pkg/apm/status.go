package apm

import (
	"errors"
	"fmt"
	"strconv"
)

// StatusCode is the integer result of an [Engine] call. [StatusOK] is the
// only success value; every other code is an opaque failure.
type StatusCode int

const (
	StatusOK                        StatusCode = 0
	StatusUnspecified               StatusCode = -1
	StatusCreationFailed            StatusCode = -2
	StatusUnsupportedComponent      StatusCode = -3
	StatusUnsupportedFunction       StatusCode = -4
	StatusNullPointer               StatusCode = -5
	StatusBadParameter              StatusCode = -6
	StatusBadSampleRate             StatusCode = -7
	StatusBadDataLength             StatusCode = -8
	StatusBadNumberChannels         StatusCode = -9
	StatusFile                      StatusCode = -10
	StatusStreamParameterNotSet     StatusCode = -11
	StatusNotEnabled                StatusCode = -12
	StatusBadStreamParameterWarning StatusCode = -13
)

var statusNames = map[StatusCode]string{
	StatusOK:                        "ok",
	StatusUnspecified:               "unspecified",
	StatusCreationFailed:            "creation_failed",
	StatusUnsupportedComponent:      "unsupported_component",
	StatusUnsupportedFunction:       "unsupported_function",
	StatusNullPointer:               "null_pointer",
	StatusBadParameter:              "bad_parameter",
	StatusBadSampleRate:             "bad_sample_rate",
	StatusBadDataLength:             "bad_data_length",
	StatusBadNumberChannels:         "bad_number_channels",
	StatusFile:                      "file",
	StatusStreamParameterNotSet:     "stream_parameter_not_set",
	StatusNotEnabled:                "not_enabled",
	StatusBadStreamParameterWarning: "bad_stream_parameter_warning",
}

// IsSuccess reports whether code signals success. It is the sole predicate
// callers should use; non-success codes are not decoded further.
func IsSuccess(code StatusCode) bool {
	return code == StatusOK
}

// String returns a stable snake_case name, suitable as a metric attribute.
func (c StatusCode) String() string {
	if s, ok := statusNames[c]; ok {
		return s
	}
	return "code_" + strconv.Itoa(int(c))
}

// Err returns nil for [StatusOK] and a [*StatusError] otherwise.
func (c StatusCode) Err() error {
	if IsSuccess(c) {
		return nil
	}
	return &StatusError{Code: c}
}

// StatusError wraps a non-success [StatusCode] as an error.
type StatusError struct {
	Code StatusCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apm: engine status %d (%s)", int(e.Code), e.Code)
}

// ErrEngineInitFailed matches every [*EngineInitError] via [errors.Is].
var ErrEngineInitFailed = errors.New("apm: engine initialization failed")

// ErrNoEngineFactory is returned by [New] when no [EngineFactory] was given.
var ErrNoEngineFactory = errors.New("apm: no engine factory configured")

// EngineInitError reports that the Engine rejected initialization. Code is
// surfaced unmodified for the host to log or inspect.
type EngineInitError struct {
	Code StatusCode

	// Err is the factory error when the engine could not be created at all.
	Err error
}

func (e *EngineInitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apm: engine initialization failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("apm: engine initialization failed with status %d (%s)", int(e.Code), e.Code)
}

// Is makes errors.Is(err, ErrEngineInitFailed) hold.
func (e *EngineInitError) Is(target error) bool {
	return target == ErrEngineInitFailed
}

func (e *EngineInitError) Unwrap() error {
	return e.Err
}
