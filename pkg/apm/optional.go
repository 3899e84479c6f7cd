package apm

import (
	"bytes"
	"encoding/json"
)

// Optional is a present/absent wrapper for values an algorithm may not be
// able to produce, for example because it is disabled or has not converged.
//
// When HasValue is false, Value holds the zero value of T and must not be
// interpreted.
type Optional[T any] struct {
	HasValue bool
	Value    T
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{HasValue: true, Value: v}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	if !o.HasValue {
		var zero T
		return zero, false
	}
	return o.Value, true
}

// Or returns the value if present and def otherwise.
func (o Optional[T]) Or(def T) T {
	if !o.HasValue {
		return def
	}
	return o.Value
}

// MarshalJSON encodes an absent value as null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.HasValue {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON decodes null as absent.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = None[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
