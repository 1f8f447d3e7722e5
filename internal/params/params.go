// Package params holds the live effect parameters shared between the
// control path and the render loop.
//
// Every update publishes a new immutable EffectParameters record through an
// atomic pointer, so a render cycle always reads one whole generation and
// never blocks on a writer.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrInvalidParameter is returned for non-numeric or unknown parameter input.
var ErrInvalidParameter = errors.New("invalid parameter")

// Field names a single effect parameter.
type Field string

const (
	FieldPitch      Field = "pitch"
	FieldSpeed      Field = "speed"
	FieldReverb     Field = "reverb"
	FieldEcho       Field = "echo"
	FieldDistortion Field = "distortion"
)

// Fields lists every parameter in chain order.
var Fields = []Field{FieldPitch, FieldSpeed, FieldReverb, FieldEcho, FieldDistortion}

// EffectParameters is one published generation of effect settings.
// Records are never mutated after they are stored.
type EffectParameters struct {
	PitchSemitones   float64 `json:"pitch"`
	SpeedFactor      float64 `json:"speed"`
	ReverbAmount     float64 `json:"reverb"`
	EchoAmount       float64 `json:"echo"`
	DistortionAmount float64 `json:"distortion"`

	Generation uint64 `json:"-"`
}

// Defaults returns the neutral parameter set.
func Defaults() EffectParameters {
	return EffectParameters{SpeedFactor: 1}
}

// Neutral reports whether p leaves the signal unchanged apart from
// effect tails.
func (p EffectParameters) Neutral() bool {
	return p.PitchSemitones == 0 && p.SpeedFactor == 1 &&
		p.ReverbAmount == 0 && p.EchoAmount == 0 && p.DistortionAmount == 0
}

// Store publishes EffectParameters to a single render loop.
type Store struct {
	cur atomic.Pointer[EffectParameters]
}

// NewStore returns a store holding Defaults.
func NewStore() *Store {
	s := &Store{}
	d := Defaults()
	s.cur.Store(&d)
	return s
}

// Snapshot returns the current generation. It performs one atomic load and
// does not allocate.
func (s *Store) Snapshot() EffectParameters {
	return *s.cur.Load()
}

// Generation returns the current update generation.
func (s *Store) Generation() uint64 {
	return s.cur.Load().Generation
}

// Set validates value for field and publishes it. Numeric values outside
// the field's range are clamped; non-numeric values are rejected with
// ErrInvalidParameter.
func (s *Store) Set(field Field, value any) error {
	return s.Apply(Update{field: value})
}

// Update is a partial parameter change. Missing fields keep their value.
type Update map[Field]any

// Apply publishes every valid field of u as one generation. Invalid fields
// are skipped and reported in the returned error; the rest still apply.
func (s *Store) Apply(u Update) error {
	vals := make(map[Field]float64, len(u))
	var errs []error
	for f, raw := range u {
		v, err := toFloat(raw)
		if err == nil && !validField(f) {
			err = ErrInvalidParameter
		}
		if err == nil && f == FieldPitch && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = fmt.Errorf("%w: not finite", ErrInvalidParameter)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		vals[f] = v
	}
	if len(vals) > 0 {
		s.publish(vals)
	}
	return errors.Join(errs...)
}

// Replace publishes p wholesale after normalizing it.
func (s *Store) Replace(p EffectParameters) {
	s.publish(map[Field]float64{
		FieldPitch:      p.PitchSemitones,
		FieldSpeed:      p.SpeedFactor,
		FieldReverb:     p.ReverbAmount,
		FieldEcho:       p.EchoAmount,
		FieldDistortion: p.DistortionAmount,
	})
}

func (s *Store) publish(vals map[Field]float64) {
	for {
		old := s.cur.Load()
		next := *old
		for f, v := range vals {
			next.set(f, v)
		}
		next.Generation = old.Generation + 1
		if s.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (p *EffectParameters) set(f Field, v float64) {
	switch f {
	case FieldPitch:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			p.PitchSemitones = v
		}
	case FieldSpeed:
		p.SpeedFactor = NormalizeSpeed(v)
	case FieldReverb:
		p.ReverbAmount = Clamp01(v)
	case FieldEcho:
		p.EchoAmount = Clamp01(v)
	case FieldDistortion:
		p.DistortionAmount = Clamp01(v)
	}
}

func validField(f Field) bool {
	for _, k := range Fields {
		if k == f {
			return true
		}
	}
	return false
}

// toFloat accepts every Go numeric kind, json.Number and numeric strings.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: missing value", ErrInvalidParameter)
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidParameter, n.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidParameter, n)
		}
		return f, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrInvalidParameter, v)
}
