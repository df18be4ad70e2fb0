// Package indicators is the technical-indicator catalog: a registry of
// named calculators, each a pure function from (spec, bars, prior
// state) to a new state. Batch math goes through go-talib; the
// regression family uses gonum. Recursive indicators carry their
// recurrence state so a warmed indicator advances in O(1) per bar.
package indicators

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// State is the result of one indicator computation. Value carries the
// primary output; multi-output calculators fill Values as well. Carry
// is the opaque recurrence state of recursive calculators.
type State struct {
	Value  float64
	Values map[string]float64
	Ready  bool
	LastTS time.Time
	Carry  interface{}
}

// Calculator computes one indicator family
type Calculator interface {
	// Name is the registry key ("rsi", "macd", ...)
	Name() string
	// MinBars returns the warmup bar count for a spec
	MinBars(spec domain.IndicatorSpec) int
	// Compute produces the next state from the full bar series and the
	// prior state. Prior may be nil on the first call.
	Compute(spec domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error)
}

// InstanceKey is the session-store key for one indicator instance on
// one interval, e.g. "rsi(length=14):5m".
func InstanceKey(spec domain.IndicatorSpec, interval domain.Interval) string {
	return spec.Key() + ":" + interval.String()
}

// Registry maps indicator names to calculators
type Registry struct {
	calculators map[string]Calculator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{calculators: make(map[string]Calculator)}
}

// Default returns a registry with every built-in calculator registered
func Default() *Registry {
	r := NewRegistry()
	r.RegisterBuiltins()
	return r
}

// Register adds a calculator; an existing name is replaced
func (r *Registry) Register(c Calculator) {
	r.calculators[c.Name()] = c
}

// Get resolves a calculator by name
func (r *Registry) Get(name string) (Calculator, error) {
	c, ok := r.calculators[name]
	if !ok {
		return nil, domain.NewValidationError("indicator", "unknown indicator %q", name)
	}
	return c, nil
}

// Has reports whether a name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.calculators[name]
	return ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.calculators))
	for name := range r.calculators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Compute resolves and runs a calculator, stamping the state with the
// newest bar timestamp.
func (r *Registry) Compute(spec domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error) {
	c, err := r.Get(spec.Name)
	if err != nil {
		return nil, err
	}
	state, err := c.Compute(spec, bars, prior)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Key(), err)
	}
	if state != nil && len(bars) > 0 {
		state.LastTS = bars[len(bars)-1].Timestamp
	}
	return state, nil
}

// funcCalculator adapts a plain function into a Calculator
type funcCalculator struct {
	name    string
	minBars func(domain.IndicatorSpec) int
	compute func(domain.IndicatorSpec, []domain.Bar, *State) (*State, error)
}

func (f *funcCalculator) Name() string { return f.name }

func (f *funcCalculator) MinBars(spec domain.IndicatorSpec) int { return f.minBars(spec) }

func (f *funcCalculator) Compute(spec domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error) {
	return f.compute(spec, bars, prior)
}

// lengthMin returns a MinBars func reading the "length" param
func lengthMin(def float64, extra int) func(domain.IndicatorSpec) int {
	return func(spec domain.IndicatorSpec) int {
		return int(spec.Param("length", def)) + extra
	}
}

// notReady is the state published while warmup is unsatisfied
func notReady() *State {
	return &State{Ready: false}
}

// lastValid returns the final element of a talib output vector and
// whether it is a usable number.
func lastValid(v []float64) (float64, bool) {
	if len(v) == 0 {
		return 0, false
	}
	last := v[len(v)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return 0, false
	}
	return last, true
}

// singleState builds a ready single-output state, or notReady when the
// vector tail is NaN (talib pads warmup with NaN).
func singleState(v []float64) *State {
	value, ok := lastValid(v)
	if !ok {
		return notReady()
	}
	return &State{Value: value, Ready: true}
}

// multiState builds a ready multi-output state. The primary output is
// taken from the named component.
func multiState(primary string, components map[string][]float64) *State {
	values := make(map[string]float64, len(components))
	for name, vector := range components {
		value, ok := lastValid(vector)
		if !ok {
			return notReady()
		}
		values[name] = value
	}
	return &State{Value: values[primary], Values: values, Ready: true}
}

// Series extraction helpers

func opens(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Open
	}
	return out
}

func highs(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func lows(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func volumes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// advancedOneBar reports whether bars extends the prior state by
// exactly one bar, the condition for an incremental update.
func advancedOneBar(prior *State, bars []domain.Bar) bool {
	if prior == nil || !prior.Ready || prior.Carry == nil {
		return false
	}
	n := len(bars)
	return n >= 2 && bars[n-2].Timestamp.Equal(prior.LastTS)
}
