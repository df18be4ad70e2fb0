package indicators

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tape/internal/domain"
)

// Moving averages and price-overlap calculators.

// emaCarry is the recurrence state of an incremental EMA
type emaCarry struct {
	value float64
}

func computeSMA(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}
	return singleState(talib.Sma(closes(bars), length)), nil
}

func computeEMA(spec domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}

	// Warmed EMA advances with the standard recurrence instead of a
	// full batch pass.
	if advancedOneBar(prior, bars) {
		if carry, ok := prior.Carry.(emaCarry); ok {
			k := 2.0 / (float64(length) + 1.0)
			next := bars[len(bars)-1].Close*k + carry.value*(1.0-k)
			return &State{Value: next, Ready: true, Carry: emaCarry{value: next}}, nil
		}
	}

	state := singleState(talib.Ema(closes(bars), length))
	if state.Ready {
		state.Carry = emaCarry{value: state.Value}
	}
	return state, nil
}

func computeWMA(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}
	return singleState(talib.Wma(closes(bars), length)), nil
}

func computeDEMA(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < 2*length {
		return notReady(), nil
	}
	return singleState(talib.Dema(closes(bars), length)), nil
}

func computeTEMA(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < 3*length {
		return notReady(), nil
	}
	return singleState(talib.Tema(closes(bars), length)), nil
}

func computeKAMA(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 30))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Kama(closes(bars), length)), nil
}

func computeTRIX(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 15))
	if len(bars) < 3*length+1 {
		return notReady(), nil
	}
	return singleState(talib.Trix(closes(bars), length)), nil
}

func computeSAR(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	if len(bars) < 2 {
		return notReady(), nil
	}
	accel := spec.Param("accel", 0.02)
	maximum := spec.Param("max", 0.2)
	return singleState(talib.Sar(highs(bars), lows(bars), accel, maximum)), nil
}

// vwapCarry accumulates the session sums so each bar is O(1)
type vwapCarry struct {
	priceVolume float64
	volume      float64
}

func computeVWAP(_ domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error) {
	if len(bars) == 0 {
		return notReady(), nil
	}

	carry := vwapCarry{}
	start := 0
	if advancedOneBar(prior, bars) {
		if prev, ok := prior.Carry.(vwapCarry); ok {
			carry = prev
			start = len(bars) - 1
		}
	}

	for _, b := range bars[start:] {
		typical := (b.High + b.Low + b.Close) / 3.0
		carry.priceVolume += typical * b.Volume
		carry.volume += b.Volume
	}
	if carry.volume == 0 {
		return notReady(), nil
	}
	return &State{Value: carry.priceVolume / carry.volume, Ready: true, Carry: carry}, nil
}

func computeBollinger(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	mult := spec.Param("mult", 2.0)
	if len(bars) < length {
		return notReady(), nil
	}
	upper, middle, lower := talib.BBands(closes(bars), length, mult, mult, talib.SMA)
	return multiState("middle", map[string][]float64{
		"upper":  upper,
		"middle": middle,
		"lower":  lower,
	}), nil
}

func computeDonchian(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}
	window := bars[len(bars)-length:]
	upper := window[0].High
	lower := window[0].Low
	for _, b := range window[1:] {
		if b.High > upper {
			upper = b.High
		}
		if b.Low < lower {
			lower = b.Low
		}
	}
	return &State{
		Value:  (upper + lower) / 2.0,
		Values: map[string]float64{"upper": upper, "lower": lower},
		Ready:  true,
	}, nil
}

func computeKeltner(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	mult := spec.Param("mult", 2.0)
	if len(bars) < length+1 {
		return notReady(), nil
	}

	middle, okM := lastValid(talib.Ema(closes(bars), length))
	atr, okA := lastValid(talib.Atr(highs(bars), lows(bars), closes(bars), length))
	if !okM || !okA {
		return notReady(), nil
	}
	return &State{
		Value: middle,
		Values: map[string]float64{
			"upper":  middle + mult*atr,
			"middle": middle,
			"lower":  middle - mult*atr,
		},
		Ready: true,
	}, nil
}
