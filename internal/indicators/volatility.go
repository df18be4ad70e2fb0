package indicators

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tape/internal/domain"
)

// Volatility and level calculators.

func computeATR(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Atr(highs(bars), lows(bars), closes(bars), length)), nil
}

func computeNATR(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Natr(highs(bars), lows(bars), closes(bars), length)), nil
}

func computeHighLow(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 0))
	if len(bars) == 0 {
		return notReady(), nil
	}

	// length 0 means the whole session so far
	window := bars
	if length > 0 {
		if len(bars) < length {
			return notReady(), nil
		}
		window = bars[len(bars)-length:]
	}

	high := window[0].High
	low := window[0].Low
	for _, b := range window[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return &State{
		Value:  high,
		Values: map[string]float64{"high": high, "low": low},
		Ready:  true,
	}, nil
}

// computePivots derives classic floor-trader pivots from the supplied
// series (the coordinator feeds the prior session's bars for daily
// pivots, or the session so far for intraday levels).
func computePivots(_ domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	if len(bars) == 0 {
		return notReady(), nil
	}

	high := bars[0].High
	low := bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	lastClose := bars[len(bars)-1].Close

	pp := (high + low + lastClose) / 3.0
	spread := high - low
	return &State{
		Value: pp,
		Values: map[string]float64{
			"pp": pp,
			"r1": 2*pp - low,
			"s1": 2*pp - high,
			"r2": pp + spread,
			"s2": pp - spread,
			"r3": high + 2*(pp-low),
			"s3": low - 2*(high-pp),
		},
		Ready: true,
	}, nil
}
