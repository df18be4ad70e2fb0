package indicators

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tape/internal/domain"
)

// Volume-weighted calculators.

func computeOBV(_ domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	if len(bars) < 2 {
		return notReady(), nil
	}
	return singleState(talib.Obv(closes(bars), volumes(bars))), nil
}

func computeAD(_ domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	if len(bars) < 1 {
		return notReady(), nil
	}
	return singleState(talib.Ad(highs(bars), lows(bars), closes(bars), volumes(bars))), nil
}

func computeADOsc(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	fast := int(spec.Param("fast", 3))
	slow := int(spec.Param("slow", 10))
	if len(bars) < slow+1 {
		return notReady(), nil
	}
	return singleState(talib.AdOsc(highs(bars), lows(bars), closes(bars), volumes(bars), fast, slow)), nil
}

func computeMFI(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Mfi(highs(bars), lows(bars), closes(bars), volumes(bars), length)), nil
}
