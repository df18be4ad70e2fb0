package indicators

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tape/internal/domain"
)

// Statistical calculators on gonum.

func computeZScore(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}

	window := closes(bars[len(bars)-length:])
	mean, std := stat.MeanStdDev(window, nil)
	if std == 0 || math.IsNaN(std) {
		return notReady(), nil
	}
	return &State{Value: (window[len(window)-1] - mean) / std, Ready: true}, nil
}

// computeLinReg fits close against the bar index over the window.
// Slope is per bar, in price units.
func computeLinReg(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}

	ys := closes(bars[len(bars)-length:])
	xs := make([]float64, length)
	for i := range xs {
		xs[i] = float64(i)
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(beta) {
		return notReady(), nil
	}
	return &State{
		Value: beta,
		Values: map[string]float64{
			"slope":     beta,
			"intercept": alpha,
			"r2":        r2,
		},
		Ready: true,
	}, nil
}

// computeCorrelation measures the price-volume correlation over the
// window, a confirmation signal for moves on conviction.
func computeCorrelation(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}

	window := bars[len(bars)-length:]
	corr := stat.Correlation(closes(window), volumes(window), nil)
	if math.IsNaN(corr) {
		return notReady(), nil
	}
	return &State{Value: corr, Ready: true}, nil
}
