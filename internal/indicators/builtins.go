package indicators

import "github.com/aristath/tape/internal/domain"

// RegisterBuiltins registers the full calculator catalog
func (r *Registry) RegisterBuiltins() {
	fixed := func(n int) func(domain.IndicatorSpec) int {
		return func(domain.IndicatorSpec) int { return n }
	}

	builtins := []*funcCalculator{
		// Overlap
		{name: "sma", minBars: lengthMin(20, 0), compute: computeSMA},
		{name: "ema", minBars: lengthMin(20, 0), compute: computeEMA},
		{name: "wma", minBars: lengthMin(20, 0), compute: computeWMA},
		{name: "dema", minBars: func(s domain.IndicatorSpec) int { return 2 * int(s.Param("length", 20)) }, compute: computeDEMA},
		{name: "tema", minBars: func(s domain.IndicatorSpec) int { return 3 * int(s.Param("length", 20)) }, compute: computeTEMA},
		{name: "kama", minBars: lengthMin(30, 1), compute: computeKAMA},
		{name: "trix", minBars: func(s domain.IndicatorSpec) int { return 3*int(s.Param("length", 15)) + 1 }, compute: computeTRIX},
		{name: "sar", minBars: fixed(2), compute: computeSAR},
		{name: "vwap", minBars: fixed(1), compute: computeVWAP},
		{name: "bollinger", minBars: lengthMin(20, 0), compute: computeBollinger},
		{name: "donchian", minBars: lengthMin(20, 0), compute: computeDonchian},
		{name: "keltner", minBars: lengthMin(20, 1), compute: computeKeltner},

		// Momentum
		{name: "rsi", minBars: lengthMin(14, 1), compute: computeRSI},
		{name: "macd", minBars: func(s domain.IndicatorSpec) int {
			return int(s.Param("slow", 26)) + int(s.Param("signal", 9))
		}, compute: computeMACD},
		{name: "stochastic", minBars: func(s domain.IndicatorSpec) int {
			return int(s.Param("k", 14)) + int(s.Param("slow_k", 3)) + int(s.Param("d", 3))
		}, compute: computeStochastic},
		{name: "stochrsi", minBars: func(s domain.IndicatorSpec) int {
			return 2*int(s.Param("length", 14)) + int(s.Param("k", 5)) + int(s.Param("d", 3))
		}, compute: computeStochRSI},
		{name: "roc", minBars: lengthMin(10, 1), compute: computeROC},
		{name: "momentum", minBars: lengthMin(10, 1), compute: computeMomentum},
		{name: "williams_r", minBars: lengthMin(14, 0), compute: computeWilliamsR},
		{name: "ultosc", minBars: func(s domain.IndicatorSpec) int { return int(s.Param("p3", 28)) + 1 }, compute: computeUltOsc},
		{name: "bop", minBars: fixed(1), compute: computeBOP},
		{name: "cmo", minBars: lengthMin(14, 1), compute: computeCMO},
		{name: "adx", minBars: func(s domain.IndicatorSpec) int { return 2 * int(s.Param("length", 14)) }, compute: computeADX},
		{name: "dx", minBars: lengthMin(14, 1), compute: computeDX},
		{name: "cci", minBars: lengthMin(20, 0), compute: computeCCI},
		{name: "aroon", minBars: lengthMin(25, 1), compute: computeAroon},

		// Volume
		{name: "obv", minBars: fixed(2), compute: computeOBV},
		{name: "ad", minBars: fixed(1), compute: computeAD},
		{name: "adosc", minBars: func(s domain.IndicatorSpec) int { return int(s.Param("slow", 10)) + 1 }, compute: computeADOsc},
		{name: "mfi", minBars: lengthMin(14, 1), compute: computeMFI},

		// Volatility and levels
		{name: "atr", minBars: lengthMin(14, 1), compute: computeATR},
		{name: "natr", minBars: lengthMin(14, 1), compute: computeNATR},
		{name: "highlow", minBars: fixed(1), compute: computeHighLow},
		{name: "pivots", minBars: fixed(1), compute: computePivots},

		// Statistics
		{name: "zscore", minBars: lengthMin(20, 0), compute: computeZScore},
		{name: "linreg", minBars: lengthMin(20, 0), compute: computeLinReg},
		{name: "correlation", minBars: lengthMin(20, 0), compute: computeCorrelation},
	}

	for _, c := range builtins {
		r.Register(c)
	}
}
