package indicators

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/tape/internal/domain"
)

// Momentum and oscillator calculators.

// rsiCarry is Wilder's smoothed-average recurrence state
type rsiCarry struct {
	avgGain   float64
	avgLoss   float64
	prevClose float64
}

func computeRSI(spec domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length+1 {
		return notReady(), nil
	}

	// Warmed RSI advances the smoothed averages incrementally.
	if advancedOneBar(prior, bars) {
		if carry, ok := prior.Carry.(rsiCarry); ok {
			change := bars[len(bars)-1].Close - carry.prevClose
			gain, loss := 0.0, 0.0
			if change > 0 {
				gain = change
			} else {
				loss = -change
			}
			n := float64(length)
			carry.avgGain = (carry.avgGain*(n-1) + gain) / n
			carry.avgLoss = (carry.avgLoss*(n-1) + loss) / n
			carry.prevClose = bars[len(bars)-1].Close

			value := 100.0
			if carry.avgLoss > 0 {
				rs := carry.avgGain / carry.avgLoss
				value = 100.0 - 100.0/(1.0+rs)
			}
			return &State{Value: value, Ready: true, Carry: carry}, nil
		}
	}

	closePrices := closes(bars)
	state := singleState(talib.Rsi(closePrices, length))
	if state.Ready {
		state.Carry = rsiWarmup(closePrices, length)
	}
	return state, nil
}

// rsiWarmup rebuilds the Wilder averages from the full series so the
// next bar can advance incrementally.
func rsiWarmup(closePrices []float64, length int) rsiCarry {
	n := float64(length)
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= length; i++ {
		change := closePrices[i] - closePrices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= n
	avgLoss /= n
	for i := length + 1; i < len(closePrices); i++ {
		change := closePrices[i] - closePrices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
	}
	return rsiCarry{
		avgGain:   avgGain,
		avgLoss:   avgLoss,
		prevClose: closePrices[len(closePrices)-1],
	}
}

// macdCarry holds the three EMAs of the MACD recurrence
type macdCarry struct {
	fastEMA   float64
	slowEMA   float64
	signalEMA float64
}

func computeMACD(spec domain.IndicatorSpec, bars []domain.Bar, prior *State) (*State, error) {
	fast := int(spec.Param("fast", 12))
	slow := int(spec.Param("slow", 26))
	signal := int(spec.Param("signal", 9))
	if len(bars) < slow+signal {
		return notReady(), nil
	}

	if advancedOneBar(prior, bars) {
		if carry, ok := prior.Carry.(macdCarry); ok {
			price := bars[len(bars)-1].Close
			kFast := 2.0 / (float64(fast) + 1.0)
			kSlow := 2.0 / (float64(slow) + 1.0)
			kSig := 2.0 / (float64(signal) + 1.0)
			carry.fastEMA = price*kFast + carry.fastEMA*(1.0-kFast)
			carry.slowEMA = price*kSlow + carry.slowEMA*(1.0-kSlow)
			macd := carry.fastEMA - carry.slowEMA
			carry.signalEMA = macd*kSig + carry.signalEMA*(1.0-kSig)
			return &State{
				Value: macd,
				Values: map[string]float64{
					"macd":      macd,
					"signal":    carry.signalEMA,
					"histogram": macd - carry.signalEMA,
				},
				Ready: true,
				Carry: carry,
			}, nil
		}
	}

	closePrices := closes(bars)
	macdLine, signalLine, histogram := talib.Macd(closePrices, fast, slow, signal)
	state := multiState("macd", map[string][]float64{
		"macd":      macdLine,
		"signal":    signalLine,
		"histogram": histogram,
	})
	if state.Ready {
		fastEMA, okF := lastValid(talib.Ema(closePrices, fast))
		slowEMA, okS := lastValid(talib.Ema(closePrices, slow))
		if okF && okS {
			state.Carry = macdCarry{
				fastEMA:   fastEMA,
				slowEMA:   slowEMA,
				signalEMA: state.Values["signal"],
			}
		}
	}
	return state, nil
}

func computeStochastic(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	fastK := int(spec.Param("k", 14))
	slowK := int(spec.Param("slow_k", 3))
	slowD := int(spec.Param("d", 3))
	if len(bars) < fastK+slowK+slowD {
		return notReady(), nil
	}
	k, d := talib.Stoch(highs(bars), lows(bars), closes(bars), fastK, slowK, talib.SMA, slowD, talib.SMA)
	return multiState("k", map[string][]float64{"k": k, "d": d}), nil
}

func computeStochRSI(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	fastK := int(spec.Param("k", 5))
	fastD := int(spec.Param("d", 3))
	if len(bars) < 2*length+fastK+fastD {
		return notReady(), nil
	}
	k, d := talib.StochRsi(closes(bars), length, fastK, fastD, talib.SMA)
	return multiState("k", map[string][]float64{"k": k, "d": d}), nil
}

func computeROC(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 10))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Roc(closes(bars), length)), nil
}

func computeMomentum(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 10))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Mom(closes(bars), length)), nil
}

func computeWilliamsR(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length {
		return notReady(), nil
	}
	return singleState(talib.WillR(highs(bars), lows(bars), closes(bars), length)), nil
}

func computeUltOsc(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	p1 := int(spec.Param("p1", 7))
	p2 := int(spec.Param("p2", 14))
	p3 := int(spec.Param("p3", 28))
	if len(bars) < p3+1 {
		return notReady(), nil
	}
	return singleState(talib.UltOsc(highs(bars), lows(bars), closes(bars), p1, p2, p3)), nil
}

func computeBOP(_ domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	if len(bars) < 1 {
		return notReady(), nil
	}
	return singleState(talib.Bop(opens(bars), highs(bars), lows(bars), closes(bars))), nil
}

func computeCMO(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Cmo(closes(bars), length)), nil
}

func computeADX(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < 2*length {
		return notReady(), nil
	}
	return singleState(talib.Adx(highs(bars), lows(bars), closes(bars), length)), nil
}

func computeDX(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 14))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	return singleState(talib.Dx(highs(bars), lows(bars), closes(bars), length)), nil
}

func computeCCI(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 20))
	if len(bars) < length {
		return notReady(), nil
	}
	return singleState(talib.Cci(highs(bars), lows(bars), closes(bars), length)), nil
}

func computeAroon(spec domain.IndicatorSpec, bars []domain.Bar, _ *State) (*State, error) {
	length := int(spec.Param("length", 25))
	if len(bars) < length+1 {
		return notReady(), nil
	}
	down, up := talib.Aroon(highs(bars), lows(bars), length)
	return multiState("up", map[string][]float64{"up": up, "down": down}), nil
}
