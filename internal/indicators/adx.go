package indicators

import "math"

// Directional is one reading of the average directional index
type Directional struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes the average directional index with Wilder smoothing.
// It needs at least 2*period+1 bars.
func ADX(s Series, period int) (Directional, error) {
	n := s.Len()
	if err := need(2*period+1, n, "adx"); err != nil {
		return Directional{}, err
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := s.Highs[i] - s.Highs[i-1]
		down := s.Lows[i-1] - s.Lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = math.Max(s.Highs[i]-s.Lows[i],
			math.Max(math.Abs(s.Highs[i]-s.Closes[i-1]), math.Abs(s.Lows[i]-s.Closes[i-1])))
	}

	var sTR, sPlus, sMinus float64
	for i := 1; i <= period; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	p := float64(period)
	var out Directional
	var dxSum, adx float64
	dxCount := 0

	for i := period; i < n; i++ {
		if i > period {
			sTR = sTR - sTR/p + tr[i]
			sPlus = sPlus - sPlus/p + plusDM[i]
			sMinus = sMinus - sMinus/p + minusDM[i]
		}

		var plusDI, minusDI, dx float64
		if sTR > 0 {
			plusDI = 100 * sPlus / sTR
			minusDI = 100 * sMinus / sTR
		}
		if sum := plusDI + minusDI; sum > 0 {
			dx = 100 * math.Abs(plusDI-minusDI) / sum
		}

		switch {
		case dxCount < period:
			dxSum += dx
			dxCount++
			adx = dxSum / float64(dxCount)
		default:
			adx = (adx*(p-1) + dx) / p
		}

		out = Directional{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
	}

	return out, nil
}
