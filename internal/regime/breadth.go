package regime

// AdvanceDeclineRatio sums advancing and declining days across the universe over
// the trailing window and returns advancers / decliners * 100.
// A day with no decliners reads 200 when anything advanced, and a window with no
// usable data reads a neutral 100.
func AdvanceDeclineRatio(closes map[string][]float64, window int) float64 {
	if window <= 0 {
		return 100
	}

	advancing, declining := 0, 0
	for _, series := range closes {
		if len(series) < 2 {
			continue
		}
		start := len(series) - window
		if start < 1 {
			start = 1
		}
		for i := start; i < len(series); i++ {
			switch {
			case series[i] > series[i-1]:
				advancing++
			case series[i] < series[i-1]:
				declining++
			}
		}
	}

	if declining == 0 {
		if advancing > 0 {
			return 200
		}
		return 100
	}
	return float64(advancing) / float64(declining) * 100
}
