package format

import (
	"fmt"
	"strconv"
)

var units = []struct {
	size   uint64
	suffix string
}{
	{1_000_000_000_000, "T"},
	{1_000_000_000, "B"},
	{1_000_000, "M"},
	{1_000, "K"},
}

// HumanNumber abbreviates b with a K, M, B or T suffix, keeping three
// significant digits.
func HumanNumber(b uint64) string {
	for _, u := range units {
		if b >= u.size {
			return decimalPlace(float64(b)/float64(u.size)) + u.suffix
		}
	}
	return strconv.FormatUint(b, 10)
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}

// Estimate renders an estimator value with four decimals.
func Estimate(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
