package stats

import (
	"fmt"
	"math"

	"meterdash/internal/models"
)

// Projection selects the numeric dimension of a reading series.
type Projection string

const (
	Demand           Projection = "demand"
	CumulativeEnergy Projection = "cumulativeEnergy"
	// IntervalEnergy is the difference between consecutive cumulative
	// register values. Pairs where either side is zero (a coerced missing
	// cell) and negative differences (register resets) are skipped.
	IntervalEnergy Projection = "intervalEnergy"
)

func ParseProjection(s string) (Projection, error) {
	switch Projection(s) {
	case Demand, CumulativeEnergy, IntervalEnergy:
		return Projection(s), nil
	case "":
		return Demand, nil
	default:
		return "", fmt.Errorf("unknown projection %q", s)
	}
}

func (p Projection) Values(readings []models.Reading) []float64 {
	switch p {
	case CumulativeEnergy:
		out := make([]float64, len(readings))
		for i, r := range readings {
			out[i] = r.CumulativeEnergy
		}
		return out
	case IntervalEnergy:
		out := make([]float64, 0, len(readings))
		for i := 1; i < len(readings); i++ {
			prev, cur := readings[i-1].CumulativeEnergy, readings[i].CumulativeEnergy
			if prev == 0 || cur == 0 || cur < prev {
				continue
			}
			out = append(out, cur-prev)
		}
		return out
	default:
		out := make([]float64, len(readings))
		for i, r := range readings {
			out[i] = r.Demand
		}
		return out
	}
}

// ComputeStats summarizes the projected values of readings.
func ComputeStats(readings []models.Reading, p Projection) models.Statistics {
	return Compute(p.Values(readings))
}

// Compute returns the mean, extremes and population standard deviation of
// values, each rounded to two decimals. Empty input yields all zeros.
func Compute(values []float64) models.Statistics {
	if len(values) == 0 {
		return models.Statistics{}
	}
	sum, lo, hi := 0.0, values[0], values[0]
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	n := float64(len(values))
	avg := sum / n
	sq := 0.0
	for _, v := range values {
		d := v - avg
		sq += d * d
	}
	return models.Statistics{
		Avg:    Round2(avg),
		Min:    Round2(lo),
		Max:    Round2(hi),
		StdDev: Round2(math.Sqrt(sq / n)),
	}
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
