package digitlm

// 2D:4D digit ratio measurement from landmarks.

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Calibration converts pixel lengths to centimetres from a reference coin of known diameter.
type Calibration struct {
	CoinDiameterCM float64 // Physical coin diameter.
	CoinRadiusPx   float64 // Detected coin radius in the same pixel space as the landmarks.
}

// Valid reports whether c can convert lengths.
func (c Calibration) Valid() bool {
	return c.CoinDiameterCM > 0 && c.CoinRadiusPx > 0
}

// CMPerPixel returns the length of one pixel in centimetres.
func (c Calibration) CMPerPixel() float64 {
	return c.CoinDiameterCM / (2 * c.CoinRadiusPx)
}

// Measurement holds the finger lengths and their ratio.
type Measurement struct {
	Length2D float64 `json:"length2d"` // Index finger, base to tip, in pixels.
	Length4D float64 `json:"length4d"` // Ring finger, base to tip, in pixels.
	Ratio    float64 `json:"ratio"`    // Length2D / Length4D.

	// Set only if a valid calibration was given.
	Length2DCM float64 `json:"length2dCm,omitempty"`
	Length4DCM float64 `json:"length4dCm,omitempty"`
}

func distance(a, b Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}

// MeasureDigitRatio computes the 2D:4D ratio from the index and ring finger landmarks. cal may be
// the zero value, in which case the lengths stay in pixels.
func MeasureDigitRatio(landmarks map[string]Point, cal Calibration) (Measurement, error) {
	for _, name := range DefaultOrder() {
		if _, ok := landmarks[name]; !ok {
			return Measurement{}, errors.Errorf("missing landmark %q", name)
		}
	}

	m := Measurement{
		Length2D: distance(landmarks[IndexBase], landmarks[IndexTip]),
		Length4D: distance(landmarks[RingBase], landmarks[RingTip]),
	}
	if m.Length4D == 0 {
		return Measurement{}, errors.New("ring finger length is zero")
	}
	m.Ratio = m.Length2D / m.Length4D

	if cal.Valid() {
		k := cal.CMPerPixel()
		m.Length2DCM = m.Length2D * k
		m.Length4DCM = m.Length4D * k
	}

	return m, nil
}

// RatioStats summarizes the digit ratios of a set of records.
type RatioStats struct {
	Count   int     `json:"count"`   // Records with a ratio.
	Invalid int     `json:"invalid"` // Records without a ratio (zero ring finger length).
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	StdDev  float64 `json:"stdDev"`
}

// SummarizeRatios measures every record and returns statistics over the ratios. The records must
// carry the default landmark names.
func SummarizeRatios(records []Record) RatioStats {
	ratios := make([]float64, 0, len(records))
	var stats RatioStats
	for _, r := range records {
		m, err := MeasureDigitRatio(r.Landmarks, Calibration{})
		if err != nil {
			stats.Invalid++
			continue
		}
		ratios = append(ratios, m.Ratio)
	}

	stats.Count = len(ratios)
	if stats.Count == 0 {
		return stats
	}

	sort.Float64s(ratios)
	stats.Min = ratios[0]
	stats.Max = ratios[len(ratios)-1]
	if n := len(ratios); n%2 == 1 {
		stats.Median = ratios[n/2]
	} else {
		stats.Median = (ratios[n/2-1] + ratios[n/2]) / 2
	}

	var sum float64
	for _, v := range ratios {
		sum += v
	}
	stats.Mean = sum / float64(stats.Count)

	var sq float64
	for _, v := range ratios {
		sq += (v - stats.Mean) * (v - stats.Mean)
	}
	stats.StdDev = math.Sqrt(sq / float64(stats.Count))

	return stats
}
