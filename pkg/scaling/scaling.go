/*
 * Copyright 2026 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package scaling provides stateless raw/engineering-unit conversion, alarm
// hysteresis, and basic statistics for device readings. "No value" is
// represented as NaN and propagates through every routine instead of failing.
package scaling

import (
	"math"

	"github.com/carverauto/plcfleet/pkg/models"
)

// Scale holds the parameters for one tag's unit conversion.
type Scale struct {
	Kind         models.ScaleKind
	RawMin       float64
	RawMax       float64
	EUMin        float64
	EUMax        float64
	Coefficients []float64
}

// FromTag builds a Scale from a tag configuration.
func FromTag(t *models.TagConfig) Scale {
	return Scale{
		Kind:         t.Scale,
		RawMin:       t.RawMin,
		RawMax:       t.RawMax,
		EUMin:        t.EUMin,
		EUMax:        t.EUMax,
		Coefficients: t.Coefficients,
	}
}

// RawToEU converts a raw device value to engineering units. A degenerate raw
// span yields EUMin rather than dividing by zero.
func RawToEU(raw float64, s Scale) float64 {
	if math.IsNaN(raw) {
		return math.NaN()
	}

	switch s.Kind {
	case models.ScaleSquareRoot:
		return sqrtScale(raw, s)
	case models.ScalePolynomial:
		return polyScale(raw, s)
	case models.ScaleLinear:
		return linearScale(raw, s)
	case models.ScaleNone:
		return raw
	default:
		return raw
	}
}

// EUToRaw converts an engineering-unit value back to a raw device value.
// Polynomial scaling is not invertible in general and yields NaN.
func EUToRaw(eu float64, s Scale) float64 {
	if math.IsNaN(eu) {
		return math.NaN()
	}

	switch s.Kind {
	case models.ScaleLinear:
		if s.EUMax == s.EUMin {
			return s.RawMin
		}

		return s.RawMin + (eu-s.EUMin)*(s.RawMax-s.RawMin)/(s.EUMax-s.EUMin)
	case models.ScaleSquareRoot:
		if s.EUMax == 0 {
			return s.RawMin
		}

		// Invert the square-root transfer, then the linear stage.
		linear := (eu / s.EUMax) * (eu / s.EUMax) * s.EUMax

		return EUToRaw(linear, Scale{Kind: models.ScaleLinear, RawMin: s.RawMin, RawMax: s.RawMax, EUMin: s.EUMin, EUMax: s.EUMax})
	case models.ScalePolynomial:
		return math.NaN()
	case models.ScaleNone:
		return eu
	default:
		return eu
	}
}

func linearScale(raw float64, s Scale) float64 {
	if s.RawMax == s.RawMin {
		return s.EUMin
	}

	return s.EUMin + (raw-s.RawMin)*(s.EUMax-s.EUMin)/(s.RawMax-s.RawMin)
}

// sqrtScale applies square-root flow scaling. Negative linear results are
// clamped to zero: physical flow cannot be negative.
func sqrtScale(raw float64, s Scale) float64 {
	if s.EUMax == 0 {
		return 0
	}

	linear := linearScale(raw, s)
	if linear < 0 {
		linear = 0
	}

	return math.Sqrt(linear/s.EUMax) * s.EUMax
}

// polyScale normalizes raw to [0,1], evaluates the polynomial, and rescales
// the result into [EUMin, EUMax].
func polyScale(raw float64, s Scale) float64 {
	if s.RawMax == s.RawMin {
		return s.EUMin
	}

	x := (raw - s.RawMin) / (s.RawMax - s.RawMin)

	var p, xn float64

	xn = 1
	for _, c := range s.Coefficients {
		p += c * xn
		xn *= x
	}

	return s.EUMin + p*(s.EUMax-s.EUMin)
}

// Alarm hysteresis states.
const (
	HysteresisNormal = 0
	HysteresisAlarm  = 1
)

// defaultBandFraction is the band applied when none is configured: 2% of the
// limit magnitude.
const defaultBandFraction = 0.02

// ApplyHysteresis evaluates a high-limit alarm with a deadband. The state
// goes 0->1 when value exceeds limit, and 1->0 only once value drops below
// limit-band, preventing rapid toggling near the threshold.
func ApplyHysteresis(value float64, previousState int, limit, band float64) int {
	if math.IsNaN(value) {
		return previousState
	}

	if band <= 0 {
		band = defaultBandFraction * math.Abs(limit)
	}

	switch previousState {
	case HysteresisAlarm:
		if value < limit-band {
			return HysteresisNormal
		}

		return HysteresisAlarm
	default:
		if value > limit {
			return HysteresisAlarm
		}

		return HysteresisNormal
	}
}

// ApplyLowHysteresis is the mirrored form for low-limit alarms: the state
// goes 0->1 when value drops below limit, and clears once value rises above
// limit+band.
func ApplyLowHysteresis(value float64, previousState int, limit, band float64) int {
	if math.IsNaN(value) {
		return previousState
	}

	if band <= 0 {
		band = defaultBandFraction * math.Abs(limit)
	}

	switch previousState {
	case HysteresisAlarm:
		if value > limit+band {
			return HysteresisNormal
		}

		return HysteresisAlarm
	default:
		if value < limit {
			return HysteresisAlarm
		}

		return HysteresisNormal
	}
}

// DetectSpikes flags the indexes of samples more than threshold standard
// deviations from the mean. NaN samples are never flagged.
func DetectSpikes(values []float64, threshold float64) []int {
	stats, ok := CalculateStatistics(values)
	if !ok || stats.StdDev == 0 {
		return nil
	}

	var spikes []int

	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}

		if math.Abs(v-stats.Average) > threshold*stats.StdDev {
			spikes = append(spikes, i)
		}
	}

	return spikes
}
