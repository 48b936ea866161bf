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

package scaling

import "math"

// Statistics summarizes the non-NaN subset of a value sequence.
type Statistics struct {
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
	StdDev  float64 `json:"std_dev"`
	Range   float64 `json:"range"`
}

// CalculateStatistics computes count, min, max, sum, average, population
// standard deviation, and range over the non-NaN subset of values. The second
// return value is false when no usable samples remain.
func CalculateStatistics(values []float64) (Statistics, bool) {
	var stats Statistics

	stats.Min = math.Inf(1)
	stats.Max = math.Inf(-1)

	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}

		stats.Count++
		stats.Sum += v

		if v < stats.Min {
			stats.Min = v
		}

		if v > stats.Max {
			stats.Max = v
		}
	}

	if stats.Count == 0 {
		return Statistics{}, false
	}

	stats.Average = stats.Sum / float64(stats.Count)
	stats.Range = stats.Max - stats.Min

	var sq float64

	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}

		d := v - stats.Average
		sq += d * d
	}

	stats.StdDev = math.Sqrt(sq / float64(stats.Count))

	return stats, true
}
