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

package models

import "time"

// Quality flags attached to readings.
const (
	QualityGood = "good"
	QualityBad  = "bad"
)

// Reading is one scaled tag value produced by a read cycle.
type Reading struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Raw       interface{} `json:"raw"`
	Quality   string      `json:"quality"`
	Unit      string      `json:"unit,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// AlarmKind distinguishes high and low limit alarms.
type AlarmKind string

const (
	AlarmHigh AlarmKind = "high"
	AlarmLow  AlarmKind = "low"
)

// AlarmTransition is the lifecycle edge carried by an alarm event.
type AlarmTransition string

const (
	AlarmActivated AlarmTransition = "activated"
	AlarmCleared   AlarmTransition = "cleared"
)

// AlarmEvent is emitted by a poller when a tag crosses an alarm limit.
type AlarmEvent struct {
	Device     string          `json:"device"`
	Tag        string          `json:"tag"`
	Kind       AlarmKind       `json:"kind"`
	Transition AlarmTransition `json:"transition"`
	Value      float64         `json:"value"`
	Limit      float64         `json:"limit"`
	Timestamp  time.Time       `json:"timestamp"`
}
