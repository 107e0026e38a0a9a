package model

import "strings"

// SensorStatus is the KATCP status reported with a sensor reading.
type SensorStatus string

const (
	StatusNominal     SensorStatus = "nominal"
	StatusWarn        SensorStatus = "warn"
	StatusFailure     SensorStatus = "failure"
	StatusError       SensorStatus = "error"
	StatusCritical    SensorStatus = "critical"
	StatusUnreachable SensorStatus = "unreachable"
	StatusUnknown     SensorStatus = "unknown"
)

// ParseSensorStatus maps anything outside the KATCP set to unknown.
func ParseSensorStatus(s string) SensorStatus {
	switch st := SensorStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusNominal, StatusWarn, StatusFailure, StatusError, StatusCritical, StatusUnreachable:
		return st
	default:
		return StatusUnknown
	}
}

// SensorSample is one reading. Timestamps are unix epoch seconds with
// millisecond precision: Timestamp is when CAM received the sample,
// ValueTimestamp when the lowest level sensor read it.
type SensorSample struct {
	Timestamp      float64      `json:"timestamp"`
	ValueTimestamp float64      `json:"value_timestamp"`
	Value          string       `json:"value"`
	Status         SensorStatus `json:"status"`
}
