package models

import (
	"fmt"
	"strings"
	"time"
)

// TelemetryStatus is the status recorded by a single probe.
type TelemetryStatus string

const (
	TelemetryStatusOK TelemetryStatus = "OK"
	TelemetryStatusKO TelemetryStatus = "KO"
	TelemetryStatusND TelemetryStatus = "N_D"
)

// TelemetryStatuses lists every status in tie-break priority order.
var TelemetryStatuses = []TelemetryStatus{TelemetryStatusOK, TelemetryStatusKO, TelemetryStatusND}

// FailureStatuses are the statuses reported as failure points.
var FailureStatuses = []TelemetryStatus{TelemetryStatusKO, TelemetryStatusND}

// ParseTelemetryStatus validates a raw status value.
func ParseTelemetryStatus(raw string) (TelemetryStatus, error) {
	switch s := TelemetryStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case TelemetryStatusOK, TelemetryStatusKO, TelemetryStatusND:
		return s, nil
	default:
		return "", fmt.Errorf("unknown telemetry status %q", raw)
	}
}

// TelemetryPoint is one immutable probe result.
type TelemetryPoint struct {
	Time               time.Time
	Status             TelemetryStatus
	ResponseTimeMillis *float64
}

// RawTelemetryPoint is a telemetry row as it comes out of storage, before parsing.
type RawTelemetryPoint struct {
	Time               string
	Status             string
	ResponseTimeMillis *float64
}

// TimeWindowStatistic summarises one bucket of the series.
type TimeWindowStatistic struct {
	WindowStart         time.Time
	AverageResponseTime *float64
	DominantStatus      TelemetryStatus
	SampleCount         int
	StatusCounts        map[TelemetryStatus]int
}

// PointCount is the number of points that fell in the bucket.
func (s TimeWindowStatistic) PointCount() int {
	total := 0
	for _, c := range s.StatusCounts {
		total += c
	}
	return total
}

// Performance is one latency point of the statistics response.
type Performance struct {
	Time         string   `json:"time"`
	ResponseTime *float64 `json:"responseTime"`
}

// Failure marks a bucket where a failing status crossed its tolerance.
type Failure struct {
	Status TelemetryStatus `json:"status"`
	Time   string          `json:"time"`
}

// Percentage is the share of one status over the whole point set.
type Percentage struct {
	Status TelemetryStatus `json:"status"`
	Value  float64         `json:"value"`
}

// Statistics is the reporting API response body.
type Statistics struct {
	Performances []Performance `json:"performances"`
	Failures     []Failure     `json:"failures"`
	Percentages  []Percentage  `json:"percentages"`

	Windows []TimeWindowStatistic `json:"-"`
	Skipped int                   `json:"-"`
}
