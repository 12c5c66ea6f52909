package models

import "time"

// MaxPollingFrequencyMinutes is the largest accepted polling frequency, one day.
const MaxPollingFrequencyMinutes = 24 * 60

// TimeRange bounds a statistics query.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Days returns the length of the range in days.
func (r TimeRange) Days() float64 {
	return r.End.Sub(r.Start).Hours() / 24
}

// StatisticsRequest represents a reporting API statistics call.
type StatisticsRequest struct {
	EserviceRecordID        int64
	PollingFrequencyMinutes int
	// Range is nil when the caller asked for the default window.
	Range *TimeRange
}

// RegisterRequest registers or replaces a monitored version.
type RegisterRequest struct {
	EserviceID              string `json:"eserviceId"`
	VersionID               string `json:"versionId"`
	EserviceName            string `json:"eserviceName"`
	Technology              string `json:"technology"`
	BasePath                string `json:"basePath"`
	Audience                string `json:"audience"`
	State                   string `json:"state"`
	ProbingEnabled          *bool  `json:"probingEnabled"`
	PollingFrequencyMinutes int    `json:"pollingFrequency"`
	PollingStartTime        string `json:"pollingStartTime"`
	PollingEndTime          string `json:"pollingEndTime"`
}

// FrequencyUpdate changes the polling cadence and window of a version.
type FrequencyUpdate struct {
	PollingFrequencyMinutes int
	PollingWindow           PollingWindow
}

// ProbeResult is what a prober reports back for one target.
type ProbeResult struct {
	RecordID           int64
	RequestedAt        time.Time
	RespondedAt        time.Time
	Status             TelemetryStatus
	ResponseTimeMillis *float64
	// Answered is false when no response came back at all.
	Answered bool
}
