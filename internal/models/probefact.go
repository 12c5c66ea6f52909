package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InteropState is the platform lifecycle state of an e-service version.
type InteropState string

const (
	InteropStateActive   InteropState = "ACTIVE"
	InteropStateInactive InteropState = "INACTIVE"
)

// ParseInteropState validates a raw state value.
func ParseInteropState(raw string) (InteropState, error) {
	switch s := InteropState(strings.ToUpper(strings.TrimSpace(raw))); s {
	case InteropStateActive, InteropStateInactive:
		return s, nil
	default:
		return "", fmt.Errorf("unknown interop state %q", raw)
	}
}

// ResponseStatus is the outcome of the latest answered probe.
type ResponseStatus string

const (
	ResponseStatusOK ResponseStatus = "OK"
	ResponseStatusKO ResponseStatus = "KO"
)

// Technology selects how a version is probed.
type Technology string

const (
	TechnologyREST Technology = "REST"
	TechnologySOAP Technology = "SOAP"
)

// ParseTechnology validates a raw technology value.
func ParseTechnology(raw string) (Technology, error) {
	switch t := Technology(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TechnologyREST, TechnologySOAP:
		return t, nil
	default:
		return "", fmt.Errorf("unknown technology %q", raw)
	}
}

// MonitorState is the derived health classification of a version.
type MonitorState string

const (
	MonitorStateOnline  MonitorState = "ONLINE"
	MonitorStateOffline MonitorState = "OFFLINE"
	MonitorStateND      MonitorState = "N_D"
)

// TimeOfDay is an offset from midnight with second precision.
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay from clock components.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)
}

// TimeOfDayOf extracts the clock time of t in its own location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return NewTimeOfDay(h, m, s)
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", raw)
	}
	limits := []int{23, 59, 59}
	values := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 || v > limits[i] || len(part) != 2 {
			return 0, fmt.Errorf("invalid time of day %q", raw)
		}
		values[i] = v
	}
	return NewTimeOfDay(values[0], values[1], values[2]), nil
}

// String renders the value as HH:MM:SS.
func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// PollingWindow bounds the daily period in which a version may be probed.
// A window whose start is after its end spans midnight.
type PollingWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether tod falls inside the window, bounds inclusive.
func (w PollingWindow) Contains(tod TimeOfDay) bool {
	if w.Start <= w.End {
		return tod >= w.Start && tod <= w.End
	}
	return tod >= w.Start || tod <= w.End
}

// FullDayWindow admits every time of day.
var FullDayWindow = PollingWindow{Start: 0, End: NewTimeOfDay(23, 59, 59)}

// ProbeFact is the configuration and latest observed signals of one e-service version.
type ProbeFact struct {
	RecordID                int64
	EserviceID              string
	VersionID               string
	EserviceName            string
	Technology              Technology
	BasePath                string
	Audience                string
	InteropState            InteropState
	ProbingEnabled          bool
	PollingFrequencyMinutes int
	PollingWindow           PollingWindow
	LastRequestAt           *time.Time
	LastResponseAt          *time.Time
	LastResponseStatus      *ResponseStatus
}

// PollingInterval returns the configured cadence as a duration.
func (f ProbeFact) PollingInterval() time.Duration {
	return time.Duration(f.PollingFrequencyMinutes) * time.Minute
}

// NeverProbed reports whether neither a request nor a response has been recorded.
func (f ProbeFact) NeverProbed() bool {
	return f.LastRequestAt == nil && f.LastResponseAt == nil
}

// ProbeTarget is what the scheduler needs to dispatch a probe.
type ProbeTarget struct {
	RecordID   int64      `json:"recordId"`
	Technology Technology `json:"technology"`
	BasePath   string     `json:"basePath"`
	Audience   string     `json:"audience"`
}

// Target projects the fact onto its probe target.
func (f ProbeFact) Target() ProbeTarget {
	return ProbeTarget{
		RecordID:   f.RecordID,
		Technology: f.Technology,
		BasePath:   f.BasePath,
		Audience:   f.Audience,
	}
}

// ReadyPage is one page of the admission surface.
type ReadyPage struct {
	Content       []ProbeTarget `json:"content"`
	Offset        int           `json:"offset"`
	Limit         int           `json:"limit"`
	TotalElements int           `json:"totalElements"`
}

// LiveStatus is the live status surface of a version.
type LiveStatus struct {
	ProbingEnabled   bool         `json:"probingEnabled"`
	State            MonitorState `json:"state"`
	EserviceActive   bool         `json:"eserviceActive"`
	ResponseReceived *time.Time   `json:"responseReceived,omitempty"`
}
