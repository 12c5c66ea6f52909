package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

const (
	defaultReadyLimit = 50
	maxReadyLimit     = 500
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatistics(w http.ResponseWriter, r *http.Request) {
	req, err := statisticsRequestFromHTTP(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	stats, err := s.service.GetStatistics(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDFromPath(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status, err := s.service.GetStatus(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleReadySet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), "offset", 0)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit", defaultReadyLimit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if limit > maxReadyLimit {
		limit = maxReadyLimit
	}
	page, err := s.service.ReadySet(r.Context(), offset, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	fact, err := s.service.Register(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, factToDTO(fact))
}

type probingBody struct {
	ProbingEnabled *bool `json:"probingEnabled"`
}

func (s *HTTPServer) handleSetProbing(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDFromPath(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body probingBody
	if err := decodeBody(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if body.ProbingEnabled == nil {
		s.writeAppError(w, r, utils.Validation("api.SetProbing", "probingEnabled is required"))
		return
	}
	if err := s.service.SetProbing(r.Context(), id, *body.ProbingEnabled); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateBody struct {
	State string `json:"state"`
}

func (s *HTTPServer) handleSetState(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDFromPath(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body stateBody
	if err := decodeBody(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.service.SetState(r.Context(), id, body.State); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type frequencyBody struct {
	PollingFrequency int    `json:"pollingFrequency"`
	PollingStartTime string `json:"pollingStartTime"`
	PollingEndTime   string `json:"pollingEndTime"`
}

func (s *HTTPServer) handleSetFrequency(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDFromPath(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body frequencyBody
	if err := decodeBody(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.service.SetFrequency(r.Context(), id, body.PollingFrequency, body.PollingStartTime, body.PollingEndTime); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDFromPath(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.service.Deregister(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- request conversion ---

func recordIDFromPath(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, utils.Validation("api.recordID", fmt.Sprintf("eserviceRecordId must be a positive integer, got %q", raw))
	}
	return id, nil
}

// statisticsRequestFromHTTP reads the path id, the mandatory pollingFrequency and
// the optional startDate/endDate pair.
func statisticsRequestFromHTTP(r *http.Request) (models.StatisticsRequest, error) {
	const op = "api.statistics"
	id, err := recordIDFromPath(r)
	if err != nil {
		return models.StatisticsRequest{}, err
	}
	q := r.URL.Query()

	rawFreq := q.Get("pollingFrequency")
	if rawFreq == "" {
		return models.StatisticsRequest{}, utils.Validation(op, "pollingFrequency is required")
	}
	freq, err := strconv.Atoi(rawFreq)
	if err != nil || freq < 1 || freq > models.MaxPollingFrequencyMinutes {
		return models.StatisticsRequest{}, utils.Validation(op,
			fmt.Sprintf("pollingFrequency must be an integer between 1 and %d", models.MaxPollingFrequencyMinutes))
	}
	req := models.StatisticsRequest{EserviceRecordID: id, PollingFrequencyMinutes: freq}

	rawStart, rawEnd := q.Get("startDate"), q.Get("endDate")
	switch {
	case rawStart == "" && rawEnd == "":
		return req, nil
	case rawStart == "" || rawEnd == "":
		return models.StatisticsRequest{}, utils.Validation(op, "startDate and endDate must be provided together")
	}
	start, err := utils.ParseISO8601(rawStart)
	if err != nil {
		return models.StatisticsRequest{}, utils.Validation(op, "startDate is not an ISO-8601 timestamp")
	}
	end, err := utils.ParseISO8601(rawEnd)
	if err != nil {
		return models.StatisticsRequest{}, utils.Validation(op, "endDate is not an ISO-8601 timestamp")
	}
	req.Range = &models.TimeRange{Start: start, End: end}
	return req, nil
}

func intParam(raw, name string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, utils.Validation("api.query", name+" must be a non-negative integer")
	}
	return v, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return utils.Validation("api.decode", "request body too large")
		}
		return utils.Validation("api.decode", "invalid JSON body: "+strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

// --- response conversion ---

// ProbeFactDTO is the JSON shape of a registered version.
type ProbeFactDTO struct {
	RecordID           int64   `json:"recordId"`
	EserviceID         string  `json:"eserviceId"`
	VersionID          string  `json:"versionId"`
	EserviceName       string  `json:"eserviceName,omitempty"`
	Technology         string  `json:"technology"`
	BasePath           string  `json:"basePath"`
	Audience           string  `json:"audience,omitempty"`
	State              string  `json:"state"`
	ProbingEnabled     bool    `json:"probingEnabled"`
	PollingFrequency   int     `json:"pollingFrequency"`
	PollingStartTime   string  `json:"pollingStartTime"`
	PollingEndTime     string  `json:"pollingEndTime"`
	LastRequest        *string `json:"lastRequest,omitempty"`
	ResponseReceived   *string `json:"responseReceived,omitempty"`
	LastResponseStatus *string `json:"lastResponseStatus,omitempty"`
}

func factToDTO(f models.ProbeFact) ProbeFactDTO {
	dto := ProbeFactDTO{
		RecordID:         f.RecordID,
		EserviceID:       f.EserviceID,
		VersionID:        f.VersionID,
		EserviceName:     f.EserviceName,
		Technology:       string(f.Technology),
		BasePath:         f.BasePath,
		Audience:         f.Audience,
		State:            string(f.InteropState),
		ProbingEnabled:   f.ProbingEnabled,
		PollingFrequency: f.PollingFrequencyMinutes,
		PollingStartTime: f.PollingWindow.Start.String(),
		PollingEndTime:   f.PollingWindow.End.String(),
		LastRequest:      timeString(f.LastRequestAt),
		ResponseReceived: timeString(f.LastResponseAt),
	}
	if f.LastResponseStatus != nil {
		status := string(*f.LastResponseStatus)
		dto.LastResponseStatus = &status
	}
	return dto
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := utils.FormatISO8601(*t)
	return &s
}
