package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
)

const (
	audienceHeader = "X-Audience"
	maxDrainBytes  = 64 << 10
)

const emptySOAPEnvelope = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">` +
	`<soapenv:Header/><soapenv:Body/></soapenv:Envelope>`

// HTTPProber probes REST versions with GET and SOAP versions with an empty envelope POST.
type HTTPProber struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewHTTPProber builds a prober. A nil client uses one with the given timeout.
func NewHTTPProber(logger *slog.Logger, client *http.Client, timeout time.Duration) *HTTPProber {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProber{client: client, logger: logger, now: time.Now}
}

// Probe calls the target once. Any 2xx answer is OK, any other answer KO, and no
// answer at all N_D.
func (p *HTTPProber) Probe(ctx context.Context, target models.ProbeTarget) models.ProbeResult {
	result := models.ProbeResult{RecordID: target.RecordID, Status: models.TelemetryStatusND}

	req, err := p.newRequest(ctx, target)
	if err != nil {
		p.logger.Warn("cannot build probe request",
			slog.Int64("eservice_record_id", target.RecordID), slog.String("base_path", target.BasePath), slog.Any("error", err))
		return result
	}

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe got no answer", slog.Int64("eservice_record_id", target.RecordID), slog.Any("error", err))
		return result
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()

	end := p.now()
	latency := float64(end.Sub(start)) / float64(time.Millisecond)
	result.RespondedAt = end
	result.ResponseTimeMillis = &latency
	result.Answered = true
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = models.TelemetryStatusOK
	} else {
		result.Status = models.TelemetryStatusKO
	}
	return result
}

func (p *HTTPProber) newRequest(ctx context.Context, target models.ProbeTarget) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	switch target.Technology {
	case models.TechnologySOAP:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.BasePath, strings.NewReader(emptySOAPEnvelope))
		if err == nil {
			req.Header.Set("Content-Type", "text/xml; charset=utf-8")
			req.Header.Set("SOAPAction", `""`)
		}
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target.BasePath, nil)
	}
	if err != nil {
		return nil, err
	}
	if target.Audience != "" {
		req.Header.Set(audienceHeader, target.Audience)
	}
	req.Header.Set("User-Agent", "eservice-monitor")
	return req, nil
}
