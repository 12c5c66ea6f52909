package engine

import (
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

// AdmissionEvaluator decides whether a version is due for a probe at a given instant.
type AdmissionEvaluator struct {
	timeoutThresholdMultiplier int
	location                   *time.Location
}

// NewAdmissionEvaluator builds an evaluator. The threshold multiplier scales the
// polling interval into the hard re-arm delay; loc is the zone polling windows are
// expressed in (UTC when nil).
func NewAdmissionEvaluator(timeoutThresholdMultiplier int, loc *time.Location) *AdmissionEvaluator {
	if timeoutThresholdMultiplier < 1 {
		timeoutThresholdMultiplier = 1
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AdmissionEvaluator{timeoutThresholdMultiplier: timeoutThresholdMultiplier, location: loc}
}

// Admit reports whether fact should be probed now.
func (e *AdmissionEvaluator) Admit(fact models.ProbeFact, now time.Time) bool {
	if fact.InteropState != models.InteropStateActive || !fact.ProbingEnabled {
		return false
	}
	if !fact.PollingWindow.Contains(models.TimeOfDayOf(now.In(e.location))) {
		return false
	}
	if fact.NeverProbed() {
		return true
	}
	// A response with no request on record matches no admission rule.
	if fact.LastRequestAt == nil {
		return false
	}

	minute := utils.TruncateMinute(now)
	interval := fact.PollingInterval()
	requested := *fact.LastRequestAt

	answered := fact.LastResponseAt != nil && !fact.LastResponseAt.Before(requested)
	if answered && !utils.TruncateMinute(requested.Add(interval)).After(minute) {
		return true
	}

	rearm := interval * time.Duration(e.timeoutThresholdMultiplier)
	return !utils.TruncateMinute(requested.Add(rearm)).After(minute)
}

// Filter keeps the admitted facts, preserving order.
func (e *AdmissionEvaluator) Filter(facts []models.ProbeFact, now time.Time) []models.ProbeFact {
	admitted := make([]models.ProbeFact, 0, len(facts))
	for _, fact := range facts {
		if e.Admit(fact, now) {
			admitted = append(admitted, fact)
		}
	}
	return admitted
}
