package engine

import (
	"fmt"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

// StateClassifier derives the live MonitorState of a version from its probe fact.
type StateClassifier struct {
	toleranceMultiplier int
	now                 func() time.Time
}

// NewStateClassifier builds a classifier. toleranceMultiplier scales the polling
// frequency into the staleness budget of an unanswered request.
func NewStateClassifier(toleranceMultiplier int, now func() time.Time) *StateClassifier {
	if toleranceMultiplier < 1 {
		toleranceMultiplier = 1
	}
	if now == nil {
		now = time.Now
	}
	return &StateClassifier{toleranceMultiplier: toleranceMultiplier, now: now}
}

// Classify returns the MonitorState of fact. An interop state outside the known
// set yields a data integrity error rather than a guessed state.
func (c *StateClassifier) Classify(fact models.ProbeFact) (models.MonitorState, error) {
	if c.undetermined(fact) {
		return models.MonitorStateND, nil
	}

	switch fact.InteropState {
	case models.InteropStateInactive:
		return models.MonitorStateOffline, nil
	case models.InteropStateActive:
		if fact.LastResponseStatus != nil && *fact.LastResponseStatus == models.ResponseStatusKO {
			return models.MonitorStateOffline, nil
		}
		return models.MonitorStateOnline, nil
	default:
		return "", utils.DataIntegrity("classify", fmt.Sprintf("record %d has unknown interop state %q", fact.RecordID, fact.InteropState))
	}
}

func (c *StateClassifier) undetermined(fact models.ProbeFact) bool {
	if !fact.ProbingEnabled || fact.LastRequestAt == nil || fact.LastResponseAt == nil {
		return true
	}
	budget := time.Duration(fact.PollingFrequencyMinutes*c.toleranceMultiplier) * time.Minute
	elapsed := c.now().Sub(*fact.LastRequestAt)
	return elapsed > budget && fact.LastResponseAt.Before(*fact.LastRequestAt)
}
