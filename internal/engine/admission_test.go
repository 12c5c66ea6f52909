package engine

import (
	"testing"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
)

func readyFact() models.ProbeFact {
	return models.ProbeFact{
		RecordID:                1,
		InteropState:            models.InteropStateActive,
		ProbingEnabled:          true,
		PollingFrequencyMinutes: 5,
		PollingWindow:           models.FullDayWindow,
	}
}

func TestAdmitNeverProbed(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	if !evaluator.Admit(readyFact(), now) {
		t.Fatalf("expected never-probed version to be admitted")
	}
}

func TestAdmitResponseWithoutRequest(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	responded := now.Add(-time.Minute)

	fact := readyFact()
	fact.LastResponseAt = &responded
	if evaluator.Admit(fact, now) {
		t.Fatalf("expected a version with a response but no request to be held back")
	}
	if got := evaluator.Filter([]models.ProbeFact{fact, readyFact()}, now); len(got) != 1 || got[0].LastResponseAt != nil {
		t.Fatalf("expected only the never-probed version to pass, got %+v", got)
	}
}

func TestAdmitLifecycle(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	requested := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	fact := readyFact()
	fact.LastRequestAt = ptrTime(requested)

	if evaluator.Admit(fact, requested.Add(time.Minute)) {
		t.Fatalf("expected no admission one minute after an unanswered request")
	}
	if evaluator.Admit(fact, requested.Add(5*time.Minute)) {
		t.Fatalf("expected no admission at the interval without a response")
	}
	if !evaluator.Admit(fact, requested.Add(15*time.Minute)) {
		t.Fatalf("expected hard re-arm after interval times threshold")
	}
}

func TestAdmitNormalCadence(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	requested := time.Date(2024, 5, 10, 12, 0, 30, 0, time.UTC)

	fact := readyFact()
	fact.LastRequestAt = ptrTime(requested)
	fact.LastResponseAt = ptrTime(requested.Add(2 * time.Second))

	if evaluator.Admit(fact, requested.Add(4*time.Minute)) {
		t.Fatalf("expected no admission before the interval elapsed")
	}
	// 12:05:00 is in the same minute as the due instant 12:05:30.
	if !evaluator.Admit(fact, time.Date(2024, 5, 10, 12, 5, 0, 0, time.UTC)) {
		t.Fatalf("expected admission once the truncated interval elapsed")
	}
}

func TestAdmitStaleResponseWaitsForRearm(t *testing.T) {
	evaluator := NewAdmissionEvaluator(2, nil)
	requested := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	fact := readyFact()
	fact.LastRequestAt = ptrTime(requested)
	fact.LastResponseAt = ptrTime(requested.Add(-time.Hour))

	if evaluator.Admit(fact, requested.Add(6*time.Minute)) {
		t.Fatalf("expected stale response to block normal cadence")
	}
	if !evaluator.Admit(fact, requested.Add(10*time.Minute)) {
		t.Fatalf("expected re-arm after 2x interval")
	}
}

func TestAdmitRequiresActiveAndEnabled(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	inactive := readyFact()
	inactive.InteropState = models.InteropStateInactive
	if evaluator.Admit(inactive, now) {
		t.Fatalf("inactive version must not be admitted")
	}

	disabled := readyFact()
	disabled.ProbingEnabled = false
	if evaluator.Admit(disabled, now) {
		t.Fatalf("disabled version must not be admitted")
	}
}

func TestAdmitPollingWindow(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	fact := readyFact()
	fact.PollingWindow = models.PollingWindow{Start: models.NewTimeOfDay(8, 0, 0), End: models.NewTimeOfDay(18, 0, 0)}

	if !evaluator.Admit(fact, time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("window start is inclusive")
	}
	if !evaluator.Admit(fact, time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("window end is inclusive")
	}
	if evaluator.Admit(fact, time.Date(2024, 5, 10, 19, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected rejection outside the window")
	}
}

func TestAdmitOvernightWindow(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	fact := readyFact()
	fact.PollingWindow = models.PollingWindow{Start: models.NewTimeOfDay(22, 0, 0), End: models.NewTimeOfDay(4, 0, 0)}

	if !evaluator.Admit(fact, time.Date(2024, 5, 10, 23, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected admission before midnight")
	}
	if !evaluator.Admit(fact, time.Date(2024, 5, 11, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected admission after midnight")
	}
	if evaluator.Admit(fact, time.Date(2024, 5, 11, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected rejection at noon")
	}
}

func TestAdmitUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	evaluator := NewAdmissionEvaluator(3, loc)
	fact := readyFact()
	fact.PollingWindow = models.PollingWindow{Start: models.NewTimeOfDay(8, 0, 0), End: models.NewTimeOfDay(9, 0, 0)}

	// 07:30 UTC is 08:30 in the window's zone.
	if !evaluator.Admit(fact, time.Date(2024, 5, 10, 7, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected window to be evaluated in the configured zone")
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	evaluator := NewAdmissionEvaluator(3, nil)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	facts := make([]models.ProbeFact, 0, 4)
	for i := int64(1); i <= 4; i++ {
		f := readyFact()
		f.RecordID = i
		if i%2 == 0 {
			f.ProbingEnabled = false
		}
		facts = append(facts, f)
	}

	admitted := evaluator.Filter(facts, now)
	if len(admitted) != 2 || admitted[0].RecordID != 1 || admitted[1].RecordID != 3 {
		t.Fatalf("unexpected admitted set: %+v", admitted)
	}
}
