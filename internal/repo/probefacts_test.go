package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

func TestRegisterAndGet(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	ctx := context.Background()

	fact := sampleFact("svc-a", "v1")
	fact.PollingWindow = models.PollingWindow{Start: models.NewTimeOfDay(8, 0, 0), End: models.NewTimeOfDay(20, 30, 0)}
	id, err := store.Register(ctx, fact)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive record id, got %d", id)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RecordID != id || got.EserviceID != "svc-a" || got.VersionID != "v1" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.Technology != models.TechnologyREST || got.InteropState != models.InteropStateActive || !got.ProbingEnabled {
		t.Fatalf("unexpected configuration: %+v", got)
	}
	if got.PollingWindow != fact.PollingWindow {
		t.Fatalf("expected window %v, got %v", fact.PollingWindow, got.PollingWindow)
	}
	if !got.NeverProbed() || got.LastResponseStatus != nil {
		t.Fatalf("expected fresh fact without probe signals: %+v", got)
	}
}

func TestRegisterUpsertKeepsRecordAndSignals(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	ctx := context.Background()

	id, err := store.Register(ctx, sampleFact("svc-a", "v1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	requested := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.RecordRequest(ctx, id, requested); err != nil {
		t.Fatalf("record request: %v", err)
	}

	updated := sampleFact("svc-a", "v1")
	updated.Technology = models.TechnologySOAP
	updated.PollingFrequencyMinutes = 15
	again, err := store.Register(ctx, updated)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again != id {
		t.Fatalf("expected same record id %d, got %d", id, again)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Technology != models.TechnologySOAP || got.PollingFrequencyMinutes != 15 {
		t.Fatalf("configuration not replaced: %+v", got)
	}
	if got.LastRequestAt == nil || !got.LastRequestAt.Equal(requested) {
		t.Fatalf("expected last request to survive, got %v", got.LastRequestAt)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	store := NewProbeFactRepo(openTestDB(t))
	_, err := store.Get(context.Background(), 42)
	if utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdatesAndSignals(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	ctx := context.Background()

	id, err := store.Register(ctx, sampleFact("svc-a", "v1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := store.UpdateProbing(ctx, id, false); err != nil {
		t.Fatalf("update probing: %v", err)
	}
	if err := store.UpdateState(ctx, id, models.InteropStateInactive); err != nil {
		t.Fatalf("update state: %v", err)
	}
	window := models.PollingWindow{Start: models.NewTimeOfDay(22, 0, 0), End: models.NewTimeOfDay(2, 0, 0)}
	if err := store.UpdateFrequency(ctx, id, models.FrequencyUpdate{PollingFrequencyMinutes: 30, PollingWindow: window}); err != nil {
		t.Fatalf("update frequency: %v", err)
	}

	requested := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	responded := requested.Add(250 * time.Millisecond)
	if err := store.RecordRequest(ctx, id, requested); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := store.RecordResponse(ctx, id, responded, models.ResponseStatusKO); err != nil {
		t.Fatalf("record response: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProbingEnabled || got.InteropState != models.InteropStateInactive {
		t.Fatalf("unexpected flags: %+v", got)
	}
	if got.PollingFrequencyMinutes != 30 || got.PollingWindow != window {
		t.Fatalf("unexpected cadence: %+v", got)
	}
	if got.LastResponseAt == nil || !got.LastResponseAt.Equal(responded) {
		t.Fatalf("unexpected last response %v", got.LastResponseAt)
	}
	if got.LastResponseStatus == nil || *got.LastResponseStatus != models.ResponseStatusKO {
		t.Fatalf("unexpected response status %v", got.LastResponseStatus)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	store := NewProbeFactRepo(openTestDB(t))
	ctx := context.Background()

	if err := store.UpdateProbing(ctx, 7, true); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found from update probing, got %v", err)
	}
	if err := store.RecordRequest(ctx, 7, time.Now()); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found from record request, got %v", err)
	}
	if err := store.Delete(ctx, 7); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found from delete, got %v", err)
	}
}

func TestListCandidatesKeyset(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		id, err := store.Register(ctx, sampleFact("svc-"+name, "v1"))
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		ids = append(ids, id)
	}
	if err := store.UpdateProbing(ctx, ids[1], false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := store.UpdateState(ctx, ids[3], models.InteropStateInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	first, err := store.ListCandidates(ctx, 0, 2)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(first) != 2 || first[0].RecordID != ids[0] || first[1].RecordID != ids[2] {
		t.Fatalf("unexpected first batch: %+v", first)
	}
	second, err := store.ListCandidates(ctx, first[1].RecordID, 2)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(second) != 1 || second[0].RecordID != ids[4] {
		t.Fatalf("unexpected second batch: %+v", second)
	}
}

func TestDeleteKeepsTelemetry(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	telemetry := NewTelemetryRepo(db)
	ctx := context.Background()

	id, err := store.Register(ctx, sampleFact("svc-a", "v1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := telemetry.Append(ctx, id, models.TelemetryPoint{Time: at, Status: models.TelemetryStatusOK}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, id); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected record gone, got %v", err)
	}
	points, err := telemetry.ReadRange(ctx, id, at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected telemetry to outlive the version, got %d rows", len(points))
	}

	again, err := store.Register(ctx, sampleFact("svc-a", "v1"))
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if again == id {
		t.Fatalf("expected a fresh record id after deregistering, got %d again", id)
	}
	points, err = telemetry.ReadRange(ctx, again, at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil || len(points) != 0 {
		t.Fatalf("expected no telemetry under the new id, got %d rows and %v", len(points), err)
	}
}

func TestUnknownStatePassesThrough(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	ctx := context.Background()

	id, err := store.Register(ctx, sampleFact("svc-a", "v1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := db.Exec(`UPDATE probe_facts SET state = 'ARCHIVED' WHERE id = ?`, id); err != nil {
		t.Fatalf("tamper state: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InteropState != "ARCHIVED" {
		t.Fatalf("expected raw state, got %q", got.InteropState)
	}
}

func TestMalformedWindowIsDataIntegrity(t *testing.T) {
	db := openTestDB(t)
	store := NewProbeFactRepo(db)
	ctx := context.Background()

	id, err := store.Register(ctx, sampleFact("svc-a", "v1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := db.Exec(`UPDATE probe_facts SET polling_start_time = 'noon' WHERE id = ?`, id); err != nil {
		t.Fatalf("tamper window: %v", err)
	}
	if _, err := store.Get(ctx, id); utils.KindOf(err) != utils.KindDataIntegrity {
		t.Fatalf("expected data integrity error, got %v", err)
	}
}

func TestStoreFailureIsUpstream(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, eservice_id")).
		WithArgs(int64(0), "ACTIVE", 50).
		WillReturnError(boom)

	store := NewProbeFactRepo(db)
	_, err = store.ListCandidates(context.Background(), 0, 50)
	if utils.KindOf(err) != utils.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteTouchesOnlyProbeFacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM probe_facts WHERE id = ?")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM probe_facts WHERE id = ?")).
		WithArgs(int64(4)).
		WillReturnError(errors.New("disk I/O error"))

	store := NewProbeFactRepo(db)
	if err := store.Delete(context.Background(), 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), 4); utils.KindOf(err) != utils.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
