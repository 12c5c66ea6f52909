package repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

func TestTelemetryAppendAndReadRange(t *testing.T) {
	db := openTestDB(t)
	store := NewTelemetryRepo(db)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	latency := 120.5
	points := []models.TelemetryPoint{
		{Time: base.Add(10 * time.Minute), Status: models.TelemetryStatusKO, ResponseTimeMillis: &latency},
		{Time: base, Status: models.TelemetryStatusOK, ResponseTimeMillis: &latency},
		{Time: base.Add(5 * time.Minute), Status: models.TelemetryStatusND},
		{Time: base.Add(2 * time.Hour), Status: models.TelemetryStatusOK},
	}
	for _, p := range points {
		if err := store.Append(ctx, 1, p); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Append(ctx, 2, models.TelemetryPoint{Time: base, Status: models.TelemetryStatusOK}); err != nil {
		t.Fatalf("append other record: %v", err)
	}

	got, err := store.ReadRange(ctx, 1, base, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 points in range, got %d: %+v", len(got), got)
	}
	wantStatuses := []string{"OK", "N_D", "KO"}
	for i, want := range wantStatuses {
		if got[i].Status != want {
			t.Fatalf("point %d: expected status %s, got %s", i, want, got[i].Status)
		}
	}
	first, err := utils.ParseISO8601(got[0].Time)
	if err != nil || !first.Equal(base) {
		t.Fatalf("expected first point at %v, got %q (%v)", base, got[0].Time, err)
	}
	if got[0].ResponseTimeMillis == nil || *got[0].ResponseTimeMillis != latency {
		t.Fatalf("expected latency %v, got %v", latency, got[0].ResponseTimeMillis)
	}
	if got[1].ResponseTimeMillis != nil {
		t.Fatalf("expected missing latency for N_D point, got %v", *got[1].ResponseTimeMillis)
	}
}

func TestTelemetryReadRangeEmpty(t *testing.T) {
	store := NewTelemetryRepo(openTestDB(t))
	got, err := store.ReadRange(context.Background(), 9, time.Unix(0, 0), time.Now())
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestTelemetryReadRangeReturnsRawRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"check_time", "status", "response_time"}).
		AddRow("not-a-time", "OK", 10.0).
		AddRow("2024-03-01T00:10:00.000Z", "MAYBE", nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT check_time, status, response_time FROM telemetry")).
		WithArgs(int64(4), "2024-03-01T00:00:00.000Z", "2024-03-01T01:00:00.000Z").
		WillReturnRows(rows)

	got, err := NewTelemetryRepo(db).ReadRange(context.Background(), 4, start, end)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 2 || got[0].Time != "not-a-time" || got[1].Status != "MAYBE" {
		t.Fatalf("expected rows untouched, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTelemetryAppendFailureIsUpstream(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO telemetry")).
		WillReturnError(context.DeadlineExceeded)

	err = NewTelemetryRepo(db).Append(context.Background(), 1, models.TelemetryPoint{Time: time.Now(), Status: models.TelemetryStatusOK})
	if utils.KindOf(err) != utils.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
