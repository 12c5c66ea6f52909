package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

const probeFactColumns = `id, eservice_id, version_id, eservice_name, technology, base_path, audience, state,
	probing_enabled, polling_frequency, polling_start_time, polling_end_time,
	last_request, last_response, response_status`

// ProbeFactRepo stores per-version probing configuration and latest signals.
type ProbeFactRepo struct {
	db *sql.DB
}

// NewProbeFactRepo wraps an open database.
func NewProbeFactRepo(db *sql.DB) *ProbeFactRepo {
	return &ProbeFactRepo{db: db}
}

// Register inserts a version or replaces the configuration of an existing one,
// keeping its probe signals. It returns the record id.
func (r *ProbeFactRepo) Register(ctx context.Context, fact models.ProbeFact) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO probe_facts (eservice_id, version_id, eservice_name, technology, base_path, audience, state,
			probing_enabled, polling_frequency, polling_start_time, polling_end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (eservice_id, version_id) DO UPDATE SET
			eservice_name = excluded.eservice_name,
			technology = excluded.technology,
			base_path = excluded.base_path,
			audience = excluded.audience,
			state = excluded.state,
			probing_enabled = excluded.probing_enabled,
			polling_frequency = excluded.polling_frequency,
			polling_start_time = excluded.polling_start_time,
			polling_end_time = excluded.polling_end_time
		RETURNING id`,
		fact.EserviceID,
		fact.VersionID,
		fact.EserviceName,
		string(fact.Technology),
		fact.BasePath,
		fact.Audience,
		string(fact.InteropState),
		fact.ProbingEnabled,
		fact.PollingFrequencyMinutes,
		fact.PollingWindow.Start.String(),
		fact.PollingWindow.End.String(),
	).Scan(&id)
	if err != nil {
		return 0, utils.Upstream("probefacts.register", err)
	}
	return id, nil
}

// Get returns the fact of one record.
func (r *ProbeFactRepo) Get(ctx context.Context, id int64) (models.ProbeFact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+probeFactColumns+` FROM probe_facts WHERE id = ?`, id)
	fact, err := scanProbeFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProbeFact{}, utils.NotFound("probefacts.get", fmt.Sprintf("no e-service version with record id %d", id))
	}
	if err != nil {
		return models.ProbeFact{}, wrapScanError("probefacts.get", err)
	}
	return fact, nil
}

// ListCandidates returns up to limit active, probing-enabled facts with id greater
// than afterID, ordered by id.
func (r *ProbeFactRepo) ListCandidates(ctx context.Context, afterID int64, limit int) ([]models.ProbeFact, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+probeFactColumns+` FROM probe_facts
		WHERE id > ? AND state = ? AND probing_enabled = 1
		ORDER BY id ASC LIMIT ?`, afterID, string(models.InteropStateActive), limit)
	if err != nil {
		return nil, utils.Upstream("probefacts.candidates", err)
	}
	defer rows.Close()

	var facts []models.ProbeFact
	for rows.Next() {
		fact, err := scanProbeFact(rows)
		if err != nil {
			return nil, wrapScanError("probefacts.candidates", err)
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Upstream("probefacts.candidates", err)
	}
	return facts, nil
}

// UpdateProbing enables or disables probing of a version.
func (r *ProbeFactRepo) UpdateProbing(ctx context.Context, id int64, enabled bool) error {
	return r.update(ctx, "probefacts.probing", id, `UPDATE probe_facts SET probing_enabled = ? WHERE id = ?`, enabled, id)
}

// UpdateState records a new interop state.
func (r *ProbeFactRepo) UpdateState(ctx context.Context, id int64, state models.InteropState) error {
	return r.update(ctx, "probefacts.state", id, `UPDATE probe_facts SET state = ? WHERE id = ?`, string(state), id)
}

// UpdateFrequency changes the polling cadence and window.
func (r *ProbeFactRepo) UpdateFrequency(ctx context.Context, id int64, upd models.FrequencyUpdate) error {
	return r.update(ctx, "probefacts.frequency", id,
		`UPDATE probe_facts SET polling_frequency = ?, polling_start_time = ?, polling_end_time = ? WHERE id = ?`,
		upd.PollingFrequencyMinutes, upd.PollingWindow.Start.String(), upd.PollingWindow.End.String(), id)
}

// RecordRequest marks that a probe was dispatched.
func (r *ProbeFactRepo) RecordRequest(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, "probefacts.request", id, `UPDATE probe_facts SET last_request = ? WHERE id = ?`, formatTime(at), id)
}

// RecordResponse stores the latest answered probe.
func (r *ProbeFactRepo) RecordResponse(ctx context.Context, id int64, at time.Time, status models.ResponseStatus) error {
	return r.update(ctx, "probefacts.response", id,
		`UPDATE probe_facts SET last_response = ?, response_status = ? WHERE id = ?`, formatTime(at), string(status), id)
}

// Delete removes a version. Its telemetry rows stay in place; record ids are never reused.
func (r *ProbeFactRepo) Delete(ctx context.Context, id int64) error {
	return r.update(ctx, "probefacts.delete", id, `DELETE FROM probe_facts WHERE id = ?`, id)
}

func (r *ProbeFactRepo) update(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return utils.Upstream(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return utils.Upstream(op, err)
	}
	if n == 0 {
		return utils.NotFound(op, fmt.Sprintf("no e-service version with record id %d", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type integrityError struct {
	msg string
}

func (e *integrityError) Error() string { return e.msg }

func wrapScanError(op string, err error) error {
	var ie *integrityError
	if errors.As(err, &ie) {
		return utils.DataIntegrity(op, ie.msg)
	}
	return utils.Upstream(op, err)
}

func scanProbeFact(row rowScanner) (models.ProbeFact, error) {
	var (
		fact                      models.ProbeFact
		technology, state         string
		startTime, endTime        string
		lastRequest, lastResponse sql.NullString
		responseStatus            sql.NullString
	)
	err := row.Scan(
		&fact.RecordID,
		&fact.EserviceID,
		&fact.VersionID,
		&fact.EserviceName,
		&technology,
		&fact.BasePath,
		&fact.Audience,
		&state,
		&fact.ProbingEnabled,
		&fact.PollingFrequencyMinutes,
		&startTime,
		&endTime,
		&lastRequest,
		&lastResponse,
		&responseStatus,
	)
	if err != nil {
		return models.ProbeFact{}, err
	}

	// State is passed through unvalidated; unknown values are caught by the classifier.
	fact.InteropState = models.InteropState(state)
	fact.Technology = models.Technology(technology)

	if fact.PollingWindow.Start, err = models.ParseTimeOfDay(startTime); err != nil {
		return models.ProbeFact{}, &integrityError{msg: fmt.Sprintf("record %d: polling start: %v", fact.RecordID, err)}
	}
	if fact.PollingWindow.End, err = models.ParseTimeOfDay(endTime); err != nil {
		return models.ProbeFact{}, &integrityError{msg: fmt.Sprintf("record %d: polling end: %v", fact.RecordID, err)}
	}
	if fact.LastRequestAt, err = parseNullTime(lastRequest); err != nil {
		return models.ProbeFact{}, &integrityError{msg: fmt.Sprintf("record %d: last request: %v", fact.RecordID, err)}
	}
	if fact.LastResponseAt, err = parseNullTime(lastResponse); err != nil {
		return models.ProbeFact{}, &integrityError{msg: fmt.Sprintf("record %d: last response: %v", fact.RecordID, err)}
	}
	if responseStatus.Valid {
		status := models.ResponseStatus(responseStatus.String)
		fact.LastResponseStatus = &status
	}
	return fact, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := utils.ParseISO8601(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
