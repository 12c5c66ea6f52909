package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

// TelemetryRepo is the append-only store of probe results.
type TelemetryRepo struct {
	db *sql.DB
}

func NewTelemetryRepo(db *sql.DB) *TelemetryRepo {
	return &TelemetryRepo{db: db}
}

// Append stores one probe result for a version.
func (r *TelemetryRepo) Append(ctx context.Context, eserviceRecordID int64, point models.TelemetryPoint) error {
	var rt sql.NullFloat64
	if point.ResponseTimeMillis != nil {
		rt = sql.NullFloat64{Float64: *point.ResponseTimeMillis, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO telemetry (eservice_record_id, check_time, status, response_time) VALUES (?, ?, ?, ?)`,
		eserviceRecordID, formatTime(point.Time), string(point.Status), rt)
	if err != nil {
		return utils.Upstream("telemetry.append", err)
	}
	return nil
}

// ReadRange returns the stored rows of a version with check time in [start, end],
// oldest first. Rows are returned as stored; parsing is left to the caller.
func (r *TelemetryRepo) ReadRange(ctx context.Context, eserviceRecordID int64, start, end time.Time) ([]models.RawTelemetryPoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT check_time, status, response_time FROM telemetry
		WHERE eservice_record_id = ? AND check_time >= ? AND check_time <= ?
		ORDER BY check_time ASC`, eserviceRecordID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, utils.Upstream("telemetry.read", err)
	}
	defer rows.Close()

	points := make([]models.RawTelemetryPoint, 0)
	for rows.Next() {
		var (
			p  models.RawTelemetryPoint
			rt sql.NullFloat64
		)
		if err := rows.Scan(&p.Time, &p.Status, &rt); err != nil {
			return nil, utils.Upstream("telemetry.read", err)
		}
		if rt.Valid {
			v := rt.Float64
			p.ResponseTimeMillis = &v
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.Upstream("telemetry.read", err)
	}
	return points, nil
}
