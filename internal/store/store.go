// Package store implements the durable repository for raw samples, hourly
// aggregates, and delivery audit rows, backed by SQLite.
//
// The store is the single writer for all persisted state. Each logical
// operation runs in one transaction (or one atomic statement), and the
// connection pool is capped at a single connection so concurrent callers
// serialize here rather than interleaving inside the database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/gpuwatch/agent/internal/models"
)

// Store provides transactional access to the three telemetry tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// pending schema migrations. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite works best with a single connection; this is also what
	// enforces the single-writer discipline.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isDuplicate reports whether err is a SQLite uniqueness violation.
func isDuplicate(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// ---- raw samples ----

const rawInsertStmt = `INSERT INTO raw_samples (
	device_uid, timestamp, pci_bus_id, name,
	temperature, memory_used, memory_total,
	gpu_utilization, memory_utilization,
	power_usage, fan_speed, graphics_clock, memory_clock
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const rawSelectCols = `device_uid, timestamp, pci_bus_id, name,
	temperature, memory_used, memory_total,
	gpu_utilization, memory_utilization,
	power_usage, fan_speed, graphics_clock, memory_clock`

func rawInsertArgs(sample models.RawSample) []interface{} {
	return []interface{}{
		sample.Device.UID,
		sample.Timestamp.Unix(),
		sample.Device.PCIBusID,
		sample.Device.Name,
		sample.Metrics.Temperature,
		sample.Metrics.MemoryUsed,
		sample.Metrics.MemoryTotal,
		sample.Metrics.GPUUtilization,
		sample.Metrics.MemoryUtilization,
		sample.Metrics.PowerUsage,
		sample.Metrics.FanSpeed,
		sample.Metrics.GraphicsClock,
		sample.Metrics.MemoryClock,
	}
}

func scanRawSample(rows *sql.Rows) (models.RawSample, error) {
	var sample models.RawSample
	var ts int64
	err := rows.Scan(
		&sample.Device.UID,
		&ts,
		&sample.Device.PCIBusID,
		&sample.Device.Name,
		&sample.Metrics.Temperature,
		&sample.Metrics.MemoryUsed,
		&sample.Metrics.MemoryTotal,
		&sample.Metrics.GPUUtilization,
		&sample.Metrics.MemoryUtilization,
		&sample.Metrics.PowerUsage,
		&sample.Metrics.FanSpeed,
		&sample.Metrics.GraphicsClock,
		&sample.Metrics.MemoryClock,
	)
	if err != nil {
		return models.RawSample{}, err
	}
	sample.Timestamp = time.Unix(ts, 0).UTC()
	return sample, nil
}

// InsertRawSample persists a single sample. Returns ErrDuplicateKey if a
// sample for the same (timestamp, device UID) already exists.
func (s *Store) InsertRawSample(sample models.RawSample) error {
	_, err := s.db.Exec(rawInsertStmt, rawInsertArgs(sample)...)
	if isDuplicate(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("inserting raw sample: %w", err)
	}
	return nil
}

// InsertRawSamples persists one collection tick's samples in a single
// transaction. Duplicate rows within the batch are skipped so that an
// overlapping re-collection is an idempotent no-op rather than a failure.
// Returns the number of rows actually inserted.
func (s *Store) InsertRawSamples(samples []models.RawSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(rawInsertStmt)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, sample := range samples {
		if _, err := stmt.Exec(rawInsertArgs(sample)...); err != nil {
			if isDuplicate(err) {
				continue
			}
			return 0, fmt.Errorf("inserting raw sample: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing raw samples: %w", err)
	}
	return inserted, nil
}

// RawSamplesInRange returns all samples with timestamp in [start, end),
// ordered by (device UID, timestamp).
func (s *Store) RawSamplesInRange(start, end time.Time) ([]models.RawSample, error) {
	rows, err := s.db.Query(
		`SELECT `+rawSelectCols+` FROM raw_samples
		 WHERE timestamp >= ? AND timestamp < ?
		 ORDER BY device_uid, timestamp`,
		start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying raw samples: %w", err)
	}
	defer rows.Close()

	var samples []models.RawSample
	for rows.Next() {
		sample, err := scanRawSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning raw sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// RawSamplesAt returns all devices' samples taken at exactly ts, ordered by
// device UID.
func (s *Store) RawSamplesAt(ts time.Time) ([]models.RawSample, error) {
	return s.RawSamplesInRange(ts, ts.Add(time.Second))
}

// LatestRawTimestamp returns the most recent collection timestamp, or
// ErrNotFound if no samples exist.
func (s *Store) LatestRawTimestamp() (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(timestamp) FROM raw_samples`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying latest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, ErrNotFound
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// NearestRawTimestampBefore returns the latest collection timestamp at or
// before ts, or ErrNotFound if none exists.
func (s *Store) NearestRawTimestampBefore(ts time.Time) (time.Time, error) {
	var found sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(timestamp) FROM raw_samples WHERE timestamp <= ?`,
		ts.Unix(),
	).Scan(&found)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying nearest timestamp: %w", err)
	}
	if !found.Valid {
		return time.Time{}, ErrNotFound
	}
	return time.Unix(found.Int64, 0).UTC(), nil
}

// PruneRawBefore deletes all raw samples older than cutoff and returns the
// number of rows deleted.
func (s *Store) PruneRawBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM raw_samples WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning raw samples: %w", err)
	}
	return res.RowsAffected()
}

// ---- aggregated records ----

const aggSelectCols = `aggregation_timestamp, device_uid, name,
	temperature, memory_used, memory_total,
	gpu_utilization, memory_utilization,
	power_usage, fan_speed, graphics_clock, memory_clock, sample_count`

func scanAggregatedRecord(rows *sql.Rows) (models.AggregatedRecord, error) {
	var rec models.AggregatedRecord
	var ts int64
	err := rows.Scan(
		&ts,
		&rec.DeviceUID,
		&rec.Name,
		&rec.Metrics.Temperature,
		&rec.Metrics.MemoryUsed,
		&rec.Metrics.MemoryTotal,
		&rec.Metrics.GPUUtilization,
		&rec.Metrics.MemoryUtilization,
		&rec.Metrics.PowerUsage,
		&rec.Metrics.FanSpeed,
		&rec.Metrics.GraphicsClock,
		&rec.Metrics.MemoryClock,
		&rec.SampleCount,
	)
	if err != nil {
		return models.AggregatedRecord{}, err
	}
	rec.AggregationTimestamp = time.Unix(ts, 0).UTC()
	return rec, nil
}

// InsertAggregatedRecord persists an hourly aggregate. Returns
// ErrDuplicateKey if the (bucket, device UID) pair was already aggregated.
func (s *Store) InsertAggregatedRecord(rec models.AggregatedRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO aggregated_records (
			aggregation_timestamp, device_uid, name,
			temperature, memory_used, memory_total,
			gpu_utilization, memory_utilization,
			power_usage, fan_speed, graphics_clock, memory_clock, sample_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AggregationTimestamp.Unix(),
		rec.DeviceUID,
		rec.Name,
		rec.Metrics.Temperature,
		rec.Metrics.MemoryUsed,
		rec.Metrics.MemoryTotal,
		rec.Metrics.GPUUtilization,
		rec.Metrics.MemoryUtilization,
		rec.Metrics.PowerUsage,
		rec.Metrics.FanSpeed,
		rec.Metrics.GraphicsClock,
		rec.Metrics.MemoryClock,
		rec.SampleCount,
	)
	if isDuplicate(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("inserting aggregated record: %w", err)
	}
	return nil
}

// AggregatesAt returns all devices' aggregates for the given hour bucket,
// ordered by device UID. An empty slice means the bucket was never aggregated.
func (s *Store) AggregatesAt(hourStart time.Time) ([]models.AggregatedRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+aggSelectCols+` FROM aggregated_records
		 WHERE aggregation_timestamp = ?
		 ORDER BY device_uid`,
		hourStart.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying aggregates: %w", err)
	}
	defer rows.Close()

	return collectAggregates(rows)
}

// PendingAggregates returns all aggregated records that have no send attempt
// marked sent, ordered by (bucket, device UID). This is the delivery
// engine's candidate set; already-sent records never reappear here.
func (s *Store) PendingAggregates() ([]models.AggregatedRecord, error) {
	rows, err := s.db.Query(
		`SELECT a.aggregation_timestamp, a.device_uid, a.name,
			a.temperature, a.memory_used, a.memory_total,
			a.gpu_utilization, a.memory_utilization,
			a.power_usage, a.fan_speed, a.graphics_clock, a.memory_clock, a.sample_count
		 FROM aggregated_records a
		 LEFT JOIN send_attempts s
			ON s.aggregation_timestamp = a.aggregation_timestamp
			AND s.device_uid = a.device_uid
		 WHERE COALESCE(s.sent, 0) = 0
		 ORDER BY a.aggregation_timestamp, a.device_uid`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending aggregates: %w", err)
	}
	defer rows.Close()

	return collectAggregates(rows)
}

func collectAggregates(rows *sql.Rows) ([]models.AggregatedRecord, error) {
	var records []models.AggregatedRecord
	for rows.Next() {
		rec, err := scanAggregatedRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning aggregated record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HoursNeedingAggregation returns, in ascending order, the distinct hour
// buckets that closed at or before cutoff and still contain raw samples
// for at least one device without a matching aggregate. Used to backfill
// buckets missed while the process was down.
func (s *Store) HoursNeedingAggregation(cutoff time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT (r.timestamp / 3600) * 3600 AS hour
		 FROM raw_samples r
		 WHERE (r.timestamp / 3600) * 3600 + 3600 <= ?
		 AND NOT EXISTS (
			SELECT 1 FROM aggregated_records a
			WHERE a.aggregation_timestamp = (r.timestamp / 3600) * 3600
			AND a.device_uid = r.device_uid
		 )
		 ORDER BY hour`,
		cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying unaggregated hours: %w", err)
	}
	defer rows.Close()

	var hours []time.Time
	for rows.Next() {
		var hour int64
		if err := rows.Scan(&hour); err != nil {
			return nil, fmt.Errorf("scanning hour: %w", err)
		}
		hours = append(hours, time.Unix(hour, 0).UTC())
	}
	return hours, rows.Err()
}

// PruneAggregatesBefore deletes all aggregated records older than cutoff and
// returns the number of rows deleted.
func (s *Store) PruneAggregatesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM aggregated_records WHERE aggregation_timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning aggregated records: %w", err)
	}
	return res.RowsAffected()
}

// ---- send attempts ----

const attemptSelectCols = `aggregation_timestamp, device_uid, attempt_count,
	first_attempt_time, last_attempt_time, last_error, ack_uid, sent`

func scanSendAttempt(rows *sql.Rows) (models.SendAttempt, error) {
	var attempt models.SendAttempt
	var aggTS, firstTS, lastTS int64
	var lastError, ackUID sql.NullString
	err := rows.Scan(
		&aggTS,
		&attempt.DeviceUID,
		&attempt.AttemptCount,
		&firstTS,
		&lastTS,
		&lastError,
		&ackUID,
		&attempt.Sent,
	)
	if err != nil {
		return models.SendAttempt{}, err
	}
	attempt.AggregationTimestamp = time.Unix(aggTS, 0).UTC()
	attempt.FirstAttemptTime = time.Unix(firstTS, 0).UTC()
	attempt.LastAttemptTime = time.Unix(lastTS, 0).UTC()
	attempt.LastError = lastError.String
	attempt.AckUID = ackUID.String
	return attempt, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpsertSendAttempt inserts the audit row for a delivery key on the first
// attempt and updates it in place on subsequent ones. The write is a single
// atomic statement, so a crash mid-attempt leaves the row either untouched
// or fully updated. first_attempt_time is never overwritten.
func (s *Store) UpsertSendAttempt(attempt models.SendAttempt) error {
	_, err := s.db.Exec(
		`INSERT INTO send_attempts (
			aggregation_timestamp, device_uid, attempt_count,
			first_attempt_time, last_attempt_time, last_error, ack_uid, sent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregation_timestamp, device_uid) DO UPDATE SET
			attempt_count = excluded.attempt_count,
			last_attempt_time = excluded.last_attempt_time,
			last_error = excluded.last_error,
			ack_uid = excluded.ack_uid,
			sent = excluded.sent`,
		attempt.AggregationTimestamp.Unix(),
		attempt.DeviceUID,
		attempt.AttemptCount,
		attempt.FirstAttemptTime.Unix(),
		attempt.LastAttemptTime.Unix(),
		nullable(attempt.LastError),
		nullable(attempt.AckUID),
		attempt.Sent,
	)
	if err != nil {
		return fmt.Errorf("upserting send attempt: %w", err)
	}
	return nil
}

// GetSendAttempt returns the audit row for one delivery key, or ErrNotFound
// if no attempt was ever made.
func (s *Store) GetSendAttempt(aggregationTime time.Time, deviceUID string) (models.SendAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptSelectCols+` FROM send_attempts
		 WHERE aggregation_timestamp = ? AND device_uid = ?`,
		aggregationTime.Unix(), deviceUID,
	)
	if err != nil {
		return models.SendAttempt{}, fmt.Errorf("querying send attempt: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.SendAttempt{}, err
		}
		return models.SendAttempt{}, ErrNotFound
	}
	return scanSendAttempt(rows)
}

// ListSendAttempts returns all audit rows, newest aggregation bucket first.
func (s *Store) ListSendAttempts() ([]models.SendAttempt, error) {
	rows, err := s.db.Query(
		`SELECT ` + attemptSelectCols + ` FROM send_attempts
		 ORDER BY aggregation_timestamp DESC, device_uid`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying send attempts: %w", err)
	}
	defer rows.Close()

	return collectSendAttempts(rows)
}

// SearchSendAttempts returns the audit rows for one aggregation bucket
// across devices, or ErrNotFound if the bucket has no attempts.
func (s *Store) SearchSendAttempts(aggregationTime time.Time) ([]models.SendAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptSelectCols+` FROM send_attempts
		 WHERE aggregation_timestamp = ?
		 ORDER BY device_uid`,
		aggregationTime.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying send attempts: %w", err)
	}
	defer rows.Close()

	attempts, err := collectSendAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrNotFound
	}
	return attempts, nil
}

func collectSendAttempts(rows *sql.Rows) ([]models.SendAttempt, error) {
	var attempts []models.SendAttempt
	for rows.Next() {
		attempt, err := scanSendAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning send attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// PruneSendAttemptsBefore deletes audit rows whose aggregation bucket is
// older than cutoff. The audit trail follows the aggregate retention
// horizon; delivery itself never deletes attempts.
func (s *Store) PruneSendAttemptsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM send_attempts WHERE aggregation_timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning send attempts: %w", err)
	}
	return res.RowsAffected()
}
