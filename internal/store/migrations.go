package store

import (
	"database/sql"
	"fmt"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Up      string
}

// migrations contains all schema migrations in chronological order.
//
// Primary keys double as the lookup indexes the pipeline needs:
// raw samples are scanned by (device_uid, timestamp) ranges, aggregates
// and send attempts by (aggregation_timestamp, device_uid).
var migrations = []Migration{
	{
		Version: 1,
		Up: `CREATE TABLE raw_samples (
			device_uid TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			pci_bus_id TEXT NOT NULL,
			name TEXT NOT NULL,
			temperature REAL NOT NULL,
			memory_used REAL NOT NULL,
			memory_total REAL NOT NULL,
			gpu_utilization REAL NOT NULL,
			memory_utilization REAL NOT NULL,
			power_usage REAL NOT NULL,
			fan_speed REAL NOT NULL,
			graphics_clock REAL NOT NULL,
			memory_clock REAL NOT NULL,
			PRIMARY KEY (device_uid, timestamp)
		);

		CREATE INDEX idx_raw_samples_timestamp ON raw_samples(timestamp);`,
	},
	{
		Version: 2,
		Up: `CREATE TABLE aggregated_records (
			aggregation_timestamp INTEGER NOT NULL,
			device_uid TEXT NOT NULL,
			name TEXT NOT NULL,
			temperature REAL NOT NULL,
			memory_used REAL NOT NULL,
			memory_total REAL NOT NULL,
			gpu_utilization REAL NOT NULL,
			memory_utilization REAL NOT NULL,
			power_usage REAL NOT NULL,
			fan_speed REAL NOT NULL,
			graphics_clock REAL NOT NULL,
			memory_clock REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			PRIMARY KEY (aggregation_timestamp, device_uid)
		);`,
	},
	{
		Version: 3,
		Up: `CREATE TABLE send_attempts (
			aggregation_timestamp INTEGER NOT NULL,
			device_uid TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			first_attempt_time INTEGER NOT NULL,
			last_attempt_time INTEGER NOT NULL,
			last_error TEXT,
			ack_uid TEXT,
			sent INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (aggregation_timestamp, device_uid)
		);`,
	},
}

// runMigrations applies all pending migrations to the database.
func runMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	currentVersion, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("applying migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func createMigrationsTable(db *sql.DB) error {
	query := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	)`

	_, err := db.Exec(query)
	return err
}

// schemaVersion returns the highest applied migration version.
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// applyMigration applies a single migration within a transaction.
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.Up); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
