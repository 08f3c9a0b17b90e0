package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/pgcpu-recorder/record"
)

// DB keeps a queryable copy of the record stream and the sigma matches
// raised against it.
type DB struct {
	Db *sql.DB
}

// StoredRecord is a lifecycle row as persisted.
type StoredRecord struct {
	ID         int64         `json:"id"`
	Kind       string        `json:"kind"`
	PID        int           `json:"pid"`
	StartMs    int64         `json:"start_ms"`
	StopMs     int64         `json:"stop_ms"`
	CPUMs      int64         `json:"cpu_ms"`
	Database   string        `json:"database"`
	User       string        `json:"user"`
	Origin     string        `json:"origin"`
	RecordedAt time.Time     `json:"recorded_at"`
	Record     record.Record `json:"-"`
}

// NewDB opens (creating if needed) the sqlite file at path.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initRecordSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize record schema: %w", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initRecordSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycles (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		pid         INTEGER NOT NULL,
		start_ms    INTEGER NOT NULL,
		stop_ms     INTEGER NOT NULL,
		cpu_ms      INTEGER NOT NULL,
		database    TEXT,
		username    TEXT,
		origin      TEXT,
		recorded_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create lifecycles table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_lifecycles_pid ON lifecycles(pid);",
		"CREATE INDEX IF NOT EXISTS idx_lifecycles_database ON lifecycles(database);",
		"CREATE INDEX IF NOT EXISTS idx_lifecycles_username ON lifecycles(username);",
		"CREATE INDEX IF NOT EXISTS idx_lifecycles_recorded_at ON lifecycles(recorded_at);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        record_id INTEGER NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        kind TEXT NOT NULL,
        pid INTEGER,
        database TEXT,
        username TEXT,
        origin TEXT,
        cpu_ms INTEGER,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create Sigma tables: %w", err)
	}

	return nil
}

// InsertRecord stores one exported record and returns its row id.
func (db *DB) InsertRecord(rec record.Record) (int64, error) {
	query := `
        INSERT INTO lifecycles (
            kind, pid, start_ms, stop_ms, cpu_ms,
            database, username, origin, recorded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := db.Db.Exec(query,
		rec.Kind.String(),
		rec.PID,
		rec.StartMillis,
		rec.StopMillis,
		rec.CPUMillis,
		rec.Database,
		rec.User,
		rec.Origin,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	return res.LastInsertId()
}

// Write implements record.Sink.
func (db *DB) Write(rec record.Record) error {
	_, err := db.InsertRecord(rec)
	return err
}

// RecentRecords returns up to limit records, newest first.
func (db *DB) RecentRecords(limit int) ([]StoredRecord, error) {
	query := `
    SELECT id, kind, pid, start_ms, stop_ms, cpu_ms,
           database, username, origin, recorded_at
    FROM lifecycles
    ORDER BY id DESC LIMIT ?`

	rows, err := db.Db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// EachRecord calls fn for every stored record in insertion order.
func (db *DB) EachRecord(fn func(record.Record)) error {
	rows, err := db.Db.Query(`
    SELECT id, kind, pid, start_ms, stop_ms, cpu_ms,
           database, username, origin, recorded_at
    FROM lifecycles ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		fn(rec.Record)
	}
	return rows.Err()
}

func scanRecord(rows *sql.Rows) (StoredRecord, error) {
	var (
		rec                  StoredRecord
		dbName, user, origin sql.NullString
	)
	err := rows.Scan(&rec.ID, &rec.Kind, &rec.PID, &rec.StartMs, &rec.StopMs, &rec.CPUMs,
		&dbName, &user, &origin, &rec.RecordedAt)
	if err != nil {
		return StoredRecord{}, err
	}
	rec.Database = dbName.String
	rec.User = user.String
	rec.Origin = origin.String
	rec.Record = record.Record{
		Kind:        record.ParseKind(rec.Kind),
		PID:         rec.PID,
		StartMillis: rec.StartMs,
		StopMillis:  rec.StopMs,
		CPUMillis:   rec.CPUMs,
		Database:    rec.Database,
		User:        rec.User,
		Origin:      rec.Origin,
	}
	return rec, nil
}

func (db *DB) Close() error {
	return db.Db.Close()
}
