package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database instance
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A single writer keeps segment upserts from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// initTables creates the necessary tables if they don't exist
func initTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			camera TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			start_time INTEGER NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 1
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_segments_camera_start
		ON segments (camera, start_time)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			camera TEXT NOT NULL,
			topic TEXT NOT NULL,
			time INTEGER NOT NULL,
			property TEXT
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_camera_time
		ON events (camera, time)
	`)
	if err != nil {
		return err
	}

	for _, table := range []string{"event_source", "event_data"} {
		_, err = db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				event_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				value TEXT,
				FOREIGN KEY (event_id) REFERENCES events (id) ON DELETE CASCADE
			)
		`, table))
		if err != nil {
			return err
		}
		_, err = db.Exec(fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_event ON %s (event_id)
		`, table, table))
		if err != nil {
			return err
		}
	}

	return nil
}

// UpsertSegment inserts the record when it has no surrogate ID yet, capturing
// the generated ID, otherwise updates the mutable fields only.
func (s *SQLiteDB) UpsertSegment(rec *SegmentRecord) error {
	if rec.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO segments (camera, path, start_time, duration, bytes, truncated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.Camera, rec.Path, rec.StartTime, rec.Duration, rec.Bytes, rec.Truncated)
		if err != nil {
			return fmt.Errorf("failed to insert segment %s: %w", rec.Path, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read segment id for %s: %w", rec.Path, err)
		}
		rec.ID = id
		return nil
	}

	_, err := s.db.Exec(`
		UPDATE segments
		SET duration = ?, bytes = ?, truncated = ?
		WHERE id = ?
	`, rec.Duration, rec.Bytes, rec.Truncated, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update segment %s: %w", rec.Path, err)
	}
	return nil
}

// ListSegments returns all index rows for one camera ordered by start time.
func (s *SQLiteDB) ListSegments(camera string) ([]SegmentRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, camera, path, start_time, duration, bytes, truncated
		FROM segments
		WHERE camera = ?
		ORDER BY start_time ASC
	`, camera)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var records []SegmentRecord
	for rows.Next() {
		var rec SegmentRecord
		if err := rows.Scan(&rec.ID, &rec.Camera, &rec.Path, &rec.StartTime,
			&rec.Duration, &rec.Bytes, &rec.Truncated); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning segment rows: %w", err)
	}
	return records, nil
}

// DeleteSegment removes a segment index row by its surrogate ID.
func (s *SQLiteDB) DeleteSegment(id int64) error {
	_, err := s.db.Exec("DELETE FROM segments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete segment %d: %w", id, err)
	}
	return nil
}

// InsertEvent records one camera event plus its source/data attribute rows,
// returning the generated event ID.
func (s *SQLiteDB) InsertEvent(ev Event) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin event insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO events (camera, topic, time, property)
		VALUES (?, ?, ?, ?)
	`, ev.Camera, ev.Topic, ev.Time, ev.Property)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}

	for _, src := range ev.Source {
		if _, err := tx.Exec(`
			INSERT INTO event_source (event_id, name, value) VALUES (?, ?, ?)
		`, id, src.Name, src.Value); err != nil {
			return 0, fmt.Errorf("failed to insert event source: %w", err)
		}
	}
	for _, data := range ev.Data {
		if _, err := tx.Exec(`
			INSERT INTO event_data (event_id, name, value) VALUES (?, ?, ?)
		`, id, data.Name, data.Value); err != nil {
			return 0, fmt.Errorf("failed to insert event data: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event insert: %w", err)
	}
	return id, nil
}

// MotionWindows pairs consecutive motion-alarm transitions into activity
// windows. Row numbering orders by time then state so an on/off pair landing
// on the same second still pairs up; pairs shorter than minimumClipLen are
// sensor chatter and get dropped.
func (s *SQLiteDB) MotionWindows(camera string, start, stop int64, timePadding, minimumClipLen int) ([]MotionWindow, error) {
	rows, err := s.db.Query(`
		WITH motion (camera, time, value, row_num) AS (
			SELECT
				e.camera
				,e.time
				,ed.value
				,ROW_NUMBER() OVER (ORDER BY e.time ASC, ed.value DESC) AS row_num
			FROM events AS e
			INNER JOIN event_data AS ed
				ON ed.event_id = e.id
				AND ed.name = 'State'
			WHERE e.topic = 'VideoSource/MotionAlarm'
			AND e.time BETWEEN ? AND ?
			AND e.camera = ?
		)
		SELECT
			m.time - ? AS start
			,m2.time + ? AS stop
		FROM motion AS m
		LEFT JOIN motion AS m2
			ON m2.row_num = m.row_num + 1
		WHERE m.value = '1'
		AND m2.time - m.time >= ?
	`, start, stop, camera, timePadding, timePadding, minimumClipLen)
	if err != nil {
		return nil, fmt.Errorf("failed to query motion windows: %w", err)
	}
	defer rows.Close()

	var windows []MotionWindow
	for rows.Next() {
		var w MotionWindow
		if err := rows.Scan(&w.Start, &w.Stop); err != nil {
			return nil, fmt.Errorf("failed to scan motion window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning motion windows: %w", err)
	}
	return windows, nil
}

// PruneEvents deletes a camera's events (and their attribute rows) older than
// the given cutoff.
func (s *SQLiteDB) PruneEvents(camera string, before int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin event prune: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"event_source", "event_data"} {
		if _, err := tx.Exec(fmt.Sprintf(`
			DELETE FROM %s
			WHERE event_id IN (
				SELECT id FROM events WHERE camera = ? AND time < ?
			)
		`, table), camera, before); err != nil {
			return fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	if _, err := tx.Exec(`
		DELETE FROM events WHERE camera = ? AND time < ?
	`, camera, before); err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event prune: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
