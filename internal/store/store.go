// Package store keeps a record of tracking sessions and mesh changes in
// postgres or sqlite.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/osmundi/posebridge/internal/mesh"
	"github.com/osmundi/posebridge/internal/monitoring"
)

//go:embed migrations
var migrations embed.FS

var (
	ErrUnsupportedURL = errors.New("unsupported database url")
	ErrNotFound       = errors.New("not found")
)

type Database struct {
	pool    *sql.DB
	dialect string
}

type Session struct {
	ID        string
	Device    string
	Model     string
	Started   time.Time
	Ended     time.Time // zero while the session is open
	Frames    int
	MeanScore float64
}

// Open connects to url and migrates the schema to the latest version.
// postgres:// and postgresql:// urls go to lib/pq, sqlite://path opens a
// local file.
func Open(url string) (*Database, error) {
	var dialect, dsn string
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialect, dsn = "postgres", url
	case strings.HasPrefix(url, "sqlite://"):
		dialect, dsn = "sqlite", strings.TrimPrefix(url, "sqlite://")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}

	pool, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, err
	}
	if dialect == "sqlite" {
		// A single writer avoids SQLITE_BUSY between the pipeline and tests.
		pool.SetMaxOpenConns(1)
	}

	db := &Database{pool: pool, dialect: dialect}
	if err := db.migrateUp(); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) migrateUp() error {
	src, err := iofs.New(migrations, "migrations/"+db.dialect)
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	var driver database.Driver
	switch db.dialect {
	case "postgres":
		driver, err = postgres.WithInstance(db.pool, &postgres.Config{})
	default:
		driver, err = sqlite.WithInstance(db.pool, &sqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s driver: %w", db.dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	// m is not closed since that would close the pool.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Debugf("[migrate] "+strings.TrimSuffix(format, "\n"), v...)
}

func (migrateLogger) Verbose() bool { return false }

func (db *Database) Close() error {
	return db.pool.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *Database) rebind(query string) string {
	if db.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StartSession opens a session for device and returns its id.
func (db *Database) StartSession(device, model string) (string, error) {
	id := uuid.NewString()
	_, err := db.pool.Exec(db.rebind("INSERT INTO tracking_session(id, device, model, started) VALUES(?, ?, ?, ?)"),
		id, device, model, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession closes the session with its final statistics.
func (db *Database) EndSession(id string, frames int, meanScore float64) error {
	res, err := db.pool.Exec(db.rebind("UPDATE tracking_session SET ended=?, frames=?, mean_score=? WHERE id=?"),
		time.Now().UTC(), frames, meanScore, id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Sessions lists the most recent sessions first.
func (db *Database) Sessions(limit int) ([]Session, error) {
	rows, err := db.pool.Query(db.rebind("SELECT id, device, model, started, ended, frames, mean_score FROM tracking_session ORDER BY started DESC LIMIT ?"), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.Device, &s.Model, &s.Started, &ended, &s.Frames, &s.MeanScore); err != nil {
			return nil, err
		}
		if ended.Valid {
			s.Ended = ended.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordMesh appends a mesh change for device.
func (db *Database) RecordMesh(device string, m mesh.Mesh, reason string) error {
	points, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(db.rebind("INSERT INTO mesh_change(device, points, reason, created) VALUES(?, ?, ?, ?)"),
		device, string(points), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record mesh: %w", err)
	}
	return nil
}

// LatestMesh returns the last mesh recorded for device.
func (db *Database) LatestMesh(device string) (mesh.Mesh, error) {
	var points string
	err := db.pool.QueryRow(db.rebind("SELECT points FROM mesh_change WHERE device=? ORDER BY created DESC, id DESC LIMIT 1"), device).Scan(&points)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return mesh.Mesh{}, fmt.Errorf("no mesh for %s: %w", device, ErrNotFound)
	case err != nil:
		return mesh.Mesh{}, err
	}

	var m mesh.Mesh
	if err := json.Unmarshal([]byte(points), &m); err != nil {
		return mesh.Mesh{}, fmt.Errorf("bad mesh for %s: %w", device, err)
	}
	return m, nil
}
