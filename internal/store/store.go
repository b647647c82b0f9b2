// Package store persists analysis results to an optional SQL database.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id                       TEXT PRIMARY KEY,
	embryo_id                TEXT NOT NULL,
	quality_score            DOUBLE PRECISION NOT NULL,
	implantation_probability DOUBLE PRECISION NOT NULL,
	document                 TEXT NOT NULL,
	created_at               TEXT NOT NULL
)`

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Document is one persisted analysis.
type Document struct {
	ID                      string
	EmbryoID                string
	QualityScore            float64
	ImplantationProbability float64
	Body                    []byte
	CreatedAt               time.Time
}

// Sink accepts analysis documents one at a time.
type Sink interface {
	Save(ctx context.Context, doc Document) error
	Close() error
}

// Nop discards every document.
type Nop struct{}

func (Nop) Save(context.Context, Document) error { return nil }
func (Nop) Close() error                         { return nil }

// SQLSink writes documents to SQLite or PostgreSQL.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// ParseDSN maps a store URL to a database/sql driver and data source.
// Supported forms: sqlite://path, postgres://..., postgresql://..., or a
// bare file path (SQLite).
func ParseDSN(dsn string) (driver, source string, err error) {
	switch {
	case dsn == "":
		return "", "", errors.New("empty store dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		source = strings.TrimPrefix(dsn, "sqlite://")
		if source == "" {
			return "", "", errors.New("sqlite dsn has no path")
		}
		return driverSQLite, source, nil
	case strings.Contains(dsn, "://"):
		return "", "", errors.Errorf("unsupported store scheme: %s", dsn)
	default:
		return driverSQLite, dsn, nil
	}
}

// Open connects to dsn and creates the schema.
func Open(ctx context.Context, dsn string) (*SQLSink, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s store", driver)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to reach %s store", driver)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create store schema")
	}
	return &SQLSink{db: db, driver: driver}, nil
}

// Save inserts doc, assigning an ID and timestamp when missing.
func (s *SQLSink) Save(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO analyses (id, embryo_id, quality_score, implantation_probability, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if s.driver == driverPostgres {
		q = `INSERT INTO analyses (id, embryo_id, quality_score, implantation_probability, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	}
	_, err := s.db.ExecContext(ctx, q,
		doc.ID, doc.EmbryoID, doc.QualityScore, doc.ImplantationProbability,
		string(doc.Body), doc.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "failed to insert analysis %s", doc.EmbryoID)
	}
	return nil
}

// Count returns the number of stored documents.
func (s *SQLSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count analyses")
	}
	return n, nil
}

// Driver returns the database/sql driver name in use.
func (s *SQLSink) Driver() string {
	return s.driver
}

// Close closes the database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}
