package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type discoveryRow struct {
	Endpoint  string `db:"endpoint"`
	Document  string `db:"document"`
	ExpiresAt int64  `db:"expires_at"`
}

func CreateDiscoveryDocumentsIfNotExists(path string) (*sqlx.DB, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS discovery_documents (
		endpoint 	TEXT NOT NULL,
		document 	TEXT NOT NULL,
		expires_at 	INTEGER NOT NULL,

		PRIMARY KEY (endpoint)
	);
	`
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create schema: %w", err)
	}
	return db, nil
}

// Cache keeps discovery documents in a sqlite file so separate invocations of
// the CLI can share them.
type Cache struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewCache(path string) (*Cache, error) {
	db, err := CreateDiscoveryDocumentsIfNotExists(path)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, now: time.Now}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Get(ctx context.Context, endpoint string) (map[string]any, bool, error) {
	var row discoveryRow
	err := c.db.GetContext(ctx, &row, `SELECT endpoint, document, expires_at FROM discovery_documents WHERE endpoint = ?;`, endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not retrieve discovery document: %w", err)
	}
	if row.ExpiresAt <= c.now().Unix() {
		return nil, false, nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(row.Document), &doc); err != nil {
		return nil, false, fmt.Errorf("could not decode cached document: %w", err)
	}
	return doc, true, nil
}

func (c *Cache) Set(ctx context.Context, endpoint string, doc map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("could not encode document: %w", err)
	}
	row := discoveryRow{
		Endpoint:  endpoint,
		Document:  string(data),
		ExpiresAt: c.now().Add(ttl).Unix(),
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	query := `INSERT OR REPLACE INTO discovery_documents
	(
		endpoint,
		document,
		expires_at
	)
	VALUES
	(
		:endpoint,
		:document,
		:expires_at
	);`
	if _, err := tx.NamedExecContext(ctx, query, &row); err != nil {
		tx.Rollback()
		return fmt.Errorf("could not execute transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Prune deletes expired documents and reports how many were removed.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM discovery_documents WHERE expires_at <= ?;`, c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("could not prune discovery documents: %w", err)
	}
	return res.RowsAffected()
}
