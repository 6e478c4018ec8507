// Package catalog maps names to blob locators in a small SQLite database.
//
// A Storage hands out Locators and forgets them; something has to remember
// which Locator belongs to which document. In a full system that is the
// search index. The command-line tool uses this catalog instead.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jpl-au/blobvol"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned for names the catalog does not hold.
var ErrNotFound = errors.New("catalog: name not found")

// Entry is one catalog row.
type Entry struct {
	Name    string
	Locator blobvol.Locator
	Size    int64
	Created time.Time
}

// Catalog is a name → Locator table. It is safe for concurrent use.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path.
func Open(ctx context.Context, path string) (*Catalog, error) {
	// _busy_timeout=5000: wait up to 5s for a lock held by another process
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// SQLite serialises writers anyway
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS blobs (
		name    TEXT PRIMARY KEY,
		locator TEXT NOT NULL,
		size    INTEGER NOT NULL,
		created INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Put records loc under name, replacing any previous entry.
func (c *Catalog) Put(ctx context.Context, name string, loc blobvol.Locator) error {
	text, err := loc.MarshalText()
	if err != nil {
		return fmt.Errorf("catalog: encode locator: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO blobs (name, locator, size, created) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET locator = excluded.locator, size = excluded.size, created = excluded.created`,
		name, string(text), loc.Size, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: put %q: %w", name, err)
	}
	return nil
}

// Get returns the entry for name.
func (c *Catalog) Get(ctx context.Context, name string) (Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT name, locator, size, created FROM blobs WHERE name = ?`, name)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: get %q: %w", name, err)
	}
	return e, nil
}

// Delete removes name. Removing an absent name reports ErrNotFound.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM blobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("catalog: delete %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// List returns all entries ordered by name.
func (c *Catalog) List(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		rows, err := c.db.QueryContext(ctx, `SELECT name, locator, size, created FROM blobs ORDER BY name`)
		if err != nil {
			yield(Entry{}, fmt.Errorf("catalog: list: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scan(rows)
			if !yield(e, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("catalog: list: %w", err))
		}
	}
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Entry, error) {
	var (
		e       Entry
		text    string
		created int64
	)
	if err := s.Scan(&e.Name, &text, &e.Size, &created); err != nil {
		return Entry{}, err
	}
	if err := e.Locator.UnmarshalText([]byte(text)); err != nil {
		return Entry{}, fmt.Errorf("catalog: %q: %w", e.Name, err)
	}
	e.Created = time.UnixMilli(created)
	return e, nil
}
