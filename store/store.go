// Package store caches built gravity indices in SQLite, keyed by a
// fingerprint of the build parameters and the population raster.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pthm-cable/dispersal/gravity"
)

// ErrNotFound indicates no cached index for a fingerprint.
var ErrNotFound = errors.New("store: index not cached")

// DB wraps a SQLite connection holding cached indices.
type DB struct {
	conn *sqlx.DB
}

// IndexMeta describes one cached index.
type IndexMeta struct {
	Fingerprint  string `db:"fingerprint"`
	Rows         int    `db:"coarse_rows"`
	Cols         int    `db:"coarse_cols"`
	Scale        int    `db:"scale"`
	NShortlisted int    `db:"nshortlisted"`
	CreatedAt    string `db:"created_at"`
}

type cellRow struct {
	Cell   int  `db:"cell"`
	NoData bool `db:"nodata"`
	Length int  `db:"length"`
}

type proportionRow struct {
	Cell       int     `db:"cell"`
	Cumulative float64 `db:"cumulative"`
	Dest       int     `db:"dest"`
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS indices (
		fingerprint TEXT PRIMARY KEY,
		coarse_rows INTEGER NOT NULL,
		coarse_cols INTEGER NOT NULL,
		scale INTEGER NOT NULL,
		nshortlisted INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cells (
		fingerprint TEXT NOT NULL,
		cell INTEGER NOT NULL,
		nodata INTEGER NOT NULL,
		length INTEGER NOT NULL,
		PRIMARY KEY (fingerprint, cell)
	);

	CREATE TABLE IF NOT EXISTS proportions (
		fingerprint TEXT NOT NULL,
		cell INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		cumulative REAL NOT NULL,
		dest INTEGER NOT NULL,
		PRIMARY KEY (fingerprint, cell, rank)
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveIndex stores idx under fingerprint, replacing any previous entry.
func (db *DB) SaveIndex(fingerprint string, idx *gravity.Index, nshortlisted int) error {
	start := time.Now()
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteIndex(tx, fingerprint); err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO indices
		(fingerprint, coarse_rows, coarse_cols, scale, nshortlisted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fingerprint, idx.Rows, idx.Cols, idx.Scale, nshortlisted,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("insert index: %w", err)
	}

	cellStmt, err := tx.Preparex(`INSERT INTO cells (fingerprint, cell, nodata, length) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer cellStmt.Close()

	propStmt, err := tx.Preparex(`INSERT INTO proportions
		(fingerprint, cell, rank, cumulative, dest) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer propStmt.Close()

	var entries int
	for c, sl := range idx.Shortlists {
		if _, err := cellStmt.Exec(fingerprint, c, boolInt(sl == nil), len(sl)); err != nil {
			return fmt.Errorf("insert cell %d: %w", c, err)
		}
		for rank, p := range sl {
			if _, err := propStmt.Exec(fingerprint, c, rank, p.Cumulative, p.Index); err != nil {
				return fmt.Errorf("insert cell %d rank %d: %w", c, rank, err)
			}
		}
		entries += len(sl)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("gravity index cached",
		"fingerprint", fingerprint,
		"cells", len(idx.Shortlists),
		"entries", entries,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// LoadIndex returns the index cached under fingerprint, or ErrNotFound.
func (db *DB) LoadIndex(fingerprint string) (*gravity.Index, error) {
	var meta IndexMeta
	err := db.conn.Get(&meta, `SELECT fingerprint, coarse_rows, coarse_cols, scale, nshortlisted, created_at
		FROM indices WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}

	var cells []cellRow
	if err := db.conn.Select(&cells,
		"SELECT cell, nodata, length FROM cells WHERE fingerprint = ? ORDER BY cell", fingerprint,
	); err != nil {
		return nil, fmt.Errorf("load cells: %w", err)
	}
	n := meta.Rows * meta.Cols
	if len(cells) != n {
		return nil, fmt.Errorf("index %s has %d cells, want %d", fingerprint, len(cells), n)
	}

	idx := &gravity.Index{
		Rows:       meta.Rows,
		Cols:       meta.Cols,
		Scale:      meta.Scale,
		Shortlists: make([]gravity.Shortlist, n),
	}
	for _, c := range cells {
		if !c.NoData {
			idx.Shortlists[c.Cell] = make(gravity.Shortlist, 0, c.Length)
		}
	}

	rows, err := db.conn.Queryx(`SELECT cell, cumulative, dest FROM proportions
		WHERE fingerprint = ? ORDER BY cell, rank`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load proportions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p proportionRow
		if err := rows.StructScan(&p); err != nil {
			return nil, fmt.Errorf("scan proportion: %w", err)
		}
		idx.Shortlists[p.Cell] = append(idx.Shortlists[p.Cell], gravity.Proportion{Cumulative: p.Cumulative, Index: p.Dest})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load proportions: %w", err)
	}
	return idx, nil
}

// Indices lists the cached indices, newest first.
func (db *DB) Indices() ([]IndexMeta, error) {
	var metas []IndexMeta
	err := db.conn.Select(&metas,
		"SELECT fingerprint, coarse_rows, coarse_cols, scale, nshortlisted, created_at FROM indices ORDER BY created_at DESC, fingerprint",
	)
	return metas, err
}

// DeleteIndex removes a cached index. Deleting a missing index is not an error.
func (db *DB) DeleteIndex(fingerprint string) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteIndex(tx, fingerprint); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func deleteIndex(tx *sqlx.Tx, fingerprint string) error {
	for _, table := range []string{"proportions", "cells", "indices"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE fingerprint = ?", fingerprint); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}

// LoadOrBuild returns the cached index for key or builds one with build and
// caches it. A nil db always builds.
func LoadOrBuild(db *DB, key IndexKey, build func() (*gravity.Index, error)) (*gravity.Index, bool, error) {
	if db == nil {
		idx, err := build()
		return idx, false, err
	}
	fp := key.Fingerprint()
	idx, err := db.LoadIndex(fp)
	if err == nil {
		slog.Info("gravity index loaded from cache", "fingerprint", fp)
		return idx, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	idx, err = build()
	if err != nil {
		return nil, false, err
	}
	if err := db.SaveIndex(fp, idx, key.NShortlisted); err != nil {
		return nil, false, fmt.Errorf("caching gravity index: %w", err)
	}
	return idx, false, nil
}
