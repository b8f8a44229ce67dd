package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
)`

// SQLiteDB keeps records in a single key/value table using the pure-Go
// modernc.org/sqlite driver.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) the database file at path.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

const sqliteUpsert = `INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`

func (s *SQLiteDB) Put(key []byte, value []byte) error {
	_, err := s.db.Exec(sqliteUpsert, key, value)
	return err
}

func (s *SQLiteDB) PutBatch(pairs []KV) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(sqliteUpsert)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, kv := range pairs {
		if _, err := stmt.Exec(kv.Key, kv.Value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteDB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *SQLiteDB) Delete(key []byte) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key)
	return err
}

func (s *SQLiteDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	rows, err := s.db.Query(`SELECT k, v FROM kv WHERE substr(k, 1, ?) = ? ORDER BY k`, len(prefix), prefix)
	if err != nil {
		return err
	}
	type pair struct{ k, v []byte }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.k, &p.v); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
