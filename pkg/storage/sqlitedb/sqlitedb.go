// Package sqlitedb provides a sqlite-backed DataSource. It suits clients
// that already ship sqlite for their own state and want credential storage
// in the same file, with schema managed by embedded migrations.
package sqlitedb

import (
	"database/sql"
	"errors"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/gatewise/mag/pkg/storage"
	"github.com/gatewise/mag/pkg/storage/sqlitedb/migrations"
)

const backendName = "sqlite"

// Store is a sqlite-backed DataSource.
type Store struct {
	db *sql.DB
}

// Open opens the database at dsn and applies any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewError(backendName, "open", err)
	}

	// A single writer keeps kv updates serialized; sqlite would otherwise
	// return SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, storage.NewError(backendName, "migrate", err)
	}
	return s, nil
}

// applyMigrations runs the embedded schema migrations against the open
// database, in the same way the gateway side manages its own schema.
func (s *Store) applyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", src, "", driver)
	if err != nil {
		return err
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Get(key string) ([]byte, error) {
	if s.db == nil {
		return nil, storage.ErrNotReady
	}

	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewError(backendName, "get", err)
	}
	return v, nil
}

func (s *Store) Put(key string, value []byte) error {
	if s.db == nil {
		return storage.ErrNotReady
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (k, v, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return storage.NewError(backendName, "put", err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if s.db == nil {
		return storage.ErrNotReady
	}

	if _, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key); err != nil {
		return storage.NewError(backendName, "delete", err)
	}
	return nil
}

// likeEscaper neutralizes the LIKE wildcard characters in a key prefix.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `_`, `\_`, `%`, `\%`)

func (s *Store) Keys(prefix string) ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrNotReady
	}

	// LIKE treats _ and % as wildcards; gateway identities contain neither
	// today, but escape them so a prefix always matches literally.
	escaped := likeEscaper.Replace(prefix)
	rows, err := s.db.Query(`SELECT k FROM kv WHERE k LIKE ? || '%' ESCAPE '\'`, escaped)
	if err != nil {
		return nil, storage.NewError(backendName, "keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storage.NewError(backendName, "keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewError(backendName, "keys", err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Ready() bool {
	if s == nil || s.db == nil {
		return false
	}
	return s.db.Ping() == nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
