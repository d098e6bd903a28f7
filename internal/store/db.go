package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the local message table and the
// key-value table.
type DB struct {
	*sql.DB
	avatars *AvatarCache
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the database lock up front so that concurrent
// state transitions on the same row are serialized.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// Verify connection.
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, &StorageError{Op: "ping", Err: fmt.Errorf("ping db: %w", err)}
	}
	db := &DB{DB: sqlDB}
	db.avatars = newAvatarCache(db)
	return db, nil
}

// Avatars returns the avatar cache backed by this database.
func (db *DB) Avatars() *AvatarCache {
	return db.avatars
}
