// Package store provides the durable collaborators of the connection core:
// a BadgerDB-backed message log and user directory, and a filesystem
// attachment store.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Open opens (or creates) the BadgerDB instance backing the message log and
// the user directory. The caller owns the returned handle and must Close it.
func Open(path string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %s: %w", path, err)
	}
	return db, nil
}
