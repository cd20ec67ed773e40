// Package statedb persists volatile daemon state in a bbolt database.
package statedb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"
)

const dbFileName = "softwared.db"

var (
	statusBucket = []byte("status")

	lastCheckForUpdatesKey  = []byte("lastCheckForUpdates")
	lastApplicationCheckKey = []byte("lastApplicationCheck")
	targetVersionKey        = []byte("targetVersion")
)

type DB struct {
	*bbolt.DB
}

// Open opens or creates the state database in dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Errorf("could not create data dir %s: %v", dataDir, err)
	}

	bdb, err := bbolt.Open(filepath.Join(dataDir, dbFileName), 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errors.Errorf("could not open state database: %v", err)
	}

	db := &DB{DB: bdb}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Errorf("could not initialize state database: %v", err)
	}

	return db, nil
}
