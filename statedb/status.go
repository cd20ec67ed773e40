package statedb

import "time"

// LastCheckForUpdates returns the time of the last system update check, or
// the zero time.
func (db *DB) LastCheckForUpdates() (time.Time, error) {
	return db.getTime(lastCheckForUpdatesKey)
}

func (db *DB) SetLastCheckForUpdates(t time.Time) error {
	return db.setJSON(statusBucket, lastCheckForUpdatesKey, t.UnixMilli())
}

// LastApplicationCheck returns the time of the last application update
// check, or the zero time.
func (db *DB) LastApplicationCheck() (time.Time, error) {
	return db.getTime(lastApplicationCheckKey)
}

func (db *DB) SetLastApplicationCheck(t time.Time) error {
	return db.setJSON(statusBucket, lastApplicationCheckKey, t.UnixMilli())
}

func (db *DB) getTime(key []byte) (time.Time, error) {
	var millis int64

	found, err := db.getJSON(statusBucket, key, &millis)
	if err != nil || !found {
		return time.Time{}, err
	}

	return time.UnixMilli(millis), nil
}

// TargetVersion returns the version pinned for remote updates, or an empty
// string.
func (db *DB) TargetVersion() (string, error) {
	var version string

	_, err := db.getJSON(statusBucket, targetVersionKey, &version)

	return version, err
}

func (db *DB) SetTargetVersion(version string) error {
	if version == "" {
		return db.deleteKey(statusBucket, targetVersionKey)
	}

	return db.setJSON(statusBucket, targetVersionKey, version)
}
