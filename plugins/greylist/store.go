package greylist

import (
	"database/sql"
	"os"
	"path/filepath"
	"syscall"

	_ "modernc.org/sqlite"
)

// DBFile is the store's file name inside the database directory.
const DBFile = "hash_greylist.dbm"

// Store is the on-disk key-value store shared by every worker on the
// host. An exclusive advisory lock on a companion lock file is held for
// the whole lifetime of the handle; Close releases it on every path.
type Store struct {
	db   *sql.DB
	lock *os.File
}

// OpenStore locks and opens (creating if needed) the store in dir.
func OpenStore(dir string) (*Store, error) {
	lock, err := os.OpenFile(filepath.Join(dir, DBFile+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		_ = lock.Close()
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, DBFile))
	if err == nil {
		_, err = db.Exec(`create table if not exists kv (k text primary key, v text)`)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		_ = lock.Close()
		return nil, err
	}

	return &Store{db: db, lock: lock}, nil
}

// Get returns the value stored under k.
func (s *Store) Get(k string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`select v from kv where k = ?`, k).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Put stores v under k, replacing any previous value.
func (s *Store) Put(k, v string) error {
	_, err := s.db.Exec(`insert into kv (k, v) values (?, ?) on conflict(k) do update set v = excluded.v`, k, v)
	return err
}

// Delete removes k.
func (s *Store) Delete(k string) error {
	_, err := s.db.Exec(`delete from kv where k = ?`, k)
	return err
}

// Each calls fn for every key in the store.
func (s *Store) Each(fn func(k, v string) error) error {
	rows, err := s.db.Query(`select k, v from kv`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the store and releases the advisory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	_ = syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN)
	if cerr := s.lock.Close(); err == nil {
		err = cerr
	}
	return err
}
