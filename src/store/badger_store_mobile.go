//go:build mobile
// +build mobile

package store

import (
	"github.com/google/uuid"
	"github.com/jonknight73/badger"
	badger_options "github.com/jonknight73/badger/options"
	cm "github.com/mosaicnetworks/mural/src/common"
	"github.com/sirupsen/logrus"
)

// BadgerStore persists the version history of master objects in a Badger
// database. On mobile the tables and value log are loaded with file IO.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore opens an existing database or creates a new one if nothing is
// found in path.
func NewBadgerStore(cacheSize int, path string, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithTruncate(true).
		WithTableLoadingMode(badger_options.FileIO).
		WithValueLogLoadingMode(badger_options.FileIO)

	if logger != nil {
		sub := logger.WithFields(logrus.Fields{"ns": "badger"})
		opts = opts.WithLogger(sub)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		inmemStore: NewInmemStore(cacheSize),
		db:         handle,
		path:       path,
	}, nil
}

//==============================================================================
//Implement the Store interface

// Put implements the Store interface.
func (s *BadgerStore) Put(objectID uuid.UUID, e Entry) error {
	head, err := s.dbHead(objectID)
	switch {
	case err == nil && e.Version.LessEq(head):
		return cm.NewStoreErr("History", cm.KeyAlreadyExists, e.Version.String())
	case err == nil && e.Version != head.Inc():
		return cm.NewStoreErr("History", cm.SkippedIndex, e.Version.String())
	case err != nil && !cm.IsStore(err, cm.Empty):
		return err
	}

	if err := s.dbPut(objectID, e); err != nil {
		return err
	}

	// the cache may lag behind after a restart; start it over
	if err := s.inmemStore.Put(objectID, e); err != nil {
		s.inmemStore.Delete(objectID)
		return s.inmemStore.Put(objectID, e)
	}
	return nil
}

// Get implements the Store interface.
func (s *BadgerStore) Get(objectID uuid.UUID, version cm.Uint128) (Entry, error) {
	e, err := s.inmemStore.Get(objectID, version)
	if err == nil {
		return e, nil
	}
	return s.dbGet(objectID, version)
}

// Range implements the Store interface.
func (s *BadgerStore) Range(objectID uuid.UUID, from, to cm.Uint128) ([]Entry, error) {
	if res, err := s.inmemStore.Range(objectID, from, to); err == nil {
		return res, nil
	}

	res := []Entry{}
	for v := from; v.LessEq(to); v = v.Inc() {
		e, err := s.dbGet(objectID, v)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// Oldest implements the Store interface.
func (s *BadgerStore) Oldest(objectID uuid.UUID) (cm.Uint128, error) {
	return s.dbBoundary(objectID, false)
}

// Head implements the Store interface.
func (s *BadgerStore) Head(objectID uuid.UUID) (cm.Uint128, error) {
	return s.dbHead(objectID)
}

// Trim implements the Store interface.
func (s *BadgerStore) Trim(objectID uuid.UUID, keepFrom cm.Uint128) error {
	head, err := s.dbHead(objectID)
	if err != nil {
		return err
	}
	if head.Less(keepFrom) {
		keepFrom = head
	}

	if err := s.inmemStore.Trim(objectID, keepFrom); err != nil && !cm.IsStore(err, cm.KeyNotFound) {
		return err
	}

	return s.dbDeleteRange(objectID, versionKey(objectID, keepFrom))
}

// Delete implements the Store interface.
func (s *BadgerStore) Delete(objectID uuid.UUID) error {
	s.inmemStore.Delete(objectID)
	return s.dbDeleteRange(objectID, nil)
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	if err := s.inmemStore.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

//==============================================================================
//DB Methods

func (s *BadgerStore) dbPut(objectID uuid.UUID, e Entry) error {
	val, err := e.Marshal()
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(versionKey(objectID, e.Version), val); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *BadgerStore) dbGet(objectID uuid.UUID, version cm.Uint128) (Entry, error) {
	key := versionKey(objectID, version)

	var entryBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		entryBytes, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return Entry{}, mapError(err, "History", string(key))
	}

	var e Entry
	if err := e.Unmarshal(entryBytes); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *BadgerStore) dbHead(objectID uuid.UUID) (cm.Uint128, error) {
	return s.dbBoundary(objectID, true)
}

// dbBoundary returns the oldest or the newest version of an object.
func (s *BadgerStore) dbBoundary(objectID uuid.UUID, newest bool) (cm.Uint128, error) {
	prefix := objectKeyPrefix(objectID)

	var version cm.Uint128
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = newest
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if newest {
			seek = append(append([]byte{}, prefix...), 0xff)
		}

		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		var err error
		version, err = parseVersionKey(it.Item().Key(), prefix)
		found = err == nil
		return err
	})
	if err != nil {
		return cm.Uint128{}, err
	}
	if !found {
		return cm.Uint128{}, cm.NewStoreErr("History", cm.Empty, objectID.String())
	}
	return version, nil
}

// dbDeleteRange deletes the versions of an object whose key is lower than
// until, or all of them when until is nil.
func (s *BadgerStore) dbDeleteRange(objectID uuid.UUID, until []byte) error {
	prefix := objectKeyPrefix(objectID)

	keys := [][]byte{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if until != nil && string(key) >= string(until) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	for _, key := range keys {
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func isDBKeyNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}
