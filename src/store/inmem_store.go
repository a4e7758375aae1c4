package store

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
	cm "github.com/mosaicnetworks/mural/src/common"
)

// InmemStore keeps the history of each object in a RollingIndex. The window
// rolls over at twice its size; callers trim it to the number of versions
// they need.
type InmemStore struct {
	sync.Mutex
	histories *cm.RollingIndexMap
	closed    bool
}

// NewInmemStore returns an InmemStore keeping at least size versions per
// object.
func NewInmemStore(size int) *InmemStore {
	if size < 1 {
		size = 1
	}
	return &InmemStore{
		histories: cm.NewRollingIndexMap("History", size),
	}
}

// Put implements the Store interface.
func (s *InmemStore) Put(objectID uuid.UUID, e Entry) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return cm.NewStoreErr("History", cm.Closed, objectID.String())
	}

	if e.Version.High != 0 {
		return cm.NewStoreErr("History", cm.SkippedIndex, e.Version.String())
	}

	if index, err := s.histories.Index(objectID.String()); err == nil {
		last, err := index.LastIndex()
		if err == nil && e.Version.Low <= last {
			return cm.NewStoreErr("History", cm.KeyAlreadyExists, e.Version.String())
		}
	}

	return s.histories.Set(objectID.String(), e, e.Version.Low)
}

// Get implements the Store interface.
func (s *InmemStore) Get(objectID uuid.UUID, version cm.Uint128) (Entry, error) {
	s.Lock()
	defer s.Unlock()

	if version.High != 0 {
		return Entry{}, cm.NewStoreErr("History", cm.KeyNotFound, version.String())
	}

	item, err := s.histories.GetItem(objectID.String(), version.Low)
	if err != nil {
		return Entry{}, err
	}
	return item.(Entry), nil
}

// Range implements the Store interface.
func (s *InmemStore) Range(objectID uuid.UUID, from, to cm.Uint128) ([]Entry, error) {
	s.Lock()
	defer s.Unlock()

	res := []Entry{}
	if to.Less(from) {
		return res, nil
	}

	index, err := s.histories.Index(objectID.String())
	if err != nil {
		return nil, err
	}

	for v := from; v.LessEq(to); v = v.Inc() {
		item, err := index.GetItem(v.Low)
		if err != nil {
			return nil, err
		}
		res = append(res, item.(Entry))
	}
	return res, nil
}

// Oldest implements the Store interface.
func (s *InmemStore) Oldest(objectID uuid.UUID) (cm.Uint128, error) {
	s.Lock()
	defer s.Unlock()

	index, err := s.histories.Index(objectID.String())
	if err != nil {
		return cm.Uint128{}, err
	}
	first, err := index.FirstIndex()
	if err != nil {
		return cm.Uint128{}, err
	}
	return cm.NewUint128(first), nil
}

// Head implements the Store interface.
func (s *InmemStore) Head(objectID uuid.UUID) (cm.Uint128, error) {
	s.Lock()
	defer s.Unlock()

	index, err := s.histories.Index(objectID.String())
	if err != nil {
		return cm.Uint128{}, err
	}
	last, err := index.LastIndex()
	if err != nil {
		return cm.Uint128{}, err
	}
	return cm.NewUint128(last), nil
}

// Trim implements the Store interface.
func (s *InmemStore) Trim(objectID uuid.UUID, keepFrom cm.Uint128) error {
	s.Lock()
	defer s.Unlock()

	index, err := s.histories.Index(objectID.String())
	if err != nil {
		return err
	}
	if keepFrom.High != 0 {
		return cm.NewStoreErr("History", cm.PassedIndex, strconv.FormatUint(keepFrom.High, 10))
	}
	index.Trim(keepFrom.Low)
	return nil
}

// Delete implements the Store interface.
func (s *InmemStore) Delete(objectID uuid.UUID) error {
	s.Lock()
	defer s.Unlock()
	s.histories.Delete(objectID.String())
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}
