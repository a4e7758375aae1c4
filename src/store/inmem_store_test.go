package store

import (
	"testing"

	"github.com/google/uuid"
	cm "github.com/mosaicnetworks/mural/src/common"
)

func testEntry(v uint64) Entry {
	return Entry{
		Version:  cm.NewUint128(v),
		Snapshot: []byte{byte(v), 's'},
		Delta:    []byte{byte(v), 'd'},
	}
}

func fillStore(t *testing.T, s Store, objectID uuid.UUID, from, to uint64) {
	for v := from; v <= to; v++ {
		if err := s.Put(objectID, testEntry(v)); err != nil {
			t.Fatalf("Put %d: %v", v, err)
		}
	}
}

func checkStore(t *testing.T, s Store) {
	obj := uuid.New()

	if _, err := s.Head(obj); err == nil {
		t.Fatalf("Head of an unknown object should fail")
	}

	fillStore(t, s, obj, 0, 5)

	if err := s.Put(obj, testEntry(3)); !cm.IsStore(err, cm.KeyAlreadyExists) {
		t.Fatalf("Put of an old version should fail with KeyAlreadyExists, got %v", err)
	}
	if err := s.Put(obj, testEntry(8)); !cm.IsStore(err, cm.SkippedIndex) {
		t.Fatalf("Put of a gap should fail with SkippedIndex, got %v", err)
	}

	head, err := s.Head(obj)
	if err != nil {
		t.Fatal(err)
	}
	if head != cm.NewUint128(5) {
		t.Fatalf("Head should be 5, not %v", head)
	}

	oldest, err := s.Oldest(obj)
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.IsZero() {
		t.Fatalf("Oldest should be 0, not %v", oldest)
	}

	e, err := s.Get(obj, cm.NewUint128(4))
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != cm.NewUint128(4) || string(e.Snapshot) != string([]byte{4, 's'}) {
		t.Fatalf("Get returned the wrong entry: %+v", e)
	}

	entries, err := s.Range(obj, cm.NewUint128(2), cm.NewUint128(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("Range should return 4 entries, not %d", len(entries))
	}
	for i, e := range entries {
		if e.Version != cm.NewUint128(uint64(2+i)) {
			t.Fatalf("entries[%d] should be version %d, not %v", i, 2+i, e.Version)
		}
	}

	if err := s.Trim(obj, cm.NewUint128(3)); err != nil {
		t.Fatal(err)
	}
	oldest, _ = s.Oldest(obj)
	if oldest != cm.NewUint128(3) {
		t.Fatalf("Oldest should be 3 after Trim, not %v", oldest)
	}
	if _, err := s.Get(obj, cm.NewUint128(2)); err == nil {
		t.Fatalf("Get of a trimmed version should fail")
	}

	if err := s.Trim(obj, cm.NewUint128(100)); err != nil {
		t.Fatal(err)
	}
	oldest, _ = s.Oldest(obj)
	head, _ = s.Head(obj)
	if oldest != head || head != cm.NewUint128(5) {
		t.Fatalf("Trim should keep the newest version, got %v..%v", oldest, head)
	}

	fillStore(t, s, obj, 6, 7)

	if err := s.Delete(obj); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Head(obj); err == nil {
		t.Fatalf("Head should fail after Delete")
	}

	fillStore(t, s, obj, 0, 1)
}

func TestInmemStore(t *testing.T) {
	s := NewInmemStore(10)
	checkStore(t, s)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(uuid.New(), testEntry(0)); !cm.IsStore(err, cm.Closed) {
		t.Fatalf("Put after Close should fail with Closed, got %v", err)
	}
}

func TestInmemStoreRoll(t *testing.T) {
	s := NewInmemStore(3)
	obj := uuid.New()

	fillStore(t, s, obj, 0, 6)

	oldest, err := s.Oldest(obj)
	if err != nil {
		t.Fatal(err)
	}
	if oldest != cm.NewUint128(3) {
		t.Fatalf("Oldest should be 3 after rolling, not %v", oldest)
	}
	if _, err := s.Get(obj, cm.NewUint128(1)); !cm.IsStore(err, cm.TooLate) {
		t.Fatalf("Get of a rolled version should fail with TooLate, got %v", err)
	}
}

func TestEntryMarshal(t *testing.T) {
	e := testEntry(7)
	data, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var out Entry
	if err := out.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if out.Version != e.Version || string(out.Delta) != string(e.Delta) {
		t.Fatalf("Unmarshal returned %+v, expected %+v", out, e)
	}
}
