package mapper_test

import (
	"context"

	"github.com/watchstate/syncengine/entity"
)

// fakeStore is an in-memory stand-in for store.Store used to test Mapper and
// DirectMapper in isolation from the real sqlite-backed implementation.
type fakeStore struct {
	rows   map[int64]entity.State
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]entity.State)}
}

func (f *fakeStore) FindByPointers(_ context.Context, pointers []string) ([]entity.State, error) {
	want := make(map[string]bool, len(pointers))
	for _, p := range pointers {
		want[p] = true
	}
	var out []entity.State
	for _, s := range f.rows {
		for _, p := range s.Pointers() {
			if want[p] {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, s entity.State) (int64, bool, error) {
	if s.ID != 0 {
		f.rows[s.ID] = s
		return s.ID, false, nil
	}
	f.nextID++
	s.ID = f.nextID
	f.rows[s.ID] = s
	return s.ID, true, nil
}
