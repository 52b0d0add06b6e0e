package store_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/store"
)

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		db  *store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		// Each spec gets its own named in-memory database so specs don't
		// interfere with one another.
		db, err = store.Open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", GinkgoT().Name()))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })
	})

	movie := func(backend, remoteID, imdb string, watched bool, updated int64) entity.State {
		s, err := entity.New(entity.NewStateInput{
			Type: entity.KindMovie, Backend: backend, RemoteID: remoteID,
			GUIDs: entity.GUIDs{"imdb": imdb}, Watched: watched, Updated: updated,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	It("upserts a new state and assigns an id", func() {
		id, created, err := db.Upsert(ctx, movie("home_plex", "1", "tt1", true, 100))
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		Expect(id).NotTo(BeZero())
	})

	It("round-trips a state through Get", func() {
		id, _, err := db.Upsert(ctx, movie("home_plex", "1", "tt1", true, 100))
		Expect(err).NotTo(HaveOccurred())

		got, err := db.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Watched).To(BeTrue())
		Expect(got.GUIDs).To(HaveKeyWithValue("imdb", "tt1"))
		Expect(got.Via).To(Equal("home_plex"))
	})

	It("finds a state by one of its identity pointers", func() {
		id, _, err := db.Upsert(ctx, movie("home_plex", "1", "tt1160419", true, 100))
		Expect(err).NotTo(HaveOccurred())

		found, err := db.FindByPointers(ctx, []string{"imdb://tt1160419"})
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(HaveLen(1))
		Expect(found[0].ID).To(Equal(id))
	})

	It("updating an existing id replaces the row rather than duplicating it", func() {
		s := movie("home_plex", "1", "tt1", false, 1)
		id, _, err := db.Upsert(ctx, s)
		Expect(err).NotTo(HaveOccurred())

		s.ID = id
		s.Watched = true
		s.Updated = 2
		_, created, err := db.Upsert(ctx, s)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeFalse())

		got, err := db.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Watched).To(BeTrue())
	})

	It("deletes a state and its pointer index", func() {
		id, _, err := db.Upsert(ctx, movie("home_plex", "1", "tt1", false, 1))
		Expect(err).NotTo(HaveOccurred())
		Expect(db.Delete(ctx, id)).To(Succeed())

		found, err := db.FindByPointers(ctx, []string{"imdb://tt1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeEmpty())
	})

	It("pages results filtered by updated-after, newest first", func() {
		_, _, _ = db.Upsert(ctx, movie("home_plex", "1", "tt1", false, 10))
		_, _, _ = db.Upsert(ctx, movie("home_plex", "2", "tt2", false, 20))
		_, _, _ = db.Upsert(ctx, movie("home_plex", "3", "tt3", false, 30))

		states, total, err := db.Page(ctx, store.Filter{UpdatedAfter: 10}, store.Sort{Field: "updated", Desc: true}, 10, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(2))
		Expect(states).To(HaveLen(2))
		Expect(states[0].Updated).To(Equal(int64(30)))
	})

	It("parity lists states below the minimum backend-metadata count", func() {
		_, _, _ = db.Upsert(ctx, movie("home_plex", "1", "tt1", false, 1))

		two, err := entity.New(entity.NewStateInput{
			Type: entity.KindMovie, Backend: "home_plex", RemoteID: "2",
			GUIDs: entity.GUIDs{"imdb": "tt2"}, Updated: 1,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		merged := entity.Merge(two, func() entity.State {
			s, _ := entity.New(entity.NewStateInput{
				Type: entity.KindMovie, Backend: "home_jellyfin", RemoteID: "2b",
				GUIDs: entity.GUIDs{"imdb": "tt2"}, Updated: 2,
			}, nil)
			return s
		}(), nil)
		_, _, err = db.Upsert(ctx, merged)
		Expect(err).NotTo(HaveOccurred())

		thin, err := db.Parity(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(thin).To(HaveLen(1))
		Expect(thin[0].GUIDs).To(HaveKeyWithValue("imdb", "tt1"))
	})
})
