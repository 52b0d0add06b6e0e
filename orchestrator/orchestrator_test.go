package orchestrator_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"time"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/health"
	"github.com/watchstate/syncengine/orchestrator"
	"github.com/watchstate/syncengine/queue"
	"github.com/watchstate/syncengine/store"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx context.Context
		db  *store.Store
		o   *orchestrator.Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = store.Open(ctx, "file:"+GinkgoT().Name()+"?mode=memory&cache=shared")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })
		o = orchestrator.New(db, queue.Config{Workers: 2}, nil)
	})

	It("imports a backend's library into the store", func() {
		fa := newFakeAdapter("home_plex")
		fa.libraries = []adapter.Library{{ID: "1", Name: "Movies", Type: "movie", IsSupported: true}}
		fa.pages["1"] = []adapter.RawItem{
			{RemoteID: "100", Type: entity.KindMovie, Title: "Arrival", GUIDs: entity.GUIDs{"imdb": "tt2543164"}, Watched: true},
		}

		report := o.Import(ctx, []orchestrator.Backend{{Name: "home_plex", Adapter: fa, ImportEnabled: true}})
		Expect(report.Backends["home_plex"].Imported).To(Equal(1))
		Expect(report.Backends["home_plex"].HasErrors).To(BeFalse())

		found, err := db.FindByPointers(ctx, []string{"imdb://tt2543164"})
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(HaveLen(1))
		Expect(found[0].Watched).To(BeTrue())
	})

	It("expands a multi-episode file into individual episode records", func() {
		fa := newFakeAdapter("home_jellyfin")
		fa.libraries = []adapter.Library{{ID: "1", Name: "Shows", Type: "show", IsSupported: true}}
		fa.pages["1"] = []adapter.RawItem{
			{
				RemoteID: "200", Type: entity.KindEpisode, Title: "Double Episode",
				Season: 1, Episode: 1, IndexNumberEnd: 2,
				ParentGUIDs: entity.GUIDs{"tvdb": "12345"},
			},
		}

		report := o.Import(ctx, []orchestrator.Backend{{Name: "home_jellyfin", Adapter: fa, ImportEnabled: true}})
		Expect(report.Backends["home_jellyfin"].Imported).To(Equal(2))
	})

	It("skips a backend that was never enabled for import", func() {
		fa := newFakeAdapter("home_emby")
		report := o.Import(ctx, []orchestrator.Backend{{Name: "home_emby", Adapter: fa, ImportEnabled: false}})
		Expect(report.Backends["home_emby"].Imported).To(Equal(0))
	})

	It("exports a push for a state whose canonical watched flag disagrees with the backend", func() {
		fa := newFakeAdapter("home_plex")

		s, err := entity.New(entity.NewStateInput{
			Type: entity.KindMovie, Backend: "home_plex", RemoteID: "100",
			GUIDs: entity.GUIDs{"imdb": "tt2543164"}, Watched: false,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		s.Watched = true // canonical says watched; backend's own metadata still says false

		report := o.Export(ctx, []orchestrator.Backend{{Name: "home_plex", Adapter: fa, ExportEnabled: true}}, []entity.State{s})
		Expect(report.Backends["home_plex"].Exported).To(Equal(1))
		Expect(fa.pushed).To(HaveLen(1))
	})

	It("pages a large library in SEGMENT_SIZE-sized requests (S6)", func() {
		fa := newFakeAdapter("home_plex")
		fa.libraries = []adapter.Library{{ID: "1", Name: "Movies", Type: "movie", IsSupported: true}}
		items := make([]adapter.RawItem, 2350)
		for i := range items {
			items[i] = adapter.RawItem{
				RemoteID: fmt.Sprintf("%d", i),
				Type:     entity.KindMovie,
				Title:    fmt.Sprintf("Movie %d", i),
				GUIDs:    entity.GUIDs{"tmdb": fmt.Sprintf("%d", i+1)},
			}
		}
		fa.pages["1"] = items

		report := o.Import(ctx, []orchestrator.Backend{{Name: "home_plex", Adapter: fa, ImportEnabled: true, SegmentSize: 1000}})
		Expect(report.Backends["home_plex"].Imported).To(Equal(2350))

		Expect(fa.pageCalls).To(HaveLen(3))
		Expect(fa.pageCalls[0].StartIndex).To(Equal(0))
		Expect(fa.pageCalls[0].Limit).To(Equal(1000))
		Expect(fa.pageCalls[1].StartIndex).To(Equal(1000))
		Expect(fa.pageCalls[2].StartIndex).To(Equal(2000))
	})

	It("exports a push to a backend found by SearchByGUID that never reported this item", func() {
		fa := newFakeAdapter("home_jellyfin")
		fa.searchResults = []adapter.RawItem{{RemoteID: "900"}}

		s, err := entity.New(entity.NewStateInput{
			Type: entity.KindMovie, Backend: "home_plex", RemoteID: "100",
			GUIDs: entity.GUIDs{"imdb": "tt2543164"}, Watched: true,
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		report := o.Export(ctx, []orchestrator.Backend{{Name: "home_jellyfin", Adapter: fa, ExportEnabled: true}}, []entity.State{s})
		Expect(report.Backends["home_jellyfin"].Exported).To(Equal(1))
		Expect(fa.pushed).To(HaveLen(1))
	})

	It("skips export to a backend absent from metadata when SearchByGUID finds nothing", func() {
		fa := newFakeAdapter("home_jellyfin")

		s, err := entity.New(entity.NewStateInput{
			Type: entity.KindMovie, Backend: "home_plex", RemoteID: "100",
			GUIDs: entity.GUIDs{"imdb": "tt2543164"}, Watched: true,
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		report := o.Export(ctx, []orchestrator.Backend{{Name: "home_jellyfin", Adapter: fa, ExportEnabled: true}}, []entity.State{s})
		Expect(report.Backends["home_jellyfin"].Exported).To(Equal(0))
		Expect(fa.pushed).To(BeEmpty())
	})

	It("skips an import-enabled backend that the health checker reports as unavailable", func() {
		fa := newFakeAdapter("home_plex")
		fa.libraries = []adapter.Library{{ID: "1", Name: "Movies", Type: "movie", IsSupported: true}}
		fa.pages["1"] = []adapter.RawItem{
			{RemoteID: "100", Type: entity.KindMovie, Title: "Arrival", GUIDs: entity.GUIDs{"imdb": "tt2543164"}},
		}

		hc := health.New([]health.Backend{{Name: "home_plex", Adapter: fa}}, time.Hour, nil)
		hc.RecordFailure("home_plex")
		hc.RecordFailure("home_plex")
		hc.RecordFailure("home_plex")
		hc.RecordFailure("home_plex")
		hc.RecordFailure("home_plex")
		Expect(hc.IsAvailable("home_plex")).To(BeFalse())
		o.SetHealthChecker(hc)

		report := o.Import(ctx, []orchestrator.Backend{{Name: "home_plex", Adapter: fa, ImportEnabled: true}})
		Expect(report.Backends["home_plex"].Imported).To(Equal(0))
		Expect(report.Backends["home_plex"].Skipped).To(Equal(1))
	})

	It("reports parity for thin records", func() {
		fa := newFakeAdapter("home_plex")
		fa.libraries = []adapter.Library{{ID: "1", Name: "Movies", Type: "movie", IsSupported: true}}
		fa.pages["1"] = []adapter.RawItem{
			{RemoteID: "100", Type: entity.KindMovie, Title: "Arrival", GUIDs: entity.GUIDs{"imdb": "tt2543164"}},
		}
		o.Import(ctx, []orchestrator.Backend{{Name: "home_plex", Adapter: fa, ImportEnabled: true}})

		thin, err := o.Parity(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(thin).To(HaveLen(1))
	})
})
