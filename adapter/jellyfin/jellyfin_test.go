package jellyfin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/adapter/jellyfin"
)

var _ = Describe("Adapter", func() {
	var srv *httptest.Server
	var a *jellyfin.Adapter

	newAdapter := func(handler http.HandlerFunc) {
		srv = httptest.NewServer(handler)
		a = jellyfin.New(adapter.Context{
			Backend: "home_jellyfin",
			BaseURL: srv.URL,
			Token:   "tok",
			UserID:  "u1",
		})
	}

	AfterEach(func() {
		if srv != nil {
			srv.Close()
		}
	})

	It("lists libraries and flags supported collection types", func() {
		newAdapter(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/Library/VirtualFolders"))
			Expect(r.Header.Get("X-Emby-Token")).To(Equal("tok"))
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"ItemId": "1", "Name": "Movies", "CollectionType": "movies"},
				{"ItemId": "2", "Name": "Photos", "CollectionType": "photos"},
			})
		})

		res := a.ListLibraries(context.Background())
		Expect(res.OK).To(BeTrue())
		Expect(res.Value).To(HaveLen(2))
		Expect(res.Value[0].IsSupported).To(BeTrue())
		Expect(res.Value[1].IsSupported).To(BeFalse())
	})

	It("streams a library page and expands provider ids into guids", func() {
		newAdapter(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/Users/u1/Items"))
			Expect(r.URL.Query().Get("ParentId")).To(Equal("lib1"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"Items": []map[string]any{
					{
						"Id": "42", "Name": "Arrival", "Type": "Movie", "ProductionYear": 2016,
						"ProviderIds": map[string]string{"Imdb": "tt2543164"},
						"UserData":    map[string]any{"Played": true},
					},
				},
				"TotalRecordCount": 1,
			})
		})

		res := a.GetLibraryPage(context.Background(), adapter.PageOptions{LibraryID: "lib1", Limit: 100})
		Expect(res.OK).To(BeTrue())
		Expect(res.Value.TotalRecordCount).To(Equal(1))
		Expect(res.Value.Items).To(HaveLen(1))
		Expect(res.Value.Items[0].GUIDs).To(HaveKeyWithValue("imdb", "tt2543164"))
		Expect(res.Value.Items[0].Watched).To(BeTrue())
	})

	It("parses an ItemAdded webhook into a watched, untainted state", func() {
		newAdapter(func(w http.ResponseWriter, r *http.Request) {})
		body, _ := json.Marshal(map[string]any{
			"NotificationType": "ItemAdded",
			"ItemId":           "99",
			"ItemType":         "Movie",
			"Name":             "Arrival",
			"Year":             2016,
			"Provider_imdb":    "tt2543164",
			"UserId":           "u1",
			"ServerId":         "srv-uuid",
		})

		res := a.ParseWebhook(adapter.WebhookRequest{Body: body})
		Expect(res.OK).To(BeTrue())
		Expect(res.Value.Watched).To(BeTrue())
		Expect(res.Value.Tainted).To(BeFalse())
		Expect(res.Value.GUIDs).To(HaveKeyWithValue("imdb", "tt2543164"))
	})

	It("parses a PlaybackProgress webhook as tainted and not watched", func() {
		newAdapter(func(w http.ResponseWriter, r *http.Request) {})
		body, _ := json.Marshal(map[string]any{
			"NotificationType":      "PlaybackProgress",
			"ItemId":                "99",
			"ItemType":              "Movie",
			"Name":                  "Arrival",
			"Provider_imdb":         "tt2543164",
			"PlaybackPositionTicks": 12000000,
			"UserId":                "u1",
			"ServerId":              "srv-uuid",
		})

		res := a.ParseWebhook(adapter.WebhookRequest{Body: body})
		Expect(res.OK).To(BeTrue())
		Expect(res.Value.Tainted).To(BeTrue())
		Expect(res.Value.Watched).To(BeFalse())
		Expect(*res.Value.Progress).To(Equal(int64(1200)))
	})

	It("inspects a webhook request for user and backend identity", func() {
		newAdapter(func(w http.ResponseWriter, r *http.Request) {})
		body, _ := json.Marshal(map[string]any{
			"NotificationType": "PlaybackStart",
			"ItemId":           "99",
			"UserId":           "u1",
			"ServerId":         "srv-uuid",
		})

		res := a.InspectRequest(adapter.WebhookRequest{Body: body})
		Expect(res.OK).To(BeTrue())
		Expect(res.Value.UserID).To(Equal("u1"))
		Expect(res.Value.BackendID).To(Equal("srv-uuid"))
	})

	It("reports a parsed version", func() {
		newAdapter(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"Id": "srv-uuid", "Version": "10.9.3"})
		})

		res := a.GetVersion(context.Background())
		Expect(res.OK).To(BeTrue())
		Expect(res.Value.AtLeast(adapter.Semver{Major: 10, Minor: 9})).To(BeTrue())
	})
})
