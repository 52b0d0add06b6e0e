package emby_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/adapter/emby"
)

var _ = Describe("Adapter", func() {
	It("identifies itself as emby and reuses the jellyfin request shape", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/Library/VirtualFolders"))
			Expect(r.Header.Get("X-Emby-Token")).To(Equal("tok"))
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"ItemId": "1", "Name": "Movies", "CollectionType": "movies"},
			})
		}))
		defer srv.Close()

		a := emby.New(adapter.Context{Backend: "home_emby", BaseURL: srv.URL, Token: "tok", UserID: "u1"})
		Expect(a.Name()).To(Equal("emby"))

		res := a.ListLibraries(context.Background())
		Expect(res.OK).To(BeTrue())
		Expect(res.Value).To(HaveLen(1))
	})

	It("does not gate Progress on server version", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"Id": "srv-uuid", "Version": "4.7.0"})
		}))
		defer srv.Close()

		a := emby.New(adapter.Context{Backend: "home_emby", BaseURL: srv.URL, Token: "tok", UserID: "u1"})
		res := a.Progress(context.Background(), nil, nil)
		Expect(res.OK).To(BeTrue())
	})
})
