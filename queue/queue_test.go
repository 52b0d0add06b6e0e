package queue_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/watchstate/syncengine/queue"
)

var _ = Describe("Queue", func() {
	It("invokes OnSuccess for a successful request and updates stats", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		q := queue.New(queue.Config{Workers: 2})
		var succeeded atomic.Int32
		q.Submit(context.Background(), queue.Request{
			Method: http.MethodGet,
			URL:    srv.URL,
			Tag:    "home_plex",
			OnSuccess: func(resp *http.Response) {
				succeeded.Add(1)
			},
		})
		q.Wait()

		Expect(succeeded.Load()).To(Equal(int32(1)))
		stats := q.Stats()["home_plex"]
		Expect(stats.Succeeded).To(Equal(int64(1)))
		Expect(stats.Failed).To(Equal(int64(0)))
	})

	It("retries a transient 503 and eventually reports failure if it never recovers", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		q := queue.New(queue.Config{Workers: 1, MaxAttempts: 2})
		var failed atomic.Int32
		q.Submit(context.Background(), queue.Request{
			Method: http.MethodGet,
			URL:    srv.URL,
			Tag:    "home_jellyfin",
			OnError: func(err error) {
				failed.Add(1)
			},
		})
		q.Wait()

		Expect(failed.Load()).To(Equal(int32(1)))
		stats := q.Stats()["home_jellyfin"]
		Expect(stats.Failed).To(Equal(int64(1)))
	})

	It("serializes requests within the same tag in submission order", func() {
		var order []int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		q := queue.New(queue.Config{Workers: 4})
		for i := 0; i < 5; i++ {
			i := i
			q.Submit(context.Background(), queue.Request{
				Method: http.MethodGet,
				URL:    srv.URL,
				Tag:    "home_emby",
				OnSuccess: func(resp *http.Response) {
					order = append(order, i)
				},
			})
		}
		q.Wait()

		Expect(order).To(Equal([]int{0, 1, 2, 3, 4}))
	})

	It("runs different tags concurrently without cross-tag serialization", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		q := queue.New(queue.Config{Workers: 4})
		var aDone, bDone atomic.Bool
		q.Submit(context.Background(), queue.Request{Method: http.MethodGet, URL: srv.URL, Tag: "a", OnSuccess: func(*http.Response) { aDone.Store(true) }})
		q.Submit(context.Background(), queue.Request{Method: http.MethodGet, URL: srv.URL, Tag: "b", OnSuccess: func(*http.Response) { bDone.Store(true) }})
		q.Wait()

		Expect(aDone.Load()).To(BeTrue())
		Expect(bDone.Load()).To(BeTrue())
	})

	It("hard-aborts an in-flight request GraceOnCancel after the caller cancels", func() {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer func() {
			close(release)
			srv.Close()
		}()

		q := queue.New(queue.Config{Workers: 1, GraceOnCancel: 50 * time.Millisecond, MaxAttempts: 1})
		submitCtx, cancel := context.WithCancel(context.Background())
		var failed atomic.Bool
		start := time.Now()
		q.Submit(submitCtx, queue.Request{
			Method: http.MethodGet,
			URL:    srv.URL,
			Tag:    "home_plex",
			OnError: func(err error) {
				failed.Store(true)
			},
		})
		time.AfterFunc(20*time.Millisecond, cancel)
		q.Wait()

		Expect(failed.Load()).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})
})
