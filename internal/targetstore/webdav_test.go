package targetstore_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/targetstore"
)

var _ = Describe("WebDAV", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("treats MKCOL 405 as the collection already existing", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal("MKCOL"))
			w.WriteHeader(http.StatusMethodNotAllowed)
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		_, err := store.EnsureRunCollection(ctx, "job-1", "run-1")
		Expect(err).NotTo(HaveOccurred())
	})

	It("skips PUT when HEAD reports a matching size (resume)", func() {
		var putCalls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodHead:
				w.Header().Set("Content-Length", "5")
				w.WriteHeader(http.StatusOK)
			case http.MethodPut:
				atomic.AddInt32(&putCalls, 1)
				w.WriteHeader(http.StatusCreated)
			}
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		a := targetstore.Artifact{Name: "payload.part.00000", Size: 5, Open: openString("hello")}
		Expect(store.PutArtifact(ctx, "job-1", "run-1", a, false)).To(Succeed())
		Expect(atomic.LoadInt32(&putCalls)).To(Equal(int32(0)))
	})

	It("uploads when HEAD reports a different size", func() {
		var putCalls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodHead:
				w.Header().Set("Content-Length", "3")
				w.WriteHeader(http.StatusOK)
			case http.MethodPut:
				atomic.AddInt32(&putCalls, 1)
				w.WriteHeader(http.StatusCreated)
			}
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		a := targetstore.Artifact{Name: "payload.part.00000", Size: 5, Open: openString("hello")}
		Expect(store.PutArtifact(ctx, "job-1", "run-1", a, false)).To(Succeed())
		Expect(atomic.LoadInt32(&putCalls)).To(Equal(int32(1)))
	})

	It("always uploads the completion marker even when HEAD would size-match", func() {
		var putCalls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodHead:
				w.Header().Set("Content-Length", "2")
				w.WriteHeader(http.StatusOK)
			case http.MethodPut:
				atomic.AddInt32(&putCalls, 1)
				w.WriteHeader(http.StatusCreated)
			}
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		a := targetstore.Artifact{Name: "complete.json", Size: 2, Open: openString("{}")}
		Expect(store.PutArtifact(ctx, "job-1", "run-1", a, true)).To(Succeed())
		Expect(atomic.LoadInt32(&putCalls)).To(Equal(int32(1)))
	})

	It("retries a transient 503 and succeeds once the server recovers", func() {
		var attempts int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodHead:
				w.WriteHeader(http.StatusNotFound)
			case http.MethodPut:
				if atomic.AddInt32(&attempts, 1) < 2 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusCreated)
			}
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		a := targetstore.Artifact{Name: "payload.part.00000", Size: 5, Open: openString("hello")}
		Expect(store.PutArtifact(ctx, "job-1", "run-1", a, false)).To(Succeed())
		Expect(atomic.LoadInt32(&attempts)).To(BeNumerically(">=", 2))
	})

	It("does not retry a permanent 401", func() {
		var attempts int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodHead:
				w.WriteHeader(http.StatusNotFound)
			case http.MethodPut:
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(http.StatusUnauthorized)
			}
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		a := targetstore.Artifact{Name: "payload.part.00000", Size: 5, Open: openString("hello")}
		err := store.PutArtifact(ctx, "job-1", "run-1", a, false)
		Expect(err).To(HaveOccurred())
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(1)))
	})

	It("treats DELETE 404 as success", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		store := targetstore.NewWebDAV(srv.URL, srv.Client())
		Expect(store.DeleteRun(ctx, "job-1", "run-1")).To(Succeed())
	})
})
