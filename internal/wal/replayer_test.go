package wal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/vectorlb/internal/alert"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
	"github.com/ddevcap/vectorlb/internal/wal"
)

type fakeForwarder struct {
	mu    sync.Mutex
	calls []string
	fn    func(target instance.Name, method, path string) (int, error)
}

func (f *fakeForwarder) Forward(_ context.Context, target instance.Name, method, path string, _ []byte, _ wal.HeaderMap) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+path)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(target, method, path)
	}
	return http.StatusOK, nil
}

var _ = Describe("Replayer", func() {
	It("claims, forwards, and marks pending entries synced", func() {
		store, mock, raw := newMockStore()
		defer raw.Close()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ctx := context.Background()
		mon := instance.NewMonitor([]instance.Instance{{Name: instance.Replica, BaseURL: srv.URL}}, time.Hour)
		mon.Start(ctx)
		defer mon.Stop()

		Eventually(func() bool { return mon.IsHealthy(instance.Replica) }, 2*time.Second, 20*time.Millisecond).Should(BeTrue())

		mappingStore := mapping.NewStore(nil) // RewritePath not exercised: no collection segment in path below

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT write_id, method, path").
			WillReturnRows(sqlmock.NewRows([]string{
				"write_id", "method", "path", "payload", "headers", "target_instance",
				"collection_identifier", "status", "retry_count", "max_retries",
				"error_message", "created_at", "updated_at", "timestamp",
			}).AddRow(int64(1), "POST", "/api/v2/x", []byte("{}"), wal.HeaderMap{}, "replica", "", "pending", 0, 3, "", time.Time{}, time.Time{}, time.Time{}))
		mock.ExpectExec("UPDATE unified_wal_writes SET status = 'executed'").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE unified_wal_writes SET status = 'synced'")).
			WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM unified_wal_writes WHERE status IN")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

		forwarder := &fakeForwarder{}
		replayer := wal.NewReplayer(store, mappingStore, mon, forwarder, alert.NoopSink{}, 10, nil)
		replayer.Start(ctx)
		defer replayer.Stop()

		Eventually(func() []string {
			forwarder.mu.Lock()
			defer forwarder.mu.Unlock()
			return append([]string(nil), forwarder.calls...)
		}, 2*time.Second, 20*time.Millisecond).Should(ContainElement("POST /api/v2/x"))
	})
})

var _ = Describe("forwarder outcome classification", func() {
	It("treats DELETE-404 as success", func() {
		store, mock, raw := newMockStore()
		defer raw.Close()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ctx := context.Background()
		mon := instance.NewMonitor([]instance.Instance{{Name: instance.Primary, BaseURL: srv.URL}}, time.Hour)
		mon.Start(ctx)
		defer mon.Stop()

		mappingStore := mapping.NewStore(nil) // RewritePath not exercised: no collection segment in path below

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT write_id, method, path").
			WillReturnRows(sqlmock.NewRows([]string{
				"write_id", "method", "path", "payload", "headers", "target_instance",
				"collection_identifier", "status", "retry_count", "max_retries",
				"error_message", "created_at", "updated_at", "timestamp",
			}).AddRow(int64(1), "DELETE", "/api/v2/x", []byte(nil), wal.HeaderMap{}, "primary", "", "pending", 0, 3, "", time.Time{}, time.Time{}, time.Time{}))
		mock.ExpectExec("UPDATE unified_wal_writes SET status = 'executed'").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		// A 404 on a replayed DELETE must mark the entry synced, not failed.
		mock.ExpectExec(regexp.QuoteMeta("UPDATE unified_wal_writes SET status = 'synced'")).
			WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM unified_wal_writes WHERE status IN")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

		f := &fakeForwarder{fn: func(instance.Name, string, string) (int, error) {
			return http.StatusNotFound, nil
		}}
		replayer := wal.NewReplayer(store, mappingStore, mon, f, alert.NoopSink{}, 10, nil)
		replayer.Start(ctx)
		defer replayer.Stop()

		Eventually(mock.ExpectationsWereMet, 2*time.Second, 20*time.Millisecond).Should(Succeed())
		f.mu.Lock()
		defer f.mu.Unlock()
		Expect(f.calls).To(ContainElement("DELETE /api/v2/x"))
	})
})
