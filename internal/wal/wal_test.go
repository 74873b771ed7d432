package wal_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/wal"
)

func TestWAL(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WAL Suite")
}

func newMockStore() (*wal.Store, sqlmock.Sqlmock, *sql.DB) {
	raw, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := sqlx.NewDb(raw, "sqlmock")
	return wal.NewStore(db, wal.DefaultMaxRetries), mock, raw
}

var _ = Describe("Store", func() {
	var (
		store *wal.Store
		mock  sqlmock.Sqlmock
		raw   *sql.DB
		ctx   = context.Background()
	)

	BeforeEach(func() {
		store, mock, raw = newMockStore()
	})

	AfterEach(func() {
		Expect(raw.Close()).To(Succeed())
	})

	Describe("Append", func() {
		It("returns the assigned write_id", func() {
			mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO unified_wal_writes")).
				WithArgs("POST", "/api/v2/.../collections/foo/add", []byte("{}"), wal.HeaderMap{"Content-Type": "application/json"}, "replica", "foo", wal.DefaultMaxRetries).
				WillReturnRows(sqlmock.NewRows([]string{"write_id"}).AddRow(int64(42)))

			id, err := store.Append(ctx, "POST", "/api/v2/.../collections/foo/add", []byte("{}"),
				wal.HeaderMap{"Content-Type": "application/json"}, instance.Replica, "foo")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(42)))
		})

		It("propagates a database error so the caller refuses the write", func() {
			mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO unified_wal_writes")).
				WillReturnError(errors.New("connection refused"))

			_, err := store.Append(ctx, "POST", "/x", nil, nil, instance.Primary, "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("MarkSynced", func() {
		It("updates the row to the terminal synced status", func() {
			mock.ExpectExec(regexp.QuoteMeta("UPDATE unified_wal_writes SET status = 'synced'")).
				WithArgs(int64(7)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.MarkSynced(ctx, 7)).To(Succeed())
		})
	})

	Describe("MarkFailed", func() {
		It("requeues or abandons depending on retry budget", func() {
			mock.ExpectExec(regexp.QuoteMeta("UPDATE unified_wal_writes")).
				WithArgs(int64(3), "timeout").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(store.MarkFailed(ctx, 3, errors.New("timeout"))).To(Succeed())
		})
	})

	Describe("Purge", func() {
		It("deletes terminal rows older than the cutoff and reports the count", func() {
			mock.ExpectExec(regexp.QuoteMeta("DELETE FROM unified_wal_writes")).
				WillReturnResult(sqlmock.NewResult(0, 5))

			n, err := store.Purge(ctx, 24*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(5)))
		})
	})

	Describe("PendingCount", func() {
		It("returns the pending+executed row count", func() {
			mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM unified_wal_writes WHERE status IN")).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

			n, err := store.PendingCount(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(12)))
		})
	})
})

var _ = Describe("HeaderMap", func() {
	It("round-trips through Value and Scan", func() {
		h := wal.HeaderMap{"Authorization": "Bearer abc"}
		v, err := h.Value()
		Expect(err).NotTo(HaveOccurred())

		var out wal.HeaderMap
		Expect(out.Scan(v)).To(Succeed())
		Expect(out).To(Equal(h))
	})

	It("scans nil as an empty map", func() {
		var out wal.HeaderMap
		Expect(out.Scan(nil)).To(Succeed())
		Expect(out).To(BeEmpty())
	})
})
