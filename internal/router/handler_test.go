package router_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ddevcap/vectorlb/internal/automap"
	"github.com/ddevcap/vectorlb/internal/forward"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
	"github.com/ddevcap/vectorlb/internal/metrics"
	"github.com/ddevcap/vectorlb/internal/router"
	"github.com/ddevcap/vectorlb/internal/txsafety"
	"github.com/ddevcap/vectorlb/internal/wal"
)

// newSQLMock builds a sqlx handle over a fresh sqlmock instance. Test paths
// below deliberately carry no "/collections/{id}" segment so
// mapping.RewritePath short-circuits without issuing any query — keeping
// these tests focused on target selection and WAL/transaction bookkeeping
// rather than the identifier-rewrite algorithm, which mapping_test.go
// already covers in isolation.
func newSQLMock() (*sqlx.DB, sqlmock.Sqlmock) {
	raw, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	return sqlx.NewDb(raw, "sqlmock"), mock
}

func newTestRouter(db *sqlx.DB, instances []instance.Instance, monitor *instance.Monitor) (*router.Router, *mapping.Store, *wal.Store, *txsafety.Store, *forward.Pool, *prometheus.Registry) {
	mappings := mapping.NewStore(db)
	walStore := wal.NewStore(db, wal.DefaultMaxRetries)
	txStore := txsafety.NewStore(db)
	pool := forward.New(instances, 4, time.Second)
	creator := automap.New(instances, mappings, pool, monitor, walStore)
	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	rt := router.New(instances, monitor, mappings, walStore, txStore, pool, creator, metricsReg, 0.8, time.Second, 512)
	return rt, mappings, walStore, txStore, pool, reg
}

func buildTestEngine(rt *router.Router, instances []instance.Instance, monitor *instance.Monitor, mappings *mapping.Store, walStore *wal.Store, txStore *txsafety.Store, pool *forward.Pool, reg *prometheus.Registry) http.Handler {
	admin := router.NewAdminHandler(instances, monitor, mappings, walStore, txStore, pool, router.NewEventHub())
	return router.NewEngine(rt, admin, router.NewEventHub(), reg, func() bool { return false })
}

var _ = Describe("Router", func() {
	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
	})

	It("writes to the healthy primary and WALs the deferred replica", func() {
		primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer primary.Close()

		instances := []instance.Instance{
			{Name: instance.Primary, BaseURL: primary.URL},
			{Name: instance.Replica, BaseURL: "http://127.0.0.1:1"},
		}
		monitor := instance.NewMonitor(instances, time.Hour)
		// These calls only feed the request counters; the replica stays
		// healthy as far as IsHealthy is concerned. The write path WALs the
		// deferred replica whether or not it is healthy.
		for i := 0; i < 3; i++ {
			monitor.ObserveRequestOutcome(instance.Replica, false)
		}
		replicaDownByFiat(monitor)

		db, mock := newSQLMock()
		defer db.Close()
		rt, mappings, walStore, txStore, pool, reg := newTestRouter(db, instances, monitor)

		mock.ExpectExec("INSERT INTO emergency_transaction_log").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO unified_wal_writes").WillReturnRows(sqlmock.NewRows([]string{"write_id"}).AddRow(int64(1)))
		mock.ExpectExec("UPDATE emergency_transaction_log SET status = 'COMPLETED'").WillReturnResult(sqlmock.NewResult(0, 1))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v2/t/d/documents/foo/add", nil)
		engine := buildTestEngine(rt, instances, monitor, mappings, walStore, txStore, pool, reg)
		engine.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("X-Transaction-Id")).NotTo(BeEmpty())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("fans a DELETE out to every healthy instance and reports success when all agree", func() {
		var primaryHits, replicaHits int
		primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			primaryHits++
			w.WriteHeader(http.StatusOK)
		}))
		defer primary.Close()
		replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			replicaHits++
			w.WriteHeader(http.StatusNotFound)
		}))
		defer replica.Close()

		instances := []instance.Instance{
			{Name: instance.Primary, BaseURL: primary.URL},
			{Name: instance.Replica, BaseURL: replica.URL},
		}
		monitor := instance.NewMonitor(instances, time.Hour)

		db, mock := newSQLMock()
		defer db.Close()
		rt, mappings, walStore, txStore, pool, reg := newTestRouter(db, instances, monitor)

		mock.ExpectExec("INSERT INTO emergency_transaction_log").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE emergency_transaction_log SET status = 'COMPLETED'").WillReturnResult(sqlmock.NewResult(0, 1))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/api/v2/t/d/documents/foo", nil)
		engine := buildTestEngine(rt, instances, monitor, mappings, walStore, txStore, pool, reg)
		engine.ServeHTTP(w, req)

		Eventually(func() int { return primaryHits }).Should(Equal(1))
		Eventually(func() int { return replicaHits }).Should(Equal(1))
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("rejects writes with 503 and Retry-After when the process is under memory pressure", func() {
		primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer primary.Close()

		instances := []instance.Instance{{Name: instance.Primary, BaseURL: primary.URL}}
		monitor := instance.NewMonitor(instances, time.Hour)

		db, _ := newSQLMock()
		defer db.Close()
		mappings := mapping.NewStore(db)
		walStore := wal.NewStore(db, wal.DefaultMaxRetries)
		txStore := txsafety.NewStore(db)
		pool := forward.New(instances, 4, time.Second)
		creator := automap.New(instances, mappings, pool, monitor, walStore)
		reg := prometheus.NewRegistry()
		metricsReg := metrics.New(reg)
		rt := router.New(instances, monitor, mappings, walStore, txStore, pool, creator, metricsReg, 0.8, time.Second, 512)
		admin := router.NewAdminHandler(instances, monitor, mappings, walStore, txStore, pool, router.NewEventHub())
		engine := router.NewEngine(rt, admin, router.NewEventHub(), reg, func() bool { return true })

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v2/t/d/documents/foo/add", nil)
		engine.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(w.Header().Get("Retry-After")).NotTo(BeEmpty())
	})
})

// replicaDownByFiat starts the monitor's probe loop and stops it again
// straight away, so each instance gets at most one probe. One failed probe
// is below the unhealthy threshold of three consecutive failures, so this
// does not mark the replica unhealthy; failed request outcomes don't flip
// IsHealthy either (that's the probe loop's job).
func replicaDownByFiat(monitor *instance.Monitor) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Start(context.Background())
	}()
	<-done
	monitor.Stop()
}
