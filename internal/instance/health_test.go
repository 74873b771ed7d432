package instance_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/vectorlb/internal/instance"
)

func TestInstance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Instance Suite")
}

var _ = Describe("Monitor", func() {
	It("marks a healthy instance as healthy", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ctx := context.Background()
		mon := instance.NewMonitor([]instance.Instance{{Name: instance.Primary, BaseURL: srv.URL}}, 100*time.Millisecond)
		mon.Start(ctx)
		defer mon.Stop()

		Eventually(func() bool {
			return mon.IsHealthy(instance.Primary)
		}, 2*time.Second, 50*time.Millisecond).Should(BeTrue())
	})

	It("marks an unreachable instance unhealthy after consecutive failures", func() {
		ctx := context.Background()
		mon := instance.NewMonitor([]instance.Instance{{Name: instance.Replica, BaseURL: "http://127.0.0.1:1"}}, 50*time.Millisecond)
		mon.Start(ctx)
		defer mon.Stop()

		Eventually(func() bool {
			return !mon.IsHealthy(instance.Replica)
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
	})

	It("recovers an instance when it comes back online", func() {
		var healthy atomic.Bool
		healthy.Store(true)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if healthy.Load() {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}))
		defer srv.Close()

		ctx := context.Background()
		mon := instance.NewMonitor([]instance.Instance{{Name: instance.Primary, BaseURL: srv.URL}}, 50*time.Millisecond)
		mon.Start(ctx)
		defer mon.Stop()

		Eventually(func() bool {
			return mon.IsHealthy(instance.Primary)
		}, 2*time.Second, 50*time.Millisecond).Should(BeTrue())

		healthy.Store(false)
		Eventually(func() bool {
			return !mon.IsHealthy(instance.Primary)
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

		healthy.Store(true)
		Eventually(func() bool {
			return mon.IsHealthy(instance.Primary)
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
	})

	It("fires transition callbacks exactly once per flip", func() {
		var healthy atomic.Bool
		healthy.Store(true)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if healthy.Load() {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}))
		defer srv.Close()

		ctx := context.Background()
		mon := instance.NewMonitor([]instance.Instance{{Name: instance.Primary, BaseURL: srv.URL}}, 50*time.Millisecond)

		var transitions atomic.Int32
		mon.OnTransition(func(name instance.Name, h bool) {
			if !h {
				transitions.Add(1)
			}
		})
		mon.Start(ctx)
		defer mon.Stop()

		Eventually(func() bool {
			return mon.IsHealthy(instance.Primary)
		}, 2*time.Second, 50*time.Millisecond).Should(BeTrue())

		healthy.Store(false)
		Eventually(func() int32 {
			return transitions.Load()
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(int32(1)))

		// Stays unhealthy across several more ticks; callback must not refire.
		Consistently(func() int32 {
			return transitions.Load()
		}, 300*time.Millisecond, 50*time.Millisecond).Should(Equal(int32(1)))
	})

	Describe("GetHealthy", func() {
		It("returns only the currently healthy instances", func() {
			okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			defer okSrv.Close()

			ctx := context.Background()
			mon := instance.NewMonitor([]instance.Instance{
				{Name: instance.Primary, BaseURL: okSrv.URL},
				{Name: instance.Replica, BaseURL: "http://127.0.0.1:1"},
			}, 50*time.Millisecond)
			mon.Start(ctx)
			defer mon.Stop()

			Eventually(func() []instance.Instance {
				return mon.GetHealthy()
			}, 5*time.Second, 50*time.Millisecond).Should(ConsistOf(instance.Instance{Name: instance.Primary, BaseURL: okSrv.URL}))
		})
	})

	Describe("ObserveRequestOutcome", func() {
		It("accumulates request and success counters", func() {
			mon := instance.NewMonitor([]instance.Instance{{Name: instance.Primary, BaseURL: "http://unused"}}, time.Hour)

			mon.ObserveRequestOutcome(instance.Primary, true)
			mon.ObserveRequestOutcome(instance.Primary, true)
			mon.ObserveRequestOutcome(instance.Primary, false)

			snaps := mon.Snapshots()
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].RequestCount).To(Equal(int64(3)))
			Expect(snaps[0].SuccessCount).To(Equal(int64(2)))
		})
	})
})

var _ = Describe("Name", func() {
	It("Other returns the counterpart instance", func() {
		Expect(instance.Primary.Other()).To(Equal(instance.Replica))
		Expect(instance.Replica.Other()).To(Equal(instance.Primary))
	})
})
