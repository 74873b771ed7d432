// Package router implements C5, the request router: classification, target
// selection, identifier rewriting, WAL/transaction-safety bookkeeping, and
// forwarding, plus the C8 admin and metrics HTTP surface.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vectorlb/internal/automap"
	"github.com/ddevcap/vectorlb/internal/forward"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
	"github.com/ddevcap/vectorlb/internal/metrics"
	"github.com/ddevcap/vectorlb/internal/txsafety"
	"github.com/ddevcap/vectorlb/internal/wal"
)

// inboundHeaderAllowList is the set of client headers replayed to the
// backend. Mirrors the WAL's own replay allow-list so a live forward and a
// later replay of the same write carry identical headers.
var inboundHeaderAllowList = []string{"Content-Type", "Authorization"}

// outboundHeaderAllowList is the set of backend response headers copied
// back to the client verbatim.
var outboundHeaderAllowList = []string{"Content-Type", "Content-Length", "Etag", "Cache-Control"}

var errBodyTooLarge = errors.New("router: request body exceeds memory budget")

// Router wires every component into the single HTTP entry point described
// by C5: classify, normalise, select target(s), rewrite identifiers, log to
// the transaction-safety store, append to the WAL, forward, record outcome,
// and trigger auto-mapping.
type Router struct {
	instances        []instance.Instance
	byName           map[instance.Name]instance.Instance
	monitor          *instance.Monitor
	mappings         *mapping.Store
	walStore         *wal.Store
	txStore          *txsafety.Store
	pool             *forward.Pool
	creator          *automap.Creator
	metrics          *metrics.Registry
	readReplicaRatio float64
	requestTimeout   time.Duration
	memLimitBytes    int64
	underPressure    MemoryPressureFunc
}

// New builds a Router. readReplicaRatio is READ_REPLICA_RATIO (0.0 always
// prefers primary, 1.0 always prefers replica); memoryLimitMB is
// MEMORY_LIMIT_MB, used both for the request body size boundary and for the
// router's own back-pressure sampler (see UnderPressure).
func New(
	instances []instance.Instance,
	monitor *instance.Monitor,
	mappings *mapping.Store,
	walStore *wal.Store,
	txStore *txsafety.Store,
	pool *forward.Pool,
	creator *automap.Creator,
	metricsReg *metrics.Registry,
	readReplicaRatio float64,
	requestTimeout time.Duration,
	memoryLimitMB int,
) *Router {
	byName := make(map[instance.Name]instance.Instance, len(instances))
	for _, inst := range instances {
		byName[inst.Name] = inst
	}
	sampler := newMemorySampler(memoryLimitMB)
	return &Router{
		instances:        instances,
		byName:           byName,
		monitor:          monitor,
		mappings:         mappings,
		walStore:         walStore,
		txStore:          txStore,
		pool:             pool,
		creator:          creator,
		metrics:          metricsReg,
		readReplicaRatio: readReplicaRatio,
		requestTimeout:   requestTimeout,
		memLimitBytes:    int64(memoryLimitMB) * 1024 * 1024,
		underPressure:    sampler.underPressure,
	}
}

// UnderPressure exposes the router's own memory sampler so main.go can wire
// the identical function into both the back-pressure middleware and the
// WAL replayer's adaptive batch sizing.
func (rt *Router) UnderPressure() bool {
	pressure := rt.underPressure()
	rt.metrics.SetMemoryPressure(pressure)
	return pressure
}

// ServeProxy is the single handler registered for every backend-bound path.
func (rt *Router) ServeProxy(c *gin.Context) {
	ctx := c.Request.Context()
	method := c.Request.Method
	path := NormalizePath(c.Request.URL.Path)
	if c.Request.URL.RawQuery != "" {
		path = path + "?" + c.Request.URL.RawQuery
	}
	kind := Classify(method, path)
	c.Set(contextKeyKind, kind.String())

	body, err := readBody(c.Request, rt.memLimitBytes)
	if err != nil {
		c.Writer.Header().Set("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": bodyTooLargeMessage(int(rt.memLimitBytes / (1024 * 1024)))})
		return
	}

	switch kind {
	case KindWriteDelete:
		rt.handleDelete(c, ctx, path, body)
	case KindRead:
		rt.handleRead(c, ctx, method, path, body)
	default:
		rt.handleWrite(c, ctx, kind, method, path, body)
	}
}

func readBody(req *http.Request, limitBytes int64) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.ContentLength > limitBytes {
		return nil, errBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, limitBytes+1))
	if err != nil {
		return nil, fmt.Errorf("router: read body: %w", err)
	}
	if int64(len(body)) > limitBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func (rt *Router) instanceByName(name instance.Name) instance.Instance {
	return rt.byName[name]
}

// selectReadTarget applies the READ_REPLICA_RATIO weighted policy: among the
// healthy set, prefer the replica with probability readReplicaRatio, else
// the primary; if only one instance is healthy it is the only choice.
func (rt *Router) selectReadTarget(healthy []instance.Instance) instance.Instance {
	if len(healthy) == 1 {
		return healthy[0]
	}
	var primary, replica *instance.Instance
	for i := range healthy {
		switch healthy[i].Name {
		case instance.Primary:
			primary = &healthy[i]
		case instance.Replica:
			replica = &healthy[i]
		}
	}
	if replica == nil {
		return *primary
	}
	if primary == nil {
		return *replica
	}
	if rand.Float64() < rt.readReplicaRatio {
		return *replica
	}
	return *primary
}

func otherHealthy(healthy []instance.Instance, used instance.Name) (instance.Instance, bool) {
	for _, inst := range healthy {
		if inst.Name != used {
			return inst, true
		}
	}
	return instance.Instance{}, false
}

func (rt *Router) rewritePath(ctx context.Context, path string, target instance.Name) string {
	res, err := rt.mappings.RewritePath(ctx, path, target)
	if err != nil {
		slog.Warn("router: rewrite path failed, forwarding unmodified", "error", err, "target", target)
		return path
	}
	return res.Path
}

func inboundHeaders(c *gin.Context) map[string]string {
	out := make(map[string]string, len(inboundHeaderAllowList))
	for _, h := range inboundHeaderAllowList {
		if v := c.GetHeader(h); v != "" {
			out[h] = v
		}
	}
	return out
}

func inboundHeadersWAL(c *gin.Context) wal.HeaderMap {
	return wal.HeaderMap(inboundHeaders(c))
}

func writeResponse(c *gin.Context, resp forward.Response) {
	for _, h := range outboundHeaderAllowList {
		if v := resp.Header.Get(h); v != "" {
			c.Writer.Header().Set(h, v)
		}
	}
	c.Data(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
}

// handleRead implements §4.4.2: select a healthy instance by weighted
// policy, retry once on the other healthy instance on failure, never touch
// the WAL.
func (rt *Router) handleRead(c *gin.Context, ctx context.Context, method, path string, body []byte) {
	healthy := rt.monitor.GetHealthy()
	if len(healthy) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no healthy instance"})
		return
	}

	target := rt.selectReadTarget(healthy)
	rewritten := rt.rewritePath(ctx, path, target.Name)
	resp, err := rt.pool.Do(ctx, target, method, rewritten, body, inboundHeaders(c))
	rt.monitor.ObserveRequestOutcome(target.Name, err == nil && resp.Status < 500)
	rt.recordMetric(KindRead, target.Name, err, resp.Status)

	if err != nil || resp.Status >= 500 {
		if other, ok := otherHealthy(healthy, target.Name); ok {
			rewrittenOther := rt.rewritePath(ctx, path, other.Name)
			resp2, err2 := rt.pool.Do(ctx, other, method, rewrittenOther, body, inboundHeaders(c))
			rt.monitor.ObserveRequestOutcome(other.Name, err2 == nil && resp2.Status < 500)
			rt.recordMetric(KindRead, other.Name, err2, resp2.Status)
			if err2 == nil {
				writeResponse(c, resp2)
				return
			}
			err = err2
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}
	writeResponse(c, resp)
}

// handleWrite implements §4.4 steps 3-9 for POST/PUT/PATCH writes: primary
// if healthy else replica is the immediate target, the other is deferred
// and always receives a WAL entry before the forward is attempted.
func (rt *Router) handleWrite(c *gin.Context, ctx context.Context, kind Kind, method, path string, body []byte) {
	var target, deferred instance.Name
	switch {
	case rt.monitor.IsHealthy(instance.Primary):
		target, deferred = instance.Primary, instance.Replica
	case rt.monitor.IsHealthy(instance.Replica):
		target, deferred = instance.Replica, instance.Primary
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no healthy instance"})
		return
	}

	identifier := mapping.ExtractIdentifier(path)
	clientSession := c.GetHeader("X-Client-Session")

	txID, err := rt.txStore.Begin(ctx, method, path, kind.String(), clientSession)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction log unavailable"})
		return
	}
	c.Writer.Header().Set("X-Transaction-Id", txID.String())

	headers := inboundHeadersWAL(c)
	if _, err := rt.walStore.Append(ctx, method, path, body, headers, deferred, identifier); err != nil {
		_ = rt.txStore.Fail(ctx, txID, "wal append failed: "+err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable", "transaction_id": txID})
		return
	}

	targetInst := rt.instanceByName(target)
	rewritten := rt.rewritePath(ctx, path, target)

	resp, fwdErr := rt.pool.Do(ctx, targetInst, method, rewritten, body, inboundHeaders(c))
	rt.monitor.ObserveRequestOutcome(target, fwdErr == nil && resp.Status < 300)
	rt.recordMetric(kind, target, fwdErr, resp.Status)

	if fwdErr != nil || resp.Status >= 500 {
		reason := fmt.Sprintf("backend status %d", resp.Status)
		if fwdErr != nil {
			reason = fwdErr.Error()
		}
		_ = rt.txStore.Fail(ctx, txID, reason)

		// The immediate target itself failed; WAL it too so the replayer
		// catches up both sides (§4.4 step 8).
		if _, walErr := rt.walStore.Append(ctx, method, path, body, headers, target, identifier); walErr != nil {
			slog.Warn("router: failed to wal intended immediate target after forward failure", "error", walErr)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": reason, "transaction_id": txID})
		return
	}

	_ = rt.txStore.Complete(ctx, txID)
	writeResponse(c, resp)

	if kind == KindWriteCreate && resp.Status >= 200 && resp.Status < 300 {
		respBody := append([]byte(nil), resp.Body...)
		reqBody := append([]byte(nil), body...)
		go rt.triggerAutomap(target, path, reqBody, respBody)
	}
}

// deleteOnInstance issues the delete against inst, retrying once by
// collection name if the mapped identifier 404s. A stale mapping can point
// at an id the backend no longer recognizes while the collection still
// exists under its name, so a 404 on the mapped id isn't accepted as
// "already gone" until the name-addressed delete also fails to find it.
func (rt *Router) deleteOnInstance(ctx context.Context, c *gin.Context, inst instance.Instance, path string, body []byte) (int, error) {
	rewritten := rt.rewritePath(ctx, path, inst.Name)
	resp, err := rt.pool.Do(ctx, inst, http.MethodDelete, rewritten, body, inboundHeaders(c))
	if err != nil {
		return 0, err
	}
	if resp.Status != http.StatusNotFound {
		return resp.Status, nil
	}

	ident := mapping.ExtractIdentifier(rewritten)
	if ident == "" {
		return resp.Status, nil
	}
	m, lookupErr := rt.mappings.ResolveByIdOnInstance(ctx, ident, inst.Name)
	if lookupErr != nil || m.Name == "" || m.Name == ident {
		return resp.Status, nil
	}

	fallbackPath := strings.Replace(rewritten, "/collections/"+ident, "/collections/"+m.Name, 1)
	fallbackResp, fallbackErr := rt.pool.Do(ctx, inst, http.MethodDelete, fallbackPath, body, inboundHeaders(c))
	if fallbackErr != nil {
		return resp.Status, nil
	}
	return fallbackResp.Status, nil
}

// handleDelete implements §4.4.1: fan out to every healthy instance in
// parallel; WAL any instance that was unhealthy at request time.
func (rt *Router) handleDelete(c *gin.Context, ctx context.Context, path string, body []byte) {
	identifier := mapping.ExtractIdentifier(path)
	healthy := rt.monitor.GetHealthy()
	healthySet := make(map[instance.Name]bool, len(healthy))
	for _, h := range healthy {
		healthySet[h.Name] = true
	}

	txID, err := rt.txStore.Begin(ctx, http.MethodDelete, path, KindWriteDelete.String(), c.GetHeader("X-Client-Session"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction log unavailable"})
		return
	}
	c.Writer.Header().Set("X-Transaction-Id", txID.String())

	headers := inboundHeadersWAL(c)
	for _, inst := range rt.instances {
		if healthySet[inst.Name] {
			continue
		}
		if _, err := rt.walStore.Append(ctx, http.MethodDelete, path, body, headers, inst.Name, identifier); err != nil {
			slog.Warn("router: failed to defer delete to unhealthy instance", "instance", inst.Name, "error", err)
			_ = rt.txStore.Fail(ctx, txID, "wal append failed: "+err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable", "transaction_id": txID})
			return
		}
	}

	type attemptResult struct {
		name    instance.Name
		success bool
	}

	var wg sync.WaitGroup
	results := make(chan attemptResult, len(healthy))
	for _, inst := range healthy {
		wg.Add(1)
		go func(inst instance.Instance) {
			defer wg.Done()
			status, err := rt.deleteOnInstance(ctx, c, inst, path, body)
			ok := err == nil && (status == http.StatusNotFound || (status >= 200 && status < 300))
			rt.monitor.ObserveRequestOutcome(inst.Name, err == nil)
			rt.recordMetric(KindWriteDelete, inst.Name, err, status)
			results <- attemptResult{name: inst.Name, success: ok}
		}(inst)
	}
	wg.Wait()
	close(results)

	succeeded, attempted := 0, 0
	for r := range results {
		attempted++
		if r.success {
			succeeded++
		}
	}

	switch {
	case attempted == 0:
		// Every instance was unhealthy; the deletes are fully deferred to
		// the WAL and will apply once each instance recovers.
		_ = rt.txStore.Complete(ctx, txID)
		c.JSON(http.StatusOK, gin.H{"status": "deferred", "transaction_id": txID})
	case succeeded == attempted:
		_ = rt.txStore.Complete(ctx, txID)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "transaction_id": txID})
	case succeeded > 0:
		_ = rt.txStore.Complete(ctx, txID)
		c.JSON(http.StatusMultiStatus, gin.H{"status": "partial", "transaction_id": txID})
	default:
		_ = rt.txStore.Fail(ctx, txID, "delete failed on every healthy instance")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "failed", "transaction_id": txID})
	}
}

func (rt *Router) triggerAutomap(source instance.Name, path string, config, responseBody []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.requestTimeout)
	defer cancel()
	if err := rt.creator.OnCreated(ctx, source, path, config, responseBody); err != nil {
		slog.Warn("router: automap failed", "error", err, "source", source)
	}
}

func (rt *Router) recordMetric(kind Kind, target instance.Name, err error, status int) {
	if rt.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		rt.metrics.ForwardErrorsTotal.WithLabelValues(string(target)).Inc()
	} else if status >= 400 {
		outcome = "status_" + fmt.Sprint(status/100) + "xx"
	}
	rt.metrics.RequestsTotal.WithLabelValues(kind.String(), string(target), outcome).Inc()
}
