// Package forward issues outbound HTTP calls to backend instances, bounding
// concurrency with a semaphore and tripping a per-instance circuit breaker
// on repeated failures. It is the single choke point every proxied request,
// WAL replay, and mapping auto-create call passes through.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/wal"
)

// Response is the result of a forwarded call: status, headers, and body.
// Headers are filtered to an allow-list before being copied back to a client.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
}

// Pool forwards requests to backend instances through a bounded-concurrency,
// circuit-breaking HTTP client. Generalizes the teacher's Pool/ServerClient
// split: one pool, many logical targets, but here targets are the two fixed
// instances rather than an arbitrary registry of backends.
type Pool struct {
	client         *http.Client
	sem            *semaphore.Weighted
	instances      map[instance.Name]instance.Instance
	breakers       map[instance.Name]*gobreaker.CircuitBreaker
	requestTimeout time.Duration
}

// New builds a Pool. maxWorkers bounds outbound concurrency (MAX_WORKERS);
// requestTimeout bounds every individual call (REQUEST_TIMEOUT_SECONDS).
func New(instances []instance.Instance, maxWorkers int, requestTimeout time.Duration) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		MaxIdleConnsPerHost:   maxWorkers * 2,
	}

	byName := make(map[instance.Name]instance.Instance, len(instances))
	breakers := make(map[instance.Name]*gobreaker.CircuitBreaker, len(instances))
	for _, inst := range instances {
		name := inst.Name
		byName[name] = inst
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(name),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}

	return &Pool{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		sem:            semaphore.NewWeighted(int64(maxWorkers)),
		instances:      byName,
		breakers:       breakers,
		requestTimeout: requestTimeout,
	}
}

var allowedResponseHeaders = []string{"Content-Type", "Content-Length", "Etag", "Cache-Control"}

// Do issues method/path against target's base URL with body and headers,
// suspending on the worker semaphore until a slot is available. The call
// is wrapped in target's circuit breaker: once tripped, Do fails fast
// without attempting the network call.
func (p *Pool) Do(ctx context.Context, target instance.Instance, method, path string, body []byte, headers map[string]string) (Response, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Response{}, fmt.Errorf("forward: acquire worker: %w", err)
	}
	defer p.sem.Release(1)

	breaker := p.breakers[target.Name]

	result, err := breaker.Execute(func() (any, error) {
		return p.doOnce(ctx, target, method, path, body, headers)
	})
	if err != nil {
		return Response{}, err
	}
	return result.(Response), nil
}

func (p *Pool) doOnce(ctx context.Context, target instance.Instance, method, path string, body []byte, headers map[string]string) (Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target.BaseURL+path, bodyReader)
	if err != nil {
		return Response{}, fmt.Errorf("forward: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("forward: %s %s: %w", method, target.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("forward: read response body: %w", err)
	}

	out := Response{Status: resp.StatusCode, Body: respBody, Header: make(http.Header)}
	for _, h := range allowedResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	return out, nil
}

// Forward implements wal.Forwarder so the replayer can drive outbound calls
// through the same semaphore and circuit breakers the live request path uses.
func (p *Pool) Forward(ctx context.Context, targetName instance.Name, method, path string, body []byte, headers wal.HeaderMap) (int, error) {
	inst, ok := p.instances[targetName]
	if !ok {
		return 0, fmt.Errorf("forward: unknown instance %q", targetName)
	}
	resp, err := p.Do(ctx, inst, method, path, body, map[string]string(headers))
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}
