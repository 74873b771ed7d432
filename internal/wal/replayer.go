package wal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ddevcap/vectorlb/internal/alert"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
)

const (
	minReplayInterval = 2 * time.Second
	maxReplayInterval = 15 * time.Second
	// highPendingThreshold shrinks the sleep interval when the queue backs up.
	highPendingThreshold = 200
	drainDeadline         = 10 * time.Second
)

// Forwarder issues the actual outbound HTTP call to a backend instance. The
// router's forward pool implements this; kept as an interface here so the
// replayer doesn't depend on circuit-breaker or semaphore internals.
type Forwarder interface {
	Forward(ctx context.Context, target instance.Name, method, path string, body []byte, headers HeaderMap) (status int, err error)
}

// MemoryPressureFunc reports whether the process is currently over its
// configured memory budget, used to halve the claim batch size.
type MemoryPressureFunc func() bool

// MappingCreator performs just-in-time counterpart collection creation. It
// is satisfied by *automap.Creator; defined here rather than imported since
// automap already imports wal for HeaderMap/WALAppender.
type MappingCreator interface {
	EnsureMapping(ctx context.Context, target instance.Name, identifier string) error
}

// Replayer drains the WAL against each healthy instance in insertion order
// per (target_instance, collection_identifier), adapting batch size and
// pacing to memory pressure and queue depth. Modeled on the cooperative
// ticker loop the teacher uses for session cleanup, generalized to a
// multi-group concurrent drain with an explicit drain deadline on shutdown.
type Replayer struct {
	store      *Store
	mappings   *mapping.Store
	monitor    *instance.Monitor
	forwarder  Forwarder
	sink       alert.Sink
	batchSize  int
	underPressure MemoryPressureFunc
	creator    MappingCreator

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplayer builds a Replayer. batchSize is WAL_BATCH_SIZE from
// configuration. creator is consulted for just-in-time mapping creation when
// a claimed entry's mapping is incomplete on target; a nil creator disables
// self-healing, so such an entry is forwarded with its path unchanged and,
// like any non-DELETE entry answered with a 4xx, abandoned at once.
func NewReplayer(store *Store, mappings *mapping.Store, monitor *instance.Monitor, forwarder Forwarder, sink alert.Sink, batchSize int, creator MappingCreator) *Replayer {
	if batchSize <= 0 {
		batchSize = 50
	}
	if sink == nil {
		sink = alert.NoopSink{}
	}
	return &Replayer{
		store:         store,
		mappings:      mappings,
		monitor:       monitor,
		forwarder:     forwarder,
		sink:          sink,
		batchSize:     batchSize,
		underPressure: func() bool { return false },
		creator:       creator,
	}
}

// SetMemoryPressureFunc overrides the default always-false pressure check.
func (r *Replayer) SetMemoryPressureFunc(fn MemoryPressureFunc) {
	r.underPressure = fn
}

// Start begins the background replay loop.
func (r *Replayer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			interval := r.pass(ctx)

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// Stop signals the replay loop to stop. The current pass is allowed to
// finish within drainDeadline before Stop returns.
func (r *Replayer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-time.After(drainDeadline):
			slog.Warn("wal replayer: drain deadline exceeded, exiting with in-flight work outstanding")
		}
	}
}

// pass runs one claim-and-replay cycle across every healthy instance and
// returns how long to sleep before the next pass.
func (r *Replayer) pass(ctx context.Context) time.Duration {
	healthy := r.monitor.GetHealthy()
	if len(healthy) == 0 {
		return maxReplayInterval
	}

	batch := r.batchSize
	if r.underPressure() {
		batch = batch / 2
		if batch < 1 {
			batch = 1
		}
	}

	var totalPending int64
	var wg sync.WaitGroup
	for _, inst := range healthy {
		entries, err := r.store.ClaimPending(ctx, inst.Name, batch)
		if err != nil {
			slog.Warn("wal replayer: claim failed", "instance", inst.Name, "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		totalPending += int64(len(entries))

		for _, group := range groupByCollection(entries) {
			wg.Add(1)
			go func(group []Entry) {
				defer wg.Done()
				r.replayGroup(ctx, inst.Name, group)
			}(group)
		}
	}
	wg.Wait()

	return r.nextInterval(ctx, totalPending)
}

func groupByCollection(entries []Entry) [][]Entry {
	order := make([]string, 0)
	groups := make(map[string][]Entry)
	for _, e := range entries {
		if _, ok := groups[e.CollectionIdentifier]; !ok {
			order = append(order, e.CollectionIdentifier)
		}
		groups[e.CollectionIdentifier] = append(groups[e.CollectionIdentifier], e)
	}
	out := make([][]Entry, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

// replayGroup processes entries belonging to one collection strictly in
// write_id order, since groups are already sorted by the claim query.
func (r *Replayer) replayGroup(ctx context.Context, target instance.Name, group []Entry) {
	for _, entry := range group {
		select {
		case <-ctx.Done():
			return // leave remaining entries as executed for re-claim
		default:
		}
		r.replayOne(ctx, target, entry)
	}
}

func (r *Replayer) replayOne(ctx context.Context, target instance.Name, entry Entry) {
	path := entry.Path
	res, err := r.mappings.RewritePath(ctx, entry.Path, target)
	if err == nil {
		path = res.Path
	}

	if err == nil && res.Unmapped && r.creator != nil && entry.CollectionIdentifier != "" {
		if createErr := r.creator.EnsureMapping(ctx, target, entry.CollectionIdentifier); createErr != nil {
			slog.Warn("wal replayer: just-in-time mapping creation failed", "write_id", entry.WriteID, "target", target, "collection", entry.CollectionIdentifier, "error", createErr)
		} else if res2, rerr := r.mappings.RewritePath(ctx, entry.Path, target); rerr == nil {
			path = res2.Path
		}
	}

	status, err := r.forwarder.Forward(ctx, target, entry.Method, path, entry.Payload, entry.Headers)
	switch {
	case err == nil && status >= 200 && status < 300:
		r.markSynced(ctx, entry)
	case err == nil && entry.Method == http.MethodDelete && status == http.StatusNotFound:
		r.markSynced(ctx, entry)
	case err == nil && status >= 400 && status < 500:
		// Non-delete 4xx against a replayed write is not expected to ever
		// succeed by retrying; treat it like a terminal failure immediately.
		r.markFailedExhausted(ctx, entry, "backend rejected replay with status")
	default:
		r.markFailed(ctx, target, entry, status, err)
	}
}

func (r *Replayer) markSynced(ctx context.Context, entry Entry) {
	if err := r.store.MarkSynced(ctx, entry.WriteID); err != nil {
		slog.Warn("wal replayer: mark synced failed", "write_id", entry.WriteID, "error", err)
	}
}

func (r *Replayer) markFailed(ctx context.Context, target instance.Name, entry Entry, status int, cause error) {
	if cause == nil {
		cause = statusError(status)
	}
	if err := r.store.MarkFailed(ctx, entry.WriteID, cause); err != nil {
		slog.Warn("wal replayer: mark failed failed", "write_id", entry.WriteID, "error", err)
	}
	if entry.RetryCount+1 >= entry.MaxRetries {
		r.sink.Notify(ctx, alert.Event{
			Severity: alert.SeverityError,
			Title:    "wal entry abandoned",
			Detail:   cause.Error(),
		})
	}
}

func (r *Replayer) markFailedExhausted(ctx context.Context, entry Entry, reason string) {
	// Force immediate abandonment by driving retry_count to max_retries.
	for entry.RetryCount < entry.MaxRetries {
		if err := r.store.MarkFailed(ctx, entry.WriteID, statusError2(reason)); err != nil {
			slog.Warn("wal replayer: mark failed failed", "write_id", entry.WriteID, "error", err)
			return
		}
		entry.RetryCount++
	}
	r.sink.Notify(ctx, alert.Event{
		Severity: alert.SeverityError,
		Title:    "wal entry abandoned",
		Detail:   reason,
	})
}

func (r *Replayer) nextInterval(ctx context.Context, pending int64) time.Duration {
	if pending == 0 {
		return maxReplayInterval
	}
	n, err := r.store.PendingCount(ctx)
	if err == nil && n > highPendingThreshold {
		return minReplayInterval
	}
	return (minReplayInterval + maxReplayInterval) / 2
}

type statusErr struct{ msg string }

func (e statusErr) Error() string { return e.msg }

func statusError(status int) error {
	return statusErr{msg: "backend responded with status " + http.StatusText(status)}
}

func statusError2(reason string) error { return statusErr{msg: reason} }
