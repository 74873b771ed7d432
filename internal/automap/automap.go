// Package automap creates the counterpart collection on the other instance
// whenever a collection is created successfully on one, and records the
// resulting mapping. It is the only component allowed to perform a
// collection-creation write outside of the direct client request path.
package automap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ddevcap/vectorlb/internal/forward"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
	"github.com/ddevcap/vectorlb/internal/wal"
)

// Forwarder is the subset of forward.Pool's surface automap needs: unlike
// the replayer, automap must read the counterpart's response body to learn
// the id it assigned the new collection.
type Forwarder interface {
	Do(ctx context.Context, target instance.Instance, method, path string, body []byte, headers map[string]string) (forward.Response, error)
}

// HealthChecker reports whether an instance can be reached right now.
type HealthChecker interface {
	IsHealthy(name instance.Name) bool
}

// WALAppender queues a deferred collection-creation when the counterpart
// instance is unreachable.
type WALAppender interface {
	Append(ctx context.Context, method, path string, payload []byte, headers wal.HeaderMap, target instance.Name, collectionIdentifier string) (int64, error)
}

// createResponse is the shape every supported backend returns from a
// successful collection-creation call: at minimum a name and an id.
type createResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// collectionsCreatePath is the canonical create-collection endpoint used to
// mirror a collection whose config is already known, independent of
// whatever path the original client request happened to use.
const collectionsCreatePath = "/api/v2/default_tenant/default_database/collections"

// Creator implements C7: given a successful creation on one instance, it
// mirrors the collection onto the other and records the mapping.
type Creator struct {
	instances map[instance.Name]instance.Instance
	mappings  *mapping.Store
	forwarder Forwarder
	health    HealthChecker
	appender  WALAppender
}

// New builds a Creator over the two configured instances.
func New(instances []instance.Instance, mappings *mapping.Store, forwarder Forwarder, health HealthChecker, appender WALAppender) *Creator {
	byName := make(map[instance.Name]instance.Instance, len(instances))
	for _, inst := range instances {
		byName[inst.Name] = inst
	}
	return &Creator{instances: byName, mappings: mappings, forwarder: forwarder, health: health, appender: appender}
}

// OnCreated is invoked by the router with the response body of a successful
// create-collection call on sourceInstance. createPath is the original
// request path (re-issued against the other instance on success) and config
// is the raw creation request body, remembered so the counterpart and any
// later WAL-deferred creation can reconstruct the request.
func (c *Creator) OnCreated(ctx context.Context, sourceInstance instance.Name, createPath string, config []byte, responseBody []byte) error {
	var resp createResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return fmt.Errorf("automap: parse create response: %w", err)
	}
	if resp.Name == "" || resp.ID == "" {
		return fmt.Errorf("automap: create response missing name or id")
	}

	if err := c.mappings.Upsert(ctx, resp.Name, sourceInstance, resp.ID, config); err != nil {
		return fmt.Errorf("automap: record source mapping: %w", err)
	}

	other := sourceInstance.Other()

	if !c.health.IsHealthy(other) {
		id, err := c.appender.Append(ctx, http.MethodPost, createPath, config, wal.HeaderMap{"Content-Type": "application/json"}, other, resp.Name)
		if err != nil {
			return fmt.Errorf("automap: defer counterpart creation: %w", err)
		}
		slog.Info("automap: counterpart instance unhealthy, deferred creation to wal", "name", resp.Name, "instance", other, "write_id", id)
		return nil
	}

	otherInst, ok := c.instances[other]
	if !ok {
		return fmt.Errorf("automap: unknown instance %q", other)
	}

	otherResp, err := c.forwarder.Do(ctx, otherInst, http.MethodPost, createPath, config, map[string]string{"Content-Type": "application/json"})
	if err != nil || otherResp.Status >= 300 {
		// Idempotent by design: a name-uniqueness error from the backend
		// means a racing creation already converged. Try to resolve and
		// record it rather than treating this as a hard failure.
		existing, lookupErr := c.mappings.ResolveByName(ctx, resp.Name)
		if lookupErr == nil && existing.IDFor(other) != "" {
			return nil
		}
		return fmt.Errorf("automap: create counterpart on %s: status=%d err=%v", other, otherResp.Status, err)
	}

	var counterpart createResponse
	if err := json.Unmarshal(otherResp.Body, &counterpart); err != nil || counterpart.ID == "" {
		return fmt.Errorf("automap: parse counterpart create response: %w", err)
	}

	if err := c.mappings.Upsert(ctx, resp.Name, other, counterpart.ID, nil); err != nil {
		return fmt.Errorf("automap: record counterpart mapping: %w", err)
	}
	return nil
}

// EnsureMapping implements the replayer's just-in-time mapping creation: when
// a claimed WAL entry's mapping is still incomplete on target (the counterpart
// creation never ran, or is still deferred), create the collection on target
// now, synchronously, so the data operation that triggered the claim has
// somewhere to land. identifier is the collection name or the other
// instance's id for it, as recorded on the WAL entry; it is not looked up as
// target's own id.
func (c *Creator) EnsureMapping(ctx context.Context, target instance.Name, identifier string) error {
	m, err := c.mappings.ResolveByName(ctx, identifier)
	if err != nil {
		m, err = c.mappings.ResolveByIdOnInstance(ctx, identifier, target.Other())
		if err != nil {
			return fmt.Errorf("automap: no mapping found for %q: %w", identifier, err)
		}
	}
	if m.IDFor(target) != "" {
		return nil
	}
	if !c.health.IsHealthy(target) {
		return fmt.Errorf("automap: target %s unhealthy, cannot create mapping yet", target)
	}

	targetInst, ok := c.instances[target]
	if !ok {
		return fmt.Errorf("automap: unknown instance %q", target)
	}

	resp, err := c.forwarder.Do(ctx, targetInst, http.MethodPost, collectionsCreatePath, m.Config, map[string]string{"Content-Type": "application/json"})
	if err != nil || resp.Status >= 300 {
		return fmt.Errorf("automap: create counterpart on %s: status=%d err=%v", target, resp.Status, err)
	}

	var created createResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.ID == "" {
		return fmt.Errorf("automap: parse create response: %w", err)
	}

	if err := c.mappings.Upsert(ctx, m.Name, target, created.ID, m.Config); err != nil {
		return fmt.Errorf("automap: record mapping: %w", err)
	}
	return nil
}
