// Package mapping persists the name<->identifier association between the
// two backend instances for a given collection, and rewrites request paths
// so an identifier minted on one instance resolves correctly on the other.
//
// It generalizes the teacher's idtrans package: where idtrans encodes a
// backend identity into a proxy-scoped string ("{prefix}_{id}") that can be
// decoded without a lookup, collections here have independent opaque ids
// per instance with no shared encoding, so the association must be
// persisted and resolved by name.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"

	"github.com/ddevcap/vectorlb/internal/instance"
)

// cacheTTL bounds how long a resolved mapping is trusted before a read-miss
// goes back to Postgres. Mappings are read-mostly (a collection's id on
// either instance never changes once recorded), so a short TTL exists only
// to bound staleness after an out-of-band row edit, not to track frequent
// writes.
const cacheTTL = 30 * time.Second

// idIndexKey names the (instance, id) half of the cache: a hit there still
// needs the full row, fetched from the name cache or, on a name-cache miss,
// straight from Postgres.
func idIndexKey(inst instance.Name, id string) string {
	return string(inst) + ":" + id
}

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("mapping: not found")

// CollectionMapping is the persisted name<->id association for a collection.
type CollectionMapping struct {
	Name         string    `db:"name"`
	PrimaryID    *string   `db:"primary_collection_id"`
	ReplicaID    *string   `db:"replica_collection_id"`
	Config       []byte    `db:"collection_config"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// IDFor returns the identifier this mapping holds for the given instance,
// or "" if that side hasn't been recorded yet.
func (m CollectionMapping) IDFor(name instance.Name) string {
	var p *string
	if name == instance.Primary {
		p = m.PrimaryID
	} else {
		p = m.ReplicaID
	}
	if p == nil {
		return ""
	}
	return *p
}

// Complete reports whether both instance identifiers have been recorded.
func (m CollectionMapping) Complete() bool {
	return m.PrimaryID != nil && *m.PrimaryID != "" && m.ReplicaID != nil && *m.ReplicaID != ""
}

// Store is the sqlx-backed collection_id_mapping table accessor. Concurrent
// upserts of the same name are serialised through a per-name lock so that
// racing creations converge to a single row. A process-local, read-mostly
// cache sits in front of both lookup paths: ResolveByName caches by name,
// ResolveByIdOnInstance caches an (instance, id) -> name index and reuses
// the name cache for the row itself, so a fully-cached RewritePath costs
// zero round trips to Postgres. Both caches are cleared for a name on every
// Upsert/Delete so a cache hit never outlives the row it was read from.
type Store struct {
	db *sqlx.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	byName  *ttlcache.Cache[string, CollectionMapping]
	byIndex *ttlcache.Cache[string, string]
}

// NewStore wraps a database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		locks:   make(map[string]*sync.Mutex),
		byName:  ttlcache.New[string, CollectionMapping](ttlcache.WithTTL[string, CollectionMapping](cacheTTL)),
		byIndex: ttlcache.New[string, string](ttlcache.WithTTL[string, string](cacheTTL)),
	}
}

func (s *Store) lockFor(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// ResolveByName returns the mapping for an exact collection name, serving
// from cache on a hit and reconciling the cache on a miss.
func (s *Store) ResolveByName(ctx context.Context, name string) (CollectionMapping, error) {
	if item := s.byName.Get(name); item != nil {
		return item.Value(), nil
	}

	m, err := s.resolveByNameDB(ctx, name)
	if err != nil {
		return CollectionMapping{}, err
	}
	s.cacheMapping(m)
	return m, nil
}

func (s *Store) resolveByNameDB(ctx context.Context, name string) (CollectionMapping, error) {
	var m CollectionMapping
	err := s.db.GetContext(ctx, &m, `
		SELECT name, primary_collection_id, replica_collection_id, collection_config, created_at, updated_at
		FROM collection_id_mapping WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionMapping{}, ErrNotFound
	}
	if err != nil {
		return CollectionMapping{}, fmt.Errorf("mapping: resolve by name: %w", err)
	}
	return m, nil
}

// ResolveByIdOnInstance finds the mapping whose {instance}_id equals id. A
// hit on the (instance, id) -> name index still needs the full row, served
// from the name cache when present rather than re-querying Postgres.
func (s *Store) ResolveByIdOnInstance(ctx context.Context, id string, inst instance.Name) (CollectionMapping, error) {
	if item := s.byIndex.Get(idIndexKey(inst, id)); item != nil {
		name := item.Value()
		if cached := s.byName.Get(name); cached != nil {
			return cached.Value(), nil
		}
		m, err := s.resolveByNameDB(ctx, name)
		if err == nil {
			s.cacheMapping(m)
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CollectionMapping{}, err
		}
		// Index pointed at a name that's gone; fall through to a direct
		// id lookup to reconcile.
	}

	m, err := s.resolveByIdOnInstanceDB(ctx, id, inst)
	if err != nil {
		return CollectionMapping{}, err
	}
	s.cacheMapping(m)
	return m, nil
}

func (s *Store) resolveByIdOnInstanceDB(ctx context.Context, id string, inst instance.Name) (CollectionMapping, error) {
	column := "primary_collection_id"
	if inst == instance.Replica {
		column = "replica_collection_id"
	}
	var m CollectionMapping
	query := fmt.Sprintf(`
		SELECT name, primary_collection_id, replica_collection_id, collection_config, created_at, updated_at
		FROM collection_id_mapping WHERE %s = $1`, column)
	err := s.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionMapping{}, ErrNotFound
	}
	if err != nil {
		return CollectionMapping{}, fmt.Errorf("mapping: resolve by id: %w", err)
	}
	return m, nil
}

// cacheMapping populates both caches for a freshly-read row.
func (s *Store) cacheMapping(m CollectionMapping) {
	s.byName.Set(m.Name, m, ttlcache.DefaultTTL)
	if id := m.IDFor(instance.Primary); id != "" {
		s.byIndex.Set(idIndexKey(instance.Primary, id), m.Name, ttlcache.DefaultTTL)
	}
	if id := m.IDFor(instance.Replica); id != "" {
		s.byIndex.Set(idIndexKey(instance.Replica, id), m.Name, ttlcache.DefaultTTL)
	}
}

// Upsert inserts a row if absent, otherwise updates the given instance's
// identifier and bumps updated_at. config is only written on insert or when
// non-nil, so a later call for the other instance doesn't clobber it.
func (s *Store) Upsert(ctx context.Context, name string, inst instance.Name, id string, config []byte) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	column := "primary_collection_id"
	if inst == instance.Replica {
		column = "replica_collection_id"
	}

	query := fmt.Sprintf(`
		INSERT INTO collection_id_mapping (name, %s, collection_config, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			%s = EXCLUDED.%s,
			collection_config = COALESCE(EXCLUDED.collection_config, collection_id_mapping.collection_config),
			updated_at = now()`, column, column, column)

	if _, err := s.db.ExecContext(ctx, query, name, id, config); err != nil {
		return fmt.Errorf("mapping: upsert: %w", err)
	}
	s.invalidate(name)
	return nil
}

// Delete removes the mapping for name. Idempotent.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collection_id_mapping WHERE name = $1`, name); err != nil {
		return fmt.Errorf("mapping: delete: %w", err)
	}
	s.invalidate(name)
	return nil
}

// invalidate drops name from the cache along with its id-index entries, so
// the next read of it goes back to Postgres rather than serving a row that
// may no longer reflect what was just written. The id-index entries are
// pulled from whatever's still cached for name, which is good enough: a
// stale id-index entry that survives (because the row fell out of the name
// cache before this ran) only costs one wasted index hit, resolved by a
// redirect to resolveByNameDB on the next lookup.
func (s *Store) invalidate(name string) {
	if item := s.byName.Get(name); item != nil {
		m := item.Value()
		if id := m.IDFor(instance.Primary); id != "" {
			s.byIndex.Delete(idIndexKey(instance.Primary, id))
		}
		if id := m.IDFor(instance.Replica); id != "" {
			s.byIndex.Delete(idIndexKey(instance.Replica, id))
		}
	}
	s.byName.Delete(name)
}

// All lists every mapping, ordered by name, for the admin surface.
func (s *Store) All(ctx context.Context) ([]CollectionMapping, error) {
	var rows []CollectionMapping
	err := s.db.SelectContext(ctx, &rows, `
		SELECT name, primary_collection_id, replica_collection_id, collection_config, created_at, updated_at
		FROM collection_id_mapping ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("mapping: list: %w", err)
	}
	return rows, nil
}

// collectionSegment matches ".../collections/{ident}" and optionally a
// trailing sub-resource ("/add", "/query", "/get", "/count", "/delete",
// "/upsert", "/update"), capturing the identifier segment.
var collectionSegment = regexp.MustCompile(`/collections/([^/]+)(/.*)?$`)

// ExtractIdentifier pulls the collection name-or-id segment out of a request
// path, for use as the WAL's collection_identifier grouping key. Returns ""
// if the path carries no collection segment (e.g. tenant/database
// operations).
func ExtractIdentifier(path string) string {
	match := collectionSegment.FindStringSubmatch(path)
	if match == nil {
		return ""
	}
	return match[1]
}

// RewriteResult describes the outcome of RewritePath.
type RewriteResult struct {
	Path     string
	Unmapped bool
}

// RewritePath parses path to extract a collection name-or-id segment and
// returns a path addressed correctly for targetInstance.
//
//   - If the segment isn't a known id on either instance, it's treated as a
//     name: the path passes through unchanged (names are not substituted).
//   - If the segment is target's own id already, it passes through.
//   - If the segment is the other instance's id, it's substituted with
//     target's id from the mapping.
//   - If the segment looks like an id (came from the other instance) but no
//     mapping exists yet, the original path is returned with Unmapped=true
//     so the caller can decide whether to fall through or defer to the WAL.
func (s *Store) RewritePath(ctx context.Context, path string, target instance.Name) (RewriteResult, error) {
	ident := ExtractIdentifier(path)
	if ident == "" {
		return RewriteResult{Path: path}, nil
	}

	m, err := s.ResolveByName(ctx, ident)
	if err == nil {
		// ident is a logical name; callers address by name are expected to
		// work unmodified against the backend's own name-based routing.
		return RewriteResult{Path: path}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return RewriteResult{}, err
	}

	// Not a known name. Check whether it's already target's own identifier.
	if m, err = s.ResolveByIdOnInstance(ctx, ident, target); err == nil {
		_ = m
		return RewriteResult{Path: path}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return RewriteResult{}, err
	}

	// Check whether it's the other instance's identifier, needing substitution.
	other := target.Other()
	m, err = s.ResolveByIdOnInstance(ctx, ident, other)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RewriteResult{Path: path, Unmapped: true}, nil
		}
		return RewriteResult{}, err
	}

	targetID := m.IDFor(target)
	if targetID == "" {
		return RewriteResult{Path: path, Unmapped: true}, nil
	}

	rewritten := collectionSegment.ReplaceAllString(path, "/collections/"+targetID+"$2")
	return RewriteResult{Path: rewritten}, nil
}
