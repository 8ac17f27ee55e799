package permission

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultRecomputeRetries bounds compare-and-set attempts before a role is
// invalidated instead.
const DefaultRecomputeRetries = 4

// ErrCacheUnavailable wraps CacheStore backend failures.
var ErrCacheUnavailable = errors.New("permission cache unavailable")

// RoleState is the cached view of one role.
type RoleState struct {
	Entries    []Entry
	Computed   bool
	Generation uint64
}

// CacheStore persists per-role aggregated masks. Every method is atomic with
// respect to a single role.
type CacheStore interface {
	// Load returns the role's entries, computed marker and generation. An
	// unknown role is returned as not computed with generation 0.
	Load(ctx context.Context, roleID int64) (RoleState, error)
	// Bump increments the role's generation and returns the new value.
	Bump(ctx context.Context, roleID int64) (uint64, error)
	// Merge increments the generation and, if the role is computed, ORs e.Mask
	// into the entry for e.FeatureID.
	Merge(ctx context.Context, roleID int64, e Entry) (uint64, error)
	// StoreRole replaces all entries and marks the role computed, only if the
	// generation still equals gen.
	StoreRole(ctx context.Context, roleID int64, gen uint64, entries []Entry) (bool, error)
	// StoreFeature overwrites one entry, deleting it when e.Mask is zero, only
	// if the generation still equals gen. On a role that is not computed it
	// succeeds without writing.
	StoreFeature(ctx context.Context, roleID int64, gen uint64, e Entry) (bool, error)
	// Invalidate bumps the generation, clears the computed marker and drops
	// all entries.
	Invalidate(ctx context.Context, roleID int64) error
	// RolesWithFeature lists roles holding an entry for featureID.
	RolesWithFeature(ctx context.Context, featureID int64) ([]int64, error)
	// Clear invalidates every cached role and returns how many were touched.
	Clear(ctx context.Context) (int, error)
}

// Source is the authoritative grant data the cache is derived from.
type Source interface {
	RoleGrants(ctx context.Context, roleID int64) ([]Grant, error)
	RoleFeatureGrants(ctx context.Context, roleID, featureID int64) ([]Grant, error)
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	RecomputeRetries int
	Logger           zerolog.Logger
}

// CacheStats counts cache activity since construction.
type CacheStats struct {
	Hits          uint64
	Misses        uint64
	Fills         uint64
	Conflicts     uint64
	Invalidations uint64
	Failures      uint64
}

// Cache is the read-through, write-invalidate permission cache.
type Cache struct {
	store   CacheStore
	source  Source
	retries int
	log     zerolog.Logger
	group   singleflight.Group

	hits          atomic.Uint64
	misses        atomic.Uint64
	fills         atomic.Uint64
	conflicts     atomic.Uint64
	invalidations atomic.Uint64
	failures      atomic.Uint64
}

// NewCache returns a Cache over store, filled from source.
func NewCache(store CacheStore, source Source, opts CacheOptions) (*Cache, error) {
	if store == nil {
		return nil, errors.New("permission cache store required")
	}
	if source == nil {
		return nil, errors.New("permission grant source required")
	}
	retries := opts.RecomputeRetries
	if retries <= 0 {
		retries = DefaultRecomputeRetries
	}
	return &Cache{
		store:   store,
		source:  source,
		retries: retries,
		log:     opts.Logger.With().Str("component", "permission_cache").Logger(),
	}, nil
}

// Get returns the OR of every feature mask across roleIDs, keyed by feature
// key. An empty role list yields an empty map.
func (c *Cache) Get(ctx context.Context, roleIDs []int64) (map[string]Mask, error) {
	out := make(map[string]Mask)
	for _, roleID := range dedupe(roleIDs) {
		entries, err := c.RoleMasks(ctx, roleID)
		if err != nil {
			return nil, err
		}
		Merge(out, entries)
	}
	return out, nil
}

// RoleMasks returns the cached entries of one role, computing and storing
// them first when the role is not computed.
func (c *Cache) RoleMasks(ctx context.Context, roleID int64) ([]Entry, error) {
	st, err := c.store.Load(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if st.Computed {
		c.hits.Add(1)
		return st.Entries, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(strconv.FormatInt(roleID, 10), func() (interface{}, error) {
		return c.fill(ctx, roleID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (c *Cache) fill(ctx context.Context, roleID int64) ([]Entry, error) {
	for attempt := 1; ; attempt++ {
		st, err := c.store.Load(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if st.Computed {
			return st.Entries, nil
		}

		grants, err := c.source.RoleGrants(ctx, roleID)
		if err != nil {
			return nil, err
		}
		entries := Entries(Aggregate(grants))

		ok, err := c.store.StoreRole(ctx, roleID, st.Generation, entries)
		if err != nil {
			c.failures.Add(1)
			c.log.Warn().Err(err).Int64("role_id", roleID).Msg("permission cache fill write failed")
			return entries, nil
		}
		if ok {
			c.fills.Add(1)
			return entries, nil
		}
		c.conflicts.Add(1)
		if attempt >= c.retries {
			// Concurrent mutations keep winning; serve the fresh computation
			// without caching it.
			return entries, nil
		}
	}
}

// Warm computes and stores every role in roleIDs that is not yet computed.
func (c *Cache) Warm(ctx context.Context, roleIDs []int64) error {
	for _, roleID := range dedupe(roleIDs) {
		if _, err := c.RoleMasks(ctx, roleID); err != nil {
			return err
		}
	}
	return nil
}

// OnGrant folds a newly committed grant into the role's cached mask. Call it
// after the grant is durable. A failure invalidates the role and is returned
// for observation only; the committed grant stands.
//
// Without a FeatureKey the entry cannot be merged blind, so the feature is
// recomputed from the source, which carries the key.
func (c *Cache) OnGrant(ctx context.Context, roleID int64, p Permission) error {
	if p.FeatureKey == "" {
		if err := c.recomputeFeature(ctx, roleID, p.FeatureID); err != nil {
			c.fail(ctx, roleID, "grant", err)
			return err
		}
		return nil
	}
	_, err := c.store.Merge(ctx, roleID, Entry{FeatureID: p.FeatureID, FeatureKey: p.FeatureKey, Mask: p.Value})
	if err != nil {
		c.fail(ctx, roleID, "grant", err)
		return err
	}
	return nil
}

// OnRevoke recomputes the role's mask for featureID from the grant source
// after a revocation has been committed. A zero result removes the entry.
func (c *Cache) OnRevoke(ctx context.Context, roleID, featureID int64) error {
	if err := c.recomputeFeature(ctx, roleID, featureID); err != nil {
		c.fail(ctx, roleID, "revoke", err)
		return err
	}
	return nil
}

// OnPermissionDeleted recomputes every role whose cache references the
// deleted permission's feature. It runs after the deletion has removed the
// permission's grants.
func (c *Cache) OnPermissionDeleted(ctx context.Context, p Permission) error {
	roles, err := c.store.RolesWithFeature(ctx, p.FeatureID)
	if err != nil {
		c.failures.Add(1)
		c.log.Error().Err(err).Int64("permission_id", p.ID).Int64("feature_id", p.FeatureID).
			Msg("permission cache: listing roles for deleted permission failed")
		return err
	}
	var errs []error
	for _, roleID := range roles {
		if err := c.recomputeFeature(ctx, roleID, p.FeatureID); err != nil {
			c.fail(ctx, roleID, "permission_deleted", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate forces the next read of roleID to recompute from the source.
func (c *Cache) Invalidate(ctx context.Context, roleID int64) error {
	if err := c.store.Invalidate(ctx, roleID); err != nil {
		return err
	}
	c.invalidations.Add(1)
	return nil
}

// Clear invalidates every cached role.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	c.invalidations.Add(uint64(n))
	return n, nil
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fills:         c.fills.Load(),
		Conflicts:     c.conflicts.Load(),
		Invalidations: c.invalidations.Load(),
		Failures:      c.failures.Load(),
	}
}

var errRecomputeContention = errors.New("permission cache recompute lost every compare-and-set")

func (c *Cache) recomputeFeature(ctx context.Context, roleID, featureID int64) error {
	for attempt := 0; attempt < c.retries; attempt++ {
		gen, err := c.store.Bump(ctx, roleID)
		if err != nil {
			return err
		}
		grants, err := c.source.RoleFeatureGrants(ctx, roleID, featureID)
		if err != nil {
			return err
		}
		e := Entry{FeatureID: featureID, Mask: FeatureMask(grants, featureID)}
		for _, g := range grants {
			if g.FeatureID == featureID && g.FeatureKey != "" {
				e.FeatureKey = g.FeatureKey
				break
			}
		}
		ok, err := c.store.StoreFeature(ctx, roleID, gen, e)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		c.conflicts.Add(1)
	}
	return errRecomputeContention
}

func (c *Cache) fail(ctx context.Context, roleID int64, op string, cause error) {
	c.failures.Add(1)
	ev := c.log.Warn()
	if !errors.Is(cause, errRecomputeContention) {
		ev = c.log.Error()
	}
	ev.Err(cause).Int64("role_id", roleID).Str("op", op).Msg("permission cache update failed, invalidating role")

	// The role must not keep serving a mask that may be stale.
	if err := c.Invalidate(context.WithoutCancel(ctx), roleID); err != nil {
		c.log.Error().Err(err).Int64("role_id", roleID).Msg("permission cache invalidation failed")
	}
}

func dedupe(ids []int64) []int64 {
	if len(ids) < 2 {
		return ids
	}
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
