// Package permission aggregates feature permission grants into per-feature
// CRUD bitmasks and caches the result per role.
//
// # Bits
//
// A Mask is a fixed-width bitmask. The low four bits are the CRUD intents
// (Read, Create, Update, Delete); higher bits are available to callers that
// define their own permission values. A permission's value is OR-ed into its
// feature's mask for every role it is granted to.
//
// # Cache
//
// Cache is read-through and write-invalidate over a CacheStore. Each role has
// a generation counter and a computed marker. Mutations bump the generation;
// fills and recomputations only write when the generation they started from
// is still current. A role with no grants is cached as computed with no
// entries, so absence of entries never triggers a recomputation by itself.
package permission
