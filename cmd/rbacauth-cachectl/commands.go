package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/braybrandon/rbacauth/permission"
)

func parseRoleIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid role id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runClear(ctx context.Context, b *backend, out io.Writer, log zerolog.Logger) error {
	n, err := b.cache.Clear(ctx)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	log.Info().Int("roles", n).Msg("permission cache cleared")
	fmt.Fprintf(out, "cleared %d roles\n", n)
	return nil
}

// runWarm computes the listed roles, or every role when none are given.
func runWarm(ctx context.Context, b *backend, roleIDs []int64, out io.Writer, log zerolog.Logger) error {
	if b.source == nil {
		return errNeedPostgres
	}
	if len(roleIDs) == 0 {
		if b.roles == nil {
			return errNeedPostgres
		}
		ids, err := b.roles.RoleIDs(ctx)
		if err != nil {
			return fmt.Errorf("list roles: %w", err)
		}
		roleIDs = ids
	}

	cache, err := permission.NewCache(b.cache, b.source, permission.CacheOptions{
		RecomputeRetries: b.recomputeRetries,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cache.Warm(ctx, roleIDs); err != nil {
		return fmt.Errorf("warm: %w", err)
	}
	stats := cache.Stats()
	log.Info().
		Int("roles", len(roleIDs)).
		Uint64("filled", stats.Fills).
		Dur("took", time.Since(start)).
		Msg("permission cache warmed")
	fmt.Fprintf(out, "warmed %d roles (%d computed, %d already cached)\n", len(roleIDs), stats.Fills, stats.Hits)
	return nil
}

func runInspect(ctx context.Context, b *backend, roleIDs []int64, out io.Writer) error {
	if len(roleIDs) == 0 {
		return fmt.Errorf("inspect needs at least one role id")
	}
	for _, id := range roleIDs {
		st, err := b.cache.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load role %d: %w", id, err)
		}
		fmt.Fprintf(out, "role %d generation=%d computed=%t\n", id, st.Generation, st.Computed)
		for _, e := range st.Entries {
			fmt.Fprintf(out, "  %s (%d): %s\n", e.FeatureKey, e.FeatureID, e.Mask)
		}
	}
	return nil
}

func runPrune(ctx context.Context, b *backend, now time.Time, out io.Writer, log zerolog.Logger) error {
	if b.ledger == nil {
		return errNeedPostgres
	}
	n, err := b.ledger.Prune(ctx, now)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	log.Info().Int64("rows", n).Msg("expired refresh credentials pruned")
	fmt.Fprintf(out, "pruned %d refresh rows\n", n)
	return nil
}
