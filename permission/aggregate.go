package permission

import "sort"

// Grant is one permission granted to a role, joined with its feature.
type Grant struct {
	PermissionID int64
	FeatureID    int64
	FeatureKey   string
	Value        Mask
}

// Permission identifies a permission row and the feature it belongs to.
type Permission struct {
	ID         int64
	FeatureID  int64
	FeatureKey string
	Value      Mask
}

// Entry is the aggregated mask of one feature for one role.
type Entry struct {
	FeatureID  int64
	FeatureKey string
	Mask       Mask
}

// Aggregate ORs grant values per feature. Features whose combined value is
// zero are omitted. The result is keyed by feature id.
func Aggregate(grants []Grant) map[int64]Entry {
	out := make(map[int64]Entry, len(grants))
	for _, g := range grants {
		e := out[g.FeatureID]
		e.FeatureID = g.FeatureID
		if e.FeatureKey == "" {
			e.FeatureKey = g.FeatureKey
		}
		e.Mask |= g.Value
		out[g.FeatureID] = e
	}
	for id, e := range out {
		if e.Mask == 0 {
			delete(out, id)
		}
	}
	return out
}

// FeatureMask ORs the values of grants that belong to featureID.
func FeatureMask(grants []Grant, featureID int64) Mask {
	var m Mask
	for _, g := range grants {
		if g.FeatureID == featureID {
			m |= g.Value
		}
	}
	return m
}

// Entries flattens an aggregate into a slice ordered by feature id.
func Entries(agg map[int64]Entry) []Entry {
	out := make([]Entry, 0, len(agg))
	for _, e := range agg {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}

// Merge ORs role entries into a map keyed by feature key.
func Merge(dst map[string]Mask, entries []Entry) map[string]Mask {
	if dst == nil {
		dst = make(map[string]Mask, len(entries))
	}
	for _, e := range entries {
		if e.Mask == 0 || e.FeatureKey == "" {
			continue
		}
		dst[e.FeatureKey] |= e.Mask
	}
	return dst
}
