package permission

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local CacheStore. It suits single-instance
// deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	roles map[int64]*memRole
}

type memRole struct {
	gen      uint64
	computed bool
	entries  map[int64]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{roles: make(map[int64]*memRole)}
}

func (s *MemoryStore) role(roleID int64) *memRole {
	r, ok := s.roles[roleID]
	if !ok {
		r = &memRole{entries: make(map[int64]Entry)}
		s.roles[roleID] = r
	}
	return r
}

func (s *MemoryStore) Load(_ context.Context, roleID int64) (RoleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return RoleState{}, nil
	}
	st := RoleState{Computed: r.computed, Generation: r.gen}
	if r.computed {
		st.Entries = make([]Entry, 0, len(r.entries))
		for _, e := range r.entries {
			st.Entries = append(st.Entries, e)
		}
		sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].FeatureID < st.Entries[j].FeatureID })
	}
	return st, nil
}

func (s *MemoryStore) Bump(_ context.Context, roleID int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.role(roleID)
	r.gen++
	return r.gen, nil
}

func (s *MemoryStore) Merge(_ context.Context, roleID int64, e Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.role(roleID)
	r.gen++
	if r.computed && e.Mask != 0 {
		cur := r.entries[e.FeatureID]
		cur.FeatureID = e.FeatureID
		if e.FeatureKey != "" {
			cur.FeatureKey = e.FeatureKey
		}
		cur.Mask |= e.Mask
		r.entries[e.FeatureID] = cur
	}
	return r.gen, nil
}

func (s *MemoryStore) StoreRole(_ context.Context, roleID int64, gen uint64, entries []Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.role(roleID)
	if r.gen != gen {
		return false, nil
	}
	r.entries = make(map[int64]Entry, len(entries))
	for _, e := range entries {
		if e.Mask != 0 {
			r.entries[e.FeatureID] = e
		}
	}
	r.computed = true
	return true, nil
}

func (s *MemoryStore) StoreFeature(_ context.Context, roleID int64, gen uint64, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.role(roleID)
	if r.gen != gen {
		return false, nil
	}
	if !r.computed {
		return true, nil
	}
	if e.Mask == 0 {
		delete(r.entries, e.FeatureID)
		return true, nil
	}
	if e.FeatureKey == "" {
		e.FeatureKey = r.entries[e.FeatureID].FeatureKey
	}
	r.entries[e.FeatureID] = e
	return true, nil
}

func (s *MemoryStore) Invalidate(_ context.Context, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.role(roleID)
	r.gen++
	r.computed = false
	r.entries = make(map[int64]Entry)
	return nil
}

func (s *MemoryStore) RolesWithFeature(_ context.Context, featureID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, r := range s.roles {
		if _, ok := r.entries[featureID]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.roles {
		r.gen++
		r.computed = false
		r.entries = make(map[int64]Entry)
		n++
	}
	return n, nil
}
