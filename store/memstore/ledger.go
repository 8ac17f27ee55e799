package memstore

import (
	"context"
	"sync"

	"github.com/braybrandon/rbacauth/refresh"
)

// Ledger is an in-memory refresh.Ledger. One mutex covers every row, which
// makes Rotate trivially atomic.
type Ledger struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*refresh.Record
	byHash map[string]int64
}

func NewLedger() *Ledger {
	return &Ledger{
		rows:   make(map[int64]*refresh.Record),
		byHash: make(map[string]int64),
	}
}

func (l *Ledger) insertLocked(in refresh.Issue) int64 {
	l.nextID++
	l.rows[l.nextID] = &refresh.Record{
		ID:        l.nextID,
		UserID:    in.UserID,
		TokenHash: in.TokenHash,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: in.CreatedAt,
	}
	l.byHash[in.TokenHash] = l.nextID
	return l.nextID
}

func (l *Ledger) Create(_ context.Context, in refresh.Issue) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(in), nil
}

func (l *Ledger) Get(_ context.Context, id int64) (*refresh.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return nil, refresh.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *Ledger) GetByHash(ctx context.Context, tokenHash string) (*refresh.Record, error) {
	l.mu.Lock()
	id, ok := l.byHash[tokenHash]
	l.mu.Unlock()
	if !ok {
		return nil, refresh.ErrNotFound
	}
	return l.Get(ctx, id)
}

func (l *Ledger) Rotate(_ context.Context, id int64, next refresh.Issue) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return 0, refresh.ErrNotFound
	}
	if r.Revoked {
		return 0, refresh.ErrAlreadyRevoked
	}
	r.Revoked = true
	return l.insertLocked(next), nil
}

func (l *Ledger) Revoke(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return refresh.ErrNotFound
	}
	r.Revoked = true
	return nil
}

func (l *Ledger) RevokeByHash(_ context.Context, tokenHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byHash[tokenHash]
	if !ok {
		return refresh.ErrNotFound
	}
	l.rows[id].Revoked = true
	return nil
}

func (l *Ledger) RevokeAllForUser(_ context.Context, userID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rows {
		if r.UserID == userID && !r.Revoked {
			r.Revoked = true
			n++
		}
	}
	return n, nil
}

var _ refresh.Ledger = (*Ledger)(nil)
