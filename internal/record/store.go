package record

import (
	"context"
	"sort"
	"sync"

	"github.com/CardFlight/payment-agent/internal/errs"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errs.New(errs.CodeNotFound, "transaction record not found")

// ListOptions narrows List.
type ListOptions struct {
	// Limit caps the result, newest first. Zero means 50.
	Limit             int
	MerchantAccountID string
	ParentID          string
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return 50
	}
	return o.Limit
}

// Store persists records. Implementations store and return copies.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errs.New(errs.CodeInvalidArgument, "record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if opts.MerchantAccountID != "" && rec.MerchantAccountID != opts.MerchantAccountID {
			continue
		}
		if opts.ParentID != "" && rec.ParentID != opts.ParentID {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > opts.limit() {
		out = out[:opts.limit()]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
