package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments without postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	byReq   map[[32]byte]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byReq: make(map[[32]byte]uint64)}
}

func (s *MemoryStore) Append(_ context.Context, r Record) (uint64, bool, error) {
	if err := r.Validate(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byReq[r.RequestID]; ok {
		if !recordEqual(s.records[idx], r) {
			return 0, false, ErrRequestMismatch
		}
		return idx, false, nil
	}

	r.Index = uint64(len(s.records))
	r.Processed = false
	s.records = append(s.records, cloneRecord(r))
	s.byReq[r.RequestID] = r.Index
	return r.Index, true, nil
}

func (s *MemoryStore) Get(_ context.Context, index uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint64(len(s.records)) {
		return Record{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return cloneRecord(s.records[index]), nil
}

func (s *MemoryStore) Range(_ context.Context, start, stop uint64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := uint64(len(s.records))
	if stop > n {
		stop = n
	}
	if start >= stop {
		return nil, nil
	}

	out := make([]Record, 0, stop-start)
	for i := start; i < stop; i++ {
		out = append(out, cloneRecord(s.records[i]))
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, indices []uint64, then func(context.Context) error) error {
	if len(indices) == 0 {
		return fmt.Errorf("%w: empty index set", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := uint64(len(s.records))
	seen := make(map[uint64]struct{}, len(indices))
	for _, idx := range indices {
		if idx >= n {
			return fmt.Errorf("%w: index %d", ErrNotFound, idx)
		}
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: duplicate index %d", ErrAlreadyProcessed, idx)
		}
		seen[idx] = struct{}{}
		if s.records[idx].Processed {
			return fmt.Errorf("%w: index %d", ErrAlreadyProcessed, idx)
		}
	}

	for _, idx := range indices {
		s.records[idx].Processed = true
	}

	if then != nil {
		if err := then(ctx); err != nil {
			for _, idx := range indices {
				s.records[idx].Processed = false
			}
			return err
		}
	}
	return nil
}

func (s *MemoryStore) NextIndex(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.records)), nil
}

var _ Store = (*MemoryStore)(nil)
