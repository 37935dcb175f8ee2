package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process. Replays do not survive a restart or span instances.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) lookup(id string) *Record {
	if rec, ok := s.records[id]; ok {
		return &rec
	}
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, claim Claim) (Outcome, Record, error) {
	claim = claim.normalised()
	id := claim.DocID()

	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, rec, write, err := decide(s.lookup(id), claim)
	if err != nil {
		return 0, Record{}, err
	}
	if write {
		s.records[id] = rec
	}
	return outcome, rec, nil
}

func (s *MemoryStore) Complete(_ context.Context, claim Claim, resp Response) error {
	claim = claim.normalised()
	id := claim.DocID()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := finish(s.lookup(id), claim, resp)
	if err != nil {
		return err
	}
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, claim Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, claim.DocID())
	return nil
}

// Purge drops up to limit expired keys; limit <= 0 means all of them.
func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if rec.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
