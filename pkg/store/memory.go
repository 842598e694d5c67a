package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
)

type storedDump struct {
	data   []byte
	digest string
}

// MemoryStore is a ChainStore held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	dumps   map[DumpKey]storedDump
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		dumps:   make(map[DumpKey]storedDump),
	}
}

func copyRecord(r *Record) *Record {
	cp := *r
	if r.Chain != nil {
		cp.Chain = r.Chain.Clone()
	}
	return &cp
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: ownable %s", ErrNotFound, id)
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	for k := range s.dumps {
		if k.OwnableID == id {
			delete(s.dumps, k)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.dumps = make(map[DumpKey]storedDump)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetStateDump(_ context.Context, key DumpKey) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dumps[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: dump %s@%s", ErrNotFound, key.OwnableID, key.StateHash)
	}
	return bytes.Clone(d.data), d.digest, nil
}

func (s *MemoryStore) PutStateDump(_ context.Context, key DumpKey, data []byte, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumps[key] = storedDump{data: bytes.Clone(data), digest: digest}
	return nil
}

func (s *MemoryStore) DeleteStateDumps(_ context.Context, ownableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.dumps {
		if k.OwnableID == ownableID {
			delete(s.dumps, k)
		}
	}
	return nil
}
