package rms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRequestNotFound is returned for unknown request IDs.
var ErrRequestNotFound = errors.New("request not found")

// Store is the request store the scheduler reports back into.
type Store interface {
	GetRequest(ctx context.Context, id int64) (*Request, error)
	GetRequestStatus(ctx context.Context, id int64) (Status, error)

	// PutRequest persists req, assigning IDs to the request, its operations
	// and files where missing, and returns the request ID.
	PutRequest(ctx context.Context, req *Request) (int64, error)
}

// MemoryStore is an in-memory Store. Requests are copied in and out.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[int64]*Request
	nextID   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[int64]*Request)}
}

// GetRequest implements Store.
func (s *MemoryStore) GetRequest(_ context.Context, id int64) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r.Clone(), nil
}

// GetRequestStatus implements Store.
func (s *MemoryStore) GetRequestStatus(_ context.Context, id int64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return "", ErrRequestNotFound
	}
	return r.Status, nil
}

// PutRequest implements Store. The request status is derived from its
// operations on every write.
func (s *MemoryStore) PutRequest(_ context.Context, req *Request) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == 0 {
		req.ID = s.next()
		req.Created = time.Now()
	} else if _, ok := s.requests[req.ID]; !ok {
		return 0, ErrRequestNotFound
	}
	for _, op := range req.Operations {
		if op.ID == 0 {
			op.ID = s.next()
		}
		for _, f := range op.Files {
			if f.ID == 0 {
				f.ID = s.next()
			}
		}
	}
	req.Refresh()

	s.requests[req.ID] = req.Clone()
	return req.ID, nil
}

// IDs returns the stored request IDs in ascending order.
func (s *MemoryStore) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *MemoryStore) next() int64 {
	s.nextID++
	return s.nextID
}
