package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/gridrepl/gridrepl/internal/rms"
)

const (
	requests = "req"
	sequence = "seq" + collectionSepa + "id"
)

// RequestStore is an rms.Store kept in the same database as the operations.
type RequestStore struct {
	db *buntdb.DB

	// mu serializes ID allocation with the write that uses it.
	mu sync.Mutex
}

var _ rms.Store = (*RequestStore)(nil)

// Requests returns the request store sharing this database.
func (s *OperationStore) Requests() *RequestStore {
	return &RequestStore{db: s.db}
}

func requestKey(id int64) string {
	// Zero padded so key order is ID order.
	return makeKey(requests, fmt.Sprintf("%020d", id))
}

// GetRequest implements rms.Store.
func (s *RequestStore) GetRequest(_ context.Context, id int64) (*rms.Request, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(requestKey(id))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, rms.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	req := &rms.Request{}
	if err := js.UnmarshalFromString(raw, req); err != nil {
		return nil, fmt.Errorf("decode request %d: %w", id, err)
	}
	return req, nil
}

// GetRequestStatus implements rms.Store.
func (s *RequestStore) GetRequestStatus(ctx context.Context, id int64) (rms.Status, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

// PutRequest implements rms.Store.
func (s *RequestStore) PutRequest(_ context.Context, req *rms.Request) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// IDs handed out in a failed transaction are taken back.
	var assigned []*int64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		next, err := readSequence(tx)
		if err != nil {
			return err
		}
		alloc := func(id *int64) {
			next++
			*id = next
			assigned = append(assigned, id)
		}

		if req.ID == 0 {
			alloc(&req.ID)
			req.Created = time.Now()
		} else if _, err := tx.Get(requestKey(req.ID)); err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return rms.ErrRequestNotFound
			}
			return err
		}
		for _, op := range req.Operations {
			if op.ID == 0 {
				alloc(&op.ID)
			}
			for _, f := range op.Files {
				if f.ID == 0 {
					alloc(&f.ID)
				}
			}
		}
		req.Refresh()

		b, err := js.MarshalToString(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		if _, _, err := tx.Set(requestKey(req.ID), b, nil); err != nil {
			return err
		}
		_, _, err = tx.Set(sequence, strconv.FormatInt(next, 10), nil)
		return err
	})
	if err != nil {
		for _, id := range assigned {
			*id = 0
		}
		return 0, err
	}
	return req.ID, nil
}

func readSequence(tx *buntdb.Tx) (int64, error) {
	raw, err := tx.Get(sequence)
	if errors.Is(err, buntdb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// IDs returns the stored request IDs in ascending order.
func (s *RequestStore) IDs() []int64 {
	var ids []int64
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(makeKey(requests, "*"), func(key, _ string) bool {
			_, suffix, _ := strings.Cut(key, collectionSepa)
			if id, err := strconv.ParseInt(suffix, 10, 64); err == nil {
				ids = append(ids, id)
			}
			return true
		})
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
