// Package store persists operations, with their files and jobs, in a buntdb
// database so the agent can resume after a restart.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/gridrepl/gridrepl/internal/operation"
)

// ErrNotFound is returned for unknown operation IDs.
var ErrNotFound = errors.New("operation not found")

const (
	collectionSepa = "##"
	operations     = "op"
	statusIndex    = "op_status"
)

var js = jsoniter.ConfigCompatibleWithStandardLibrary

// OperationStore keeps one JSON record per operation.
type OperationStore struct {
	db *buntdb.DB
}

// Open opens the database at path, creating it if needed. An empty path or
// ":memory:" opens an in-memory database.
func Open(path string) (*OperationStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open operation store %s: %w", path, err)
	}
	if err := db.CreateIndex(statusIndex, makeKey(operations, "*"), buntdb.IndexJSON("status")); err != nil {
		db.Close()
		return nil, fmt.Errorf("create status index: %w", err)
	}
	return &OperationStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *OperationStore) Close() error {
	return s.db.Close()
}

func makeKey(collection, key string) string {
	return collection + collectionSepa + key
}

// Put writes op, replacing any previous record.
func (s *OperationStore) Put(op *operation.Operation) error {
	b, err := js.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(makeKey(operations, op.ID.String()), string(b), nil)
		return err
	})
}

// Get loads the operation with the given ID.
func (s *OperationStore) Get(id uuid.UUID) (*operation.Operation, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(makeKey(operations, id.String()))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Delete removes the operation with the given ID.
func (s *OperationStore) Delete(id uuid.UUID) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(makeKey(operations, id.String()))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// List returns every stored operation in key order.
func (s *OperationStore) List() ([]*operation.Operation, error) {
	var raws []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(makeKey(operations, "*"), func(_, value string) bool {
			raws = append(raws, value)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(raws)
}

// ListByStatus returns the operations in any of the given statuses.
func (s *OperationStore) ListByStatus(statuses ...operation.Status) ([]*operation.Operation, error) {
	var raws []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		for _, st := range statuses {
			pivot := fmt.Sprintf(`{"status":%q}`, st.String())
			err := tx.AscendEqual(statusIndex, pivot, func(_, value string) bool {
				raws = append(raws, value)
				return true
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(raws)
}

// ListActive returns the operations that still need work: Active ones and
// Processed ones waiting for their callback.
func (s *OperationStore) ListActive() ([]*operation.Operation, error) {
	return s.ListByStatus(operation.StatusActive, operation.StatusProcessed)
}

// Count returns the number of stored operations per status.
func (s *OperationStore) Count() (map[operation.Status]int, error) {
	ops, err := s.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[operation.Status]int)
	for _, op := range ops {
		counts[op.Status]++
	}
	return counts, nil
}

func decodeAll(raws []string) ([]*operation.Operation, error) {
	ops := make([]*operation.Operation, 0, len(raws))
	var errs []string
	for _, raw := range raws {
		op, err := decode(raw)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		ops = append(ops, op)
	}
	if len(errs) > 0 {
		return ops, fmt.Errorf("decode %d operation(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return ops, nil
}

func decode(raw string) (*operation.Operation, error) {
	op := &operation.Operation{}
	if err := js.UnmarshalFromString(raw, op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if err := op.Relink(); err != nil {
		return nil, err
	}
	return op, nil
}
