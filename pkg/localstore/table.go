package localstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Table is a typed view over one store table. T must marshal to a JSON
// object with an "id" field.
type Table[T any] struct {
	store *Store
	name  string
}

func NewTable[T any](s *Store, name string) *Table[T] {
	return &Table[T]{store: s, name: name}
}

func (t *Table[T]) Name() string { return t.name }

// Add stores rec and returns it with the id the store assigned.
func (t *Table[T]) Add(ctx context.Context, rec T) (T, error) {
	var zero T
	raw, err := json.Marshal(rec)
	if err != nil {
		return zero, fmt.Errorf("marshal %s record: %w", t.name, err)
	}
	raw, _, err = EnsureID(raw)
	if err != nil {
		return zero, err
	}
	if _, err := t.store.Add(ctx, t.name, raw); err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}

func (t *Table[T]) All(ctx context.Context) ([]T, error) {
	docs, err := t.store.GetAll(ctx, t.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var rec T
		if err := json.Unmarshal(d, &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", t.name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns nil when the record does not exist.
func (t *Table[T]) Get(ctx context.Context, id string) (*T, error) {
	doc, err := t.store.GetByID(ctx, t.name, id)
	if err != nil || doc == nil {
		return nil, err
	}
	var rec T
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", t.name, err)
	}
	return &rec, nil
}

func (t *Table[T]) Put(ctx context.Context, rec T) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", t.name, err)
	}
	return t.store.Update(ctx, t.name, raw)
}

func (t *Table[T]) Remove(ctx context.Context, id string) error {
	return t.store.Remove(ctx, t.name, id)
}

func (t *Table[T]) Clear(ctx context.Context) error {
	return t.store.Clear(ctx, t.name)
}

func (t *Table[T]) ReplaceAll(ctx context.Context, recs []T) error {
	docs := make([]json.RawMessage, 0, len(recs))
	for _, r := range recs {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", t.name, err)
		}
		docs = append(docs, raw)
	}
	return t.store.ReplaceAll(ctx, t.name, docs)
}
