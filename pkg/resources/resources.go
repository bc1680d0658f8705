// Package resources binds each resource type to the single write path (sync
// engine), the read path (cache gateway) and its local mirror table.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wurt83ow/offsync/pkg/apiclient"
	"github.com/wurt83ow/offsync/pkg/gateway"
	"github.com/wurt83ow/offsync/pkg/localstore"
	"github.com/wurt83ow/offsync/pkg/models"
	"go.uber.org/zap"
)

// Mutator is the write path.
type Mutator interface {
	Mutate(ctx context.Context, endpoint string, method models.Method, body any) (*models.MutateResult, error)
}

// Resource is one REST collection. Every write goes through the mutator;
// the local table is only updated after the write was confirmed or queued.
type Resource[T any] struct {
	name     string
	endpoint string
	writes   Mutator
	reads    *gateway.Gateway
	local    *localstore.Table[T]
	logger   *zap.Logger
}

func NewResource[T any](name, endpoint string, writes Mutator, reads *gateway.Gateway, store *localstore.Store, logger *zap.Logger) *Resource[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resource[T]{
		name:     name,
		endpoint: endpoint,
		writes:   writes,
		reads:    reads,
		local:    localstore.NewTable[T](store, name),
		logger:   logger.With(zap.String("resource", name)),
	}
}

func (r *Resource[T]) Name() string     { return r.name }
func (r *Resource[T]) Endpoint() string { return r.endpoint }

// List reads the collection through the gateway. A fresh server list
// replaces the local mirror.
func (r *Resource[T]) List(ctx context.Context) ([]T, gateway.Source, error) {
	items, src, err := gateway.ReadWithSource(ctx, r.reads, r.endpoint, r.name, []T{})
	if err != nil {
		return nil, "", err
	}
	if src == gateway.SourceNetwork {
		if err := r.local.ReplaceAll(ctx, items); err != nil {
			r.logger.Warn("cannot mirror list locally", zap.Error(err))
		}
	}
	return items, src, nil
}

// Get reads one record from the local mirror; nil when absent.
func (r *Resource[T]) Get(ctx context.Context, id string) (*T, error) {
	return r.local.Get(ctx, id)
}

// Create assigns a client id when rec has none, so a queued create and its
// later replay refer to the same record.
func (r *Resource[T]) Create(ctx context.Context, rec T) (T, *models.MutateResult, error) {
	var zero T
	raw, err := json.Marshal(rec)
	if err != nil {
		return zero, nil, fmt.Errorf("marshal %s: %w", r.name, err)
	}
	raw, _, err = localstore.EnsureID(raw)
	if err != nil {
		return zero, nil, err
	}

	res, err := r.writes.Mutate(ctx, r.endpoint, models.MethodCreate, json.RawMessage(raw))
	if err != nil {
		return zero, res, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, res, err
	}
	if err := r.local.Put(ctx, out); err != nil {
		r.logger.Warn("cannot mirror created record", zap.Error(err))
	}
	return out, res, nil
}

// Update sends a partial change for id and merges it into the local copy.
func (r *Resource[T]) Update(ctx context.Context, id string, patch map[string]any) (*models.MutateResult, error) {
	target, err := apiclient.ResourcePath(r.endpoint, id)
	if err != nil {
		return nil, err
	}
	res, err := r.writes.Mutate(ctx, target, models.MethodUpdate, patch)
	if err != nil {
		return res, err
	}
	if err := r.mergeLocal(ctx, id, patch); err != nil {
		r.logger.Warn("cannot mirror update", zap.String("id", id), zap.Error(err))
	}
	return res, nil
}

// Replace sends the whole record. rec must carry its id.
func (r *Resource[T]) Replace(ctx context.Context, rec T) (*models.MutateResult, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", r.name, err)
	}
	id, err := localstore.DocumentID(raw)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, localstore.ErrMissingID
	}
	target, err := apiclient.ResourcePath(r.endpoint, id)
	if err != nil {
		return nil, err
	}
	res, err := r.writes.Mutate(ctx, target, models.MethodReplace, json.RawMessage(raw))
	if err != nil {
		return res, err
	}
	if err := r.local.Put(ctx, rec); err != nil {
		r.logger.Warn("cannot mirror replace", zap.String("id", id), zap.Error(err))
	}
	return res, nil
}

func (r *Resource[T]) Delete(ctx context.Context, id string) (*models.MutateResult, error) {
	target, err := apiclient.ResourcePath(r.endpoint, id)
	if err != nil {
		return nil, err
	}
	res, err := r.writes.Mutate(ctx, target, models.MethodDelete, nil)
	if err != nil {
		return res, err
	}
	if err := r.local.Remove(ctx, id); err != nil {
		r.logger.Warn("cannot mirror delete", zap.String("id", id), zap.Error(err))
	}
	return res, nil
}

func (r *Resource[T]) mergeLocal(ctx context.Context, id string, patch map[string]any) error {
	cur, err := r.local.Get(ctx, id)
	if err != nil || cur == nil {
		return err
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return err
	}
	return r.local.Put(ctx, out)
}

// Set holds every resource type of the application.
type Set struct {
	Assets        *Resource[models.Asset]
	Liabilities   *Resource[models.Liability]
	Budgets       *Resource[models.Budget]
	DailyExpenses *Resource[models.DailyExpense]
	Income        *Resource[models.Income]
	Transactions  *Resource[models.Transaction]
	Settings      *Resource[models.Setting]
}

// NewSet builds every resource under apiPrefix. Table names map to
// endpoints with dashes: daily_expenses is served at <prefix>daily-expenses.
func NewSet(apiPrefix string, writes Mutator, reads *gateway.Gateway, store *localstore.Store, logger *zap.Logger) *Set {
	ep := func(table string) string {
		return strings.TrimSuffix(apiPrefix, "/") + "/" + strings.ReplaceAll(table, "_", "-")
	}
	return &Set{
		Assets:        NewResource[models.Asset](models.TableAssets, ep(models.TableAssets), writes, reads, store, logger),
		Liabilities:   NewResource[models.Liability](models.TableLiabilities, ep(models.TableLiabilities), writes, reads, store, logger),
		Budgets:       NewResource[models.Budget](models.TableBudgets, ep(models.TableBudgets), writes, reads, store, logger),
		DailyExpenses: NewResource[models.DailyExpense](models.TableDailyExpenses, ep(models.TableDailyExpenses), writes, reads, store, logger),
		Income:        NewResource[models.Income](models.TableIncome, ep(models.TableIncome), writes, reads, store, logger),
		Transactions:  NewResource[models.Transaction](models.TableTransactions, ep(models.TableTransactions), writes, reads, store, logger),
		Settings:      NewResource[models.Setting](models.TableSettings, ep(models.TableSettings), writes, reads, store, logger),
	}
}
