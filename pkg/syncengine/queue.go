package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wurt83ow/offsync/pkg/kvcache"
	"github.com/wurt83ow/offsync/pkg/models"
)

// QueueKey is the KV key holding the persisted write queue.
const QueueKey = "sync_queue"

// Queue is the durable FIFO of write intents. Every mutation re-reads the
// persisted list inside the same transaction that writes it back.
type Queue struct {
	kv  *kvcache.Cache
	key string
}

func NewQueue(kv *kvcache.Cache) *Queue {
	return &Queue{kv: kv, key: QueueKey}
}

// Append adds op at the tail and returns the new queue length.
func (q *Queue) Append(ctx context.Context, op models.QueuedOperation) (int, error) {
	var n int
	err := q.kv.Update(ctx, q.key, func(old []byte, found bool) ([]byte, error) {
		ops, err := decodeQueue(old, found)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		n = len(ops)
		return json.Marshal(ops)
	})
	return n, err
}

// Snapshot returns the queue head to tail.
func (q *Queue) Snapshot(ctx context.Context) ([]models.QueuedOperation, error) {
	raw, found, err := q.kv.Get(ctx, q.key)
	if err != nil {
		return nil, err
	}
	return decodeQueue(raw, found)
}

// Remove drops the operations with the given ids from the current persisted
// queue, keeping anything appended meanwhile. It returns the remaining length.
func (q *Queue) Remove(ctx context.Context, ids map[string]struct{}) (int, error) {
	var n int
	err := q.kv.Update(ctx, q.key, func(old []byte, found bool) ([]byte, error) {
		ops, err := decodeQueue(old, found)
		if err != nil {
			return nil, err
		}
		kept := ops[:0]
		for _, op := range ops {
			if _, ok := ids[op.ID]; !ok {
				kept = append(kept, op)
			}
		}
		n = len(kept)
		return json.Marshal(kept)
	})
	return n, err
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.Snapshot(ctx)
	return len(ops), err
}

func decodeQueue(raw []byte, found bool) ([]models.QueuedOperation, error) {
	ops := make([]models.QueuedOperation, 0)
	if !found || len(raw) == 0 {
		return ops, nil
	}
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", kvcache.ErrCorrupt, QueueKey, err)
	}
	return ops, nil
}
