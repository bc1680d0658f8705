// Package syncengine is the write path: it sends write intents to the server
// when it can and queues them durably when it cannot, replaying the queue in
// order once connectivity returns.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wurt83ow/offsync/pkg/apiclient"
	"github.com/wurt83ow/offsync/pkg/metrics"
	"github.com/wurt83ow/offsync/pkg/models"
	"github.com/wurt83ow/offsync/pkg/syncinfo"
	"go.uber.org/zap"
)

// DefaultRetention is how long a queued operation may wait for a replay.
const DefaultRetention = 24 * time.Hour

// ErrStorage wraps failures of the durable queue.
var ErrStorage = errors.New("sync storage failure")

// Executor sends one request to the server.
type Executor interface {
	Do(ctx context.Context, verb, endpoint string, body []byte, reqEditors ...apiclient.RequestEditorFn) (*apiclient.Response, error)
}

// Connectivity is the part of the network monitor the engine needs.
type Connectivity interface {
	IsOffline() bool
	OnReconnect(h func()) (unsubscribe func())
}

type Engine struct {
	exec      Executor
	net       Connectivity
	queue     *Queue
	logger    *zap.Logger
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Collector
	info      *syncinfo.SyncManager

	drainMu sync.Mutex
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.retention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithSyncInfo records every drain in sm.
func WithSyncInfo(sm *syncinfo.SyncManager) Option {
	return func(e *Engine) {
		e.info = sm
	}
}

func New(exec Executor, net Connectivity, queue *Queue, opts ...Option) *Engine {
	e := &Engine{
		exec:      exec,
		net:       net,
		queue:     queue,
		logger:    zap.NewNop(),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Mutate applies a write intent. The returned error is nil when the write
// was confirmed or queued; a *apiclient.StatusError when the server rejected
// it; ErrStorage when it could not be queued.
func (e *Engine) Mutate(ctx context.Context, endpoint string, method models.Method, body any) (*models.MutateResult, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("endpoint", endpoint), zap.String("method", string(method)))

	if e.net.IsOffline() {
		log.Debug("offline, queueing write")
		return e.enqueue(ctx, endpoint, method, payload)
	}

	resp, err := e.exec.Do(ctx, method.HTTPVerb(), endpoint, payload)
	switch {
	case err == nil:
		e.metrics.Mutation("synced")
		return &models.MutateResult{Success: true, Data: responseData(resp.Body)}, nil
	case apiclient.IsConnectivityError(err):
		log.Info("server unreachable, queueing write", zap.Error(err))
		return e.enqueue(ctx, endpoint, method, payload)
	}

	var se *apiclient.StatusError
	if errors.As(err, &se) {
		log.Warn("write rejected by server", zap.Int("status", se.StatusCode))
		e.metrics.Mutation("rejected")
	} else {
		log.Error("write failed", zap.Error(err))
		e.metrics.Mutation("error")
	}
	return &models.MutateResult{Success: false, Error: err.Error()}, err
}

func (e *Engine) enqueue(ctx context.Context, endpoint string, method models.Method, payload []byte) (*models.MutateResult, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return e.storageFailure(fmt.Errorf("%w: operation id: %v", ErrStorage, err))
	}
	op := models.QueuedOperation{
		ID:         id.String(),
		Endpoint:   endpoint,
		Method:     method,
		Body:       payload,
		EnqueuedAt: e.now().UTC(),
	}
	n, err := e.queue.Append(ctx, op)
	if err != nil {
		return e.storageFailure(fmt.Errorf("%w: append: %v", ErrStorage, err))
	}
	e.metrics.Enqueued()
	e.metrics.SetQueueDepth(n)
	e.metrics.Mutation("queued")
	e.logger.Info("write queued",
		zap.String("id", op.ID),
		zap.String("endpoint", endpoint),
		zap.Int("depth", n),
	)
	return &models.MutateResult{Success: true, Queued: true}, nil
}

func (e *Engine) storageFailure(err error) (*models.MutateResult, error) {
	e.logger.Error("cannot queue write", zap.Error(err))
	e.metrics.Mutation("error")
	return &models.MutateResult{Success: false, Error: err.Error()}, err
}

// DrainReport summarizes one drain. Every operation lands in exactly one of
// Replayed, Expired or Failed; Attempted counts the requests sent.
type DrainReport struct {
	Attempted int  `json:"attempted"`
	Replayed  int  `json:"replayed"`
	Expired   int  `json:"expired"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
	Skipped   bool `json:"skipped"` // device was offline
}

// Drain replays the queue head to tail, one request at a time. Replayed and
// expired operations are removed in one atomic write at the end; failed ones
// stay for the next drain. Drains never overlap.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	var rep DrainReport
	if e.net.IsOffline() {
		rep.Skipped = true
		return rep, nil
	}

	ops, err := e.queue.Snapshot(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: read queue: %v", ErrStorage, err)
	}
	if len(ops) == 0 {
		e.metrics.SetQueueDepth(0)
		return rep, nil
	}

	started := e.now()
	done := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		log := e.logger.With(
			zap.String("id", op.ID),
			zap.String("endpoint", op.Endpoint),
			zap.String("method", string(op.Method)),
		)
		if op.Expired(e.now(), e.retention) {
			log.Warn("dropping expired operation", zap.Time("enqueuedAt", op.EnqueuedAt))
			done[op.ID] = struct{}{}
			rep.Expired++
			continue
		}

		rep.Attempted++
		_, err := e.exec.Do(ctx, op.Method.HTTPVerb(), op.Endpoint, op.Body)
		if err == nil {
			log.Debug("operation replayed")
			done[op.ID] = struct{}{}
			rep.Replayed++
			continue
		}

		if op.Expired(e.now(), e.retention) {
			log.Warn("dropping operation that expired during replay", zap.Error(err))
			done[op.ID] = struct{}{}
			rep.Expired++
			continue
		}
		rep.Failed++
		log.Info("replay failed, keeping operation", zap.Error(err))
	}

	// Acknowledged operations must leave the queue even if ctx was canceled.
	remaining, err := e.queue.Remove(context.WithoutCancel(ctx), done)
	if err != nil {
		return rep, fmt.Errorf("%w: persist queue: %v", ErrStorage, err)
	}
	rep.Pending = remaining

	e.metrics.Drained(rep.Replayed, rep.Expired, rep.Failed)
	e.metrics.SetQueueDepth(remaining)
	if e.info != nil {
		if err := e.info.RecordDrain(started, rep.Attempted, rep.Replayed, rep.Expired, rep.Failed, rep.Pending); err != nil {
			e.logger.Warn("cannot save sync info", zap.Error(err))
		}
	}
	e.logger.Info("drain finished",
		zap.Int("attempted", rep.Attempted),
		zap.Int("replayed", rep.Replayed),
		zap.Int("expired", rep.Expired),
		zap.Int("failed", rep.Failed),
		zap.Int("pending", rep.Pending),
	)
	return rep, ctx.Err()
}

// Pending returns the persisted queue head to tail.
func (e *Engine) Pending(ctx context.Context) ([]models.QueuedOperation, error) {
	ops, err := e.queue.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read queue: %v", ErrStorage, err)
	}
	return ops, nil
}

// Start drains once now and again on every reconnect until stop is called.
// stop waits for a running drain to finish.
func (e *Engine) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		stopped bool
	)
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("drain failed", zap.Error(err))
			}
		}()
	}

	unsubscribe := e.net.OnReconnect(trigger)
	trigger()

	return func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		mu.Unlock()
		cancel()
		wg.Wait()
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return checkJSON(b)
	case []byte:
		return checkJSON(b)
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return out, nil
}

func checkJSON(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return buf.Bytes(), nil
}

func responseData(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
