package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wurt83ow/offsync/pkg/apiclient"
	"github.com/wurt83ow/offsync/pkg/kvcache"
	"github.com/wurt83ow/offsync/pkg/models"
	"github.com/wurt83ow/offsync/pkg/netmon"
	"github.com/wurt83ow/offsync/pkg/sqlitedb"
	"github.com/wurt83ow/offsync/pkg/syncinfo"
)

type call struct {
	Verb     string
	Endpoint string
	Body     string
}

// fakeServer records every request and answers with fail(c) or success.
type fakeServer struct {
	mu    sync.Mutex
	calls []call
	fail  func(c call) error
	hook  func(c call)
}

func (f *fakeServer) Do(ctx context.Context, verb, endpoint string, body []byte, _ ...apiclient.RequestEditorFn) (*apiclient.Response, error) {
	c := call{Verb: verb, Endpoint: endpoint, Body: string(body)}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail, hook := f.fail, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	if fail != nil {
		if err := fail(c); err != nil {
			return nil, err
		}
	}
	return &apiclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
}

func (f *fakeServer) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sqlitedb.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newEngine(t *testing.T, exec Executor, opts ...Option) (*Engine, *netmon.Monitor, *Queue) {
	t.Helper()
	q := NewQueue(kvcache.New(openDB(t, sqlitedb.MemoryPath)))
	mon := netmon.New()
	return New(exec, mon, q, opts...), mon, q
}

func offlineErr(c call) error {
	return fmt.Errorf("%w: dial tcp: connection refused", apiclient.ErrNetworkUnavailable)
}

func TestOfflineWritesReplayInOrder(t *testing.T) {
	srv := &fakeServer{}
	e, mon, _ := newEngine(t, srv)
	ctx := context.Background()

	mon.Set(false)
	for i := 0; i < 5; i++ {
		res, err := e.Mutate(ctx, "/api/transactions", models.MethodCreate, map[string]int{"n": i})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Queued)
	}
	assert.Empty(t, srv.Calls())

	// Проход без сети ничего не отправляет.
	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	mon.Set(true)
	rep, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Replayed)
	assert.Zero(t, rep.Pending)

	calls := srv.Calls()
	require.Len(t, calls, 5)
	for i, c := range calls {
		assert.Equal(t, http.MethodPost, c.Verb)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), c.Body)
	}

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateThenUpdateKeepsOrder(t *testing.T) {
	srv := &fakeServer{}
	e, mon, _ := newEngine(t, srv)
	ctx := context.Background()

	mon.Set(false)
	_, err := e.Mutate(ctx, "/api/budgets", models.MethodCreate, json.RawMessage(`{"id":"b1","limit":"10"}`))
	require.NoError(t, err)
	_, err = e.Mutate(ctx, "/api/budgets/b1", models.MethodUpdate, json.RawMessage(`{"limit":"20"}`))
	require.NoError(t, err)
	_, err = e.Mutate(ctx, "/api/budgets/b1", models.MethodDelete, nil)
	require.NoError(t, err)

	mon.Set(true)
	_, err = e.Drain(ctx)
	require.NoError(t, err)

	calls := srv.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{http.MethodPost, http.MethodPatch, http.MethodDelete},
		[]string{calls[0].Verb, calls[1].Verb, calls[2].Verb})
	assert.Empty(t, calls[2].Body)
}

func TestQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	ctx := context.Background()
	srv := &fakeServer{fail: func(c call) error {
		return &apiclient.StatusError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	}}

	db, err := sqlitedb.Open(path)
	require.NoError(t, err)
	mon := netmon.New()
	mon.Set(false)
	e := New(srv, mon, NewQueue(kvcache.New(db)))
	_, err = e.Mutate(ctx, "/api/liabilities", models.MethodCreate, map[string]string{"title": "Car Loan"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Новый процесс: очередь читается с диска.
	db = openDB(t, path)
	mon = netmon.New()
	e = New(srv, mon, NewQueue(kvcache.New(db)))

	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempted)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Pending)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/api/liabilities", pending[0].Endpoint)
	assert.JSONEq(t, `{"title":"Car Loan"}`, string(pending[0].Body))
}

func TestExpiredOperationIsDroppedWithoutSend(t *testing.T) {
	srv := &fakeServer{}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e, mon, _ := newEngine(t, srv, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	mon.Set(false)
	_, err := e.Mutate(ctx, "/api/income", models.MethodCreate, map[string]string{"source": "old"})
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	_, err = e.Mutate(ctx, "/api/income", models.MethodCreate, map[string]string{"source": "fresh"})
	require.NoError(t, err)

	mon.Set(true)
	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Replayed)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"source":"fresh"}`, calls[0].Body)
}

func TestFailedReplayKeptUntilRetentionElapses(t *testing.T) {
	srv := &fakeServer{fail: offlineErr}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e, mon, _ := newEngine(t, srv, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	mon.Set(false)
	_, err := e.Mutate(ctx, "/api/assets", models.MethodCreate, map[string]string{"title": "Flat"})
	require.NoError(t, err)
	mon.Set(true)

	now = now.Add(23 * time.Hour)
	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pending)

	now = now.Add(2 * time.Hour)
	rep, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Zero(t, rep.Pending)
	assert.Len(t, srv.Calls(), 1)
}

// Операция, истёкшая во время неудачной отправки, считается только истёкшей.
func TestOperationExpiringDuringReplayCountedOnce(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := &fakeServer{fail: offlineErr}
	srv.hook = func(call) { now = now.Add(2 * time.Hour) }
	e, mon, _ := newEngine(t, srv, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	mon.Set(false)
	_, err := e.Mutate(ctx, "/api/assets", models.MethodCreate, map[string]string{"title": "Flat"})
	require.NoError(t, err)
	mon.Set(true)

	now = now.Add(23 * time.Hour)
	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempted)
	assert.Equal(t, 1, rep.Expired)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, rep.Replayed)
	assert.Zero(t, rep.Pending)
}

func TestFailureDoesNotHaltDrain(t *testing.T) {
	srv := &fakeServer{fail: func(c call) error {
		if c.Endpoint == "/api/assets/bad" {
			return &apiclient.StatusError{StatusCode: http.StatusInternalServerError, Status: "500"}
		}
		return nil
	}}
	e, mon, _ := newEngine(t, srv)
	ctx := context.Background()

	mon.Set(false)
	for _, ep := range []string{"/api/assets/a", "/api/assets/bad", "/api/assets/c"} {
		_, err := e.Mutate(ctx, ep, models.MethodDelete, nil)
		require.NoError(t, err)
	}
	mon.Set(true)

	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Attempted)
	assert.Equal(t, 2, rep.Replayed)
	assert.Equal(t, 1, rep.Pending)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/api/assets/bad", pending[0].Endpoint)
}

func TestServerRejectionIsNotQueued(t *testing.T) {
	rejection := &apiclient.StatusError{StatusCode: http.StatusUnprocessableEntity, Status: "422 Unprocessable Entity"}
	srv := &fakeServer{fail: func(call) error { return rejection }}
	e, _, q := newEngine(t, srv)
	ctx := context.Background()

	res, err := e.Mutate(ctx, "/api/budgets", models.MethodCreate, map[string]string{"limit": "-1"})
	require.Error(t, err)
	var se *apiclient.StatusError
	assert.True(t, errors.As(err, &se))
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.NotEmpty(t, res.Error)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConnectivityFailureIsQueued(t *testing.T) {
	srv := &fakeServer{fail: offlineErr}
	e, _, q := newEngine(t, srv)
	ctx := context.Background()

	res, err := e.Mutate(ctx, "/api/assets", models.MethodCreate, map[string]string{"title": "Flat"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Queued)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOnlineWriteReturnsData(t *testing.T) {
	e, _, _ := newEngine(t, &fakeServer{})
	res, err := e.Mutate(context.Background(), "/api/assets", models.MethodCreate, map[string]string{"title": "Flat"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Queued)
	assert.JSONEq(t, `{"ok":true}`, string(res.Data))
}

func TestAppendDuringDrainIsKept(t *testing.T) {
	srv := &fakeServer{}
	e, mon, q := newEngine(t, srv)
	ctx := context.Background()

	mon.Set(false)
	_, err := e.Mutate(ctx, "/api/assets", models.MethodCreate, map[string]string{"title": "first"})
	require.NoError(t, err)
	mon.Set(true)

	var once sync.Once
	srv.hook = func(call) {
		once.Do(func() {
			_, err := q.Append(ctx, models.QueuedOperation{
				ID:         "late",
				Endpoint:   "/api/assets",
				Method:     models.MethodCreate,
				EnqueuedAt: time.Now(),
			})
			assert.NoError(t, err)
		})
	}

	rep, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)
	assert.Equal(t, 1, rep.Pending)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "late", pending[0].ID)
}

func TestStorageFailureIsReported(t *testing.T) {
	db := openDB(t, sqlitedb.MemoryPath)
	mon := netmon.New()
	e := New(&fakeServer{}, mon, NewQueue(kvcache.New(db)))
	require.NoError(t, db.Close())

	mon.Set(false)
	res, err := e.Mutate(context.Background(), "/api/assets", models.MethodCreate, nil)
	assert.ErrorIs(t, err, ErrStorage)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
}

func TestCorruptQueueIsStorageError(t *testing.T) {
	kv := kvcache.New(openDB(t, sqlitedb.MemoryPath))
	require.NoError(t, kv.Set(context.Background(), QueueKey, []byte("not json")))
	e := New(&fakeServer{}, netmon.New(), NewQueue(kv))

	_, err := e.Drain(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
}

func TestInvalidInput(t *testing.T) {
	e, _, _ := newEngine(t, &fakeServer{})
	_, err := e.Mutate(context.Background(), "/api/assets", models.Method("PATCH"), nil)
	assert.Error(t, err)

	_, err = e.Mutate(context.Background(), "/api/assets", models.MethodCreate, json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestDrainRecordsSyncInfo(t *testing.T) {
	sm, err := syncinfo.NewSyncManager(filepath.Join(t.TempDir(), "syncinfo.json"))
	require.NoError(t, err)
	e, mon, _ := newEngine(t, &fakeServer{}, WithSyncInfo(sm))
	ctx := context.Background()

	mon.Set(false)
	_, err = e.Mutate(ctx, "/api/assets", models.MethodCreate, map[string]string{"title": "Flat"})
	require.NoError(t, err)
	mon.Set(true)
	_, err = e.Drain(ctx)
	require.NoError(t, err)

	info := sm.GetSyncInfo()
	assert.Equal(t, 1, info.Replayed)
	assert.Equal(t, 1, info.TotalDrains)
	assert.False(t, info.LastSuccess.IsZero())
}

// Офлайн создание кредита, затем восстановление связи: ровно один POST.
func TestCarLoanEndToEnd(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.Method+" "+r.URL.Path+" "+string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"l1","title":"Car Loan","amount":"50000"}`))
	}))
	defer ts.Close()

	client, err := apiclient.NewClient(ts.URL)
	require.NoError(t, err)

	q := NewQueue(kvcache.New(openDB(t, sqlitedb.MemoryPath)))
	mon := netmon.New()
	mon.Set(false)
	e := New(client, mon, q)

	stop := e.Start(context.Background())
	defer stop()

	res, err := e.Mutate(context.Background(), "/api/liabilities", models.MethodCreate,
		map[string]string{"title": "Car Loan", "amount": "50000"})
	require.NoError(t, err)
	assert.Equal(t, &models.MutateResult{Success: true, Queued: true}, res)

	mon.Set(true)

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, `POST /api/liabilities {"amount":"50000","title":"Car Loan"}`, bodies[0])
}
