package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wurt83ow/offsync/pkg/config"
	"github.com/wurt83ow/offsync/pkg/edgecache"
	"github.com/wurt83ow/offsync/pkg/models"
	"github.com/wurt83ow/offsync/pkg/syncengine"
)

func testOptions(t *testing.T, serverURL string) *config.Options {
	t.Helper()
	opt := config.Default()
	opt.ServerURL = serverURL
	opt.DataDir = t.TempDir()
	opt.ConnectivityFile = filepath.Join(opt.DataDir, "connectivity")
	require.NoError(t, opt.Validate())
	return opt
}

func TestOfflineWriteDrainsWhenSignalComesBack(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	opt := testOptions(t, srv.URL)
	opt.CacheKey = "device passphrase"
	require.NoError(t, os.WriteFile(opt.ConnectivityFile, []byte("offline"), 0o644))

	a, err := New(opt, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Monitor.IsOffline, 2*time.Second, 10*time.Millisecond)

	_, res, err := a.Resources.Liabilities.Create(ctx, models.Liability{Title: "Car Loan", Amount: "50000"})
	require.NoError(t, err)
	assert.True(t, res.Queued)

	plain, found, err := a.KV.Get(ctx, syncengine.QueueKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(plain), "Car Loan")

	// На диске очередь хранится зашифрованной.
	var sealed []byte
	require.NoError(t, a.DB.QueryRow(`SELECT value FROM kv WHERE key = ?`, syncengine.QueueKey).Scan(&sealed))
	assert.NotContains(t, string(sealed), "Car Loan")

	require.NoError(t, os.WriteFile(opt.ConnectivityFile, []byte("online"), 0o644))
	require.Eventually(t, func() bool {
		ops, err := a.Engine.Pending(context.Background())
		return err == nil && len(ops) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	assert.Equal(t, 1, a.SyncInfo.GetSyncInfo().Replayed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSealedCacheNeedsTheSameKey(t *testing.T) {
	opt := testOptions(t, "http://127.0.0.1:1")
	opt.CacheKey = "first"

	a, err := New(opt, nil)
	require.NoError(t, err)
	require.NoError(t, a.KV.Set(context.Background(), "assets", []byte(`[]`)))
	require.NoError(t, a.Close())

	opt.CacheKey = "second"
	b, err := New(opt, nil)
	require.NoError(t, err)
	defer b.Close()
	_, _, err = b.KV.Get(context.Background(), "assets")
	assert.Error(t, err)
}

func TestOpenEdge(t *testing.T) {
	opt := testOptions(t, "http://127.0.0.1:1")
	a, err := New(opt, nil)
	require.NoError(t, err)
	defer a.Close()

	w, store, err := a.OpenEdge()
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, edgecache.StateInstalling, w.State())
	assert.Equal(t, opt.Edge.Version, w.Version())
	assert.FileExists(t, opt.EdgeDBPath())
}

// Очередь, оставшаяся с прошлого запуска, не отправляется, пока файл
// состояния говорит, что сети нет.
func TestStartupDrainHonoursConnectivityFile(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	opt := testOptions(t, srv.URL)
	first, err := New(opt, nil)
	require.NoError(t, err)
	first.Monitor.Set(false)
	_, err = first.Engine.Mutate(context.Background(), "/api/assets", models.MethodCreate, map[string]string{"title": "Flat"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	require.NoError(t, os.WriteFile(opt.ConnectivityFile, []byte("offline"), 0o644))
	a, err := New(opt, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Monitor.IsOffline, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&hits))
	ops, err := a.Engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCloseRunsClosers(t *testing.T) {
	opt := testOptions(t, "http://127.0.0.1:1")
	var closed int32
	a, err := New(opt, nil, WithCloser(func() { atomic.AddInt32(&closed, 1) }))
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&closed))
}
