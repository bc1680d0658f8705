package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("offsync")

	c.Enqueued()
	c.Enqueued()
	c.Drained(3, 1, 2)
	c.SetQueueDepth(4)
	c.Mutation("queued")
	c.Read("cache")
	c.Edge("cache-first", "hit")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.OpsEnqueued))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.OpsReplayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.OpsExpired))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.OpsFailed))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MutateOutcomes.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.GatewayReads.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EdgeRequests.WithLabelValues("cache-first", "hit")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Enqueued()
		c.Drained(1, 1, 1)
		c.SetQueueDepth(1)
		c.Mutation("synced")
		c.Read("network")
		c.Edge("network-first", "network")
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector("offsync")
	c.Enqueued()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "offsync_sync_ops_enqueued_total 1"))
}
