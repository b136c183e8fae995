package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icapfilter/filter"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorExportsActivity(t *testing.T) {
	c := New()

	req := filter.NewContext("http://ads.example.com/", "", "", filter.DirectionRequest)
	c.Record(req, filter.Result{Outcome: filter.OutcomeBlock})
	c.Record(req, filter.Result{Outcome: filter.OutcomeBlock})
	c.Record(filter.NewContext("http://example.com/", "", "", filter.DirectionResponse), filter.NoDecision)

	c.ConnectionsChanged(1)
	c.ConnectionsChanged(1)
	c.ConnectionsChanged(-1)
	c.TransactionDone("REQMOD", 204, 3*time.Millisecond)

	c.RuleCounts(42, 7)
	c.Learning(3, 1)
	c.RecordReload(nil)
	c.RecordReload(errors.New("boom"))

	out := scrape(t, c)
	assert.Contains(t, out, `icapfilter_decisions_total{direction="request",outcome="block"} 2`)
	assert.Contains(t, out, `icapfilter_decisions_total{direction="response",outcome="no_decision"} 1`)
	assert.Contains(t, out, "icapfilter_icap_active_connections 1")
	assert.Contains(t, out, `icapfilter_icap_transaction_duration_seconds_count{method="REQMOD",status="204"} 1`)
	assert.Contains(t, out, "icapfilter_filter_static_rules 42")
	assert.Contains(t, out, "icapfilter_filter_content_filters 7")
	assert.Contains(t, out, "icapfilter_learning_rules 3")
	assert.Contains(t, out, "icapfilter_filter_reloads_total 1")
	assert.Contains(t, out, "icapfilter_filter_reload_errors_total 1")
	assert.Contains(t, out, "go_goroutines")
}
