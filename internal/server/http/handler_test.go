package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/dedup"
	"github.com/reviewrelay/reviewrelay/internal/dispatch"
	"github.com/reviewrelay/reviewrelay/internal/filter"
	"github.com/reviewrelay/reviewrelay/internal/pipeline"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

func newTestHandler(t *testing.T) (http.Handler, *pipeline.Pipeline) {
	t.Helper()
	cache, err := dedup.NewSeenCache(8, time.Hour)
	require.NoError(t, err)
	d := dispatch.NewDispatcher(dispatch.LogSink{}, config.SinkConfig{Rooms: []string{"#review"}})
	pipe := pipeline.New(nil, filter.NewRules(config.RulesConfig{}), cache, d, nil)
	return NewHandler(pipe), pipe
}

func TestStatusEndpoint(t *testing.T) {
	handler, pipe := newTestHandler(t)
	pipe.Cache().Seen("abc")
	pipe.Cache().Seen("abc")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Cache.Size)
	require.Equal(t, 8, resp.Cache.Capacity)
	require.Equal(t, time.Hour.Seconds(), resp.Cache.TTLSeconds)
	require.Equal(t, 0.5, resp.Cache.HitRate)
}

func TestStatsEndpoint(t *testing.T) {
	handler, pipe := newTestHandler(t)
	pipe.Stats().Observe(schema.ReviewEvent{
		Kind:     schema.KindChangeMerged,
		WireType: "change-merged",
		Project:  "nova",
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statsPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var snap pipeline.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, uint64(1), snap.EventTypes["change-merged"])
	require.Equal(t, uint64(1), snap.Projects["nova"])
}

func TestHealthzEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthzPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, path := range []string{statusPath, statsPath, healthzPath} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}
