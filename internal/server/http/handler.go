// Package httpserver exposes the relay's read-only control surface.
package httpserver

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/reviewrelay/reviewrelay/internal/observability"
	"github.com/reviewrelay/reviewrelay/internal/pipeline"
)

const (
	statusPath  = "/status"
	statsPath   = "/stats"
	healthzPath = "/healthz"
)

type controlServer struct {
	pipe *pipeline.Pipeline
}

// statusResponse is the /status payload: seen-cache occupancy plus the
// pipeline counters.
type statusResponse struct {
	Cache    cacheStatus                           `json:"cache"`
	Pipeline observability.PipelineMetricsSnapshot `json:"pipeline"`
}

type cacheStatus struct {
	Size       int     `json:"size"`
	Capacity   int     `json:"capacity"`
	TTLSeconds float64 `json:"ttl_seconds"`
	HitRate    float64 `json:"hit_rate"`
}

// NewHandler builds the control mux over a running pipeline.
func NewHandler(pipe *pipeline.Pipeline) http.Handler {
	server := &controlServer{pipe: pipe}
	mux := http.NewServeMux()
	mux.HandleFunc(statusPath, server.handleStatus)
	mux.HandleFunc(statsPath, server.handleStats)
	mux.HandleFunc(healthzPath, server.handleHealthz)
	return mux
}

func (s *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cache := s.pipe.Cache()
	writeJSON(w, http.StatusOK, statusResponse{
		Cache: cacheStatus{
			Size:       cache.Len(),
			Capacity:   cache.Capacity(),
			TTLSeconds: cache.TTL().Seconds(),
			HitRate:    cache.HitRate(),
		},
		Pipeline: s.pipe.Metrics().Snapshot(),
	})
}

func (s *controlServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Stats().Snapshot())
}

func (s *controlServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Warn("control response encode failed",
			observability.F("error", err))
	}
}
