package runtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-caption/internal/transcript"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", r.metrics)
	}
	if r.pipeline != nil {
		mux.HandleFunc("GET /v1/transcript", r.handleTranscript)
		mux.HandleFunc("POST /v1/capture/pause", r.handlePause)
		mux.HandleFunc("POST /v1/capture/resume", r.handleResume)
		mux.HandleFunc("GET /v1/capture/stats", r.handleStats)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleTranscript serves the full history, or with ?since=<version> only
// the entries changed after that version.
func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	history := r.pipeline.History()
	delta := transcript.Delta{Version: history.Version(), Entries: history.Snapshot()}
	if raw := req.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a non-negative integer"})
			return
		}
		delta = history.Since(since)
	}
	if delta.Entries == nil {
		delta.Entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, delta)
}

type controlResponse struct {
	Paused  bool `json:"paused"`
	Changed bool `json:"changed"`
}

func (r *Runtime) handlePause(w http.ResponseWriter, _ *http.Request) {
	changed := r.pipeline.Pause()
	writeJSON(w, http.StatusOK, controlResponse{Paused: r.pipeline.Paused(), Changed: changed})
}

func (r *Runtime) handleResume(w http.ResponseWriter, _ *http.Request) {
	changed := r.pipeline.Resume()
	writeJSON(w, http.StatusOK, controlResponse{Paused: r.pipeline.Paused(), Changed: changed})
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.pipeline.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
