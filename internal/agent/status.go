package agent

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

type matchStatus struct {
	MatchID    string `json:"match_id"`
	LastUpdate string `json:"last_update,omitempty"`
	Finished   bool   `json:"finished"`
	Running    bool   `json:"running"`
	Error      string `json:"error,omitempty"`
}

type statusResponse struct {
	Transport     string        `json:"transport"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Matches       []matchStatus `json:"matches"`
}

// statusServer builds the local status HTTP server, or nil when disabled.
func (a *Agent) statusServer() *http.Server {
	if a.cfg.Status.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	mux.HandleFunc("/status", a.handleStatus)

	// CORS so a local dashboard can read the status endpoint.
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:         a.cfg.Status.Addr,
		Handler:      c.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	resp := statusResponse{
		Transport:     a.cfg.Feed.Transport,
		UptimeSeconds: a.clock.Since(a.started).Seconds(),
		Matches:       make([]matchStatus, 0, len(a.sessions)),
	}
	for id, st := range a.sessions {
		ms := matchStatus{
			MatchID:    id.String(),
			LastUpdate: st.sess.Identity(),
			Finished:   st.sess.Finished(),
			Running:    !st.done,
		}
		if st.err != nil {
			ms.Error = st.err.Error()
		}
		resp.Matches = append(resp.Matches, ms)
	}
	a.mu.Unlock()

	sort.Slice(resp.Matches, func(i, j int) bool {
		return resp.Matches[i].MatchID < resp.Matches[j].MatchID
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write status response")
	}
}
