package statushub

import (
	"encoding/json"
	"net/http"

	"github.com/wardrobekit/backend/internal/observe"
	syncpkg "github.com/wardrobekit/backend/internal/sync"
)

// Source is the status surface of the offline cache.
type Source interface {
	PendingCount() int
	Online() bool
	Degraded() bool
	SyncState() syncpkg.State
	Flush() bool
	OnPendingCount(fn func(int)) *observe.Subscription
	OnConnectivity(fn func(online bool)) *observe.Subscription
	OnSyncEvent(h syncpkg.EventHandler) *observe.Subscription
}

// Server rebroadcasts a Source over a Hub and serves the REST endpoints.
type Server struct {
	src  Source
	hub  *Hub
	subs []*observe.Subscription
}

// NewServer subscribes to src and forwards every change to hub.
func NewServer(src Source, hub *Hub) *Server {
	s := &Server{src: src, hub: hub}
	s.subs = append(s.subs,
		src.OnPendingCount(func(n int) {
			hub.Broadcast(EventPendingCount, map[string]interface{}{"pending": n})
		}),
		src.OnConnectivity(func(online bool) {
			hub.Broadcast(EventConnectivity, map[string]interface{}{"online": online})
		}),
		src.OnSyncEvent(func(ev syncpkg.Event) {
			hub.Broadcast(string(ev.Type), eventData(ev))
		}),
	)
	return s
}

// eventData flattens a sync event into envelope data.
func eventData(ev syncpkg.Event) map[string]interface{} {
	data := map[string]interface{}{}
	switch ev.Type {
	case syncpkg.EventStateChanged:
		data["state"] = string(ev.State)
		data["previous"] = string(ev.Previous)
	case syncpkg.EventPermanentFailure, syncpkg.EventQueueCorruption:
		data["mutation_id"] = ev.MutationID
		data["code"] = string(ev.Code)
		data["message"] = ev.Message
	case syncpkg.EventRetryScheduled:
		data["retry_in_ms"] = ev.RetryIn.Milliseconds()
	case syncpkg.EventPassCompleted:
		if s := ev.Session; s != nil {
			data["session_id"] = s.ID
			data["reason"] = string(s.Reason)
			data["applied"] = s.Count(syncpkg.OutcomeApplied)
			data["failed"] = s.Count(syncpkg.OutcomeFailed)
			data["skipped"] = s.Count(syncpkg.OutcomeSkipped)
			data["remaining"] = s.Remaining
			data["duration_ms"] = s.Duration().Milliseconds()
		}
	}
	return data
}

// Close detaches from the source. The hub is left running.
func (s *Server) Close() {
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil
}

// Status returns the current status snapshot.
func (s *Server) Status() map[string]interface{} {
	return map[string]interface{}{
		"pending":  s.src.PendingCount(),
		"online":   s.src.Online(),
		"state":    string(s.src.SyncState()),
		"degraded": s.src.Degraded(),
	}
}

// Routes registers the status endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/flush", s.handleFlush)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket(s.Status))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "wardrobe-sync"})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// handleFlush handles POST /api/flush
// Starts a drain pass now if the device is online and work is queued.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	started := s.src.Flush()
	status := http.StatusAccepted
	if !started {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"started": started,
		"pending": s.src.PendingCount(),
		"online":  s.src.Online(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
