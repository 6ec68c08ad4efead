package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"kptv-checker/work/checker"
	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/middleware"
	"kptv-checker/work/queue"

	"github.com/gorilla/mux"
)

// QueueRequest is the body for batch queue admissions and update marks.
type QueueRequest struct {
	ChannelIDs   []int64       `json:"channelIds"`
	Priority     int           `json:"priority"`
	StreamCounts map[int64]int `json:"streamCounts"`
}

// QueueResponse reports how many channels a batch operation accepted.
type QueueResponse struct {
	Requested int `json:"requested"`
	Accepted  int `json:"accepted"`
}

// setupAPIRoutes wires the admin API. Every route goes through CORS, gzip and
// (when a password hash is configured) basic-auth verification. The hash is
// read from the live config per request so password patches apply without a
// restart.
func setupAPIRoutes(router *mux.Router, service *checker.Service) {
	adminHash := func() string {
		return config.LoadConfig().AdminPasswordHash
	}
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.CORSMiddleware(
			middleware.GzipMiddleware(
				middleware.AuthMiddleware(adminHash, h)))
	}

	router.HandleFunc("/api/status", wrap(handleStatus(service))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/queue/{id}", wrap(handleQueueChannel(service))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/queue", wrap(handleQueueChannels(service))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/trigger/check", wrap(handleTriggerCheck(service))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/trigger/global", wrap(handleTriggerGlobal(service))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/updated", wrap(handleChannelsUpdated(service))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/config", wrap(handleGetConfig(service))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", wrap(handleUpdateConfig(service))).Methods("POST", "OPTIONS")
}

// handleStatus returns the service snapshot: running state, queue occupancy,
// current channel and last global check.
func handleStatus(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, service.GetStatus())
	}
}

// handleQueueChannel admits a single channel by path ID. Priority comes from
// the optional "priority" query parameter, defaulting to update priority.
func handleQueueChannel(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid channel id", http.StatusBadRequest)
			return
		}

		priority := queue.PriorityUpdate
		if p := r.URL.Query().Get("priority"); p != "" {
			if parsed, err := strconv.Atoi(p); err == nil {
				priority = parsed
			}
		}

		accepted := service.QueueChannel(channelID, priority)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channelId": channelID,
			"accepted":  accepted,
		})
	}
}

// handleQueueChannels admits a batch of channels.
func handleQueueChannels(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Priority == 0 {
			req.Priority = queue.PriorityUpdate
		}

		accepted := service.QueueChannels(req.ChannelIDs, req.Priority)
		writeJSON(w, http.StatusOK, QueueResponse{
			Requested: len(req.ChannelIDs),
			Accepted:  accepted,
		})
	}
}

// handleTriggerCheck wakes the scheduler loop to drain updated channels now.
func handleTriggerCheck(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service.TriggerCheckUpdatedChannels()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

// handleTriggerGlobal runs a manual global sweep in the background.
func handleTriggerGlobal(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go service.TriggerGlobalAction()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

// handleChannelsUpdated marks channels dirty (playlist refresh landed new
// streams) and wakes the scheduler.
func handleChannelsUpdated(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.ChannelIDs) == 0 {
			http.Error(w, "channelIds required", http.StatusBadRequest)
			return
		}

		service.MarkChannelsUpdated(req.ChannelIDs, req.StreamCounts)
		service.TriggerCheckUpdatedChannels()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"marked": len(req.ChannelIDs),
		})
	}
}

// handleGetConfig returns the live configuration. Credentials are redacted;
// this endpoint exists for the admin UI, not for backup.
func handleGetConfig(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := *config.LoadConfig()
		cfg.Password = ""
		cfg.AdminPasswordHash = ""
		writeJSON(w, http.StatusOK, cfg)
	}
}

// handleUpdateConfig deep-merges a partial config document and applies it
// without restart.
func handleUpdateConfig(service *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		cfg, err := service.UpdateConfig(patch)
		if err != nil {
			logger.Error("{api_handlers - handleUpdateConfig} config update failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		redacted := *cfg
		redacted.Password = ""
		redacted.AdminPasswordHash = ""
		writeJSON(w, http.StatusOK, redacted)
	}
}

// writeJSON marshals v with an application/json content type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{api_handlers - writeJSON} failed to encode response: %v", err)
	}
}
