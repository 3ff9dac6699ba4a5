// Package api exposes the responder over HTTP for dashboards and webhook
// integrations that cannot speak NATS.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SPRIME01/homelab-infra/internal/ingest"
	"github.com/SPRIME01/homelab-infra/internal/model"
	"github.com/SPRIME01/homelab-infra/internal/orchestrator"
)

// HTTPAPI handles HTTP requests for the responder service.
type HTTPAPI struct {
	orch    *orchestrator.Orchestrator
	decoder *ingest.Decoder
	nc      *nats.Conn
	logger  *slog.Logger
}

// NewHTTPAPI creates a new HTTP API handler. nc may be nil when the service
// runs without a message bus; readiness then ignores it.
func NewHTTPAPI(orch *orchestrator.Orchestrator, decoder *ingest.Decoder, nc *nats.Conn, logger *slog.Logger) *HTTPAPI {
	return &HTTPAPI{
		orch:    orch,
		decoder: decoder,
		nc:      nc,
		logger:  logger,
	}
}

// Router sets up all HTTP routes.
func (api *HTTPAPI) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/events", api.handleSubmitEvent).Methods(http.MethodPost)
	r.HandleFunc("/actions/pending", api.handleListPending).Methods(http.MethodGet)
	r.HandleFunc("/actions/{id}/verify", api.handleVerify).Methods(http.MethodPost)

	r.HandleFunc("/healthz", api.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", api.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// handleSubmitEvent handles POST /events requests.
func (api *HTTPAPI) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	env, err := api.decoder.Decode(body)
	if err != nil {
		api.logger.Warn("Rejected event payload", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := api.orch.Submit(r.Context(), env.Kind, env.Source, env.Details, env.Severity)
	if err != nil {
		if errors.Is(err, model.ErrUnknownEventKind) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		api.logger.Error("Failed to process event", "error", err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, event, api.logger)
}

// handleListPending handles GET /actions/pending requests.
func (api *HTTPAPI) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := api.orch.ListPending(r.Context())
	if err != nil {
		api.logger.Error("Failed to list pending actions", "error", err)
		http.Error(w, "Failed to list pending actions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pending, api.logger)
}

// handleVerify handles POST /actions/{id}/verify requests.
func (api *HTTPAPI) handleVerify(w http.ResponseWriter, r *http.Request) {
	actionID := mux.Vars(r)["id"]

	var req struct {
		Approve bool   `json:"approve"`
		Actor   string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor must be provided", http.StatusBadRequest)
		return
	}

	rec, err := api.orch.Verify(r.Context(), actionID, req.Approve, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			http.Error(w, "Action not found", http.StatusNotFound)
		case errors.Is(err, model.ErrInvalidState):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			api.logger.Error("Failed to verify action", "action_id", actionID, "error", err)
			http.Error(w, "Failed to verify action", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, rec, api.logger)
}

// handleHealth handles GET /healthz requests.
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "responder",
	}, api.logger)
}

// handleReady handles GET /readyz requests.
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	natsConnected := api.nc == nil || api.nc.IsConnected()

	status := http.StatusOK
	state := "ready"
	if !natsConnected {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status":         state,
		"timestamp":      time.Now(),
		"service":        "responder",
		"nats_connected": natsConnected,
	}, api.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}
