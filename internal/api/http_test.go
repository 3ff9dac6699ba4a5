package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SPRIME01/homelab-infra/internal/actions"
	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/ingest"
	"github.com/SPRIME01/homelab-infra/internal/model"
	"github.com/SPRIME01/homelab-infra/internal/notify"
	"github.com/SPRIME01/homelab-infra/internal/orchestrator"
	"github.com/SPRIME01/homelab-infra/internal/store"
)

type nopRunner struct{}

var _ actions.CommandRunner = nopRunner{}

func (nopRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return "", nil
}

func newTestAPI(t *testing.T) *HTTPAPI {
	t.Helper()

	cfg := config.Default()
	cfg.General.WorkspaceDir = t.TempDir()
	cfg.Forensics.CaptureDir = t.TempDir()
	cfg.Forensics.AutoCapture = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewFileStore(cfg.General.WorkspaceDir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dispatcher := notify.NewDispatcher(cfg, nil, nil, logger)
	orch := orchestrator.New(cfg, st, dispatcher, nopRunner{}, nil, logger)

	decoder, err := ingest.NewDecoder()
	require.NoError(t, err)

	return NewHTTPAPI(orch, decoder, nil, logger)
}

func doRequest(t *testing.T, api *HTTPAPI, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitEvent(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/events",
		`{"kind": "suspicious_source", "source": "ids", "severity": 85,
		  "details": {"source_identifier": "203.0.113.9"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var event model.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&event))
	assert.Equal(t, model.EventStatusProcessed, event.Status)
	require.Len(t, event.ActionLog, 1)
	assert.Equal(t, model.ActionStatusCompleted, event.ActionLog[0].Status)
}

func TestSubmitEventBadPayload(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/events", `{"source": "ids"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEventUnknownKind(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/events",
		`{"kind": "made_up", "source": "ids", "severity": 50}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPendingAndVerifyFlow(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/events",
		`{"kind": "suspicious_source", "source": "ids", "severity": 30,
		  "details": {"source_identifier": "203.0.113.9"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, api, http.MethodGet, "/actions/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var pending []orchestrator.PendingAction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pending))
	require.Len(t, pending, 1)
	actionID := pending[0].Action.ID

	rec = doRequest(t, api, http.MethodPost, "/actions/"+actionID+"/verify",
		`{"approve": true, "actor": "alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var action model.ActionRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&action))
	assert.Equal(t, model.ActionStatusCompleted, action.Status)

	// A second verification must conflict.
	rec = doRequest(t, api, http.MethodPost, "/actions/"+actionID+"/verify",
		`{"approve": true, "actor": "bob"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "invalid action state"))
}

func TestVerifyValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/actions/some-id/verify", `{"approve": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "actor is required")

	rec = doRequest(t, api, http.MethodPost, "/actions/missing/verify",
		`{"approve": true, "actor": "alice"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Without a NATS connection readiness does not depend on the bus.
	rec = doRequest(t, api, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
