package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SPRIME01/homelab-infra/internal/actions"
	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/ingest"
	"github.com/SPRIME01/homelab-infra/internal/notify"
	"github.com/SPRIME01/homelab-infra/internal/orchestrator"
	"github.com/SPRIME01/homelab-infra/internal/store"
)

type nopRunner struct{}

var _ actions.CommandRunner = nopRunner{}

func (nopRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return "", nil
}

func newTestSubscriber(t *testing.T) (*Subscriber, store.Store) {
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

	return NewSubscriber(nil, orch, decoder, "security.events", "responders", logger), st
}

func deliver(s *Subscriber, payload string) {
	s.handleMessage(&nats.Msg{Subject: "security.events", Data: []byte(payload)})
}

func TestHandleMessageSubmitsEvent(t *testing.T) {
	s, st := newTestSubscriber(t)

	deliver(s, `{"kind":"suspicious_source","source":"ids","severity":85,"details":{"source_identifier":"203.0.113.9"}}`)

	events, err := st.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 85, events[0].Severity)
}

func TestHandleMessageDropsDuplicates(t *testing.T) {
	s, st := newTestSubscriber(t)
	payload := `{"kind":"suspicious_source","source":"ids","severity":85,"details":{"source_identifier":"203.0.113.9"}}`

	deliver(s, payload)
	deliver(s, payload)

	events, err := st.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1, "a redelivered envelope must not create a second event")
}

func TestHandleMessageDistinctPayloadsBothSubmitted(t *testing.T) {
	s, st := newTestSubscriber(t)

	deliver(s, `{"kind":"suspicious_source","source":"ids","severity":85,"details":{"source_identifier":"203.0.113.9"}}`)
	deliver(s, `{"kind":"suspicious_source","source":"ids","severity":85,"details":{"source_identifier":"203.0.113.10"}}`)

	events, err := st.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	s, st := newTestSubscriber(t)

	deliver(s, `not json`)
	deliver(s, `{"kind":"made_up","source":"ids","severity":10}`)

	events, err := st.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}
