// Package bus feeds security events from NATS into the orchestrator.
package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/SPRIME01/homelab-infra/internal/ingest"
	"github.com/SPRIME01/homelab-infra/internal/model"
	"github.com/SPRIME01/homelab-infra/internal/orchestrator"
)

// submitTimeout bounds the processing of a single bus message so a hung
// action command cannot stall the subscriber forever.
const submitTimeout = 15 * time.Minute

// dedupeCap bounds the LRU cache of recently seen envelope digests.
const dedupeCap = 1024

// Subscriber consumes event envelopes from a NATS subject and submits them
// to the orchestrator. Queue group membership spreads load across replicas.
type Subscriber struct {
	nc      *nats.Conn
	orch    *orchestrator.Orchestrator
	decoder *ingest.Decoder
	subject string
	queue   string
	dedupe  *lru.Cache[string, bool]
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a new bus subscriber.
func NewSubscriber(nc *nats.Conn, orch *orchestrator.Orchestrator, decoder *ingest.Decoder, subject, queue string, logger *slog.Logger) *Subscriber {
	dedupe, _ := lru.New[string, bool](dedupeCap)
	return &Subscriber{
		nc:      nc,
		orch:    orch,
		decoder: decoder,
		subject: subject,
		queue:   queue,
		dedupe:  dedupe,
		logger:  logger,
	}
}

// Subscribe starts listening for events and blocks until ctx is cancelled,
// then drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.handleMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to events", "subject", s.subject, "error", err)
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to events", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()

	s.logger.Info("Draining event subscription")
	if err := sub.Drain(); err != nil {
		s.logger.Error("Error draining subscription", "error", err)
		return err
	}
	return nil
}

// handleMessage processes one inbound event envelope. Malformed payloads,
// unknown kinds and recently seen duplicates are logged and dropped so a
// poison or redelivered message cannot wedge the queue.
func (s *Subscriber) handleMessage(msg *nats.Msg) {
	s.logger.Debug("Received event message", "subject", msg.Subject, "data_length", len(msg.Data))

	// At-least-once delivery can hand the same envelope to a replica twice.
	digest := sha256.Sum256(msg.Data)
	key := hex.EncodeToString(digest[:])
	if _, seen := s.dedupe.Get(key); seen {
		s.logger.Warn("Dropping duplicate event message", "subject", msg.Subject, "digest", key[:12])
		return
	}
	s.dedupe.Add(key, true)

	env, err := s.decoder.Decode(msg.Data)
	if err != nil {
		s.logger.Error("Failed to parse event message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	if _, err := s.orch.Submit(ctx, env.Kind, env.Source, env.Details, env.Severity); err != nil {
		if errors.Is(err, model.ErrUnknownEventKind) {
			s.logger.Warn("Dropping event with unknown kind", "kind", env.Kind)
			return
		}
		s.logger.Error("Failed to process event from bus", "kind", env.Kind, "error", err)
	}
}
