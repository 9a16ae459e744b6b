package ingestion

import (
	"HalvingMassacre/internal/core"
	"HalvingMassacre/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundStream holds every published message.
const OutboundStream = "MASSACRE_OUT"

// JetStreamOutbox publishes signed messages to JetStream.
// Subjects follow the pattern: massacre.out.{label}.{game_id}
type JetStreamOutbox struct {
	js jetstream.JetStream
}

var _ core.Outbox = (*JetStreamOutbox)(nil)

func NewJetStreamOutbox(js jetstream.JetStream) *JetStreamOutbox {
	return &JetStreamOutbox{js: js}
}

// Publish sends m and waits for the stream ack. The message id is used as
// the JetStream dedup id, so a republished message is stored once.
func (o *JetStreamOutbox) Publish(ctx context.Context, m *event.Message) error {
	if m.ID == "" {
		return fmt.Errorf("%w: unsigned message", event.ErrMalformed)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = o.js.Publish(ctx, OutboundSubject(m), data, jetstream.WithMsgID(m.ID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.ID, err)
	}
	return nil
}

// OutboundSubject returns massacre.out.{label}.{game_id}. Messages without
// a game go to massacre.out.{label}.
func OutboundSubject(m *event.Message) string {
	label := string(m.Label())
	if label == "" {
		label = "unlabeled"
	}
	subject := "massacre.out." + label
	if gameID := m.GameID(); gameID != "" {
		subject += "." + subjectToken(gameID)
	}
	return subject
}

// CommandSubject returns massacre.commands.{type}.{game_id}, the subject the
// engine consumes organizer commands from.
func CommandSubject(typ event.CommandType, gameID string) string {
	if gameID == "" {
		gameID = "new"
	}
	return "massacre.commands." + string(typ) + "." + subjectToken(gameID)
}

// subjectToken replaces the characters NATS reserves in subject tokens.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// EnsureOutboundStream creates the outbound message stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"massacre.out.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", OutboundStream)
	return nil
}
