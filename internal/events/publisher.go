// Package events publishes auth audit events to an AMQP exchange. The
// publisher is optional: a nil *Publisher is safe to call and does nothing,
// and publish failures are logged rather than failing the request that
// produced them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types emitted by the auth flows.
const (
	TypeLoginSucceeded = "login.succeeded"
	TypeLoginFailed    = "login.failed"
	TypeMFAFailed      = "mfa.failed"
	TypeTokenIssued    = "token.issued"
	TypeTokenRevoked   = "token.revoked"
)

// Event is the JSON payload published for every audit record.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	ClientID string    `json:"client_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher sends audit events to a topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// Connect dials the broker and declares the exchange. An empty URL returns
// (nil, nil): auditing disabled.
func Connect(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if exchange == "" {
		exchange = "garmin-mcp.audit"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}

	return &Publisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends one event. Never returns an error; broker trouble is logged
// and the caller's request proceeds.
func (p *Publisher) Publish(ctx context.Context, eventType, clientID, userID, detail string) {
	if p == nil {
		return
	}

	evt := Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		ClientID: clientID,
		UserID:   userID,
		Detail:   detail,
		Time:     time.Now().UTC(),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("audit event marshal failed", "type", eventType, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = p.channel.PublishWithContext(pubCtx, p.exchange, eventType, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   evt.ID,
		Timestamp:   evt.Time,
		Body:        body,
	})
	if err != nil {
		p.logger.Warn("audit event publish failed", "type", eventType, "error", err)
	}
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	_ = p.channel.Close()
	_ = p.conn.Close()
}
