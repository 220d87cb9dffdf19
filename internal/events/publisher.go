// Package events publishes certificate lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gateway-fm/certsync/internal/certificate"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Dial connects to RabbitMQ.
func Dial(url string, logger *zap.Logger) (*amqp.Connection, error) {
	logger.Info("attempting to connect to RabbitMQ...")
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("cannot connect to RabbitMQ, check that it is running and RABBITMQ_URL is correct: %w", err)
	}
	logger.Info("rabbitmq connection established successfully")
	return conn, nil
}

// channel is the part of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends a CertificateImported event for every new record.
type Publisher struct {
	channel    channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher opens a channel and declares a durable topic exchange.
func NewPublisher(conn *amqp.Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return newPublisher(ch, exchange, routingKey, logger), nil
}

func newPublisher(ch channel, exchange, routingKey string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

// CertificateImported is the event body.
type CertificateImported struct {
	DeviceID        string    `json:"deviceId"`
	Timestamp       time.Time `json:"timestamp"`
	GasType         string    `json:"gasType"`
	Passed          bool      `json:"passed"`
	CertificatePath string    `json:"certificatePath"`
	Digest          string    `json:"digest"`
	ImportedAt      time.Time `json:"importedAt"`
}

func newEvent(r certificate.Record) CertificateImported {
	return CertificateImported{
		DeviceID:        r.DeviceID,
		Timestamp:       r.Timestamp.UTC(),
		GasType:         r.GasType,
		Passed:          r.Passed,
		CertificatePath: r.CertificatePath,
		Digest:          r.Digest,
		ImportedAt:      r.ImportedAt.UTC(),
	}
}

// CertificateImported satisfies certificate.Notifier.
func (p *Publisher) CertificateImported(ctx context.Context, r certificate.Record) error {
	body, err := json.Marshal(newEvent(r))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    r.Digest,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published certificate event",
		zap.String("routing_key", p.routingKey),
		zap.String("device_id", r.DeviceID),
		zap.String("digest", r.Digest),
	)
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
