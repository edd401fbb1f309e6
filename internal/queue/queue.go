// Package queue adapts the RabbitMQ transport for job dispatch. The broker
// carries only job references; job state lives in the job store, so message
// loss or duplication can never corrupt a job row.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pdhai/meeting-notes-be/shared/rabbitmq"
)

// Message is the wire payload carried by the broker.
type Message struct {
	JobID string `json:"job_id"`
}

// Client hands job references to the broker. Constructed explicitly and
// injected into both the dispatcher and the worker; there is no package-level
// connection.
type Client interface {
	// Enqueue publishes a job reference and returns the broker-level message
	// id. The ref is diagnostic only, never identity.
	Enqueue(ctx context.Context, jobID string) (brokerRef string, err error)
}

// Consumer yields deliveries for the worker loop.
type Consumer interface {
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
	GetChannel() *amqp.Channel
}

// RabbitClient implements Client and Consumer over shared/rabbitmq.
type RabbitClient struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbitClient wraps an established RabbitMQ connection.
func NewRabbitClient(client *rabbitmq.Client, logger *slog.Logger) *RabbitClient {
	return &RabbitClient{
		client: client,
		logger: logger,
	}
}

// Enqueue publishes {job_id} as a persistent JSON message.
func (c *RabbitClient) Enqueue(ctx context.Context, jobID string) (string, error) {
	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	messageID := uuid.New().String()
	if err := c.client.Publish(ctx, body, "application/json", messageID); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	c.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("broker_ref", messageID),
	)

	return messageID, nil
}

// Consume starts delivery of queued messages.
func (c *RabbitClient) Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error) {
	return c.client.Consume(consumerTag, prefetchCount)
}

// GetChannel exposes the channel for ack/nack.
func (c *RabbitClient) GetChannel() *amqp.Channel {
	return c.client.GetChannel()
}
