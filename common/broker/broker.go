package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outbox event types. The dispatcher routes on these, so producers and
// handlers have to agree on the exact strings.
const (
	ProviderRequestEvent = "provider_request"
	RefundEvent          = "refund"
	CancelNumberEvent    = "saga.compensate.cancel_number"
	OfferCreatedEvent    = "offer.created"
	OfferUpdatedEvent    = "offer.updated"
)

// Activation domain events published after state transitions commit.
const (
	ActivationActiveEvent    = "activation.active"
	ActivationReceivedEvent  = "activation.received"
	ActivationCancelledEvent = "activation.cancelled"
	ActivationExpiredEvent   = "activation.expired"
	ActivationFailedEvent    = "activation.failed"
	ActivationRefundedEvent  = "activation.refunded"
)

// Exchanges. ActivationEventsExchange fans out domain events by topic
// ("activation.received", "offer.updated", ...); UserEventsExchange carries
// per-user realtime pushes routed by "user.<uuid>".
const (
	ActivationEventsExchange = "nexnum.events"
	UserEventsExchange       = "nexnum.user"
)

// SmsInboundQueue receives provider push callbacks forwarded by the edge.
// Polling stays the primary channel; this queue only shortcuts the wait when
// an upstream supports webhooks.
const SmsInboundQueue = "sms.inbound"

// MaxRetryCount bounds consumer redeliveries before a message is handed to
// the DLX.
const MaxRetryCount = 3

// DLX routes exhausted messages to their queue-specific DLQ.
const DLX = "dlx"

// Connect dials RabbitMQ, opens a channel and declares the exchanges, queues
// and dead-letter plumbing every component expects to exist. The returned
// close function shuts the channel before the connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare broker topology: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, exchange := range []string{ActivationEventsExchange, UserEventsExchange} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", exchange, err)
		}
	}

	// Work queues this daemon consumes get a queue-specific DLQ bound to the
	// DLX with the original queue name as routing key.
	for _, queue := range []string{SmsInboundQueue} {
		_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLX,
		})
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}

		dlq := queue + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, queue, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s to DLX: %w", dlq, err)
		}
	}

	return nil
}

// HandleRetry republishes a failed delivery with an incremented
// x-retry-count header. Once MaxRetryCount is reached the message is nacked
// without requeue so the queue's dead-letter exchange takes over.
func HandleRetry(ch *amqp.Channel, d *amqp.Delivery) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers["x-retry-count"].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	log.Printf("Retrying message, retry count: %d", retryCount)

	if retryCount >= MaxRetryCount {
		log.Printf("Max retries reached, sending to DLX (will route to %s.dlq)", d.RoutingKey)
		return d.Nack(false, false)
	}

	// Linear backoff before the redelivery gives a flapping upstream a
	// moment to recover.
	time.Sleep(time.Second * time.Duration(retryCount))

	return ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Publisher wraps a channel with JSON marshalling and trace propagation.
type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish sends payload as a persistent JSON message with the current trace
// context injected into the headers.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}

	return p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      InjectTraceContext(ctx),
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishEvent publishes a domain event on the shared events exchange.
func (p *Publisher) PublishEvent(ctx context.Context, event string, payload any) error {
	return p.Publish(ctx, ActivationEventsExchange, event, payload)
}

// PublishUserEvent pushes a realtime notification onto the per-user channel.
func (p *Publisher) PublishUserEvent(ctx context.Context, userID string, payload any) error {
	return p.Publish(ctx, UserEventsExchange, "user."+userID, payload)
}
