package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/FlashTheFire/nexnum/activation"
	"github.com/FlashTheFire/nexnum/common/broker"
)

// smsConsumer feeds forwarded provider callbacks into the ingestion path.
// Delivery order does not matter: ingestion deduplicates on (number, code),
// so redelivered messages are harmless.
type smsConsumer struct {
	channel  *amqp.Channel
	ingestor *activation.Service
	logger   *slog.Logger
}

func newSmsConsumer(ch *amqp.Channel, ingestor *activation.Service, logger *slog.Logger) *smsConsumer {
	return &smsConsumer{channel: ch, ingestor: ingestor, logger: logger}
}

// Listen blocks consuming sms.inbound until the channel closes.
func (c *smsConsumer) Listen(ctx context.Context) {
	msgs, err := c.channel.Consume(
		broker.SmsInboundQueue,
		"",    // consumer tag
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		c.logger.Error("failed to register consumer",
			slog.String("queue", broker.SmsInboundQueue),
			slog.Any("error", err),
		)
		return
	}

	c.logger.Info("consuming inbound sms", slog.String("queue", broker.SmsInboundQueue))

	for d := range msgs {
		c.handle(ctx, &d)
	}

	c.logger.Info("inbound sms consumer stopped")
}

func (c *smsConsumer) handle(ctx context.Context, d *amqp.Delivery) {
	ctx = broker.ExtractTraceContext(ctx, d.Headers)

	var payload broker.SmsInboundPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.logger.Error("undecodable inbound sms message", slog.Any("error", err))
		c.retry(d)
		return
	}
	if payload.ActivationID == uuid.Nil || len(payload.Messages) == 0 {
		c.logger.Warn("inbound sms message without activation or body",
			slog.String("provider", payload.Provider),
		)
		c.retry(d)
		return
	}

	inbound := make([]activation.InboundSms, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		inbound = append(inbound, activation.InboundSms{
			Sender:     m.Sender,
			Content:    m.Content,
			Code:       m.Code,
			ReceivedAt: m.ReceivedAt,
		})
	}

	res, err := c.ingestor.IngestSms(ctx, payload.ActivationID, inbound)
	if err != nil {
		c.logger.Error("inbound sms ingestion failed",
			slog.String("activation_id", payload.ActivationID.String()),
			slog.Any("error", err),
		)
		c.retry(d)
		return
	}

	c.logger.Info("inbound sms ingested",
		slog.String("activation_id", payload.ActivationID.String()),
		slog.Int("stored", res.Stored),
		slog.Bool("first", res.FirstSms),
	)

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", slog.Any("error", err))
	}
}

func (c *smsConsumer) retry(d *amqp.Delivery) {
	if err := broker.HandleRetry(c.channel, d); err != nil {
		c.logger.Error("failed to handle retry", slog.Any("error", err))
	}
}
