package broker

import (
	"time"

	"github.com/google/uuid"
)

// ProviderRequestPayload is the body of a provider_request outbox row. The
// dispatcher keys on the aggregate id; the rest exists for operators reading
// stuck rows.
type ProviderRequestPayload struct {
	ActivationID uuid.UUID `json:"activationId"`
	Provider     string    `json:"provider"`
	Country      string    `json:"country"`
	Service      string    `json:"service"`
}

// CancelNumberPayload names the upstream number a compensation handler must
// cancel. It has to be self-contained: when the purchase transaction rolled
// back, no local numbers row exists for the activation.
type CancelNumberPayload struct {
	ActivationID uuid.UUID `json:"activationId"`
	Provider     string    `json:"provider"`
	UpstreamID   string    `json:"upstreamId"`
}

// RefundPayload asks the refund handler to settle money back for a finished
// activation.
type RefundPayload struct {
	ActivationID uuid.UUID `json:"activationId"`
	Reason       string    `json:"reason"`
}

// SmsInboundMessage is one provider callback message forwarded by the edge.
type SmsInboundMessage struct {
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SmsInboundPayload is the body of a sms.inbound delivery. The edge resolves
// the raw callback to an activation id before publishing.
type SmsInboundPayload struct {
	ActivationID uuid.UUID           `json:"activationId"`
	Provider     string              `json:"provider"`
	Messages     []SmsInboundMessage `json:"messages"`
}
