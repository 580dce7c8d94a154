package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/socialbus/internal/runtime/config"
	"github.com/drblury/socialbus/transport"
)

// Settlement actions reported to metrics.
const (
	actionAck       = "ack"
	actionNack      = "nack"
	actionAckFailed = "ack_failed"
)

// AckPolicy settles a received message once dispatch has finished.
type AckPolicy interface {
	// Settle acks or nacks msg given the dispatch outcome and returns the
	// action taken.
	Settle(msg *message.Message, dispatchErr error) string
	Delivery() transport.DeliveryModel
}

// LogAckPolicy commits every message, failed or not. Log transports have no
// per-message abandon; a failed dispatch is logged by the consumer and the
// offset moves on, so delivery is effectively at most once.
type LogAckPolicy struct{}

func (LogAckPolicy) Settle(msg *message.Message, _ error) string {
	if !msg.Ack() {
		return actionAckFailed
	}
	return actionAck
}

func (LogAckPolicy) Delivery() transport.DeliveryModel { return transport.DeliveryLog }

// BrokerAckPolicy completes successful messages and abandons failed ones so
// the broker redelivers or dead-letters them.
type BrokerAckPolicy struct{}

func (BrokerAckPolicy) Settle(msg *message.Message, dispatchErr error) string {
	if dispatchErr != nil {
		if !msg.Nack() {
			return actionAckFailed
		}
		return actionNack
	}
	if !msg.Ack() {
		return actionAckFailed
	}
	return actionAck
}

func (BrokerAckPolicy) Delivery() transport.DeliveryModel { return transport.DeliveryBroker }

// AckPolicyFor selects the policy for ackMode. Auto follows the transport.
func AckPolicyFor(ackMode string, caps transport.Capabilities) AckPolicy {
	switch ackMode {
	case config.AckModeLog:
		return LogAckPolicy{}
	case config.AckModeBroker:
		return BrokerAckPolicy{}
	}
	if caps.Delivery() == transport.DeliveryBroker {
		return BrokerAckPolicy{}
	}
	return LogAckPolicy{}
}
