package messaging

import (
	"time"

	"github.com/glimte/sbuscore/contracts"
	"github.com/glimte/sbuscore/internal/amqp10"
)

const (
	annotationPartitionKey         = "x-opt-partition-key"
	annotationEnqueuedTime         = "x-opt-enqueued-time"
	annotationSequenceNumber       = "x-opt-sequence-number"
	annotationScheduledEnqueueTime = "x-opt-scheduled-enqueue-time"
	annotationLockedUntil          = "x-opt-locked-until"
)

// toWireMessage translates a user-built BrokeredMessage into the AMQP shape
// per spec.md section 6's outbound mapping table.
func toWireMessage(msg *contracts.BrokeredMessage) amqp10.WireMessage {
	w := amqp10.WireMessage{
		Body:                  msg.Body,
		MessageID:             msg.MessageID,
		To:                    msg.To,
		Subject:               msg.Label,
		ReplyTo:               msg.ReplyTo,
		CorrelationID:         msg.CorrelationID,
		ContentType:           msg.ContentType,
		GroupID:               msg.SessionID,
		ReplyToGroupID:        msg.ReplyToSessionID,
		ApplicationProperties: msg.Properties,
		TimeToLive:            msg.TimeToLive,
	}

	annotations := make(map[string]any)
	if msg.PartitionKey != "" {
		annotations[annotationPartitionKey] = msg.PartitionKey
	}
	if !msg.ScheduledEnqueueTimeUTC.IsZero() {
		annotations[annotationScheduledEnqueueTime] = msg.ScheduledEnqueueTimeUTC
	}
	if len(annotations) > 0 {
		w.Annotations = annotations
	}

	return w
}

// fromInboundWireMessage translates a transport delivery into the
// InboundMessageConfig fields spec.md section 6 names for the inverse
// mapping, DeliveryTag included; the caller (streaming or batch receiver)
// sets InitiallySettled, and the streaming receiver also fills in LockToken
// and the settlement collaborators.
func fromInboundWireMessage(w amqp10.InboundWireMessage) contracts.InboundMessageConfig {
	cfg := contracts.InboundMessageConfig{
		Body:             w.Body,
		Properties:       w.ApplicationProperties,
		ContentType:      w.ContentType,
		CorrelationID:    w.CorrelationID,
		MessageID:        w.MessageID,
		Label:            w.Subject,
		ReplyTo:          w.ReplyTo,
		ReplyToSessionID: w.ReplyToGroupID,
		SessionID:        w.GroupID,
		TimeToLive:       w.TimeToLive,
		To:               w.To,
		DeliveryCount:    int32(w.DeliveryCount),
		ExpiresAtUTC:     w.AbsoluteExpiryTime,
		DeliveryTag:      w.DeliveryTag,
	}

	if w.Annotations != nil {
		if pk, ok := w.Annotations[annotationPartitionKey].(string); ok {
			cfg.PartitionKey = pk
		}
		if et, ok := w.Annotations[annotationEnqueuedTime].(time.Time); ok {
			cfg.EnqueuedTimeUTC = et
		}
		if sn, ok := toInt64(w.Annotations[annotationSequenceNumber]); ok {
			cfg.SequenceNumber = sn
			cfg.EnqueuedSequenceNumber = sn
		}
		if lu, ok := w.Annotations[annotationLockedUntil].(time.Time); ok {
			cfg.LockedUntilUTC = lu
		}
	}

	return cfg
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
