package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Reserved watermill metadata keys carrying the broker properties that
// watermill messages have no field for.
const (
	KeyTopic   = "svcflow_topic"
	KeyReplyTo = "svcflow_reply_to"
)

// Routing holds the broker properties of a message.
type Routing struct {
	Topic         string
	CorrelationID string
	ReplyTo       string
}

// ToWatermill encodes headers and routing into one watermill metadata map.
// Routing values win over headers with the same key; empty values are not
// written.
func ToWatermill(headers Metadata, routing Routing) message.Metadata {
	wm := make(message.Metadata, len(headers)+3)
	for k, v := range headers {
		wm[k] = v
	}
	for k, v := range map[string]string{
		KeyTopic:         routing.Topic,
		KeyCorrelationID: routing.CorrelationID,
		KeyReplyTo:       routing.ReplyTo,
	} {
		if v != "" {
			wm[k] = v
		}
	}
	return wm
}

// FromWatermill splits watermill metadata back into headers and routing.
// The returned headers never contain the routing keys.
func FromWatermill(md message.Metadata) (Metadata, Routing) {
	headers := make(Metadata, len(md))
	for k, v := range md {
		headers[k] = v
	}
	routing := Routing{
		Topic:         headers[KeyTopic],
		CorrelationID: headers[KeyCorrelationID],
		ReplyTo:       headers[KeyReplyTo],
	}
	delete(headers, KeyTopic)
	delete(headers, KeyCorrelationID)
	delete(headers, KeyReplyTo)
	return headers, routing
}
