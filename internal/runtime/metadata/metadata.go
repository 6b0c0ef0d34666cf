// Package metadata holds message header helpers and the reserved header keys.
package metadata

import "strings"

// Reserved header keys.
const (
	// KeyCorrelationID tracks related messages across services.
	KeyCorrelationID = "correlation_id"

	// KeyCallIDStack lists the call IDs that led to a message, oldest first.
	KeyCallIDStack = "svcflow_call_id_stack"

	// Event headers.
	KeySource    = "svcflow_source"
	KeyEventType = "svcflow_event_type"
	KeyEventID   = "svcflow_event_id"

	// Dead letter headers.
	KeyOriginalTopic = "svcflow_original_topic"
	KeyError         = "svcflow_error"
	KeyAttempts      = "svcflow_attempts"
)

// MaxCallStack bounds the number of call IDs carried in KeyCallIDStack.
const MaxCallStack = 10

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// CallStack parses the call ID stack header.
func (m Metadata) CallStack() []string {
	raw := m[KeyCallIDStack]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// PushCall returns a copy of m whose call stack ends with callID. The oldest
// entries are dropped beyond MaxCallStack.
func (m Metadata) PushCall(callID string) Metadata {
	stack := append(m.CallStack(), callID)
	if len(stack) > MaxCallStack {
		stack = stack[len(stack)-MaxCallStack:]
	}
	return m.With(KeyCallIDStack, strings.Join(stack, ","))
}

// Get implements propagation.TextMapCarrier.
func (m Metadata) Get(key string) string {
	return m[key]
}

// Set implements propagation.TextMapCarrier. It mutates m in place.
func (m Metadata) Set(key, value string) {
	m[key] = value
}

// Keys implements propagation.TextMapCarrier.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
