// Package rpc implements request/reply over the broker: the wire format of
// requests and reply envelopes and the client that correlates replies with
// the calls waiting for them.
package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
)

const (
	requestPrefix = "rpc."
	replyPrefix   = "rpc.reply."
)

// RequestTopic is the topic a call to service.method is published on.
func RequestTopic(service, method string) string {
	return requestPrefix + service + "." + method
}

// RequestQueue is the durable queue holding requests for service.
func RequestQueue(service string) string {
	return "rpc-" + service
}

// RequestPattern binds every method of service to its queue.
func RequestPattern(service string) string {
	return requestPrefix + service + ".*"
}

// ReplyTopic is the reply-to address of a client.
func ReplyTopic(replyID string) string {
	return replyPrefix + replyID
}

// ReplyQueue is the private queue a client consumes replies from.
func ReplyQueue(owner, replyID string) string {
	return "rpc.reply-" + owner + "-" + replyID
}

// ValidName reports whether name can be a service or method name: one
// non-empty topic word without '.', '*' or '#'.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".*#")
}

// MethodFromTopic extracts the method name from a request topic of service.
func MethodFromTopic(service, topic string) (string, bool) {
	method, ok := strings.CutPrefix(topic, requestPrefix+service+".")
	if !ok || method == "" || strings.Contains(method, ".") {
		return "", false
	}
	return method, true
}

// Request is the body of an RPC request.
type Request struct {
	Method string                          `json:"method"`
	Args   []jsoncodec.RawMessage          `json:"args"`
	Kwargs map[string]jsoncodec.RawMessage `json:"kwargs"`
}

type outgoingRequest struct {
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// EncodeRequest marshals a call. Nil args and kwargs are sent as empty
// collections.
func EncodeRequest(method string, args []any, kwargs map[string]any) ([]byte, error) {
	if method == "" {
		return nil, errspkg.ErrMethodNameRequired
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return jsoncodec.Marshal(outgoingRequest{Method: method, Args: args, Kwargs: kwargs})
}

// DecodeRequest parses a request body. Any failure, including a missing
// method, is a *errors.DecodeError.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req, &errspkg.DecodeError{Reason: "rpc request must be a JSON object"}
	}
	if err := jsoncodec.Unmarshal(trimmed, &req); err != nil {
		return req, &errspkg.DecodeError{Reason: "rpc request", Err: err}
	}
	if req.Method == "" {
		return req, &errspkg.DecodeError{Reason: "rpc request has no method"}
	}
	return req, nil
}

// ErrorInfo describes a failed call inside an Envelope.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is the reply body.
type Envelope struct {
	Ok     bool                 `json:"ok"`
	Result jsoncodec.RawMessage `json:"result"`
	Error  *ErrorInfo           `json:"error,omitempty"`
}

// Success encodes a successful reply. A nil result is encoded as null.
func Success(result any) ([]byte, error) {
	var raw jsoncodec.RawMessage
	switch v := result.(type) {
	case nil:
		raw = jsoncodec.RawMessage("null")
	case jsoncodec.RawMessage:
		raw = v
	default:
		encoded, err := jsoncodec.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode rpc result: %w", err)
		}
		raw = encoded
	}
	if len(raw) == 0 {
		raw = jsoncodec.RawMessage("null")
	}
	return jsoncodec.Marshal(Envelope{Ok: true, Result: raw})
}

// Failure encodes an error reply.
func Failure(kind, message string) []byte {
	body, _ := jsoncodec.Marshal(Envelope{
		Ok:     false,
		Result: jsoncodec.RawMessage("null"),
		Error:  &ErrorInfo{Kind: kind, Message: message},
	})
	return body
}

// FailureFor encodes err as an error reply using its envelope kind.
func FailureFor(err error) []byte {
	if err == nil {
		return Failure(errspkg.KindApplication, "unknown error")
	}
	var app *errspkg.ApplicationError
	if errors.As(err, &app) && app.Message != "" {
		return Failure(errspkg.KindOf(err), app.Message)
	}
	return Failure(errspkg.KindOf(err), err.Error())
}

// DecodeEnvelope parses a reply body.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(payload, &env); err != nil {
		return env, &errspkg.DecodeError{Reason: "rpc reply", Err: err}
	}
	if !env.Ok && env.Error == nil {
		return env, &errspkg.DecodeError{Reason: "rpc reply has neither result nor error"}
	}
	return env, nil
}

// Err returns the caller side error of a failed envelope.
func (e Envelope) Err() error {
	if e.Ok || e.Error == nil {
		return nil
	}
	return &errspkg.RemoteError{Kind: e.Error.Kind, Message: e.Error.Message}
}
