// Package protocol implements the wire-compatible message model: the
// transport-level Message (headers + JSON body) and its typed MessageBody[T]
// projection for a known task kind. Values are immutable after receipt.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"dev.taskcore.worker/internal/taskerr"
)

// Headers carries the routing and scheduling metadata for a task message.
// Field names mirror the wire headers described in the protocol this engine
// is compatible with.
type Headers struct {
	Task      string     `json:"task"`
	ID        string     `json:"id"`
	ETA       *time.Time `json:"eta,omitempty"`
	Retries   *int       `json:"retries,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
	TimeLimit *[2]int    `json:"timelimit,omitempty"`
}

// RetryCount returns the redelivery count recorded in the headers, or 0 if
// this is the first delivery attempt.
func (h Headers) RetryCount() int {
	if h.Retries == nil {
		return 0
	}
	return *h.Retries
}

// Message is the immutable transport-level envelope the engine consumes.
// RawBody carries the opaque JSON-encoded [args, kwargs, embed] triple.
type Message struct {
	Headers         Headers
	RawBody         []byte
	ContentType     string
	ContentEncoding string
}

// ContentTypeJSON and ContentEncodingUTF8 are the only wire formats this
// engine understands, per the protocol's content negotiation rules.
const (
	ContentTypeJSON     = "application/json"
	ContentEncodingUTF8 = "utf-8"
)

// body is the on-wire [args, kwargs, embed] triple.
type body struct {
	Args   []json.RawMessage          `json:"-"`
	Kwargs map[string]json.RawMessage `json:"-"`
	Embed  json.RawMessage            `json:"-"`
}

func (b *body) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw[0]) > 0 {
		if err := json.Unmarshal(raw[0], &b.Args); err != nil {
			return err
		}
	}
	if len(raw[1]) > 0 {
		if err := json.Unmarshal(raw[1], &b.Kwargs); err != nil {
			return err
		}
	}
	b.Embed = raw[2]
	return nil
}

func (b body) MarshalJSON() ([]byte, error) {
	args := b.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	kwargs := b.Kwargs
	if kwargs == nil {
		kwargs = map[string]json.RawMessage{}
	}
	embed := b.Embed
	if embed == nil {
		embed = json.RawMessage("{}")
	}
	return json.Marshal([3]interface{}{args, kwargs, embed})
}

// NewMessage builds a Message from headers and a kwargs payload, encoding
// kwargs (and, if given, positional args) into the standard body triple.
func NewMessage(headers Headers, kwargs interface{}, args ...interface{}) (*Message, error) {
	kwRaw, err := toRawMap(kwargs)
	if err != nil {
		return nil, taskerr.ProtocolError("failed to encode task kwargs", err)
	}

	argRaws := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, taskerr.ProtocolError("failed to encode task args", err)
		}
		argRaws = append(argRaws, raw)
	}

	b := body{Args: argRaws, Kwargs: kwRaw}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, taskerr.ProtocolError("failed to encode message body", err)
	}

	return &Message{
		Headers:         headers,
		RawBody:         raw,
		ContentType:     ContentTypeJSON,
		ContentEncoding: ContentEncodingUTF8,
	}, nil
}

func toRawMap(v interface{}) (map[string]json.RawMessage, error) {
	if v == nil {
		return map[string]json.RawMessage{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("kwargs must encode to a JSON object: %w", err)
	}
	return m, nil
}

// IsExpired reports whether the message's expiration header has passed as
// of now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.Headers.Expires != nil && now.After(*m.Headers.Expires)
}

// MessageBody is the typed projection of a Message's RawBody into the
// parameter type P required by a known task kind.
type MessageBody[P any] struct {
	Params P
	Embed  json.RawMessage
}

// Decode projects a Message's RawBody into MessageBody[P] by unmarshalling
// the kwargs object into P. Positional args are not supported for typed
// tasks; producers are expected to send keyword arguments.
func Decode[P any](m *Message) (MessageBody[P], error) {
	var mb MessageBody[P]

	var b body
	if err := json.Unmarshal(m.RawBody, &b); err != nil {
		return mb, taskerr.ProtocolError("failed to decode message body", err).WithTask(m.Headers.Task)
	}

	kwargsJSON, err := json.Marshal(b.Kwargs)
	if err != nil {
		return mb, taskerr.ProtocolError("failed to re-encode kwargs", err).WithTask(m.Headers.Task)
	}

	var params P
	if err := json.Unmarshal(kwargsJSON, &params); err != nil {
		return mb, taskerr.ProtocolError("failed to decode task parameters", err).WithTask(m.Headers.Task)
	}

	mb.Params = params
	mb.Embed = b.Embed
	return mb, nil
}
