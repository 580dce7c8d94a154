// Package envelope converts events into transport messages and back. The type
// tag travels in the message metadata so a consumer can route the body without
// parsing it.
package envelope

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/events"
	"github.com/drblury/socialbus/internal/runtime/ids"
	"github.com/drblury/socialbus/internal/runtime/jsoncodec"
	"github.com/drblury/socialbus/internal/runtime/metadata"
)

// Envelope is the serialized form of an event.
type Envelope struct {
	ID       string
	TypeTag  string
	Body     []byte
	Metadata metadata.Metadata
}

// Encode serializes event. The same event always yields the same body.
func Encode(event events.Event) (Envelope, error) {
	if event == nil {
		return Envelope{}, errspkg.ErrEventRequired
	}
	tag := event.TypeTag()
	if tag == "" {
		return Envelope{}, errspkg.ErrTypeTagRequired
	}

	body, err := jsoncodec.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", tag, err)
	}

	id := event.EventID()
	if id == "" {
		id = ids.CreateULID()
	}

	md := metadata.New(metadata.KeyTypeTag, tag)
	if correlation := event.CorrelationID(); correlation != "" {
		md[metadata.KeyCorrelationID] = correlation
	}
	if at := event.OccurredAt(); !at.IsZero() {
		md[metadata.KeyOccurredAt] = at.UTC().Format(time.RFC3339Nano)
	}

	return Envelope{ID: id, TypeTag: tag, Body: body, Metadata: md}, nil
}

// Decode unmarshals env into E. It fails when the envelope's tag does not
// belong to E, which means the caller routed it to the wrong decoder.
func Decode[E events.Event](env Envelope) (E, error) {
	var event E
	if want := events.TagOf[E](); env.TypeTag != want {
		return event, fmt.Errorf("decode: envelope tag %q does not match %q", env.TypeTag, want)
	}
	if err := jsoncodec.Unmarshal(env.Body, &event); err != nil {
		return event, fmt.Errorf("decode %s: %w", env.TypeTag, err)
	}
	return event, nil
}

// ToMessage builds a Watermill message carrying env.
func (e Envelope) ToMessage() *message.Message {
	msg := message.NewMessage(e.ID, e.Body)
	msg.Metadata = metadata.ToWatermill(e.Metadata)
	return msg
}

// FromMessage reads an envelope from a received message. Messages without a
// type tag produce an envelope with an empty TypeTag.
func FromMessage(msg *message.Message) Envelope {
	md := metadata.FromWatermill(msg.Metadata)
	return Envelope{
		ID:       msg.UUID,
		TypeTag:  md.Get(metadata.KeyTypeTag),
		Body:     msg.Payload,
		Metadata: md,
	}
}
