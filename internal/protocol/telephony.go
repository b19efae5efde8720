// Package protocol defines the wire envelopes on both legs of the relay and
// decodes each inbound message exactly once into a closed set of variants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies telephony envelope variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
)

var ErrUnsupportedEvent = errors.New("unsupported event type")

type gatewayEnvelope struct {
	Event EventType `json:"event"`
}

// GatewayStart begins a call for a previously-unseen stream id.
type GatewayStart struct {
	Event     EventType `json:"event"`
	StreamSid string    `json:"stream_sid"`
}

// GatewayMedia carries one inbound 8kHz audio frame.
type GatewayMedia struct {
	Event     EventType    `json:"event"`
	StreamSid string       `json:"stream_sid"`
	Media     MediaPayload `json:"media"`
}

// MediaPayload holds base64-encoded PCM16LE audio.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// GatewayStop ends a call.
type GatewayStop struct {
	Event     EventType `json:"event"`
	StreamSid string    `json:"stream_sid"`
}

// ParseGatewayMessage decodes one telephony-side envelope into its variant.
func ParseGatewayMessage(raw []byte) (any, error) {
	var env gatewayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventStart:
		var msg GatewayStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSid == "" {
			return nil, errors.New("start missing stream_sid")
		}
		return msg, nil
	case EventMedia:
		var msg GatewayMedia
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSid == "" || msg.Media.Payload == "" {
			return nil, errors.New("invalid media event")
		}
		return msg, nil
	case EventStop:
		var msg GatewayStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSid == "" {
			return nil, errors.New("stop missing stream_sid")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}
}

// Connected greets the gateway as soon as its socket opens.
type Connected struct {
	Event EventType `json:"event"`
}

func NewConnected() Connected {
	return Connected{Event: EventConnected}
}

// OutboundMedia carries one aligned chunk of 8kHz audio back to the gateway.
type OutboundMedia struct {
	Event          EventType            `json:"event"`
	SequenceNumber int                  `json:"sequence_number"`
	StreamSid      string               `json:"stream_sid"`
	Media          OutboundMediaPayload `json:"media"`
}

type OutboundMediaPayload struct {
	Chunk     int    `json:"chunk"`
	Timestamp int64  `json:"timestamp"`
	Payload   string `json:"payload"`
}

// OutboundMark closes an audio burst so the gateway can track playback.
type OutboundMark struct {
	Event          EventType   `json:"event"`
	SequenceNumber int         `json:"sequence_number"`
	StreamSid      string      `json:"stream_sid"`
	Mark           MarkPayload `json:"mark"`
}

type MarkPayload struct {
	Name string `json:"name"`
}
