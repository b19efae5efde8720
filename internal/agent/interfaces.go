// Package agent provides the outbound link to the conversational voice-agent
// service: a one-time handshake for a signed websocket address, then a duplex
// JSON stream of audio and keep-alive traffic.
package agent

import "context"

type EventType string

const (
	// EventAudio carries one burst of base64 16kHz PCM from the agent.
	EventAudio EventType = "audio"
)

type Event struct {
	Type        EventType
	AudioBase64 string
	EventID     int
}

// Link is one live connection to the voice agent. The event channel closes
// when the link is lost; keep-alive pings are answered inside the link and
// never surface here.
type Link interface {
	SendAudio(ctx context.Context, audioBase64 string) error
	Events() <-chan Event
	Close() error
}

// Dialer performs the handshake and opens a Link for one call.
type Dialer interface {
	Dial(ctx context.Context, streamSid string) (Link, error)
}
