package protocol

import (
	"encoding/json"
	"fmt"
)

// AgentMessageType identifies voice-agent envelope variants.
type AgentMessageType string

const (
	AgentTypeInitMetadata AgentMessageType = "conversation_initiation_metadata"
	AgentTypePing         AgentMessageType = "ping"
	AgentTypePong         AgentMessageType = "pong"
	AgentTypeAudio        AgentMessageType = "audio"
)

type agentEnvelope struct {
	Type AgentMessageType `json:"type"`
}

// AgentInitMetadata is the agent's opening message. The relay only needs to
// recognize it.
type AgentInitMetadata struct {
	Type AgentMessageType `json:"type"`
}

// AgentPing is the agent's keep-alive probe; its event id must be echoed back.
type AgentPing struct {
	Type      AgentMessageType `json:"type"`
	PingEvent PingEvent        `json:"ping_event"`
}

type PingEvent struct {
	EventID int `json:"event_id"`
}

// AgentAudio carries one burst of base64 16kHz PCM from the agent.
type AgentAudio struct {
	Type       AgentMessageType `json:"type"`
	AudioEvent AudioEvent       `json:"audio_event"`
}

type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

// AgentPong answers a ping, echoing its event id.
type AgentPong struct {
	Type    AgentMessageType `json:"type"`
	EventID int              `json:"event_id"`
}

// UserAudioChunk pushes caller audio to the agent. The agent keys on the
// field name alone; there is no type tag.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// ParseAgentMessage decodes one voice-agent envelope into its variant.
func ParseAgentMessage(raw []byte) (any, error) {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case AgentTypeInitMetadata:
		var msg AgentInitMetadata
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case AgentTypePing:
		var msg AgentPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case AgentTypeAudio:
		var msg AgentAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Type)
	}
}
