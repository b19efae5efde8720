package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/trunkline/internal/protocol"
)

type ElevenLabsConfig struct {
	APIKey           string
	AgentID          string
	APIBaseURL       string
	HandshakeTimeout time.Duration
}

// ElevenLabsDialer obtains a signed conversation address over HTTPS and dials
// the agent websocket against it.
type ElevenLabsDialer struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
}

func NewElevenLabsDialer(cfg ElevenLabsConfig) *ElevenLabsDialer {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.elevenlabs.io"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &ElevenLabsDialer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HandshakeTimeout},
	}
}

func (d *ElevenLabsDialer) Dial(ctx context.Context, streamSid string) (Link, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errors.New("agent api key is not configured")
	}
	if strings.TrimSpace(d.cfg.AgentID) == "" {
		return nil, errors.New("agent id is not configured")
	}

	signedURL, err := d.signedURL(ctx)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent websocket: %w", err)
	}

	l := &wsLink{conn: conn, streamSid: streamSid, events: make(chan Event, 256), quit: make(chan struct{})}
	go l.readLoop()
	return l, nil
}

// signedURL performs the one-time handshake for a conversation address.
func (d *ElevenLabsDialer) signedURL(ctx context.Context) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.APIBaseURL, "/") + "/v1/convai/conversation/get_signed_url")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", d.cfg.AgentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", d.cfg.APIKey)

	res, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent handshake: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("agent handshake status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("agent handshake decode: %w", err)
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", errors.New("agent handshake response missing signed_url")
	}
	return payload.SignedURL, nil
}

type wsLink struct {
	conn      *websocket.Conn
	streamSid string
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	quit      chan struct{}
}

func (l *wsLink) SendAudio(_ context.Context, audioBase64 string) error {
	return l.writeJSON(protocol.UserAudioChunk{UserAudioChunk: audioBase64})
}

func (l *wsLink) Events() <-chan Event { return l.events }

// Close tears down the socket. The event channel is closed by the read loop,
// which is its only sender.
func (l *wsLink) Close() error {
	var retErr error
	l.closeOnce.Do(func() {
		close(l.quit)
		retErr = l.conn.Close()
	})
	return retErr
}

func (l *wsLink) readLoop() {
	defer close(l.events)
	defer l.Close()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseAgentMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedEvent) {
				log.Printf("agent message parse error (stream %s): %v", l.streamSid, err)
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.AgentPing:
			// Liveness contract: answer before anything else queued behind us.
			if err := l.writeJSON(protocol.AgentPong{Type: protocol.AgentTypePong, EventID: m.PingEvent.EventID}); err != nil {
				log.Printf("agent pong failed (stream %s): %v", l.streamSid, err)
			}
		case protocol.AgentAudio:
			select {
			case l.events <- Event{Type: EventAudio, AudioBase64: m.AudioEvent.AudioBase64, EventID: m.AudioEvent.EventID}:
			case <-l.quit:
				return
			}
		case protocol.AgentInitMetadata:
			// Conversation metadata carries nothing the relay needs.
		}
	}
}

func (l *wsLink) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}
