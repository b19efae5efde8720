package agent

import (
	"context"
	"errors"
	"sync"
)

// MockDialer hands out in-process links for tests and local runs without
// agent credentials.
type MockDialer struct {
	mu       sync.Mutex
	FailDial bool
	links    []*MockLink
}

func NewMockDialer() *MockDialer { return &MockDialer{} }

func (d *MockDialer) Dial(_ context.Context, streamSid string) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailDial {
		return nil, errors.New("mock dial failure")
	}
	l := &MockLink{StreamSid: streamSid, events: make(chan Event, 64)}
	d.links = append(d.links, l)
	return l, nil
}

// Links returns every link handed out so far.
func (d *MockDialer) Links() []*MockLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockLink, len(d.links))
	copy(out, d.links)
	return out
}

type MockLink struct {
	StreamSid string

	mu     sync.Mutex
	sent   []string
	closed bool
	events chan Event
}

func (l *MockLink) SendAudio(_ context.Context, audioBase64 string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("link closed")
	}
	l.sent = append(l.sent, audioBase64)
	return nil
}

func (l *MockLink) Events() <-chan Event { return l.events }

func (l *MockLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.events)
	return nil
}

// EmitAudio injects an agent audio burst, as if read off the wire.
func (l *MockLink) EmitAudio(audioBase64 string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events <- Event{Type: EventAudio, AudioBase64: audioBase64}
}

// Sent returns the audio payloads pushed toward the agent.
func (l *MockLink) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	copy(out, l.sent)
	return out
}

// Closed reports whether the link has been shut down.
func (l *MockLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
