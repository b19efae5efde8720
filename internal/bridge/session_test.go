package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/trunkline/internal/agent"
	"github.com/antoniostano/trunkline/internal/cdr"
	"github.com/antoniostano/trunkline/internal/observability"
	"github.com/antoniostano/trunkline/internal/protocol"
)

type fakeGateway struct {
	mu   sync.Mutex
	msgs []any
}

func (g *fakeGateway) SendJSON(v any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.msgs = append(g.msgs, v)
	return nil
}

func (g *fakeGateway) messages() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]any, len(g.msgs))
	copy(out, g.msgs)
	return out
}

func newTestBridge(t *testing.T, dialer agent.Dialer, chunkSize int) (*Bridge, *cdr.InMemoryStore) {
	t.Helper()
	store := cdr.NewInMemoryStore()
	metrics := observability.NewMetrics("bridge_" + t.Name())
	return New(Options{Dialer: dialer, Store: store, Metrics: metrics, ChunkSize: chunkSize}), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startStreaming(t *testing.T, b *Bridge, dialer *agent.MockDialer, gw *fakeGateway, sid string) (*Session, *agent.MockLink) {
	t.Helper()
	s, err := b.StartSession(context.Background(), sid, gw)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, "streaming state", func() bool { return s.State() == StateStreaming })
	links := dialer.Links()
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	return s, links[0]
}

func TestCallerMediaForwardedUpsampled(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 3200)
	s, link := startStreaming(t, b, dialer, gw, "A")
	defer s.Shutdown("test")

	silence := make([]byte, 320)
	s.HandleMedia(base64.StdEncoding.EncodeToString(silence))

	waitFor(t, "forwarded audio", func() bool { return len(link.Sent()) == 1 })
	pcm, err := base64.StdEncoding.DecodeString(link.Sent()[0])
	if err != nil {
		t.Fatalf("decode forwarded audio: %v", err)
	}
	if len(pcm) != 640 {
		t.Fatalf("forwarded payload = %d bytes, want 640", len(pcm))
	}
}

func TestAgentAudioChunkedAndMarked(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 1000)
	s, link := startStreaming(t, b, dialer, gw, "A")
	defer s.Shutdown("test")

	link.EmitAudio(base64.StdEncoding.EncodeToString(make([]byte, 640)))

	waitFor(t, "media and mark", func() bool { return len(gw.messages()) == 2 })
	msgs := gw.messages()

	media, ok := msgs[0].(protocol.OutboundMedia)
	if !ok {
		t.Fatalf("first message type = %T, want OutboundMedia", msgs[0])
	}
	if media.SequenceNumber != 1 || media.StreamSid != "A" || media.Media.Chunk != 1 {
		t.Fatalf("unexpected media message: %+v", media)
	}
	pcm, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	if err != nil {
		t.Fatalf("decode media payload: %v", err)
	}
	if len(pcm) != 320 {
		t.Fatalf("media payload = %d bytes, want 320", len(pcm))
	}

	mark, ok := msgs[1].(protocol.OutboundMark)
	if !ok {
		t.Fatalf("second message type = %T, want OutboundMark", msgs[1])
	}
	if mark.SequenceNumber != 2 || mark.Mark.Name == "" {
		t.Fatalf("unexpected mark message: %+v", mark)
	}
}

func TestSequenceNumbersGapFree(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 640)
	s, link := startStreaming(t, b, dialer, gw, "A")
	defer s.Shutdown("test")

	// Two bursts: 1280 bytes -> 640 downsampled -> one 640-byte chunk + mark,
	// then 2560 bytes -> 1280 downsampled -> two chunks + mark.
	link.EmitAudio(base64.StdEncoding.EncodeToString(make([]byte, 1280)))
	link.EmitAudio(base64.StdEncoding.EncodeToString(make([]byte, 2560)))

	waitFor(t, "five outbound messages", func() bool { return len(gw.messages()) == 5 })

	next := 1
	for i, msg := range gw.messages() {
		var seq int
		switch m := msg.(type) {
		case protocol.OutboundMedia:
			seq = m.SequenceNumber
		case protocol.OutboundMark:
			seq = m.SequenceNumber
		default:
			t.Fatalf("message[%d] type = %T", i, msg)
		}
		if seq != next {
			t.Fatalf("message[%d] seq = %d, want %d", i, seq, next)
		}
		next++
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 3200)
	s, _ := startStreaming(t, b, dialer, gw, "A")
	defer s.Shutdown("test")

	if _, err := b.StartSession(context.Background(), "A", gw); !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("error = %v, want ErrDuplicateStream", err)
	}
	if b.ActiveCalls() != 1 {
		t.Fatalf("ActiveCalls() = %d, want 1", b.ActiveCalls())
	}
	if got, ok := b.Route("A"); !ok || got != s {
		t.Fatalf("original session replaced")
	}
}

func TestStopCleansUp(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, store := newTestBridge(t, dialer, 3200)
	s, link := startStreaming(t, b, dialer, gw, "A")

	s.HandleStop()
	waitFor(t, "session terminated", func() bool { return !s.Active() })

	if s.State() != StateTerminated {
		t.Fatalf("state = %s, want %s", s.State(), StateTerminated)
	}
	if _, ok := b.Route("A"); ok {
		t.Fatalf("stream still registered after stop")
	}
	waitFor(t, "link closed", link.Closed)

	// Late media is a silent no-op.
	s.HandleMedia(base64.StdEncoding.EncodeToString(make([]byte, 320)))
	time.Sleep(20 * time.Millisecond)
	if len(link.Sent()) != 0 {
		t.Fatalf("media forwarded after stop")
	}

	records, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 || records[0].EndReason != "stop" {
		t.Fatalf("unexpected call record: %+v", records)
	}
}

func TestConnectFailureTerminates(t *testing.T) {
	dialer := agent.NewMockDialer()
	dialer.FailDial = true
	gw := &fakeGateway{}
	b, store := newTestBridge(t, dialer, 3200)

	s, err := b.StartSession(context.Background(), "A", gw)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	waitFor(t, "session terminated", func() bool { return !s.Active() })
	if _, ok := b.Route("A"); ok {
		t.Fatalf("stream still registered after connect failure")
	}

	records, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 || records[0].EndReason != "connect_failed" {
		t.Fatalf("unexpected call record: %+v", records)
	}
}

func TestAgentLinkCloseCleansUp(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 3200)
	s, link := startStreaming(t, b, dialer, gw, "A")

	_ = link.Close()
	waitFor(t, "session terminated", func() bool { return !s.Active() })
	if _, ok := b.Route("A"); ok {
		t.Fatalf("stream still registered after agent close")
	}
}

type gatedDialer struct {
	inner   *agent.MockDialer
	release chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, streamSid string) (agent.Link, error) {
	<-d.release
	return d.inner.Dial(ctx, streamSid)
}

func TestMediaBeforeLinkReadyDropped(t *testing.T) {
	inner := agent.NewMockDialer()
	dialer := &gatedDialer{inner: inner, release: make(chan struct{})}
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 3200)

	s, err := b.StartSession(context.Background(), "A", gw)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer s.Shutdown("test")

	s.HandleMedia(base64.StdEncoding.EncodeToString(make([]byte, 320)))
	waitFor(t, "media consumed while connecting", func() bool { return s.State() == StateConnectingAgent })
	time.Sleep(20 * time.Millisecond)

	close(dialer.release)
	waitFor(t, "streaming state", func() bool { return s.State() == StateStreaming })

	time.Sleep(20 * time.Millisecond)
	if got := inner.Links()[0].Sent(); len(got) != 0 {
		t.Fatalf("pre-connect media was forwarded: %d payloads", len(got))
	}
}

func TestOddLengthAgentAudioSurvived(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, dialer, 3200)
	s, link := startStreaming(t, b, dialer, gw, "A")
	defer s.Shutdown("test")

	link.EmitAudio(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	link.EmitAudio(base64.StdEncoding.EncodeToString(make([]byte, 640)))

	// The odd-length burst fails alone; the next one still flows.
	waitFor(t, "valid burst relayed", func() bool { return len(gw.messages()) == 2 })
	if !s.Active() {
		t.Fatalf("session died on odd-length audio")
	}
}

func TestRecordingsWrittenOnCleanup(t *testing.T) {
	dialer := agent.NewMockDialer()
	gw := &fakeGateway{}
	store := cdr.NewInMemoryStore()
	metrics := observability.NewMetrics("bridge_" + t.Name())
	dir := t.TempDir()
	b := New(Options{Dialer: dialer, Store: store, Metrics: metrics, ChunkSize: 3200, RecordingDir: dir})

	s, err := b.StartSession(context.Background(), "MZ-rec", gw)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, "streaming state", func() bool { return s.State() == StateStreaming })
	link := dialer.Links()[0]

	s.HandleMedia(base64.StdEncoding.EncodeToString(make([]byte, 320)))
	waitFor(t, "caller audio forwarded", func() bool { return len(link.Sent()) == 1 })
	link.EmitAudio(base64.StdEncoding.EncodeToString(make([]byte, 640)))
	waitFor(t, "agent audio relayed", func() bool { return len(gw.messages()) == 2 })

	s.HandleStop()
	waitFor(t, "session terminated", func() bool { return !s.Active() })

	for _, name := range []string{"MZ-rec_caller.wav", "MZ-rec_agent.wav"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("recording %s missing: %v", name, err)
		}
	}
}
