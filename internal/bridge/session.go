package bridge

import (
	"context"
	"encoding/base64"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/trunkline/internal/agent"
	"github.com/antoniostano/trunkline/internal/audio"
	"github.com/antoniostano/trunkline/internal/protocol"
)

// State tracks a session through its lifecycle. Terminated is reached exactly
// once, from any state.
type State string

const (
	StateIdle            State = "idle"
	StateConnectingAgent State = "connecting_agent"
	StateStreaming       State = "streaming"
	StateClosing         State = "closing"
	StateTerminated      State = "terminated"
)

// Session owns one call: the borrowed telephony socket for sending frames
// back, the agent link it establishes itself, and the per-call counters.
// Both directions funnel into one event loop, so handlers never interleave.
type Session struct {
	streamSid string
	recordID  string
	gateway   GatewaySender
	b         *Bridge

	mu        sync.Mutex
	state     State
	active    bool
	seq       int
	framesIn  int
	framesOut int
	link      agent.Link

	inbound     chan any
	done        chan struct{}
	cleanupOnce sync.Once
	startedAt   time.Time

	callerRec *audio.Recorder
	agentRec  *audio.Recorder
}

type mediaEvent struct{ payload string }
type stopEvent struct{}
type linkOpened struct{ link agent.Link }
type linkFailed struct{ err error }

func newSession(b *Bridge, streamSid string, gw GatewaySender) *Session {
	s := &Session{
		streamSid: streamSid,
		recordID:  newRecordID(),
		gateway:   gw,
		b:         b,
		state:     StateIdle,
		active:    true,
		seq:       1,
		inbound:   make(chan any, 256),
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	if b.recordingDir != "" {
		base := filepath.Join(b.recordingDir, sanitizeSid(streamSid))
		s.callerRec = audio.NewRecorder(base+"_caller.wav", audio.TelephonyRate)
		s.agentRec = audio.NewRecorder(base+"_agent.wav", audio.TelephonyRate)
	}
	return s
}

func (s *Session) StreamSid() string { return s.streamSid }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// HandleMedia queues one inbound telephony audio frame. Frames arriving
// after the session went inactive are dropped silently.
func (s *Session) HandleMedia(payloadBase64 string) {
	s.post(mediaEvent{payload: payloadBase64})
}

// HandleStop queues the gateway's stop event.
func (s *Session) HandleStop() {
	s.post(stopEvent{})
}

// Shutdown runs cleanup directly; the dispatcher calls it when the telephony
// socket dies without a stop event.
func (s *Session) Shutdown(reason string) {
	s.cleanup(reason)
}

func (s *Session) post(ev any) bool {
	select {
	case <-s.done:
		return false
	case s.inbound <- ev:
		return true
	}
}

// connect performs the agent handshake off the event loop and reports back
// through the queue.
func (s *Session) connect(ctx context.Context) {
	start := time.Now()
	link, err := s.b.dialer.Dial(ctx, s.streamSid)
	if err != nil {
		s.post(linkFailed{err: err})
		return
	}
	s.b.metrics.ObserveAgentConnect(time.Since(start))
	if !s.post(linkOpened{link: link}) {
		// Session died while we were connecting.
		_ = link.Close()
	}
}

// run is the session's single event consumer. Telephony events arrive via
// the inbound queue, agent events via the link channel once it opens.
func (s *Session) run(ctx context.Context) {
	var agentCh <-chan agent.Event

	for {
		select {
		case <-ctx.Done():
			s.cleanup("context_canceled")
			return
		case <-s.done:
			return
		case ev := <-s.inbound:
			switch e := ev.(type) {
			case linkOpened:
				s.mu.Lock()
				s.link = e.link
				s.state = StateStreaming
				s.mu.Unlock()
				agentCh = e.link.Events()
				s.b.metrics.CallEvents.WithLabelValues("agent_connected").Inc()
				log.Printf("call %s: agent link established", s.streamSid)
			case linkFailed:
				log.Printf("call %s: agent connect failed: %v", s.streamSid, e.err)
				s.b.metrics.RelayErrors.WithLabelValues("agent_connect").Inc()
				s.cleanup("connect_failed")
				return
			case mediaEvent:
				s.forwardCallerAudio(ctx, e.payload)
			case stopEvent:
				s.setState(StateClosing)
				s.cleanup("stop")
				return
			}
		case aev, ok := <-agentCh:
			if !ok {
				s.setState(StateClosing)
				s.cleanup("agent_closed")
				return
			}
			if aev.Type == agent.EventAudio {
				s.forwardAgentAudio(aev.AudioBase64)
			}
		}
	}
}

// forwardCallerAudio upsamples one 8kHz telephony frame and pushes it to the
// agent. No chunking: the agent accepts payloads of any size.
func (s *Session) forwardCallerAudio(ctx context.Context, payloadBase64 string) {
	s.mu.Lock()
	st, link := s.state, s.link
	s.mu.Unlock()
	if st != StateStreaming || link == nil {
		log.Printf("call %s: dropping media, agent link not ready (state=%s)", s.streamSid, st)
		s.b.metrics.RelayErrors.WithLabelValues("link_not_ready").Inc()
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		log.Printf("call %s: media payload decode failed: %v", s.streamSid, err)
		s.b.metrics.RelayErrors.WithLabelValues("base64").Inc()
		return
	}
	wide, err := audio.Upsample8kTo16k(pcm)
	if err != nil {
		log.Printf("call %s: upsample failed: %v", s.streamSid, err)
		s.b.metrics.RelayErrors.WithLabelValues("transcode").Inc()
		return
	}
	if s.callerRec != nil {
		s.callerRec.Append(pcm)
	}

	if err := link.SendAudio(ctx, base64.StdEncoding.EncodeToString(wide)); err != nil {
		log.Printf("call %s: agent send failed: %v", s.streamSid, err)
		s.b.metrics.RelayErrors.WithLabelValues("agent_send").Inc()
		return
	}

	s.mu.Lock()
	s.framesIn++
	s.mu.Unlock()
	s.b.metrics.RelayFrames.WithLabelValues("caller_to_agent").Inc()
}

// forwardAgentAudio downsamples one agent burst, splits it into aligned
// chunks, and emits them in sequence followed by a tracking mark. Runs to
// completion inside the event loop, so bursts never interleave.
func (s *Session) forwardAgentAudio(audioBase64 string) {
	pcm, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		log.Printf("call %s: agent audio decode failed: %v", s.streamSid, err)
		s.b.metrics.RelayErrors.WithLabelValues("base64").Inc()
		return
	}
	narrow, err := audio.Downsample16kTo8k(pcm)
	if err != nil {
		log.Printf("call %s: downsample failed: %v", s.streamSid, err)
		s.b.metrics.RelayErrors.WithLabelValues("transcode").Inc()
		return
	}
	if len(narrow) == 0 {
		return
	}
	if s.agentRec != nil {
		s.agentRec.Append(narrow)
	}

	ts := time.Since(s.startedAt).Milliseconds()
	for i, chunk := range audio.Chunk(narrow, s.b.chunkSize) {
		msg := protocol.OutboundMedia{
			Event:          protocol.EventMedia,
			SequenceNumber: s.nextSeq(),
			StreamSid:      s.streamSid,
			Media: protocol.OutboundMediaPayload{
				Chunk:     i + 1,
				Timestamp: ts,
				Payload:   base64.StdEncoding.EncodeToString(chunk),
			},
		}
		if err := s.gateway.SendJSON(msg); err != nil {
			log.Printf("call %s: gateway send failed: %v", s.streamSid, err)
			s.b.metrics.RelayErrors.WithLabelValues("gateway_send").Inc()
			return
		}
		s.mu.Lock()
		s.framesOut++
		s.mu.Unlock()
		s.b.metrics.RelayFrames.WithLabelValues("agent_to_caller").Inc()
	}

	mark := protocol.OutboundMark{
		Event:          protocol.EventMark,
		SequenceNumber: s.nextSeq(),
		StreamSid:      s.streamSid,
		Mark:           protocol.MarkPayload{Name: uuid.NewString()},
	}
	if err := s.gateway.SendJSON(mark); err != nil {
		log.Printf("call %s: gateway mark send failed: %v", s.streamSid, err)
		s.b.metrics.RelayErrors.WithLabelValues("gateway_send").Inc()
	}
}

func (s *Session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.seq
	s.seq++
	return n
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// cleanup is the only path to Terminated and runs at most once: close the
// agent link, flip the terminal active flag, leave the registry, flush
// recordings, close the call record.
func (s *Session) cleanup(reason string) {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.active = false
		s.state = StateTerminated
		link := s.link
		s.link = nil
		framesIn, framesOut := s.framesIn, s.framesOut
		s.mu.Unlock()

		close(s.done)
		if link != nil {
			_ = link.Close()
		}
		s.b.registry.Remove(s.streamSid)

		if s.callerRec != nil {
			if err := s.callerRec.Flush(); err != nil {
				log.Printf("call %s: caller recording flush failed: %v", s.streamSid, err)
			}
		}
		if s.agentRec != nil {
			if err := s.agentRec.Flush(); err != nil {
				log.Printf("call %s: agent recording flush failed: %v", s.streamSid, err)
			}
		}

		if err := s.b.store.End(context.Background(), s.recordID, time.Now().UTC(), framesIn, framesOut, reason); err != nil {
			log.Printf("call %s: call record end failed: %v", s.streamSid, err)
		}

		s.b.metrics.CallEvents.WithLabelValues("ended").Inc()
		s.b.metrics.ActiveCalls.Set(float64(s.b.registry.Count()))
		log.Printf("call %s ended (%s): %d frames in, %d frames out", s.streamSid, reason, framesIn, framesOut)
	})
}

func sanitizeSid(sid string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sid)
}
