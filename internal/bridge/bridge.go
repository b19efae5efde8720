// Package bridge holds the per-call session engine: the state machine that
// couples one telephony media stream to one voice-agent link, and the
// registry that keeps concurrent calls apart.
package bridge

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/antoniostano/trunkline/internal/agent"
	"github.com/antoniostano/trunkline/internal/cdr"
	"github.com/antoniostano/trunkline/internal/observability"
)

// GatewaySender sends one JSON message back to the telephony gateway. The
// dispatcher owns the underlying socket; sessions only borrow it.
type GatewaySender interface {
	SendJSON(v any) error
}

type Options struct {
	Dialer       agent.Dialer
	Store        cdr.Store
	Metrics      *observability.Metrics
	ChunkSize    int
	RecordingDir string
}

// Bridge creates and tracks call sessions.
type Bridge struct {
	registry     *Registry
	dialer       agent.Dialer
	store        cdr.Store
	metrics      *observability.Metrics
	chunkSize    int
	recordingDir string
}

func New(opts Options) *Bridge {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 3200
	}
	return &Bridge{
		registry:     NewRegistry(),
		dialer:       opts.Dialer,
		store:        opts.Store,
		metrics:      opts.Metrics,
		chunkSize:    opts.ChunkSize,
		recordingDir: opts.RecordingDir,
	}
}

// StartSession registers a new call and begins connecting its agent link.
// A start for an already-live stream id returns ErrDuplicateStream.
func (b *Bridge) StartSession(ctx context.Context, streamSid string, gw GatewaySender) (*Session, error) {
	s := newSession(b, streamSid, gw)
	if err := b.registry.Add(s); err != nil {
		return nil, err
	}

	if err := b.store.Begin(ctx, cdr.CallRecord{ID: s.recordID, StreamSid: streamSid, StartedAt: s.startedAt}); err != nil {
		log.Printf("call record begin failed (stream %s): %v", streamSid, err)
	}

	b.metrics.CallEvents.WithLabelValues("started").Inc()
	b.metrics.ActiveCalls.Set(float64(b.registry.Count()))
	log.Printf("call %s started", streamSid)

	s.setState(StateConnectingAgent)
	go s.run(ctx)
	go s.connect(ctx)
	return s, nil
}

// Route looks up the live session for a stream id.
func (b *Bridge) Route(streamSid string) (*Session, bool) {
	return b.registry.Get(streamSid)
}

// ActiveCalls reports the number of live sessions.
func (b *Bridge) ActiveCalls() int {
	return b.registry.Count()
}

func newRecordID() string {
	return uuid.NewString()
}
