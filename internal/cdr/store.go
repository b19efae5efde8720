// Package cdr records call detail records: one row per relayed call.
package cdr

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("call record not found")

// CallRecord captures the lifetime of one relayed call.
type CallRecord struct {
	ID        string    `json:"id"`
	StreamSid string    `json:"stream_sid"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	FramesIn  int       `json:"frames_in"`
	FramesOut int       `json:"frames_out"`
	EndReason string    `json:"end_reason,omitempty"`
}

type Store interface {
	Begin(ctx context.Context, record CallRecord) error
	End(ctx context.Context, id string, endedAt time.Time, framesIn, framesOut int, reason string) error
	Recent(ctx context.Context, limit int) ([]CallRecord, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
