// Package transport supplies envelopes to the pipeline and carries their
// acknowledgments back. Reconnects are left to the caller.
package transport

import (
	"context"
	"errors"

	"msgpipe/models"
)

var (
	// ErrClosed is returned once a source has been closed.
	ErrClosed = errors.New("transport: source closed")
	// ErrUnknownAck is returned for tokens that were never issued or were
	// already acknowledged.
	ErrUnknownAck = errors.New("transport: unknown ack token")
)

// Source is a pull-based envelope source.
type Source interface {
	Next(ctx context.Context) (models.Incoming, error)
	Ack(token models.AckToken) error
	Close() error
}
