// Package remote abstracts the cloud vendor behind the sync engine:
// upload/download/list/delete of opaque envelopes plus session lifecycle.
// Every call classifies its failures as transient (worth retrying) or
// permanent (fail fast) so the orchestrator never inspects vendor errors.
package remote

import (
	"context"
	"errors"

	"quillsync/internal/domain"
)

// ErrNotFound is returned by Download when the note has no remote record.
var ErrNotFound = errors.New("remote record not found")

// ErrRemoteNewer is returned by Upload when the stored version is at or
// past the uploaded one: another device wrote first. The change stays
// queued and the inbound pass surfaces the divergence.
var ErrRemoteNewer = errors.New("remote version is newer")

type Store interface {
	// Authenticate establishes a session. Called only when no valid
	// session is cached.
	Authenticate(ctx context.Context) (*domain.Session, error)

	// Upload stores a record (envelope or tombstone) and returns the
	// remote version now visible to other devices. Fails with
	// ErrRemoteNewer if the stored version is not older than the
	// record's.
	Upload(ctx context.Context, record *domain.RemoteRecord) (int64, error)

	// Download fetches the full record, envelope included.
	Download(ctx context.Context, noteID string) (*domain.RemoteRecord, error)

	// List returns metadata for every remote record, envelopes omitted.
	List(ctx context.Context) ([]*domain.RemoteRecord, error)

	// Delete writes a tombstone for the note.
	Delete(ctx context.Context, noteID string, version int64) error
}

// classifyStatus maps an HTTP-style status code onto the error taxonomy.
// Timeouts and 5xx retry; rate limiting retries; auth failures and other
// 4xx fail fast.
func classifyStatus(op string, status int, err error) error {
	switch {
	case status == 0, status >= 500, status == 429:
		return &domain.TransientError{Op: op, Err: err}
	default:
		return &domain.PermanentError{Op: op, Err: err}
	}
}
