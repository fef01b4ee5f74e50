// Package resolver decides whether local and remote versions of a note
// have truly diverged, and produces resolutions when they have. All
// decisions use the version/cursor scheme; wall-clock timestamps are
// informational only and never break ties (device clocks skew).
package resolver

import (
	"fmt"
	"sort"
	"time"

	"quillsync/internal/crypto"
	"quillsync/internal/domain"
	"quillsync/pkg/hash"

	"github.com/google/uuid"
)

const (
	markerLocal     = "<<<<<<< LOCAL"
	markerSeparator = "======="
	markerRemote    = ">>>>>>> REMOTE"
)

type Resolver struct {
	codec *crypto.Codec
}

func New(codec *crypto.Codec) *Resolver {
	return &Resolver{codec: codec}
}

// DecryptRemote opens a remote record's envelope and rebuilds the
// snapshot it carries, so the remote candidate can be inspected for
// conflict detection.
func (r *Resolver) DecryptRemote(record *domain.RemoteRecord, passphrase string) (*domain.NoteSnapshot, error) {
	if record.Envelope == nil {
		return nil, fmt.Errorf("remote record for note %s has no envelope", record.NoteID)
	}

	key := r.codec.DeriveKey(passphrase, record.Envelope.Salt)

	payload, err := r.codec.Decrypt(record.Envelope, key)
	if err != nil {
		if ie, ok := err.(*domain.IntegrityError); ok {
			ie.NoteID = record.NoteID
		}
		return nil, err
	}

	return &domain.NoteSnapshot{
		NoteID:      record.NoteID,
		ContentHash: hash.Content(payload),
		Version:     record.Version,
		ModifiedAt:  record.RemoteModifiedAt,
		Payload:     payload,
	}, nil
}

// Detect reports whether local and remote diverged from the same base.
// Nil means no conflict: one side is still at the cursor version and the
// other side simply wins. Identical content hashes also clear: both
// devices arrived at the same bytes independently.
func (r *Resolver) Detect(local, remote *domain.NoteSnapshot, cursor *domain.SyncCursor) *domain.SyncConflict {
	if local == nil || remote == nil {
		return nil
	}
	if remote.Version == cursor.LastSyncedVersion {
		return nil
	}
	if local.Version == cursor.LastSyncedVersion {
		return nil
	}
	if local.ContentHash == remote.ContentHash {
		return nil
	}

	return &domain.SyncConflict{
		ID:         uuid.New().String(),
		NoteID:     local.NoteID,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now().UTC(),
	}
}

// Resolve consumes a conflict and produces the winning snapshot with a
// version bumped past both sides. Deterministic: resolving the same
// conflict twice with the same strategy yields identical snapshots.
func (r *Resolver) Resolve(conflict *domain.SyncConflict, strategy domain.ResolutionStrategy) (*domain.NoteSnapshot, error) {
	newVersion := conflict.Local.Version
	if conflict.Remote.Version > newVersion {
		newVersion = conflict.Remote.Version
	}
	newVersion++

	switch strategy {
	case domain.ResolutionKeepLocal:
		return &domain.NoteSnapshot{
			NoteID:      conflict.NoteID,
			ContentHash: conflict.Local.ContentHash,
			Version:     newVersion,
			ModifiedAt:  conflict.Local.ModifiedAt,
			Payload:     conflict.Local.Payload,
		}, nil

	case domain.ResolutionKeepRemote:
		return &domain.NoteSnapshot{
			NoteID:      conflict.NoteID,
			ContentHash: conflict.Remote.ContentHash,
			Version:     newVersion,
			ModifiedAt:  conflict.Remote.ModifiedAt,
			Payload:     conflict.Remote.Payload,
		}, nil

	case domain.ResolutionMerge:
		payload, err := mergePayloads(conflict.Local, conflict.Remote)
		if err != nil {
			return nil, err
		}

		modifiedAt := conflict.Local.ModifiedAt
		if conflict.Remote.ModifiedAt.After(modifiedAt) {
			modifiedAt = conflict.Remote.ModifiedAt
		}

		return &domain.NoteSnapshot{
			NoteID:      conflict.NoteID,
			ContentHash: hash.Content(payload),
			Version:     newVersion,
			ModifiedAt:  modifiedAt,
			Payload:     payload,
		}, nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", strategy)
	}
}

// mergePayloads keeps both contents delimited by conflict markers for the
// user to reconcile by hand. Title and language come from the local side;
// tags are the sorted union.
func mergePayloads(local, remote *domain.NoteSnapshot) ([]byte, error) {
	lp, err := local.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("failed to decode local payload: %w", err)
	}
	rp, err := remote.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote payload: %w", err)
	}

	merged := &domain.NotePayload{
		Title:    lp.Title,
		Language: lp.Language,
		Tags:     unionTags(lp.Tags, rp.Tags),
		Content: markerLocal + "\n" + lp.Content + "\n" +
			markerSeparator + "\n" + rp.Content + "\n" + markerRemote,
		CreatedAt: lp.CreatedAt,
		UpdatedAt: lp.UpdatedAt,
	}
	if rp.CreatedAt.Before(lp.CreatedAt) {
		merged.CreatedAt = rp.CreatedAt
	}
	if rp.UpdatedAt.After(lp.UpdatedAt) {
		merged.UpdatedAt = rp.UpdatedAt
	}

	return domain.EncodePayload(merged)
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}
