package remote

import (
	"context"
	"sync"
	"time"

	"quillsync/internal/domain"
)

// MemoryStore is the in-process provider used by tests and local
// development. Failure injection lets tests exercise the retry and
// fail-fast paths without a network.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*domain.RemoteRecord

	// NextErrors are returned, in order, by the next remote calls
	// before any real work happens. A nil entry means "succeed".
	NextErrors []error

	uploads int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*domain.RemoteRecord)}
}

func (s *MemoryStore) nextError() error {
	if len(s.NextErrors) == 0 {
		return nil
	}
	err := s.NextErrors[0]
	s.NextErrors = s.NextErrors[1:]
	return err
}

func (s *MemoryStore) Authenticate(ctx context.Context) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextError(); err != nil {
		return nil, err
	}

	return &domain.Session{
		AccessToken: "memory",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (s *MemoryStore) Upload(ctx context.Context, record *domain.RemoteRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextError(); err != nil {
		return 0, err
	}

	if existing, ok := s.records[record.NoteID]; ok && existing.Version >= record.Version {
		return 0, ErrRemoteNewer
	}

	copied := *record
	s.records[record.NoteID] = &copied
	s.uploads++

	return record.Version, nil
}

func (s *MemoryStore) Download(ctx context.Context, noteID string) (*domain.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextError(); err != nil {
		return nil, err
	}

	record, ok := s.records[noteID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *record
	return &copied, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*domain.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextError(); err != nil {
		return nil, err
	}

	records := make([]*domain.RemoteRecord, 0, len(s.records))
	for _, record := range s.records {
		meta := *record
		meta.Envelope = nil
		records = append(records, &meta)
	}

	return records, nil
}

func (s *MemoryStore) Delete(ctx context.Context, noteID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.nextError(); err != nil {
		return err
	}

	// Same guard as Upload: a stale tombstone must not clobber a newer
	// remote edit.
	if existing, ok := s.records[noteID]; ok && existing.Version >= version {
		return ErrRemoteNewer
	}

	s.records[noteID] = &domain.RemoteRecord{
		NoteID:           noteID,
		Version:          version,
		RemoteModifiedAt: time.Now().UTC(),
		Deleted:          true,
	}

	return nil
}

// Record returns the stored record for a note, for test assertions.
func (s *MemoryStore) Record(noteID string) *domain.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[noteID]
}

// Uploads reports how many uploads succeeded, for test assertions.
func (s *MemoryStore) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}
