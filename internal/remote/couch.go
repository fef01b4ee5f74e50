package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"quillsync/internal/domain"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
)

// CouchStore keeps envelopes as documents in a per-account CouchDB
// database. Credentials ride in the connection string, so sessions are
// long-lived and Authenticate only verifies the database is reachable.
type CouchStore struct {
	client *kivik.Client
	dbName string
}

type couchDoc struct {
	ID               string                    `json:"_id"`
	Rev              string                    `json:"_rev,omitempty"`
	NoteID           string                    `json:"note_id"`
	Version          int64                     `json:"version"`
	RemoteModifiedAt time.Time                 `json:"remote_modified_at"`
	Deleted          bool                      `json:"deleted"`
	EditDevice       string                    `json:"edit_device,omitempty"`
	Envelope         *domain.EncryptedEnvelope `json:"envelope,omitempty"`
}

func NewCouchStore(dsn, dbName string) (*CouchStore, error) {
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	return &CouchStore{client: client, dbName: dbName}, nil
}

func (s *CouchStore) Authenticate(ctx context.Context) (*domain.Session, error) {
	exists, err := s.client.DBExists(ctx, s.dbName)
	if err != nil {
		return nil, classifyCouch("authenticate", err)
	}
	if !exists {
		if err := s.client.CreateDB(ctx, s.dbName); err != nil {
			return nil, classifyCouch("authenticate", err)
		}
	}

	return &domain.Session{
		AccessToken: "couch-basic",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

func (s *CouchStore) Upload(ctx context.Context, record *domain.RemoteRecord) (int64, error) {
	db := s.client.DB(s.dbName)
	docID := couchDocID(record.NoteID)

	doc := &couchDoc{
		ID:               docID,
		NoteID:           record.NoteID,
		Version:          record.Version,
		RemoteModifiedAt: record.RemoteModifiedAt,
		Deleted:          record.Deleted,
		EditDevice:       record.EditDevice,
		Envelope:         record.Envelope,
	}

	// Existing documents need their revision carried on the overwrite.
	var existing couchDoc
	row := db.Get(ctx, docID)
	if err := row.ScanDoc(&existing); err == nil {
		if existing.Version >= record.Version {
			return 0, ErrRemoteNewer
		}
		doc.Rev = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return 0, classifyCouch("upload", err)
	}

	if _, err := db.Put(ctx, docID, doc); err != nil {
		return 0, classifyCouch("upload", err)
	}

	return record.Version, nil
}

func (s *CouchStore) Download(ctx context.Context, noteID string) (*domain.RemoteRecord, error) {
	db := s.client.DB(s.dbName)

	var doc couchDoc
	row := db.Get(ctx, couchDocID(noteID))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, classifyCouch("download", err)
	}

	return doc.toRecord(), nil
}

func (s *CouchStore) List(ctx context.Context) ([]*domain.RemoteRecord, error) {
	db := s.client.DB(s.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"note_id": map[string]interface{}{"$exists": true},
		},
		"fields": []string{"note_id", "version", "remote_modified_at", "deleted", "edit_device"},
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, classifyCouch("list", err)
	}
	defer rows.Close()

	var records []*domain.RemoteRecord
	for rows.Next() {
		var doc couchDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		records = append(records, doc.toRecord())
	}

	return records, nil
}

func (s *CouchStore) Delete(ctx context.Context, noteID string, version int64) error {
	_, err := s.Upload(ctx, &domain.RemoteRecord{
		NoteID:           noteID,
		Version:          version,
		RemoteModifiedAt: time.Now().UTC(),
		Deleted:          true,
	})
	return err
}

func (d *couchDoc) toRecord() *domain.RemoteRecord {
	return &domain.RemoteRecord{
		NoteID:           d.NoteID,
		Version:          d.Version,
		RemoteModifiedAt: d.RemoteModifiedAt,
		Deleted:          d.Deleted,
		EditDevice:       d.EditDevice,
		Envelope:         d.Envelope,
	}
}

func couchDocID(noteID string) string {
	return fmt.Sprintf("note:%s", noteID)
}

func classifyCouch(op string, err error) error {
	return classifyStatus(op, kivik.HTTPStatus(err), err)
}
