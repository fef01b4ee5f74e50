package domain

import (
	"encoding/json"
	"time"
)

// NotePayload is the synchronizable portion of a note. Purely local state
// (window placement, cursor position, preview mode) never enters a payload.
type NotePayload struct {
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteSnapshot is a point-in-time serialization of a note's synchronizable
// fields. Immutable once created.
type NoteSnapshot struct {
	NoteID      string    `json:"note_id"`
	ContentHash string    `json:"content_hash"`
	Version     int64     `json:"version"`
	ModifiedAt  time.Time `json:"modified_at"`
	Payload     []byte    `json:"payload"`
}

// DecodePayload unmarshals the snapshot payload into a NotePayload.
func (s *NoteSnapshot) DecodePayload() (*NotePayload, error) {
	var p NotePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodePayload marshals a NotePayload into snapshot payload bytes.
func EncodePayload(p *NotePayload) ([]byte, error) {
	return json.Marshal(p)
}

type CreateNoteRequest struct {
	Title    string   `json:"title" validate:"required,max=512"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Language string   `json:"language,omitempty"`
}

type UpdateNoteRequest struct {
	Title    string   `json:"title" validate:"required,max=512"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Language string   `json:"language,omitempty"`
}
