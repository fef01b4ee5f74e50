package domain

import "time"

// EncryptedEnvelope is the self-describing ciphertext unit stored remotely.
// Salt travels with the envelope so any device holding the passphrase can
// derive the key; the auth tag is kept separate from the ciphertext so
// integrity failures are detectable before any plaintext is produced.
type EncryptedEnvelope struct {
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"auth_tag"`
}

// RemoteRecord is the last-known state of a note in the remote store as
// seen by this device. The envelope is opaque until decrypted.
type RemoteRecord struct {
	NoteID           string             `json:"note_id"`
	Version          int64              `json:"version"`
	RemoteModifiedAt time.Time          `json:"remote_modified_at"`
	Deleted          bool               `json:"deleted"`
	EditDevice       string             `json:"edit_device,omitempty"`
	Envelope         *EncryptedEnvelope `json:"envelope,omitempty"`
}

// Session is an authenticated remote store session.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the session can still be used without
// re-authenticating.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.ExpiresAt)
}
