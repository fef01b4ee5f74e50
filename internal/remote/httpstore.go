package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"quillsync/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// HTTPStore talks to a quillsync-compatible blob server over plain HTTP.
// Sessions use JWT bearer tokens issued by the server's login endpoint;
// token expiry is read from the token itself so the orchestrator knows
// when Connecting has to re-authenticate.
type HTTPStore struct {
	baseURL string
	account string
	secret  string
	client  *http.Client
	session *domain.Session
}

func NewHTTPStore(baseURL, account, secret string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		baseURL: baseURL,
		account: account,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type uploadResponse struct {
	Version int64 `json:"version"`
}

func (s *HTTPStore) Authenticate(ctx context.Context) (*domain.Session, error) {
	body, err := json.Marshal(&loginRequest{Account: s.account, Secret: s.secret})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/v1/auth/login", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("authenticate", resp.StatusCode,
			fmt.Errorf("login returned status %d", resp.StatusCode))
	}

	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, &domain.TransientError{Op: "authenticate", Err: err}
	}

	session := &domain.Session{
		AccessToken: login.AccessToken,
		ExpiresAt:   tokenExpiry(login.AccessToken),
	}
	s.session = session

	return session, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client only needs to know when to log in again, the server does the
// actual verification.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Now().Add(5 * time.Minute)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(5 * time.Minute)
	}

	return exp.Time
}

func (s *HTTPStore) Upload(ctx context.Context, record *domain.RemoteRecord) (int64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}

	resp, err := s.do(ctx, http.MethodPut, "/api/v1/blobs/"+record.NoteID, body)
	if err != nil {
		return 0, &domain.TransientError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return 0, ErrRemoteNewer
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return 0, classifyStatus("upload", resp.StatusCode,
			fmt.Errorf("upload returned status %d", resp.StatusCode))
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, &domain.TransientError{Op: "upload", Err: err}
	}

	return result.Version, nil
}

func (s *HTTPStore) Download(ctx context.Context, noteID string) (*domain.RemoteRecord, error) {
	resp, err := s.do(ctx, http.MethodGet, "/api/v1/blobs/"+noteID, nil)
	if err != nil {
		return nil, &domain.TransientError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("download", resp.StatusCode,
			fmt.Errorf("download returned status %d", resp.StatusCode))
	}

	var record domain.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, &domain.TransientError{Op: "download", Err: err}
	}

	return &record, nil
}

func (s *HTTPStore) List(ctx context.Context) ([]*domain.RemoteRecord, error) {
	resp, err := s.do(ctx, http.MethodGet, "/api/v1/blobs", nil)
	if err != nil {
		return nil, &domain.TransientError{Op: "list", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("list", resp.StatusCode,
			fmt.Errorf("list returned status %d", resp.StatusCode))
	}

	var records []*domain.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &domain.TransientError{Op: "list", Err: err}
	}

	return records, nil
}

func (s *HTTPStore) Delete(ctx context.Context, noteID string, version int64) error {
	record := &domain.RemoteRecord{
		NoteID:           noteID,
		Version:          version,
		RemoteModifiedAt: time.Now().UTC(),
		Deleted:          true,
	}
	_, err := s.Upload(ctx, record)
	return err
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Buffer
	if body != nil {
		reader = bytes.NewBuffer(body)
	} else {
		reader = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.session != nil {
		req.Header.Set("Authorization", "Bearer "+s.session.AccessToken)
	}

	return s.client.Do(req)
}
